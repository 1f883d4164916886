package device

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// QuerySerial connects to address without knowing the serial, waits for the
// first report on any printer topic and returns the serial it came from.
// ok is false when the printer does not answer within the deadlines;
// rejected credentials are returned as ErrAuthentication.
func QuerySerial(ctx context.Context, dialer Dialer, address, accessCode string, timeouts Timeouts) (serial string, ok bool, err error) {
	timeouts = timeouts.withDefaults()
	dialCtx, cancel := context.WithTimeout(ctx, timeouts.Connect)
	ctl, err := dialer.DialControl(dialCtx, ControlDial{Address: address, AccessCode: accessCode})
	cancel()
	if err != nil {
		if IsTimeout(err) {
			log.Info().Str("address", address).Msg("query serial: connect timed out")
			return "", false, nil
		}
		return "", false, classifyDial(err, "query serial")
	}
	defer ctl.Close()

	found := make(chan string, 1)
	unsubscribe := ctl.Subscribe(func(topic string, _ []byte) {
		if s, ok := SerialFromTopic(topic); ok {
			select {
			case found <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeouts.Receive)
	defer timer.Stop()
	select {
	case s := <-found:
		return s, true, nil
	case <-timer.C:
		log.Info().Str("address", address).Msg("query serial: no report received")
		return "", false, nil
	case <-ctx.Done():
		return "", false, errors.Wrap(ctx.Err(), "query serial")
	}
}
