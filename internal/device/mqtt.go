package device

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	mqttPort     = 8883
	mqttUsername = "bblp"
)

// NetDialer dials real printers: MQTT over TLS for control, SSH for the
// shell, SFTP over that SSH connection for files.
type NetDialer struct {
	// ConnectTimeout bounds the MQTT CONNECT exchange when ctx carries no
	// deadline.
	ConnectTimeout time.Duration
	// SSHPort overrides the shell port (default 22).
	SSHPort int
}

// DialControl connects to the printer's broker and subscribes to its report
// topic.
func (d NetDialer) DialControl(ctx context.Context, req ControlDial) (ControlChannel, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultTimeouts().Connect
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	ch := &mqttControl{
		requestTopic: RequestTopic(req.Serial),
		handlers:     make(map[int]func(string, []byte)),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", req.Address, mqttPort)).
		SetClientID("printeragent-" + uuid.NewString()).
		SetUsername(mqttUsername).
		SetPassword(req.AccessCode).
		// Printers present a self-signed certificate bound to their serial.
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). //nolint:gosec
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false)
	client := mqtt.NewClient(opts)

	if err := waitToken(ctx, client.Connect(), timeout); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return nil, errors.Wrap(ErrAuthentication, err.Error())
		}
		return nil, errors.Wrapf(err, "mqtt connect %s", req.Address)
	}
	ch.client = client

	topic := ReportTopic(req.Serial)
	if err := waitToken(ctx, client.Subscribe(topic, 0, ch.dispatch), timeout); err != nil {
		client.Disconnect(0)
		return nil, errors.Wrapf(err, "mqtt subscribe %s", topic)
	}
	log.Debug().Str("address", req.Address).Str("topic", topic).Msg("mqtt subscribed")
	return ch, nil
}

// waitToken waits for a paho token, honoring ctx and timeout.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

type mqttControl struct {
	client       mqtt.Client
	requestTopic string

	mu       sync.Mutex
	next     int
	handlers map[int]func(string, []byte)
}

func (c *mqttControl) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	fns := make([]func(string, []byte), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg.Topic(), msg.Payload())
	}
}

func (c *mqttControl) Publish(ctx context.Context, payload []byte) error {
	if c.requestTopic == RequestTopic("") {
		return errors.New("mqtt: cannot publish without a serial")
	}
	return waitToken(ctx, c.client.Publish(c.requestTopic, 0, false, payload), DefaultTimeouts().Receive)
}

func (c *mqttControl) Subscribe(fn func(topic string, payload []byte)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.handlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *mqttControl) Close() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
