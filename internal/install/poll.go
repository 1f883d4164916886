package install

import (
	"context"
	"time"
)

// DefaultPollInterval is the first-stage marker poll period.
const DefaultPollInterval = time.Second

// Poll calls probe every interval until it reports done, returns an error or
// ctx ends. There is no attempt limit.
func Poll(ctx context.Context, interval time.Duration, probe func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := probe(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
