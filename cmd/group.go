package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// goSupervised runs fn on g. A panic is printed to stderr and fn is started
// again after a growing pause; a returned error ends fn as errgroup normally
// would. Panics are not logged through zerolog because the logger itself may
// be what panicked.
func goSupervised(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	if g == nil || fn == nil {
		return
	}
	g.Go(func() error {
		pause := 250 * time.Millisecond
		const maxPause = 20 * time.Second
		for ctx.Err() == nil {
			panicked, err := callRecovering(name, func() error { return fn(ctx) })
			if !panicked {
				return err
			}
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			pause = min(pause*2, maxPause)
		}
		return nil
	})
}

func callRecovering(name string, fn func() error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
		}
	}()
	return false, fn()
}
