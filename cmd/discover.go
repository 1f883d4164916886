package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/PrinterAgent/internal/config"
	"github.com/httprunner/PrinterAgent/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	var (
		flagWindow time.Duration
		flagPorts  []int
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List printers announcing themselves on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			window := flagWindow
			if window <= 0 {
				window = config.Duration(config.EnvDiscoveryWindow, 10*time.Second)
			}
			ports := flagPorts
			if len(ports) == 0 {
				ports = config.Ints(config.EnvDiscoveryPorts, discovery.DefaultPorts)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), window)
			defer cancel()

			out := cmd.OutOrStdout()
			roster := discovery.NewRoster()
			listener := discovery.NewListener(roster, ports...)
			var mu sync.Mutex
			log.Info().Ints("ports", ports).Dur("window", window).Msg("listening for printers")

			var g errgroup.Group
			goSupervised(ctx, &g, "discovery", func(ctx context.Context) error {
				listener.Start(ctx, func(address, _ string) {
					e, ok := roster.Lookup(address)
					if !ok {
						return
					}
					mu.Lock()
					renderDevice(out, e)
					mu.Unlock()
				})
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}
			if len(roster.List()) == 0 {
				_, _ = fmt.Fprintln(out, warnText("No printers found."))
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&flagWindow, "window", "w", 0, "how long to listen (default $PRINTERAGENT_DISCOVERY_WINDOW or 10s)")
	cmd.Flags().IntSliceVar(&flagPorts, "port", nil, "UDP ports to listen on (default 2021,1990)")
	return cmd
}
