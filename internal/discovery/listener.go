// Package discovery listens for printer SSDP announcements on the local
// network and keeps a deduplicated roster of what it has heard.
package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultPorts are the UDP ports printers announce on.
var DefaultPorts = []int{2021, 1990}

const (
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
	maxDatagram  = 4096
	listenFamily = "udp4"
)

// Listener receives announcements and feeds new printers to a callback.
type Listener struct {
	Ports  []int
	Roster *Roster

	// ListenPacket opens the socket for a port; nil uses net.ListenPacket.
	ListenPacket func(ctx context.Context, port int) (net.PacketConn, error)
}

// NewListener listens on ports (DefaultPorts when empty) and records into
// roster.
func NewListener(roster *Roster, ports ...int) *Listener {
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	return &Listener{Ports: ports, Roster: roster}
}

// Start blocks until ctx is done. Each newly seen address is passed to
// onDiscovered once per roster lifetime. Socket errors are logged and the
// socket is reopened after a backoff; nothing is returned to the caller.
func (l *Listener) Start(ctx context.Context, onDiscovered func(address, serial string)) {
	if l.Roster == nil {
		l.Roster = NewRoster()
	}
	ports := l.Ports
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	var g errgroup.Group
	for _, port := range ports {
		port := port
		g.Go(func() error {
			l.listenLoop(ctx, port, onDiscovered)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Listener) listenLoop(ctx context.Context, port int, onDiscovered func(address, serial string)) {
	logger := log.With().Int("port", port).Logger()
	backoff := minBackoff
	for ctx.Err() == nil {
		conn, err := l.open(ctx, port)
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("discovery socket unavailable")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		logger.Debug().Msg("discovery listening")
		if l.serve(ctx, conn, onDiscovered) {
			backoff = minBackoff
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Dur("backoff", backoff).Msg("discovery socket closed, reopening")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// serve reads datagrams until the socket fails or ctx ends. It reports
// whether at least one datagram was read.
func (l *Listener) serve(ctx context.Context, conn net.PacketConn, onDiscovered func(address, serial string)) bool {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	gotAny := false
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("discovery read failed")
			}
			return gotAny
		}
		gotAny = true
		ann, ok := ParseAnnouncement(buf[:n])
		if !ok {
			continue
		}
		if l.Roster.Add(ann) && onDiscovered != nil {
			onDiscovered(ann.Address, ann.Serial)
		}
	}
}

func (l *Listener) open(ctx context.Context, port int) (net.PacketConn, error) {
	if l.ListenPacket != nil {
		return l.ListenPacket(ctx, port)
	}
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, listenFamily, ":"+strconv.Itoa(port))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
