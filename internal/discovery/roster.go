package discovery

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is a printer seen on the network.
type Entry struct {
	Address   string
	Serial    string
	Model     string
	Name      string
	FirstSeen time.Time
}

// Roster keeps discovered printers, one entry per address, in discovery
// order. It is safe for concurrent use.
type Roster struct {
	mu      sync.Mutex
	order   []string
	entries map[string]Entry
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{entries: make(map[string]Entry)}
}

// Add records ann and reports whether its address was new. A repeated
// address is dropped even when the serial differs.
func (r *Roster) Add(ann Announcement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]Entry)
	}
	if _, ok := r.entries[ann.Address]; ok {
		return false
	}
	r.entries[ann.Address] = Entry{
		Address:   ann.Address,
		Serial:    ann.Serial,
		Model:     ann.Model,
		Name:      ann.Name,
		FirstSeen: time.Now(),
	}
	r.order = append(r.order, ann.Address)
	log.Info().Str("address", ann.Address).Str("serial", ann.Serial).Msg("printer discovered")
	return true
}

// List returns entries in discovery order.
func (r *Roster) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.entries[addr])
	}
	return out
}

// Lookup finds the entry for address.
func (r *Roster) Lookup(address string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[address]
	return e, ok
}

// Reset forgets every entry, so each printer is delivered again.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.entries = make(map[string]Entry)
}
