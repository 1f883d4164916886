package policy

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Flags is the printer's capability bitset, reported as a hex string in the
// "fun" field of a status push.
type Flags uint64

const (
	// FlagAlternateFirmware is set while the rootable firmware variant is active.
	FlagAlternateFirmware Flags = 1 << 40
	// FlagUnlocked is set once the user unlocked root access on the printer.
	FlagUnlocked Flags = 1 << 41
	// FlagShellRunning is set while the printer's SSH daemon is up.
	FlagShellRunning Flags = 1 << 42
)

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// ParseFlags decodes the hex "fun" string. An empty string yields no flags.
func ParseFlags(raw string) (Flags, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "policy: parse flags %q", raw)
	}
	return Flags(v), nil
}

// UpgradeState mirrors the printer's upgrade_state block.
type UpgradeState struct {
	ForceUpgrade       bool `json:"force_upgrade"`
	ConsistencyRequest bool `json:"consistency_request"`
}

// PrintStatus is the subset of a status push the installer cares about.
type PrintStatus struct {
	HasStorageMedia bool         `json:"has_storage_media"`
	Flags           Flags        `json:"flags"`
	Upgrade         UpgradeState `json:"upgrade"`
}

// HistoryFirmware is one entry of the printer's firmware update history.
type HistoryFirmware struct {
	Version           string `json:"version"`
	Name              string `json:"name,omitempty"`
	AlternateEligible bool   `json:"alternate_eligible,omitempty"`
}
