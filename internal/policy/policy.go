// Package policy decides whether a printer's firmware state allows a custom
// firmware install. It performs no I/O.
package policy

import (
	"fmt"

	"github.com/httprunner/PrinterAgent/internal/messages"
)

// InstalledVersion is what a printer already running the custom firmware
// reports as its version.
const InstalledVersion = "99.00.00.00"

// Reason names the branch that produced a verdict.
type Reason string

const (
	ReasonAlreadyInstalled     Reason = "already_installed"
	ReasonNotUnlocked          Reason = "not_unlocked"
	ReasonShellNotRunning      Reason = "shell_not_running"
	ReasonAlternateReady       Reason = "alternate_ready"
	ReasonUnlockUnknown        Reason = "unlock_unknown"
	ReasonEligibleNotInstalled Reason = "eligible_not_installed"
	ReasonAlternateRequired    Reason = "alternate_required"
	ReasonLegacyCompatible     Reason = "legacy_compatible"
	ReasonLegacyDowngrade      Reason = "legacy_downgrade"
)

// Verdict is the compatibility classification of one printer. Verdicts are
// replaced wholesale, never patched.
type Verdict struct {
	AlternateFirmware     bool   `json:"alternate_firmware"`
	Compatible            bool   `json:"compatible"`
	Message               string `json:"message"`
	CanUpgradeToAlternate bool   `json:"can_upgrade_to_alternate"`
	Reason                Reason `json:"reason"`
}

// Policy holds the version bounds used by Classify.
type Policy struct {
	// AlternateMin and AlternateMax bound the versions published for the
	// rootable firmware variant, inclusive.
	AlternateMin string
	AlternateMax string
	// LegacyEnabled turns on the exploit-based install path. Off by default.
	LegacyEnabled bool
	// LegacyCeiling is the newest version the legacy path accepts.
	LegacyCeiling string
}

// Default returns the shipped policy.
func Default() Policy {
	return Policy{
		AlternateMin:  "01.08.50.00",
		AlternateMax:  "01.08.99.99",
		LegacyCeiling: "01.07.00.00",
	}
}

// Classify maps a printer's reported state to a verdict. The first matching
// rule wins; the order matters.
func (p Policy) Classify(version string, flags Flags, history []HistoryFirmware) Verdict {
	switch {
	case version == InstalledVersion:
		return incompatible(ReasonAlreadyInstalled, messages.VerdictAlreadyInstalled)

	case flags.Has(FlagAlternateFirmware) && !flags.Has(FlagUnlocked):
		return incompatible(ReasonNotUnlocked, messages.VerdictNotUnlocked)

	case flags.Has(FlagAlternateFirmware) && !flags.Has(FlagShellRunning):
		return incompatible(ReasonShellNotRunning, messages.VerdictShellNotRunning)

	case flags.Has(FlagAlternateFirmware):
		return Verdict{
			AlternateFirmware: true,
			Compatible:        true,
			Message:           messages.VerdictAlternateReady,
			Reason:            ReasonAlternateReady,
		}

	case InRange(version, p.AlternateMin, p.AlternateMax):
		return incompatible(ReasonUnlockUnknown, messages.VerdictUnlockUnknown)

	case !p.LegacyEnabled && hasEligible(history):
		v := incompatible(ReasonEligibleNotInstalled, messages.VerdictEligibleNotInstalled)
		v.CanUpgradeToAlternate = true
		return v

	case !p.LegacyEnabled:
		return incompatible(ReasonAlternateRequired, messages.VerdictAlternateRequired)

	case CompareVersions(version, p.LegacyCeiling) <= 0:
		return Verdict{Compatible: true, Message: messages.VerdictLegacyCompatible, Reason: ReasonLegacyCompatible}

	case CompareVersions(version, p.LegacyCeiling) > 0:
		return incompatible(ReasonLegacyDowngrade, messages.VerdictLegacyDowngrade)
	}
	panic(fmt.Sprintf("policy: no verdict for version %q flags %#x", version, uint64(flags)))
}

func incompatible(reason Reason, msg string) Verdict {
	return Verdict{Message: msg, Reason: reason}
}

func hasEligible(history []HistoryFirmware) bool {
	for _, fw := range history {
		if fw.AlternateEligible {
			return true
		}
	}
	return false
}
