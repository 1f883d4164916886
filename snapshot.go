package printeragent

import (
	"github.com/httprunner/PrinterAgent/internal/discovery"
	"github.com/httprunner/PrinterAgent/internal/install"
	"github.com/httprunner/PrinterAgent/internal/messages"
	"github.com/httprunner/PrinterAgent/internal/policy"
)

// ConnState is the control-channel state of the current printer.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
)

// Connection describes the current printer link.
type Connection struct {
	State              ConnState
	Address            string
	Serial             string
	Error              string
	NeedsShellPassword bool
	ShellOpen          bool
}

// Firmware is what the printer reported about itself on the last refresh.
type Firmware struct {
	Version string
	Status  *policy.PrintStatus
	History []policy.HistoryFirmware
}

// BundleInfo describes the firmware bundle of the last install attempt.
type BundleInfo struct {
	Version string
}

// Snapshot is the whole observable state. A nil Verdict means compatibility
// has not been computed for the current connection.
type Snapshot struct {
	Devices        []discovery.Entry
	Connection     Connection
	Firmware       Firmware
	Verdict        *policy.Verdict
	Params         Params
	Ready          bool
	NotReadyReason string
	Run            *install.RunState
	Bundle         BundleInfo
}

// Clone returns a copy sharing no mutable memory with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Devices = append([]discovery.Entry(nil), s.Devices...)
	out.Firmware.History = append([]policy.HistoryFirmware(nil), s.Firmware.History...)
	if s.Firmware.Status != nil {
		st := *s.Firmware.Status
		out.Firmware.Status = &st
	}
	if s.Verdict != nil {
		v := *s.Verdict
		out.Verdict = &v
	}
	if s.Run != nil {
		r := s.Run.Clone()
		out.Run = &r
	}
	return out
}

// readiness evaluates, in order: connection, verdict, compatibility, storage
// media, firmware consistency, and for the shell method a live shell.
func readiness(s Snapshot) (bool, string) {
	switch {
	case s.Connection.State != ConnConnected:
		return false, messages.NotReadyNotConnected
	case s.Verdict == nil:
		return false, messages.NotReadyNoVerdict
	case !s.Verdict.Compatible:
		return false, messages.NotReadyIncompatible
	case s.Firmware.Status == nil || !s.Firmware.Status.HasStorageMedia:
		return false, messages.NotReadyNoStorage
	case s.Firmware.Status.Upgrade.ConsistencyRequest:
		return false, messages.NotReadyInconsistent
	case s.Params.Method == MethodShell && !s.Connection.ShellOpen:
		return false, messages.NotReadyNoShell
	default:
		return true, ""
	}
}
