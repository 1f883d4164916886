package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	printeragent "github.com/httprunner/PrinterAgent"
	"github.com/httprunner/PrinterAgent/internal/discovery"
	"github.com/httprunner/PrinterAgent/internal/install"
)

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
	failText = color.New(color.FgRed).SprintFunc()
	busyText = color.New(color.FgCyan).SprintFunc()
	dimText  = color.New(color.Faint).SprintFunc()
	boldText = color.New(color.Bold).SprintFunc()
)

func renderDevice(out io.Writer, e discovery.Entry) {
	name := e.Name
	if name == "" {
		name = "-"
	}
	_, _ = fmt.Fprintf(out, "%-16s %-18s %-24s %s\n", e.Address, e.Serial, e.Model, name)
}

func renderStatus(out io.Writer, s printeragent.Snapshot) {
	c := s.Connection
	_, _ = fmt.Fprintf(out, "%s %s (%s)\n", boldText("Printer"), c.Address, c.Serial)
	switch c.State {
	case printeragent.ConnConnected:
		_, _ = fmt.Fprintf(out, "  connection: %s\n", okText(c.State))
	case printeragent.ConnFailed:
		_, _ = fmt.Fprintf(out, "  connection: %s\n", failText(c.State))
	default:
		_, _ = fmt.Fprintf(out, "  connection: %s\n", warnText(c.State))
	}
	if c.Error != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", failText(c.Error))
	}
	if s.Firmware.Version != "" {
		_, _ = fmt.Fprintf(out, "  firmware:   %s\n", s.Firmware.Version)
	}
	if s.Firmware.Status != nil {
		card := okText("present")
		if !s.Firmware.Status.HasStorageMedia {
			card = warnText("missing")
		}
		_, _ = fmt.Fprintf(out, "  sd card:    %s\n", card)
	}
	if c.ShellOpen {
		_, _ = fmt.Fprintf(out, "  ssh:        %s\n", okText("open"))
	}
	if v := s.Verdict; v != nil {
		msg := warnText(v.Message)
		if v.Compatible {
			msg = okText(v.Message)
		}
		_, _ = fmt.Fprintf(out, "  verdict:    %s\n", msg)
	}
	if s.Ready {
		_, _ = fmt.Fprintf(out, "  %s\n", okText("Ready to install."))
	} else if s.NotReadyReason != "" {
		_, _ = fmt.Fprintf(out, "  not ready:  %s\n", warnText(s.NotReadyReason))
	}
}

func renderRun(out io.Writer, r install.RunState) {
	for i, label := range r.Steps {
		n := i + 1
		switch {
		case n <= r.Current:
			_, _ = fmt.Fprintf(out, "  %s %d. %s\n", okText("✓"), n, label)
		case n == r.FailedStep:
			_, _ = fmt.Fprintf(out, "  %s %d. %s\n", failText("✗"), n, label)
		case n == r.Current+1 && r.Phase == install.PhaseRunning:
			_, _ = fmt.Fprintf(out, "  %s %d. %s\n", busyText("→"), n, label)
		default:
			_, _ = fmt.Fprintf(out, "    %d. %s\n", n, dimText(label))
		}
	}
	switch r.Phase {
	case install.PhaseFinished:
		_, _ = fmt.Fprintln(out, okText("Installation finished."))
	case install.PhaseFailed:
		_, _ = fmt.Fprintln(out, failText(r.Summary()))
	}
}

// runPrinter prints run progress lines as they change.
type runPrinter struct {
	out        io.Writer
	lastStep   int
	lastStatus string
	started    bool
}

func (p *runPrinter) observe(s printeragent.Snapshot) {
	r := s.Run
	if r == nil || r.Phase == install.PhaseNotStarted {
		return
	}
	if !p.started && r.Phase == install.PhaseFailed && r.FailedStep == 0 {
		return
	}
	if !p.started {
		p.started = true
		_, _ = fmt.Fprintf(p.out, "%s %d steps\n", boldText("Installing:"), len(r.Steps))
	}
	step := r.Current + 1
	if r.Phase == install.PhaseRunning && step <= len(r.Steps) && step != p.lastStep {
		p.lastStep = step
		p.lastStatus = ""
		_, _ = fmt.Fprintf(p.out, "%s %d/%d %s\n", busyText("→"), step, len(r.Steps), r.Steps[step-1])
	}
	if r.Status != "" && r.Status != p.lastStatus {
		p.lastStatus = r.Status
		_, _ = fmt.Fprintf(p.out, "    %s\n", dimText(r.Status))
	}
}
