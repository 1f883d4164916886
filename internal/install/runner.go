// Package install drives the remote installation pipeline: a fixed sequence
// of steps run one after another against a connected printer, with every
// state change published to an observer.
package install

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/internal/messages"
)

// Device is the part of a printer session the pipeline drives.
// *device.Session satisfies it.
type Device interface {
	ExecRemote(ctx context.Context, command string) (device.ExecResult, error)
	UploadFile(ctx context.Context, localPath, remotePath string) error
	RemoveRemoteFile(ctx context.Context, remotePath string) error
	ListRemoteFiles(ctx context.Context, dir string) ([]string, error)
	DownloadRemoteFileToMemory(ctx context.Context, remotePath string) ([]byte, error)
	WatchInstallProgress(ctx context.Context, fn func(device.InstallProgress) (stop bool)) error
}

var _ Device = (*device.Session)(nil)

// Phase is the run's position in its state machine.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseFinished   Phase = "finished"
	PhaseFailed     Phase = "failed"
)

// RunState is the observable state of one pipeline run.
//
// Current counts completed steps. It only grows, by one per completed step,
// and stops at the failed step. FailedStep is 1-based; zero means no failure.
type RunState struct {
	ID         string
	Sequence   string
	Steps      []string
	Current    int
	Status     string
	Failure    string
	FailedStep int
	Finished   bool
	Phase      Phase
	Results    map[string]string
}

// Clone returns a deep copy safe to hand to observers.
func (s RunState) Clone() RunState {
	out := s
	out.Steps = append([]string(nil), s.Steps...)
	if s.Results != nil {
		out.Results = make(map[string]string, len(s.Results))
		for k, v := range s.Results {
			out.Results[k] = v
		}
	}
	return out
}

// Summary renders a failed run as a one-line message.
func (s RunState) Summary() string {
	if s.Phase != PhaseFailed || s.FailedStep == 0 || s.FailedStep > len(s.Steps) {
		return s.Failure
	}
	return fmt.Sprintf(messages.StepFailedFmt, s.FailedStep, s.Steps[s.FailedStep-1], s.Failure)
}

// Options tune a run.
type Options struct {
	// KeepAwake disables the printer's Wi-Fi power saving before uploading.
	KeepAwake bool
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// StepContext is handed to each step.
type StepContext struct {
	Device  Device
	Bundle  Bundle
	Options Options

	setStatus func(string)
	result    *string
}

// SetStatus publishes intra-step progress text.
func (sc *StepContext) SetStatus(text string) {
	if sc.setStatus != nil {
		sc.setStatus(text)
	}
}

// SetResult records the step's result.
func (sc *StepContext) SetResult(v string) {
	sc.result = &v
}

// Step is one labelled action of a sequence.
type Step struct {
	Label string
	Run   func(ctx context.Context, sc *StepContext) error
}

// Sequence is a named, ordered list of steps.
type Sequence struct {
	Name  string
	Steps []Step
}

// Labels returns the step labels in order.
func (s Sequence) Labels() []string {
	out := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Label
	}
	return out
}

// Runner executes sequences. OnUpdate, when set, receives a copy of the run
// state after every transition, on the calling goroutine.
type Runner struct {
	OnUpdate func(RunState)
}

// Execute runs seq to completion or first failure and returns the final
// state. Step errors never escape; they end up in RunState.Failure verbatim.
// No rollback is attempted after a failure.
func (r *Runner) Execute(ctx context.Context, seq Sequence, dev Device, bundle Bundle, opts Options) RunState {
	state := RunState{
		ID:       uuid.NewString(),
		Sequence: seq.Name,
		Steps:    seq.Labels(),
		Phase:    PhaseNotStarted,
		Results:  make(map[string]string),
	}
	r.publish(state)

	state.Phase = PhaseRunning
	r.publish(state)

	logger := log.With().Str("run", state.ID).Str("sequence", seq.Name).Logger()
	for i, step := range seq.Steps {
		state.Status = ""
		sc := &StepContext{
			Device:  dev,
			Bundle:  bundle,
			Options: opts,
			setStatus: func(text string) {
				state.Status = text
				r.publish(state)
			},
		}
		logger.Info().Int("step", i+1).Str("label", step.Label).Msg("install step started")
		err := step.Run(ctx, sc)
		if err != nil {
			state.Phase = PhaseFailed
			state.Failure = err.Error()
			state.FailedStep = i + 1
			logger.Error().Err(err).Int("step", i+1).Str("label", step.Label).Msg("install step failed")
			r.publish(state)
			return state.Clone()
		}
		if sc.result != nil {
			state.Results[step.Label] = *sc.result
		}
		state.Current = i + 1
		logger.Info().Int("step", i+1).Str("label", step.Label).Msg("install step finished")
		r.publish(state)
	}

	state.Status = ""
	state.Phase = PhaseFinished
	state.Finished = true
	logger.Info().Int("steps", len(seq.Steps)).Msg("install finished")
	r.publish(state)
	return state.Clone()
}

func (r *Runner) publish(state RunState) {
	if r == nil || r.OnUpdate == nil {
		return
	}
	r.OnUpdate(state.Clone())
}
