package install

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/httprunner/PrinterAgent/internal/messages"
)

// ErrUnsupported marks an installation path that is declared but rejected.
var ErrUnsupported = errors.New(messages.ErrLegacyInstall)

// StepFailure is a failure reported by the printer itself: a remote command
// exiting non-zero or an installer failure payload. Error returns Message
// unchanged.
type StepFailure struct {
	Command  string
	ExitCode int
	Message  string
}

func (f *StepFailure) Error() string { return f.Message }

// exitFailure builds a StepFailure for a command that exited non-zero,
// carrying its stderr (or stdout when stderr is empty).
func exitFailure(what, command string, code int, stderr, stdout string) *StepFailure {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	msg := fmt.Sprintf("%s exited with status %d", what, code)
	if detail != "" {
		msg += ": " + detail
	}
	return &StepFailure{Command: command, ExitCode: code, Message: msg}
}
