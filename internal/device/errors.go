package device

import (
	"context"

	"github.com/pkg/errors"
)

// Classified session errors. Callers match them with errors.Is; transport
// errors that fit none of these are returned wrapped but unclassified.
var (
	// ErrTimeout means a connect or receive deadline elapsed.
	ErrTimeout = errors.New("device: timed out")
	// ErrAuthentication means the printer rejected the access code or the
	// shell credentials.
	ErrAuthentication = errors.New("device: authentication rejected")
	// ErrPasswordRequired means no shell password is known yet; ask the user.
	ErrPasswordRequired = errors.New("device: shell password required")
	// ErrShellUnavailable means the printer's SSH service could not be reached.
	ErrShellUnavailable = errors.New("device: shell service unavailable")
	// ErrNotConnected means the channel an operation needs is not open.
	ErrNotConnected = errors.New("device: channel not open")
)

// IsTimeout reports whether err is a deadline failure, including a context
// deadline raised while waiting on a transport.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
