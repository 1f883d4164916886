package device

import (
	"context"
	"time"
)

// Ref identifies one printer on the network.
type Ref struct {
	Address string `json:"address"`
	Serial  string `json:"serial"`
}

// Timeouts holds the two deadline classes used against a printer.
type Timeouts struct {
	// Connect bounds reachability checks (control connect, shell dial).
	Connect time.Duration
	// Receive bounds a request/response exchange once connected.
	Receive time.Duration
}

// DefaultTimeouts returns the 3s connect / 15s receive deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 3 * time.Second, Receive: 15 * time.Second}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = def.Connect
	}
	if t.Receive <= 0 {
		t.Receive = def.Receive
	}
	return t
}

// ExecResult is the outcome of one remote command. A non-zero ExitCode is
// not an error by itself.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// InstallProgress is one installation-progress report from the printer.
type InstallProgress struct {
	Status  string
	Done    bool
	Failed  bool
	Failure string
}

// ControlDial describes a control channel connection. An empty Serial
// subscribes to every printer's reports behind the address.
type ControlDial struct {
	Address    string
	Serial     string
	AccessCode string
}

// ControlChannel is the authenticated pub/sub connection to a printer.
type ControlChannel interface {
	// Publish sends a request payload to the printer's request topic.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers fn for every report received until the returned
	// function is called.
	Subscribe(fn func(topic string, payload []byte)) (unsubscribe func())
	Close() error
}

// ShellChannel is a secure-shell connection to a printer.
type ShellChannel interface {
	Exec(ctx context.Context, command string) (ExecResult, error)
	// Files opens (or returns the already open) file-transfer channel
	// carried by this shell connection.
	Files() (FileChannel, error)
	Close() error
}

// FileChannel transfers files to and from the printer. Missing remote paths
// produce errors matching fs.ErrNotExist.
type FileChannel interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	Remove(ctx context.Context, remotePath string) error
	List(ctx context.Context, dir string) ([]string, error)
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	Close() error
}

// Dialer opens the transport channels. NetDialer is the production
// implementation; tests supply fakes.
type Dialer interface {
	DialControl(ctx context.Context, req ControlDial) (ControlChannel, error)
	DialShell(ctx context.Context, address, user, password string) (ShellChannel, error)
}
