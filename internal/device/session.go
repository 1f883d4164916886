package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PrinterAgent/internal/policy"
)

// Session owns the channels to a single printer. All operations are
// serialized; no two protocol exchanges run against the session at once.
type Session struct {
	ref      Ref
	dialer   Dialer
	timeouts Timeouts

	mu      sync.Mutex
	control ControlChannel
	shell   ShellChannel
	files   FileChannel
}

// NewSession prepares a session for ref. Nothing is dialed until
// Authenticate.
func NewSession(dialer Dialer, ref Ref, timeouts Timeouts) *Session {
	return &Session{ref: ref, dialer: dialer, timeouts: timeouts.withDefaults()}
}

// Ref returns the printer this session targets.
func (s *Session) Ref() Ref { return s.ref }

// Matches reports whether the session targets the same address and serial.
func (s *Session) Matches(ref Ref) bool {
	return s.ref.Address == ref.Address && s.ref.Serial == ref.Serial
}

// HasControl reports whether the control channel is open.
func (s *Session) HasControl() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control != nil
}

// HasShell reports whether the shell channel is open.
func (s *Session) HasShell() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell != nil
}

// Authenticate opens the control channel with the printer's access code.
func (s *Session) Authenticate(ctx context.Context, accessCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control != nil {
		_ = s.control.Close()
		s.control = nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.timeouts.Connect)
	defer cancel()
	ctl, err := s.dialer.DialControl(dialCtx, ControlDial{
		Address:    s.ref.Address,
		Serial:     s.ref.Serial,
		AccessCode: accessCode,
	})
	if err != nil {
		return classifyDial(err, "authenticate")
	}
	s.control = ctl
	log.Info().Str("address", s.ref.Address).Str("serial", s.ref.Serial).Msg("control channel connected")
	return nil
}

// FetchVersion asks the printer for its firmware version.
func (s *Session) FetchVersion(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.request(ctx, sectionInfo, cmdGetVersion, func(r report, seq string) bool {
		if r.Info == nil || r.Info.Command != cmdGetVersion || r.Info.SequenceID != seq {
			return false
		}
		_, ok := r.Info.firmwareVersion()
		return ok
	})
	if err != nil {
		return "", errors.Wrap(err, "fetch version")
	}
	version, _ := r.Info.firmwareVersion()
	return version, nil
}

// FetchPrintStatus requests a full status push and returns the fields the
// policy needs.
func (s *Session) FetchPrintStatus(ctx context.Context) (policy.PrintStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.request(ctx, sectionPushing, cmdPushAll, func(r report, _ string) bool {
		return r.Print != nil && r.Print.Command == cmdPushStatus && r.Print.SDCard != nil
	})
	if err != nil {
		return policy.PrintStatus{}, errors.Wrap(err, "fetch print status")
	}
	return r.Print.status()
}

// FetchUpdateHistory returns the printer's firmware update history. An
// empty history is a valid result.
func (s *Session) FetchUpdateHistory(ctx context.Context) ([]policy.HistoryFirmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.request(ctx, sectionUpgrade, cmdGetHistory, func(r report, seq string) bool {
		return r.Upgrade != nil && r.Upgrade.Command == cmdGetHistory && r.Upgrade.SequenceID == seq
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch update history")
	}
	return r.Upgrade.history(), nil
}

// request publishes one command and waits for the first report accepted by
// match, bounded by the receive deadline. Callers hold s.mu.
func (s *Session) request(ctx context.Context, section, command string, match func(report, string) bool) (report, error) {
	if s.control == nil {
		return report{}, ErrNotConnected
	}
	seq := uuid.NewString()
	got := make(chan report, 1)
	unsubscribe := s.control.Subscribe(func(topic string, payload []byte) {
		r, err := decodeReport(payload)
		if err != nil {
			log.Debug().Err(err).Str("topic", topic).Msg("skip undecodable report")
			return
		}
		if !match(r, seq) {
			return
		}
		select {
		case got <- r:
		default:
		}
	})
	defer unsubscribe()

	if err := s.control.Publish(ctx, encodeRequest(section, command, seq)); err != nil {
		return report{}, errors.Wrapf(err, "publish %s/%s", section, command)
	}
	timer := time.NewTimer(s.timeouts.Receive)
	defer timer.Stop()
	select {
	case r := <-got:
		return r, nil
	case <-timer.C:
		return report{}, errors.Wrapf(ErrTimeout, "no %s/%s reply within %s", section, command, s.timeouts.Receive)
	case <-ctx.Done():
		return report{}, ctx.Err()
	}
}

// WatchInstallProgress forwards installation-progress reports to fn until fn
// returns true or ctx ends. There is no receive deadline: the on-printer
// installer runs for as long as it needs.
func (s *Session) WatchInstallProgress(ctx context.Context, fn func(InstallProgress) (stop bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return ErrNotConnected
	}
	updates := make(chan InstallProgress, 16)
	done := make(chan struct{})
	defer close(done)
	unsubscribe := s.control.Subscribe(func(topic string, payload []byte) {
		r, err := decodeReport(payload)
		if err != nil {
			return
		}
		p, ok := r.X1Plus.progress()
		if !ok {
			return
		}
		select {
		case updates <- p:
		case <-done:
		}
	})
	defer unsubscribe()
	for {
		select {
		case p := <-updates:
			if fn(p) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OpenSecureShell connects the shell channel. An empty password returns
// ErrPasswordRequired without dialing.
func (s *Session) OpenSecureShell(ctx context.Context, user, password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeShellLocked()
	dialCtx, cancel := context.WithTimeout(ctx, s.timeouts.Connect)
	defer cancel()
	sh, err := s.dialer.DialShell(dialCtx, s.ref.Address, user, password)
	if err != nil {
		if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrShellUnavailable) {
			return errors.Wrap(err, "open secure shell")
		}
		if IsTimeout(err) {
			return errors.Wrap(ErrShellUnavailable, err.Error())
		}
		return errors.Wrap(err, "open secure shell")
	}
	s.shell = sh
	log.Info().Str("address", s.ref.Address).Str("user", user).Msg("secure shell connected")
	return nil
}

// ExecRemote runs command over the shell channel.
func (s *Session) ExecRemote(ctx context.Context, command string) (ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shell == nil {
		return ExecResult{}, ErrNotConnected
	}
	log.Debug().Str("cmd", command).Msg("exec remote")
	res, err := s.shell.Exec(ctx, command)
	if err != nil {
		return res, errors.Wrapf(err, "exec %q", command)
	}
	return res, nil
}

// UploadFile copies a local file to the printer.
func (s *Session) UploadFile(ctx context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, err := s.fileChannelLocked()
	if err != nil {
		return err
	}
	if err := fc.Upload(ctx, localPath, remotePath); err != nil {
		return errors.Wrapf(err, "upload %s", remotePath)
	}
	return nil
}

// RemoveRemoteFile deletes a file on the printer. A missing file yields an
// error matching fs.ErrNotExist; callers decide whether that matters.
func (s *Session) RemoveRemoteFile(ctx context.Context, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, err := s.fileChannelLocked()
	if err != nil {
		return err
	}
	if err := fc.Remove(ctx, remotePath); err != nil {
		return errors.Wrapf(err, "remove %s", remotePath)
	}
	return nil
}

// ListRemoteFiles lists the entry names of a remote directory.
func (s *Session) ListRemoteFiles(ctx context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, err := s.fileChannelLocked()
	if err != nil {
		return nil, err
	}
	names, err := fc.List(ctx, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	return names, nil
}

// DownloadRemoteFileToMemory reads a remote file fully.
func (s *Session) DownloadRemoteFileToMemory(ctx context.Context, remotePath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, err := s.fileChannelLocked()
	if err != nil {
		return nil, err
	}
	data, err := fc.ReadFile(ctx, remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", remotePath)
	}
	return data, nil
}

func (s *Session) fileChannelLocked() (FileChannel, error) {
	if s.files != nil {
		return s.files, nil
	}
	if s.shell == nil {
		return nil, ErrNotConnected
	}
	fc, err := s.shell.Files()
	if err != nil {
		return nil, errors.Wrap(err, "open file transfer")
	}
	s.files = fc
	return fc, nil
}

// Disconnect closes every open channel. It is safe to call repeatedly and
// when nothing is open.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	s.closeShellLocked()
	if s.control != nil {
		if err := s.control.Close(); err != nil {
			firstErr = err
		}
		s.control = nil
		log.Info().Str("address", s.ref.Address).Msg("control channel closed")
	}
	return firstErr
}

func (s *Session) closeShellLocked() {
	if s.files != nil {
		if err := s.files.Close(); err != nil {
			log.Debug().Err(err).Msg("close file channel")
		}
		s.files = nil
	}
	if s.shell != nil {
		if err := s.shell.Close(); err != nil {
			log.Debug().Err(err).Msg("close shell channel")
		}
		s.shell = nil
	}
}

// classifyDial maps deadline failures to ErrTimeout and keeps already
// classified errors intact.
func classifyDial(err error, op string) error {
	switch {
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrTimeout):
		return errors.Wrap(err, op)
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(ErrTimeout, op)
	default:
		return errors.Wrap(err, op)
	}
}
