// Package printeragent installs custom firmware onto networked printers. The
// Orchestrator owns the single process-wide state: discovered printers, the
// current connection, the compatibility verdict, install parameters and the
// install run. Every change is pushed to subscribers as a Snapshot.
package printeragent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/internal/discovery"
	"github.com/httprunner/PrinterAgent/internal/install"
	"github.com/httprunner/PrinterAgent/internal/messages"
)

var (
	// ErrNotReady is returned by StartInstall when the printer is not ready.
	ErrNotReady = errors.New("printer not ready to install")
	// ErrInstallRunning is returned when an operation would disturb a run.
	ErrInstallRunning = errors.New("install already running")
)

// ConnectRequest identifies a printer and its credentials. Empty credentials
// are looked up in the store; an empty serial is taken from discovery or
// queried from the printer.
type ConnectRequest struct {
	Address       string
	AccessCode    string
	Serial        string
	ShellPassword string
}

// Orchestrator sequences discovery, connection, classification and install.
// Observers registered with Subscribe run in mutation order and must not
// call mutating methods.
type Orchestrator struct {
	cfg    Config
	roster *discovery.Roster

	// opMu serializes connection-level operations.
	opMu sync.Mutex

	mu          sync.Mutex
	snap        Snapshot
	session     *device.Session
	running     bool
	discovering bool

	pubMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int
}

// New builds an orchestrator. Nothing is dialed until Connect.
func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		roster:    discovery.NewRoster(),
		observers: make(map[int]func(Snapshot)),
	}
	if cfg.Listener != nil && cfg.Listener.Roster != nil {
		o.roster = cfg.Listener.Roster
	}
	o.snap = Snapshot{
		Connection: Connection{State: ConnDisconnected},
		Params:     cfg.Params,
	}
	o.snap.Ready, o.snap.NotReadyReason = readiness(o.snap)
	return o
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.Clone()
}

// Subscribe registers fn for every future snapshot.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	return func() {
		o.pubMu.Lock()
		delete(o.observers, id)
		o.pubMu.Unlock()
	}
}

// update applies fn to the snapshot, recomputes readiness and pushes the
// result to observers.
func (o *Orchestrator) update(fn func(*Snapshot)) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	fn(&o.snap)
	o.snap.Ready, o.snap.NotReadyReason = readiness(o.snap)
	snap := o.snap.Clone()
	o.mu.Unlock()

	ids := make([]int, 0, len(o.observers))
	for id := range o.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		o.observers[id](snap.Clone())
	}
}

// SetParams merges patch into the install parameters.
func (o *Orchestrator) SetParams(patch ParamsPatch) {
	o.update(func(s *Snapshot) { s.Params = s.Params.Apply(patch) })
}

// StartDiscovery starts a fresh scan that listens for printers until ctx
// ends. Calling it again while a listener runs has no effect.
func (o *Orchestrator) StartDiscovery(ctx context.Context) {
	o.mu.Lock()
	if o.discovering {
		o.mu.Unlock()
		return
	}
	o.discovering = true
	o.mu.Unlock()

	o.roster.Reset()
	o.update(func(s *Snapshot) { s.Devices = nil })

	l := o.cfg.Listener
	if l == nil {
		l = discovery.NewListener(o.roster, o.cfg.DiscoveryPorts...)
	}
	l.Roster = o.roster
	go func() {
		defer func() {
			o.mu.Lock()
			o.discovering = false
			o.mu.Unlock()
		}()
		l.Start(ctx, func(string, string) {
			o.update(func(s *Snapshot) { s.Devices = o.roster.List() })
		})
	}()
}

// QuerySerial asks the printer at address for its serial. ok is false when
// it did not answer in time.
func (o *Orchestrator) QuerySerial(ctx context.Context, address, accessCode string) (string, bool, error) {
	return device.QuerySerial(ctx, o.cfg.Dialer, address, accessCode, o.cfg.Timeouts)
}

// Connect authenticates to a printer, classifies it and, when the shell
// method needs it, opens the shell. A session to the same address and serial
// with a live control channel is reused; otherwise the previous session is
// closed first. Failures are also recorded in the snapshot.
func (o *Orchestrator) Connect(ctx context.Context, req ConnectRequest) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isRunning() {
		return ErrInstallRunning
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		return errors.New("connect: address is empty")
	}
	current := o.dropSessionUnlessAt(address)
	serial := strings.TrimSpace(req.Serial)
	if serial == "" {
		if e, ok := o.roster.Lookup(address); ok {
			serial = e.Serial
		} else if current != nil {
			serial = current.Ref().Serial
		}
	}
	accessCode := strings.TrimSpace(req.AccessCode)
	if serial == "" {
		if accessCode == "" {
			return o.failConnect(ctx, device.Ref{Address: address}, errors.New(messages.ErrSerialUnknown))
		}
		s, ok, err := o.QuerySerial(ctx, address, accessCode)
		if err != nil {
			return o.failConnect(ctx, device.Ref{Address: address}, err)
		}
		if !ok {
			return o.failConnect(ctx, device.Ref{Address: address}, errors.New(messages.ErrSerialUnknown))
		}
		serial = s
	}
	ref := device.Ref{Address: address, Serial: serial}
	if accessCode == "" {
		accessCode = o.loadCredential(ctx, accessCodeKey(serial))
	}

	sess, reused := o.sessionFor(ref)
	logger := log.With().Str("address", address).Str("serial", serial).Logger()
	if !reused {
		o.update(func(s *Snapshot) {
			s.Connection = Connection{State: ConnConnecting, Address: address, Serial: serial}
			s.Firmware = Firmware{}
			s.Verdict = nil
		})
		if accessCode == "" {
			return o.failConnect(ctx, ref, errors.Wrap(device.ErrAuthentication, "no access code"))
		}
		if err := sess.Authenticate(ctx, accessCode); err != nil {
			return o.failConnect(ctx, ref, err)
		}
		o.saveCredential(ctx, accessCodeKey(serial), accessCode)
	} else {
		logger.Info().Msg("reusing printer session")
	}

	if err := o.refreshVerdict(ctx, sess); err != nil {
		return o.failConnect(ctx, ref, err)
	}
	o.update(func(s *Snapshot) {
		s.Connection.State = ConnConnected
		s.Connection.Error = ""
	})
	return o.ensureShell(ctx, sess, ref, req.ShellPassword)
}

// dropSessionUnlessAt closes the current session when it belongs to another
// address and returns the session that remains, if any.
func (o *Orchestrator) dropSessionUnlessAt(address string) *device.Session {
	o.mu.Lock()
	sess := o.session
	if sess == nil || sess.Ref().Address == address {
		o.mu.Unlock()
		return sess
	}
	o.session = nil
	o.mu.Unlock()

	if err := sess.Disconnect(); err != nil {
		log.Warn().Err(err).Str("address", sess.Ref().Address).Msg("close previous session")
	}
	o.update(func(s *Snapshot) {
		s.Connection = Connection{State: ConnDisconnected}
		s.Firmware = Firmware{}
		s.Verdict = nil
	})
	return nil
}

// sessionFor returns a reusable session for ref or a fresh one, closing any
// session to a different printer.
func (o *Orchestrator) sessionFor(ref device.Ref) (*device.Session, bool) {
	o.mu.Lock()
	old := o.session
	if old != nil && old.Matches(ref) && old.HasControl() {
		o.mu.Unlock()
		return old, true
	}
	sess := device.NewSession(o.cfg.Dialer, ref, o.cfg.Timeouts)
	o.session = sess
	o.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(); err != nil {
			log.Warn().Err(err).Str("address", old.Ref().Address).Msg("close previous session")
		}
		o.update(func(s *Snapshot) { s.Connection.ShellOpen = false })
	}
	return sess, false
}

func (o *Orchestrator) failConnect(ctx context.Context, ref device.Ref, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, device.ErrAuthentication):
		msg = messages.ErrBadAccessCode
		if ref.Serial != "" {
			o.deleteCredential(ctx, accessCodeKey(ref.Serial))
		}
	case device.IsTimeout(err):
		msg = messages.ErrConnectTimeout
	}
	log.Error().Err(err).Str("address", ref.Address).Str("serial", ref.Serial).Msg("connect failed")

	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	if sess != nil {
		_ = sess.Disconnect()
	}
	o.update(func(s *Snapshot) {
		s.Connection = Connection{State: ConnFailed, Address: ref.Address, Serial: ref.Serial, Error: msg}
		s.Firmware = Firmware{}
		s.Verdict = nil
	})
	return err
}

// RefreshVerdict re-fetches status and history from the connected printer
// and reclassifies it.
func (o *Orchestrator) RefreshVerdict(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isRunning() {
		return ErrInstallRunning
	}
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()
	if sess == nil || !sess.HasControl() {
		return device.ErrNotConnected
	}
	return o.refreshVerdict(ctx, sess)
}

func (o *Orchestrator) refreshVerdict(ctx context.Context, sess *device.Session) error {
	version, err := sess.FetchVersion(ctx)
	if err != nil {
		return err
	}
	status, err := sess.FetchPrintStatus(ctx)
	if err != nil {
		return err
	}
	history, err := sess.FetchUpdateHistory(ctx)
	if err != nil {
		return err
	}
	verdict := o.cfg.Policy.Classify(version, status.Flags, history)
	log.Info().
		Str("serial", sess.Ref().Serial).
		Str("version", version).
		Str("reason", string(verdict.Reason)).
		Bool("compatible", verdict.Compatible).
		Msg("printer classified")
	o.update(func(s *Snapshot) {
		s.Firmware = Firmware{Version: version, Status: &status, History: history}
		s.Verdict = &verdict
	})
	return nil
}

// ensureShell opens the shell when the printer runs the alternate firmware,
// the shell method is selected and no shell is open yet.
func (o *Orchestrator) ensureShell(ctx context.Context, sess *device.Session, ref device.Ref, password string) error {
	snap := o.Snapshot()
	needed := snap.Verdict != nil && snap.Verdict.AlternateFirmware && snap.Params.Method == MethodShell
	if !needed || sess.HasShell() {
		open := sess.HasShell()
		o.update(func(s *Snapshot) {
			s.Connection.ShellOpen = open
			s.Connection.NeedsShellPassword = false
		})
		return nil
	}

	if password == "" {
		password = o.loadCredential(ctx, shellPasswordKey(ref.Serial))
	}
	err := sess.OpenSecureShell(ctx, o.cfg.SSHUser, password)
	if err == nil {
		o.saveCredential(ctx, shellPasswordKey(ref.Serial), password)
		o.update(func(s *Snapshot) {
			s.Connection.ShellOpen = true
			s.Connection.NeedsShellPassword = false
			s.Connection.Error = ""
		})
		return nil
	}

	msg, needsPassword := err.Error(), false
	switch {
	case errors.Is(err, device.ErrPasswordRequired):
		msg, needsPassword = messages.ErrNeedShellPassword, true
	case errors.Is(err, device.ErrAuthentication):
		msg, needsPassword = messages.ErrBadShellPassword, true
		o.deleteCredential(ctx, shellPasswordKey(ref.Serial))
	case errors.Is(err, device.ErrShellUnavailable):
		msg = messages.ErrShellUnavailable
	}
	log.Warn().Err(err).Str("serial", ref.Serial).Msg("secure shell not opened")
	o.update(func(s *Snapshot) {
		s.Connection.ShellOpen = false
		s.Connection.NeedsShellPassword = needsPassword
		s.Connection.Error = msg
	})
	return err
}

// StartInstall runs the sequence for the selected method to completion.
// Only precondition failures are returned; the outcome of the run is in
// Snapshot().Run.
func (o *Orchestrator) StartInstall(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrInstallRunning
	}
	params := o.snap.Params
	seq := install.ShellSequence()
	if params.Method == MethodLegacy {
		seq = install.LegacySequence()
	}
	if !o.snap.Ready || o.session == nil {
		reason := o.snap.NotReadyReason
		if reason == "" {
			reason = messages.NotReadyNotConnected
		}
		o.mu.Unlock()
		o.refuseInstall(seq, reason)
		return errors.Wrap(ErrNotReady, reason)
	}
	o.running = true
	sess := o.session
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	bundle, err := install.OpenBundle(params.BundlePath, params.SetupPath)
	if err != nil {
		o.refuseInstall(seq, err.Error())
		return err
	}
	o.update(func(s *Snapshot) { s.Bundle = BundleInfo{Version: bundle.Version} })
	runner := &install.Runner{OnUpdate: func(rs install.RunState) {
		o.update(func(s *Snapshot) { s.Run = &rs })
	}}
	log.Info().Str("serial", sess.Ref().Serial).Str("sequence", seq.Name).Str("bundle", bundle.Version).Msg("install started")
	final := runner.Execute(ctx, seq, sess, bundle, install.Options{
		KeepAwake:    params.KeepAwake,
		PollInterval: o.cfg.PollInterval,
	})
	if final.Phase == install.PhaseFailed {
		log.Error().Str("serial", sess.Ref().Serial).Msg(final.Summary())
	}
	return nil
}

// refuseInstall publishes a run that failed before its first step.
func (o *Orchestrator) refuseInstall(seq install.Sequence, reason string) {
	log.Warn().Str("sequence", seq.Name).Str("reason", reason).Msg("install refused")
	o.update(func(s *Snapshot) {
		s.Run = &install.RunState{
			Sequence: seq.Name,
			Steps:    seq.Labels(),
			Phase:    install.PhaseFailed,
			Failure:  reason,
		}
	})
}

// StartRecovery is declared for callers that offer it and always fails.
func (o *Orchestrator) StartRecovery(context.Context) error {
	if o.isRunning() {
		return ErrInstallRunning
	}
	o.update(func(s *Snapshot) {
		s.Run = &install.RunState{
			Sequence: "recovery",
			Phase:    install.PhaseFailed,
			Failure:  messages.ErrRecovery,
		}
	})
	return errors.Wrap(install.ErrUnsupported, "recovery")
}

// Disconnect closes the current session. It is safe to call repeatedly.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("disconnect")
	}
	o.update(func(s *Snapshot) {
		s.Connection = Connection{State: ConnDisconnected}
		s.Firmware = Firmware{}
		s.Verdict = nil
	})
}

func (o *Orchestrator) isRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}
