package printeragent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"

	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/internal/device/devicetest"
	"github.com/httprunner/PrinterAgent/internal/install"
	"github.com/httprunner/PrinterAgent/internal/messages"
	"github.com/httprunner/PrinterAgent/internal/policy"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) has(key string) bool {
	_, ok, _ := m.Get(context.Background(), key)
	return ok
}

// routeDialer sends each address to its own fake printer.
type routeDialer map[string]*devicetest.Printer

func (r routeDialer) DialControl(ctx context.Context, req device.ControlDial) (device.ControlChannel, error) {
	p, ok := r[req.Address]
	if !ok {
		return nil, errors.Wrap(device.ErrTimeout, req.Address)
	}
	return p.Dialer().DialControl(ctx, req)
}

func (r routeDialer) DialShell(ctx context.Context, address, user, password string) (device.ShellChannel, error) {
	return r[address].Dialer().DialShell(ctx, address, user, password)
}

func alternatePrinter(address, serial string) *devicetest.Printer {
	return &devicetest.Printer{
		Address:       address,
		Serial:        serial,
		AccessCode:    "12345678",
		ShellPassword: "sekrit",
		Version:       "01.08.50.10",
		SDCard:        true,
		Fun:           "70000000000",
	}
}

func newTestOrchestrator(t *testing.T, dialer device.Dialer, store Store, pol *policy.Policy) *Orchestrator {
	t.Helper()
	o := New(Config{
		Timeouts:     device.Timeouts{Connect: 100 * time.Millisecond, Receive: 200 * time.Millisecond},
		PollInterval: 5 * time.Millisecond,
		Policy:       pol,
		Dialer:       dialer,
		Store:        store,
	})
	t.Cleanup(o.Disconnect)
	return o
}

func writeTestBundle(t *testing.T) (bundlePath, setupPath string) {
	t.Helper()
	dir := t.TempDir()
	bundlePath = filepath.Join(dir, "x1plus-test.x1p")
	f, err := os.Create(bundlePath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("info.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(`{"version":"2.0.1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	setupPath = filepath.Join(dir, install.SetupArchiveName)
	if err := os.WriteFile(setupPath, []byte("tgz"), 0o644); err != nil {
		t.Fatal(err)
	}
	return bundlePath, setupPath
}

func ptr[T any](v T) *T { return &v }

func TestConnectInstalledPrinterIsNotReady(t *testing.T) {
	p := alternatePrinter("10.0.0.9", "SERIAL9")
	p.Version = policy.InstalledVersion
	p.Fun = "0"
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), nil)

	err := o.Connect(context.Background(), ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	snap := o.Snapshot()
	if snap.Verdict == nil || snap.Verdict.Reason != policy.ReasonAlreadyInstalled || snap.Verdict.Compatible {
		t.Fatalf("unexpected verdict %+v", snap.Verdict)
	}
	if snap.Ready || snap.NotReadyReason != messages.NotReadyIncompatible {
		t.Fatalf("ready=%v reason=%q", snap.Ready, snap.NotReadyReason)
	}
	if err := o.StartInstall(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if len(p.CallsWithPrefix("dial-shell")) != 0 {
		t.Fatalf("shell must not be opened for an incompatible printer")
	}
}

func TestConnectAndInstallFinishes(t *testing.T) {
	p := alternatePrinter("10.0.0.10", "SERIAL10")
	p.Exec = func(p *devicetest.Printer, cmd string) (device.ExecResult, bool) {
		if strings.Contains(cmd, "install.sh") {
			p.PutFile(install.RemovableStorage+"/"+install.FirstStageMarker, []byte(`{"ok":true}`))
		}
		return device.ExecResult{}, false
	}
	p.InstallScript = []device.InstallProgress{{Status: "Writing firmware"}, {Done: true}}
	store := newMemStore()
	o := newTestOrchestrator(t, p.Dialer(), store, nil)

	bundle, setup := writeTestBundle(t)
	o.SetParams(ParamsPatch{BundlePath: &bundle, SetupPath: &setup})

	var mu sync.Mutex
	var runs []install.RunState
	unsubscribe := o.Subscribe(func(s Snapshot) {
		if s.Run != nil {
			mu.Lock()
			runs = append(runs, *s.Run)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	ctx := context.Background()
	err := o.Connect(ctx, ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode, ShellPassword: p.ShellPassword})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	snap := o.Snapshot()
	if !snap.Ready || !snap.Connection.ShellOpen || snap.Connection.State != ConnConnected {
		t.Fatalf("expected ready, got %+v (%s)", snap.Connection, snap.NotReadyReason)
	}
	if !store.has(accessCodeKey(p.Serial)) || !store.has(shellPasswordKey(p.Serial)) {
		t.Fatalf("credentials were not stored: %v", store.data)
	}

	if err := o.StartInstall(ctx); err != nil {
		t.Fatalf("start install: %v", err)
	}
	snap = o.Snapshot()
	if snap.Run == nil || !snap.Run.Finished || snap.Run.Current != len(snap.Run.Steps) || snap.Run.Failure != "" {
		t.Fatalf("unexpected run %+v", snap.Run)
	}
	if snap.Bundle.Version != "2.0.1" {
		t.Fatalf("bundle version = %q", snap.Bundle.Version)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runs) == 0 || len(runs[0].Steps) != 4 {
		t.Fatalf("labels were not published up front: %+v", runs)
	}
	prev := 0
	for _, r := range runs {
		if r.Current < prev || r.Current > prev+1 {
			t.Fatalf("current went from %d to %d", prev, r.Current)
		}
		prev = r.Current
	}
}

func TestBadAccessCodeDeletesStoredCode(t *testing.T) {
	p := alternatePrinter("10.0.0.11", "SERIAL11")
	store := newMemStore()
	_ = store.Set(context.Background(), accessCodeKey(p.Serial), "stale")
	o := newTestOrchestrator(t, p.Dialer(), store, nil)

	err := o.Connect(context.Background(), ConnectRequest{Address: p.Address, Serial: p.Serial})
	if !errors.Is(err, device.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if store.has(accessCodeKey(p.Serial)) {
		t.Fatalf("rejected access code should be deleted")
	}
	snap := o.Snapshot()
	if snap.Connection.State != ConnFailed || snap.Connection.Error != messages.ErrBadAccessCode {
		t.Fatalf("unexpected connection %+v", snap.Connection)
	}
	if snap.Verdict != nil || snap.Ready {
		t.Fatalf("failed connection must not carry a verdict")
	}
}

func TestConnectTimeoutMessage(t *testing.T) {
	p := alternatePrinter("10.0.0.12", "SERIAL12")
	p.ControlTimeout = true
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), nil)

	err := o.Connect(context.Background(), ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode})
	if !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := o.Snapshot().Connection.Error; got != messages.ErrConnectTimeout {
		t.Fatalf("error = %q", got)
	}
}

func TestShellPasswordPromptThenReuse(t *testing.T) {
	p := alternatePrinter("10.0.0.13", "SERIAL13")
	store := newMemStore()
	o := newTestOrchestrator(t, p.Dialer(), store, nil)
	ctx := context.Background()

	err := o.Connect(ctx, ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode})
	if !errors.Is(err, device.ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	snap := o.Snapshot()
	if !snap.Connection.NeedsShellPassword || snap.Connection.Error != messages.ErrNeedShellPassword {
		t.Fatalf("unexpected connection %+v", snap.Connection)
	}
	if snap.Ready || snap.NotReadyReason != messages.NotReadyNoShell {
		t.Fatalf("ready=%v reason=%q", snap.Ready, snap.NotReadyReason)
	}

	err = o.Connect(ctx, ConnectRequest{Address: p.Address, Serial: p.Serial, ShellPassword: "wrong"})
	if !errors.Is(err, device.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if got := o.Snapshot().Connection.Error; got != messages.ErrBadShellPassword {
		t.Fatalf("error = %q", got)
	}
	if store.has(shellPasswordKey(p.Serial)) {
		t.Fatalf("rejected shell password must not be stored")
	}

	if err := o.Connect(ctx, ConnectRequest{Address: p.Address, Serial: p.Serial, ShellPassword: p.ShellPassword}); err != nil {
		t.Fatalf("connect with password: %v", err)
	}
	if n := len(p.CallsWithPrefix("dial-control")); n != 1 {
		t.Fatalf("session should be reused, saw %d control dials", n)
	}
	if !o.Snapshot().Ready {
		t.Fatalf("expected ready: %s", o.Snapshot().NotReadyReason)
	}

	// A second connect with everything open only re-reads the printer.
	if err := o.Connect(ctx, ConnectRequest{Address: p.Address, Serial: p.Serial}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if n := len(p.CallsWithPrefix("dial-shell")); n != 2 {
		t.Fatalf("open shell must not be redialed, saw %d shell dials", n)
	}
}

func TestConnectingElsewhereClosesPreviousSession(t *testing.T) {
	a := alternatePrinter("10.0.0.20", "A")
	b := alternatePrinter("10.0.0.21", "B")
	o := newTestOrchestrator(t, routeDialer{a.Address: a, b.Address: b}, newMemStore(), nil)
	ctx := context.Background()

	if err := o.Connect(ctx, ConnectRequest{Address: a.Address, Serial: a.Serial, AccessCode: a.AccessCode, ShellPassword: a.ShellPassword}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := o.Connect(ctx, ConnectRequest{Address: b.Address, Serial: b.Serial, AccessCode: b.AccessCode, ShellPassword: b.ShellPassword}); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if a.OpenControls() != 0 {
		t.Fatalf("previous printer still connected")
	}
	if len(a.CallsWithPrefix("close-shell")) != 1 {
		t.Fatalf("previous shell not closed: %v", a.Calls())
	}
	if got := o.Snapshot().Connection.Serial; got != "B" {
		t.Fatalf("connected to %q", got)
	}
}

func TestFailedConnectElsewhereClosesPreviousSession(t *testing.T) {
	a := alternatePrinter("10.0.0.60", "A")
	o := newTestOrchestrator(t, routeDialer{a.Address: a}, newMemStore(), nil)
	ctx := context.Background()

	if err := o.Connect(ctx, ConnectRequest{Address: a.Address, Serial: a.Serial, AccessCode: a.AccessCode, ShellPassword: a.ShellPassword}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := o.Connect(ctx, ConnectRequest{Address: "10.0.0.99", AccessCode: "x"}); err == nil {
		t.Fatal("connect to an absent printer succeeded")
	}
	if a.OpenControls() != 0 {
		t.Fatalf("previous printer still connected")
	}
	if len(a.CallsWithPrefix("close-shell")) != 1 {
		t.Fatalf("previous shell not closed: %v", a.Calls())
	}
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()
	if sess != nil {
		t.Fatalf("session %+v kept after failed connect", sess.Ref())
	}
	c := o.Snapshot().Connection
	if c.State != ConnFailed || c.Address != "10.0.0.99" || c.ShellOpen {
		t.Fatalf("unexpected connection %+v", c)
	}
}

func TestReconnectSameAddressReusesSerial(t *testing.T) {
	p := alternatePrinter("10.0.0.61", "SERIAL61")
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), nil)
	ctx := context.Background()
	req := ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode, ShellPassword: p.ShellPassword}
	if err := o.Connect(ctx, req); err != nil {
		t.Fatalf("connect: %v", err)
	}
	req.Serial = ""
	if err := o.Connect(ctx, req); err != nil {
		t.Fatalf("reconnect without serial: %v", err)
	}
	if p.OpenControls() != 1 {
		t.Fatalf("expected the session to be reused, %d controls open", p.OpenControls())
	}
}

func TestDisconnectTwice(t *testing.T) {
	p := alternatePrinter("10.0.0.14", "SERIAL14")
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), nil)
	if err := o.Connect(context.Background(), ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode, ShellPassword: p.ShellPassword}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	o.Disconnect()
	o.Disconnect()
	snap := o.Snapshot()
	if snap.Connection.State != ConnDisconnected || snap.Verdict != nil || snap.Ready {
		t.Fatalf("unexpected snapshot after disconnect %+v", snap.Connection)
	}
	if p.OpenControls() != 0 {
		t.Fatalf("control channel still open")
	}
	if n := len(p.CallsWithPrefix("close-control")); n != 1 {
		t.Fatalf("control closed %d times", n)
	}
}

func TestStartRecoveryIsUnsupported(t *testing.T) {
	o := newTestOrchestrator(t, alternatePrinter("10.0.0.15", "S").Dialer(), nil, nil)
	err := o.StartRecovery(context.Background())
	if !errors.Is(err, install.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	snap := o.Snapshot()
	if snap.Run == nil || snap.Run.Failure != messages.ErrRecovery || snap.Run.Phase != install.PhaseFailed {
		t.Fatalf("unexpected run %+v", snap.Run)
	}
}

func TestStartRecoveryDuringInstall(t *testing.T) {
	o := newTestOrchestrator(t, alternatePrinter("10.0.0.17", "S").Dialer(), nil, nil)
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	if err := o.StartRecovery(context.Background()); !errors.Is(err, ErrInstallRunning) {
		t.Fatalf("expected ErrInstallRunning, got %v", err)
	}
	if o.Snapshot().Run != nil {
		t.Fatal("recovery replaced the active run")
	}
}

// failedRuns collects the failed runs pushed to subscribers.
func failedRuns(o *Orchestrator) (runs func() []install.RunState, unsubscribe func()) {
	var mu sync.Mutex
	var collected []install.RunState
	unsubscribe = o.Subscribe(func(s Snapshot) {
		if s.Run != nil && s.Run.Phase == install.PhaseFailed {
			mu.Lock()
			collected = append(collected, *s.Run)
			mu.Unlock()
		}
	})
	return func() []install.RunState {
		mu.Lock()
		defer mu.Unlock()
		return append([]install.RunState(nil), collected...)
	}, unsubscribe
}

func TestStartInstallNotReadyIsPublished(t *testing.T) {
	o := newTestOrchestrator(t, alternatePrinter("10.0.0.18", "S").Dialer(), nil, nil)
	runs, unsubscribe := failedRuns(o)
	defer unsubscribe()

	if err := o.StartInstall(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	got := runs()
	if len(got) != 1 || got[0].Failure != messages.NotReadyNotConnected || len(got[0].Steps) != 4 {
		t.Fatalf("unexpected pushed runs %+v", got)
	}
}

func TestStartInstallMissingBundleIsPublished(t *testing.T) {
	p := alternatePrinter("10.0.0.19", "SERIAL19")
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), nil)
	missing := filepath.Join(t.TempDir(), "absent.x1p")
	o.SetParams(ParamsPatch{BundlePath: &missing})
	ctx := context.Background()
	if err := o.Connect(ctx, ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode, ShellPassword: p.ShellPassword}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	runs, unsubscribe := failedRuns(o)
	defer unsubscribe()

	err := o.StartInstall(ctx)
	if err == nil {
		t.Fatal("install with a missing bundle started")
	}
	got := runs()
	if len(got) != 1 || got[0].Failure != err.Error() || got[0].Current != 0 {
		t.Fatalf("unexpected pushed runs %+v", got)
	}
	if len(p.CallsWithPrefix("exec:")) != 0 {
		t.Fatalf("printer touched for a refused install: %v", p.Calls())
	}
	if o.isRunning() {
		t.Fatal("still marked running")
	}
}

func TestLegacyMethodFailsAsUnsupported(t *testing.T) {
	p := alternatePrinter("10.0.0.16", "SERIAL16")
	p.Version = "01.05.00.00"
	p.Fun = "0"
	pol := policy.Default()
	pol.LegacyEnabled = true
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), &pol)

	bundle, setup := writeTestBundle(t)
	o.SetParams(ParamsPatch{Method: ptr(MethodLegacy), BundlePath: &bundle, SetupPath: &setup})
	if err := o.Connect(context.Background(), ConnectRequest{Address: p.Address, Serial: p.Serial, AccessCode: p.AccessCode}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	snap := o.Snapshot()
	if !snap.Ready || snap.Verdict.Reason != policy.ReasonLegacyCompatible {
		t.Fatalf("legacy printer should be ready: %s %+v", snap.NotReadyReason, snap.Verdict)
	}
	if err := o.StartInstall(context.Background()); err != nil {
		t.Fatalf("start install: %v", err)
	}
	run := o.Snapshot().Run
	if run == nil || run.FailedStep != 1 || run.Failure != messages.ErrLegacyInstall || run.Current != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if len(p.CallsWithPrefix("exec:")) != 0 || len(p.CallsWithPrefix("upload:")) != 0 {
		t.Fatalf("legacy path must not touch the printer")
	}
}

func TestConnectQueriesMissingSerial(t *testing.T) {
	p := alternatePrinter("10.0.0.17", "SERIAL17")
	p.Heartbeat = true
	p.Fun = "0"
	p.Version = "01.04.00.00"
	o := newTestOrchestrator(t, p.Dialer(), newMemStore(), nil)

	if err := o.Connect(context.Background(), ConnectRequest{Address: p.Address, AccessCode: p.AccessCode}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := o.Snapshot().Connection.Serial; got != p.Serial {
		t.Fatalf("serial = %q", got)
	}
	if v := o.Snapshot().Verdict; v == nil || v.Reason != policy.ReasonAlternateRequired {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestParamsPatchLeavesUnsetFields(t *testing.T) {
	base := Params{Method: MethodShell, BundlePath: "/a.x1p", SetupPath: "/setup.tgz", KeepAwake: true}
	got := base.Apply(ParamsPatch{BundlePath: ptr("/b.x1p")})
	want := Params{Method: MethodShell, BundlePath: "/b.x1p", SetupPath: "/setup.tgz", KeepAwake: true}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	got = got.Apply(ParamsPatch{KeepAwake: ptr(false), Method: ptr(MethodLegacy)})
	if got.KeepAwake || got.Method != MethodLegacy || got.BundlePath != "/b.x1p" {
		t.Fatalf("unexpected %+v", got)
	}
	if _, err := ParseMethod("ftp"); err == nil {
		t.Fatalf("unknown method must fail")
	}
}

func TestReadinessOrder(t *testing.T) {
	compatible := &policy.Verdict{Compatible: true, AlternateFirmware: true}
	withCard := &policy.PrintStatus{HasStorageMedia: true}
	cases := []struct {
		name string
		snap Snapshot
		want string
	}{
		{"disconnected", Snapshot{}, messages.NotReadyNotConnected},
		{"no verdict", Snapshot{Connection: Connection{State: ConnConnected}}, messages.NotReadyNoVerdict},
		{"incompatible", Snapshot{Connection: Connection{State: ConnConnected}, Verdict: &policy.Verdict{}}, messages.NotReadyIncompatible},
		{"no card", Snapshot{Connection: Connection{State: ConnConnected}, Verdict: compatible, Firmware: Firmware{Status: &policy.PrintStatus{}}}, messages.NotReadyNoStorage},
		{"inconsistent", Snapshot{Connection: Connection{State: ConnConnected}, Verdict: compatible, Firmware: Firmware{Status: &policy.PrintStatus{HasStorageMedia: true, Upgrade: policy.UpgradeState{ConsistencyRequest: true}}}}, messages.NotReadyInconsistent},
		{"no shell", Snapshot{Connection: Connection{State: ConnConnected}, Verdict: compatible, Firmware: Firmware{Status: withCard}, Params: Params{Method: MethodShell}}, messages.NotReadyNoShell},
		{"ready", Snapshot{Connection: Connection{State: ConnConnected, ShellOpen: true}, Verdict: compatible, Firmware: Firmware{Status: withCard}, Params: Params{Method: MethodShell}}, ""},
	}
	for _, tc := range cases {
		ready, reason := readiness(tc.snap)
		if reason != tc.want || ready != (tc.want == "") {
			t.Errorf("%s: ready=%v reason=%q", tc.name, ready, reason)
		}
	}
}
