// Package devicetest provides an in-memory printer that satisfies
// device.Dialer, for tests of the session, the install pipeline and the
// orchestrator.
package devicetest

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/internal/policy"
)

// ExecHook may answer a remote command. Returning false falls back to the
// default exit-0 result.
type ExecHook func(p *Printer, cmd string) (device.ExecResult, bool)

// Printer is a scripted fake printer. Exported fields may be set before use;
// after dialing, mutate them only through methods.
type Printer struct {
	Address       string
	Serial        string
	AccessCode    string
	ShellPassword string

	Version string
	SDCard  bool
	Fun     string
	Upgrade policy.UpgradeState
	History []policy.HistoryFirmware

	// ControlTimeout makes DialControl fail with a deadline error.
	ControlTimeout bool
	// ShellDown makes DialShell fail with ErrShellUnavailable.
	ShellDown bool
	// Silent lists request commands the printer never answers.
	Silent map[string]bool
	// Heartbeat sends a status report to every new subscriber.
	Heartbeat bool
	// InstallScript is delivered, in order, to every new subscriber.
	InstallScript []device.InstallProgress
	// Exec answers remote commands.
	Exec ExecHook

	mu           sync.Mutex
	calls        []string
	files        map[string][]byte
	controls     []*fakeControl
	listFailures int
}

// FailListings makes the next n directory listings fail as if the file
// channel dropped.
func (p *Printer) FailListings(n int) {
	p.mu.Lock()
	p.listFailures = n
	p.mu.Unlock()
}

// Dialer returns a device.Dialer connected to p.
func (p *Printer) Dialer() device.Dialer { return printerDialer{p} }

// Calls returns the recorded operations, e.g. "exec:ls" or "upload:/sdcard/a".
func (p *Printer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallsWithPrefix filters Calls by prefix.
func (p *Printer) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// PutFile stores a remote file.
func (p *Printer) PutFile(remotePath string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files == nil {
		p.files = make(map[string][]byte)
	}
	p.files[remotePath] = append([]byte(nil), data...)
}

// File returns a remote file's contents.
func (p *Printer) File(remotePath string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.files[remotePath]
	return data, ok
}

// OpenControls counts control channels not yet closed.
func (p *Printer) OpenControls() int {
	p.mu.Lock()
	controls := append([]*fakeControl(nil), p.controls...)
	p.mu.Unlock()
	n := 0
	for _, c := range controls {
		c.mu.Lock()
		if !c.closed {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

func (p *Printer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

type printerDialer struct{ p *Printer }

func (d printerDialer) DialControl(ctx context.Context, req device.ControlDial) (device.ControlChannel, error) {
	p := d.p
	p.record("dial-control:" + req.Address)
	if p.ControlTimeout {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if req.AccessCode != p.AccessCode {
		return nil, errors.Wrap(device.ErrAuthentication, "not Authorized")
	}
	if req.Serial != "" && req.Serial != p.Serial {
		return nil, errors.Errorf("devicetest: no printer %s", req.Serial)
	}
	c := &fakeControl{p: p, handlers: make(map[int]func(string, []byte))}
	p.mu.Lock()
	p.controls = append(p.controls, c)
	p.mu.Unlock()
	return c, nil
}

func (d printerDialer) DialShell(_ context.Context, address, user, password string) (device.ShellChannel, error) {
	p := d.p
	p.record("dial-shell:" + user)
	if p.ShellDown {
		return nil, errors.Wrap(device.ErrShellUnavailable, "connection refused")
	}
	if password != p.ShellPassword {
		return nil, errors.Wrap(device.ErrAuthentication, "ssh: unable to authenticate")
	}
	return &fakeShell{p: p}, nil
}

type fakeControl struct {
	p *Printer

	mu       sync.Mutex
	next     int
	handlers map[int]func(string, []byte)
	closed   bool
}

func (c *fakeControl) topic() string { return device.ReportTopic(c.p.Serial) }

func (c *fakeControl) Publish(_ context.Context, payload []byte) error {
	var req map[string]struct {
		SequenceID string `json:"sequence_id"`
		Command    string `json:"command"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	for _, body := range req {
		c.p.record("request:" + body.Command)
		if c.p.Silent[body.Command] {
			continue
		}
		if reply := c.p.reply(body.Command, body.SequenceID); reply != nil {
			c.send(reply)
		}
	}
	return nil
}

func (c *fakeControl) Subscribe(fn func(string, []byte)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.handlers[id] = fn
	c.mu.Unlock()

	if c.p.Heartbeat {
		go c.sendTo(id, c.p.statusReport())
	}
	if len(c.p.InstallScript) > 0 {
		script := append([]device.InstallProgress(nil), c.p.InstallScript...)
		go func() {
			for _, step := range script {
				c.sendTo(id, installReport(step))
			}
		}()
	}
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *fakeControl) send(payload []byte) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Ints(ids)
	for _, id := range ids {
		c.sendTo(id, payload)
	}
}

func (c *fakeControl) sendTo(id int, payload []byte) {
	c.mu.Lock()
	fn, ok := c.handlers[id]
	closed := c.closed
	c.mu.Unlock()
	if ok && !closed {
		fn(c.topic(), payload)
	}
}

func (c *fakeControl) Close() error {
	c.p.record("close-control")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (p *Printer) reply(command, seq string) []byte {
	var body any
	switch command {
	case "get_version":
		body = map[string]any{"info": map[string]any{
			"command": command, "sequence_id": seq,
			"module": []map[string]string{{"name": "mc", "sw_ver": "00.00.01.00"}, {"name": "ota", "sw_ver": p.Version}},
		}}
	case "pushall":
		return p.statusReport()
	case "get_history":
		entries := make([]map[string]any, 0, len(p.History))
		for _, h := range p.History {
			entries = append(entries, map[string]any{
				"firmware": map[string]string{"version": h.Version, "name": h.Name},
				"rootable": h.AlternateEligible,
			})
		}
		body = map[string]any{"upgrade": map[string]any{
			"command": command, "sequence_id": seq, "firmware_optional": entries,
		}}
	default:
		return nil
	}
	out, _ := json.Marshal(body)
	return out
}

func (p *Printer) statusReport() []byte {
	out, _ := json.Marshal(map[string]any{"print": map[string]any{
		"command":       "push_status",
		"sdcard":        p.SDCard,
		"fun":           p.Fun,
		"upgrade_state": p.Upgrade,
	}})
	return out
}

func installReport(step device.InstallProgress) []byte {
	install := map[string]any{"progress": step.Status, "done": step.Done}
	if step.Failed {
		install["error"] = step.Failure
	}
	out, _ := json.Marshal(map[string]any{"x1plus": map[string]any{"install": install}})
	return out
}

type fakeShell struct {
	p      *Printer
	closed bool
}

func (s *fakeShell) Exec(_ context.Context, cmd string) (device.ExecResult, error) {
	s.p.record("exec:" + cmd)
	if s.p.Exec != nil {
		if res, ok := s.p.Exec(s.p, cmd); ok {
			return res, nil
		}
	}
	return device.ExecResult{}, nil
}

func (s *fakeShell) Files() (device.FileChannel, error) {
	return fakeFiles{p: s.p}, nil
}

func (s *fakeShell) Close() error {
	if !s.closed {
		s.p.record("close-shell")
		s.closed = true
	}
	return nil
}

type fakeFiles struct{ p *Printer }

func (f fakeFiles) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.p.record("upload:" + remotePath)
	f.p.PutFile(remotePath, data)
	return nil
}

func (f fakeFiles) Remove(_ context.Context, remotePath string) error {
	f.p.record("remove:" + remotePath)
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	if _, ok := f.p.files[remotePath]; !ok {
		return &fs.PathError{Op: "remove", Path: remotePath, Err: fs.ErrNotExist}
	}
	delete(f.p.files, remotePath)
	return nil
}

func (f fakeFiles) List(_ context.Context, dir string) ([]string, error) {
	f.p.record("list:" + dir)
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	if f.p.listFailures > 0 {
		f.p.listFailures--
		return nil, errors.New("sftp: connection lost")
	}
	var names []string
	for p := range f.p.files {
		if path.Dir(p) == path.Clean(dir) {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f fakeFiles) ReadFile(_ context.Context, remotePath string) ([]byte, error) {
	f.p.record("read:" + remotePath)
	data, ok := f.p.File(remotePath)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: remotePath, Err: fs.ErrNotExist}
	}
	return data, nil
}

func (fakeFiles) Close() error { return nil }
