package device

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultSSHPort = 22

// DialShell connects to the printer's SSH daemon with password auth.
func (d NetDialer) DialShell(ctx context.Context, address, user, password string) (ShellChannel, error) {
	port := d.SSHPort
	if port == 0 {
		port = defaultSSHPort
	}
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, errors.Wrapf(ErrShellUnavailable, "dial %s: %v", hostPort, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		// Host keys change with every firmware flash.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, hostPort, cfg)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errors.Wrap(ErrAuthentication, err.Error())
		}
		return nil, errors.Wrapf(ErrShellUnavailable, "handshake %s: %v", hostPort, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshShell{address: address, client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshShell struct {
	address string
	client  *ssh.Client

	mu    sync.Mutex
	files *sftpFiles
}

func (s *sshShell) Exec(ctx context.Context, command string) (ExecResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, errors.Wrapf(err, "new ssh session on %s", s.address)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{}, ctx.Err()
	}
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, errors.Wrapf(err, "run on %s", s.address)
	}
	return res, nil
}

func (s *sshShell) Files() (FileChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files != nil {
		return s.files, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrapf(err, "start sftp on %s", s.address)
	}
	s.files = &sftpFiles{client: client}
	return s.files, nil
}

func (s *sshShell) Close() error {
	s.mu.Lock()
	if s.files != nil {
		_ = s.files.Close()
		s.files = nil
	}
	s.mu.Unlock()
	return s.client.Close()
}
