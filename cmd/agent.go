package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	printeragent "github.com/httprunner/PrinterAgent"
	"github.com/httprunner/PrinterAgent/internal/config"
	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/pkg/kvstore"
)

const maxPasswordPrompts = 3

// openAgent builds an orchestrator backed by the credential database.
// The returned close func disconnects and releases the database.
func openAgent(tune func(*printeragent.Config)) (*printeragent.Orchestrator, func(), error) {
	cfg := printeragent.ConfigFromEnv()
	path, err := kvstore.ResolvePath(firstNonEmpty(rootDBPath, config.String(config.EnvDBPath, "")))
	if err != nil {
		return nil, nil, err
	}
	store, err := kvstore.Open(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.Store = store
	if tune != nil {
		tune(&cfg)
	}
	o := printeragent.New(cfg)
	return o, func() {
		o.Disconnect()
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close credential database")
		}
	}, nil
}

type connectFlags struct {
	address       string
	serial        string
	accessCode    string
	shellPassword string
	noPrompt      bool
}

func (f *connectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "printer IP address (required)")
	cmd.Flags().StringVarP(&f.serial, "serial", "s", "", "printer serial; queried from the printer when empty")
	cmd.Flags().StringVarP(&f.accessCode, "access-code", "c", "", "LAN access code; read from the credential database when empty")
	cmd.Flags().StringVar(&f.shellPassword, "ssh-password", "", "SSH password; read from the credential database when empty")
	cmd.Flags().BoolVar(&f.noPrompt, "no-prompt", false, "never prompt for a missing SSH password")
	_ = cmd.MarkFlagRequired("address")
}

func (f *connectFlags) request() printeragent.ConnectRequest {
	return printeragent.ConnectRequest{
		Address:       strings.TrimSpace(f.address),
		Serial:        strings.TrimSpace(f.serial),
		AccessCode:    strings.TrimSpace(f.accessCode),
		ShellPassword: f.shellPassword,
	}
}

// connectInteractive connects and, on a terminal, asks for the SSH password
// when the printer needs one.
func connectInteractive(ctx context.Context, o *printeragent.Orchestrator, f *connectFlags, out io.Writer) error {
	req := f.request()
	err := o.Connect(ctx, req)
	for attempt := 0; err != nil && attempt < maxPasswordPrompts; attempt++ {
		if f.noPrompt || !o.Snapshot().Connection.NeedsShellPassword || !isInteractive() {
			break
		}
		if !errors.Is(err, device.ErrPasswordRequired) && !errors.Is(err, device.ErrAuthentication) {
			break
		}
		_, _ = fmt.Fprintln(out, color.YellowString(o.Snapshot().Connection.Error))
		password, perr := readPassword(out, "SSH password: ")
		if perr != nil {
			return perr
		}
		req.ShellPassword = password
		err = o.Connect(ctx, req)
	}
	return err
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func readPassword(out io.Writer, prompt string) (string, error) {
	_, _ = fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return strings.TrimSpace(string(b)), nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
