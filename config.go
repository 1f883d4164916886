package printeragent

import (
	"context"
	"time"

	"github.com/httprunner/PrinterAgent/internal/config"
	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/internal/discovery"
	"github.com/httprunner/PrinterAgent/internal/install"
	"github.com/httprunner/PrinterAgent/internal/policy"
)

const defaultSSHUser = "root"

// Store persists printer credentials. *kvstore.Store satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Config wires the orchestrator. Zero values fall back to defaults.
type Config struct {
	Timeouts       device.Timeouts
	PollInterval   time.Duration
	SSHUser        string
	DiscoveryPorts []int
	Policy         *policy.Policy
	Params         Params

	Dialer   device.Dialer
	Store    Store
	Listener *discovery.Listener
}

// ConfigFromEnv reads PRINTERAGENT_* variables (after loading .env).
// Collaborators are left nil.
func ConfigFromEnv() Config {
	defaults := device.DefaultTimeouts()
	pol := policy.Default()
	pol.LegacyEnabled = config.Bool(config.EnvLegacyInstall, pol.LegacyEnabled)
	return Config{
		Timeouts: device.Timeouts{
			Connect: config.Duration(config.EnvConnectTimeout, defaults.Connect),
			Receive: config.Duration(config.EnvReceiveTimeout, defaults.Receive),
		},
		PollInterval:   config.Duration(config.EnvPollInterval, install.DefaultPollInterval),
		SSHUser:        config.String(config.EnvSSHUser, defaultSSHUser),
		DiscoveryPorts: config.Ints(config.EnvDiscoveryPorts, discovery.DefaultPorts),
		Policy:         &pol,
		Params: Params{
			Method:     MethodShell,
			BundlePath: config.String(config.EnvBundlePath, ""),
			SetupPath:  config.String(config.EnvSetupPath, ""),
			KeepAwake:  config.Bool(config.EnvKeepAwake, false),
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Timeouts.Connect <= 0 || c.Timeouts.Receive <= 0 {
		d := device.DefaultTimeouts()
		if c.Timeouts.Connect <= 0 {
			c.Timeouts.Connect = d.Connect
		}
		if c.Timeouts.Receive <= 0 {
			c.Timeouts.Receive = d.Receive
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = install.DefaultPollInterval
	}
	if c.SSHUser == "" {
		c.SSHUser = defaultSSHUser
	}
	if len(c.DiscoveryPorts) == 0 {
		c.DiscoveryPorts = discovery.DefaultPorts
	}
	if c.Policy == nil {
		p := policy.Default()
		c.Policy = &p
	}
	if c.Params.Method == "" {
		c.Params.Method = MethodShell
	}
	if c.Dialer == nil {
		c.Dialer = device.NetDialer{ConnectTimeout: c.Timeouts.Connect}
	}
	if c.Store == nil {
		c.Store = noopStore{}
	}
	return c
}

type noopStore struct{}

func (noopStore) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (noopStore) Set(context.Context, string, string) error         { return nil }
func (noopStore) Delete(context.Context, string) error              { return nil }
