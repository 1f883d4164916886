package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/PrinterAgent/internal/env"
)

// Environment keys understood by the agent.
const (
	EnvDBPath          = "PRINTERAGENT_DB_PATH"
	EnvConnectTimeout  = "PRINTERAGENT_CONNECT_TIMEOUT"
	EnvReceiveTimeout  = "PRINTERAGENT_RECEIVE_TIMEOUT"
	EnvPollInterval    = "PRINTERAGENT_POLL_INTERVAL"
	EnvLegacyInstall   = "PRINTERAGENT_LEGACY_INSTALL"
	EnvSSHUser         = "PRINTERAGENT_SSH_USER"
	EnvDiscoveryPorts  = "PRINTERAGENT_DISCOVERY_PORTS"
	EnvBundlePath      = "PRINTERAGENT_BUNDLE"
	EnvSetupPath       = "PRINTERAGENT_SETUP_ARCHIVE"
	EnvKeepAwake       = "PRINTERAGENT_KEEP_AWAKE"
	EnvDiscoveryWindow = "PRINTERAGENT_DISCOVERY_WINDOW"
)

var ensureOnce sync.Once

// lookup returns the trimmed value of key, loading dotenv files on first use.
func lookup(key string) (string, bool) {
	ensureOnce.Do(func() {
		if err := env.Ensure(); err != nil {
			log.Warn().Err(err).Msg("environment files not applied")
		}
	})
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the value of key or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration reads a Go duration such as "1500ms". Bare integers are seconds.
// Non-positive or malformed values yield fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		if parsed > 0 {
			return parsed
		}
		return fallback
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Ints parses a comma separated list, skipping items that are not integers.
func Ints(key string, fallback []int) []int {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(val, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Bool accepts 1/0, true/false, yes/no and on/off.
func Bool(key string, fallback bool) bool {
	val, _ := lookup(key)
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
