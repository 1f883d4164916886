// Package env applies dotenv files to the process environment.
package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// FileName is the dotenv file searched for from the working directory upward.
	FileName = ".env"
	userDir  = ".printeragent"
	// OptInVar lets `go test` runs read dotenv files anyway.
	OptInVar = "GOTEST_LOAD_DOTENV"
)

var (
	ensureOnce sync.Once
	ensureErr  error

	mu       sync.Mutex
	sources  []string
	fromFile = map[string]bool{}
)

// Ensure applies the nearest .env above the working directory and then
// ~/.printeragent/.env. The process environment wins over both, and the
// nearer file wins over the user file. Only the first call reads anything.
func Ensure() error {
	if testing.Testing() && os.Getenv(OptInVar) != "1" {
		return nil
	}
	ensureOnce.Do(func() {
		for _, path := range candidates() {
			if err := apply(path, false); err != nil {
				ensureErr = err
				return
			}
		}
	})
	return ensureErr
}

// Load applies an explicit dotenv file such as one passed with --env-file.
// Its values replace those taken from earlier dotenv files but never those
// set in the process environment.
func Load(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return apply(path, true)
}

// Sources lists the dotenv files applied so far, in order.
func Sources() []string {
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), sources...)
}

func apply(path string, override bool) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("read environment file failed")
		return errors.Wrapf(err, "read %s", path)
	}
	mu.Lock()
	defer mu.Unlock()
	applied := 0
	for key, val := range vars {
		if _, set := os.LookupEnv(key); set && !(override && fromFile[key]) {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return errors.Wrapf(err, "set %s from %s", key, path)
		}
		fromFile[key] = true
		applied++
	}
	sources = append(sources, path)
	log.Debug().Str("dotenv", path).Int("applied", applied).Msg("loaded environment file")
	return nil
}

func candidates() []string {
	var out []string
	if wd, err := os.Getwd(); err == nil {
		if path := nearest(wd); path != "" {
			out = append(out, path)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, userDir, FileName)
		if isFile(path) && (len(out) == 0 || out[0] != path) {
			out = append(out, path)
		}
	}
	return out
}

func nearest(dir string) string {
	for {
		path := filepath.Join(dir, FileName)
		if isFile(path) {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
