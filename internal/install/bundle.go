package install

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

const manifestName = "info.json"

// Bundle is a firmware bundle plus its companion setup archive, both read-only
// inputs to the upload step.
type Bundle struct {
	Path      string
	SetupPath string
	Version   string
}

// FileName is the bundle's base name as stored on the printer.
func (b Bundle) FileName() string { return filepath.Base(b.Path) }

type manifest struct {
	Version string `json:"version"`
}

// OpenBundle reads the bundle manifest and checks the setup archive exists.
// An empty setupPath defaults to setup.tgz next to the bundle.
func OpenBundle(bundlePath, setupPath string) (Bundle, error) {
	if strings.TrimSpace(bundlePath) == "" {
		return Bundle{}, errors.New("bundle path is empty")
	}
	if setupPath == "" {
		setupPath = filepath.Join(filepath.Dir(bundlePath), SetupArchiveName)
	}
	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		return Bundle{}, errors.Wrapf(err, "open bundle %s", bundlePath)
	}
	defer zr.Close()

	var m manifest
	found := false
	for _, f := range zr.File {
		if f.Name != manifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Bundle{}, errors.Wrapf(err, "open %s in %s", manifestName, bundlePath)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return Bundle{}, errors.Wrapf(err, "read %s in %s", manifestName, bundlePath)
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return Bundle{}, errors.Wrapf(err, "parse %s in %s", manifestName, bundlePath)
		}
		found = true
		break
	}
	if !found {
		return Bundle{}, errors.Errorf("bundle %s has no %s", bundlePath, manifestName)
	}
	if strings.TrimSpace(m.Version) == "" {
		return Bundle{}, errors.Errorf("bundle %s manifest has no version", bundlePath)
	}
	if _, err := os.Stat(setupPath); err != nil {
		return Bundle{}, errors.Wrapf(err, "setup archive %s", setupPath)
	}
	return Bundle{Path: bundlePath, SetupPath: setupPath, Version: m.Version}, nil
}
