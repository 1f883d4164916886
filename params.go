package printeragent

import (
	"strings"

	"github.com/pkg/errors"
)

// Method selects the install sequence.
type Method string

const (
	MethodShell  Method = "shell"
	MethodLegacy Method = "legacy"
)

// ParseMethod accepts "shell" or "legacy", case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodShell:
		return MethodShell, nil
	case MethodLegacy:
		return MethodLegacy, nil
	default:
		return "", errors.Errorf("unknown install method %q", s)
	}
}

// Params are the user-adjustable install settings.
type Params struct {
	Method     Method
	BundlePath string
	SetupPath  string
	KeepAwake  bool
}

// ParamsPatch changes the fields that are set and leaves the rest alone.
type ParamsPatch struct {
	Method     *Method
	BundlePath *string
	SetupPath  *string
	KeepAwake  *bool
}

// Apply returns p with patch merged in.
func (p Params) Apply(patch ParamsPatch) Params {
	if patch.Method != nil {
		p.Method = *patch.Method
	}
	if patch.BundlePath != nil {
		p.BundlePath = *patch.BundlePath
	}
	if patch.SetupPath != nil {
		p.SetupPath = *patch.SetupPath
	}
	if patch.KeepAwake != nil {
		p.KeepAwake = *patch.KeepAwake
	}
	return p
}
