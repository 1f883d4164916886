package device

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/httprunner/PrinterAgent/internal/policy"
)

// Control channel sections and commands.
const (
	sectionInfo    = "info"
	sectionPushing = "pushing"
	sectionUpgrade = "upgrade"

	cmdGetVersion = "get_version"
	cmdPushAll    = "pushall"
	cmdPushStatus = "push_status"
	cmdGetHistory = "get_history"

	// otaModule carries the firmware version in a get_version reply.
	otaModule = "ota"
)

// Topic layout of the printer's broker.
const (
	topicPrefix   = "device/"
	reportSuffix  = "/report"
	requestSuffix = "/request"
	wildcard      = "+"
)

// ReportTopic returns the topic a printer publishes reports on.
func ReportTopic(serial string) string {
	if serial == "" {
		serial = wildcard
	}
	return topicPrefix + serial + reportSuffix
}

// RequestTopic returns the topic a printer accepts requests on.
func RequestTopic(serial string) string {
	return topicPrefix + serial + requestSuffix
}

// SerialFromTopic extracts the serial from a report topic.
func SerialFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) || !strings.HasSuffix(topic, reportSuffix) {
		return "", false
	}
	serial := strings.TrimSuffix(strings.TrimPrefix(topic, topicPrefix), reportSuffix)
	if serial == "" || serial == wildcard || strings.Contains(serial, "/") {
		return "", false
	}
	return serial, true
}

type requestBody struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
}

func encodeRequest(section, command, sequenceID string) []byte {
	payload, _ := json.Marshal(map[string]requestBody{
		section: {SequenceID: sequenceID, Command: command},
	})
	return payload
}

type report struct {
	Info    *infoReport    `json:"info,omitempty"`
	Print   *printReport   `json:"print,omitempty"`
	Upgrade *upgradeReport `json:"upgrade,omitempty"`
	X1Plus  *x1plusReport  `json:"x1plus,omitempty"`
}

type infoReport struct {
	Command    string `json:"command"`
	SequenceID string `json:"sequence_id"`
	Module     []struct {
		Name    string `json:"name"`
		Version string `json:"sw_ver"`
	} `json:"module"`
}

type printReport struct {
	Command      string              `json:"command"`
	SDCard       *bool               `json:"sdcard,omitempty"`
	Fun          string              `json:"fun"`
	UpgradeState policy.UpgradeState `json:"upgrade_state"`
}

type upgradeReport struct {
	Command    string `json:"command"`
	SequenceID string `json:"sequence_id"`
	Firmware   []struct {
		Firmware struct {
			Version string `json:"version"`
			Name    string `json:"name"`
		} `json:"firmware"`
		Rootable bool `json:"rootable"`
	} `json:"firmware_optional"`
}

type x1plusReport struct {
	Install *struct {
		Progress string          `json:"progress"`
		Done     bool            `json:"done"`
		Error    json.RawMessage `json:"error,omitempty"`
	} `json:"install,omitempty"`
}

func decodeReport(payload []byte) (report, error) {
	var r report
	if err := json.Unmarshal(payload, &r); err != nil {
		return report{}, errors.Wrap(err, "device: decode report")
	}
	return r, nil
}

func (r *infoReport) firmwareVersion() (string, bool) {
	for _, m := range r.Module {
		if m.Name == otaModule {
			return m.Version, true
		}
	}
	return "", false
}

func (r *printReport) status() (policy.PrintStatus, error) {
	flags, err := policy.ParseFlags(r.Fun)
	if err != nil {
		return policy.PrintStatus{}, err
	}
	return policy.PrintStatus{
		HasStorageMedia: r.SDCard != nil && *r.SDCard,
		Flags:           flags,
		Upgrade:         r.UpgradeState,
	}, nil
}

func (r *upgradeReport) history() []policy.HistoryFirmware {
	out := make([]policy.HistoryFirmware, 0, len(r.Firmware))
	for _, fw := range r.Firmware {
		out = append(out, policy.HistoryFirmware{
			Version:           fw.Firmware.Version,
			Name:              fw.Firmware.Name,
			AlternateEligible: fw.Rootable,
		})
	}
	return out
}

func (r *x1plusReport) progress() (InstallProgress, bool) {
	if r == nil || r.Install == nil {
		return InstallProgress{}, false
	}
	p := InstallProgress{Status: r.Install.Progress, Done: r.Install.Done}
	if msg, ok := failureText(r.Install.Error); ok {
		p.Failed = true
		p.Failure = msg
	}
	return p, true
}

// failureText returns the failure payload as text: strings unquoted, any
// other JSON value verbatim.
func failureText(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "false" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", false
		}
		return s, true
	}
	return trimmed, true
}
