package discovery

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
)

// PrinterNT is the notification type printers announce themselves with.
const PrinterNT = "urn:bambulab-com:device:3dprinter:1"

// Announcement is one parsed SSDP NOTIFY from a printer.
type Announcement struct {
	Address string
	Serial  string
	Model   string
	Name    string
}

// ParseAnnouncement parses an SSDP datagram. It reports false for anything
// that is not a printer NOTIFY carrying both a location and a USN.
func ParseAnnouncement(datagram []byte) (Announcement, bool) {
	data := bytes.TrimLeft(datagram, "\r\n ")
	if !bytes.HasSuffix(data, []byte("\r\n\r\n")) {
		data = append(append([]byte(nil), bytes.TrimRight(data, "\r\n")...), "\r\n\r\n"...)
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return Announcement{}, false
	}
	if req.Method != "NOTIFY" || req.Header.Get("NT") != PrinterNT {
		return Announcement{}, false
	}
	ann := Announcement{
		Address: strings.TrimSpace(req.Header.Get("Location")),
		Serial:  strings.TrimSpace(req.Header.Get("USN")),
		Model:   strings.TrimSpace(req.Header.Get("DevModel.bambu.com")),
		Name:    strings.TrimSpace(req.Header.Get("DevName.bambu.com")),
	}
	if ann.Address == "" || ann.Serial == "" {
		return Announcement{}, false
	}
	return ann, true
}
