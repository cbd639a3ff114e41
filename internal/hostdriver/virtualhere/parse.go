package virtualhere

import (
	"encoding/xml"
	"strings"

	"github.com/usb-quartermaster/quartermaster/internal/model"
)

// livenessFailureSubstrings are the vhclient output fragments that indicate
// the local VirtualHere client service is not running on the remote host
// (spec §4.B), distinct from a normal command failure.
var livenessFailureSubstrings = []string{
	"IPC client, server response open failed",
	"An existing client is not running.",
	"No response from IPC server",
}

func clientServiceDown(output string) bool {
	for _, s := range livenessFailureSubstrings {
		if strings.Contains(output, s) {
			return true
		}
	}
	return false
}

// wrapCommand builds the shell command that invokes the local vhclient
// binary on the remote host with cmd as its -t argument. On POSIX hosts the
// wrapper is `<client> -t "<CMD>"`; on Windows it additionally redirects
// through a temp file so the parent shell blocks until output is available
// (spec §4.B).
func wrapCommand(clientBinary, cmd string, hostType model.HostType) string {
	if hostType == model.HostTypeWindows {
		return `start "vhclient" /W ` + clientBinary + ` -t "` + cmd + `" -r tmp & type tmp & del tmp`
	}
	return clientBinary + ` -t "` + cmd + `"`
}

// clientBinaryFor returns the vhclient binary name for a RemoteHost's
// declared host type.
func clientBinaryFor(hostType model.HostType) string {
	switch hostType {
	case model.HostTypeWindows:
		return "vhclientx86_64.exe"
	case model.HostTypeDarwin:
		return "vhclientx86_64"
	default:
		return "vhclientx86_64"
	}
}

type clientStateXML struct {
	XMLName     xml.Name
	Connections []connectionXML `xml:"connection"`
}

type connectionXML struct {
	IP       string      `xml:"ip,attr"`
	Hostname string      `xml:"hostname,attr"`
	Devices  []deviceXML `xml:"device"`
}

type deviceXML struct {
	Address  string `xml:"address,attr"`
	Nickname string `xml:"nickname,attr"`
	State    string `xml:"state,attr"`
}

// parsedConnection is the connection element (and its devices) matching a
// given hub IP, extracted from a GET CLIENT STATE response.
type parsedConnection struct {
	Hostname string
	Devices  []deviceXML
}

// findConnection parses a GET CLIENT STATE XML response and returns the
// connection whose ip attribute matches wantIP.
func findConnection(xmlBody, wantIP string) (parsedConnection, bool, error) {
	var state clientStateXML
	if err := xml.Unmarshal([]byte(xmlBody), &state); err != nil {
		return parsedConnection{}, false, err
	}
	for _, c := range state.Connections {
		if c.IP == wantIP {
			return parsedConnection{Hostname: c.Hostname, Devices: c.Devices}, true, nil
		}
	}
	return parsedConnection{}, false, nil
}

// unused reports whether a VirtualHere device state attribute means
// "unused" (state=="1") versus "in use by a client" (anything else,
// observed: "3").
func unused(state string) bool { return state == "1" }
