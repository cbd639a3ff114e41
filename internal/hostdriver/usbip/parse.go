package usbip

import (
	"strings"

	"github.com/usb-quartermaster/quartermaster/internal/hostdriver"
)

// separator is the literal token usbip list -l groups device entries on.
const separator = " - "

// ParseDeviceList parses the output of `usbip list -l` into a map of bus_id
// to device detail, per spec §4.B. The output is split on the literal
// " - " token; each resulting group's first line carries "busid <id>
// (<idVendor>:<idProduct>)" and its second line carries
// "<vendor> : <product> (<idVendor>:<idProduct>)".
func ParseDeviceList(output string) map[string]hostdriver.DeviceDetails {
	devices := make(map[string]hostdriver.DeviceDetails)
	groups := strings.Split(output, separator)
	for _, group := range groups[1:] {
		lines := strings.Split(strings.TrimSpace(group), "\n")
		if len(lines) == 0 {
			continue
		}
		busID, ok := parseBusLine(lines[0])
		if !ok {
			continue
		}
		vendor, product := "", ""
		if len(lines) > 1 {
			vendor, product = parseVendorProductLine(lines[1])
		}
		devices[busID] = hostdriver.DeviceDetails{Key: busID, Vendor: vendor, Product: product}
	}
	return devices
}

func parseBusLine(line string) (busID string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || fields[0] != "busid" {
		return "", false
	}
	return fields[1], true
}

func parseVendorProductLine(line string) (vendor, product string) {
	parts := strings.SplitN(strings.TrimSpace(line), " : ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	product = parts[1]
	if idx := strings.LastIndex(product, " ("); idx != -1 {
		product = product[:idx]
	}
	return parts[0], product
}

// ParseSharedSet parses `ls -1 /sys/bus/usb/drivers/usbip-host/`, keeping
// only lines that start with a digit (bus IDs look like "1-1", "2-1.4";
// the driver directory also lists "bind", "module", "new_id", etc., which
// this filter excludes).
func ParseSharedSet(output string) map[string]bool {
	shared := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line[0] >= '0' && line[0] <= '9' {
			shared[line] = true
		}
	}
	return shared
}

// classifyError recognizes the well-known usbip remote error fragments
// (spec §4.B) and maps them to a human-readable cause. ok is false when the
// stderr does not match a known fragment, i.e. the caller should report the
// raw stderr verbatim.
func classifyError(stderr string) (reason string, ok bool) {
	switch {
	case strings.Contains(stderr, "error: could not connect to localhost:3240"):
		return "usbipd not running", true
	case strings.Contains(stderr, "error: unable to bind device on "):
		return "kernel module missing", true
	default:
		return "", false
	}
}

// isEmptyDeviceList recognizes the well-known "no exportable devices" usbip
// message, which is not an error: it means the device list is simply empty.
func isEmptyDeviceList(stdout string) bool {
	return strings.Contains(stdout, "usbip: info: no exportable devices found on ")
}
