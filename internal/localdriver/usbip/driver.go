// Package usbip implements the client-side USB/IP Local Driver (spec §4.D):
// devices are attached with `usbip attach` against the RemoteHost's USB/IP
// export, over a plain network connection (no SSH involved on the client
// side).
package usbip

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"github.com/usb-quartermaster/quartermaster/internal/localdriver"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

// Identifier matches the server-side plugin identifier for this driver
// family (internal/hostdriver/usbip.Identifier), so the client can resolve
// the Local Driver a reserved device's "driver" field names.
const Identifier = "USBIP"

// noRemoteDevices is the benign stderr USB/IP emits on an export host with
// nothing currently shared; it is not a failure.
const noRemoteDevices = "usbip: info: no exportable devices found on "

func init() {
	localdriver.Register(Identifier, New)
}

// Driver is the client-side USB/IP Local Driver for one device.
type Driver struct {
	host  string
	busID string
	usbip string
}

// New builds a USB/IP Local Driver from a device's flattened config, which
// must carry "host" (the RemoteHost's USB/IP export address) and "bus_id".
func New(device localdriver.Device) (localdriver.LocalDriver, error) {
	host, _ := device.Config["host"].(string)
	busID, _ := device.Config["bus_id"].(string)
	if host == "" || busID == "" {
		return nil, &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: fmt.Sprintf("device %q is missing host/bus_id in its config", device.Name)}
	}
	return &Driver{host: host, busID: busID}, nil
}

func (d *Driver) AsyncInit(ctx context.Context) error { return nil }

// PreflightCheck confirms this is Linux and `usbip` is on PATH (the
// original's UsbipOverSSH.preflight_check).
func (d *Driver) PreflightCheck(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return &qmerrors.LocalDriverError{Kind: qmerrors.UnsupportedPlatform, Msg: "unsupported OS, 'usbip' is only available on Linux"}
	}
	path, err := exec.LookPath("usbip")
	if err != nil {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: "usbip was not found in PATH. " + setupInformation()}
	}
	d.usbip = path
	return nil
}

func setupInformation() string {
	return "Linux is the only supported platform for USB/IP. On a Debian/Ubuntu host, as root: " +
		"apt-get install linux-tools-generic; modprobe vhci-hcd; echo 'vhci-hcd' >> /etc/modules"
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	if d.usbip == "" {
		if path, err := exec.LookPath("usbip"); err == nil {
			d.usbip = path
		} else {
			return "", &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: "usbip was not found in PATH"}
		}
	}
	cmd := exec.CommandContext(ctx, "sudo", append([]string{d.usbip}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if err != nil && !strings.Contains(stderr.String(), noRemoteDevices) {
		return "", &qmerrors.LocalDriverError{
			Kind: qmerrors.CommandError,
			Msg:  fmt.Sprintf("command=%v, stdout=%q, stderr=%q", args, stdout.String(), stderr.String()),
			Err:  err,
		}
	}
	return stdout.String(), nil
}

var deviceLineRE = regexp.MustCompile(`^ +\d+-[0-9.]+: `)

// Connected runs `usbip list -r <host>` and checks whether bus_id appears
// among the devices the remote host is currently exporting.
func (d *Driver) Connected(ctx context.Context) (bool, error) {
	out, err := d.run(ctx, "list", "-r", d.host)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if !deviceLineRE.MatchString(line) {
			continue
		}
		id := strings.ReplaceAll(line[:strings.Index(line, ":")], " ", "")
		if id == d.busID {
			return true, nil
		}
	}
	return false, nil
}

// Connect runs `usbip attach -r <host> -b <bus_id>`.
func (d *Driver) Connect(ctx context.Context) error {
	_, err := d.run(ctx, "attach", "-r", d.host, "-b", d.busID)
	return err
}

// Disconnect finds the local port bus_id is attached on via `usbip port`
// and detaches it.
func (d *Driver) Disconnect(ctx context.Context) error {
	out, err := d.run(ctx, "port")
	if err != nil {
		return err
	}
	groups := strings.Split(out, "\nPort ")[1:]
	for _, group := range groups {
		if !strings.Contains(group, "/"+d.busID+"\n") {
			continue
		}
		port := strings.TrimSpace(strings.SplitN(group, ":", 2)[0])
		if _, err := d.run(ctx, "detach", "-p", port); err != nil {
			return err
		}
		return nil
	}
	return nil
}

var _ localdriver.LocalDriver = (*Driver)(nil)
