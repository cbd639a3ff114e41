// Package virtualhere implements the client-side VirtualHere Local Driver
// (spec §4.D): a local vhclient binary is located (and started if needed),
// pointed at the device's hub, and used to attach/detach one device.
package virtualhere

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/usb-quartermaster/quartermaster/internal/localdriver"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

// Identifier matches the server-side plugin identifier for this driver
// family (internal/hostdriver/virtualhere.Identifier).
const Identifier = "VirtualHere"

var okMatcher = regexp.MustCompile(`(?m)^OK$`)

func linuxClientName() string { return "vhclient" + runtime.GOARCH }

func init() {
	localdriver.Register(Identifier, New)
}

// Driver is the client-side VirtualHere Local Driver for one device.
type Driver struct {
	hostAddress   string
	deviceAddress string
	vh            string
}

// New builds a VirtualHere Local Driver from a device's flattened config,
// which must carry "host_address" (the hub to attach) and "device_address".
func New(device localdriver.Device) (localdriver.LocalDriver, error) {
	hostAddress, _ := device.Config["host_address"].(string)
	deviceAddress, _ := device.Config["device_address"].(string)
	if hostAddress == "" || deviceAddress == "" {
		return nil, &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: fmt.Sprintf("device %q is missing host_address/device_address in its config", device.Name)}
	}
	return &Driver{hostAddress: hostAddress, deviceAddress: deviceAddress}, nil
}

// PreflightCheck confirms the VirtualHere client is installed, starting it
// if it is not already running (the original's start_client_service).
func (d *Driver) PreflightCheck(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin":
		return d.setupMacClient(ctx)
	case "linux":
		return d.setupLinuxClient(ctx)
	default:
		return &qmerrors.LocalDriverError{Kind: qmerrors.UnsupportedPlatform, Msg: fmt.Sprintf("unsupported platform %q", runtime.GOOS)}
	}
}

// AsyncInit locates the running vhclient and ensures a hub connection to
// host_address exists, adding it with MANUAL HUB ADD if not (the original's
// VirtualHereOverSSH.async_init / attach_hub).
func (d *Driver) AsyncInit(ctx context.Context) error {
	vh, err := d.findClient(ctx)
	if err != nil {
		return err
	}
	d.vh = vh

	hubs, err := d.run(ctx, "-t", "MANUAL HUB LIST")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(hubs, "\n") {
		if strings.HasPrefix(line, d.hostAddress) {
			return nil
		}
	}
	out, err := d.run(ctx, "-t", "MANUAL HUB ADD,"+d.hostAddress)
	if err != nil {
		return err
	}
	if !okMatcher.MatchString(out) {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: fmt.Sprintf("VirtualHere did not return 'OK' when connecting hub %q, instead got %q", d.hostAddress, out)}
	}
	return nil
}

func macFindClient(ctx context.Context) (string, bool) {
	const appFragment = "VirtualHere.app/Contents/MacOS/VirtualHere"
	out, err := exec.CommandContext(ctx, "pgrep", "-lf", appFragment).Output()
	if err != nil {
		return "", false
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return "", false
	}
	fields := strings.Fields(lines[0])
	for _, f := range fields {
		if strings.Contains(f, appFragment) {
			return f, true
		}
	}
	return "", false
}

func (d *Driver) setupMacClient(ctx context.Context) error {
	if path, ok := macFindClient(ctx); ok {
		d.vh = path
		return nil
	}
	if err := exec.CommandContext(ctx, "open", "-ga", "VirtualHere").Run(); err != nil {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: "looks like VirtualHere might not be installed or runnable", Err: err}
	}
	time.Sleep(2 * time.Second)
	path, ok := macFindClient(ctx)
	if !ok {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: "VirtualHere did not start"}
	}
	d.vh = path
	return nil
}

func (d *Driver) setupLinuxClient(ctx context.Context) error {
	if _, err := exec.LookPath("sudo"); err != nil {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: "sudo is needed and was not found in path"}
	}
	vhclient, err := exec.LookPath(linuxClientName())
	if err != nil {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: fmt.Sprintf("%s is needed and was not found in path. %s", linuxClientName(), setupInformation())}
	}
	d.vh = vhclient

	if err := exec.CommandContext(ctx, "pgrep", linuxClientName()).Run(); err == nil {
		return nil // already running
	}
	if err := exec.CommandContext(ctx, "sudo", vhclient, "-n").Run(); err != nil {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: "failed to start VirtualHere client service", Err: err}
	}
	time.Sleep(2 * time.Second)
	return nil
}

func (d *Driver) findClient(ctx context.Context) (string, error) {
	if d.vh != "" {
		return d.vh, nil
	}
	switch runtime.GOOS {
	case "darwin":
		if path, ok := macFindClient(ctx); ok {
			return path, nil
		}
		return "", &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: "VirtualHere client is not running"}
	case "linux":
		path, err := exec.LookPath(linuxClientName())
		if err != nil {
			return "", &qmerrors.LocalDriverError{Kind: qmerrors.CommandNotFound, Msg: fmt.Sprintf("%s not found in path", linuxClientName())}
		}
		return path, nil
	default:
		return "", &qmerrors.LocalDriverError{Kind: qmerrors.UnsupportedPlatform, Msg: fmt.Sprintf("unsupported platform %q", runtime.GOOS)}
	}
}

func setupInformation() string {
	return "VirtualHere client must be installed and running; download at https://virtualhere.com/usb_client_software"
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.vh, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		return "", &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: fmt.Sprintf("command=%s %v, stdout=%q", d.vh, args, out.String()), Err: err}
	}
	return out.String(), nil
}

// Connect issues USE,<device_address>.
func (d *Driver) Connect(ctx context.Context) error {
	out, err := d.run(ctx, "-t", "USE,"+d.deviceAddress)
	if err != nil {
		return err
	}
	if !okMatcher.MatchString(out) {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: fmt.Sprintf("VirtualHere did not return 'OK' when connecting device, instead got %q", out)}
	}
	return nil
}

// Disconnect issues STOP USING,<device_address>.
func (d *Driver) Disconnect(ctx context.Context) error {
	out, err := d.run(ctx, "-t", "STOP USING,"+d.deviceAddress)
	if err != nil {
		return err
	}
	if !okMatcher.MatchString(out) {
		return &qmerrors.LocalDriverError{Kind: qmerrors.CommandError, Msg: fmt.Sprintf("VirtualHere did not return 'OK' when disconnecting device, instead got %q", out)}
	}
	return nil
}

// Connected issues DEVICE INFO,<device_address> and reports true when the
// output lacks "IN USE BY: NO ONE", i.e. when any client is using the device.
func (d *Driver) Connected(ctx context.Context) (bool, error) {
	out, err := d.run(ctx, "-t", "DEVICE INFO,"+d.deviceAddress)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "IN USE BY: NO ONE"), nil
}

var _ localdriver.LocalDriver = (*Driver)(nil)
