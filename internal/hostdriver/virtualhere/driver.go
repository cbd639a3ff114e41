// Package virtualhere implements the VirtualHere Host Driver and Device
// Driver family (spec §4.B, §4.C): devices are always available at the hub
// (no host-side "share" action) and a reservation's end is enforced by
// forcibly disconnecting whoever is currently using the device.
package virtualhere

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/devicedriver"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

// Identifier is the registered plugin identifier for this driver family.
const Identifier = "VirtualHere"

// localHubIP is the loopback address the remote vhclient is expected to
// have a hub connection to; if absent, the host driver issues MANUAL HUB
// ADD once (spec §4.B).
const localHubIP = "127.0.0.1"

// Config is the JSON shape of Device.Config for a VirtualHere device.
// Address is the full "{hostname}.{address}" device key VirtualHere's own
// USE/STOP USING/DEVICE RENAME commands require, not the bare local address.
type Config struct {
	Address string `json:"device_address"`
}

// RequiredConfigKeys lists the keys a VirtualHere device's config must
// carry, for plugin.DriverDescriptor.RequiredDeviceKeys.
var RequiredConfigKeys = []string{"device_address"}

// Snapshot is this family's cached view of one RemoteHost's hub connection.
type Snapshot struct {
	Hostname string
	Devices  map[string]deviceXML // keyed by full "{hostname}.{address}" device key
}

// HostDriver implements hostdriver.HostDriver for VirtualHere over SSH.
type HostDriver struct {
	Host         string
	Comm         communicator.Communicator
	HostType     model.HostType
	ClientBinary string
}

// NewHostDriver constructs a VirtualHere Host Driver bound to one
// RemoteHost's Communicator.
func NewHostDriver(host string, comm communicator.Communicator, hostType model.HostType) *HostDriver {
	return &HostDriver{Host: host, Comm: comm, HostType: hostType, ClientBinary: clientBinaryFor(hostType)}
}

func (h *HostDriver) Identifier() string { return Identifier }

func (h *HostDriver) runVHClient(ctx context.Context, cmd string) (string, error) {
	wrapped := wrapCommand(h.ClientBinary, cmd, h.HostType)
	res, err := h.Comm.Execute(ctx, wrapped)
	if err != nil {
		return "", &qmerrors.HostConnectionError{Host: h.Host, Err: err}
	}
	if clientServiceDown(res.Stdout) || clientServiceDown(res.Stderr) {
		return "", &qmerrors.HostCommandError{Host: h.Host, Command: cmd, ReturnCode: res.ReturnCode, StderrExcerpt: "client service not running"}
	}
	if res.ReturnCode != 0 {
		return "", &qmerrors.HostCommandError{Host: h.Host, Command: cmd, ReturnCode: res.ReturnCode, StderrExcerpt: excerpt(res.Stderr)}
	}
	return res.Stdout, nil
}

// snapshot runs GET CLIENT STATE, adding the local hub connection via
// MANUAL HUB ADD if it is missing, then returns the hub's devices.
func (h *HostDriver) snapshot(ctx context.Context) (Snapshot, error) {
	conn, found, err := h.getClientState(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		if _, err := h.runVHClient(ctx, "MANUAL HUB ADD,"+localHubIP); err != nil {
			return Snapshot{}, err
		}
		conn, found, err = h.getClientState(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		if !found {
			return Snapshot{}, &qmerrors.HostCommandError{Host: h.Host, Command: "GET CLIENT STATE", StderrExcerpt: "no hub connection to 127.0.0.1 after MANUAL HUB ADD"}
		}
	}

	devices := make(map[string]deviceXML, len(conn.Devices))
	for _, d := range conn.Devices {
		devices[conn.Hostname+"."+d.Address] = d
	}
	return Snapshot{Hostname: conn.Hostname, Devices: devices}, nil
}

func (h *HostDriver) getClientState(ctx context.Context) (parsedConnection, bool, error) {
	out, err := h.runVHClient(ctx, "GET CLIENT STATE")
	if err != nil {
		return parsedConnection{}, false, err
	}
	conn, found, err := findConnection(out, localHubIP)
	if err != nil {
		return parsedConnection{}, false, &qmerrors.HostCommandError{Host: h.Host, Command: "GET CLIENT STATE", StderrExcerpt: fmt.Sprintf("parsing XML: %v", err)}
	}
	return conn, found, nil
}

// GetDeviceList returns every device the hub currently reports, keyed by
// its full "{hostname}.{address}" device key.
func (h *HostDriver) GetDeviceList(ctx context.Context) (map[string]hostdriver.DeviceDetails, error) {
	snap, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]hostdriver.DeviceDetails, len(snap.Devices))
	for key, d := range snap.Devices {
		out[key] = hostdriver.DeviceDetails{
			Key:      key,
			Nickname: d.Nickname,
			Online:   true,
			Shared:   !unused(d.State),
		}
	}
	return out, nil
}

// Reconcile gathers one hub snapshot, then for each item compares its
// actual in-use state to the intent. Share is always a no-op (VirtualHere
// devices are available at the hub unconditionally); Unshare forcibly
// disconnects the current user via STOP USING.
func (h *HostDriver) Reconcile(ctx context.Context, items []hostdriver.ReconcileItem) []hostdriver.ReconcileObservation {
	snap, err := h.snapshot(ctx)
	if err != nil {
		out := make([]hostdriver.ReconcileObservation, len(items))
		for i, it := range items {
			out[i] = hostdriver.ReconcileObservation{DeviceID: it.Device.ID, Err: err}
		}
		return out
	}

	out := make([]hostdriver.ReconcileObservation, 0, len(items))
	for _, it := range items {
		dd, err := NewDeviceDriver(h.Host, h.Comm, h.ClientBinary, h.HostType, it.Device, snap)
		if err != nil {
			out = append(out, hostdriver.ReconcileObservation{DeviceID: it.Device.ID, Err: err})
			continue
		}

		actualOnline := dd.IsOnline()
		actualShared := dd.IsShared()
		var opErr error
		switch {
		case it.WantShared && !actualShared:
			opErr = dd.Share(ctx) // no-op by design
		case !it.WantShared && actualShared:
			opErr = dd.Unshare(ctx)
			if opErr == nil {
				actualShared = false
			}
		}
		out = append(out, hostdriver.ReconcileObservation{
			DeviceID:     it.Device.ID,
			ActualOnline: actualOnline,
			ActualShared: actualShared,
			Err:          opErr,
		})
	}
	return out
}

// ShareDevice builds a single-device snapshot and shares device through its
// paired Device Driver (a no-op by design, see DeviceDriver.Share).
func (h *HostDriver) ShareDevice(ctx context.Context, device model.Device) error {
	return h.withDeviceDriver(ctx, device, func(dd *DeviceDriver) error { return dd.Share(ctx) })
}

// UnshareDevice builds a single-device snapshot and unshares device
// through its paired Device Driver.
func (h *HostDriver) UnshareDevice(ctx context.Context, device model.Device) error {
	return h.withDeviceDriver(ctx, device, func(dd *DeviceDriver) error { return dd.Unshare(ctx) })
}

// RefreshDevice builds a single-device snapshot and refreshes device
// through its paired Device Driver.
func (h *HostDriver) RefreshDevice(ctx context.Context, device model.Device) error {
	return h.withDeviceDriver(ctx, device, func(dd *DeviceDriver) error { return dd.Refresh(ctx) })
}

// IsReachable delegates to the Communicator's liveness probe.
func (h *HostDriver) IsReachable(ctx context.Context) bool {
	return h.Comm.IsReachable(ctx)
}

// DeviceDriverFor builds a fresh single-device snapshot and returns the
// paired Device Driver, exported so the nickname-maintenance job (spec
// §4.H, VirtualHere only) can reach the devicedriver.Nicknamer capability
// without the scheduler re-implementing snapshot gathering.
func (h *HostDriver) DeviceDriverFor(ctx context.Context, device model.Device) (*DeviceDriver, error) {
	snap, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return NewDeviceDriver(h.Host, h.Comm, h.ClientBinary, h.HostType, device, snap)
}

func (h *HostDriver) withDeviceDriver(ctx context.Context, device model.Device, fn func(*DeviceDriver) error) error {
	snap, err := h.snapshot(ctx)
	if err != nil {
		return err
	}
	dd, err := NewDeviceDriver(h.Host, h.Comm, h.ClientBinary, h.HostType, device, snap)
	if err != nil {
		return err
	}
	return fn(dd)
}

// DeviceDriver implements devicedriver.DeviceDriver (and Nicknamer) for a
// single VirtualHere device.
type DeviceDriver struct {
	comm         communicator.Communicator
	host         string
	clientBinary string
	hostType     model.HostType
	fullAddress  string
	online       bool
	shared       bool
	nickname     string
}

// NewDeviceDriver builds a Device Driver for device against the Host
// Driver's already-gathered Snapshot.
func NewDeviceDriver(host string, comm communicator.Communicator, clientBinary string, hostType model.HostType, device model.Device, snap Snapshot) (*DeviceDriver, error) {
	cfg, err := parseConfig(device.Config)
	if err != nil {
		return nil, err
	}
	d, online := snap.Devices[cfg.Address]
	dd := &DeviceDriver{
		comm:         comm,
		host:         host,
		clientBinary: clientBinary,
		hostType:     hostType,
		fullAddress:  cfg.Address,
		online:       online,
	}
	if online {
		dd.shared = !unused(d.State)
		dd.nickname = d.Nickname
	}
	return dd, nil
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, &qmerrors.ConfigurationError{Subject: Identifier, Reasons: []string{fmt.Sprintf("invalid config JSON: %v", err)}}
		}
	}
	if cfg.Address == "" {
		return Config{}, &qmerrors.ConfigurationError{Subject: Identifier, Reasons: []string{"missing required key \"device_address\""}}
	}
	return cfg, nil
}

var _ devicedriver.DeviceDriver = (*DeviceDriver)(nil)
var _ devicedriver.Nicknamer = (*DeviceDriver)(nil)

func (d *DeviceDriver) IsOnline() bool { return d.online }
func (d *DeviceDriver) IsShared() bool { return d.shared }

// Share is always a no-op: VirtualHere devices are available at the hub
// unconditionally (spec §4.C).
func (d *DeviceDriver) Share(ctx context.Context) error { return nil }

// Unshare issues STOP USING,<address> to forcibly disconnect the current
// user.
func (d *DeviceDriver) Unshare(ctx context.Context) error {
	if !d.shared {
		return nil
	}
	if err := d.runCommand(ctx, "STOP USING,"+d.fullAddress); err != nil {
		return &qmerrors.DeviceCommandError{DeviceKey: d.fullAddress, Op: "unshare", Err: err}
	}
	d.shared = false
	return nil
}

// Refresh is a no-op: sharing for VirtualHere devices is never actively
// asserted by the host driver (see Share).
func (d *DeviceDriver) Refresh(ctx context.Context) error { return nil }

// ValidateConfiguration is a no-op beyond NewDeviceDriver/parseConfig,
// which already rejects a missing device_address.
func (d *DeviceDriver) ValidateConfiguration() []string { return nil }

// ObservedNickname returns the nickname the hub currently reports.
func (d *DeviceDriver) ObservedNickname() string { return d.nickname }

// Rename issues DEVICE RENAME,<address>,<name>.
func (d *DeviceDriver) Rename(ctx context.Context, name string) error {
	if err := d.runCommand(ctx, fmt.Sprintf("DEVICE RENAME,%s,%s", d.fullAddress, name)); err != nil {
		return &qmerrors.DeviceCommandError{DeviceKey: d.fullAddress, Op: "rename", Err: err}
	}
	d.nickname = name
	return nil
}

func (d *DeviceDriver) runCommand(ctx context.Context, cmd string) error {
	wrapped := wrapCommand(d.clientBinary, cmd, d.hostType)
	res, err := d.comm.Execute(ctx, wrapped)
	if err != nil {
		return &qmerrors.HostConnectionError{Host: d.host, Err: err}
	}
	if clientServiceDown(res.Stdout) || clientServiceDown(res.Stderr) {
		return &qmerrors.HostCommandError{Host: d.host, Command: cmd, ReturnCode: res.ReturnCode, StderrExcerpt: "client service not running"}
	}
	if res.ReturnCode != 0 {
		return &qmerrors.HostCommandError{Host: d.host, Command: cmd, ReturnCode: res.ReturnCode, StderrExcerpt: excerpt(res.Stderr)}
	}
	return nil
}

func excerpt(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
