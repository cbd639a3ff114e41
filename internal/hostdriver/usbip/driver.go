// Package usbip implements the USB/IP Host Driver and Device Driver family
// (spec §4.B, §4.C): devices are shared by binding them to the
// usbip-host kernel driver over SSH and attached locally with `usbip
// attach`.
package usbip

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
const Identifier = "USBIP"

// Config is the JSON shape of Device.Config for a USB/IP device.
type Config struct {
	BusID string `json:"bus_id"`
}

// RequiredConfigKeys lists the keys a USB/IP device's config must carry,
// for plugin.DriverDescriptor.RequiredDeviceKeys.
var RequiredConfigKeys = []string{"bus_id"}

// Snapshot is the USB/IP family's cached view of one RemoteHost, gathered
// once per Reconcile batch and shared by every Device Driver built against
// it.
type Snapshot struct {
	Devices map[string]hostdriver.DeviceDetails
	Shared  map[string]bool
}

// HostDriver implements hostdriver.HostDriver for USB/IP over SSH.
type HostDriver struct {
	Host string
	Comm communicator.Communicator
}

// NewHostDriver constructs a USB/IP Host Driver bound to one RemoteHost's
// Communicator.
func NewHostDriver(host string, comm communicator.Communicator) *HostDriver {
	return &HostDriver{Host: host, Comm: comm}
}

func (h *HostDriver) Identifier() string { return Identifier }

// GetDeviceList runs `usbip list -l` and parses its output.
func (h *HostDriver) GetDeviceList(ctx context.Context) (map[string]hostdriver.DeviceDetails, error) {
	res, err := h.Comm.Execute(ctx, "usbip list -l")
	if err != nil {
		return nil, &qmerrors.HostConnectionError{Host: h.Host, Err: err}
	}
	if res.ReturnCode != 0 {
		if isEmptyDeviceList(res.Stdout) {
			return map[string]hostdriver.DeviceDetails{}, nil
		}
		if reason, ok := classifyError(res.Stderr); ok {
			return nil, &qmerrors.HostCommandError{Host: h.Host, Command: "usbip list -l", ReturnCode: res.ReturnCode, StderrExcerpt: reason}
		}
		return nil, &qmerrors.HostCommandError{Host: h.Host, Command: "usbip list -l", ReturnCode: res.ReturnCode, StderrExcerpt: excerpt(res.Stderr)}
	}
	return ParseDeviceList(res.Stdout), nil
}

func (h *HostDriver) getSharedSet(ctx context.Context) (map[string]bool, error) {
	res, err := h.Comm.Execute(ctx, "ls -1 /sys/bus/usb/drivers/usbip-host/")
	if err != nil {
		return nil, &qmerrors.HostConnectionError{Host: h.Host, Err: err}
	}
	if res.ReturnCode != 0 {
		return nil, &qmerrors.HostCommandError{Host: h.Host, Command: "ls -1 /sys/bus/usb/drivers/usbip-host/", ReturnCode: res.ReturnCode, StderrExcerpt: excerpt(res.Stderr)}
	}
	return ParseSharedSet(res.Stdout), nil
}

func (h *HostDriver) snapshot(ctx context.Context) (Snapshot, error) {
	devices, err := h.GetDeviceList(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	shared, err := h.getSharedSet(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Devices: devices, Shared: shared}, nil
}

// Reconcile gathers one snapshot of the remote host, then for each item
// compares its actual shared/online state to the intent and calls
// share/unshare as needed (spec §4.B).
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
		dd, err := NewDeviceDriver(h.Comm, it.Device, snap)
		if err != nil {
			out = append(out, hostdriver.ReconcileObservation{DeviceID: it.Device.ID, Err: err})
			continue
		}

		actualOnline := dd.IsOnline()
		actualShared := dd.IsShared()
		var opErr error
		switch {
		case it.WantShared && !actualShared:
			opErr = dd.Share(ctx)
			if opErr == nil {
				actualShared = true
			}
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
// paired Device Driver.
func (h *HostDriver) ShareDevice(ctx context.Context, device model.Device) error {
	return h.withDeviceDriver(ctx, device, func(dd *DeviceDriver) error { return dd.Share(ctx) })
}

// UnshareDevice builds a single-device snapshot and unshares device through
// its paired Device Driver.
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

func (h *HostDriver) withDeviceDriver(ctx context.Context, device model.Device, fn func(*DeviceDriver) error) error {
	snap, err := h.snapshot(ctx)
	if err != nil {
		return err
	}
	dd, err := NewDeviceDriver(h.Comm, device, snap)
	if err != nil {
		return err
	}
	return fn(dd)
}

// DeviceDriver implements devicedriver.DeviceDriver for a single USB/IP
// device, delegating command execution to its Host Driver's Communicator.
type DeviceDriver struct {
	comm   communicator.Communicator
	busID  string
	online bool
	shared bool
}

// NewDeviceDriver builds a Device Driver for device against the Host
// Driver's already-gathered Snapshot.
func NewDeviceDriver(comm communicator.Communicator, device model.Device, snap Snapshot) (*DeviceDriver, error) {
	cfg, err := parseConfig(device.Config)
	if err != nil {
		return nil, err
	}
	_, online := snap.Devices[cfg.BusID]
	return &DeviceDriver{
		comm:   comm,
		busID:  cfg.BusID,
		online: online,
		shared: snap.Shared[cfg.BusID],
	}, nil
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, &qmerrors.ConfigurationError{Subject: Identifier, Reasons: []string{fmt.Sprintf("invalid config JSON: %v", err)}}
		}
	}
	if cfg.BusID == "" {
		return Config{}, &qmerrors.ConfigurationError{Subject: Identifier, Reasons: []string{"missing required key \"bus_id\""}}
	}
	return cfg, nil
}

var _ devicedriver.DeviceDriver = (*DeviceDriver)(nil)

func (d *DeviceDriver) IsOnline() bool { return d.online }
func (d *DeviceDriver) IsShared() bool { return d.shared }

// Share is idempotent: a no-op if already shared.
func (d *DeviceDriver) Share(ctx context.Context) error {
	if d.shared {
		return nil
	}
	return d.startSharing(ctx)
}

// Unshare is idempotent: a no-op if not shared.
func (d *DeviceDriver) Unshare(ctx context.Context) error {
	if !d.shared {
		return nil
	}
	return d.stopSharing(ctx)
}

// Refresh unconditionally re-asserts sharing.
func (d *DeviceDriver) Refresh(ctx context.Context) error {
	return d.startSharing(ctx)
}

func (d *DeviceDriver) startSharing(ctx context.Context) error {
	res, err := d.comm.Execute(ctx, fmt.Sprintf("sudo usbip bind -b %s", d.busID))
	if err != nil {
		return &qmerrors.DeviceCommandError{DeviceKey: d.busID, Op: "share", Err: err}
	}
	if res.ReturnCode != 0 {
		return &qmerrors.DeviceCommandError{DeviceKey: d.busID, Op: "share", Err: &qmerrors.HostCommandError{Command: "usbip bind", ReturnCode: res.ReturnCode, StderrExcerpt: excerpt(res.Stderr)}}
	}
	d.shared = true
	return nil
}

func (d *DeviceDriver) stopSharing(ctx context.Context) error {
	res, err := d.comm.Execute(ctx, fmt.Sprintf("sudo usbip unbind -b %s", d.busID))
	if err != nil {
		return &qmerrors.DeviceCommandError{DeviceKey: d.busID, Op: "unshare", Err: err}
	}
	if res.ReturnCode != 0 {
		return &qmerrors.DeviceCommandError{DeviceKey: d.busID, Op: "unshare", Err: &qmerrors.HostCommandError{Command: "usbip unbind", ReturnCode: res.ReturnCode, StderrExcerpt: excerpt(res.Stderr)}}
	}
	d.shared = false
	return nil
}

// ValidateConfiguration reports no problems. A missing bus_id is rejected
// earlier, by parseConfig when the Device Driver is built; unrecognized keys
// are not checked.
func (d *DeviceDriver) ValidateConfiguration() []string {
	return nil
}

func excerpt(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
