// Package hostdriver defines the Host Driver contract (spec §4.B):
// per-technology aggregate operations on one RemoteHost's Devices. Concrete
// families (USB/IP, VirtualHere) live in their own subpackages and each
// pairs with a matching Device Driver implementation in
// internal/devicedriver.
package hostdriver

import (
	"context"

	"github.com/usb-quartermaster/quartermaster/internal/model"
)

// DeviceDetails is what a Host Driver observes about one device key on its
// RemoteHost: currently-attached identity plus, where the family can report
// it cheaply, its current share/online state.
type DeviceDetails struct {
	Key      string
	Vendor   string
	Product  string
	Nickname string
	Online   bool
	Shared   bool
}

// ReconcileItem is one Device the scheduler wants a Host Driver to bring
// into agreement with the intended state.
type ReconcileItem struct {
	Device     model.Device
	WantShared bool // true iff the device's Resource is presently reserved
}

// ReconcileObservation is the outcome of reconciling one Device: the
// observed online state (for the caller to persist) and any per-device
// error (log-and-continue; never aborts the batch).
type ReconcileObservation struct {
	DeviceID     string
	ActualOnline bool
	ActualShared bool
	Err          error
}

// HostDriver is the per-technology aggregate contract.
type HostDriver interface {
	// Identifier is the plugin registry identifier (e.g. "USBIP").
	Identifier() string

	// GetDeviceList returns the devices currently attached to the remote
	// host, keyed by the family's device key (e.g. USB/IP bus_id).
	GetDeviceList(ctx context.Context) (map[string]DeviceDetails, error)

	// Reconcile brings every given Device into agreement with its
	// WantShared intent and reports each Device's actual online state.
	// A failure reconciling one Device must not prevent the others in the
	// batch from being attempted.
	Reconcile(ctx context.Context, items []ReconcileItem) []ReconcileObservation

	// ShareDevice, UnshareDevice, and RefreshDevice drive a single Device's
	// paired Device Driver, for the Allocator's best-effort synchronous
	// share/unshare (spec §4.G) outside of the batch Reconcile path.
	ShareDevice(ctx context.Context, device model.Device) error
	UnshareDevice(ctx context.Context, device model.Device) error
	RefreshDevice(ctx context.Context, device model.Device) error

	// IsReachable is the reconcile job's cheap liveness probe (spec §4.H):
	// "if is_reachable is false, mark the driver's devices on this host
	// offline and continue" without attempting Reconcile.
	IsReachable(ctx context.Context) bool
}
