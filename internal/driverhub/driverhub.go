// Package driverhub wires together the RemoteHost/Device repository rows,
// the plugin registry, and the concrete driver families to produce a
// hostdriver.HostDriver for any (RemoteHost, driver identifier) pair. It is
// the single place Allocator and Scheduler both go to instantiate drivers,
// so the Device Driver <-> Host Driver pairing is declared once, by plugin
// registration, rather than duplicated at each call site (Design Notes §9).
package driverhub

import (
	"context"
	"fmt"

	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/devicedriver"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/usbip"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/virtualhere"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/plugin"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

// Hub builds driver instances on demand from repository rows.
type Hub struct {
	registry      *plugin.Registry
	commFactories map[string]communicator.Factory
}

// New builds a Hub over the given plugin registry and communicator
// factories (keyed by Communicator identifier, e.g. "SSH").
func New(registry *plugin.Registry, commFactories map[string]communicator.Factory) *Hub {
	return &Hub{registry: registry, commFactories: commFactories}
}

func (h *Hub) communicatorFor(host model.RemoteHost) (communicator.Communicator, error) {
	factory, ok := h.commFactories[host.Communicator]
	if !ok {
		return nil, &qmerrors.ConfigurationError{Subject: host.ID, Reasons: []string{fmt.Sprintf("unknown communicator %q", host.Communicator)}}
	}
	return factory(host.Address, host.Config)
}

// HostDriverFor instantiates the Host Driver identified by driverIdentifier
// for host, after checking the plugin registry confirms the driver
// supports host's communicator and host type (spec §3 invariant 4 / §4.H).
func (h *Hub) HostDriverFor(host model.RemoteHost, driverIdentifier string) (hostdriver.HostDriver, error) {
	entry, ok := h.registry.Lookup(plugin.KindHostDriver, driverIdentifier)
	if !ok {
		return nil, &qmerrors.ConfigurationError{Subject: driverIdentifier, Reasons: []string{"unknown host driver"}}
	}
	if !contains(entry.Descriptor.SupportedCommunicators, host.Communicator) {
		return nil, &qmerrors.ConfigurationError{Subject: driverIdentifier, Reasons: []string{fmt.Sprintf("does not support communicator %q", host.Communicator)}}
	}
	if !containsHostType(entry.Descriptor.SupportedHostTypes, host.HostType) {
		return nil, &qmerrors.ConfigurationError{Subject: driverIdentifier, Reasons: []string{fmt.Sprintf("does not support host type %q", host.HostType)}}
	}

	comm, err := h.communicatorFor(host)
	if err != nil {
		return nil, err
	}

	switch driverIdentifier {
	case usbip.Identifier:
		return usbip.NewHostDriver(host.Address, comm), nil
	case virtualhere.Identifier:
		return virtualhere.NewHostDriver(host.Address, comm, host.HostType), nil
	default:
		return nil, &qmerrors.ConfigurationError{Subject: driverIdentifier, Reasons: []string{"no constructor registered for this identifier"}}
	}
}

// HostDriversForHost returns every registered Host Driver compatible with
// host's communicator and host type, keyed by identifier (spec §4.H:
// "for every registered Host Driver whose SUPPORTED_COMMUNICATORS includes
// the host's communicator AND whose SUPPORTED_HOST_TYPES includes the
// host's type, instantiate the driver").
func (h *Hub) HostDriversForHost(host model.RemoteHost) (map[string]hostdriver.HostDriver, error) {
	candidates := h.registry.HostDriversFor(host.Communicator, host.HostType)
	out := make(map[string]hostdriver.HostDriver, len(candidates))
	for _, entry := range candidates {
		hd, err := h.HostDriverFor(host, entry.Descriptor.Identifier)
		if err != nil {
			return nil, err
		}
		out[entry.Descriptor.Identifier] = hd
	}
	return out, nil
}

// ShareDevice, UnshareDevice, and RefreshDevice look up host and dispatch to
// the driver identified by device.Driver, for the Allocator's best-effort
// synchronous device operations.
func (h *Hub) ShareDevice(ctx context.Context, host model.RemoteHost, device model.Device) error {
	hd, err := h.HostDriverFor(host, device.Driver)
	if err != nil {
		return err
	}
	return hd.ShareDevice(ctx, device)
}

func (h *Hub) UnshareDevice(ctx context.Context, host model.RemoteHost, device model.Device) error {
	hd, err := h.HostDriverFor(host, device.Driver)
	if err != nil {
		return err
	}
	return hd.UnshareDevice(ctx, device)
}

func (h *Hub) RefreshDevice(ctx context.Context, host model.RemoteHost, device model.Device) error {
	hd, err := h.HostDriverFor(host, device.Driver)
	if err != nil {
		return err
	}
	return hd.RefreshDevice(ctx, device)
}

// Nicknamer returns the devicedriver.Nicknamer capability for device if its
// driver supports one (VirtualHere only; spec §4.H nickname-maintenance
// job), or ok=false if the driver has no such capability.
func (h *Hub) Nicknamer(ctx context.Context, host model.RemoteHost, device model.Device) (nicknamer devicedriver.Nicknamer, ok bool, err error) {
	if device.Driver != virtualhere.Identifier {
		return nil, false, nil
	}
	hd, err := h.HostDriverFor(host, virtualhere.Identifier)
	if err != nil {
		return nil, false, err
	}
	vh, ok := hd.(*virtualhere.HostDriver)
	if !ok {
		return nil, false, nil
	}
	dd, err := vh.DeviceDriverFor(ctx, device)
	if err != nil {
		return nil, false, err
	}
	return dd, true, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsHostType(ts []model.HostType, t model.HostType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

// Descriptors returns the built-in driver families' descriptors, for main
// to Register at startup.
func Descriptors() map[string]plugin.DriverDescriptor {
	return map[string]plugin.DriverDescriptor{
		usbip.Identifier: {
			Identifier:             usbip.Identifier,
			SupportedCommunicators: []string{communicator.Identifier},
			SupportedHostTypes:     []model.HostType{model.HostTypeLinuxAMD64},
			RequiredDeviceKeys:     usbip.RequiredConfigKeys,
		},
		virtualhere.Identifier: {
			Identifier:             virtualhere.Identifier,
			SupportedCommunicators: []string{communicator.Identifier},
			SupportedHostTypes:     []model.HostType{model.HostTypeLinuxAMD64, model.HostTypeDarwin, model.HostTypeWindows},
			RequiredDeviceKeys:     virtualhere.RequiredConfigKeys,
		},
	}
}
