// Package plugin implements the Plugin Registry (spec §4.E): discovery,
// classification, and identifier-based lookup of Communicator, Host Driver,
// Device Driver, and Local Driver implementations.
//
// Per the Design Notes ("replace dynamic class loading via module scanning
// with an explicit plugin registry populated at process start"), there is no
// runtime package scanning here: main registers each Host Driver family's
// DriverDescriptor (from driverhub.Descriptors) with an explicit Register
// call and a nil constructor; drivers are built by internal/driverhub.
// The registry is built once at startup and is immutable for the process
// lifetime thereafter (satisfying "Registry output is cached for the
// process lifetime" without needing a sync.Once/lazy-init singleton).
package plugin

import (
	"fmt"
	"sort"

	"github.com/usb-quartermaster/quartermaster/internal/model"
)

// Kind classifies a registered plugin.
type Kind string

const (
	KindCommunicator  Kind = "communicator"
	KindHostDriver    Kind = "host_driver"
	KindDeviceDriver  Kind = "device_driver"
	KindLocalDriver   Kind = "local_driver"
)

// DriverDescriptor is the static declaration every Host Driver and Device
// Driver implementation makes about itself (spec §4.B): which
// Communicators and host types it supports, and which configuration keys a
// Device/RemoteHost of this driver must carry.
type DriverDescriptor struct {
	Identifier            string
	SupportedCommunicators []string
	SupportedHostTypes     []model.HostType
	RequiredDeviceKeys     []string
}

func (d DriverDescriptor) supportsCommunicator(name string) bool {
	for _, c := range d.SupportedCommunicators {
		if c == name {
			return true
		}
	}
	return false
}

func (d DriverDescriptor) supportsHostType(t model.HostType) bool {
	for _, h := range d.SupportedHostTypes {
		if h == t {
			return true
		}
	}
	return false
}

// Entry is one registered plugin: its descriptor (for driver kinds) and an
// opaque constructor the owning package knows how to call back through a
// type assertion against the kind-specific factory interface it expects.
type Entry struct {
	Kind        Kind
	Descriptor  DriverDescriptor
	Constructor any
}

// Registry is the process-wide, immutable-after-build set of registered
// plugins, looked up by identifier.
type Registry struct {
	byKindAndID map[Kind]map[string]Entry
}

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{byKindAndID: make(map[Kind]map[string]Entry)}
}

// Register adds a plugin under the given kind and identifier. It panics on
// a duplicate (kind, identifier) pair: a duplicate registration is a
// programming error discovered at process start, not a runtime condition to
// recover from.
func (r *Registry) Register(kind Kind, identifier string, descriptor DriverDescriptor, constructor any) {
	m, ok := r.byKindAndID[kind]
	if !ok {
		m = make(map[string]Entry)
		r.byKindAndID[kind] = m
	}
	if _, exists := m[identifier]; exists {
		panic(fmt.Sprintf("plugin %s %q registered twice", kind, identifier))
	}
	m[identifier] = Entry{Kind: kind, Descriptor: descriptor, Constructor: constructor}
}

// Lookup returns the entry registered under (kind, identifier).
func (r *Registry) Lookup(kind Kind, identifier string) (Entry, bool) {
	m, ok := r.byKindAndID[kind]
	if !ok {
		return Entry{}, false
	}
	e, ok := m[identifier]
	return e, ok
}

// HostDriversFor returns, in deterministic (sorted-by-identifier) order, the
// Host Driver entries whose DriverDescriptor declares support for the given
// communicator identifier and host type (spec §4.H reconcile job: "for
// every registered Host Driver whose SUPPORTED_COMMUNICATORS includes the
// host's communicator AND whose SUPPORTED_HOST_TYPES includes the host's
// type").
func (r *Registry) HostDriversFor(communicator string, hostType model.HostType) []Entry {
	return r.matchingDrivers(KindHostDriver, communicator, hostType)
}

func (r *Registry) matchingDrivers(kind Kind, communicator string, hostType model.HostType) []Entry {
	m := r.byKindAndID[kind]
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		if e.Descriptor.supportsCommunicator(communicator) && e.Descriptor.supportsHostType(hostType) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Identifier < out[j].Descriptor.Identifier })
	return out
}

// ValidateDeviceConfig checks a Device's stored configuration against its
// driver's DriverDescriptor (spec §3 invariant 4): every required key must
// be present, and no unrecognized keys may appear.
func (r *Registry) ValidateDeviceConfig(driverIdentifier string, config map[string]any) []string {
	entry, ok := r.Lookup(KindDeviceDriver, driverIdentifier)
	if !ok {
		return []string{fmt.Sprintf("unknown driver %q", driverIdentifier)}
	}
	var problems []string
	required := make(map[string]bool, len(entry.Descriptor.RequiredDeviceKeys))
	for _, k := range entry.Descriptor.RequiredDeviceKeys {
		required[k] = true
		if _, present := config[k]; !present {
			problems = append(problems, fmt.Sprintf("missing required key %q", k))
		}
	}
	for k := range config {
		if !required[k] {
			problems = append(problems, fmt.Sprintf("unknown key %q", k))
		}
	}
	return problems
}
