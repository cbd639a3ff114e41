// Package localdriver defines the Local Driver contract (spec §4.D): the
// client-side counterpart of a device's driver, which attaches and detaches
// the device on the machine the Client Runtime is running on.
package localdriver

import "context"

// Device is the flattened, driver-specific configuration the server hands
// the client for one device in a reservation (spec §6: "each device: its
// driver-specific config plus driver and name").
type Device struct {
	Name   string
	Driver string
	Config map[string]any
}

// LocalDriver is the per-device local attach/detach contract. All methods
// except PreflightCheck are called with the device's own context, bounded
// by the Client Runtime's active-session lifetime.
type LocalDriver interface {
	// AsyncInit performs any one-time, possibly slow setup the driver needs
	// before Connect is first called (spec §4.K device loop: "async_init
	// each device once"). The no-op default is correct for drivers with no
	// such step.
	AsyncInit(ctx context.Context) error

	// Connect attaches the device locally. Called repeatedly on a polling
	// interval; implementations are not required to be idempotent
	// themselves; the Device wrapper in internal/client only calls Connect
	// when Connected reports false.
	Connect(ctx context.Context) error

	// Disconnect detaches the device locally.
	Disconnect(ctx context.Context) error

	// Connected reports whether the device is presently attached.
	Connected(ctx context.Context) (bool, error)

	// PreflightCheck verifies the driver's local prerequisites (binary on
	// PATH, supported OS, required services running) once per distinct
	// driver before any device of that driver is connected.
	PreflightCheck(ctx context.Context) error
}

// Factory constructs a LocalDriver for one device's flattened config.
type Factory func(device Device) (LocalDriver, error)

var factories = map[string]Factory{}

// Register associates a server-reported driver identifier with the Factory
// that builds its client-side LocalDriver. Called from each driver family's
// init, mirroring the server-side plugin registry's panic-on-duplicate
// discipline (internal/plugin).
func Register(driverIdentifier string, factory Factory) {
	if _, exists := factories[driverIdentifier]; exists {
		panic("localdriver: duplicate registration for " + driverIdentifier)
	}
	factories[driverIdentifier] = factory
}

// New builds the LocalDriver for device, by its Driver identifier.
func New(device Device) (LocalDriver, error) {
	factory, ok := factories[device.Driver]
	if !ok {
		return nil, &UnsupportedDriverError{Driver: device.Driver}
	}
	return factory(device)
}

// UnsupportedDriverError reports a device whose driver identifier has no
// registered client-side LocalDriver (the original's "No driver found to
// support driver=...").
type UnsupportedDriverError struct {
	Driver string
}

func (e *UnsupportedDriverError) Error() string {
	return "no local driver registered for driver=" + e.Driver
}
