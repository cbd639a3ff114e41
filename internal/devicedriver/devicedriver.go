// Package devicedriver defines the Device Driver contract (spec §4.C):
// per-device operations that delegate to the paired Host Driver's cached
// snapshot of the remote host's state.
package devicedriver

import "context"

// DeviceDriver is the per-device operations contract.
type DeviceDriver interface {
	// IsOnline reports whether the device is currently attached to its
	// remote host, from the paired Host Driver's last snapshot.
	IsOnline() bool

	// IsShared reports whether the device is currently shared/exported.
	IsShared() bool

	// Share is idempotent: a no-op if the device is already shared.
	Share(ctx context.Context) error

	// Unshare is idempotent: a no-op if the device is not shared.
	Unshare(ctx context.Context) error

	// Refresh unconditionally re-asserts sharing, used when network or
	// remote state may have silently dropped.
	Refresh(ctx context.Context) error

	// ValidateConfiguration checks the device's stored configuration and
	// returns a list of problems (empty if valid).
	ValidateConfiguration() []string
}

// PasswordChecker is an optional capability: drivers that gate the device
// on a secret (spec §4.C, supplemented per SPEC_FULL.md §C.1) implement it.
type PasswordChecker interface {
	PasswordString() string
	CheckPassword(candidate []byte) bool
}

// Nicknamer is an optional capability: drivers that track a remote nickname
// distinct from Device.Name (VirtualHere) implement it so the scheduler's
// nickname-maintenance job can compare and rename (spec §4.H).
type Nicknamer interface {
	ObservedNickname() string
	Rename(ctx context.Context, name string) error
}
