// Package allocator implements the Allocator (spec §4.G): the four
// reservation-state transitions, each wrapped in one serializable DB
// transaction, with a best-effort synchronous device share/unshare/refresh
// that never undoes the DB update on device-side failure (the scheduler's
// reconcile job is responsible for eventual convergence).
package allocator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/usb-quartermaster/quartermaster/internal/driverhub"
	"github.com/usb-quartermaster/quartermaster/internal/metrics"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

// recordOutcome increments the reservation_operations_total counter for one
// Allocator call.
func recordOutcome(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ReservationOperations.WithLabelValues(operation, outcome).Inc()
}

// passwordEntropyBytes is the raw byte count read from crypto/rand before
// base64-encoding, chosen so the encoded use_password carries at least the
// ≥10 bytes of entropy spec §3 invariant 5 requires.
const passwordEntropyBytes = 16

// Allocator owns the four reservation transitions. It never constructs a
// driver itself; all device operations go through hub, which knows how to
// resolve a Device's RemoteHost and driver identifier into a live
// hostdriver.HostDriver.
type Allocator struct {
	store *store.Store
	hub   *driverhub.Hub
	log   logr.Logger
}

// New builds an Allocator over store and hub.
func New(st *store.Store, hub *driverhub.Hub, log logr.Logger) *Allocator {
	return &Allocator{store: st, hub: hub, log: log.WithName("allocator")}
}

// newUsePassword returns a cryptographically random, URL-safe token.
func newUsePassword() (string, error) {
	buf := make([]byte, passwordEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating use_password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MakeReservation implements make_reservation(resource, user, used_for)
// (spec §4.G): precondition resource.user is null; sets user, used_for, a
// fresh use_password, and last_check_in == last_reserved == now inside one
// store transaction, then best-effort shares every Device of the Resource.
func (a *Allocator) MakeReservation(ctx context.Context, resourceID, user, usedFor string) (_ model.Resource, err error) {
	defer func() { recordOutcome("make", err) }()

	password, err := newUsePassword()
	if err != nil {
		return model.Resource{}, err
	}

	res, err := a.store.UpdateResource(resourceID, func(r *model.Resource) error {
		if r.User != nil {
			return &qmerrors.AlreadyReserved{Resource: resourceID, HeldBy: *r.User}
		}
		now := time.Now()
		r.User = &user
		r.UsedFor = usedFor
		r.UsePassword = password
		r.LastReserved = &now
		r.LastCheckIn = &now
		return nil
	})
	if err != nil {
		return model.Resource{}, err
	}

	a.bestEffortEachDevice(ctx, res, "share", a.hub.ShareDevice)
	return res, nil
}

// UpdateReservation implements update_reservation(resource) (spec §4.G):
// sets last_check_in = now; touches no devices.
func (a *Allocator) UpdateReservation(ctx context.Context, resourceID string) (_ model.Resource, err error) {
	defer func() { recordOutcome("update", err) }()

	return a.store.UpdateResource(resourceID, func(r *model.Resource) error {
		if r.User == nil {
			return &qmerrors.Conflict{Kind: "resource", Key: resourceID + " (not reserved)"}
		}
		now := time.Now()
		r.LastCheckIn = &now
		return nil
	})
}

// RefreshReservation implements refresh_reservation(resource) (spec §4.G):
// sets last_check_in = now and best-effort refreshes every Device.
func (a *Allocator) RefreshReservation(ctx context.Context, resourceID string) (_ model.Resource, err error) {
	defer func() { recordOutcome("refresh", err) }()

	res, err := a.store.UpdateResource(resourceID, func(r *model.Resource) error {
		if r.User == nil {
			return &qmerrors.Conflict{Kind: "resource", Key: resourceID + " (not reserved)"}
		}
		now := time.Now()
		r.LastCheckIn = &now
		return nil
	})
	if err != nil {
		return model.Resource{}, err
	}

	a.bestEffortEachDevice(ctx, res, "refresh", a.hub.RefreshDevice)
	return res, nil
}

// ReleaseReservation implements release_reservation(resource) (spec §4.G):
// best-effort unshares every Device, then clears user, used_for,
// use_password, and last_check_in inside one store transaction.
func (a *Allocator) ReleaseReservation(ctx context.Context, resourceID string) (_ model.Resource, err error) {
	defer func() { recordOutcome("release", err) }()

	res, err := a.store.GetResource(resourceID)
	if err != nil {
		return model.Resource{}, err
	}
	a.bestEffortEachDevice(ctx, res, "unshare", a.hub.UnshareDevice)

	return a.store.UpdateResource(resourceID, func(r *model.Resource) error {
		r.User = nil
		r.UsedFor = ""
		r.UsePassword = ""
		r.LastCheckIn = nil
		return nil
	})
}

// bestEffortEachDevice calls op against every Device belonging to
// res, logging and continuing past any individual failure — device-side
// errors never undo the already-committed DB transition (spec §3
// invariant 2's "Convergence is the reconciler's job; the Allocator also
// performs a best-effort synchronous share/unshare").
func (a *Allocator) bestEffortEachDevice(ctx context.Context, res model.Resource, op string, action func(context.Context, model.RemoteHost, model.Device) error) {
	devices, err := a.store.DevicesForResource(res.ID)
	if err != nil {
		a.log.Error(err, "listing devices for resource", "op", op, "resource", res.ID)
		return
	}
	for _, device := range devices {
		host, err := a.store.GetRemoteHost(device.HostID)
		if err != nil {
			a.log.Error(err, "looking up remote host", "op", op, "device", device.ID)
			continue
		}
		if err := action(ctx, host, device); err != nil {
			a.log.Error(err, "best-effort device operation failed; reconciler will converge", "op", op, "device", device.ID, "host", host.ID)
		}
	}
}
