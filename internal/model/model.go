// Package model defines the Quartermaster entities and the invariants
// enforced on write (spec §3). Pools, RemoteHosts, Devices, and the
// administrator-managed fields of Resources are owned by internal/store;
// the reservation fields of Resource are owned exclusively by
// internal/allocator, and Device.online plus physical remote state are owned
// exclusively by internal/scheduler.
package model

import (
	"encoding/json"
	"time"
)

// HostType enumerates the remote operating systems a RemoteHost may run.
type HostType string

const (
	HostTypeDarwin     HostType = "Darwin"
	HostTypeLinuxAMD64 HostType = "Linux_AMD64"
	HostTypeWindows    HostType = "Windows"
)

// Pool is a named, logical grouping of interchangeable Resources.
type Pool struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RemoteHost is a machine physically attached to Devices, reachable via a
// Communicator.
type RemoteHost struct {
	ID            string          `json:"id"`
	Address       string          `json:"address"`
	Communicator  string          `json:"communicator"`
	HostType      HostType        `json:"host_type"`
	Config        json.RawMessage `json:"config"`
}

// Device is a single USB endpoint on a specific RemoteHost managed by a
// specific driver. Belongs to a Resource (nullable).
type Device struct {
	ID         string          `json:"id"`
	ResourceID *string         `json:"resource_id,omitempty"`
	HostID     string          `json:"host_id"`
	Name       string          `json:"name"`
	Driver     string          `json:"driver"`
	Config     json.RawMessage `json:"config"`
	Online     bool            `json:"online"`
}

// Resource is the unit of reservation: one user at a time, one or more
// Devices.
type Resource struct {
	ID            string     `json:"id"`
	PoolID        string     `json:"pool_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Enabled       bool       `json:"enabled"`
	User          *string    `json:"user,omitempty"`
	UsedFor       string     `json:"used_for,omitempty"`
	UsePassword   string     `json:"use_password,omitempty"`
	LastReserved  *time.Time `json:"last_reserved,omitempty"`
	LastCheckIn   *time.Time `json:"last_check_in,omitempty"`
}

// InUse reports whether the Resource is presently held by a user (§3
// derived attribute Resource.in_use).
func (r *Resource) InUse() bool { return r.User != nil }

// ReservationExpiration is last_reserved + reservationMax.
func (r *Resource) ReservationExpiration(reservationMax time.Duration) (time.Time, bool) {
	if r.LastReserved == nil {
		return time.Time{}, false
	}
	return r.LastReserved.Add(reservationMax), true
}

// CheckinExpiration is last_check_in + checkinTimeout.
func (r *Resource) CheckinExpiration(checkinTimeout time.Duration) (time.Time, bool) {
	if r.LastCheckIn == nil {
		return time.Time{}, false
	}
	return r.LastCheckIn.Add(checkinTimeout), true
}

// Expired reports whether, at instant now, the Resource's reservation has
// passed either its max-duration or check-in deadline (spec §3 invariant 3).
func (r *Resource) Expired(now time.Time, reservationMax, checkinTimeout time.Duration) bool {
	if r.LastCheckIn == nil {
		return false
	}
	if exp, ok := r.ReservationExpiration(reservationMax); ok && now.After(exp) {
		return true
	}
	if exp, ok := r.CheckinExpiration(checkinTimeout); ok && now.After(exp) {
		return true
	}
	return false
}

// IsOnline reports Resource.is_online: all of the given Devices are online.
func IsOnline(devices []Device) bool {
	if len(devices) == 0 {
		return false
	}
	for _, d := range devices {
		if !d.Online {
			return false
		}
	}
	return true
}
