// Package store implements the Data Model & Repository (spec §4.F):
// transactional CRUD for Pool/Resource/Device/RemoteHost plus the queryset
// helpers spec §4.F and SPEC_FULL.md §C.5 name, backed by
// go.etcd.io/bbolt. bbolt's single-writer transactions already give the
// serializable-transaction guarantee spec §5 asks for multi-row reservation
// mutations, without needing an external database server.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/bbolt"

	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

var (
	bucketPools       = []byte("pools")
	bucketResources   = []byte("resources")
	bucketDevices     = []byte("devices")
	bucketRemoteHosts = []byte("remote_hosts")

	// Secondary-index buckets enforcing the uniqueness invariants of §3:
	// Resource.name unique within Pool, Device.name unique within Resource.
	bucketResourceNameIndex = []byte("idx_resource_pool_name")
	bucketDeviceNameIndex   = []byte("idx_device_resource_name")
)

var allBuckets = [][]byte{
	bucketPools, bucketResources, bucketDevices, bucketRemoteHosts,
	bucketResourceNameIndex, bucketDeviceNameIndex,
}

// Store is the bbolt-backed repository.
type Store struct {
	db  *bbolt.DB
	log logr.Logger
}

// Open opens (creating if absent) the bbolt database at path and ensures
// every bucket this package needs exists.
func Open(path string, log logr.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func resourceNameKey(poolID, name string) []byte {
	return []byte(poolID + "\x00" + name)
}

func deviceNameKey(resourceID, name string) []byte {
	return []byte(resourceID + "\x00" + name)
}

// ---- Pools ----

// CreatePool inserts a new Pool, rejecting a duplicate name.
func (s *Store) CreatePool(p model.Pool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pools := tx.Bucket(bucketPools)
		if existing := pools.Get([]byte(p.ID)); existing != nil {
			return &qmerrors.Conflict{Kind: "pool", Key: p.ID}
		}
		c := pools.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var other model.Pool
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.Name == p.Name {
				return &qmerrors.Conflict{Kind: "pool name", Key: p.Name}
			}
		}
		return putJSON(pools, []byte(p.ID), p)
	})
}

// GetPool looks up a Pool by ID.
func (s *Store) GetPool(id string) (model.Pool, error) {
	var p model.Pool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketPools), []byte(id), &p, "pool", id)
	})
	return p, err
}

// ListPools returns every Pool.
func (s *Store) ListPools() ([]model.Pool, error) {
	var out []model.Pool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(_, v []byte) error {
			var p model.Pool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// ---- RemoteHosts ----

// CreateRemoteHost inserts a new RemoteHost.
func (s *Store) CreateRemoteHost(h model.RemoteHost) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		hosts := tx.Bucket(bucketRemoteHosts)
		if existing := hosts.Get([]byte(h.ID)); existing != nil {
			return &qmerrors.Conflict{Kind: "remote_host", Key: h.ID}
		}
		return putJSON(hosts, []byte(h.ID), h)
	})
}

// GetRemoteHost looks up a RemoteHost by ID.
func (s *Store) GetRemoteHost(id string) (model.RemoteHost, error) {
	var h model.RemoteHost
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketRemoteHosts), []byte(id), &h, "remote_host", id)
	})
	return h, err
}

// ListRemoteHosts returns every RemoteHost.
func (s *Store) ListRemoteHosts() ([]model.RemoteHost, error) {
	var out []model.RemoteHost
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRemoteHosts).ForEach(func(_, v []byte) error {
			var h model.RemoteHost
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

// ---- Resources ----

// CreateResource inserts a new Resource, rejecting a duplicate name within
// its Pool (spec §3).
func (s *Store) CreateResource(r model.Resource) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		resources := tx.Bucket(bucketResources)
		index := tx.Bucket(bucketResourceNameIndex)
		key := resourceNameKey(r.PoolID, r.Name)
		if index.Get(key) != nil {
			return &qmerrors.Conflict{Kind: "resource name", Key: r.Name}
		}
		if err := putJSON(resources, []byte(r.ID), r); err != nil {
			return err
		}
		return index.Put(key, []byte(r.ID))
	})
}

// GetResource looks up a Resource by ID.
func (s *Store) GetResource(id string) (model.Resource, error) {
	var r model.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketResources), []byte(id), &r, "resource", id)
	})
	return r, err
}

// ListResources returns every Resource.
func (s *Store) ListResources() ([]model.Resource, error) {
	var out []model.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(_, v []byte) error {
			var r model.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// ListActive returns Resources that are enabled and have no offline
// Device (spec §4.F's default queryset, supplemented per SPEC_FULL.md §C.5
// to also exclude disabled Resources).
func (s *Store) ListActive() ([]model.Resource, error) {
	all, err := s.ListResources()
	if err != nil {
		return nil, err
	}
	out := make([]model.Resource, 0, len(all))
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		devices, err := s.DevicesForResource(r.ID)
		if err != nil {
			return nil, err
		}
		hasOffline := false
		for _, d := range devices {
			if !d.Online {
				hasOffline = true
				break
			}
		}
		if hasOffline {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ListUnreservedInPool returns enabled Resources in poolID with no holder,
// used by the CI allocator to pick a free Resource (spec §4.I).
func (s *Store) ListUnreservedInPool(poolID string) ([]model.Resource, error) {
	all, err := s.ListResources()
	if err != nil {
		return nil, err
	}
	out := make([]model.Resource, 0)
	for _, r := range all {
		if r.PoolID == poolID && r.Enabled && r.User == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpdateResource runs fn against the current Resource row inside a single
// write transaction and persists the result. This is the only way
// reservation fields are mutated (spec §3 "Allocator has exclusive write
// access to reservation fields") — callers outside internal/allocator
// should not call this for reservation fields.
func (s *Store) UpdateResource(id string, fn func(*model.Resource) error) (model.Resource, error) {
	var updated model.Resource
	err := s.db.Update(func(tx *bbolt.Tx) error {
		resources := tx.Bucket(bucketResources)
		var r model.Resource
		if err := getJSON(resources, []byte(id), &r, "resource", id); err != nil {
			return err
		}
		if err := fn(&r); err != nil {
			return err
		}
		updated = r
		return putJSON(resources, []byte(id), r)
	})
	return updated, err
}

// ---- Devices ----

// CreateDevice inserts a new Device, rejecting a duplicate name within its
// Resource (spec §3). A Device with no Resource (ResourceID == nil) is not
// uniqueness-checked against other unassigned Devices.
func (s *Store) CreateDevice(d model.Device) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		if d.ResourceID != nil {
			index := tx.Bucket(bucketDeviceNameIndex)
			key := deviceNameKey(*d.ResourceID, d.Name)
			if index.Get(key) != nil {
				return &qmerrors.Conflict{Kind: "device name", Key: d.Name}
			}
			if err := index.Put(key, []byte(d.ID)); err != nil {
				return err
			}
		}
		return putJSON(devices, []byte(d.ID), d)
	})
}

// GetDevice looks up a Device by ID.
func (s *Store) GetDevice(id string) (model.Device, error) {
	var d model.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketDevices), []byte(id), &d, "device", id)
	})
	return d, err
}

// ListDevicesOnline returns every Device whose online value equals online;
// callers choose the value, there is no default.
func (s *Store) ListDevicesOnline(online bool) ([]model.Device, error) {
	var out []model.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d model.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Online == online {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// DevicesForResource returns every Device belonging to resourceID.
func (s *Store) DevicesForResource(resourceID string) ([]model.Device, error) {
	var out []model.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d model.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.ResourceID != nil && *d.ResourceID == resourceID {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// DevicesForHost returns every Device belonging to hostID.
func (s *Store) DevicesForHost(hostID string) ([]model.Device, error) {
	var out []model.Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d model.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.HostID == hostID {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// SetDeviceOnline persists the observed online state for a Device. Only
// the reconciler (spec §3: "Reconciler has exclusive write access to
// Device.online") should call this.
func (s *Store) SetDeviceOnline(id string, online bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		var d model.Device
		if err := getJSON(devices, []byte(id), &d, "device", id); err != nil {
			return err
		}
		if d.Online == online {
			return nil
		}
		d.Online = online
		return putJSON(devices, []byte(id), d)
	})
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v any, kind, id string) error {
	data := b.Get(key)
	if data == nil {
		return &qmerrors.NotFound{Kind: kind, Key: id}
	}
	return json.Unmarshal(data, v)
}
