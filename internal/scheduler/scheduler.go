// Package scheduler implements the Reconciliation Scheduler (spec §4.H):
// three periodic jobs driving reservation expiry, host reconciliation, and
// VirtualHere nickname maintenance, each guarded against overlapping runs
// of itself.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/usb-quartermaster/quartermaster/internal/allocator"
	"github.com/usb-quartermaster/quartermaster/internal/ci/teamcity"
	"github.com/usb-quartermaster/quartermaster/internal/driverhub"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver"
	"github.com/usb-quartermaster/quartermaster/internal/metrics"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

const (
	expireReservationsJob    = "expire_reservations"
	reconcileHostStateJob    = "reconcile_host_state"
	nicknameMaintenance      = "nickname_maintenance"
	ciManageReservationsJob  = "ci_manage_reservations"
	ciMonitorQueueJob        = "ci_monitor_queue"

	// maxHostFanOut bounds how many RemoteHosts are reconciled concurrently
	// within one tick of the reconcile-host-state job.
	maxHostFanOut = 8
)

// Config carries the durations the scheduler needs but does not own: the
// reservation lifetime limits enforced in the expire job (spec §3
// invariant 3).
type Config struct {
	ReservationMax time.Duration
	CheckinTimeout time.Duration
}

// Scheduler runs the three periodic jobs of spec §4.H on a robfig/cron
// schedule.
type Scheduler struct {
	store     *store.Store
	hub       *driverhub.Hub
	allocator *allocator.Allocator
	ciAlloc   *teamcity.Allocator
	cfg       Config
	log       logr.Logger

	cron   *cron.Cron
	guards map[string]*sync.Mutex
}

// New builds a Scheduler over its dependencies. ciAlloc may be nil, in
// which case the CI Allocator's jobs are not registered (CI integration is
// an optional, separately-enableable component). Call Start to register
// and begin running its jobs.
func New(st *store.Store, hub *driverhub.Hub, alloc *allocator.Allocator, ciAlloc *teamcity.Allocator, cfg Config, log logr.Logger) *Scheduler {
	return &Scheduler{
		store:     st,
		hub:       hub,
		allocator: alloc,
		ciAlloc:   ciAlloc,
		cfg:       cfg,
		log:       log.WithName("scheduler"),
		cron:      cron.New(),
		guards: map[string]*sync.Mutex{
			expireReservationsJob:   {},
			reconcileHostStateJob:   {},
			nicknameMaintenance:     {},
			ciManageReservationsJob: {},
			ciMonitorQueueJob:       {},
		},
	}
}

// Start registers every job on its spec §4.H cadence and starts the cron
// runner. ctx bounds the lifetime of jobs triggered after Start returns;
// cancel it and call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.runGuarded(expireReservationsJob, func() { s.expireReservations(ctx) }) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() { s.runGuarded(reconcileHostStateJob, func() { s.reconcileHostState(ctx) }) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 15m", func() { s.runGuarded(nicknameMaintenance, func() { s.maintainNicknames(ctx) }) }); err != nil {
		return err
	}
	if s.ciAlloc != nil {
		if _, err := s.cron.AddFunc("@every 1m", func() { s.runGuarded(ciManageReservationsJob, func() { s.ciAlloc.ManageCIReservations(ctx) }) }); err != nil {
			return err
		}
		if _, err := s.cron.AddFunc("@every 1m", func() { s.runGuarded(ciMonitorQueueJob, func() { s.ciAlloc.MonitorCIQueue(ctx) }) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// runGuarded skips a tick rather than queueing it if the previous run of
// the same job is still in flight, since expiry/reconcile/nickname jobs are
// all safe to skip a beat but not to run concurrently with themselves.
func (s *Scheduler) runGuarded(name string, fn func()) {
	mu := s.guards[name]
	if !mu.TryLock() {
		s.log.V(1).Info("skipping tick, previous run still in flight", "job", name)
		metrics.JobSkipped.WithLabelValues(name).Inc()
		return
	}
	defer mu.Unlock()
	fn()
}

// expireReservations implements spec §4.H's "Expire reservations" job: for
// each Resource with a non-null last_check_in, release it once its
// reservation or check-in deadline has passed.
func (s *Scheduler) expireReservations(ctx context.Context) {
	resources, err := s.store.ListResources()
	if err != nil {
		s.log.Error(err, "listing resources for expiry")
		return
	}
	now := time.Now()
	for _, r := range resources {
		if r.LastCheckIn == nil {
			continue
		}
		if !r.Expired(now, s.cfg.ReservationMax, s.cfg.CheckinTimeout) {
			continue
		}
		if _, err := s.allocator.ReleaseReservation(ctx, r.ID); err != nil {
			s.log.Error(err, "releasing expired reservation", "resource", r.ID)
		}
	}
}

// reconcileHostState implements spec §4.H's "Reconcile host state" job:
// every RemoteHost is reconciled as an independent task, fanned out with a
// bounded errgroup so one slow/unreachable host never delays the others.
func (s *Scheduler) reconcileHostState(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	hosts, err := s.store.ListRemoteHosts()
	if err != nil {
		s.log.Error(err, "listing remote hosts for reconcile")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxHostFanOut)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			s.reconcileHost(gctx, host)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) reconcileHost(ctx context.Context, host model.RemoteHost) {
	devices, err := s.store.DevicesForHost(host.ID)
	if err != nil {
		s.log.Error(err, "listing devices for host", "host", host.ID)
		return
	}

	byDriver := make(map[string][]model.Device)
	for _, d := range devices {
		byDriver[d.Driver] = append(byDriver[d.Driver], d)
	}

	for driverID, driverDevices := range byDriver {
		hd, err := s.hub.HostDriverFor(host, driverID)
		if err != nil {
			s.log.Error(err, "instantiating host driver", "host", host.ID, "driver", driverID)
			continue
		}

		if !hd.IsReachable(ctx) {
			for _, d := range driverDevices {
				if err := s.store.SetDeviceOnline(d.ID, false); err != nil {
					s.log.Error(err, "marking device offline", "device", d.ID)
				}
				metrics.DeviceOnline.WithLabelValues(d.ID).Set(0)
			}
			continue
		}

		if len(driverDevices) == 0 {
			continue
		}

		items := make([]hostdriver.ReconcileItem, 0, len(driverDevices))
		for _, d := range driverDevices {
			items = append(items, hostdriver.ReconcileItem{Device: d, WantShared: s.wantShared(d)})
		}
		s.reconcileDevices(ctx, hd, items)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Scheduler) wantShared(d model.Device) bool {
	if d.ResourceID == nil {
		return false
	}
	r, err := s.store.GetResource(*d.ResourceID)
	if err != nil {
		s.log.Error(err, "looking up resource for device", "device", d.ID)
		return false
	}
	return r.InUse()
}

func (s *Scheduler) reconcileDevices(ctx context.Context, hd hostdriver.HostDriver, items []hostdriver.ReconcileItem) {
	observations := hd.Reconcile(ctx, items)
	for _, obs := range observations {
		if err := s.store.SetDeviceOnline(obs.DeviceID, obs.ActualOnline); err != nil {
			s.log.Error(err, "persisting observed online state", "device", obs.DeviceID)
		}
		metrics.DeviceOnline.WithLabelValues(obs.DeviceID).Set(boolToFloat(obs.ActualOnline))
		if obs.Err != nil {
			s.log.Error(obs.Err, "reconciling device; will retry next tick", "device", obs.DeviceID)
		}
	}
}

// maintainNicknames implements spec §4.H's "Nickname maintenance" job
// (VirtualHere only): compare each VirtualHere device's observed nickname
// to its configured name and rename on mismatch.
func (s *Scheduler) maintainNicknames(ctx context.Context) {
	hosts, err := s.store.ListRemoteHosts()
	if err != nil {
		s.log.Error(err, "listing remote hosts for nickname maintenance")
		return
	}
	for _, host := range hosts {
		devices, err := s.store.DevicesForHost(host.ID)
		if err != nil {
			s.log.Error(err, "listing devices for host", "host", host.ID)
			continue
		}
		for _, d := range devices {
			nicknamer, ok, err := s.hub.Nicknamer(ctx, host, d)
			if err != nil {
				s.log.Error(err, "building nicknamer", "device", d.ID)
				continue
			}
			if !ok {
				continue
			}
			if nicknamer.ObservedNickname() == d.Name {
				continue
			}
			if err := nicknamer.Rename(ctx, d.Name); err != nil {
				s.log.Error(err, "renaming device nickname", "device", d.ID)
			}
		}
	}
}
