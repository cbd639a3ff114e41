// Package teamcity implements the CI Allocator (spec §4.I): two periodic
// jobs that keep Quartermaster reservations in sync with a TeamCity
// server's build queue and a per-pool shared-resource quota.
package teamcity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/usb-quartermaster/quartermaster/internal/allocator"
	"github.com/usb-quartermaster/quartermaster/internal/metrics"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

// blockedJobPrefix is the literal waitReason prefix TeamCity uses for a
// build queued behind a named shared resource (spec §4.I).
const blockedJobPrefix = "Build is waiting for the following resource to become available: "

// usedForPrefix is the used_for tag format the CI Allocator writes and
// reads back to correlate a Resource with a TeamCity build.
const usedForPrefix = "Teamcity_ID="

// TeamCityPool maps a named TeamCity shared resource to a local Pool and
// the REST URL of that shared resource's quota property.
type TeamCityPool struct {
	Name              string
	PoolID            string
	SharedResourceURL string
}

// Config is the CI Allocator's static configuration (spec §4.I / ambient
// config surface): TeamCity connection details, the synthetic CI
// reservation user, and the administrator-declared pool mappings.
type Config struct {
	Host                 string
	Username             string
	Password              string
	ReservationUsername  string
	Pools                []TeamCityPool
}

// Allocator implements the CI Allocator's two periodic jobs against one
// TeamCity server. It owns no scheduling of its own: internal/scheduler
// registers ManageCIReservations and MonitorCIQueue onto its existing
// robfig/cron runner, on the same one-minute cadence and guarded by the
// same named-mutex-per-job mechanism as the reconciliation jobs (spec
// §4.I: "Two periodic jobs, every minute").
type Allocator struct {
	store *store.Store
	alloc *allocator.Allocator
	http  *http.Client
	cfg   Config
	log   logr.Logger
}

// New builds a CI Allocator. httpClient may be nil, in which case a
// default client with a bounded timeout is used.
func New(st *store.Store, alloc *allocator.Allocator, cfg Config, httpClient *http.Client, log logr.Logger) *Allocator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Allocator{store: st, alloc: alloc, http: httpClient, cfg: cfg, log: log.WithName("teamcity")}
}

func (a *Allocator) poolByName(name string) (TeamCityPool, bool) {
	for _, p := range a.cfg.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return TeamCityPool{}, false
}

// ManageCIReservations implements spec §4.I's "Manage CI reservations"
// job: for each Resource owned by the synthetic CI user, release it once
// its build has finished.
func (a *Allocator) ManageCIReservations(ctx context.Context) {
	resources, err := a.store.ListResources()
	if err != nil {
		a.log.Error(err, "listing resources for CI management")
		return
	}
	for _, r := range resources {
		if r.User == nil || *r.User != a.cfg.ReservationUsername {
			continue
		}
		jobID, ok := parseUsedFor(r.UsedFor)
		if !ok {
			continue
		}
		done, err := a.jobIsDone(ctx, jobID)
		if err != nil {
			a.log.Error(err, "checking build state", "resource", r.ID, "job_id", jobID)
			continue
		}
		if !done {
			continue
		}
		if err := a.ReleaseReservation(ctx, r); err != nil {
			a.log.Error(err, "releasing finished CI reservation", "resource", r.ID, "job_id", jobID)
		}
	}
}

// MonitorCIQueue implements spec §4.I's "Monitor CI queue" job: for each
// queued build blocked on a named shared resource, attempt to reserve a
// Resource from the mapped Pool.
func (a *Allocator) MonitorCIQueue(ctx context.Context) {
	blocked, err := a.blockedJobs(ctx)
	if err != nil {
		a.log.Error(err, "fetching TeamCity build queue")
		return
	}
	for _, job := range blocked {
		pool, ok := a.poolByName(job.poolName)
		if !ok {
			a.log.V(1).Info("blocked build names an unmapped TeamCity pool", "pool", job.poolName, "job_id", job.id)
			continue
		}
		if err := a.MakeReservation(ctx, pool, job.id); err != nil {
			a.log.Error(err, "reserving resource for blocked build", "pool", pool.Name, "job_id", job.id)
		}
	}
}

func parseUsedFor(usedFor string) (int, bool) {
	if !strings.HasPrefix(usedFor, usedForPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(usedFor, usedForPrefix))
	if err != nil {
		return 0, false
	}
	return id, true
}

// MakeReservation implements teamcity_make_reservation(tc_pool, job_id)
// (spec §4.I): idempotent against used_for; picks any free Resource in the
// pool, increments the remote shared quota, commits the local reservation,
// then PUTs the updated quota — rolling the reservation back if the PUT
// fails.
func (a *Allocator) MakeReservation(ctx context.Context, pool TeamCityPool, jobID int) error {
	usedFor := fmt.Sprintf("%s%d", usedForPrefix, jobID)

	resources, err := a.store.ListResources()
	if err != nil {
		return err
	}
	for _, r := range resources {
		if r.PoolID == pool.PoolID && r.UsedFor == usedFor && r.User != nil && *r.User == a.cfg.ReservationUsername {
			return nil // already reserved for this build
		}
	}

	candidates, err := a.store.ListUnreservedInPool(pool.PoolID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		a.log.Info("no unused resource available for TeamCity pool", "pool", pool.Name, "job_id", jobID)
		return nil
	}
	selected := candidates[0]

	quota, err := a.getQuota(ctx, pool)
	if err != nil {
		return err
	}
	newValue := quota.Value + 1

	a.log.Info("reserving resource for TeamCity build", "pool", pool.Name, "resource", selected.ID, "job_id", jobID, "new_quota", newValue)
	if _, err := a.alloc.MakeReservation(ctx, selected.ID, a.cfg.ReservationUsername, usedFor); err != nil {
		return err
	}

	quota.Value = newValue
	if err := a.putQuota(ctx, pool, quota); err != nil {
		a.log.Error(err, "incrementing quota failed; rolling back reservation", "pool", pool.Name, "resource", selected.ID)
		if _, relErr := a.alloc.ReleaseReservation(ctx, selected.ID); relErr != nil {
			a.log.Error(relErr, "rolling back reservation also failed", "resource", selected.ID)
		}
		return err
	}
	return nil
}

// ReleaseReservation implements teamcity_release_reservation(resource)
// (spec §4.I): reads the current quota, decrements it (or resets a
// negative "infinite quota" sentinel to zero, or leaves a zero quota
// untouched), and always releases the local reservation.
func (a *Allocator) ReleaseReservation(ctx context.Context, resource model.Resource) error {
	pool, err := a.poolForResource(resource)
	if err != nil {
		return err
	}

	quota, err := a.getQuota(ctx, pool)
	if err != nil {
		return err
	}
	switch {
	case quota.Value > 0:
		quota.Value--
		if err := a.putQuota(ctx, pool, quota); err != nil {
			return err
		}
	case quota.Value < 0:
		quota.Value = 0
		if err := a.putQuota(ctx, pool, quota); err != nil {
			return err
		}
	default:
		a.log.Info("shared quota already zero; not decrementing further", "pool", pool.Name)
	}

	_, err = a.alloc.ReleaseReservation(ctx, resource.ID)
	return err
}

func (a *Allocator) poolForResource(resource model.Resource) (TeamCityPool, error) {
	for _, p := range a.cfg.Pools {
		if p.PoolID == resource.PoolID {
			return p, nil
		}
	}
	return TeamCityPool{}, &qmerrors.ConfigurationError{Subject: resource.PoolID, Reasons: []string{"no TeamCityPool mapping for this pool"}}
}

type quotaProperty struct {
	Name  string `json:"name"`
	Value int    `json:"-"`
}

// quotaWire is the literal JSON shape TeamCity's property REST endpoint
// uses: value is a decimal string, not a JSON number.
type quotaWire struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (a *Allocator) getQuota(ctx context.Context, pool TeamCityPool) (quotaProperty, error) {
	url := pool.SharedResourceURL + "/properties/quota"
	body, err := a.request(ctx, http.MethodGet, url, nil)
	if err != nil {
		return quotaProperty{}, err
	}
	var wire quotaWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return quotaProperty{}, &qmerrors.CIError{Op: "get_quota", Err: fmt.Errorf("parsing quota JSON: %w", err)}
	}
	value, err := strconv.Atoi(wire.Value)
	if err != nil {
		return quotaProperty{}, &qmerrors.CIError{Op: "get_quota", Err: fmt.Errorf("parsing quota value %q: %w", wire.Value, err)}
	}
	return quotaProperty{Name: wire.Name, Value: value}, nil
}

func (a *Allocator) putQuota(ctx context.Context, pool TeamCityPool, quota quotaProperty) error {
	url := pool.SharedResourceURL + "/properties/quota"
	wire := quotaWire{Name: quota.Name, Value: strconv.Itoa(quota.Value)}
	data, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	_, err = a.request(ctx, http.MethodPut, url, data)
	return err
}

// jobIsDone implements teamcity_job_is_done(job_id).
func (a *Allocator) jobIsDone(ctx context.Context, jobID int) (bool, error) {
	url := fmt.Sprintf("%s/app/rest/2018.1/builds/id:%d/?fields=state", a.cfg.Host, jobID)
	body, err := a.request(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, &qmerrors.CIError{Op: "job_is_done", Err: fmt.Errorf("parsing build state JSON: %w", err)}
	}
	return parsed.State == "finished", nil
}

type blockedJob struct {
	id       int
	poolName string
}

// blockedJobs implements teamcity_blocked_jobs(): builds queued with a
// waitReason naming a shared resource this service manages.
func (a *Allocator) blockedJobs(ctx context.Context) ([]blockedJob, error) {
	url := fmt.Sprintf("%s/app/rest/2018.1/buildQueue?fields=build(id,waitReason)", a.cfg.Host)
	body, err := a.request(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Build []struct {
			ID         int    `json:"id"`
			WaitReason string `json:"waitReason"`
		} `json:"build"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &qmerrors.CIError{Op: "blocked_jobs", Err: fmt.Errorf("parsing build queue JSON: %w", err)}
	}

	var out []blockedJob
	for _, b := range parsed.Build {
		if !strings.HasPrefix(b.WaitReason, blockedJobPrefix) {
			continue
		}
		out = append(out, blockedJob{id: b.ID, poolName: strings.TrimPrefix(b.WaitReason, blockedJobPrefix)})
	}
	return out, nil
}

// request implements teamcity_request: issues a GET (data == nil) or PUT
// (data != nil), applying HTTP Basic auth, and returns the response body on
// any 2xx status.
func (a *Allocator) request(ctx context.Context, method, url string, data []byte) (_ []byte, err error) {
	endpoint := requestEndpoint(url)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.CIRequests.WithLabelValues(endpoint, outcome).Inc()
	}()

	var bodyReader io.Reader
	if data != nil {
		bodyReader = bytes.NewReader(data)
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if reqErr != nil {
		return nil, &qmerrors.CIError{Op: method, Err: reqErr}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", a.cfg.Host)
	req.SetBasicAuth(a.cfg.Username, a.cfg.Password)

	resp, doErr := a.http.Do(req)
	if doErr != nil {
		return nil, &qmerrors.CIError{Op: method, Err: doErr}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &qmerrors.CIError{Op: method, Err: fmt.Errorf("reading response body: %w", readErr)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &qmerrors.CIError{Op: method, Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// requestEndpoint reduces a TeamCity REST URL to a low-cardinality metric
// label (the full URL, with its per-pool/per-build path segments, would
// blow up label cardinality).
func requestEndpoint(url string) string {
	switch {
	case strings.Contains(url, "/properties/quota"):
		return "quota"
	case strings.Contains(url, "/buildQueue"):
		return "build_queue"
	case strings.Contains(url, "/builds/"):
		return "build_state"
	default:
		return "other"
	}
}
