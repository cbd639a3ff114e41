package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/usb-quartermaster/quartermaster/internal/allocator"
	"github.com/usb-quartermaster/quartermaster/internal/api"
	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/driverhub"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/usbip"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/plugin"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "api Suite")
}

type fakeCommunicator struct{}

func (fakeCommunicator) Execute(ctx context.Context, command string) (communicator.Result, error) {
	return communicator.Result{ReturnCode: 0, Stdout: "usbip: info: no exportable devices found on 10.0.0.1"}, nil
}

func (fakeCommunicator) IsReachable(ctx context.Context) bool { return true }

func newTestServer() (*api.Server, *store.Store) {
	dir := GinkgoT().TempDir()
	st, err := store.Open(filepath.Join(dir, "quartermaster.db"), logr.Discard())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(st.Close)

	registry := plugin.NewRegistry()
	for id, descriptor := range driverhub.Descriptors() {
		registry.Register(plugin.KindHostDriver, id, descriptor, nil)
	}
	hub := driverhub.New(registry, map[string]communicator.Factory{
		communicator.Identifier: func(address string, config []byte) (communicator.Communicator, error) {
			return fakeCommunicator{}, nil
		},
	})
	alloc := allocator.New(st, hub, logr.Discard())

	auth := api.AuthConfig{BearerTokens: map[string]string{"tok-alice": "alice", "tok-bob": "bob"}}
	return api.New(st, alloc, nil, auth, logr.Discard()), st
}

var _ = Describe("Reservation HTTP API", func() {
	var (
		srv *api.Server
		st  *store.Store
		ts  *httptest.Server
	)

	BeforeEach(func() {
		srv, st = newTestServer()
		ts = httptest.NewServer(srv.Handler())
		DeferCleanup(ts.Close)

		Expect(st.CreateRemoteHost(model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeLinuxAMD64})).To(Succeed())
		Expect(st.CreateResource(model.Resource{ID: "r1", PoolID: "p1", Name: "widget", Enabled: true})).To(Succeed())
		rid := "r1"
		Expect(st.CreateDevice(model.Device{ID: "d1", ResourceID: &rid, HostID: "h1", Name: "usb0", Driver: usbip.Identifier, Config: []byte(`{"bus_id":"1-1"}`)})).To(Succeed())
	})

	doRequest := func(method, path, token string, form url.Values) *http.Response {
		var body *strings.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		} else {
			body = strings.NewReader("")
		}
		req, err := http.NewRequest(method, ts.URL+path, body)
		Expect(err).NotTo(HaveOccurred())
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("requires authentication", func() {
		resp := doRequest(http.MethodPost, "/api/reservation/r1", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("creates a reservation and returns the flattened device list", func() {
		resp := doRequest(http.MethodPost, "/api/reservation/r1", "tok-alice", url.Values{"used_for": {"manual test"}})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["user"]).To(Equal("alice"))
		Expect(body["used_for"]).To(Equal("manual test"))
		Expect(body["use_password"]).NotTo(BeEmpty())

		devices := body["devices"].([]any)
		Expect(devices).To(HaveLen(1))
		device := devices[0].(map[string]any)
		Expect(device["driver"]).To(Equal("USBIP"))
		Expect(device["name"]).To(Equal("usb0"))
		Expect(device["bus_id"]).To(Equal("1-1"))
		Expect(device["host"]).To(Equal("10.0.0.1"))
	})

	It("returns 403 when a second user tries to reserve an already-held resource", func() {
		resp := doRequest(http.MethodPost, "/api/reservation/r1", "tok-alice", url.Values{})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp = doRequest(http.MethodPost, "/api/reservation/r1", "tok-bob", url.Values{})
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})

	It("returns the same reservation body idempotently to its own holder on repeat POST", func() {
		resp := doRequest(http.MethodPost, "/api/reservation/r1", "tok-alice", url.Values{})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp = doRequest(http.MethodPost, "/api/reservation/r1", "tok-alice", url.Values{})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("404s GET/DELETE/HEAD against an unreserved resource appropriately", func() {
		resp := doRequest(http.MethodGet, "/api/reservation/r1", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		resp = doRequest(http.MethodDelete, "/api/reservation/r1", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		resp = doRequest(http.MethodHead, "/api/reservation/r1", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("releases a held reservation with DELETE", func() {
		resp := doRequest(http.MethodPost, "/api/reservation/r1", "tok-alice", url.Values{})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp = doRequest(http.MethodDelete, "/api/reservation/r1", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		resp = doRequest(http.MethodHead, "/api/reservation/r1", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("refreshes a held reservation with PATCH", func() {
		resp := doRequest(http.MethodPost, "/api/reservation/r1", "tok-alice", url.Values{})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp = doRequest(http.MethodPatch, "/api/reservation/r1", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
	})

	It("404s for an unknown resource id", func() {
		resp := doRequest(http.MethodGet, "/api/reservation/nope", "tok-alice", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("TeamCity build reservation companion endpoint", func() {
	var (
		srv *api.Server
		st  *store.Store
		ts  *httptest.Server
	)

	BeforeEach(func() {
		srv, st = newTestServer()
		ts = httptest.NewServer(srv.Handler())
		DeferCleanup(ts.Close)

		Expect(st.CreateResource(model.Resource{ID: "r1", PoolID: "p1", Name: "widget", Enabled: true})).To(Succeed())
	})

	It("404s for a build id with no matching reservation", func() {
		resp, err := http.Get(ts.URL + "/teamcity/build_reservation/123")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("redirects GET to the resource URL once a reservation carries the build's used_for tag", func() {
		user := "ci-agent"
		_, err := st.UpdateResource("r1", func(r *model.Resource) error {
			r.User = &user
			r.UsedFor = "Teamcity_ID=42"
			return nil
		})
		Expect(err).NotTo(HaveOccurred())

		client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }}
		resp, err := client.Get(ts.URL + "/teamcity/build_reservation/42")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		Expect(resp.Header.Get("Location")).To(Equal("/api/reservation/r1"))
	})

	It("404s DELETE when no CI allocator is configured", func() {
		user := "ci-agent"
		_, err := st.UpdateResource("r1", func(r *model.Resource) error {
			r.User = &user
			r.UsedFor = "Teamcity_ID=42"
			return nil
		})
		Expect(err).NotTo(HaveOccurred())

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/teamcity/build_reservation/42", nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
