// Package api implements the Reservation HTTP API (spec §4.J): the
// reservation resource endpoint and its TeamCity build-reservation
// companion, routed with github.com/gorilla/mux.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/usb-quartermaster/quartermaster/internal/allocator"
	"github.com/usb-quartermaster/quartermaster/internal/ci/teamcity"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/usbip"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/virtualhere"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

// expectedClientVersion is the Quartermaster_client_version this server was
// built against; a mismatch is logged, never rejected (SPEC_FULL.md §C.2).
const expectedClientVersion = "1.0"

// AuthConfig resolves the authenticated user for a request via whichever
// of bearer token, HTTP Basic, or session cookie the request carries
// (spec §6: "any one is sufficient").
type AuthConfig struct {
	BearerTokens      map[string]string // token -> username
	BasicCredentials  map[string]string // username -> password
	SessionCookieName string            // trusted upstream session cookie; its value is the username
}

func (c AuthConfig) authenticate(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			token, ok = strings.CutPrefix(header, "Token ")
		}
		if ok {
			user, known := c.BearerTokens[token]
			return user, known
		}
		if username, password, ok := r.BasicAuth(); ok {
			want, known := c.BasicCredentials[username]
			return username, known && want == password
		}
		return "", false
	}
	if c.SessionCookieName != "" {
		if cookie, err := r.Cookie(c.SessionCookieName); err == nil && cookie.Value != "" {
			return cookie.Value, true
		}
	}
	return "", false
}

// Server implements the HTTP API over a Store and Allocator, with an
// optional CI Allocator for the TeamCity companion endpoint.
type Server struct {
	store   *store.Store
	alloc   *allocator.Allocator
	ciAlloc *teamcity.Allocator // nil disables /teamcity/build_reservation's DELETE
	auth    AuthConfig
	log     logr.Logger
	router  *mux.Router
}

// New builds the API Server and its route table.
func New(st *store.Store, alloc *allocator.Allocator, ciAlloc *teamcity.Allocator, auth AuthConfig, log logr.Logger) *Server {
	s := &Server{store: st, alloc: alloc, ciAlloc: ciAlloc, auth: auth, log: log.WithName("api"), router: mux.NewRouter()}
	s.router.Use(s.clientVersionWarningMiddleware)
	s.router.HandleFunc("/api/reservation/{resource_id}", s.handleReservation).Methods(http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodPatch, http.MethodPut, http.MethodHead)
	s.router.HandleFunc("/teamcity/build_reservation/{build_id}", s.handleTeamCityBuildReservation).Methods(http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete)
	return s
}

// Handler returns the API's http.Handler, for an *http.Server or test server
// to mount.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) clientVersionWarningMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get("Quartermaster_client_version"); v != "" && v != expectedClientVersion {
			s.log.Info("client reported a different protocol version", "client_version", v, "expected", expectedClientVersion)
		}
		next.ServeHTTP(w, r)
	})
}

type reservationDevice struct {
	Driver string `json:"driver"`
	Name   string `json:"name"`
	Config map[string]any
}

func (d reservationDevice) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Config)+2)
	for k, v := range d.Config {
		out[k] = v
	}
	out["driver"] = d.Driver
	out["name"] = d.Name
	return json.Marshal(out)
}

type reservationBody struct {
	User           string              `json:"user"`
	UsedFor        string              `json:"used_for"`
	UsePassword    string              `json:"use_password"`
	Devices        []reservationDevice `json:"devices"`
	ReservationURL string              `json:"reservation_url"`
}

func (s *Server) buildReservationBody(resource model.Resource) (reservationBody, error) {
	devices, err := s.store.DevicesForResource(resource.ID)
	if err != nil {
		return reservationBody{}, err
	}
	out := make([]reservationDevice, 0, len(devices))
	for _, d := range devices {
		cfg := map[string]any{}
		if len(d.Config) > 0 {
			if err := json.Unmarshal(d.Config, &cfg); err != nil {
				return reservationBody{}, err
			}
		}
		if host, err := s.store.GetRemoteHost(d.HostID); err == nil {
			addHostAddress(cfg, d.Driver, host.Address)
		}
		out = append(out, reservationDevice{Driver: d.Driver, Name: d.Name, Config: cfg})
	}
	var user string
	if resource.User != nil {
		user = *resource.User
	}
	return reservationBody{
		User:           user,
		UsedFor:        resource.UsedFor,
		UsePassword:    resource.UsePassword,
		Devices:        out,
		ReservationURL: reservationURL(resource.ID),
	}, nil
}

// addHostAddress embeds the device's RemoteHost address into its flattened
// client-facing config, under the key each Local Driver expects (spec §4.K,
// §6: the USB/IP client attaches by host+bus_id; the VirtualHere client
// dials a hub by host_address before using a device_address on it).
func addHostAddress(cfg map[string]any, driver, hostAddress string) {
	switch driver {
	case usbip.Identifier:
		cfg["host"] = hostAddress
	case virtualhere.Identifier:
		cfg["host_address"] = hostAddress
	}
}

func reservationURL(resourceID string) string {
	return fmt.Sprintf("/api/reservation/%s", resourceID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isNotFound(err error) bool {
	var nf *qmerrors.NotFound
	return errors.As(err, &nf)
}

// handleReservation implements the five verbs of spec §4.J's primary
// resource URL.
func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	resourceID := mux.Vars(r)["resource_id"]

	user, ok := s.auth.authenticate(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	resource, err := s.store.GetResource(resourceID)
	if err != nil {
		if isNotFound(err) {
			http.Error(w, "resource not found", http.StatusNotFound)
			return
		}
		s.log.Error(err, "looking up resource", "resource", resourceID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r, resource, user)
	case http.MethodGet:
		s.handleShow(w, resource, user)
	case http.MethodDelete:
		s.handleRelease(w, r, resource, user)
	case http.MethodPatch, http.MethodPut:
		s.handleRefresh(w, r, resource, user)
	case http.MethodHead:
		s.handleHead(w, resource, user)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, resource model.Resource, user string) {
	if resource.User != nil && *resource.User == user {
		body, err := s.buildReservationBody(resource)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	if resource.User != nil {
		http.Error(w, "resource is reserved by another user", http.StatusForbidden)
		return
	}

	_ = r.ParseForm()
	usedFor := r.FormValue("used_for")

	updated, err := s.alloc.MakeReservation(r.Context(), resource.ID, user, usedFor)
	if err != nil {
		s.log.Error(err, "making reservation", "resource", resource.ID)
		http.Error(w, "could not create reservation", http.StatusConflict)
		return
	}
	body, err := s.buildReservationBody(updated)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleShow(w http.ResponseWriter, resource model.Resource, user string) {
	if resource.User == nil {
		http.Error(w, "resource not reserved", http.StatusNotFound)
		return
	}
	if *resource.User != user {
		http.Error(w, "resource is reserved by another user", http.StatusForbidden)
		return
	}
	body, err := s.buildReservationBody(resource)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, resource model.Resource, user string) {
	if resource.User == nil {
		http.Error(w, "resource not reserved", http.StatusNotFound)
		return
	}
	if *resource.User != user {
		http.Error(w, "resource is reserved by another user", http.StatusForbidden)
		return
	}
	if _, err := s.alloc.ReleaseReservation(r.Context(), resource.ID); err != nil {
		s.log.Error(err, "releasing reservation", "resource", resource.ID)
		http.Error(w, "could not release reservation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, resource model.Resource, user string) {
	if resource.User == nil {
		http.Error(w, "resource not reserved", http.StatusNotFound)
		return
	}
	if *resource.User != user {
		http.Error(w, "resource is reserved by another user", http.StatusForbidden)
		return
	}
	if _, err := s.alloc.RefreshReservation(r.Context(), resource.ID); err != nil {
		s.log.Error(err, "refreshing reservation", "resource", resource.ID)
		http.Error(w, "could not refresh reservation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHead(w http.ResponseWriter, resource model.Resource, user string) {
	if resource.User != nil && *resource.User == user {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// handleTeamCityBuildReservation implements spec §4.J's companion
// endpoint: DELETE releases via the CI Allocator; every other verb
// redirects to the matching resource URL; an unknown build id is 404
// regardless of verb.
func (s *Server) handleTeamCityBuildReservation(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["build_id"]
	usedFor := fmt.Sprintf("Teamcity_ID=%s", buildID)

	resources, err := s.store.ListResources()
	if err != nil {
		s.log.Error(err, "listing resources for teamcity build lookup")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var found *model.Resource
	for i := range resources {
		if resources[i].UsedFor == usedFor {
			found = &resources[i]
			break
		}
	}
	if found == nil {
		http.Error(w, "no reservation for that build", http.StatusNotFound)
		return
	}

	if r.Method != http.MethodDelete {
		http.Redirect(w, r, reservationURL(found.ID), http.StatusFound)
		return
	}

	if s.ciAlloc == nil {
		http.Error(w, "CI integration is not enabled", http.StatusNotFound)
		return
	}
	if err := s.ciAlloc.ReleaseReservation(r.Context(), *found); err != nil {
		s.log.Error(err, "releasing CI reservation", "resource", found.ID, "build_id", buildID)
		http.Error(w, "could not release reservation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
