// Package client implements the Client Runtime (spec §4.K): fetch a
// reservation, preflight every distinct driver it uses, then run three
// concurrent loops (device, lease, command) until any of them signals
// teardown, at which point every connected device is disconnected and the
// reservation released.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/usb-quartermaster/quartermaster/internal/localdriver"
)

// protocolVersion is sent as the Quartermaster_client_version header on
// every request (spec §6).
const protocolVersion = "1.0"

const (
	teardownCommandCR = "teardown\r"
	teardownCommandLF = "teardown\n"
	teardownAck       = "Teardown started"

	refreshRetryLimit = 3
	refreshRetrySleep = 10 * time.Second

	leaseRequestTimeout = 10 * time.Second
)

// Config carries the CLI-level parameters of spec §6's Client CLI that
// shape the active session, independent of how they were parsed.
type Config struct {
	ReservationURL     string
	AuthToken          string
	ReservationMessage string
	DevicePolling      time.Duration
	ReservationPolling time.Duration
	DisableValidation  bool
	ListenIP           string
	ListenPort         int
}

// Client runs one reservation's full fetch/preflight/active-session/
// teardown lifecycle.
type Client struct {
	cfg  Config
	http *http.Client
	log  logr.Logger

	// disconnectErrors counts failed Disconnect calls during teardown; the
	// process exit code equals this count on an otherwise-clean run (spec
	// §6).
	disconnectErrors int
}

// New builds a Client whose HTTP client skips TLS certificate verification
// when cfg.DisableValidation is set.
func New(cfg Config, log logr.Logger) *Client {
	transport := &http.Transport{}
	if cfg.DisableValidation {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:  log.WithName("client"),
	}
}

// device is the runtime wrapper around one reservation device: its
// LocalDriver plus the connect_complete bookkeeping the original tracks to
// decide what teardown must disconnect.
type device struct {
	name            string
	driver          localdriver.LocalDriver
	connectComplete bool
}

func (d *device) connect(ctx context.Context) error {
	connected, err := d.driver.Connected(ctx)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}
	if err := d.driver.Connect(ctx); err != nil {
		return err
	}
	d.connectComplete = true
	return nil
}

func (d *device) disconnect(ctx context.Context) error {
	connected, err := d.driver.Connected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		return nil
	}
	return d.driver.Disconnect(ctx)
}

// reservation is the parsed response of the fetch phase.
type reservation struct {
	devices        []*device
	usePassword    string
	resourceURL    string
	reservationURL string
}

type reservationWire struct {
	UsePassword    string       `json:"use_password"`
	ReservationURL string       `json:"reservation_url"`
	Devices        []deviceWire `json:"devices"`
}

type deviceWire struct {
	Driver string         `json:"driver"`
	Name   string         `json:"name"`
	Extra  map[string]any `json:"-"`
}

// UnmarshalJSON flattens the device's driver-specific keys alongside
// "driver"/"name" into Extra, matching the server's flattened wire shape.
func (d *deviceWire) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["driver"].(string); ok {
		d.Driver = v
	}
	if v, ok := raw["name"].(string); ok {
		d.Name = v
	}
	delete(raw, "driver")
	delete(raw, "name")
	d.Extra = raw
	return nil
}

// FetchError reports a failure in the fetch phase; Run returns exit code 1
// when fetching fails.
type FetchError struct{ Msg string }

func (e *FetchError) Error() string { return e.Msg }

// PreflightError reports a failure in the preflight phase.
type PreflightError struct{ Msg string }

func (e *PreflightError) Error() string { return e.Msg }

func (c *Client) request(ctx context.Context, method, rawURL string, form url.Values) (int, []byte, string, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Quartermaster_client_version", protocolVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, content, resp.Request.URL.String(), nil
}

// fetch implements spec §4.K phase 1.
func (c *Client) fetch(ctx context.Context) (*reservation, error) {
	var form url.Values
	if c.cfg.ReservationMessage != "" {
		form = url.Values{"used_for": {c.cfg.ReservationMessage}}
	}

	status, content, finalURL, err := c.request(ctx, http.MethodPost, c.cfg.ReservationURL, form)
	if err != nil {
		return nil, &FetchError{Msg: fmt.Sprintf("error trying to reach quartermaster server: %v", err)}
	}
	if status == http.StatusNotFound {
		return nil, &FetchError{Msg: "that reservation was not found"}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, &FetchError{Msg: fmt.Sprintf("got unexpected response from server when retrieving reservation. HTTP STATUS=%d, BODY=%s", status, content)}
	}

	var wire reservationWire
	if err := json.Unmarshal(content, &wire); err != nil {
		return nil, &FetchError{Msg: fmt.Sprintf("could not parse reservation response: %v", err)}
	}

	devices := make([]*device, 0, len(wire.Devices))
	for _, dw := range wire.Devices {
		ld, err := localdriver.New(localdriver.Device{Name: dw.Name, Driver: dw.Driver, Config: dw.Extra})
		if err != nil {
			return nil, &FetchError{Msg: err.Error()}
		}
		devices = append(devices, &device{name: dw.Name, driver: ld})
	}

	return &reservation{
		devices:        devices,
		usePassword:    wire.UsePassword,
		resourceURL:    finalURL,
		reservationURL: c.cfg.ReservationURL,
	}, nil
}

// preflight implements spec §4.K phase 2: each distinct driver's
// PreflightCheck runs exactly once.
func (c *Client) preflight(ctx context.Context, res *reservation) error {
	checked := map[string]bool{}
	for _, d := range res.devices {
		key := fmt.Sprintf("%T", d.driver)
		if checked[key] {
			continue
		}
		if err := d.driver.PreflightCheck(ctx); err != nil {
			return &PreflightError{Msg: err.Error()}
		}
		checked[key] = true
	}
	return nil
}

// Run executes the full lifecycle and returns the process exit code per
// spec §6: 0 on a clean run, the disconnect-error count otherwise, 1 if
// fetch or preflight failed.
func (c *Client) Run(ctx context.Context) int {
	res, err := c.fetch(ctx)
	if err != nil {
		c.log.Error(err, "fetching reservation")
		return 1
	}
	c.log.Info("reservation active", "resource_url", res.resourceURL)

	if err := c.preflight(ctx, res); err != nil {
		c.log.Error(err, "preflight check failed")
		c.cancelReservation(context.Background(), res)
		return 1
	}

	c.runActiveSession(ctx, res)

	c.log.Info("canceling reservation, please wait", "resource_url", res.resourceURL)
	c.cancelReservation(context.Background(), res)
	return c.disconnectErrors
}

// runActiveSession implements spec §4.K phase 3/4: three concurrent loops
// race against a shared teardown signal; whichever fires first cancels the
// others, and disconnect runs only once all three have stopped.
func (c *Client) runActiveSession(parent context.Context, res *reservation) {
	ctx, teardown := context.WithCancel(parent)
	defer teardown()

	var once sync.Once
	signalTeardown := func() { once.Do(teardown) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { c.deviceLoop(gctx, res, signalTeardown); return nil })
	g.Go(func() error { c.leaseLoop(gctx, res, signalTeardown); return nil })
	g.Go(func() error { return c.commandLoop(gctx, signalTeardown) })
	_ = g.Wait()

	c.disconnectAll(context.Background(), res)
}

// deviceLoop implements the device loop of spec §4.K: async_init every
// device once, then poll connect on DevicePolling.
func (c *Client) deviceLoop(ctx context.Context, res *reservation, teardown func()) {
	for _, d := range res.devices {
		if err := d.driver.AsyncInit(ctx); err != nil {
			c.log.Error(err, "initializing device", "device", d.name)
			teardown()
			return
		}
		if err := d.connect(ctx); err != nil {
			c.log.Error(err, "connecting device", "device", d.name)
			teardown()
			return
		}
	}
	c.log.Info("setup complete, keep this terminal open to keep your reservation active")

	ticker := time.NewTicker(c.cfg.DevicePolling)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range res.devices {
				if err := d.connect(ctx); err != nil {
					c.log.Error(err, "connecting device", "device", d.name)
					teardown()
					return
				}
			}
		}
	}
}

// leaseLoop implements the lease loop of spec §4.K: PATCH the resource URL
// on ReservationPolling, retrying transport errors up to refreshRetryLimit
// before giving up and triggering teardown; a 404 means the reservation has
// already expired.
func (c *Client) leaseLoop(ctx context.Context, res *reservation, teardown func()) {
	ticker := time.NewTicker(c.cfg.ReservationPolling)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.refreshOnce(ctx, res) {
				teardown()
				return
			}
		}
	}
}

func (c *Client) refreshOnce(ctx context.Context, res *reservation) bool {
	for attempt := 0; attempt < refreshRetryLimit; attempt++ {
		ok, expired, err := c.refreshReservation(ctx, res)
		if err == nil {
			if expired {
				c.log.Info("reservation expired, triggering teardown")
				return false
			}
			return ok
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(refreshRetrySleep):
		}
	}
	c.log.Info("failed to reach quartermaster server after retries, triggering teardown", "retries", refreshRetryLimit)
	return false
}

func (c *Client) refreshReservation(ctx context.Context, res *reservation) (ok, expired bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, leaseRequestTimeout)
	defer cancel()
	status, content, _, err := c.request(reqCtx, http.MethodPatch, res.resourceURL, nil)
	if err != nil {
		return false, false, err
	}
	if status == http.StatusNotFound {
		return false, true, nil
	}
	if status != http.StatusAccepted {
		return false, false, fmt.Errorf("unexpected response from server, HTTP CODE=%d, CONTENT=%s", status, content)
	}
	return true, false, nil
}

// commandLoop implements the command loop of spec §4.K: a local TCP
// listener replies to "teardown\r"/"teardown\n" with an acknowledgement and
// triggers teardown.
func (c *Client) commandLoop(ctx context.Context, teardown func()) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.ListenIP, c.cfg.ListenPort)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		c.log.Error(err, "starting command listener")
		teardown()
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed, normal teardown path
		}
		buf := make([]byte, 100)
		n, _ := conn.Read(buf)
		data := string(buf[:n])
		if strings.HasPrefix(data, teardownCommandCR) || strings.HasPrefix(data, teardownCommandLF) {
			_, _ = conn.Write([]byte(teardownAck))
			c.log.Info(teardownAck)
			_ = conn.Close()
			teardown()
			return nil
		}
		_ = conn.Close()
	}
}

// disconnectAll implements spec §4.K teardown's disconnect phase: every
// device that ever completed a connect is disconnected; failures are
// counted but never stop the remaining devices.
func (c *Client) disconnectAll(ctx context.Context, res *reservation) {
	for _, d := range res.devices {
		if !d.connectComplete {
			c.log.Info("skipping disconnect, device never finished connecting", "device", d.name)
			continue
		}
		c.log.Info("disconnecting device", "device", d.name)
		if err := d.disconnect(ctx); err != nil {
			c.disconnectErrors++
			c.log.Error(err, "failed to disconnect device", "device", d.name)
		}
	}
}

func (c *Client) cancelReservation(ctx context.Context, res *reservation) {
	status, content, _, err := c.request(ctx, http.MethodDelete, res.reservationURL, nil)
	if err != nil {
		c.log.Error(err, "canceling reservation")
		return
	}
	if status != http.StatusNoContent {
		c.log.Error(fmt.Errorf("unexpected status %d", status), "unexpected response when canceling reservation", "body", string(content))
		return
	}
	c.log.Info("reservation canceled successfully")
}

// InitiateTeardown implements the --stop_client path of spec §4.K: connect
// to a running client's local listener and ask it to tear down.
func InitiateTeardown(ctx context.Context, listenIP string, listenPort int) error {
	addr := fmt.Sprintf("%s:%d", listenIP, listenPort)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(teardownCommandCR)); err != nil {
		return err
	}
	buf := make([]byte, 100)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	reply := string(buf[:n])
	fmt.Println(reply)
	if reply != teardownAck {
		return fmt.Errorf("unexpected response from client at %s", addr)
	}
	return nil
}
