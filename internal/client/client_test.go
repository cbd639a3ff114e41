package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usb-quartermaster/quartermaster/internal/localdriver"
)

type recordingDriver struct {
	connected bool
	preflight int
}

func (d *recordingDriver) AsyncInit(ctx context.Context) error { return nil }
func (d *recordingDriver) Connect(ctx context.Context) error   { d.connected = true; return nil }
func (d *recordingDriver) Disconnect(ctx context.Context) error {
	d.connected = false
	return nil
}
func (d *recordingDriver) Connected(ctx context.Context) (bool, error) { return d.connected, nil }
func (d *recordingDriver) PreflightCheck(ctx context.Context) error    { d.preflight++; return nil }

func registerStubDriver(t *testing.T) {
	t.Helper()
	localdriver.Register("STUB_CLIENT_TEST", func(dev localdriver.Device) (localdriver.LocalDriver, error) {
		return &recordingDriver{}, nil
	})
}

func TestFetchParsesReservationAndFlattenedDevices(t *testing.T) {
	registerStubDriver(t)

	var gotAuth, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Quartermaster_client_version")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{
			"use_password": "secret",
			"devices": [{"driver": "STUB_CLIENT_TEST", "name": "usb0", "bus_id": "1-1", "host": "10.0.0.1"}]
		}`)
	}))
	defer srv.Close()

	c := New(Config{ReservationURL: srv.URL, AuthToken: "tok"}, logr.Discard())
	res, err := c.fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "secret", res.usePassword)
	require.Len(t, res.devices, 1)
	assert.Equal(t, "usb0", res.devices[0].name)
	assert.Equal(t, "Token tok", gotAuth)
	assert.Equal(t, protocolVersion, gotVersion)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{ReservationURL: srv.URL}, logr.Discard())
	_, err := c.fetch(context.Background())
	require.Error(t, err)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestFetchUnsupportedDriver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"devices": [{"driver": "NO_SUCH_DRIVER", "name": "usb0"}]}`)
	}))
	defer srv.Close()

	c := New(Config{ReservationURL: srv.URL}, logr.Discard())
	_, err := c.fetch(context.Background())
	require.Error(t, err)
}

func TestPreflightRunsOncePerDistinctDriverType(t *testing.T) {
	d1 := &recordingDriver{}
	d2 := &recordingDriver{}
	res := &reservation{devices: []*device{
		{name: "usb0", driver: d1},
		{name: "usb1", driver: d2},
	}}

	c := New(Config{}, logr.Discard())
	require.NoError(t, c.preflight(context.Background(), res))

	assert.Equal(t, 1, d1.preflight)
	assert.Equal(t, 0, d2.preflight) // same concrete type as d1, so PreflightCheck is skipped the second time
}

func TestInitiateTeardown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		assert.Equal(t, teardownCommandCR, string(buf[:n]))
		_, _ = conn.Write([]byte(teardownAck))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, InitiateTeardown(ctx, addr.IP.String(), addr.Port))

	<-done
}
