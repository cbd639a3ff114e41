package allocator_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/usb-quartermaster/quartermaster/internal/allocator"
	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/driverhub"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/usbip"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/plugin"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
	"github.com/usb-quartermaster/quartermaster/internal/store"
)

func TestAllocator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "allocator Suite")
}

// fakeCommunicator always succeeds, so ShareDevice/UnshareDevice/
// RefreshDevice exercise the real USB/IP Host/Device Driver code path
// without touching an actual host.
type fakeCommunicator struct{}

func (fakeCommunicator) Execute(ctx context.Context, command string) (communicator.Result, error) {
	return communicator.Result{ReturnCode: 0, Stdout: "usbip: info: no exportable devices found on 10.0.0.1"}, nil
}

func (fakeCommunicator) IsReachable(ctx context.Context) bool { return true }

func newTestHub() *driverhub.Hub {
	registry := plugin.NewRegistry()
	for id, descriptor := range driverhub.Descriptors() {
		registry.Register(plugin.KindHostDriver, id, descriptor, nil)
	}
	return driverhub.New(registry, map[string]communicator.Factory{
		communicator.Identifier: func(address string, config []byte) (communicator.Communicator, error) {
			return fakeCommunicator{}, nil
		},
	})
}

func newTestStore() *store.Store {
	dir := GinkgoT().TempDir()
	st, err := store.Open(filepath.Join(dir, "quartermaster.db"), logr.Discard())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(st.Close)
	return st
}

var _ = Describe("Allocator", func() {
	var (
		st    *store.Store
		alloc *allocator.Allocator
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = newTestStore()
		alloc = allocator.New(st, newTestHub(), logr.Discard())

		Expect(st.CreateRemoteHost(model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeLinuxAMD64})).To(Succeed())
		Expect(st.CreateResource(model.Resource{ID: "r1", PoolID: "p1", Name: "widget", Enabled: true})).To(Succeed())
		rid := "r1"
		Expect(st.CreateDevice(model.Device{ID: "d1", ResourceID: &rid, HostID: "h1", Name: "usb0", Driver: usbip.Identifier, Config: []byte(`{"bus_id":"1-1"}`)})).To(Succeed())
	})

	It("reserves an available resource", func() {
		res, err := alloc.MakeReservation(ctx, "r1", "alice", "manual testing")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.User).To(HaveValue(Equal("alice")))
		Expect(res.UsedFor).To(Equal("manual testing"))
		Expect(res.UsePassword).NotTo(BeEmpty())
		Expect(res.LastReserved).NotTo(BeNil())
		Expect(res.LastCheckIn).NotTo(BeNil())
	})

	It("refuses to reserve a resource already held by another user", func() {
		_, err := alloc.MakeReservation(ctx, "r1", "alice", "")
		Expect(err).NotTo(HaveOccurred())

		_, err = alloc.MakeReservation(ctx, "r1", "bob", "")
		var already *qmerrors.AlreadyReserved
		Expect(err).To(BeAssignableToTypeOf(already))
	})

	It("advances last_check_in on UpdateReservation without touching devices", func() {
		res, err := alloc.MakeReservation(ctx, "r1", "alice", "")
		Expect(err).NotTo(HaveOccurred())
		firstCheckIn := *res.LastCheckIn

		updated, err := alloc.UpdateReservation(ctx, "r1")
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.LastCheckIn.After(firstCheckIn) || updated.LastCheckIn.Equal(firstCheckIn)).To(BeTrue())
	})

	It("rejects UpdateReservation and RefreshReservation on an unreserved resource", func() {
		_, err := alloc.UpdateReservation(ctx, "r1")
		Expect(err).To(HaveOccurred())

		_, err = alloc.RefreshReservation(ctx, "r1")
		Expect(err).To(HaveOccurred())
	})

	It("refreshes a reservation's check-in timestamp", func() {
		made, err := alloc.MakeReservation(ctx, "r1", "alice", "")
		Expect(err).NotTo(HaveOccurred())

		refreshed, err := alloc.RefreshReservation(ctx, "r1")
		Expect(err).NotTo(HaveOccurred())
		Expect(refreshed.User).To(HaveValue(Equal("alice")))
		Expect(refreshed.LastCheckIn).NotTo(BeNil())
		Expect(*refreshed.LastCheckIn).To(BeTemporally(">=", *made.LastCheckIn))
	})

	It("clears reservation fields on release", func() {
		_, err := alloc.MakeReservation(ctx, "r1", "alice", "")
		Expect(err).NotTo(HaveOccurred())

		released, err := alloc.ReleaseReservation(ctx, "r1")
		Expect(err).NotTo(HaveOccurred())
		Expect(released.User).To(BeNil())
		Expect(released.UsedFor).To(BeEmpty())
		Expect(released.UsePassword).To(BeEmpty())
		Expect(released.LastCheckIn).To(BeNil())
	})

	It("releasing an already-unreserved resource is a no-op, not an error", func() {
		released, err := alloc.ReleaseReservation(ctx, "r1")
		Expect(err).NotTo(HaveOccurred())
		Expect(released.User).To(BeNil())
	})
})
