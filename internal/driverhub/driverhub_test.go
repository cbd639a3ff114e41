package driverhub_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/driverhub"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/usbip"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver/virtualhere"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/plugin"
)

func TestDriverhub(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "driverhub Suite")
}

type fakeCommunicator struct{}

func (fakeCommunicator) Execute(ctx context.Context, command string) (communicator.Result, error) {
	return communicator.Result{ReturnCode: 0}, nil
}

func (fakeCommunicator) IsReachable(ctx context.Context) bool { return true }

func newHub() *driverhub.Hub {
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

var _ = Describe("Hub", func() {
	var hub *driverhub.Hub

	BeforeEach(func() {
		hub = newHub()
	})

	Describe("HostDriverFor", func() {
		It("instantiates the USB/IP host driver for a supported host", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeLinuxAMD64}
			hd, err := hub.HostDriverFor(host, usbip.Identifier)
			Expect(err).NotTo(HaveOccurred())
			Expect(hd.Identifier()).To(Equal(usbip.Identifier))
		})

		It("rejects a host type USB/IP does not support", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeWindows}
			_, err := hub.HostDriverFor(host, usbip.Identifier)
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unknown driver identifier", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeLinuxAMD64}
			_, err := hub.HostDriverFor(host, "NO_SUCH_DRIVER")
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unregistered communicator", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: "TELNET", HostType: model.HostTypeLinuxAMD64}
			_, err := hub.HostDriverFor(host, usbip.Identifier)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("HostDriversForHost", func() {
		It("returns every driver compatible with the host's communicator and type", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeDarwin}
			drivers, err := hub.HostDriversForHost(host)
			Expect(err).NotTo(HaveOccurred())
			Expect(drivers).To(HaveKey(virtualhere.Identifier))
			Expect(drivers).NotTo(HaveKey(usbip.Identifier)) // USB/IP doesn't support Darwin
		})
	})

	Describe("ShareDevice/UnshareDevice/RefreshDevice", func() {
		It("dispatches to the driver named by device.Driver", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeLinuxAMD64}
			device := model.Device{ID: "d1", HostID: "h1", Driver: usbip.Identifier, Config: []byte(`{"bus_id":"1-1"}`)}

			Expect(hub.ShareDevice(context.Background(), host, device)).To(Succeed())
			Expect(hub.RefreshDevice(context.Background(), host, device)).To(Succeed())
			Expect(hub.UnshareDevice(context.Background(), host, device)).To(Succeed())
		})
	})

	Describe("Nicknamer", func() {
		It("reports ok=false for a non-VirtualHere device", func() {
			host := model.RemoteHost{ID: "h1", Address: "10.0.0.1", Communicator: communicator.Identifier, HostType: model.HostTypeLinuxAMD64}
			device := model.Device{ID: "d1", HostID: "h1", Driver: usbip.Identifier, Config: []byte(`{"bus_id":"1-1"}`)}

			_, ok, err := hub.Nicknamer(context.Background(), host, device)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})
