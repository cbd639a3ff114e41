package plugin_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/plugin"
)

func TestPlugin(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "plugin Suite")
}

var usbipDescriptor = plugin.DriverDescriptor{
	Identifier:             "USBIP",
	SupportedCommunicators: []string{"SSH"},
	SupportedHostTypes:     []model.HostType{model.HostTypeLinuxAMD64},
	RequiredDeviceKeys:     []string{"bus_id"},
}

var _ = Describe("Registry", func() {
	var r *plugin.Registry

	BeforeEach(func() {
		r = plugin.NewRegistry()
	})

	It("looks up what was registered", func() {
		r.Register(plugin.KindHostDriver, "USBIP", usbipDescriptor, nil)

		entry, ok := r.Lookup(plugin.KindHostDriver, "USBIP")
		Expect(ok).To(BeTrue())
		Expect(entry.Descriptor).To(Equal(usbipDescriptor))
	})

	It("reports a miss for an unregistered identifier", func() {
		_, ok := r.Lookup(plugin.KindHostDriver, "nope")
		Expect(ok).To(BeFalse())
	})

	It("panics on a duplicate (kind, identifier) registration", func() {
		r.Register(plugin.KindHostDriver, "USBIP", usbipDescriptor, nil)
		Expect(func() {
			r.Register(plugin.KindHostDriver, "USBIP", usbipDescriptor, nil)
		}).To(Panic())
	})

	It("does not collide across different kinds with the same identifier", func() {
		r.Register(plugin.KindHostDriver, "USBIP", usbipDescriptor, nil)
		Expect(func() {
			r.Register(plugin.KindDeviceDriver, "USBIP", usbipDescriptor, nil)
		}).NotTo(Panic())
	})

	Describe("HostDriversFor", func() {
		It("returns only drivers supporting the communicator and host type, sorted by identifier", func() {
			r.Register(plugin.KindHostDriver, "VirtualHere", plugin.DriverDescriptor{
				Identifier:             "VirtualHere",
				SupportedCommunicators: []string{"SSH"},
				SupportedHostTypes:     []model.HostType{model.HostTypeLinuxAMD64, model.HostTypeDarwin},
			}, nil)
			r.Register(plugin.KindHostDriver, "USBIP", usbipDescriptor, nil)
			r.Register(plugin.KindHostDriver, "WindowsOnly", plugin.DriverDescriptor{
				Identifier:             "WindowsOnly",
				SupportedCommunicators: []string{"SSH"},
				SupportedHostTypes:     []model.HostType{model.HostTypeWindows},
			}, nil)

			matches := r.HostDriversFor("SSH", model.HostTypeLinuxAMD64)
			Expect(matches).To(HaveLen(2))
			Expect(matches[0].Descriptor.Identifier).To(Equal("USBIP"))
			Expect(matches[1].Descriptor.Identifier).To(Equal("VirtualHere"))
		})
	})

	Describe("ValidateDeviceConfig", func() {
		BeforeEach(func() {
			r.Register(plugin.KindDeviceDriver, "USBIP", usbipDescriptor, nil)
		})

		It("accepts a config with exactly the required keys", func() {
			problems := r.ValidateDeviceConfig("USBIP", map[string]any{"bus_id": "1-1"})
			Expect(problems).To(BeEmpty())
		})

		It("flags a missing required key", func() {
			problems := r.ValidateDeviceConfig("USBIP", map[string]any{})
			Expect(problems).To(ContainElement(ContainSubstring("missing required key")))
		})

		It("flags an unrecognized key", func() {
			problems := r.ValidateDeviceConfig("USBIP", map[string]any{"bus_id": "1-1", "extra": "x"})
			Expect(problems).To(ContainElement(ContainSubstring("unknown key")))
		})

		It("flags an unknown driver", func() {
			problems := r.ValidateDeviceConfig("nope", map[string]any{})
			Expect(problems).To(ContainElement(ContainSubstring("unknown driver")))
		})
	})
})
