package model_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/usb-quartermaster/quartermaster/internal/model"
)

func TestModel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "model Suite")
}

var _ = Describe("Resource", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	})

	Describe("InUse", func() {
		It("is false with no user", func() {
			r := model.Resource{}
			Expect(r.InUse()).To(BeFalse())
		})

		It("is true once a user is set", func() {
			user := "alice"
			r := model.Resource{User: &user}
			Expect(r.InUse()).To(BeTrue())
		})
	})

	Describe("Expired", func() {
		It("is never expired without a check-in", func() {
			r := model.Resource{}
			Expect(r.Expired(now, time.Hour, time.Minute)).To(BeFalse())
		})

		It("expires once the check-in deadline has passed", func() {
			checkIn := now.Add(-2 * time.Minute)
			r := model.Resource{LastCheckIn: &checkIn}
			Expect(r.Expired(now, 8*time.Hour, time.Minute)).To(BeTrue())
		})

		It("expires once the reservation-max deadline has passed even with recent check-ins", func() {
			checkIn := now.Add(-time.Second)
			reserved := now.Add(-9 * time.Hour)
			r := model.Resource{LastCheckIn: &checkIn, LastReserved: &reserved}
			Expect(r.Expired(now, 8*time.Hour, time.Minute)).To(BeTrue())
		})

		It("is not expired while within both deadlines", func() {
			checkIn := now.Add(-time.Second)
			reserved := now.Add(-time.Minute)
			r := model.Resource{LastCheckIn: &checkIn, LastReserved: &reserved}
			Expect(r.Expired(now, 8*time.Hour, 5*time.Minute)).To(BeFalse())
		})
	})
})

var _ = Describe("IsOnline", func() {
	It("is false for an empty device set", func() {
		Expect(model.IsOnline(nil)).To(BeFalse())
	})

	It("is true only when every device is online", func() {
		devices := []model.Device{{Online: true}, {Online: true}}
		Expect(model.IsOnline(devices)).To(BeTrue())

		devices = append(devices, model.Device{Online: false})
		Expect(model.IsOnline(devices)).To(BeFalse())
	})
})
