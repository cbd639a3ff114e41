package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/usb-quartermaster/quartermaster/internal/logging"
)

func TestNewReturnsAUsableLogger(t *testing.T) {
	log := logging.New(false)
	assert.NotPanics(t, func() {
		log.Info("hello")
		log.WithName("test").Error(nil, "world")
	})
}

func TestNewDebugReturnsAUsableLogger(t *testing.T) {
	log := logging.New(true)
	assert.NotPanics(t, func() {
		log.V(1).Info("debug message")
	})
}
