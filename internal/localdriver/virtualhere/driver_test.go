package virtualhere

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usb-quartermaster/quartermaster/internal/localdriver"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

func TestNewRejectsMissingHostAddress(t *testing.T) {
	_, err := New(localdriver.Device{Name: "usb0", Config: map[string]any{"device_address": "1.1"}})
	require.Error(t, err)
	var driverErr *qmerrors.LocalDriverError
	assert.ErrorAs(t, err, &driverErr)
}

func TestNewRejectsMissingDeviceAddress(t *testing.T) {
	_, err := New(localdriver.Device{Name: "usb0", Config: map[string]any{"host_address": "10.0.0.1"}})
	require.Error(t, err)
}

func TestNewBuildsDriverFromValidConfig(t *testing.T) {
	drv, err := New(localdriver.Device{Name: "usb0", Config: map[string]any{"host_address": "10.0.0.1", "device_address": "1.1"}})
	require.NoError(t, err)
	d := drv.(*Driver)
	assert.Equal(t, "10.0.0.1", d.hostAddress)
	assert.Equal(t, "1.1", d.deviceAddress)
}

func TestOkMatcherRecognizesOkLineAmongOtherOutput(t *testing.T) {
	assert.True(t, okMatcher.MatchString("some preamble\nOK\n"))
	assert.False(t, okMatcher.MatchString("FAILED: device not found"))
}
