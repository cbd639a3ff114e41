package virtualhere

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usb-quartermaster/quartermaster/internal/communicator"
	"github.com/usb-quartermaster/quartermaster/internal/hostdriver"
	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

type scriptedComm struct {
	responses map[string]communicator.Result
	executed  []string
}

func (c *scriptedComm) Execute(ctx context.Context, command string) (communicator.Result, error) {
	c.executed = append(c.executed, command)
	if res, ok := c.responses[command]; ok {
		return res, nil
	}
	return communicator.Result{ReturnCode: 0}, nil
}

func (c *scriptedComm) IsReachable(ctx context.Context) bool { return true }

const clientBin = "vhclientx86_64"

func cmd(c string) string { return wrapCommand(clientBin, c, model.HostTypeLinuxAMD64) }

func deviceConfig(t *testing.T, address string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(Config{Address: address})
	require.NoError(t, err)
	return raw
}

const stateWithOneUnusedDevice = `<state>
  <connection ip="127.0.0.1" hostname="testhost">
    <device address="1.1" nickname="widget" state="1"/>
  </connection>
</state>`

const stateWithOneInUseDevice = `<state>
  <connection ip="127.0.0.1" hostname="testhost">
    <device address="1.1" nickname="widget" state="3"/>
  </connection>
</state>`

const stateWithNoHubConnection = `<state></state>`

func TestGetDeviceListReturnsHubDevices(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"): {ReturnCode: 0, Stdout: stateWithOneUnusedDevice},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	devices, err := h.GetDeviceList(context.Background())
	require.NoError(t, err)
	require.Contains(t, devices, "testhost.1.1")
	assert.Equal(t, "widget", devices["testhost.1.1"].Nickname)
	assert.False(t, devices["testhost.1.1"].Shared)
}

func TestSnapshotIssuesManualHubAddWhenHubConnectionMissing(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"):         {ReturnCode: 0, Stdout: stateWithNoHubConnection},
		cmd("MANUAL HUB ADD,127.0.0.1"): {ReturnCode: 0},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	_, err := h.snapshot(context.Background())
	// the fixture still reports no connection on the retry, so this exercises
	// the "gave up after MANUAL HUB ADD" error path
	require.Error(t, err)
	assert.Contains(t, comm.executed, cmd("MANUAL HUB ADD,127.0.0.1"))
}

func TestRunVHClientDetectsClientServiceDown(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"): {ReturnCode: 1, Stderr: "No response from IPC server"},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	_, err := h.GetDeviceList(context.Background())
	require.Error(t, err)
	var cmdErr *qmerrors.HostCommandError
	assert.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "client service not running", cmdErr.StderrExcerpt)
}

func TestReconcileUnsharesAnInUseDeviceNoLongerWanted(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"):        {ReturnCode: 0, Stdout: stateWithOneInUseDevice},
		cmd("STOP USING,testhost.1.1"): {ReturnCode: 0},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	device := model.Device{ID: "d1", Driver: Identifier, Config: deviceConfig(t, "testhost.1.1")}
	obs := h.Reconcile(context.Background(), []hostdriver.ReconcileItem{{Device: device, WantShared: false}})

	require.Len(t, obs, 1)
	assert.True(t, obs[0].ActualOnline)
	assert.False(t, obs[0].ActualShared)
	assert.NoError(t, obs[0].Err)
	assert.Contains(t, comm.executed, cmd("STOP USING,testhost.1.1"))
}

func TestReconcileShareIsANoOp(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"): {ReturnCode: 0, Stdout: stateWithOneUnusedDevice},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	device := model.Device{ID: "d1", Driver: Identifier, Config: deviceConfig(t, "testhost.1.1")}
	obs := h.Reconcile(context.Background(), []hostdriver.ReconcileItem{{Device: device, WantShared: true}})

	require.Len(t, obs, 1)
	assert.NoError(t, obs[0].Err)
	for _, executed := range comm.executed {
		assert.NotContains(t, executed, "STOP USING")
	}
}

func TestRenameUpdatesObservedNickname(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"):                   {ReturnCode: 0, Stdout: stateWithOneUnusedDevice},
		cmd("DEVICE RENAME,testhost.1.1,new-name"): {ReturnCode: 0},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	device := model.Device{ID: "d1", Driver: Identifier, Config: deviceConfig(t, "testhost.1.1")}
	dd, err := h.DeviceDriverFor(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, "widget", dd.ObservedNickname())

	require.NoError(t, dd.Rename(context.Background(), "new-name"))
	assert.Equal(t, "new-name", dd.ObservedNickname())
}

func TestDeviceDriverOfflineWhenAbsentFromHub(t *testing.T) {
	comm := &scriptedComm{responses: map[string]communicator.Result{
		cmd("GET CLIENT STATE"): {ReturnCode: 0, Stdout: stateWithOneUnusedDevice},
	}}
	h := NewHostDriver("10.0.0.1", comm, model.HostTypeLinuxAMD64)

	device := model.Device{ID: "d1", Driver: Identifier, Config: deviceConfig(t, "9.9")}
	dd, err := h.DeviceDriverFor(context.Background(), device)
	require.NoError(t, err)
	assert.False(t, dd.IsOnline())
}
