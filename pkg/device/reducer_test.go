package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/gv50ingest/pkg/protocol/gv50"
)

func neverInFlight(string) bool { return false }

func TestReduceBatteryBoundaryStrictInequality(t *testing.T) {
	msg := gv50.Message{Category: gv50.CategoryResp, ReportType: gv50.ReportEPS, IMEI: "X", BatteryVolts: 11.5, HasBattery: true}
	res := Reduce(msg, time.Now(), nil, neverInFlight, 11.5, 10*time.Minute)
	require.NotNil(t, res.DeviceUpdate.BatteryLow)
	assert.False(t, *res.DeviceUpdate.BatteryLow, "exactly the threshold must not be low (strict inequality)")
}

func TestReduceLowBatteryNotifiesOnce(t *testing.T) {
	now := time.Now()
	msg := gv50.Message{Category: gv50.CategoryResp, ReportType: gv50.ReportEPS, IMEI: "X", BatteryVolts: 11.2, HasBattery: true}
	res := Reduce(msg, now, nil, neverInFlight, 11.5, 10*time.Minute)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, "low_battery", res.Notifications[0].EventType)
}

func TestReduceLowBatteryDedupSuppressesWithinWindow(t *testing.T) {
	now := time.Now()
	current := &Device{IMEI: "X", LastBatteryAlertAt: now.Add(-2 * time.Minute)}
	msg := gv50.Message{Category: gv50.CategoryResp, ReportType: gv50.ReportEPS, IMEI: "X", BatteryVolts: 11.0, HasBattery: true}
	res := Reduce(msg, now, current, neverInFlight, 11.5, 10*time.Minute)
	assert.Empty(t, res.Notifications, "a second low-battery alert within the dedup window must be suppressed")
}

func TestReduceBuffNeverMutatesDeviceRow(t *testing.T) {
	msg := gv50.Message{
		Category: gv50.CategoryBuff, ReportType: gv50.ReportFRI, IMEI: "X",
		HasDeviceTime: true, DeviceTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	res := Reduce(msg, time.Now(), nil, neverInFlight, 11.5, 10*time.Minute)
	require.NotNil(t, res.Telemetry)
	assert.Equal(t, msg.DeviceTime, res.Telemetry.ServerTime, "BUFF server_ts must equal device_ts")
	assert.Nil(t, res.DeviceUpdate.LastSeenAt, "BUFF frames must not mutate the device row")
	assert.Nil(t, res.DeviceUpdate.IgnitionOn)
}

func TestReduceGTOUTAckClearsPendingAndReleases(t *testing.T) {
	pending := true
	current := &Device{IMEI: "X", BlockCmdPending: &pending}
	msg := gv50.Message{Category: gv50.CategoryAck, ReportType: gv50.ReportOUT, IMEI: "X", Status: "0000", Blocked: true}
	res := Reduce(msg, time.Now(), current, neverInFlight, 11.5, 10*time.Minute)

	assert.True(t, res.Release)
	assert.Equal(t, CommandBlock, res.ReleaseKind)
	require.NotNil(t, res.DeviceUpdate.Blocked)
	assert.True(t, *res.DeviceUpdate.Blocked)
	assert.True(t, res.DeviceUpdate.ClearBlockCmdPending)
}

func TestReduceGTOUTNonZeroStatusConsumesPendingWithoutBlocking(t *testing.T) {
	pending := true
	current := &Device{IMEI: "X", BlockCmdPending: &pending}
	msg := gv50.Message{Category: gv50.CategoryAck, ReportType: gv50.ReportOUT, IMEI: "X", Status: "0002"}
	res := Reduce(msg, time.Now(), current, neverInFlight, 11.5, 10*time.Minute)

	assert.True(t, res.DeviceUpdate.ClearBlockCmdPending, "a success-variant status must still consume the pending intent")
	assert.True(t, res.Release)
	assert.Nil(t, res.DeviceUpdate.Blocked, "blocked only transitions on status 0000")
	assert.Empty(t, res.Notifications)
}

func TestReduceGTOUTAckWithoutPendingIsInformative(t *testing.T) {
	current := &Device{IMEI: "X"}
	msg := gv50.Message{Category: gv50.CategoryAck, ReportType: gv50.ReportOUT, IMEI: "X", Status: "0000", Blocked: true}
	res := Reduce(msg, time.Now(), current, neverInFlight, 11.5, 10*time.Minute)

	assert.False(t, res.Release)
	assert.Nil(t, res.DeviceUpdate.Blocked)
	assert.Empty(t, res.Notifications)
}

func TestReduceCommandDecisionEmitsBlock(t *testing.T) {
	pending := true
	current := &Device{IMEI: "X", BlockCmdPending: &pending}
	msg := gv50.Message{Category: gv50.CategoryResp, ReportType: gv50.ReportHBD, IMEI: "X"}
	res := Reduce(msg, time.Now(), current, neverInFlight, 11.5, 10*time.Minute)

	require.NotNil(t, res.Command)
	assert.Equal(t, CommandBlock, res.Command.Kind)
}

func TestReduceCommandDecisionGatedByInFlight(t *testing.T) {
	pending := true
	current := &Device{IMEI: "X", BlockCmdPending: &pending}
	alwaysInFlight := func(string) bool { return true }
	msg := gv50.Message{Category: gv50.CategoryResp, ReportType: gv50.ReportHBD, IMEI: "X"}
	res := Reduce(msg, time.Now(), current, alwaysInFlight, 11.5, 10*time.Minute)

	assert.Nil(t, res.Command, "no second command while one is already in flight")
}

func TestReduceIgnitionOnSetsFlagAndNotifies(t *testing.T) {
	msg := gv50.Message{Category: gv50.CategoryResp, ReportType: gv50.ReportIGN, IMEI: "X"}
	res := Reduce(msg, time.Now(), nil, neverInFlight, 11.5, 10*time.Minute)

	require.NotNil(t, res.DeviceUpdate.IgnitionOn)
	assert.True(t, *res.DeviceUpdate.IgnitionOn)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, "ignition_on", res.Notifications[0].EventType)
}
