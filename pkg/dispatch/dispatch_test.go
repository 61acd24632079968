package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/gv50ingest/pkg/device"
)

func testDispatcher() *Dispatcher {
	return New(Config{
		Password:    "gv50",
		PrimaryIP:   "203.0.113.1",
		PrimaryPort: 8000,
		BackupIP:    "203.0.113.2",
		BackupPort:  8001,
	})
}

func TestRenderBlockCommand(t *testing.T) {
	d := testDispatcher()
	wire, ok := d.Render(device.CommandIntent{IMEI: "X", Kind: device.CommandBlock})
	require.True(t, ok)
	assert.Equal(t, "AT+GTOUT=gv50,1,,,,,,0,,,,,,,0001$", wire)
	assert.True(t, d.InFlight("X"))
}

func TestRenderRefusesSecondCommandWhileInFlight(t *testing.T) {
	d := testDispatcher()
	_, ok := d.Render(device.CommandIntent{IMEI: "X", Kind: device.CommandBlock})
	require.True(t, ok)

	_, ok = d.Render(device.CommandIntent{IMEI: "X", Kind: device.CommandUnblock})
	assert.False(t, ok, "a fresh in-flight marker must gate a second command")
}

func TestRenderResendsAfterStaleMarker(t *testing.T) {
	d := testDispatcher()
	d.mu.Lock()
	d.inFlight["X"] = marker{kind: device.CommandBlock, sentAt: time.Now().Add(-61 * time.Second)}
	d.mu.Unlock()

	_, ok := d.Render(device.CommandIntent{IMEI: "X", Kind: device.CommandBlock})
	assert.True(t, ok, "a marker older than 60s must be treated as lost and resent")
}

func TestReleaseClearsInFlight(t *testing.T) {
	d := testDispatcher()
	d.Render(device.CommandIntent{IMEI: "X", Kind: device.CommandBlock})
	require.True(t, d.InFlight("X"))

	d.Release("X")
	assert.False(t, d.InFlight("X"))
}

func TestRenderIPChangeCommand(t *testing.T) {
	d := testDispatcher()
	wire, ok := d.Render(device.CommandIntent{IMEI: "X", Kind: device.CommandIPChange})
	require.True(t, ok)
	assert.Equal(t, "AT+GTSRI=gv50,3,,1,203.0.113.1,8000,203.0.113.2,8001,,60,0,0,0,,0,FFFF$", wire)
}
