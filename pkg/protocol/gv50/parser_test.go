package gv50

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGTFRI(t *testing.T) {
	raw := "+RESP:GTFRI,220100,865083030049613,,,,,45.6,70.5,,12.3,-73.123456,40.654321,,20250727122600,0000,0001$"
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, CategoryResp, msg.Category)
	assert.Equal(t, ReportFRI, msg.ReportType)
	assert.Equal(t, "865083030049613", msg.IMEI)
	assert.True(t, msg.Location.HasFix)
	assert.InDelta(t, 70.5, msg.Location.Speed, 0.001)
	assert.InDelta(t, -73.123456, msg.Location.Longitude, 0.000001)
	require.True(t, msg.HasDeviceTime)
	assert.Equal(t, 2025, msg.DeviceTime.Year())
}

func TestParseGTIGNLocationFields(t *testing.T) {
	raw := "+RESP:GTIGN,220100,865083030049613,,,,70.5,45.6,12.3,-73.123456,40.654321,20250727122600$"
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "865083030049613", msg.IMEI)
	assert.Equal(t, ReportIGN, msg.ReportType)
	assert.True(t, msg.Location.HasFix)
}

func TestParseGTOUTStatusZero(t *testing.T) {
	msg, err := Parse("+ACK:GTOUT,220100,865083030049613,,0000$")
	require.NoError(t, err)
	assert.Equal(t, "0000", msg.Status)
	assert.True(t, msg.Blocked)
}

func TestParseGTOUTNonZeroStatus(t *testing.T) {
	msg, err := Parse("+ACK:GTOUT,220100,865083030049613,,0001$")
	require.NoError(t, err)
	assert.Equal(t, "0001", msg.Status)
	assert.False(t, msg.Blocked)
}

func TestParseGTSRIAck(t *testing.T) {
	msg, err := Parse("+ACK:GTSRI,220100,865083030049613,,0000$")
	require.NoError(t, err)
	assert.True(t, msg.IPChangeOK)
}

func TestParseGTSTTMotionCode(t *testing.T) {
	msg, err := Parse("+RESP:GTSTT,220100,865083030049613,,11$")
	require.NoError(t, err)
	assert.Equal(t, "11", msg.MotionCode)
	assert.True(t, IsMoving(msg.MotionCode))
}

func TestParseGTHBD(t *testing.T) {
	msg, err := Parse("+ACK:GTHBD,220100,865083030049613$")
	require.NoError(t, err)
	assert.Equal(t, "865083030049613", msg.IMEI)
}

func TestParseUnrecognizedHeader(t *testing.T) {
	_, err := Parse("+RESP:GTXXX,220100,,865083030049613$")
	require.Error(t, err)
	var unrec ErrUnrecognized
	require.ErrorAs(t, err, &unrec)
	assert.Equal(t, "GTXXX", unrec.Header)
}

func TestDeviceTimestampBoundaries(t *testing.T) {
	_, ok := deviceTimestamp("0000")
	assert.False(t, ok, "literal 0000 must yield null")

	_, ok = deviceTimestamp("")
	assert.False(t, ok, "empty must yield null")

	_, ok = deviceTimestamp("20250732120000") // day 32 invalid
	assert.False(t, ok)

	ts, ok := deviceTimestamp("20250727122605")
	require.True(t, ok)
	assert.Equal(t, 2025, ts.Year())
}

func TestParseEPSBatteryVoltage(t *testing.T) {
	raw := "+RESP:GTEPS,220100,865083030049613,,,,70.5,45.6,12.3,-73.123456,40.654321,20250727122600,,,,,,11.20$"
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.InDelta(t, 11.20, msg.BatteryVolts, 0.001)
	assert.True(t, msg.HasBattery)
}
