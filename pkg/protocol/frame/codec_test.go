package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecoderSplitAcrossReads(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte("+RESP:GTFRI,22"))
	_, ok, err := d.Next()
	require.NoError(t, err)
	require.False(t, ok)

	d.Feed([]byte("0100,...,865083030049613$"))
	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "+RESP:GTFRI,220100,...,865083030049613$", f)
}

func TestDecoderTwoFramesOneRead(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte("+RESP:GTHBD,1,865083030049613$+RESP:GTHBD,1,865083030049613$"))

	var frames []string
	err := d.Drain(func(f string) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestDecoderOverflowClearsBuffer(t *testing.T) {
	d := NewDecoder(16)
	d.Feed([]byte("+RESP:GTFRI,this is way more than sixteen bytes without a terminator"))
	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBufferOverflow)

	// Buffer must actually be cleared: feeding a fresh, valid frame works.
	d.Feed([]byte("+RESP:GTHBD,1,X$"))
	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "+RESP:GTHBD,1,X$", f)
}

func TestDecoderDropsGarbageBeforeFrameStart(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte("garbage-noise+RESP:GTHBD,1,X$"))
	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "+RESP:GTHBD,1,X$", f)
}

func TestAckFormat(t *testing.T) {
	ts := time.Date(2025, 7, 27, 12, 26, 5, 0, time.UTC)
	got := Ack("GTFRI", "220100", "865083030049613", "0001", ts)
	assert.Equal(t, "+ACK:GTFRI,220100,865083030049613,,0001,20250727122605,11F0$", got)
}

func TestGTOUTCommandFormat(t *testing.T) {
	assert.Equal(t, "AT+GTOUT=gv50,1,,,,,,0,,,,,,,0001$", GTOUTCommand("gv50", Block))
	assert.Equal(t, "AT+GTOUT=gv50,0,,,,,,0,,,,,,,0000$", GTOUTCommand("gv50", Unblock))
}

func TestGTSRICommandFormat(t *testing.T) {
	got := GTSRICommand("gv50", "203.0.113.1", 8000, "203.0.113.2", 8001)
	assert.Equal(t, "AT+GTSRI=gv50,3,,1,203.0.113.1,8000,203.0.113.2,8001,,60,0,0,0,,0,FFFF$", got)
}

// TestDecoderNeverPanics is a property check that Feed+Drain on arbitrary
// byte soup never panics and never yields a frame without both delimiters.
func TestDecoderNeverPanics(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := NewDecoder(0)
		chunk := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(rt, "chunk")
		d.Feed(chunk)
		_ = d.Drain(func(f string) error {
			if len(f) < 2 || f[0] != '+' || f[len(f)-1] != '$' {
				rt.Fatalf("malformed frame yielded: %q", f)
			}
			return nil
		})
	})
}
