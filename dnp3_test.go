package dnp3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dataBlockLen = 16

func crc16(data []byte) uint16 {
	const poly = 0xA6BC
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFF
}

func appendCRC(buf, data []byte) []byte {
	crc := crc16(data)
	return append(buf, byte(crc), byte(crc>>8))
}

// buildFrame constructs a well-formed link frame, control byte 0x44
// (UNCONFIRMED_USER_DATA), carrying userData as its transport-layer body.
func buildFrame(dst, src uint16, userData []byte) []byte {
	header := []byte{
		byte(5 + len(userData)),
		0x44,
		byte(dst), byte(dst >> 8),
		byte(src), byte(src >> 8),
	}

	buf := []byte{0x05, 0x64}
	buf = appendCRC(append(buf, header...), header)

	for i := 0; i < len(userData); i += dataBlockLen {
		end := i + dataBlockLen
		if end > len(userData) {
			end = len(userData)
		}
		block := userData[i:end]
		buf = appendCRC(append(buf, block...), block)
	}
	return buf
}

// transportSegment builds a one-byte transport header plus body.
func transportSegment(fir, fin bool, seq byte, body []byte) []byte {
	header := seq & 0x3F
	if fir {
		header |= 0x40
	}
	if fin {
		header |= 0x80
	}
	return append([]byte{header}, body...)
}

func TestInstance_FeedSingleFrameFiresFragment(t *testing.T) {
	var gotFragment Fragment
	var gotFragmentOK bool

	hooks := Hooks{
		AppFragment: func(src, dst uint16, frag Fragment, rawFrames []byte) {
			gotFragment = frag
			gotFragmentOK = true
		},
	}
	inst := Create(NewConfig(WithHooks(hooks)))

	app := []byte{0xC0, 0x81, 0x00, 0x00} // RESPONSE function code
	seg := transportSegment(true, true, 0, app)
	inst.Feed(buildFrame(2, 1, seg))

	require.True(t, gotFragmentOK)
	assert.Equal(t, FragmentResponse, gotFragment.Kind)
	assert.Equal(t, 1, inst.ActiveContexts())
}

func TestInstance_FeedAcrossMultipleCallsReassembles(t *testing.T) {
	var gotFragment Fragment
	var gotFragmentOK bool

	hooks := Hooks{
		AppFragment: func(src, dst uint16, frag Fragment, rawFrames []byte) {
			gotFragment = frag
			gotFragmentOK = true
		},
	}
	inst := Create(NewConfig(WithHooks(hooks)))

	first := transportSegment(true, false, 0, []byte{0xC0, 0x81})
	inst.Feed(buildFrame(2, 1, first))
	assert.False(t, gotFragmentOK)

	// Deliver the frame's bytes one at a time, exercising resync's
	// partial-buffer accumulation across Feed calls.
	second := buildFrame(2, 1, transportSegment(false, true, 1, []byte{0x00, 0x00}))
	for _, b := range second {
		inst.Feed([]byte{b})
	}

	require.True(t, gotFragmentOK)
	assert.Equal(t, FragmentResponse, gotFragment.Kind)
}

func TestInstance_FeedSkipsGarbageBeforeFrame(t *testing.T) {
	var fragments int
	inst := Create(NewConfig(WithHooks(Hooks{
		AppFragment: func(src, dst uint16, frag Fragment, rawFrames []byte) { fragments++ },
	})))

	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	frame := buildFrame(2, 1, transportSegment(true, true, 0, []byte{0xC0, 0x81, 0x00, 0x00}))

	inst.Feed(append(garbage, frame...))
	assert.Equal(t, 1, fragments)
}

func TestInstance_StatsReportsPendingBytes(t *testing.T) {
	inst := Create(NewConfig())

	frame := buildFrame(2, 1, transportSegment(true, false, 0, []byte{0xC0}))
	inst.Feed(frame) // FIR without FIN: awaits a continuation, nothing to resync past it

	stats := inst.Stats()
	assert.Equal(t, 1, stats.ActiveContexts)
	assert.Equal(t, 0, stats.PendingBytes)
}

func TestInstance_SweepReportsInFlightContexts(t *testing.T) {
	inst := Create(NewConfig())

	frame := buildFrame(2, 1, transportSegment(true, false, 0, []byte{0xC0}))
	inst.Feed(frame)

	summary := inst.Sweep(time.Now(), time.Hour)
	require.Len(t, summary, 1)
	assert.Equal(t, uint16(1), summary[0].Source)
	assert.Equal(t, uint16(2), summary[0].Destination)
	assert.True(t, summary[0].HasInFlight)
}

func TestInstance_FinishAbandonsInFlightReassembly(t *testing.T) {
	inst := Create(NewConfig())

	frame := buildFrame(2, 1, transportSegment(true, false, 0, []byte{0xC0}))
	inst.Feed(frame)
	require.True(t, inst.Sweep(time.Now(), time.Hour)[0].HasInFlight)

	inst.Finish()
	assert.False(t, inst.Sweep(time.Now(), time.Hour)[0].HasInFlight)
}

func TestInstance_MaxContextsEvicts(t *testing.T) {
	inst := Create(NewConfig(WithMaxContexts(1)))

	inst.Feed(buildFrame(2, 1, transportSegment(true, true, 0, []byte{0xC0, 0x81, 0x00, 0x00})))
	inst.Feed(buildFrame(4, 3, transportSegment(true, true, 0, []byte{0xC0, 0x81, 0x00, 0x00})))

	assert.Equal(t, 1, inst.ActiveContexts())
}

func TestNewConfig_DefaultsAndOptions(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, DefaultMaxContexts, cfg.MaxContexts)
	assert.Equal(t, DefaultBufLen, cfg.BufLen)

	cfg2 := NewConfig(WithMaxContexts(10), WithBufLen(64))
	assert.Equal(t, 10, cfg2.MaxContexts)
	assert.Equal(t, 64, cfg2.BufLen)
}
