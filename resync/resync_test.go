package resync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func emptyFrame(t *testing.T, dst, src uint16) []byte {
	t.Helper()
	header := []byte{5, 0x44, byte(dst), byte(dst >> 8), byte(src), byte(src >> 8)}
	buf := []byte{0x05, 0x64}
	return appendCRC(append(buf, header...), header)
}

func TestNextFrame_FindsFrameAfterGarbage(t *testing.T) {
	garbage := []byte{0x01, 0x02, 0x03}
	frame := emptyFrame(t, 4, 3)
	buf := append(append([]byte{}, garbage...), frame...)

	f, skipped, consumed, outcome := NextFrame(buf)
	require.Equal(t, OutcomeFrame, outcome)
	assert.Equal(t, len(garbage), skipped)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, uint16(4), f.Destination)
}

func TestNextFrame_NoMatchAwaitsMoreData(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03}
	_, _, _, outcome := NextFrame(buf)
	assert.Equal(t, OutcomeNeedMoreData, outcome)
}

func TestNextFrame_AdvancesOneByteAtATime(t *testing.T) {
	frame := emptyFrame(t, 1, 2)
	// A stray 0x05 byte that is not a real start-of-frame should be
	// skipped without losing the real frame that follows.
	buf := append([]byte{0x05}, frame...)

	f, skipped, _, outcome := NextFrame(buf)
	require.Equal(t, OutcomeFrame, outcome)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, uint16(1), f.Destination)
}
