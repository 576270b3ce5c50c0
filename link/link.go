// Package link implements the DNP3 data-link frame grammar: the
// collaborator parser assumed available by the dissector core (spec §6,
// "link_frame"). It validates the start-of-frame sentinel, the header
// block CRC, and each user-data block CRC, setting Frame.Payload absent
// when a data-block CRC fails without discarding the frame itself.
package link

import (
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/internal/optionals"
	"github.com/dnp3scope/dissector/model"
)

const (
	startByte0 = 0x05
	startByte1 = 0x64

	headerBlockLen = 6 // length, control, dest(2), src(2); with the 2 start bytes and its CRC = 10
	headerCRCLen   = 2
	maxUserDataLen = 250
	dataBlockLen   = 16
)

// Decision mirrors a classic streaming-parser trichotomy: Accept (a frame
// was fully decoded), NeedMoreData (the input might be a valid frame
// start but is truncated), or Reject (the input cannot begin a valid
// frame at all).
type Decision int

const (
	NeedMoreData Decision = iota
	Accept
	Reject
)

// ParseFrame attempts to decode one link frame starting at offset 0 of
// buf. consumed is only meaningful when decision == Accept, and gives the
// number of bytes occupied by the frame (header block + all data
// blocks, CRCs included).
func ParseFrame(buf []byte) (frame model.Frame, consumed int, decision Decision) {
	if len(buf) < 2 {
		return model.Frame{}, 0, NeedMoreData
	}
	if buf[0] != startByte0 || buf[1] != startByte1 {
		return model.Frame{}, 0, Reject
	}

	const headerTotalLen = 2 + headerBlockLen + headerCRCLen // start bytes + header + its CRC
	if len(buf) < headerTotalLen {
		return model.Frame{}, 0, NeedMoreData
	}

	header := buf[2 : 2+headerBlockLen]
	headerCRC := buf[2+headerBlockLen : headerTotalLen]
	if crc16(header) != le16(headerCRC) {
		// We cannot trust the length field without a valid header CRC, so
		// this cannot be treated as a (possibly corrupt) frame at all.
		return model.Frame{}, 0, Reject
	}

	length := int(header[0])
	if length < 5 {
		return model.Frame{}, 0, Reject
	}
	userDataLen := length - 5
	if userDataLen > maxUserDataLen {
		return model.Frame{}, 0, Reject
	}

	control := header[1]
	destination := le16(header[2:4])
	source := le16(header[4:6])

	numFullBlocks := userDataLen / dataBlockLen
	remainder := userDataLen % dataBlockLen

	total := headerTotalLen + numFullBlocks*(dataBlockLen+headerCRCLen)
	if remainder > 0 {
		total += remainder + headerCRCLen
	}
	if len(buf) < total {
		return model.Frame{}, 0, NeedMoreData
	}

	payload := make([]byte, 0, userDataLen)
	crcOK := true
	pos := headerTotalLen
	for i := 0; i < numFullBlocks; i++ {
		block := buf[pos : pos+dataBlockLen]
		blockCRC := buf[pos+dataBlockLen : pos+dataBlockLen+headerCRCLen]
		if crc16(block) != le16(blockCRC) {
			crcOK = false
		}
		payload = append(payload, block...)
		pos += dataBlockLen + headerCRCLen
	}
	if remainder > 0 {
		block := buf[pos : pos+remainder]
		blockCRC := buf[pos+remainder : pos+remainder+headerCRCLen]
		if crc16(block) != le16(blockCRC) {
			crcOK = false
		}
		payload = append(payload, block...)
		pos += remainder + headerCRCLen
	}

	frame = model.Frame{
		Func:        model.FunctionCode(control & 0x0F),
		Source:      source,
		Destination: destination,
		Len:         length,
	}
	if crcOK {
		frame.Payload = optionals.Some(memview.New(payload))
	}

	return frame, total, Accept
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// crc16 computes the CRC-16/DNP checksum used by every link-layer block:
// polynomial 0x3D65, reflected, initial value 0, final XOR 0xFFFF.
func crc16(data []byte) uint16 {
	const reflectedPoly = 0xA6BC
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ reflectedPoly
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFF
}
