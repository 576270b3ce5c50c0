// Package transport implements the DNP3 transport-segment grammar: a
// single header byte (FIN, FIR, a 6-bit SEQ) prefixing the remainder of
// one link-layer payload (spec §6, "transport_segment"). A transport
// segment never spans more than one link frame, so parsing it is a
// one-shot, non-streaming operation.
package transport

import (
	"github.com/pkg/errors"

	"github.com/dnp3scope/dissector/internal/mempool"
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/model"
)

const (
	finMask = 0x80
	firMask = 0x40
	seqMask = 0x3F
)

// ErrEmptyPayload is returned when a link payload is too short to even
// contain a transport header byte.
var ErrEmptyPayload = errors.New("transport: empty link payload")

// ParseSegment decodes one transport segment from a link frame's
// payload. The segment's body is copied into storage drawn from pool,
// so it remains valid independent of whatever backs payload.
func ParseSegment(payload memview.MemView, pool mempool.BufferPool) (model.Segment, error) {
	if payload.Len() == 0 {
		return model.Segment{}, ErrEmptyPayload
	}

	header := payload.GetByte(0)
	body := payload.SubView(1, payload.Len())

	buf := pool.NewBuffer()
	if _, err := buf.ReadFrom(body.CreateReader()); err != nil {
		return model.Segment{}, errors.Wrap(err, "transport: buffering segment payload")
	}

	return model.Segment{
		Fir:     header&firMask != 0,
		Fin:     header&finMask != 0,
		Seq:     header & seqMask,
		Len:     int(body.Len()),
		Payload: buf.Bytes(),
	}, nil
}
