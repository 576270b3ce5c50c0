// Package resync implements frame resynchronization (spec §4.1): given a
// byte buffer that may begin mid-frame or with garbage, it finds the
// next link frame by trying to parse one at offset 0 and, on failure,
// advancing one byte and trying again.
package resync

import (
	"github.com/dnp3scope/dissector/link"
	"github.com/dnp3scope/dissector/model"
)

// Outcome reports what NextFrame found.
type Outcome int

const (
	// OutcomeFrame: a frame was decoded. Skipped is the number of garbage
	// bytes discarded before it; Consumed is the frame's total length.
	OutcomeFrame Outcome = iota
	// OutcomeNeedMoreData: no frame could be confirmed from the bytes
	// available; the caller should retain the buffer and retry once more
	// data arrives. Skipped bytes may still have been identified as
	// garbage and can be discarded.
	OutcomeNeedMoreData
)

// NextFrame scans buf for the next link frame, one byte at a time.
func NextFrame(buf []byte) (frame model.Frame, skipped int, consumed int, outcome Outcome) {
	for offset := 0; offset < len(buf); offset++ {
		f, n, decision := link.ParseFrame(buf[offset:])
		switch decision {
		case link.Accept:
			return f, offset, n, OutcomeFrame
		case link.NeedMoreData:
			return model.Frame{}, offset, 0, OutcomeNeedMoreData
		case link.Reject:
			continue
		}
	}
	return model.Frame{}, len(buf), 0, OutcomeNeedMoreData
}
