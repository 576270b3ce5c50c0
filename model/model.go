// Package model holds the wire-level data types shared by every stage of
// the dissector pipeline: the link-layer Frame, the transport-layer
// Segment, and the opaque application Fragment.
package model

import (
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/internal/optionals"
)

// FunctionCode is a DNP3 data-link function code (IEEE 1815 Table 9-1,
// primary function code subset relevant to this dissector).
type FunctionCode byte

const (
	FuncUnconfirmedUserData FunctionCode = 0x04
	FuncConfirmedUserData   FunctionCode = 0x03
)

func (f FunctionCode) String() string {
	switch f {
	case FuncUnconfirmedUserData:
		return "UNCONFIRMED_USER_DATA"
	case FuncConfirmedUserData:
		return "CONFIRMED_USER_DATA"
	default:
		return "UNKNOWN"
	}
}

// Frame is a decoded link-layer PDU.
type Frame struct {
	Func        FunctionCode
	Source      uint16
	Destination uint16

	// Payload is absent iff the frame's CRCs failed to validate.
	Payload optionals.Optional[memview.MemView]

	Len int
}

// Segment is a decoded transport-layer PDU. Two Segments are equal iff all
// fields, including byte-exact payload, match.
type Segment struct {
	Fir     bool
	Fin     bool
	Seq     uint8 // 6 bits, 0..63
	Len     int
	Payload memview.MemView
}

// Equal reports whether s and other carry identical fields, including a
// byte-exact payload comparison.
func (s Segment) Equal(other Segment) bool {
	return s.Fir == other.Fir &&
		s.Fin == other.Fin &&
		s.Seq == other.Seq &&
		s.Len == other.Len &&
		s.Payload.Equal(other.Payload)
}

// NextSeq reports whether other.Seq immediately follows s.Seq in the
// 6-bit modular sequence space.
func (s Segment) NextSeq(other Segment) bool {
	return other.Seq == (s.Seq+1)%64
}

// Fragment is a decoded application-layer message. It is opaque to the
// core dissector; the application grammar may also report an ErrorToken
// in place of a Fragment, or fail outright.
type Fragment struct {
	// Kind distinguishes a request fragment from a response fragment, as
	// determined by the application grammar.
	Kind FragmentKind

	// Raw is the complete reassembled payload this fragment was parsed
	// from, kept for callers that want to re-render or archive it.
	Raw memview.MemView
}

type FragmentKind int

const (
	FragmentRequest FragmentKind = iota
	FragmentResponse
)

// ErrorKind identifies a recognized-but-invalid application message, as
// opposed to a total parse failure.
type ErrorKind int

const (
	ErrorKindUnknownFunction ErrorKind = iota
	ErrorKindMalformedObjectHeader
	ErrorKindTruncated
)

func (e ErrorKind) String() string {
	switch e {
	case ErrorKindUnknownFunction:
		return "unknown function code"
	case ErrorKindMalformedObjectHeader:
		return "malformed object header"
	case ErrorKindTruncated:
		return "truncated application fragment"
	default:
		return "unrecognized error"
	}
}
