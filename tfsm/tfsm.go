// Package tfsm implements the transport-layer reassembly state machine
// of spec §4.3: the regular language
//
//	( A+ [+=]* ( Z | [^AZ+=] ) | [^A] )*
//
// over the token alphabet produced by package token. A Machine holds the
// state of exactly one in-flight top-level match; once that match
// completes (or is abandoned) the driver is expected to discard it and
// start a fresh one for whatever tokens remain, mirroring how
// package ctxtable clears Context.Tfun on every match.
package tfsm

import (
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/model"
	"github.com/dnp3scope/dissector/token"
)

// MatchKind distinguishes a successfully reassembled series from one
// that was aborted mid-stream.
type MatchKind int

const (
	// MatchValid means the series ended in Z: Payload holds the
	// concatenated bytes of the winning FIR segment followed by each
	// non-duplicate continuation segment, in arrival order.
	MatchValid MatchKind = iota
	// MatchAborted means the series ended in a gap, a non-identical
	// repeat, or a lone stray continuation token: no payload is produced.
	MatchAborted
)

// Result is what FeedChunk returns after consuming some prefix of its
// input tokens.
type Result struct {
	// Matched is false when every token offered was consumed without
	// completing a top-level alternative; the Machine must be fed more
	// tokens (from a later transport segment) before it can report
	// anything.
	Matched bool

	// Consumed is the number of leading tokens of the slice passed to
	// FeedChunk that were consumed. It is meaningful only when Matched is
	// true, or in the Matched-false case where it always equals the full
	// length of the input (everything was consumed without resolving).
	Consumed int

	Kind    MatchKind
	Payload memview.MemView
}

// Machine is the per-Context in-flight parse state (spec.md §3's
// Context.Tfun field). The zero value is ready to use.
type Machine struct {
	inRun         bool
	lastSeg       model.Segment
	continuations []model.Segment
}

// New starts a fresh Machine, equivalent to spec.md §4.3's start().
func New() *Machine {
	return &Machine{}
}

// FeedChunk drives the machine with tokens, stopping at the first
// completed top-level alternative. Any tokens after Result.Consumed were
// not examined and must be offered to a new Machine.
func (m *Machine) FeedChunk(tokens []token.Token) Result {
	for i, tok := range tokens {
		if !m.inRun {
			if tok.Kind == token.KindA {
				m.startRun(tok.Segment)
				continue
			}
			// A lone non-A token outside any run: the `[^A]` alternative,
			// consumed and discarded without starting anything.
			return Result{Matched: true, Consumed: i + 1, Kind: MatchAborted}
		}

		switch tok.Kind {
		case token.KindA:
			// All but the final A in a run start an aborted attempt; only
			// the most recent A (and what follows it) survives.
			m.startRun(tok.Segment)
		case token.KindPlus:
			m.continuations = append(m.continuations, tok.Segment)
		case token.KindEq:
			// Byte-identical retransmission: already accounted for by the
			// segment it duplicates, so it contributes nothing.
		case token.KindZ:
			payload := m.buildPayload()
			m.reset()
			return Result{Matched: true, Consumed: i + 1, Kind: MatchValid, Payload: payload}
		default: // KindBang, KindUnderscore
			m.reset()
			return Result{Matched: true, Consumed: i + 1, Kind: MatchAborted}
		}
	}
	return Result{Matched: false, Consumed: len(tokens)}
}

// Finish forces termination (spec.md §4.3's finish()), used when a
// Context is torn down mid-parse. Any run in progress is abandoned
// without producing a payload, per spec.md §5's cancellation semantics.
func (m *Machine) Finish() {
	m.reset()
}

func (m *Machine) startRun(seg model.Segment) {
	m.inRun = true
	m.lastSeg = seg
	m.continuations = m.continuations[:0]
}

func (m *Machine) reset() {
	m.inRun = false
	m.continuations = nil
}

func (m *Machine) buildPayload() memview.MemView {
	payload := m.lastSeg.Payload
	for _, seg := range m.continuations {
		payload.Append(seg.Payload)
	}
	return payload
}
