// Package token implements the transport-segment-to-token mapping of
// spec §4.2: every incoming Segment is classified against the previous
// segment seen on the same Context, producing one or two tokens from the
// alphabet {A, =, +, !, _, Z} that drive the state machine in tfsm.
package token

import "github.com/dnp3scope/dissector/model"

// Kind is one letter of the token alphabet.
type Kind int

const (
	// KindA marks a segment with FIR set: the start of a new series.
	KindA Kind = iota
	// KindEq marks a byte-identical retransmission of the last segment.
	KindEq
	// KindPlus marks a segment continuing the series (SEQ one past last).
	KindPlus
	// KindBang marks a segment that is none of the above: a sequence gap
	// or a non-identical repeat, aborting any series in progress.
	KindBang
	// KindUnderscore marks a non-FIR segment arriving with no prior
	// segment on this Context to compare against.
	KindUnderscore
	// KindZ marks a segment with FIN set. It always appears as the
	// second token for the segment that carries it, decorating whichever
	// of the above kinds that segment's FIR/continuation status earned.
	KindZ
)

func (k Kind) String() string {
	switch k {
	case KindA:
		return "A"
	case KindEq:
		return "="
	case KindPlus:
		return "+"
	case KindBang:
		return "!"
	case KindUnderscore:
		return "_"
	case KindZ:
		return "Z"
	default:
		return "?"
	}
}

// Token pairs a letter of the alphabet with the Segment it was derived
// from, so the state machine downstream can reassemble payloads without
// looking anything up out-of-band.
type Token struct {
	Kind    Kind
	Segment model.Segment
}

// Encode classifies seg against last (the most recently seen segment on
// this Context, if any) and returns the one or two tokens it produces.
func Encode(seg model.Segment, last model.Segment, haveLast bool) []Token {
	var first Kind
	switch {
	case seg.Fir:
		first = KindA
	case !haveLast:
		first = KindUnderscore
	case seg.Equal(last):
		first = KindEq
	case last.NextSeq(seg):
		first = KindPlus
	default:
		first = KindBang
	}

	tokens := make([]Token, 0, 2)
	tokens = append(tokens, Token{Kind: first, Segment: seg})
	if seg.Fin {
		tokens = append(tokens, Token{Kind: KindZ, Segment: seg})
	}
	return tokens
}
