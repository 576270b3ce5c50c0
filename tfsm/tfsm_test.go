package tfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/model"
	"github.com/dnp3scope/dissector/token"
)

func seg(fir, fin bool, seq uint8, data string) model.Segment {
	return model.Segment{Fir: fir, Fin: fin, Seq: seq, Len: len(data), Payload: memview.New([]byte(data))}
}

func TestFeedChunk_SingleSegmentSeries(t *testing.T) {
	m := New()
	toks := token.Encode(seg(true, true, 0, "hello"), model.Segment{}, false)

	result := m.FeedChunk(toks)
	require.True(t, result.Matched)
	assert.Equal(t, MatchValid, result.Kind)
	assert.Equal(t, len(toks), result.Consumed)
	assert.Equal(t, "hello", result.Payload.String())
}

func TestFeedChunk_MultiSegmentSeriesAcrossCalls(t *testing.T) {
	m := New()

	first := token.Encode(seg(true, false, 0, "ab"), model.Segment{}, false)
	r1 := m.FeedChunk(first)
	assert.False(t, r1.Matched)

	last1 := seg(true, false, 0, "ab")
	second := token.Encode(seg(false, false, 1, "cd"), last1, true)
	r2 := m.FeedChunk(second)
	assert.False(t, r2.Matched)

	last2 := seg(false, false, 1, "cd")
	third := token.Encode(seg(false, true, 2, "ef"), last2, true)
	r3 := m.FeedChunk(third)
	require.True(t, r3.Matched)
	assert.Equal(t, MatchValid, r3.Kind)
	assert.Equal(t, "abcdef", r3.Payload.String())
}

func TestFeedChunk_DuplicateRetransmissionIsIdempotent(t *testing.T) {
	m := New()

	firSeg := seg(true, false, 0, "ab")
	m.FeedChunk(token.Encode(firSeg, model.Segment{}, false))

	contSeg := seg(false, false, 1, "cd")
	m.FeedChunk(token.Encode(contSeg, firSeg, true))

	// A byte-identical retransmission of the last segment must not alter
	// the reassembled payload.
	dup := seg(false, false, 1, "cd")
	r := m.FeedChunk(token.Encode(dup, contSeg, true))
	assert.False(t, r.Matched)

	finSeg := seg(false, true, 2, "ef")
	r2 := m.FeedChunk(token.Encode(finSeg, dup, true))
	require.True(t, r2.Matched)
	assert.Equal(t, "abcdef", r2.Payload.String())
}

func TestFeedChunk_RestartDiscardsFirstRun(t *testing.T) {
	m := New()

	seg1 := seg(true, false, 0, "discarded")
	toks1 := token.Encode(seg1, model.Segment{}, false)
	r1 := m.FeedChunk(toks1)
	assert.False(t, r1.Matched)

	seg2 := seg(true, true, 7, "kept")
	toks2 := token.Encode(seg2, seg1, true)
	r2 := m.FeedChunk(toks2)
	require.True(t, r2.Matched)
	assert.Equal(t, MatchValid, r2.Kind)
	assert.Equal(t, "kept", r2.Payload.String())
}

func TestFeedChunk_SequenceGapAbortsSeries(t *testing.T) {
	m := New()

	seg1 := seg(true, false, 0, "a")
	m.FeedChunk(token.Encode(seg1, model.Segment{}, false))

	seg2 := seg(false, false, 40, "b") // far-future SEQ: a gap, not FIR
	r := m.FeedChunk(token.Encode(seg2, seg1, true))
	require.True(t, r.Matched)
	assert.Equal(t, MatchAborted, r.Kind)
}

func TestFeedChunk_StrayContinuationOutsideRunIsDiscarded(t *testing.T) {
	m := New()
	stray := seg(false, false, 5, "x")
	r := m.FeedChunk(token.Encode(stray, model.Segment{}, false))
	require.True(t, r.Matched)
	assert.Equal(t, MatchAborted, r.Kind)
}
