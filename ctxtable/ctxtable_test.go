package ctxtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/model"
)

func TestLookupOrCreate_ReturnsSameContextForSamePair(t *testing.T) {
	table := New(4, 64)

	a, created, evicted := table.LookupOrCreate(1, 2)
	require.True(t, created)
	assert.Nil(t, evicted)

	b, created2, _ := table.LookupOrCreate(1, 2)
	assert.False(t, created2)
	assert.Same(t, a, b)
}

func TestLookupOrCreate_DistinctPairsGetDistinctContexts(t *testing.T) {
	table := New(4, 64)

	a, _, _ := table.LookupOrCreate(1, 2)
	b, _, _ := table.LookupOrCreate(3, 4)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, table.Len())
}

func TestLookupOrCreate_EvictsLeastRecentlyUsed(t *testing.T) {
	table := New(2, 64)

	first, _, _ := table.LookupOrCreate(1, 1)
	table.LookupOrCreate(2, 2)

	// Touch "first" so "2,2" becomes the LRU entry.
	table.LookupOrCreate(1, 1)

	_, _, evicted := table.LookupOrCreate(3, 3)
	require.NotNil(t, evicted)
	assert.Equal(t, uint16(2), evicted.Src)
	assert.Equal(t, uint16(2), evicted.Dst)
	assert.Equal(t, 2, table.Len())

	// "first" (1,1) must still be present.
	still, created, _ := table.LookupOrCreate(1, 1)
	assert.False(t, created)
	assert.Same(t, first, still)
}

func TestSetLastSegment_SurvivesSourcePayloadMutation(t *testing.T) {
	ctx := &Context{}

	src := []byte("original")
	seg := model.Segment{Len: len(src), Payload: memview.New(src)}
	require.NoError(t, ctx.SetLastSegment(seg))

	// Mutate the original backing array in place.
	for i := range src {
		src[i] = 'X'
	}

	stored, ok := ctx.LastSegment.Get()
	require.True(t, ok)
	assert.Equal(t, "original", stored.Payload.String())
}

func TestClearTfun_ResetsInvariant(t *testing.T) {
	ctx := &Context{}
	ctx.Tfun = nil
	ctx.TfunPos = 5 // violates "absent => 0" on purpose, to check ClearTfun fixes it
	ctx.ClearTfun()
	assert.Nil(t, ctx.Tfun)
	assert.Equal(t, 0, ctx.TfunPos)
}

func TestLookupOrCreate_AllocatesBufWithFixedCapacity(t *testing.T) {
	table := New(4, 8)
	ctx, _, _ := table.LookupOrCreate(1, 2)

	require.True(t, ctx.AppendRaw([]byte("12345678")))
	assert.Equal(t, 8, ctx.N)
	assert.False(t, ctx.AppendRaw([]byte("x")), "buffer is already at capacity")
	assert.Equal(t, 8, ctx.N, "overflowing append must leave Buf untouched")
}

func TestAppendRaw_RejectsWhenOverCapacity(t *testing.T) {
	ctx := &Context{Buf: make([]byte, 0, 4)}

	require.True(t, ctx.AppendRaw([]byte("ab")))
	assert.False(t, ctx.AppendRaw([]byte("abc")), "2+3 > capacity 4")
	assert.Equal(t, "ab", string(ctx.Buf))
	assert.Equal(t, 2, ctx.N)

	require.True(t, ctx.AppendRaw([]byte("cd")))
	assert.Equal(t, "abcd", string(ctx.Buf))
	assert.Equal(t, 4, ctx.N)
}

func TestResetRaw_EmptiesBufKeepingCapacity(t *testing.T) {
	ctx := &Context{Buf: make([]byte, 0, 4)}
	require.True(t, ctx.AppendRaw([]byte("ab")))

	ctx.ResetRaw()
	assert.Equal(t, 0, ctx.N)
	assert.Equal(t, 0, len(ctx.Buf))
	assert.Equal(t, 4, cap(ctx.Buf))

	require.True(t, ctx.AppendRaw([]byte("wxyz")))
	assert.Equal(t, 4, ctx.N)
}

func TestEvictIdle_RemovesOnlyContextsPastMaxIdle(t *testing.T) {
	table := New(8, 64)

	stale, _, _ := table.LookupOrCreate(1, 1)
	stale.LastAccess = time.Now().Add(-time.Hour)

	fresh, _, _ := table.LookupOrCreate(2, 2)
	fresh.LastAccess = time.Now()

	evicted := table.EvictIdle(time.Now(), time.Minute)
	require.Len(t, evicted, 1)
	assert.Equal(t, uint16(1), evicted[0].Src)
	assert.Equal(t, 1, table.Len())

	still, created, _ := table.LookupOrCreate(2, 2)
	assert.False(t, created)
	assert.Same(t, fresh, still)
}
