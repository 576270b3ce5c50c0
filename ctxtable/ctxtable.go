// Package ctxtable implements the bounded per-connection Context table
// of spec §3/§4.4: a least-recently-used cache keyed by (source,
// destination) address pair, backed by a singly linked list walked from
// the most-recently-used head, with pointer-to-pointer unlinking rather
// than a doubly linked list or a hash-assisted index.
package ctxtable

import (
	"time"

	deepcopy "github.com/tiendc/go-deepcopy"

	"github.com/dnp3scope/dissector/internal/gid"
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/internal/optionals"
	"github.com/dnp3scope/dissector/model"
	"github.com/dnp3scope/dissector/tfsm"
)

// Context is per-(src,dst) dissection state, exactly the fields
// spec.md §3 enumerates for a Context, plus a ConnectionID used only for
// log correlation and a LastAccess stamp used only for idle eviction
// (see Table.EvictIdle).
type Context struct {
	ID  gid.ConnectionID
	Src uint16
	Dst uint16

	// LastSegment is the most recently accepted transport segment on
	// this Context, used by package token to classify the next one. It
	// is deep-copied on every set so it survives independently of
	// whatever pooled storage backed the original Segment.
	LastSegment optionals.Optional[model.Segment]

	// Tfun is the in-flight transport state machine, or nil if none is
	// active (spec.md §3: "if Tfun is absent, TfunPos is 0").
	Tfun    *tfsm.Machine
	TfunPos int

	// Buf accumulates the raw link-frame bytes of the fragment
	// currently being reassembled, up to its fixed capacity (BUFLEN).
	// N mirrors len(Buf); spec.md §3 names both fields separately, so
	// both are kept rather than collapsing N into a method.
	Buf []byte
	N   int

	LastAccess time.Time

	next *Context
}

// AppendRaw appends raw to Buf if it fits within Buf's fixed capacity,
// reporting false without modifying Buf otherwise (spec.md §4.5: "if
// space permits; otherwise log overflow and drop this frame's bytes (do
// not resize)" — the logging and dropping is the caller's job).
func (c *Context) AppendRaw(raw []byte) (fits bool) {
	if len(c.Buf)+len(raw) > cap(c.Buf) {
		return false
	}
	c.Buf = append(c.Buf, raw...)
	c.N = len(c.Buf)
	return true
}

// ResetRaw empties Buf, called on every transport-series terminator
// (valid or aborted) per spec.md §3's invariant "on any end of series
// event, n is reset to 0".
func (c *Context) ResetRaw() {
	c.Buf = c.Buf[:0]
	c.N = 0
}

// SetLastSegment deep-copies seg into the Context, replacing whatever
// pool-backed storage its payload referenced. The scalar fields go
// through go-deepcopy; Payload is rebuilt from a fresh byte slice, since
// a MemView only holds slice headers into its source buffers — copying
// those headers would still alias the pooled storage's underlying bytes.
func (c *Context) SetLastSegment(seg model.Segment) error {
	var copied model.Segment
	if err := deepcopy.Copy(&copied, &seg); err != nil {
		return err
	}
	copied.Payload = memview.New([]byte(seg.Payload.String()))
	c.LastSegment = optionals.Some(copied)
	return nil
}

// ClearTfun drops the in-flight state machine, restoring the
// Tfun-absent/TfunPos-zero invariant. Used both when a match completes
// and when a Context is being abandoned.
func (c *Context) ClearTfun() {
	if c.Tfun != nil {
		c.Tfun.Finish()
	}
	c.Tfun = nil
	c.TfunPos = 0
}

// Table is a bounded LRU cache of Contexts.
type Table struct {
	head   *Context
	size   int
	max    int
	bufLen int
}

// New creates a Table holding at most max Contexts, each with a raw
// buffer of capacity bufLen (spec.md's BUFLEN, shared with the
// Instance-level resynchronization buffer).
func New(max, bufLen int) *Table {
	return &Table{max: max, bufLen: bufLen}
}

// Len returns the number of Contexts currently cached.
func (t *Table) Len() int { return t.size }

// LookupOrCreate returns the Context for (src, dst), creating one if
// none exists. The returned Context is always moved to the MRU head and
// has its LastAccess stamp refreshed. created is true iff a new Context
// was allocated. evicted is the Context dropped to make room, if the
// table was at capacity.
func (t *Table) LookupOrCreate(src, dst uint16) (ctx *Context, created bool, evicted *Context) {
	now := time.Now()

	pp := &t.head
	for *pp != nil {
		if (*pp).Src == src && (*pp).Dst == dst {
			node := *pp
			*pp = node.next
			node.next = t.head
			t.head = node
			node.LastAccess = now
			return node, false, nil
		}
		pp = &(*pp).next
	}

	node := &Context{
		ID:         gid.GenerateConnectionID(),
		Src:        src,
		Dst:        dst,
		Buf:        make([]byte, 0, t.bufLen),
		LastAccess: now,
		next:       t.head,
	}
	t.head = node
	t.size++

	if t.size > t.max {
		evicted = t.evictTail()
	}
	return node, true, evicted
}

// EvictIdle removes and returns every Context whose LastAccess stamp is
// more than maxIdle before now, in no particular order. This is purely
// supplemental to the capacity-driven LRU eviction of LookupOrCreate
// (spec.md §4.4, which is unaffected by it).
func (t *Table) EvictIdle(now time.Time, maxIdle time.Duration) []*Context {
	var evicted []*Context

	pp := &t.head
	for *pp != nil {
		if now.Sub((*pp).LastAccess) > maxIdle {
			node := *pp
			*pp = node.next
			node.next = nil
			t.size--
			evicted = append(evicted, node)
			continue
		}
		pp = &(*pp).next
	}
	return evicted
}

// evictTail drops the least-recently-used Context (the tail of the
// list) and returns it, requiring the singly linked list to be walked
// from head to find the node whose next is nil.
func (t *Table) evictTail() *Context {
	if t.head == nil {
		return nil
	}
	pp := &t.head
	for (*pp).next != nil {
		pp = &(*pp).next
	}
	evicted := *pp
	*pp = nil
	t.size--
	return evicted
}

// All walks the table from MRU to LRU, calling f for each Context.
// Mutating the table from within f is not supported.
func (t *Table) All(f func(*Context)) {
	for c := t.head; c != nil; c = c.next {
		f(c)
	}
}
