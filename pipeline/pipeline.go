// Package pipeline orchestrates the dissector stages named by spec §6:
// link frame -> transport segment -> transport payload (reassembly) ->
// application fragment, dispatching to a caller-supplied set of hooks at
// each stage. It owns the bounded Context table and the pooled storage
// segments are copied into.
package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/dnp3scope/dissector/app"
	"github.com/dnp3scope/dissector/ctxtable"
	"github.com/dnp3scope/dissector/internal/mempool"
	"github.com/dnp3scope/dissector/internal/memview"
	"github.com/dnp3scope/dissector/internal/sets"
	"github.com/dnp3scope/dissector/model"
	"github.com/dnp3scope/dissector/tfsm"
	"github.com/dnp3scope/dissector/token"
	"github.com/dnp3scope/dissector/transport"
)

// Hooks are the observation points of spec.md §6/§7. Every field is
// optional; a nil hook is simply not called.
type Hooks struct {
	LinkFrame        func(src, dst uint16, frame model.Frame, rawBytes []byte)
	TransportReject  func(src, dst uint16, reason string)
	TransportSegment func(src, dst uint16, seg model.Segment)
	TransportPayload func(src, dst uint16, payload memview.MemView)
	AppFragment      func(src, dst uint16, frag model.Fragment, rawFrames []byte)
	AppError         func(src, dst uint16, kind model.ErrorKind)
	AppReject        func(src, dst uint16)
	ContextEvicted   func(ctx *ctxtable.Context)
}

// Pipeline is one dissection session: a Context table, a pool for
// segment payload storage, and the hooks results are reported through.
type Pipeline struct {
	ctxs  *ctxtable.Table
	pool  mempool.BufferPool
	hooks Hooks
	log   *zap.SugaredLogger

	unsupported sets.Set[model.FunctionCode]
}

// New creates a Pipeline whose Context table holds at most maxContexts
// entries, each with a raw-frame buffer of capacity bufLen. log may be
// nil.
func New(maxContexts, bufLen int, pool mempool.BufferPool, hooks Hooks, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		ctxs:        ctxtable.New(maxContexts, bufLen),
		pool:        pool,
		hooks:       hooks,
		log:         log,
		unsupported: sets.NewSet[model.FunctionCode](),
	}
}

// ProcessLinkFrame feeds one decoded link frame, plus its raw wire
// bytes, through the pipeline.
func (p *Pipeline) ProcessLinkFrame(frame model.Frame, rawBytes []byte) {
	if p.hooks.LinkFrame != nil {
		p.hooks.LinkFrame(frame.Source, frame.Destination, frame, rawBytes)
	}

	payload, ok := frame.Payload.Get()
	if !ok {
		p.logf("dropping frame %d -> %d: CRC failure", frame.Source, frame.Destination)
		return
	}

	switch frame.Func {
	case model.FuncUnconfirmedUserData:
		ctx, _, evicted := p.ctxs.LookupOrCreate(frame.Source, frame.Destination)
		p.reportEviction(evicted)
		p.processLinkPayload(ctx, payload, rawBytes)
	default:
		if !p.unsupported.Contains(frame.Func) {
			p.unsupported.Insert(frame.Func)
			p.logf("ignoring unsupported function code %s", frame.Func)
		}
	}
}

// reportEviction clears an evicted Context's in-flight state, logs a
// "dropped bytes" diagnostic if it had any raw bytes pending
// (spec.md §4.4 bullet 4 / §7's capacity-event handling), and fires the
// ContextEvicted hook.
func (p *Pipeline) reportEviction(evicted *ctxtable.Context) {
	if evicted == nil {
		return
	}
	evicted.ClearTfun()
	if evicted.N > 0 {
		p.logf("context %s (%d -> %d) evicted with %d bytes pending", evicted.ID, evicted.Src, evicted.Dst, evicted.N)
	}
	if p.hooks.ContextEvicted != nil {
		p.hooks.ContextEvicted(evicted)
	}
}

// EvictIdle evicts every Context that has not been touched within
// maxIdle of now, reporting the same diagnostics as capacity-driven
// eviction. This is supplemental to, and does not alter, the
// capacity-LRU eviction spec.md §4.4 specifies.
func (p *Pipeline) EvictIdle(now time.Time, maxIdle time.Duration) int {
	evicted := p.ctxs.EvictIdle(now, maxIdle)
	for _, ctx := range evicted {
		p.reportEviction(ctx)
	}
	return len(evicted)
}

func (p *Pipeline) processLinkPayload(ctx *ctxtable.Context, payload memview.MemView, rawBytes []byte) {
	seg, err := transport.ParseSegment(payload, p.pool)
	if err != nil {
		if p.hooks.TransportReject != nil {
			p.hooks.TransportReject(ctx.Src, ctx.Dst, err.Error())
		}
		return
	}

	if p.hooks.TransportSegment != nil {
		p.hooks.TransportSegment(ctx.Src, ctx.Dst, seg)
	}

	if !ctx.AppendRaw(rawBytes) {
		p.logf("context %s (%d -> %d): raw buffer full, dropping %d bytes of this frame", ctx.ID, ctx.Src, ctx.Dst, len(rawBytes))
	}

	last, haveLast := ctx.LastSegment.Get()
	toks := token.Encode(seg, last, haveLast)
	if err := ctx.SetLastSegment(seg); err != nil {
		p.logf("context %s: failed to record last segment: %v", ctx.ID, err)
	}

	m := 0
	for m < len(toks) {
		if ctx.Tfun == nil {
			ctx.Tfun = tfsm.New()
			ctx.TfunPos = 0
		}

		result := ctx.Tfun.FeedChunk(toks[m:])
		if !result.Matched {
			ctx.TfunPos += result.Consumed
			break
		}

		switch result.Kind {
		case tfsm.MatchValid:
			p.processTransportPayload(ctx, result.Payload)
		case tfsm.MatchAborted:
			if p.hooks.TransportReject != nil {
				p.hooks.TransportReject(ctx.Src, ctx.Dst, "aborted transport series")
			}
		}
		ctx.ClearTfun()
		ctx.ResetRaw()
		m += result.Consumed
	}
}

func (p *Pipeline) processTransportPayload(ctx *ctxtable.Context, payload memview.MemView) {
	if p.hooks.TransportPayload != nil {
		p.hooks.TransportPayload(ctx.Src, ctx.Dst, payload)
	}

	// Snapshot the accumulated raw frames before the caller,
	// processLinkPayload, resets ctx.Buf on this series terminator.
	rawFrames := append([]byte(nil), ctx.Buf[:ctx.N]...)

	frag, errKind, result := app.ParseMessage(payload)
	switch result {
	case app.ResultFragment:
		if p.hooks.AppFragment != nil {
			p.hooks.AppFragment(ctx.Src, ctx.Dst, frag, rawFrames)
		}
	case app.ResultError:
		if p.hooks.AppError != nil {
			p.hooks.AppError(ctx.Src, ctx.Dst, errKind)
		}
	case app.ResultReject:
		if p.hooks.AppReject != nil {
			p.hooks.AppReject(ctx.Src, ctx.Dst)
		}
	}
}

// ActiveContexts reports the number of Contexts currently tracked.
func (p *Pipeline) ActiveContexts() int {
	return p.ctxs.Len()
}

// Contexts walks the Context table from most- to least-recently-used.
func (p *Pipeline) Contexts(f func(*ctxtable.Context)) {
	p.ctxs.All(f)
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Debugf(format, args...)
	}
}
