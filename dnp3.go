// Package dnp3 dissects a DNP3 (IEEE 1815) byte stream into link
// frames, reassembled transport payloads, and application fragments.
// Create one Instance per physical link (e.g. one TCP connection or
// one serial line) and Feed it bytes as they arrive.
package dnp3

import (
	"time"

	"go.uber.org/zap"

	"github.com/dnp3scope/dissector/ctxtable"
	"github.com/dnp3scope/dissector/internal/gid"
	"github.com/dnp3scope/dissector/internal/mempool"
	"github.com/dnp3scope/dissector/internal/slices"
	"github.com/dnp3scope/dissector/model"
	"github.com/dnp3scope/dissector/pipeline"
	"github.com/dnp3scope/dissector/resync"
)

const (
	// DefaultMaxContexts bounds the number of simultaneously tracked
	// (source, destination) Contexts per Instance.
	DefaultMaxContexts = 256

	// DefaultBufLen is the starting capacity of an Instance's
	// resynchronization buffer, in bytes. A DNP3 link frame is at most
	// 292 bytes (2 start + 6 header + 2 CRC + 250 data + up to 16 two-byte
	// block CRCs), so this comfortably holds more than one frame before growing.
	DefaultBufLen = 4096

	// chunkSizeBytes and maxPoolBytes size the pooled storage backing
	// transport-segment payloads. DNP3 segments are at most 250 bytes;
	// sizing chunks at 256 means almost every segment fits in one chunk.
	chunkSizeBytes = 256
	maxPoolBytes   = 4 << 20
)

// Frame, Segment, Fragment, FragmentKind, and ErrorKind are the wire
// types reported through Hooks. They are aliases of the underlying
// model types so that neither callers nor the pipeline package need to
// import each other.
type (
	Frame        = model.Frame
	Segment      = model.Segment
	Fragment     = model.Fragment
	FragmentKind = model.FragmentKind
	ErrorKind    = model.ErrorKind
	FunctionCode = model.FunctionCode
)

const (
	FragmentRequest  = model.FragmentRequest
	FragmentResponse = model.FragmentResponse
)

const (
	ErrorKindUnknownFunction       = model.ErrorKindUnknownFunction
	ErrorKindMalformedObjectHeader = model.ErrorKindMalformedObjectHeader
	ErrorKindTruncated             = model.ErrorKindTruncated
)

// Hooks is an alias of pipeline.Hooks, the set of optional callbacks an
// Instance reports its findings through.
type Hooks = pipeline.Hooks

// Config holds an Instance's tunables. Use NewConfig with Options to
// build one.
type Config struct {
	MaxContexts int
	BufLen      int
	Logger      *zap.SugaredLogger
	Hooks       Hooks
}

// NewConfig builds a Config from the given Options, starting from
// sensible defaults.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		MaxContexts: DefaultMaxContexts,
		BufLen:      DefaultBufLen,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures a Config.
type Option func(*Config)

// WithMaxContexts bounds the number of (source, destination) Contexts
// an Instance tracks at once (spec.md's CTXMAX).
func WithMaxContexts(n int) Option {
	return func(c *Config) { c.MaxContexts = n }
}

// WithBufLen sets the initial resynchronization buffer capacity
// (spec.md's BUFLEN).
func WithBufLen(n int) Option {
	return func(c *Config) { c.BufLen = n }
}

// WithLogger attaches a logger. A nil logger (the default) disables
// logging entirely.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithHooks attaches the callbacks an Instance reports dissection
// events through.
func WithHooks(h Hooks) Option {
	return func(c *Config) { c.Hooks = h }
}

// Instance is one DNP3 link's dissection state: a resynchronization
// buffer plus the pipeline's bounded Context table.
type Instance struct {
	id  gid.InstanceID
	log *zap.SugaredLogger

	pipe *pipeline.Pipeline
	pool mempool.BufferPool

	buf []byte // bytes received but not yet resynchronized into a frame
}

// Create builds a new Instance from cfg.
func Create(cfg Config) *Instance {
	pool, err := mempool.MakeBufferPool(maxPoolBytes, chunkSizeBytes)
	if err != nil {
		// Only returned for a chunk size below 1 or a pool smaller than
		// one chunk; both sizes are fixed constants above.
		panic(err)
	}

	return &Instance{
		id:   gid.GenerateInstanceID(),
		log:  cfg.Logger,
		pipe: pipeline.New(cfg.MaxContexts, cfg.BufLen, pool, cfg.Hooks, cfg.Logger),
		pool: pool,
		buf:  make([]byte, 0, cfg.BufLen),
	}
}

// ID identifies this Instance for log correlation across concurrently
// running Instances.
func (inst *Instance) ID() gid.InstanceID { return inst.id }

// Feed appends data to the Instance's pending bytes and resynchronizes
// as many link frames out of it as it can, firing hooks for each.
// Bytes that cannot yet be resolved into a frame are retained for the
// next call to Feed.
func (inst *Instance) Feed(data []byte) {
	inst.buf = append(inst.buf, data...)

	consumed := 0
	for consumed < len(inst.buf) {
		frame, skipped, n, outcome := resync.NextFrame(inst.buf[consumed:])
		consumed += skipped
		if outcome == resync.OutcomeNeedMoreData {
			break
		}
		inst.pipe.ProcessLinkFrame(frame, inst.buf[consumed:consumed+n])
		consumed += n
	}

	inst.buf = append(inst.buf[:0], inst.buf[consumed:]...)
}

// Finish signals end of stream, abandoning every Context's in-flight
// transport reassembly rather than reporting partial results. It does
// not remove the Contexts from the table.
func (inst *Instance) Finish() {
	inst.pipe.Contexts(func(ctx *ctxtable.Context) {
		ctx.ClearTfun()
	})
}

// ActiveContexts returns the number of (source, destination) Contexts
// currently tracked.
func (inst *Instance) ActiveContexts() int {
	return inst.pipe.ActiveContexts()
}

// Stats summarizes an Instance's current state for introspection and
// debugging.
type Stats struct {
	ActiveContexts int
	PendingBytes   int
}

// Stats reports a snapshot of the Instance's current state.
func (inst *Instance) Stats() Stats {
	return Stats{
		ActiveContexts: inst.pipe.ActiveContexts(),
		PendingBytes:   len(inst.buf),
	}
}

// Sweep evicts every Context that has been idle (no accepted frame)
// longer than maxIdle as of now, emitting the same "dropped bytes"
// diagnostic and ContextEvicted hook as capacity-driven eviction, then
// reports each (source, destination) pair still held. This lets a
// caller (e.g. a time.Ticker in cmd/dnp3dissect) bound connection state
// by wall-clock idleness rather than waiting for CTXMAX to force an
// eviction; it does not alter the capacity-LRU algorithm itself.
func (inst *Instance) Sweep(now time.Time, maxIdle time.Duration) []ConnectionSummary {
	inst.pipe.EvictIdle(now, maxIdle)

	var out []ConnectionSummary
	inst.pipe.Contexts(func(ctx *ctxtable.Context) {
		out = append(out, ConnectionSummary{
			Source:      ctx.Src,
			Destination: ctx.Dst,
			HasInFlight: ctx.Tfun != nil,
		})
	})
	return slices.Reverse(out)
}

// ConnectionSummary is one entry of Instance.Sweep's report.
type ConnectionSummary struct {
	Source      uint16
	Destination uint16
	HasInFlight bool
}
