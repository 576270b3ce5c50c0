// Package capture drives the dissector from live or offline TCP traffic
// (spec.md §1: "driven by live capture or stored traffic"). It adapts
// gopacket's TCP stream reassembly so that every byte of a
// bidirectional TCP flow, in either direction, is fed to one
// dnp3.Instance: DNP3 frames carry their own source/destination
// addresses, so there is no need to track the two TCP directions
// separately the way an HTTP-aware reassembler must.
package capture

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"go.uber.org/zap"

	"github.com/dnp3scope/dissector"
)

const (
	// DefaultStreamFlushTimeout is how long the assembler waits before
	// delivering data across a sequence gap.
	DefaultStreamFlushTimeout = 10 * time.Second
	// DefaultStreamCloseTimeout is how long an idle connection is kept
	// open awaiting further traffic before being torn down.
	DefaultStreamCloseTimeout = 90 * time.Second

	// DefaultMaxBufferedPagesTotal and DefaultMaxBufferedPagesPerConnection
	// bound the assembler's memory use the same way the teacher's capture
	// driver does, scaled for DNP3's much smaller messages.
	DefaultMaxBufferedPagesTotal         = 20000
	DefaultMaxBufferedPagesPerConnection = 500
)

// Session is one bidirectional TCP flow, backed by a single
// dnp3.Instance that both directions feed into.
type Session struct {
	NetFlow  gopacket.Flow
	Instance *dnp3.Instance
}

var _ reassembly.Stream = (*Session)(nil)

// Accept admits every packet of the flow; DNP3 traffic of interest may
// arrive over a connection whose SYN was never captured, so refusing to
// track it would just lose data.
func (s *Session) Accept(_ *layers.TCP, _ gopacket.CaptureInfo, _ reassembly.TCPFlowDirection,
	_ reassembly.Sequence, start *bool, _ reassembly.AssemblerContext) bool {
	*start = true
	return true
}

// ReassembledSG feeds newly in-order bytes, from either direction, to
// the flow's Instance.
func (s *Session) ReassembledSG(sg reassembly.ScatterGather, _ reassembly.AssemblerContext) {
	length, _ := sg.Lengths()
	if length == 0 {
		return
	}
	s.Instance.Feed(sg.Fetch(length))
}

// ReassemblyComplete finalizes the Instance once the flow closes.
func (s *Session) ReassemblyComplete(_ reassembly.AssemblerContext) bool {
	s.Instance.Finish()
	return true
}

// StreamFactory implements reassembly.StreamFactory, minting one Session
// (and one dnp3.Instance) per TCP connection.
type StreamFactory struct {
	newInstance func() *dnp3.Instance
	onSession   func(*Session)
	log         *zap.SugaredLogger
}

var _ reassembly.StreamFactory = (*StreamFactory)(nil)

// NewStreamFactory builds a StreamFactory that creates a fresh
// dnp3.Instance (via newInstance) for every TCP connection seen.
// onSession, if non-nil, is called once per new Session so a caller can
// track active connections; it may be nil.
func NewStreamFactory(newInstance func() *dnp3.Instance, onSession func(*Session), log *zap.SugaredLogger) *StreamFactory {
	return &StreamFactory{newInstance: newInstance, onSession: onSession, log: log}
}

func (f *StreamFactory) New(netFlow, _ gopacket.Flow, _ *layers.TCP, _ reassembly.AssemblerContext) reassembly.Stream {
	s := &Session{NetFlow: netFlow, Instance: f.newInstance()}
	if f.log != nil {
		f.log.Debugf("capture: new session %s for flow %s", s.Instance.ID(), netFlow)
	}
	if f.onSession != nil {
		f.onSession(s)
	}
	return s
}

// Capture wraps a gopacket reassembly pipeline configured to dissect
// DNP3 traffic out of TCP packets.
type Capture struct {
	assembler          *reassembly.Assembler
	streamFlushTimeout time.Duration
	streamCloseTimeout time.Duration
	log                *zap.SugaredLogger
}

// Option configures a Capture.
type Option func(*captureConfig)

type captureConfig struct {
	streamFlushTimeout            time.Duration
	streamCloseTimeout            time.Duration
	maxBufferedPagesTotal         int
	maxBufferedPagesPerConnection int
}

// WithStreamFlushTimeout overrides DefaultStreamFlushTimeout.
func WithStreamFlushTimeout(d time.Duration) Option {
	return func(c *captureConfig) { c.streamFlushTimeout = d }
}

// WithStreamCloseTimeout overrides DefaultStreamCloseTimeout.
func WithStreamCloseTimeout(d time.Duration) Option {
	return func(c *captureConfig) { c.streamCloseTimeout = d }
}

// WithMaxBufferedPages overrides the assembler's total and per-connection
// page budgets.
func WithMaxBufferedPages(total, perConnection int) Option {
	return func(c *captureConfig) {
		c.maxBufferedPagesTotal = total
		c.maxBufferedPagesPerConnection = perConnection
	}
}

// New builds a Capture that mints one dnp3.Instance per TCP connection
// via newInstance, reporting each new Session to onSession (which may be
// nil).
func New(newInstance func() *dnp3.Instance, onSession func(*Session), log *zap.SugaredLogger, opts ...Option) *Capture {
	cfg := captureConfig{
		streamFlushTimeout:            DefaultStreamFlushTimeout,
		streamCloseTimeout:            DefaultStreamCloseTimeout,
		maxBufferedPagesTotal:         DefaultMaxBufferedPagesTotal,
		maxBufferedPagesPerConnection: DefaultMaxBufferedPagesPerConnection,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := NewStreamFactory(newInstance, onSession, log)
	pool := reassembly.NewStreamPool(factory)
	assembler := reassembly.NewAssembler(pool)
	assembler.AssemblerOptions.MaxBufferedPagesTotal = cfg.maxBufferedPagesTotal
	assembler.AssemblerOptions.MaxBufferedPagesPerConnection = cfg.maxBufferedPagesPerConnection

	return &Capture{
		assembler:          assembler,
		streamFlushTimeout: cfg.streamFlushTimeout,
		streamCloseTimeout: cfg.streamCloseTimeout,
		log:                log,
	}
}

// HandlePacket feeds one captured packet into the reassembler. Packets
// without a TCP layer are ignored.
func (c *Capture) HandlePacket(packet gopacket.Packet) {
	tcp, ok := packet.TransportLayer().(*layers.TCP)
	if !ok || tcp == nil {
		return
	}
	c.assembler.AssembleWithContext(packet.NetworkLayer().NetworkFlow(), tcp, &captureContext{
		ci: packet.Metadata().CaptureInfo,
	})
}

// FlushOlderThan forces delivery of any data stalled on a sequence gap
// older than the configured flush timeout, and closes connections idle
// longer than the configured close timeout. It should be called
// periodically (e.g. on a ticker) while consuming a live capture.
func (c *Capture) FlushOlderThan(now time.Time) (flushed, closed int) {
	return c.assembler.FlushWithOptions(reassembly.FlushOptions{
		T:  now.Add(-c.streamFlushTimeout),
		TC: now.Add(-c.streamCloseTimeout),
	})
}

// Close flushes and tears down every tracked connection, finalizing
// every outstanding dnp3.Instance.
func (c *Capture) Close() {
	c.assembler.FlushAll()
}

type captureContext struct {
	ci gopacket.CaptureInfo
}

func (c *captureContext) GetCaptureInfo() gopacket.CaptureInfo {
	return c.ci
}
