// Command dnp3dissect dissects DNP3 traffic out of a pcap file and logs
// every link frame, reassembled application fragment, and malformed
// message it finds.
package main

import (
	"flag"
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"

	"github.com/dnp3scope/dissector"
	"github.com/dnp3scope/dissector/capture"
	"github.com/dnp3scope/dissector/ctxtable"
)

func main() {
	pcapPath := flag.String("pcap", "", "path to a pcap/pcapng file to dissect")
	bpf := flag.String("bpf", "tcp", "BPF filter applied to the capture")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatal("dnp3dissect: -pcap is required")
	}

	zapCfg := zap.NewProductionConfig()
	if *verbose {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zlog, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("dnp3dissect: building logger: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	hooks := dnp3.Hooks{
		LinkFrame: func(src, dst uint16, frame dnp3.Frame, rawBytes []byte) {
			sugar.Infow("link frame", "src", src, "dst", dst, "func", frame.Func.String(), "len", frame.Len)
		},
		TransportReject: func(src, dst uint16, reason string) {
			sugar.Warnw("transport rejected", "src", src, "dst", dst, "reason", reason)
		},
		AppFragment: func(src, dst uint16, frag dnp3.Fragment, rawFrames []byte) {
			kind := "request"
			if frag.Kind == dnp3.FragmentResponse {
				kind = "response"
			}
			sugar.Infow("application fragment", "src", src, "dst", dst, "kind", kind, "bytes", frag.Raw.Len(), "rawFrameBytes", len(rawFrames))
		},
		AppError: func(src, dst uint16, kind dnp3.ErrorKind) {
			sugar.Warnw("application fragment error", "src", src, "dst", dst, "kind", kind.String())
		},
		AppReject: func(src, dst uint16) {
			sugar.Warnw("application fragment rejected", "src", src, "dst", dst)
		},
		ContextEvicted: func(ctx *ctxtable.Context) {
			if ctx.N > 0 {
				sugar.Warnw("context evicted with pending bytes", "src", ctx.Src, "dst", ctx.Dst, "pendingBytes", ctx.N)
			}
		},
	}

	newInstance := func() *dnp3.Instance {
		return dnp3.Create(dnp3.NewConfig(
			dnp3.WithLogger(sugar),
			dnp3.WithHooks(hooks),
		))
	}

	capturer := capture.New(newInstance, func(s *capture.Session) {
		sugar.Debugf("new TCP flow: %s", s.NetFlow)
	}, sugar)

	handle, err := pcap.OpenOffline(*pcapPath)
	if err != nil {
		log.Fatalf("dnp3dissect: opening %s: %v", *pcapPath, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(*bpf); err != nil {
		log.Fatalf("dnp3dissect: applying BPF filter %q: %v", *bpf, err)
	}

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		capturer.HandlePacket(packet)
	}
	capturer.Close()
}
