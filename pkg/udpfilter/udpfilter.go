// Package udpfilter implements the UDP ingress filter of §4.3: a size
// floor, known-amplifier reply-port policy, a per-source pps limiter, and
// dispatch to the Minecraft-Bedrock or QUIC filter by destination port.
package udpfilter

import (
	"net/netip"
	"time"

	"github.com/edgeshield/corefilter/pkg/connstate"
	"github.com/edgeshield/corefilter/pkg/netpkt"
	"github.com/edgeshield/corefilter/pkg/ratelimit"
	"github.com/edgeshield/corefilter/pkg/verdict"
	"github.com/edgeshield/corefilter/pkg/xlog"
)

// outboundFlowTTL bounds how long an observed outbound UDP flow keeps its
// inbound reply-port exemption alive.
const outboundFlowTTL = 5 * time.Minute

// Dispatch identifies which higher-level filter a UDP payload should be
// handed to, based on destination port (§4.3).
type Dispatch int

const (
	DispatchOther Dispatch = iota
	DispatchBedrock
	DispatchQUIC
)

// minPayloadBytes is the §4.3 floor: "at least one payload byte" beyond
// the 8-byte UDP header.
const minPayloadBytes = 8 + 1

// amplifierReplyPorts are source ports known amplification protocols reply
// from (§4.3): NTP, DNS, SSDP, Memcached, chargen.
var amplifierReplyPorts = map[uint16]bool{
	123:   true, // NTP
	53:    true, // DNS (response-shaped)
	1900:  true, // SSDP
	11211: true, // Memcached
	19:    true, // chargen
}

// Filter is the UDP ingress filter.
type Filter struct {
	logf        xlog.Logf
	limits      *ratelimit.Limiter
	outbound    *connstate.Store[connstate.ConnKey, struct{}] // established outbound flows
	bedrockPort uint16
	quicPort    uint16
}

// New creates a Filter dispatching to Bedrock/QUIC on the given ports.
func New(logf xlog.Logf, limits *ratelimit.Limiter, bedrockPort, quicPort uint16) *Filter {
	return &Filter{
		logf:        logf,
		limits:      limits,
		outbound:    connstate.NewStore[connstate.ConnKey, struct{}](),
		bedrockPort: bedrockPort,
		quicPort:    quicPort,
	}
}

// NoteOutbound records that this host has sent UDP traffic from
// (localIP,localPort) to (remoteIP,remotePort), so a later inbound reply from that
// same 4-tuple is recognized as expected rather than an unsolicited
// amplification reply.
func (f *Filter) NoteOutbound(localIP, remoteIP netip.Addr, localPort, remotePort uint16) {
	k := connstate.ConnKey{Src: remoteIP, Dst: localIP, SrcPort: remotePort, DstPort: localPort, Proto: uint8(netpkt.ProtoUDP)}
	f.outbound.Put(k, struct{}{}, time.Now().Add(outboundFlowTTL))
}

// Inspect is the UDP ingress verdict function. dst is this host's own
// address, used to key the outbound-flow cache.
func (f *Filter) Inspect(src, dst netip.Addr, hdr netpkt.UDP) (verdict.Result, Dispatch) {
	if hdr.Length < minPayloadBytes {
		return verdict.DropFor(verdict.ReasonOversizedHeader), DispatchOther
	}

	if amplifierReplyPorts[hdr.SrcPort] {
		k := connstate.ConnKey{Src: src, Dst: dst, SrcPort: hdr.SrcPort, DstPort: hdr.DstPort, Proto: uint8(netpkt.ProtoUDP)}
		if _, established := f.outbound.Get(k); !established {
			return verdict.DropFor(verdict.ReasonAmplificationCeiling), DispatchOther
		}
	}

	if !f.limits.Allow(src, ratelimit.ClassUDPGeneric) {
		return verdict.DropFor(verdict.ReasonRateLimited), DispatchOther
	}

	switch hdr.DstPort {
	case f.bedrockPort:
		return verdict.PassOK(), DispatchBedrock
	case f.quicPort:
		return verdict.PassOK(), DispatchQUIC
	default:
		return verdict.PassOK(), DispatchOther
	}
}
