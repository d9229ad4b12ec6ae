// Package raknet implements the Bedrock/RakNet offline-handshake filter of
// §4.5: magic validation, a server-origin-ID reject list, the unconnected
// ping/pong and Open-Connection-Request 1/2 handshake with GUID and MTU
// negotiation, a connected-session gate, and amplification-ratio tracking
// that escalates a source into the blocklist.
//
// Packet-ID constants are the same RakNet wire IDs ventosilenzioso's
// go-raknet names them by (ID_UNCONNECTED_PING etc.); corefilter only
// needs the offline-handshake subset, the rest of that vocabulary is
// unused here.
package raknet

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/edgeshield/corefilter/pkg/connstate"
	"github.com/edgeshield/corefilter/pkg/mapset"
	"github.com/edgeshield/corefilter/pkg/ratelimit"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

// Packet IDs this filter recognizes (§4.5, §GLOSSARY).
const (
	IDConnectedPing            = 0x00
	IDUnconnectedPing          = 0x01
	IDUnconnectedPingOpenConns = 0x02
	IDConnectedPong            = 0x03
	IDOpenConnectionRequest1    = 0x05
	IDOpenConnectionReply1      = 0x06
	IDOpenConnectionRequest2    = 0x07
	IDOpenConnectionReply2      = 0x08
	IDConnectionRequest         = 0x09
	IDConnectionRequestAccepted = 0x10
	IDNewIncomingConnection     = 0x13
	IDDisconnectNotification    = 0x15
	IDIncompatibleProtoVersion  = 0x19
	IDUnconnectedPong           = 0x1c
)

// dataPacketLow/dataPacketHigh bound the Frame Set Packet range (§4.5:
// "0x80-0x8f").
const (
	dataPacketLow  = 0x80
	dataPacketHigh = 0x8f
)

// magic is the RakNet offline-message magic (§GLOSSARY).
var magic = [16]byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}

// serverOriginIDs are packet IDs only ever sent BY a server; a client
// source sending one of these is spoofing a reply path (§4.5 reflection
// check).
var serverOriginIDs = map[byte]bool{
	IDOpenConnectionReply1:     true,
	IDOpenConnectionReply2:     true,
	IDConnectionRequestAccepted: true,
	IDConnectedPong:            true,
	IDUnconnectedPong:          true,
	IDIncompatibleProtoVersion: true,
}

// amplificationWindow and maxAmplificationRatio bound how much larger our
// replies may be than the inbound bytes that provoked them before a source
// gets escalated to the blocklist (§4.5 line 176, §8 scenario 5:
// "bytes_out > 10 x bytes_in over a 1-second window").
const (
	amplificationWindow   = 1 * time.Second
	maxAmplificationRatio = 10
	amplificationBlockTTL = 60 * time.Second
)

// amplificationMinSamples holds the ratio check off until a source has sent
// more than a couple of pings in the window. A single ping/pong exchange is
// already well over the ratio ceiling by nature (§4.5's own MOTD-reply
// estimate runs ~15x); without a floor that legitimate exchange would trip
// escalation on its own. §8 scenario 5 frames the attack as a sustained run
// of pings, not a lone one.
const amplificationMinSamples = 5

// mtuClasses are the standard MTU sizes a RakNet handshake negotiates
// across (§4.5 line 172: "MTU ... must match prev +-1 class"). A
// negotiated MTU is rounded to its nearest class before the +-1 comparison.
var mtuClasses = []uint16{400, 576, 1200, 1400, 1492, 1500}

// mtuClassIndex returns the index of mtu's nearest entry in mtuClasses.
func mtuClassIndex(mtu uint16) int {
	best, bestDist := 0, uint32(1<<31)
	for i, c := range mtuClasses {
		dist := uint32(mtu) - uint32(c)
		if mtu < c {
			dist = uint32(c) - uint32(mtu)
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// Kind tags the handshake progress this filter tracks per source (§3).
type Kind int

const (
	KindNone Kind = iota
	KindPingSent
	KindOpenConnReq1
	KindOpenConnReq2
	KindConnected
)

func (k Kind) rank() int { return int(k) }

// State is this filter's slice of connection state, keyed by source
// address until a connection is established.
type State struct {
	Kind     Kind
	GUID     uint64
	MTU      uint16
	Protocol uint8
}

type amplAccum struct {
	bytesIn, bytesOut uint64
	packets           uint64
	windowStart       time.Time
}

// Filter is the RakNet offline-handshake filter.
type Filter struct {
	limits       *ratelimit.Limiter
	block        *mapset.List
	states       *connstate.Store[connstate.SourceKey, State]
	ampl         *connstate.Store[connstate.SourceKey, amplAccum]
	minMTU       uint16
	maxMTU       uint16
	allowedProto func(uint8) bool
	now          func() time.Time
}

// New creates a Filter. block may be nil.
func New(limits *ratelimit.Limiter, block *mapset.List, minMTU, maxMTU uint16, allowedProto func(uint8) bool) *Filter {
	if block == nil {
		block = mapset.NewList()
	}
	return &Filter{
		limits:       limits,
		block:        block,
		states:       connstate.NewStore[connstate.SourceKey, State](),
		ampl:         connstate.NewStore[connstate.SourceKey, amplAccum](),
		minMTU:       minMTU,
		maxMTU:       maxMTU,
		allowedProto: allowedProto,
		now:          time.Now,
	}
}

// Inspect is the verdict function for one inbound RakNet datagram payload
// (the UDP payload bytes, unparsed beyond the leading packet ID).
func (f *Filter) Inspect(src netip.Addr, payload []byte) verdict.Result {
	now := f.now()
	if len(payload) < 1 {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	id := payload[0]

	if _, blocked := f.block.Contains(src, now); blocked {
		return verdict.DropFor(verdict.ReasonBlocklisted)
	}

	if serverOriginIDs[id] {
		f.escalate(src, now, mapset.ReasonAmplification)
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}

	sk := connstate.SourceKey{Addr: src}
	st, _ := f.states.Get(sk)

	var result verdict.Result
	switch id {
	case IDUnconnectedPing, IDUnconnectedPingOpenConns:
		result = f.inspectPing(sk, st, payload, now)
		// Only ping/pong is a reflection vector here: the handshake steps
		// below get a small protocol ack, not a MOTD-sized reply, and a
		// RakNetConnected source is excluded from ratio accounting entirely
		// (§4.5 line 176).
		if st.Kind != KindConnected {
			f.trackAmplification(sk, now, uint64(len(payload)), result)
		}
	case IDOpenConnectionRequest1:
		result = f.inspectOpenConnReq1(sk, st, payload, now)
	case IDOpenConnectionRequest2:
		result = f.inspectOpenConnReq2(sk, st, payload, now)
	case IDConnectionRequest, IDNewIncomingConnection:
		result = f.inspectConnectionHandshake(sk, st, now)
	default:
		if id >= dataPacketLow && id <= dataPacketHigh {
			result = f.inspectDataPacket(sk, st)
		} else {
			result = verdict.PassOK()
		}
	}

	return result
}

func (f *Filter) inspectPing(sk connstate.SourceKey, st State, payload []byte, now time.Time) verdict.Result {
	if len(payload) != 1+8+16+8 {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if !bytes.Equal(payload[9:25], magic[:]) {
		return verdict.DropFor(verdict.ReasonMagicMismatch)
	}
	if !f.limits.Allow(sk.Addr, ratelimit.ClassRakNetPing) {
		return verdict.DropFor(verdict.ReasonRateLimited)
	}
	guid := beU64(payload[25:33])
	f.states.Put(sk, State{Kind: KindPingSent, GUID: guid}, now.Add(30*time.Second))
	return verdict.PassOK()
}

func (f *Filter) inspectOpenConnReq1(sk connstate.SourceKey, st State, payload []byte, now time.Time) verdict.Result {
	if len(payload) < 1+16+1 {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if !bytes.Equal(payload[1:17], magic[:]) {
		return verdict.DropFor(verdict.ReasonMagicMismatch)
	}
	proto := payload[17]
	if f.allowedProto != nil && !f.allowedProto(proto) {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	mtu := uint16(len(payload))
	if mtu < f.minMTU || mtu > f.maxMTU {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if !f.limits.Allow(sk.Addr, ratelimit.ClassRakNetConnReq) {
		return verdict.DropFor(verdict.ReasonRateLimited)
	}
	f.states.Put(sk, State{Kind: KindOpenConnReq1, MTU: mtu, Protocol: proto, GUID: st.GUID}, now.Add(30*time.Second))
	return verdict.PassOK()
}

func (f *Filter) inspectOpenConnReq2(sk connstate.SourceKey, st State, payload []byte, now time.Time) verdict.Result {
	if st.Kind.rank() < KindOpenConnReq1.rank() {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	if len(payload) < 1+16+1+2+8 {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if !bytes.Equal(payload[1:17], magic[:]) {
		return verdict.DropFor(verdict.ReasonMagicMismatch)
	}
	mtu := beU16(payload[24:26])
	guid := beU64(payload[26:34])
	if mtu < f.minMTU || mtu > f.maxMTU {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if st.MTU != 0 {
		if d := mtuClassIndex(mtu) - mtuClassIndex(st.MTU); d < -1 || d > 1 {
			return verdict.DropFor(verdict.ReasonBoundsViolation)
		}
	}
	if st.GUID != 0 && guid != st.GUID {
		return verdict.DropFor(verdict.ReasonGuidMismatch)
	}
	if !f.limits.Allow(sk.Addr, ratelimit.ClassRakNetConnReq) {
		return verdict.DropFor(verdict.ReasonRateLimited)
	}
	f.states.Put(sk, State{Kind: KindOpenConnReq2, MTU: mtu, GUID: guid, Protocol: st.Protocol}, now.Add(30*time.Second))
	return verdict.PassOK()
}

func (f *Filter) inspectConnectionHandshake(sk connstate.SourceKey, st State, now time.Time) verdict.Result {
	if st.Kind.rank() < KindOpenConnReq2.rank() {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	f.states.Put(sk, State{Kind: KindConnected, GUID: st.GUID, MTU: st.MTU, Protocol: st.Protocol}, now.Add(10*time.Minute))
	return verdict.PassOK()
}

func (f *Filter) inspectDataPacket(sk connstate.SourceKey, st State) verdict.Result {
	if st.Kind != KindConnected {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	return verdict.PassOK()
}

// trackAmplification accumulates inbound bytes against estimated reply
// bytes over a rolling window, escalating the source to the blocklist if
// the ratio exceeds the ceiling (§4.5, §8).
func (f *Filter) trackAmplification(sk connstate.SourceKey, now time.Time, inBytes uint64, result verdict.Result) {
	acc, ok := f.ampl.Get(sk)
	if !ok || now.Sub(acc.windowStart) > amplificationWindow {
		acc = amplAccum{windowStart: now}
	}
	acc.bytesIn += inBytes
	acc.packets++
	if result.Verdict == verdict.TX {
		acc.bytesOut += uint64(len(result.Reply))
	} else if result.Verdict == verdict.Pass {
		acc.bytesOut += estimatedReplyBytes(inBytes)
	}
	f.ampl.Put(sk, acc, now.Add(amplificationWindow))

	if acc.packets >= amplificationMinSamples && acc.bytesIn > 0 && acc.bytesOut/acc.bytesIn > maxAmplificationRatio {
		f.escalate(sk.Addr, now, mapset.ReasonAmplification)
	}
}

// estimatedReplyBytes approximates a pong/reply's size for ratio tracking
// when this filter itself doesn't synthesize the reply (that's the
// userspace fallback synthesizer's job, §4.10) — a pong carrying a MOTD is
// typically an order of magnitude larger than the ping that provoked it.
func estimatedReplyBytes(inBytes uint64) uint64 {
	return inBytes * 15
}

func (f *Filter) escalate(src netip.Addr, now time.Time, reason mapset.Reason) {
	f.block.Add(mapset.Entry{
		Prefix: netip.PrefixFrom(src, src.BitLen()),
		Expiry: now.Add(amplificationBlockTTL),
		Reason: reason,
	})
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
