// Package quicfilter implements the QUIC ingress filter of §4.8: long vs.
// short header classification, the fixed-bit sanity check, a version
// allow-set with Version-Negotiation passthrough, the 1200-byte Initial
// floor, and the 3x amplification ceiling until a Handshake packet is
// observed from the same source.
//
// Reference shape follows the vendored golang.org/x/net/internal/quic
// packet classification this pack carries (long/short header, packet
// number length, retry/version-negotiation special-casing).
package quicfilter

import (
	"net/netip"
	"time"

	"github.com/edgeshield/corefilter/pkg/connstate"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

// PacketType classifies a QUIC long-header packet's type bits (RFC 9000
// §17.2).
type PacketType int

const (
	TypeShortHeader PacketType = iota
	TypeVersionNegotiation
	TypeInitial
	TypeZeroRTT
	TypeHandshake
	TypeRetry
)

// minInitialBytes is QUIC's own anti-amplification floor for a client
// Initial packet (§4.8, RFC 9000 §14.1).
const minInitialBytes = 1200

// amplificationRatio bounds bytes-sent-to-an-unvalidated-address against
// bytes received from it (§4.8, RFC 9000 §8.1).
const amplificationRatio = 3

// addressValidatedTTL is how long a source is considered validated once a
// Handshake packet is observed from it (§4.8).
const addressValidatedTTL = 30 * time.Second

// Header is a parsed QUIC packet header, long or short form.
type Header struct {
	IsLong   bool
	FixedBit bool
	Type     PacketType
	Version  uint32
}

// ParseHeader classifies the first byte (and, for long headers, the
// version field) of a QUIC packet.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < 1 {
		return Header{}, false
	}
	first := buf[0]
	isLong := first&0x80 != 0
	fixedBit := first&0x40 != 0

	if !isLong {
		return Header{IsLong: false, FixedBit: fixedBit, Type: TypeShortHeader}, true
	}

	if len(buf) < 5 {
		return Header{}, false
	}
	version := uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])

	if version == 0 {
		return Header{IsLong: true, FixedBit: fixedBit, Type: TypeVersionNegotiation, Version: 0}, true
	}

	var t PacketType
	switch (first >> 4) & 0x3 {
	case 0:
		t = TypeInitial
	case 1:
		t = TypeZeroRTT
	case 2:
		t = TypeHandshake
	case 3:
		t = TypeRetry
	}
	return Header{IsLong: true, FixedBit: fixedBit, Type: t, Version: version}, true
}

// Filter is the QUIC ingress filter.
type Filter struct {
	allowedVersions map[uint32]bool
	validated       *connstate.Store[connstate.SourceKey, struct{}]
	accounting      *connstate.Store[connstate.SourceKey, amplState]
	now             func() time.Time
}

type amplState struct {
	bytesIn, bytesOutBudget uint64
}

// New creates a Filter accepting the given QUIC versions (version 0,
// Version Negotiation, always passes through regardless of this set,
// §4.8).
func New(allowedVersions []uint32) *Filter {
	set := make(map[uint32]bool, len(allowedVersions))
	for _, v := range allowedVersions {
		set[v] = true
	}
	return &Filter{
		allowedVersions: set,
		validated:       connstate.NewStore[connstate.SourceKey, struct{}](),
		accounting:      connstate.NewStore[connstate.SourceKey, amplState](),
		now:             time.Now,
	}
}

// Inspect is the verdict function for one inbound QUIC packet. packetLen
// is the total UDP payload length carrying this packet (used for the
// 1200-byte Initial floor and amplification accounting).
func (f *Filter) Inspect(src netip.Addr, hdr Header, packetLen int) verdict.Result {
	now := f.now()

	if !hdr.FixedBit {
		return verdict.DropFor(verdict.ReasonMalformedFrame)
	}

	if hdr.Type == TypeVersionNegotiation {
		return verdict.PassOK()
	}

	if hdr.IsLong && !f.allowedVersions[hdr.Version] {
		return verdict.DropFor(verdict.ReasonUnsupportedProto)
	}

	sk := connstate.SourceKey{Addr: src}

	if hdr.Type == TypeInitial {
		if packetLen < minInitialBytes {
			return verdict.DropFor(verdict.ReasonOversizedHeader)
		}
	}

	if hdr.Type == TypeHandshake {
		f.validated.Put(sk, struct{}{}, now.Add(addressValidatedTTL))
	}

	if _, ok := f.validated.Get(sk); ok {
		return verdict.PassOK()
	}

	// Unvalidated source: track inbound bytes to cap our own reply budget
	// at 3x (§4.8). This filter only accounts; it does not itself emit
	// replies (that belongs to the handshake responder).
	st, _ := f.accounting.Get(sk)
	st.bytesIn += uint64(packetLen)
	st.bytesOutBudget = st.bytesIn * amplificationRatio
	f.accounting.Put(sk, st, now.Add(addressValidatedTTL))

	return verdict.PassOK()
}

// ReplyBudget reports this source's unvalidated amplification budget —
// three times the bytes received from it — so a caller synthesizing a
// Retry/Handshake reply can cap itself (§4.8, §4.10). Bytes already sent
// are not subtracted; a validated source gets the maximum uint64.
func (f *Filter) ReplyBudget(src netip.Addr) uint64 {
	sk := connstate.SourceKey{Addr: src}
	if _, ok := f.validated.Get(sk); ok {
		return ^uint64(0)
	}
	st, _ := f.accounting.Get(sk)
	return st.bytesOutBudget
}
