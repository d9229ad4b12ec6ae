// Package netpkt implements the zero-copy, bounds-checked frame parsers of
// §4.1: Ethernet, IPv4, IPv6, TCP and UDP. The decoder style — a flat
// struct returned by each Parse* function over a borrowed byte slice —
// follows tailscale.com/net/packet's packet.Parsed, which the teacher
// filter (wgengine/filter/filter.go) is built against.
//
// Every parser takes a cursor and the original slice and reports the
// offset of the next layer (l3Offset / PayloadOff); none of them ever read
// past len(buf) ("frame_end" in the spec's words), and none of them copy.
package netpkt

import (
	"encoding/binary"
	"net/netip"
)

// EtherType values we care about; anything else is handed back to the host
// stack unchanged (§4.1 Ethernet contract).
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86DD
)

// IPProto mirrors the IANA protocol numbers this core understands.
type IPProto uint8

const (
	ProtoTCP IPProto = 6
	ProtoUDP IPProto = 17
)

// TCP flag bits, as they sit in the low 6 bits of the flags byte.
const (
	TCPFIN uint8 = 1 << 0
	TCPSYN uint8 = 1 << 1
	TCPRST uint8 = 1 << 2
	TCPPSH uint8 = 1 << 3
	TCPACK uint8 = 1 << 4
	TCPURG uint8 = 1 << 5
)

const ethHeaderLen = 14

// EthernetView reports the frame's ethertype and the offset of the L3
// payload. It returns ok=false (PASS unchanged, per §4.1) for any ethertype
// other than IPv4/IPv6, or if the frame is too short to hold an Ethernet
// header.
func EthernetView(frame []byte) (ethertype uint16, l3Offset int, ok bool) {
	if len(frame) < ethHeaderLen {
		return 0, 0, false
	}
	et := binary.BigEndian.Uint16(frame[12:14])
	if et != EtherTypeIPv4 && et != EtherTypeIPv6 {
		return et, ethHeaderLen, false
	}
	return et, ethHeaderLen, true
}

// IPv4 is the subset of the IPv4 header needed by the filters: version/IHL
// validated, total length bounds-checked against the frame, fragment
// status decoded, and the L4 payload offset computed.
type IPv4 struct {
	Src, Dst    netip.Addr
	Proto       IPProto
	TotalLen    int
	HeaderLen   int
	PayloadOff  int
	PayloadEnd  int
	MoreFrags   bool
	FragOffset  uint16 // in 8-byte units, per RFC 791
	IsFragment  bool
	IsFirstFrag bool
}

// ParseIPv4 validates and decodes an IPv4 header starting at off within
// frame. It requires version=4, IHL≥5, and total_length ≤ len(frame)
// (§4.1). Only TCP and UDP are accepted as inner protocols; any other
// protocol is reported via ok=false, the same result as a malformed
// header, so the caller cannot tell the two cases apart.
func ParseIPv4(frame []byte, off int) (hdr IPv4, ok bool) {
	if off+20 > len(frame) {
		return IPv4{}, false
	}
	b := frame[off:]
	verIHL := b[0]
	version := verIHL >> 4
	ihl := int(verIHL&0x0f) * 4
	if version != 4 || ihl < 20 {
		return IPv4{}, false
	}
	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	if totalLen < ihl || off+totalLen > len(frame) {
		return IPv4{}, false
	}
	proto := IPProto(b[9])
	if proto != ProtoTCP && proto != ProtoUDP {
		return IPv4{}, false
	}
	if off+ihl > len(frame) {
		return IPv4{}, false
	}
	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	moreFrags := flagsFrag&0x2000 != 0
	fragOff := flagsFrag & 0x1fff

	src, _ := netip.AddrFromSlice(b[12:16])
	dst, _ := netip.AddrFromSlice(b[16:20])

	return IPv4{
		Src:         src.Unmap(),
		Dst:         dst.Unmap(),
		Proto:       proto,
		TotalLen:    totalLen,
		HeaderLen:   ihl,
		PayloadOff:  off + ihl,
		PayloadEnd:  off + totalLen,
		MoreFrags:   moreFrags,
		FragOffset:  fragOff,
		IsFragment:  moreFrags || fragOff > 0,
		IsFirstFrag: fragOff == 0 && moreFrags,
	}, true
}

// maxIPv6Extensions bounds the next-header chain walk (§4.1: "reject if
// chain exceeds 6 extensions") so IPv6 parsing is a compile-time-bounded
// loop like everything else in this core.
const maxIPv6Extensions = 6

const (
	nhHopByHop   = 0
	nhRouting    = 43
	nhFragment   = 44
	nhDestOpts   = 60
	nhTCP        = 6
	nhUDP        = 17
	nhNoNext     = 59
)

// IPv6 is the decoded subset of an IPv6 header/extension chain.
type IPv6 struct {
	Src, Dst   netip.Addr
	Proto      IPProto
	PayloadOff int
	PayloadEnd int
}

// ParseIPv6 walks the fixed header and a bounded list of extension headers
// (Hop-by-Hop, Routing, Fragment, Destination) until it finds TCP or UDP,
// or gives up after maxIPv6Extensions hops (§4.1).
func ParseIPv6(frame []byte, off int) (hdr IPv6, ok bool) {
	if off+40 > len(frame) {
		return IPv6{}, false
	}
	b := frame[off:]
	if b[0]>>4 != 6 {
		return IPv6{}, false
	}
	payloadLen := int(binary.BigEndian.Uint16(b[4:6]))
	nextHeader := b[6]
	src, _ := netip.AddrFromSlice(b[8:24])
	dst, _ := netip.AddrFromSlice(b[24:40])

	end := off + 40 + payloadLen
	if end > len(frame) {
		return IPv6{}, false
	}
	cursor := off + 40

	for i := 0; i <= maxIPv6Extensions; i++ {
		switch nextHeader {
		case nhTCP, nhUDP:
			return IPv6{
				Src:        src,
				Dst:        dst,
				Proto:      IPProto(nextHeader),
				PayloadOff: cursor,
				PayloadEnd: end,
			}, true
		case nhHopByHop, nhRouting, nhDestOpts:
			if cursor+2 > end {
				return IPv6{}, false
			}
			nh := frame[cursor]
			extLen := int(frame[cursor+1])*8 + 8
			if cursor+extLen > end {
				return IPv6{}, false
			}
			nextHeader = nh
			cursor += extLen
		case nhFragment:
			if cursor+8 > end {
				return IPv6{}, false
			}
			nextHeader = frame[cursor]
			cursor += 8
		default:
			return IPv6{}, false
		}
	}
	// Chain exceeded maxIPv6Extensions hops: reject (§4.1).
	return IPv6{}, false
}

// TCP is the decoded subset of a TCP header, plus the MSS option if
// present (§4.1: "options parsed only for MSS").
type TCP struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOffset       int // in 32-bit words, 5..15
	Flags            uint8
	Window           uint16
	MSS              uint16 // 0 if absent
	PayloadOff       int
	PayloadEnd       int
}

// ParseTCP validates a TCP header within [off, end) of frame. DataOffset
// must land in [5,15] 32-bit words and fit inside [off, end).
func ParseTCP(frame []byte, off, end int) (hdr TCP, ok bool) {
	if off+20 > end || end > len(frame) {
		return TCP{}, false
	}
	b := frame[off:end]
	dataOff := int(b[12] >> 4)
	if dataOff < 5 || dataOff > 15 {
		return TCP{}, false
	}
	hdrLen := dataOff * 4
	if off+hdrLen > end {
		return TCP{}, false
	}
	flags := b[13] & 0x3f
	window := binary.BigEndian.Uint16(b[14:16])

	t := TCP{
		SrcPort:    binary.BigEndian.Uint16(b[0:2]),
		DstPort:    binary.BigEndian.Uint16(b[2:4]),
		Seq:        binary.BigEndian.Uint32(b[4:8]),
		Ack:        binary.BigEndian.Uint32(b[8:12]),
		DataOffset: dataOff,
		Flags:      flags,
		Window:     window,
		PayloadOff: off + hdrLen,
		PayloadEnd: end,
	}
	if mss, has := parseMSSOption(frame[off+20 : off+hdrLen]); has {
		t.MSS = mss
	}
	return t, true
}

// maxTCPOptionSteps bounds the options walk; a 15-word header has at most
// 40 bytes of options, so this can never iterate more than 40 times, but we
// pin an explicit constant for verifier-style provable termination (§9).
const maxTCPOptionSteps = 40

// parseMSSOption finds kind=2 (MSS) in a TCP options block. Other options
// (timestamps, SACK, window scale) are skipped unread: §9's open question
// notes the source leaves their handling to the implementation, and this
// core only needs MSS for the SYN-cookie MSS-class table.
func parseMSSOption(opts []byte) (mss uint16, ok bool) {
	i := 0
	for step := 0; step < maxTCPOptionSteps && i < len(opts); step++ {
		kind := opts[i]
		switch kind {
		case 0: // end of options
			return 0, false
		case 1: // NOP
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0, false
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return 0, false
		}
		if kind == 2 && l == 4 {
			return binary.BigEndian.Uint16(opts[i+2 : i+4]), true
		}
		i += l
	}
	return 0, false
}

// UDP is the decoded subset of a UDP header.
type UDP struct {
	SrcPort, DstPort uint16
	Length           int
	PayloadOff       int
	PayloadEnd       int
}

// ParseUDP validates a UDP header within [off, end) of frame.
func ParseUDP(frame []byte, off, end int) (hdr UDP, ok bool) {
	if off+8 > end || end > len(frame) {
		return UDP{}, false
	}
	b := frame[off:end]
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < 8 || off+length > len(frame) {
		return UDP{}, false
	}
	return UDP{
		SrcPort:    binary.BigEndian.Uint16(b[0:2]),
		DstPort:    binary.BigEndian.Uint16(b[2:4]),
		Length:     length,
		PayloadOff: off + 8,
		PayloadEnd: off + length,
	}, true
}
