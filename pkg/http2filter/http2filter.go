// Package http2filter implements the HTTP/2 ingress filter of §4.7: 9-byte
// frame-header parsing, a length ceiling bounded by the negotiated
// SETTINGS_MAX_FRAME_SIZE, stream-0 rules per frame type, and per-type
// rate limiting of the zero-cost-to-send control frames (SETTINGS, PING,
// WINDOW_UPDATE, RST_STREAM) that are the classic HTTP/2 flood vector.
package http2filter

import (
	"net/netip"

	"github.com/edgeshield/corefilter/pkg/ratelimit"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

// FrameType enumerates the HTTP/2 frame types this filter recognizes
// (RFC 7540 §6).
type FrameType uint8

const (
	FrameData        FrameType = 0x00
	FrameHeaders      FrameType = 0x01
	FramePriority    FrameType = 0x02
	FrameRSTStream   FrameType = 0x03
	FrameSettings    FrameType = 0x04
	FramePushPromise FrameType = 0x05
	FramePing        FrameType = 0x06
	FrameGoAway      FrameType = 0x07
	FrameWindowUpdate FrameType = 0x08
	FrameContinuation FrameType = 0x09
)

// frameHeaderBytes is the fixed HTTP/2 frame header size (§4.7).
const frameHeaderBytes = 9

// minMaxFrameSize and maxMaxFrameSize bound the only legal range for a
// peer-advertised SETTINGS_MAX_FRAME_SIZE (RFC 7540 §6.5.2, §4.7).
const (
	minMaxFrameSize = 16384
	maxMaxFrameSize = (1 << 24) - 1
)

// mustBeStreamZero and mustNotBeStreamZero name the frame types whose
// stream ID is constrained (§4.7).
func mustBeStreamZero(t FrameType) bool {
	switch t {
	case FrameSettings, FramePing, FrameGoAway:
		return true
	default:
		return false
	}
}

func mustNotBeStreamZero(t FrameType) bool {
	switch t {
	case FrameData, FrameHeaders, FramePriority, FrameRSTStream, FramePushPromise, FrameContinuation:
		return true
	default:
		return false
	}
}

// Header is a parsed HTTP/2 frame header.
type Header struct {
	Length   uint32
	Type     FrameType
	Flags    uint8
	StreamID uint32
}

// ParseHeader decodes the 9-byte frame header at the front of buf.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < frameHeaderBytes {
		return Header{}, false
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	streamID := (uint32(buf[5])<<24 | uint32(buf[6])<<16 | uint32(buf[7])<<8 | uint32(buf[8])) & 0x7fffffff
	return Header{
		Length:   length,
		Type:     FrameType(buf[3]),
		Flags:    buf[4],
		StreamID: streamID,
	}, true
}

// Filter is the HTTP/2 ingress filter. One Filter instance is shared
// across connections; per-source state lives in the rate limiter's own
// bucket map.
type Filter struct {
	limits       *ratelimit.Limiter
	maxFrameSize uint32
}

// New creates a Filter honoring maxFrameSize as the negotiated
// SETTINGS_MAX_FRAME_SIZE ceiling (§6: max_http2_frame), clamped to the
// protocol's legal range.
func New(limits *ratelimit.Limiter, maxFrameSize uint32) *Filter {
	if maxFrameSize < minMaxFrameSize {
		maxFrameSize = minMaxFrameSize
	}
	if maxFrameSize > maxMaxFrameSize {
		maxFrameSize = maxMaxFrameSize
	}
	return &Filter{limits: limits, maxFrameSize: maxFrameSize}
}

// Inspect validates one frame header for packets arriving from src.
func (f *Filter) Inspect(src netip.Addr, hdr Header) verdict.Result {
	if hdr.Length > f.maxFrameSize {
		return verdict.DropFor(verdict.ReasonOversizedFrame)
	}

	if mustBeStreamZero(hdr.Type) && hdr.StreamID != 0 {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	if mustNotBeStreamZero(hdr.Type) && hdr.StreamID == 0 {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}

	class, limited := classFor(hdr.Type)
	if limited && !f.limits.Allow(src, class) {
		return verdict.DropFor(verdict.ReasonRateLimited)
	}

	return verdict.PassOK()
}

// classFor maps the control-frame types prone to flooding onto a rate
// limit class (§4.7: "SETTINGS/PING/WINDOW_UPDATE floods", "RST_STREAM <=
// 100/s" against the Rapid-Reset-style abuse of client-initiated resets).
// Other frame types aren't independently rate limited here — the TCP
// connection cap/limiters upstream already bound overall traffic from a
// source.
func classFor(t FrameType) (ratelimit.Class, bool) {
	switch t {
	case FrameSettings:
		return ratelimit.ClassH2Settings, true
	case FramePing:
		return ratelimit.ClassH2Ping, true
	case FrameRSTStream:
		return ratelimit.ClassH2RSTStream, true
	case FrameWindowUpdate:
		return ratelimit.ClassACK, true
	default:
		return 0, false
	}
}
