// Package minecraft implements the Minecraft Java handshake and
// post-handshake packet filter of §4.4: VarInt-framed packets, a
// handshake that pins protocol version / server address / next_state, and
// a per-state packet-id allow set that must reject negative VarInts as
// well as out-of-range ones (§4.4, §8 property 4).
package minecraft

import (
	"time"

	"github.com/edgeshield/corefilter/pkg/config"
	"github.com/edgeshield/corefilter/pkg/connstate"
	"github.com/edgeshield/corefilter/pkg/ratelimit"
	"github.com/edgeshield/corefilter/pkg/varint"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

// maxFrameBytes is the Minecraft protocol's own length-prefix ceiling
// (§4.4: "2^21-1 bytes").
const maxFrameBytes = (1 << 21) - 1

// maxServerAddressBytes bounds the handshake's server_address string
// (§4.4).
const maxServerAddressBytes = 255

// slowlorisTimeout evicts a state that hasn't progressed (§4.4: "any state
// older than 30 s without progress").
const slowlorisTimeout = 30 * time.Second

// NextState enumerates the handshake's next_state field (§4.4). 3
// (Transfer) is treated as Login for allow-set purposes.
type NextState int32

const (
	NextStatus   NextState = 1
	NextLogin    NextState = 2
	NextTransfer NextState = 3
)

// Kind tags the connection-state variants this filter owns (§3).
type Kind int

const (
	KindNone Kind = iota
	KindHandshakeSeen
	KindStatusOpen
	KindLoginOpen
	KindEncrypted
)

// State is this filter's slice of the tagged connection-state union.
type State struct {
	Kind            Kind
	ProtocolVersion int32
	NextState       NextState
}

// rank gives each Kind a monotonicity rank; a transition to a lower rank is
// a backward jump and must be rejected (§3 invariant).
func (k Kind) rank() int {
	switch k {
	case KindNone:
		return 0
	case KindHandshakeSeen:
		return 1
	case KindStatusOpen, KindLoginOpen:
		return 2
	case KindEncrypted:
		return 3
	default:
		return -1
	}
}

// statusPacketIDs and loginPacketIDs are the per-state allow sets of
// §4.4. Values are inclusive upper bounds; the filter always checks
// `id >= 0 && id <= max` — never `id <= max` alone (§4.4 critical
// invariant, §8 property 4).
const (
	statusMaxPacketID = 0x01
	loginMaxPacketID  = 0x03
	loginAckPacketID  = 0x03
)

// Filter is the per-connection Minecraft Java packet filter.
type Filter struct {
	cfg    config.Config
	limits *ratelimit.Limiter
	states *connstate.Store[connstate.ConnKey, State]
	now    func() time.Time
}

// New creates a Filter.
func New(cfg config.Config, limits *ratelimit.Limiter) *Filter {
	return &Filter{
		cfg:    cfg,
		limits: limits,
		states: connstate.NewStore[connstate.ConnKey, State](),
		now:    time.Now,
	}
}

// Frame is one fully-reassembled Minecraft packet with its VarInt length
// prefix already stripped by ParseFrame: the decoded VarInt packet_id and
// the remaining body bytes.
type Frame struct {
	PacketID int32
	Body     []byte
}

// ParseFrame decodes `VarInt length | VarInt packet_id | body` from buf,
// the framing contract of §4.4. It returns the frame, the total number of
// bytes consumed (including the length prefix), and a status:
// FrameIncomplete if buf does not yet contain a complete frame (caller
// keeps buffering) or FrameInvalid if the frame violates the size ceiling
// (caller DROPs).
func ParseFrame(buf []byte) (frame Frame, consumed int, status FrameStatus) {
	length, lenBytes, err := varint.Decode(buf)
	if err != nil {
		if err == varint.ErrTruncated {
			return Frame{}, 0, FrameIncomplete
		}
		return Frame{}, 0, FrameInvalid
	}
	if length < 0 || length > maxFrameBytes {
		return Frame{}, 0, FrameInvalid
	}
	total := lenBytes + int(length)
	if total > len(buf) {
		return Frame{}, 0, FrameIncomplete
	}
	body := buf[lenBytes:total]
	id, idBytes, err := varint.Decode(body)
	if err != nil {
		return Frame{}, 0, FrameInvalid
	}
	return Frame{PacketID: id, Body: body[idBytes:]}, total, FrameOK
}

// FrameStatus is ParseFrame's outcome.
type FrameStatus int

const (
	FrameOK FrameStatus = iota
	FrameIncomplete
	FrameInvalid
)

// Inspect processes one fully-parsed frame for the connection identified
// by key, returning a verdict. Callers own TCP segment reassembly; this
// function owns framing validation and protocol-state enforcement.
func (f *Filter) Inspect(key connstate.ConnKey, frame Frame) verdict.Result {
	now := f.now()
	st, ok := f.states.Get(key)
	if !ok {
		st = State{Kind: KindNone}
	}

	if st.Kind == KindEncrypted {
		// Encrypted: no further inspection, only byte-level limits apply
		// upstream (§3, §4.4).
		return verdict.PassOK()
	}

	if frame.PacketID < 0 {
		return verdict.DropFor(verdict.ReasonNegativeVarInt)
	}

	switch st.Kind {
	case KindNone:
		return f.inspectHandshake(key, frame, now)
	case KindHandshakeSeen:
		switch st.NextState {
		case NextStatus:
			return f.inspectStatusFirst(key, st, frame, now)
		default:
			return f.inspectLogin(key, st, frame, now)
		}
	case KindStatusOpen:
		return f.inspectStatus(key, frame, now)
	case KindLoginOpen:
		return f.inspectLoginBody(key, st, frame, now)
	default:
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
}

func (f *Filter) inspectHandshake(key connstate.ConnKey, frame Frame, now time.Time) verdict.Result {
	if frame.PacketID != 0x00 {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	if !f.limits.Allow(key.Src, ratelimit.ClassMCHandshake) {
		return verdict.DropFor(verdict.ReasonRateLimited)
	}

	body := frame.Body
	pv, n, err := varint.Decode(body)
	if err != nil {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if pv < 0 {
		return verdict.DropFor(verdict.ReasonNegativeVarInt)
	}
	if uint32(pv) < f.cfg.MCProtocolVersionMin || uint32(pv) > f.cfg.MCProtocolVersionMax {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	body = body[n:]

	_, n, err = varint.DecodeString(body, maxServerAddressBytes)
	if err != nil {
		return verdict.DropFor(verdict.ReasonOversizedHeader)
	}
	body = body[n:]

	if len(body) < 2 {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	body = body[2:] // server_port u16

	next, _, err := varint.Decode(body)
	if err != nil {
		return verdict.DropFor(verdict.ReasonBoundsViolation)
	}
	if next < 0 {
		return verdict.DropFor(verdict.ReasonNegativeVarInt)
	}
	if !f.cfg.AllowsNextState(next) {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}

	f.states.Put(key, State{Kind: KindHandshakeSeen, ProtocolVersion: pv, NextState: NextState(next)}, now.Add(slowlorisTimeout))
	return verdict.PassOK()
}

func (f *Filter) inspectStatusFirst(key connstate.ConnKey, st State, frame Frame, now time.Time) verdict.Result {
	if frame.PacketID < 0 || frame.PacketID > statusMaxPacketID {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	f.states.Put(key, State{Kind: KindStatusOpen, ProtocolVersion: st.ProtocolVersion, NextState: st.NextState}, now.Add(slowlorisTimeout))
	return verdict.PassOK()
}

func (f *Filter) inspectStatus(key connstate.ConnKey, frame Frame, now time.Time) verdict.Result {
	if frame.PacketID < 0 || frame.PacketID > statusMaxPacketID {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	f.refresh(key, now)
	return verdict.PassOK()
}

func (f *Filter) inspectLogin(key connstate.ConnKey, st State, frame Frame, now time.Time) verdict.Result {
	if frame.PacketID != 0x00 {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	f.states.Put(key, State{Kind: KindLoginOpen, ProtocolVersion: st.ProtocolVersion, NextState: st.NextState}, now.Add(slowlorisTimeout))
	return verdict.PassOK()
}

func (f *Filter) inspectLoginBody(key connstate.ConnKey, st State, frame Frame, now time.Time) verdict.Result {
	if frame.PacketID < 0 || frame.PacketID > loginMaxPacketID {
		return verdict.DropFor(verdict.ReasonStateMachineViolation)
	}
	if frame.PacketID == loginAckPacketID {
		f.states.Put(key, State{Kind: KindEncrypted, ProtocolVersion: st.ProtocolVersion, NextState: st.NextState}, now.Add(24*time.Hour))
		return verdict.PassOK()
	}
	f.refresh(key, now)
	return verdict.PassOK()
}

func (f *Filter) refresh(key connstate.ConnKey, now time.Time) {
	st, ok := f.states.Get(key)
	if !ok {
		return
	}
	f.states.Put(key, st, now.Add(slowlorisTimeout))
}
