// Package verdict defines the four-way outcome every ingress filter in
// corefilter returns for a packet, and the stable reason-code taxonomy
// counters are keyed by.
package verdict

import "fmt"

// Verdict is the decision an ingress filter makes about a single packet.
type Verdict int

const (
	// Pass hands the packet to the next attached filter, or the host stack.
	Pass Verdict = iota
	// Drop discards the packet; nothing is sent back to the client.
	Drop
	// TX bounces a synthesized reply (e.g. a SYN-ACK cookie, a RakNet pong)
	// back out the ingress interface instead of forwarding the packet.
	TX
	// Redirect steers the frame to another device (multi-queue / XDP_REDIRECT
	// equivalent); corefilter never originates one itself, but carries the
	// verdict so a host integration can act on it.
	Redirect
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	case TX:
		return "tx"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Reason is a stable, enumerated cause attached to a Drop/TX verdict. Reason
// codes are the only externally visible error channel (§7): filters never
// return a Go error on the hot path, they return a Verdict plus a Reason.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMalformedFrame
	ReasonUnsupportedFamily
	ReasonUnsupportedProto
	ReasonBoundsViolation
	ReasonInvalidFlags
	ReasonCookieInvalid
	ReasonRateLimited
	ReasonStateMachineViolation
	ReasonGuidMismatch
	ReasonMagicMismatch
	ReasonNegativeVarInt
	ReasonAmplificationCeiling
	ReasonOversizedHeader
	ReasonOversizedFrame
	ReasonTimeout
	ReasonBlocklisted
	ReasonFragment
	ReasonConnectionCap
	numReasons
)

var reasonNames = [numReasons]string{
	ReasonNone:                  "none",
	ReasonMalformedFrame:        "malformed-frame",
	ReasonUnsupportedFamily:     "unsupported-family",
	ReasonUnsupportedProto:      "unsupported-proto",
	ReasonBoundsViolation:       "bounds-violation",
	ReasonInvalidFlags:          "invalid-flags",
	ReasonCookieInvalid:         "cookie-invalid",
	ReasonRateLimited:           "rate-limited",
	ReasonStateMachineViolation: "state-machine-violation",
	ReasonGuidMismatch:          "guid-mismatch",
	ReasonMagicMismatch:         "magic-mismatch",
	ReasonNegativeVarInt:        "negative-varint",
	ReasonAmplificationCeiling:  "amplification-ceiling",
	ReasonOversizedHeader:       "oversized-header",
	ReasonOversizedFrame:        "oversized-frame",
	ReasonTimeout:               "timeout",
	ReasonBlocklisted:           "blocklisted",
	ReasonFragment:              "fragment",
	ReasonConnectionCap:         "connection-cap",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= int(numReasons) {
		return fmt.Sprintf("reason(%d)", int(r))
	}
	return reasonNames[r]
}

// NumReasons is the number of enumerated reason codes, i.e. the size the
// per-CPU counters array (§3, §4.9) needs to be.
const NumReasons = int(numReasons)

// Result bundles a verdict with its reason and, for TX, the synthesized
// reply bytes. It is the common return shape of every filter's inspect
// entrypoint.
type Result struct {
	Verdict Verdict
	Reason  Reason
	Reply   []byte // only set when Verdict == TX
}

func Pkt(v Verdict, r Reason) Result { return Result{Verdict: v, Reason: r} }

func PassOK() Result { return Result{Verdict: Pass, Reason: ReasonNone} }

func DropFor(r Reason) Result { return Result{Verdict: Drop, Reason: r} }

func Bounce(reply []byte) Result { return Result{Verdict: TX, Reason: ReasonNone, Reply: reply} }
