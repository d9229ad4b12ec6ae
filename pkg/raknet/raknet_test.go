package raknet_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeshield/corefilter/pkg/raknet"
	"github.com/edgeshield/corefilter/pkg/ratelimit"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

var magic = [16]byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}

var src = netip.MustParseAddr("198.51.100.20")

func allowAllProto(uint8) bool { return true }

func newFilter() *raknet.Filter {
	return raknet.New(ratelimit.New(ratelimit.DefaultRules), nil, 400, 1500, allowAllProto)
}

func buildPing(id byte, guid uint64) []byte {
	p := make([]byte, 0, 33)
	p = append(p, id)
	p = append(p, make([]byte, 8)...) // timestamp
	p = append(p, magic[:]...)
	p = append(p, beBytes(guid)...)
	return p
}

func buildOpenConnReq1(proto byte, mtu int) []byte {
	p := make([]byte, mtu)
	p[0] = raknet.IDOpenConnectionRequest1
	copy(p[1:17], magic[:])
	p[17] = proto
	return p
}

func buildOpenConnReq2(mtu uint16, guid uint64) []byte {
	p := make([]byte, 34)
	p[0] = raknet.IDOpenConnectionRequest2
	copy(p[1:17], magic[:])
	p[17] = 4
	p[24] = byte(mtu >> 8)
	p[25] = byte(mtu)
	copy(p[26:34], beBytes(guid))
	return p
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func TestValidPingAccepted(t *testing.T) {
	f := newFilter()
	r := f.Inspect(src, buildPing(raknet.IDUnconnectedPing, 0xDEADBEEF))
	require.Equal(t, verdict.Pass, r.Verdict)
}

func TestPingWithBadMagicDropped(t *testing.T) {
	f := newFilter()
	p := buildPing(raknet.IDUnconnectedPing, 0x1)
	p[10] = 0xAA
	r := f.Inspect(src, p)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonMagicMismatch, r.Reason)
}

func TestUndersizedPingDropped(t *testing.T) {
	f := newFilter()
	p := buildPing(raknet.IDUnconnectedPing, 0x1)
	p = p[:25] // truncate off the GUID
	r := f.Inspect(src, p)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonBoundsViolation, r.Reason)
}

func TestServerOriginPacketRejected(t *testing.T) {
	f := newFilter()
	p := append([]byte{raknet.IDUnconnectedPong}, magic[:]...)
	r := f.Inspect(src, p)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonStateMachineViolation, r.Reason)
}

func TestMTUOutOfRangeRejected(t *testing.T) {
	f := newFilter()
	small := buildOpenConnReq1(11, 300)
	r := f.Inspect(src, small)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonBoundsViolation, r.Reason)

	large := buildOpenConnReq1(11, 2000)
	r = f.Inspect(netip.MustParseAddr("198.51.100.21"), large)
	require.Equal(t, verdict.Drop, r.Verdict)
}

func TestFullHandshakeSequence(t *testing.T) {
	f := newFilter()
	s := netip.MustParseAddr("198.51.100.22")

	r := f.Inspect(s, buildOpenConnReq1(11, 1400))
	require.Equal(t, verdict.Pass, r.Verdict)

	r = f.Inspect(s, buildOpenConnReq2(1400, 0xDEADBEEF))
	require.Equal(t, verdict.Pass, r.Verdict)

	r = f.Inspect(s, []byte{raknet.IDConnectionRequest})
	require.Equal(t, verdict.Pass, r.Verdict)

	dataPkt := []byte{0x84, 0x00, 0x00, 0x00}
	r = f.Inspect(s, dataPkt)
	require.Equal(t, verdict.Pass, r.Verdict)
}

func TestOpenConnReq2WithoutReq1Rejected(t *testing.T) {
	f := newFilter()
	s := netip.MustParseAddr("198.51.100.23")
	r := f.Inspect(s, buildOpenConnReq2(1400, 1))
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonStateMachineViolation, r.Reason)
}

func TestDataPacketWithoutHandshakeRejected(t *testing.T) {
	f := newFilter()
	s := netip.MustParseAddr("198.51.100.24")
	r := f.Inspect(s, []byte{0x84, 0x00, 0x00, 0x00})
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonStateMachineViolation, r.Reason)
}

func TestPingFloodBlocklistedBeforeRateLimit(t *testing.T) {
	// A generous per-source burst still can't mask a ping flood: the
	// amplification ratio trips after amplificationMinSamples pings, well
	// before the rate limiter's own burst of 50 would ever be exhausted.
	rules := ratelimit.DefaultRules
	rules[ratelimit.ClassRakNetPing] = ratelimit.Rule{RefillPerSec: 0, Burst: 50}
	f := raknet.New(ratelimit.New(rules), nil, 400, 1500, allowAllProto)
	s := netip.MustParseAddr("198.51.100.25")

	allowed, dropped := 0, 0
	for i := 0; i < 70; i++ {
		r := f.Inspect(s, buildPing(raknet.IDUnconnectedPing, uint64(i)))
		switch r.Verdict {
		case verdict.Pass:
			allowed++
		case verdict.Drop:
			dropped++
			require.Equal(t, verdict.ReasonBlocklisted, r.Reason)
		}
	}
	require.Equal(t, 5, allowed)
	require.Equal(t, 65, dropped)
}

func TestConnReqFloodRateLimited(t *testing.T) {
	// Open-Connection-Request floods aren't amplification vectors here
	// (they don't feed the ratio tracker), so this exercises
	// ClassRakNetConnReq's own burst in isolation.
	rules := ratelimit.DefaultRules
	rules[ratelimit.ClassRakNetConnReq] = ratelimit.Rule{RefillPerSec: 0, Burst: 20}
	f := raknet.New(ratelimit.New(rules), nil, 400, 1500, allowAllProto)
	s := netip.MustParseAddr("198.51.100.31")

	allowed, dropped := 0, 0
	for i := 0; i < 30; i++ {
		r := f.Inspect(s, buildOpenConnReq1(11, 1400))
		switch r.Verdict {
		case verdict.Pass:
			allowed++
		case verdict.Drop:
			dropped++
			require.Equal(t, verdict.ReasonRateLimited, r.Reason)
		}
	}
	require.Equal(t, 20, allowed)
	require.Equal(t, 10, dropped)
}

func TestOversizedPingDropped(t *testing.T) {
	f := newFilter()
	p := buildPing(raknet.IDUnconnectedPing, 0x1)
	p = append(p, 0xAA, 0xAA, 0xAA) // pad past the exact 33-byte length
	r := f.Inspect(src, p)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonBoundsViolation, r.Reason)
}

func TestOpenConnReq2GuidMismatchRejected(t *testing.T) {
	f := newFilter()
	s := netip.MustParseAddr("198.51.100.27")

	r := f.Inspect(s, buildPing(raknet.IDUnconnectedPing, 0x1111111111111111))
	require.Equal(t, verdict.Pass, r.Verdict)

	r = f.Inspect(s, buildOpenConnReq1(11, 1400))
	require.Equal(t, verdict.Pass, r.Verdict)

	r = f.Inspect(s, buildOpenConnReq2(1400, 0x2222222222222222))
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonGuidMismatch, r.Reason)
}

func TestOpenConnReq2GuidConsistentAccepted(t *testing.T) {
	f := newFilter()
	s := netip.MustParseAddr("198.51.100.28")
	guid := uint64(0x123456789ABCDEF0)

	r := f.Inspect(s, buildPing(raknet.IDUnconnectedPing, guid))
	require.Equal(t, verdict.Pass, r.Verdict)

	r = f.Inspect(s, buildOpenConnReq1(11, 1400))
	require.Equal(t, verdict.Pass, r.Verdict)

	r = f.Inspect(s, buildOpenConnReq2(1400, guid))
	require.Equal(t, verdict.Pass, r.Verdict)
}

func TestAmplificationEscalatesToBlocklist(t *testing.T) {
	// A lone ping/pong exchange mustn't trip the ratio (it's inherently
	// ~15x); a short run of them must.
	f := newFilter()
	s := netip.MustParseAddr("198.51.100.29")

	var last verdict.Result
	for i := 0; i < 10; i++ {
		last = f.Inspect(s, buildPing(raknet.IDUnconnectedPing, uint64(i)))
		if last.Verdict == verdict.Drop {
			break
		}
	}
	require.Equal(t, verdict.Drop, last.Verdict)
	require.Equal(t, verdict.ReasonBlocklisted, last.Reason)

	r := f.Inspect(s, buildPing(raknet.IDUnconnectedPing, 999))
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonBlocklisted, r.Reason)
}

func TestDisallowedProtocolVersionRejected(t *testing.T) {
	f := raknet.New(ratelimit.New(ratelimit.DefaultRules), nil, 400, 1500, func(p uint8) bool { return p == 11 })
	s := netip.MustParseAddr("198.51.100.26")
	r := f.Inspect(s, buildOpenConnReq1(50, 1400))
	require.Equal(t, verdict.Drop, r.Verdict)
}
