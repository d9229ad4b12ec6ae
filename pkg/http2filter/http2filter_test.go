package http2filter_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeshield/corefilter/pkg/http2filter"
	"github.com/edgeshield/corefilter/pkg/ratelimit"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

var src = netip.MustParseAddr("198.51.100.40")

func frameBytes(length uint32, typ http2filter.FrameType, flags uint8, streamID uint32) []byte {
	b := make([]byte, 9)
	b[0] = byte(length >> 16)
	b[1] = byte(length >> 8)
	b[2] = byte(length)
	b[3] = byte(typ)
	b[4] = flags
	b[5] = byte(streamID >> 24)
	b[6] = byte(streamID >> 16)
	b[7] = byte(streamID >> 8)
	b[8] = byte(streamID)
	return b
}

func TestParseHeaderRoundTrip(t *testing.T) {
	buf := frameBytes(8, http2filter.FramePing, 0, 0)
	hdr, ok := http2filter.ParseHeader(buf)
	require.True(t, ok)
	require.Equal(t, uint32(8), hdr.Length)
	require.Equal(t, http2filter.FramePing, hdr.Type)
	require.Equal(t, uint32(0), hdr.StreamID)
}

func TestParseHeaderTooShort(t *testing.T) {
	_, ok := http2filter.ParseHeader([]byte{0x00, 0x00})
	require.False(t, ok)
}

func TestSettingsOnStreamZeroAccepted(t *testing.T) {
	f := http2filter.New(ratelimit.New(ratelimit.DefaultRules), 16384)
	hdr, _ := http2filter.ParseHeader(frameBytes(0, http2filter.FrameSettings, 0, 0))
	r := f.Inspect(src, hdr)
	require.Equal(t, verdict.Pass, r.Verdict)
}

func TestSettingsOnNonZeroStreamRejected(t *testing.T) {
	f := http2filter.New(ratelimit.New(ratelimit.DefaultRules), 16384)
	hdr, _ := http2filter.ParseHeader(frameBytes(0, http2filter.FrameSettings, 0, 1))
	r := f.Inspect(src, hdr)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonStateMachineViolation, r.Reason)
}

func TestDataOnStreamZeroRejected(t *testing.T) {
	f := http2filter.New(ratelimit.New(ratelimit.DefaultRules), 16384)
	hdr, _ := http2filter.ParseHeader(frameBytes(5, http2filter.FrameData, 0, 0))
	r := f.Inspect(src, hdr)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonStateMachineViolation, r.Reason)
}

func TestOversizedFrameRejected(t *testing.T) {
	f := http2filter.New(ratelimit.New(ratelimit.DefaultRules), 16384)
	hdr, _ := http2filter.ParseHeader(frameBytes(1<<20, http2filter.FrameData, 0, 1))
	r := f.Inspect(src, hdr)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonOversizedFrame, r.Reason)
}

func TestMaxFrameSizeClampedToProtocolMinimum(t *testing.T) {
	f := http2filter.New(ratelimit.New(ratelimit.DefaultRules), 100) // below legal minimum of 16384
	withinClamped, _ := http2filter.ParseHeader(frameBytes(16000, http2filter.FrameData, 0, 1))
	r := f.Inspect(src, withinClamped)
	require.Equal(t, verdict.Pass, r.Verdict)

	overClamped, _ := http2filter.ParseHeader(frameBytes(20000, http2filter.FrameData, 0, 1))
	r = f.Inspect(src, overClamped)
	require.Equal(t, verdict.Drop, r.Verdict)
}

func TestSettingsFloodRateLimited(t *testing.T) {
	rules := ratelimit.DefaultRules
	rules[ratelimit.ClassH2Settings] = ratelimit.Rule{RefillPerSec: 0, Burst: 20}
	f := http2filter.New(ratelimit.New(rules), 16384)

	allowed, dropped := 0, 0
	for i := 0; i < 30; i++ {
		hdr, _ := http2filter.ParseHeader(frameBytes(0, http2filter.FrameSettings, 0, 0))
		r := f.Inspect(src, hdr)
		switch r.Verdict {
		case verdict.Pass:
			allowed++
		case verdict.Drop:
			dropped++
		}
	}
	require.Equal(t, 20, allowed)
	require.Equal(t, 10, dropped)
}

func TestPingFloodRateLimited(t *testing.T) {
	rules := ratelimit.DefaultRules
	rules[ratelimit.ClassH2Ping] = ratelimit.Rule{RefillPerSec: 0, Burst: 10}
	f := http2filter.New(ratelimit.New(rules), 16384)

	allowed := 0
	for i := 0; i < 25; i++ {
		hdr, _ := http2filter.ParseHeader(frameBytes(8, http2filter.FramePing, 0, 0))
		r := f.Inspect(src, hdr)
		if r.Verdict == verdict.Pass {
			allowed++
		}
	}
	require.Equal(t, 10, allowed)
}

func TestRSTStreamFloodRateLimited(t *testing.T) {
	rules := ratelimit.DefaultRules
	rules[ratelimit.ClassH2RSTStream] = ratelimit.Rule{RefillPerSec: 0, Burst: 100}
	f := http2filter.New(ratelimit.New(rules), 16384)

	allowed := 0
	for i := 0; i < 150; i++ {
		hdr, _ := http2filter.ParseHeader(frameBytes(4, http2filter.FrameRSTStream, 0, uint32(i+1)))
		r := f.Inspect(src, hdr)
		if r.Verdict == verdict.Pass {
			allowed++
		}
	}
	require.Equal(t, 100, allowed)
}
