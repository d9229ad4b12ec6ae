package quicfilter_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeshield/corefilter/pkg/quicfilter"
	"github.com/edgeshield/corefilter/pkg/verdict"
)

var src = netip.MustParseAddr("198.51.100.50")

func TestParseShortHeader(t *testing.T) {
	hdr, ok := quicfilter.ParseHeader([]byte{0x40})
	require.True(t, ok)
	require.False(t, hdr.IsLong)
	require.True(t, hdr.FixedBit)
}

func TestParseLongHeaderInitial(t *testing.T) {
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x01}
	hdr, ok := quicfilter.ParseHeader(buf)
	require.True(t, ok)
	require.True(t, hdr.IsLong)
	require.Equal(t, quicfilter.TypeInitial, hdr.Type)
	require.Equal(t, uint32(1), hdr.Version)
}

func TestParseVersionNegotiation(t *testing.T) {
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x00}
	hdr, ok := quicfilter.ParseHeader(buf)
	require.True(t, ok)
	require.Equal(t, quicfilter.TypeVersionNegotiation, hdr.Type)
}

func TestFixedBitViolationRejected(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	buf := []byte{0x80, 0x00, 0x00, 0x00, 0x01} // long header, fixed bit clear
	hdr, _ := quicfilter.ParseHeader(buf)
	r := f.Inspect(src, hdr, 1200)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonMalformedFrame, r.Reason)
}

func TestShortHeaderFixedBitViolationRejected(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	hdr, _ := quicfilter.ParseHeader([]byte{0x00}) // short header, fixed bit clear
	r := f.Inspect(src, hdr, 100)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonMalformedFrame, r.Reason)
}

func TestVersionNegotiationAlwaysPasses(t *testing.T) {
	f := quicfilter.New([]uint32{1}) // doesn't include version 0, irrelevant
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x00}
	hdr, _ := quicfilter.ParseHeader(buf)
	r := f.Inspect(src, hdr, 5)
	require.Equal(t, verdict.Pass, r.Verdict)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x02}
	hdr, _ := quicfilter.ParseHeader(buf)
	r := f.Inspect(src, hdr, 1200)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonUnsupportedProto, r.Reason)
}

func TestUndersizedInitialRejected(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x01}
	hdr, _ := quicfilter.ParseHeader(buf)
	r := f.Inspect(src, hdr, 500)
	require.Equal(t, verdict.Drop, r.Verdict)
	require.Equal(t, verdict.ReasonOversizedHeader, r.Reason)
}

func TestValidInitialAccepted(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x01}
	hdr, _ := quicfilter.ParseHeader(buf)
	r := f.Inspect(src, hdr, 1200)
	require.Equal(t, verdict.Pass, r.Verdict)
}

func TestAmplificationBudgetTracksThreeX(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	buf := []byte{0xC0, 0x00, 0x00, 0x00, 0x01}
	hdr, _ := quicfilter.ParseHeader(buf)
	f.Inspect(src, hdr, 1200)
	require.Equal(t, uint64(3600), f.ReplyBudget(src))
}

func TestHandshakePacketValidatesAddress(t *testing.T) {
	f := quicfilter.New([]uint32{1})
	initial, _ := quicfilter.ParseHeader([]byte{0xC0, 0x00, 0x00, 0x00, 0x01})
	f.Inspect(src, initial, 1200)

	handshake, _ := quicfilter.ParseHeader([]byte{0xE0, 0x00, 0x00, 0x00, 0x01})
	r := f.Inspect(src, handshake, 100)
	require.Equal(t, verdict.Pass, r.Verdict)

	require.Equal(t, ^uint64(0), f.ReplyBudget(src))
}
