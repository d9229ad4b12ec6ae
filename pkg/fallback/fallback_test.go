package fallback_test

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeshield/corefilter/pkg/fallback"
	"github.com/edgeshield/corefilter/pkg/varint"
)

func TestBuildDisconnectPacketLoginState(t *testing.T) {
	packet := fallback.BuildDisconnectPacket("Test", true)
	require.NotEmpty(t, packet)

	_, n, err := varint.Decode(packet)
	require.NoError(t, err)
	id, _, err := varint.Decode(packet[n:])
	require.NoError(t, err)
	require.Equal(t, int32(0x00), id)
}

func TestBuildDisconnectPacketPlayState(t *testing.T) {
	packet := fallback.BuildDisconnectPacket("Test", false)
	_, n, err := varint.Decode(packet)
	require.NoError(t, err)
	id, _, err := varint.Decode(packet[n:])
	require.NoError(t, err)
	require.Equal(t, int32(0x1D), id)
}

func TestBuildStatusResponseContainsExpectedFields(t *testing.T) {
	cfg := fallback.DefaultConfig()
	packet := fallback.BuildStatusResponse(cfg)

	_, n, err := varint.Decode(packet)
	require.NoError(t, err)
	body := packet[n:]
	id, idN, err := varint.Decode(body)
	require.NoError(t, err)
	require.Equal(t, int32(0x00), id)

	jsonStr, _, err := varint.DecodeString(body[idN:], 1<<20)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(jsonStr), &decoded))
	require.Contains(t, decoded, "version")
	require.Contains(t, decoded, "players")
	require.Contains(t, decoded, "description")
}

func TestBuildPingResponseEchoesPayload(t *testing.T) {
	packet := fallback.BuildPingResponse(12345)
	require.GreaterOrEqual(t, len(packet), 10)
	require.Equal(t, uint64(12345), binary.BigEndian.Uint64(packet[len(packet)-8:]))
}

func TestBuildUnconnectedPongContainsMagicAndID(t *testing.T) {
	packet := fallback.BuildUnconnectedPong(12345, 67890, "Test Server", 100, 50, "World", 685)
	require.Equal(t, byte(0x1c), packet[0])
	magic := []byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}
	require.Equal(t, magic, packet[17:33])
}

func TestNewServerGUIDIsNonZeroAndVaries(t *testing.T) {
	a := fallback.NewServerGUID()
	b := fallback.NewServerGUID()
	require.NotZero(t, a)
	require.NotEqual(t, a, b)
}

func TestBuildIncompatibleProtocolContainsMagicAndID(t *testing.T) {
	packet := fallback.BuildIncompatibleProtocol(11, 12345)
	require.Equal(t, byte(0x19), packet[0])
	require.Equal(t, byte(11), packet[1])
	magic := []byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}
	require.Equal(t, magic, packet[2:18])
}
