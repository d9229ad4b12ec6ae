// Package fallback implements the userspace offline synthesizer of
// §4.10: when the real backend is unreachable, it builds valid protocol
// replies — a Minecraft Java status/ping response or login/play disconnect,
// and a Bedrock Unconnected Pong or Incompatible-Protocol-Version reply —
// so a client sees a proper disconnect message instead of a timeout.
//
// This is userspace-side response synthesis, not a hot-path filter: it
// runs off the kernel fast path entirely (§1 scope, §4.10).
package fallback

import (
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/rs/xid"

	"github.com/edgeshield/corefilter/pkg/varint"
)

// Config holds the operator-configured content of the synthesized
// responses (§4.10).
type Config struct {
	DisconnectMessage string
	MOTD              string
	ProtocolVersion   int32
	VersionName       string
	MaxPlayers        uint32
	OnlinePlayers     uint32
	Favicon           string
	SamplePlayers     []SamplePlayer
}

// SamplePlayer is one entry in a status response's player sample list.
type SamplePlayer struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// DefaultConfig mirrors the operator-facing defaults of §4.10: an
// "offline for maintenance" MOTD and disconnect message, protocol 767
// (1.21), zero online/max players.
func DefaultConfig() Config {
	return Config{
		DisconnectMessage: "§cServer is currently offline.\n§7Please try again later.",
		MOTD:              "§c§lOFFLINE §8| §7Server maintenance in progress",
		ProtocolVersion:   767,
		VersionName:       "Maintenance",
		SamplePlayers: []SamplePlayer{
			{Name: "§7Server is offline", ID: "00000000-0000-0000-0000-000000000000"},
		},
	}
}

type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int32  `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    uint32         `json:"max"`
		Online uint32         `json:"online"`
		Sample []SamplePlayer `json:"sample,omitempty"`
	} `json:"players"`
	Description struct {
		Text string `json:"text"`
	} `json:"description"`
	Favicon             string `json:"favicon,omitempty"`
	EnforcesSecureChat  bool   `json:"enforcesSecureChat"`
}

type chatComponent struct {
	Text string `json:"text"`
}

// buildPacket frames packetID and data with the VarInt packet-length
// prefix every Minecraft Java packet carries (§4.1, §4.4).
func buildPacket(packetID int32, data []byte) []byte {
	idBytes := varint.Encode(packetID)
	total := len(idBytes) + len(data)
	out := varint.Encode(int32(total))
	out = append(out, idBytes...)
	out = append(out, data...)
	return out
}

// BuildDisconnectPacket builds a Disconnect packet: 0x00 in the login
// state, 0x1D in the play state (§4.10, matching the 1.20+ packet-ID
// split).
func BuildDisconnectPacket(message string, inLoginState bool) []byte {
	jsonBytes, err := json.Marshal(chatComponent{Text: message})
	if err != nil {
		jsonBytes = []byte(`{"text":"` + message + `"}`)
	}
	data := varint.AppendString(nil, string(jsonBytes))

	packetID := int32(0x1D)
	if inLoginState {
		packetID = 0x00
	}
	return buildPacket(packetID, data)
}

// BuildStatusResponse builds the Status Response packet (0x00 in the
// status state) from cfg (§4.10).
func BuildStatusResponse(cfg Config) []byte {
	var resp statusResponse
	resp.Version.Name = cfg.VersionName
	resp.Version.Protocol = cfg.ProtocolVersion
	resp.Players.Max = cfg.MaxPlayers
	resp.Players.Online = cfg.OnlinePlayers
	resp.Players.Sample = cfg.SamplePlayers
	resp.Description.Text = cfg.MOTD
	resp.Favicon = cfg.Favicon
	resp.EnforcesSecureChat = false

	jsonBytes, err := json.Marshal(resp)
	if err != nil {
		jsonBytes = []byte(`{"version":{"name":"` + cfg.VersionName + `"}}`)
	}
	data := varint.AppendString(nil, string(jsonBytes))
	return buildPacket(0x00, data)
}

// BuildPingResponse echoes payload back in a Pong packet (0x01 in the
// status state, §4.10).
func BuildPingResponse(payload int64) []byte {
	data := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		data[i] = byte(payload)
		payload >>= 8
	}
	return buildPacket(0x01, data)
}

// RakNet magic, matching the offline-handshake filter's own copy
// (§GLOSSARY).
var raknetMagic = [16]byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}

// BuildUnconnectedPong builds a Bedrock Unconnected Pong (0x1c) advertising
// motd/players via the 12-field semicolon-delimited MOTD string Bedrock
// clients parse for their server list entry (§4.10).
func BuildUnconnectedPong(pingTime int64, serverGUID int64, motd string, maxPlayers, onlinePlayers uint32, serverName string, protocolVersion uint32) []byte {
	packet := make([]byte, 0, 256)
	packet = append(packet, 0x1c)
	packet = appendBE64(packet, uint64(pingTime))
	packet = appendBE64(packet, uint64(serverGUID))
	packet = append(packet, raknetMagic[:]...)

	motdLine := "MCPE;" + escapeSemicolons(motd) + ";" +
		strconv.FormatUint(uint64(protocolVersion), 10) + ";1.21.0;" +
		strconv.FormatUint(uint64(onlinePlayers), 10) + ";" + strconv.FormatUint(uint64(maxPlayers), 10) + ";" +
		strconv.FormatInt(serverGUID, 10) + ";" + escapeSemicolons(serverName) + ";;;19132;19133"

	motdBytes := []byte(motdLine)
	packet = append(packet, byte(len(motdBytes)>>8), byte(len(motdBytes)))
	packet = append(packet, motdBytes...)
	return packet
}

// BuildIncompatibleProtocol builds a Bedrock Incompatible-Protocol-Version
// reply (0x19, §4.10) telling the client which protocol the server speaks.
func BuildIncompatibleProtocol(serverProtocol uint8, serverGUID int64) []byte {
	packet := make([]byte, 0, 26)
	packet = append(packet, 0x19, serverProtocol)
	packet = append(packet, raknetMagic[:]...)
	packet = appendBE64(packet, uint64(serverGUID))
	return packet
}

// NewServerGUID mints a fresh RakNet server GUID for an offline-fallback
// session. Bedrock GUIDs are just 64-bit integers with no format
// requirement, so this folds a globally-unique xid (the same generator the
// pack uses to label live connections) down into one rather than reaching
// for a raw random source (§4.10, §GLOSSARY).
func NewServerGUID() int64 {
	id := xid.New()
	b := id.Bytes()
	// Fold the trailing 4 bytes (which hold xid's per-call counter) into
	// the leading 8 so two GUIDs minted in the same second still differ.
	return int64(binary.BigEndian.Uint64(b[:8]) ^ uint64(binary.BigEndian.Uint32(b[8:12])))
}

func appendBE64(dst []byte, v uint64) []byte {
	return append(dst, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func escapeSemicolons(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out[i] = ' '
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}
