// Package config implements the userspace-writable configuration contract
// of §3/§6: a single enumerated struct, one slot per filter, written
// atomically by userspace and read once per packet by the kernel-side
// filters (§4.9).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Flags are the bit0/bit1/... feature toggles of §6.
type Flags uint32

const (
	FlagEnableSynCookie Flags = 1 << 0
	FlagStrictFragments Flags = 1 << 1
)

// RateRule mirrors ratelimit.Rule in the wire layout (§6: "16 entries of
// (refill_per_sec, burst)").
type RateRule struct {
	RefillPerSec uint32 `yaml:"refill_per_sec"`
	Burst        uint32 `yaml:"burst"`
}

// Config is the single contiguous, little-endian struct of §6.
type Config struct {
	Version uint32 `yaml:"version"`
	Flags   Flags  `yaml:"flags"`

	MaxHeaderBytes     uint32 `yaml:"max_header_bytes"`
	MaxHeaderLineBytes uint32 `yaml:"max_header_line_bytes"`
	MaxHTTP2Frame      uint32 `yaml:"max_http2_frame"`

	MinRakNetMTU uint32 `yaml:"min_raknet_mtu"`
	MaxRakNetMTU uint32 `yaml:"max_raknet_mtu"`

	MCProtocolVersionMin uint32 `yaml:"mc_pv_min"`
	MCProtocolVersionMax uint32 `yaml:"mc_pv_max"`

	// AllowedMCNextState is a bitmask over next_state values {1,2,3}
	// (Status, Login, Transfer-as-Login).
	AllowedMCNextState uint16 `yaml:"allowed_mc_next_state"`

	// AllowedRakNetProto is the sorted, zero-terminated allow-set of
	// RakNet protocol versions (§6).
	AllowedRakNetProto []uint8 `yaml:"allowed_raknet_proto"`

	BedrockPort uint16 `yaml:"bedrock_port"`
	QUICPort    uint16 `yaml:"quic_port"`

	RateTable [16]RateRule `yaml:"rate_table"`
}

// Default returns the configuration spec.md's worked examples assume:
// SYN cookies on, strict fragment policy, 64 KiB total HTTP header
// ceiling with an 8 KiB single-line ceiling, RakNet MTU bounds of
// [400,1500], Minecraft protocol range wide open, all three next_state
// values allowed, and bedrock/quic on their default ports.
func Default() Config {
	return Config{
		Version:              1,
		Flags:                FlagEnableSynCookie | FlagStrictFragments,
		MaxHeaderBytes:       64 * 1024,
		MaxHeaderLineBytes:   8 * 1024,
		MaxHTTP2Frame:        16384,
		MinRakNetMTU:         400,
		MaxRakNetMTU:         1500,
		MCProtocolVersionMin: 0,
		MCProtocolVersionMax: 1 << 20,
		AllowedMCNextState:   (1 << 1) | (1 << 2) | (1 << 3),
		AllowedRakNetProto:   []uint8{11},
		BedrockPort:          19132,
		QUICPort:             443,
	}
}

// AllowsNextState reports whether next_state (1=Status, 2=Login,
// 3=Transfer) is permitted (§4.4).
func (c Config) AllowsNextState(next int32) bool {
	if next < 1 || next > 3 {
		return false
	}
	return c.AllowedMCNextState&(1<<uint(next)) != 0
}

// AllowsRakNetProto reports whether proto is in the configured allow-set
// (§4.5, default {11}).
func (c Config) AllowsRakNetProto(proto uint8) bool {
	for _, p := range c.AllowedRakNetProto {
		if p == proto {
			return true
		}
	}
	return false
}

// Load reads a YAML document at path into a Config seeded from Default(),
// so an incomplete document still yields sane values for unset fields that
// matter operationally (the rate table is still explicit per class,
// populated by callers from ratelimit.DefaultRules when absent).
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, the userspace-write half of the map
// contract (§4.9).
func Save(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
