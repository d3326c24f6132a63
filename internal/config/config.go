// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/log"
)

// IEEE 802.15.4 limits.
const (
	MaxFrameLen     = 127
	MaxDatagramSize = 0x07ff
	minMTU          = 40
)

// Config represents the top-level configuration.
// Maps to the `lowpan:` root key in YAML.
type Config struct {
	Interface       InterfaceConfig     `mapstructure:"interface" yaml:"interface"`
	Link            LinkConfig          `mapstructure:"link" yaml:"link"`
	Compression     CompressionConfig   `mapstructure:"compression" yaml:"compression"`
	Fragmentation   FragmentationConfig `mapstructure:"fragmentation" yaml:"fragmentation"`
	UnknownProtocol string              `mapstructure:"unknown_protocol" yaml:"unknown_protocol"` // inline | reject
	MaxMACTransmits int                 `mapstructure:"max_mac_transmits" yaml:"max_mac_transmits"`
	Buffers         BuffersConfig       `mapstructure:"buffers" yaml:"buffers"`
	Reassembly      ReassemblyConfig    `mapstructure:"reassembly" yaml:"reassembly"`
	Log             log.LoggerConfig    `mapstructure:"log" yaml:"log"`
	Metrics         MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

// ─── Interface ───

// InterfaceConfig identifies the local radio.
type InterfaceConfig struct {
	Name         string `mapstructure:"name" yaml:"name"`
	LinkAddr     string `mapstructure:"link_addr" yaml:"link_addr"` // 2 or 8 bytes, colon separated hex
	PANID        uint16 `mapstructure:"pan_id" yaml:"pan_id"`
	FrameVersion int    `mapstructure:"frame_version" yaml:"frame_version"` // 0 = 802.15.4-2003, 1 = 2006
	SeqSeed      uint8  `mapstructure:"seq_seed" yaml:"seq_seed"`

	// Addr is LinkAddr parsed by ValidateAndApplyDefaults.
	Addr core.LinkAddr `mapstructure:"-" yaml:"-"`
}

// ─── Framing ───

// LinkConfig contains frame and datagram size limits.
type LinkConfig struct {
	FrameLen int `mapstructure:"frame_len" yaml:"frame_len"`
	MTU      int `mapstructure:"mtu" yaml:"mtu"`
}

// CompressionConfig selects the header encoding.
type CompressionConfig struct {
	Scheme    string `mapstructure:"scheme" yaml:"scheme"`       // none | hc1 | hc06
	Threshold int    `mapstructure:"threshold" yaml:"threshold"` // Smallest transport payload compressed
}

// FragmentationConfig enables the FRAG1/FRAGN path.
type FragmentationConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ─── Buffers ───

// BuffersConfig sizes the frame buffer pool.
type BuffersConfig struct {
	Count        int           `mapstructure:"count" yaml:"count"`
	Size         int           `mapstructure:"size" yaml:"size"`
	Blocking     bool          `mapstructure:"blocking" yaml:"blocking"`
	AllocTimeout time.Duration `mapstructure:"alloc_timeout" yaml:"alloc_timeout"` // Only with blocking; 0 = wait for the caller's context
}

// ─── Reassembly ───

// ReassemblyConfig controls receive-side reassembly.
type ReassemblyConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxDatagrams int           `mapstructure:"max_datagrams" yaml:"max_datagrams"`
	MaxFragments int           `mapstructure:"max_fragments" yaml:"max_fragments"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `lowpan: ...`.
type configRoot struct {
	Lowpan Config `mapstructure:"lowpan" yaml:"lowpan"`
}

// Load loads configuration from file. An empty path yields the defaults.
// The YAML file uses `lowpan:` as root key; env vars use the LOWPAN_ prefix
// (e.g., LOWPAN_LINK_FRAME_LEN).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `lowpan.` key prefix maps to `LOWPAN_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Lowpan

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "lowpan." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Interface defaults
	v.SetDefault("lowpan.interface.name", "wpan0")
	v.SetDefault("lowpan.interface.link_addr", "00:12:4b:00:00:00:00:01")
	v.SetDefault("lowpan.interface.pan_id", 0xabcd)
	v.SetDefault("lowpan.interface.frame_version", 1)
	v.SetDefault("lowpan.interface.seq_seed", 0)

	// Framing defaults
	v.SetDefault("lowpan.link.frame_len", MaxFrameLen)
	v.SetDefault("lowpan.link.mtu", 1280)
	v.SetDefault("lowpan.compression.scheme", "hc06")
	v.SetDefault("lowpan.compression.threshold", 0)
	v.SetDefault("lowpan.fragmentation.enabled", true)
	v.SetDefault("lowpan.unknown_protocol", "inline")
	v.SetDefault("lowpan.max_mac_transmits", 4)

	// Buffer defaults
	v.SetDefault("lowpan.buffers.count", 32)
	v.SetDefault("lowpan.buffers.size", MaxFrameLen)
	v.SetDefault("lowpan.buffers.blocking", false)
	v.SetDefault("lowpan.buffers.alloc_timeout", "0s")

	// Reassembly defaults
	v.SetDefault("lowpan.reassembly.timeout", "60s")
	v.SetDefault("lowpan.reassembly.max_datagrams", 16)
	v.SetDefault("lowpan.reassembly.max_fragments", 64)

	// Log defaults
	v.SetDefault("lowpan.log.level", "info")
	v.SetDefault("lowpan.log.pattern", log.DefaultPattern)
	v.SetDefault("lowpan.log.time", log.DefaultTimeLayout)
	v.SetDefault("lowpan.log.caller", false)

	// Metrics defaults
	v.SetDefault("lowpan.metrics.enabled", false)
	v.SetDefault("lowpan.metrics.listen", ":9091")
	v.SetDefault("lowpan.metrics.path", "/metrics")
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// It enforces the framing invariants: a buffer holds a whole frame and the
// pool holds a whole datagram.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if len(cfg.Log.Appenders) == 0 {
		cfg.Log.Appenders = []log.AppenderConfig{{Type: log.AppenderConsole}}
	}

	// ── Interface ──
	addr, err := core.ParseLinkAddr(cfg.Interface.LinkAddr)
	if err != nil {
		return invalid("interface.link_addr: %v", err)
	}
	if addr.IsBroadcast() {
		return invalid("interface.link_addr must not be the broadcast address")
	}
	cfg.Interface.Addr = addr
	if cfg.Interface.FrameVersion != 0 && cfg.Interface.FrameVersion != 1 {
		return invalid("interface.frame_version: %d (must be 0 or 1)", cfg.Interface.FrameVersion)
	}

	// ── Framing ──
	if cfg.Link.FrameLen <= 0 || cfg.Link.FrameLen > MaxFrameLen {
		return invalid("link.frame_len: %d (must be 1..%d)", cfg.Link.FrameLen, MaxFrameLen)
	}
	if cfg.Link.MTU < minMTU || cfg.Link.MTU > MaxDatagramSize {
		return invalid("link.mtu: %d (must be %d..%d)", cfg.Link.MTU, minMTU, MaxDatagramSize)
	}
	switch cfg.Compression.Scheme {
	case "none", "hc1", "hc06":
	default:
		return invalid("compression.scheme: %q (must be none/hc1/hc06)", cfg.Compression.Scheme)
	}
	if cfg.Compression.Threshold < 0 {
		return invalid("compression.threshold: %d", cfg.Compression.Threshold)
	}
	if cfg.UnknownProtocol != "inline" && cfg.UnknownProtocol != "reject" {
		return invalid("unknown_protocol: %q (must be inline/reject)", cfg.UnknownProtocol)
	}
	if cfg.MaxMACTransmits < 0 {
		return invalid("max_mac_transmits: %d", cfg.MaxMACTransmits)
	}

	// ── Buffers ──
	if cfg.Buffers.Count <= 0 {
		return invalid("buffers.count: %d", cfg.Buffers.Count)
	}
	if cfg.Buffers.Size < cfg.Link.FrameLen {
		return invalid("buffers.size %d is smaller than link.frame_len %d", cfg.Buffers.Size, cfg.Link.FrameLen)
	}
	if cfg.Buffers.Count*cfg.Buffers.Size < cfg.Link.MTU {
		return invalid("%d buffers of %d bytes cannot hold a %d byte datagram",
			cfg.Buffers.Count, cfg.Buffers.Size, cfg.Link.MTU)
	}
	if cfg.Buffers.AllocTimeout < 0 {
		return invalid("buffers.alloc_timeout: %s", cfg.Buffers.AllocTimeout)
	}

	// ── Reassembly ──
	if cfg.Reassembly.Timeout <= 0 {
		cfg.Reassembly.Timeout = 60 * time.Second
	}
	if cfg.Reassembly.MaxDatagrams <= 0 {
		cfg.Reassembly.MaxDatagrams = 16
	}
	if cfg.Reassembly.MaxFragments <= 0 {
		cfg.Reassembly.MaxFragments = 64
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}

// Dump writes the effective configuration as YAML under the `lowpan:` root
// key, so the output can be loaded again.
func (cfg *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(configRoot{Lowpan: *cfg}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
