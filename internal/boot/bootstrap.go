// Package boot assembles the framing stack from configuration.
package boot

import (
	"context"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framebuf"
	"firestige.xyz/lowpan/internal/framer"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/sixlowpan"
)

// Stack is the framing stack of one interface.
type Stack struct {
	Config    *config.Config
	Pool      *framebuf.Pool
	Framer    *framer.Framer
	Engine    *sixlowpan.Engine
	Interface *sixlowpan.Interface
}

// Build initialises logging and wires pool, framer, engine and interface.
func Build(cfg *config.Config) (*Stack, error) {
	if err := log.Init(&cfg.Log); err != nil {
		return nil, err
	}

	pool, err := framebuf.NewPool(cfg.Buffers.Size, cfg.Buffers.Count)
	if err != nil {
		return nil, err
	}
	f := framer.New(cfg.Interface.SeqSeed, uint8(cfg.Interface.FrameVersion))
	engine, err := sixlowpan.NewEngine(EngineConfig(cfg), pool, f)
	if err != nil {
		return nil, err
	}
	iface := sixlowpan.NewInterface(cfg.Interface.Name, cfg.Interface.Addr, cfg.Interface.PANID)

	log.GetLogger().WithFields(map[string]interface{}{
		"iface":       iface.Name,
		"addr":        iface.Addr.String(),
		"scheme":      cfg.Compression.Scheme,
		"frame_len":   cfg.Link.FrameLen,
		"mtu":         cfg.Link.MTU,
		"buffers":     cfg.Buffers.Count,
		"fragmenting": cfg.Fragmentation.Enabled,
	}).Debug("framing stack ready")

	return &Stack{Config: cfg, Pool: pool, Framer: f, Engine: engine, Interface: iface}, nil
}

// EngineConfig maps the configuration onto the engine settings.
func EngineConfig(cfg *config.Config) sixlowpan.Config {
	return sixlowpan.Config{
		FrameLen:             cfg.Link.FrameLen,
		MTU:                  cfg.Link.MTU,
		Compression:          sixlowpan.Scheme(cfg.Compression.Scheme),
		CompressionThreshold: cfg.Compression.Threshold,
		Fragmentation:        cfg.Fragmentation.Enabled,
		MaxMACTransmits:      cfg.MaxMACTransmits,
		UnknownProtocol:      sixlowpan.UnknownProtocolPolicy(cfg.UnknownProtocol),
		BlockingAlloc:        cfg.Buffers.Blocking,
	}
}

// ReassemblyConfig maps the configuration onto the reassembler settings.
func ReassemblyConfig(cfg *config.Config) sixlowpan.ReassemblyConfig {
	return sixlowpan.ReassemblyConfig{
		Timeout:      cfg.Reassembly.Timeout,
		MaxDatagrams: cfg.Reassembly.MaxDatagrams,
		MaxFragments: cfg.Reassembly.MaxFragments,
	}
}

// Queue frames datagram on the stack interface. A blocking allocation waits
// at most buffers.alloc_timeout when one is configured.
func (s *Stack) Queue(ctx context.Context, datagram []byte, dest *core.LinkAddr) (*framebuf.Buffer, error) {
	if s.Config.Buffers.Blocking && s.Config.Buffers.AllocTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.Buffers.AllocTimeout)
		defer cancel()
	}
	return s.Engine.QueueFrames(ctx, s.Interface, datagram, dest)
}

// NewReassembler returns a reassembler configured like the stack.
func (s *Stack) NewReassembler() *sixlowpan.Reassembler {
	return sixlowpan.NewReassembler(ReassemblyConfig(s.Config))
}
