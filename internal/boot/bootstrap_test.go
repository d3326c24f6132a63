package boot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framebuf"
	"firestige.xyz/lowpan/internal/sixlowpan"
)

func udpDatagram(payload int) []byte {
	dg := make([]byte, 48+payload)
	dg[0] = 0x60
	dg[4], dg[5] = byte((8+payload)>>8), byte(8+payload)
	dg[6], dg[7] = 17, 64
	dg[8], dg[23] = 0x20, 0x01
	dg[24], dg[39] = 0x20, 0x02
	dg[40], dg[41], dg[42], dg[43] = 0x16, 0x33, 0x16, 0x33
	dg[44], dg[45] = byte((8+payload)>>8), byte(8+payload)
	for i := 48; i < len(dg); i++ {
		dg[i] = byte(i)
	}
	return dg
}

func TestBuildAndQueue(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	stack, err := Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wpan0", stack.Interface.Name)
	assert.Equal(t, 32, stack.Pool.Capacity())

	dg := udpDatagram(400)
	head, err := stack.Queue(context.Background(), dg, nil)
	require.NoError(t, err)
	assert.Greater(t, head.Count(), 1)
	assert.Equal(t, uint16(1), stack.Interface.DatagramTag())

	r := stack.NewReassembler()
	defer r.Close()
	var got []byte
	for b := head; b != nil; b = b.Next {
		out, done, err := r.Process(b.Bytes(), time.Now())
		require.NoError(t, err)
		if done {
			got = out
		}
	}
	stack.Pool.FreeChain(head)
	assert.Equal(t, dg, got)
	assert.Equal(t, 0, stack.Pool.InUse())
}

func TestBuildRejectsInconsistentConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Buffers.Count = 2

	_, err = Build(cfg)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestEngineConfigMapping(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Compression.Scheme = "hc1"
	cfg.UnknownProtocol = "reject"
	cfg.Buffers.Blocking = true

	ec := EngineConfig(cfg)
	assert.Equal(t, sixlowpan.SchemeHC1, ec.Compression)
	assert.Equal(t, sixlowpan.UnknownProtocolReject, ec.UnknownProtocol)
	assert.True(t, ec.BlockingAlloc)
	assert.Equal(t, 127, ec.FrameLen)
	assert.Equal(t, 4, ec.MaxMACTransmits)
}

func TestQueueBlockingTimeout(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Buffers.Count = 11
	cfg.Buffers.Blocking = true
	cfg.Buffers.AllocTimeout = 20 * time.Millisecond

	stack, err := Build(cfg)
	require.NoError(t, err)

	var held []*framebuf.Buffer
	for i := 0; i < 11; i++ {
		b, err := stack.Pool.Alloc(context.Background(), false)
		require.NoError(t, err)
		held = append(held, b)
	}
	start := time.Now()
	_, err = stack.Queue(context.Background(), udpDatagram(10), nil)
	assert.ErrorIs(t, err, core.ErrAllocationFailure)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	for _, b := range held {
		stack.Pool.Free(b)
	}
	assert.Equal(t, 0, stack.Pool.InUse())
}
