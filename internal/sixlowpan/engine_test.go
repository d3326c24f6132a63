package sixlowpan

import (
	"context"
	"errors"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framer"
	"firestige.xyz/lowpan/internal/metrics"
)

func TestNewEngineValidation(t *testing.T) {
	hw := &fixedWriter{n: 23}
	tests := []struct {
		name  string
		cfg   Config
		count int
	}{
		{"zero frame length", Config{FrameLen: 0, MTU: 1280}, 16},
		{"frame larger than buffer", Config{FrameLen: 200, MTU: 1280}, 16},
		{"mtu above size field", Config{FrameLen: 127, MTU: 4096}, 64},
		{"pool cannot hold mtu", Config{FrameLen: 127, MTU: 1280}, 4},
		{"unknown scheme", Config{FrameLen: 127, MTU: 1280, Compression: "lz4"}, 16},
		{"unknown policy", Config{FrameLen: 127, MTU: 1280, UnknownProtocol: "drop"}, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg, newTestPool(t, tt.count), hw)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestQueueFramesSingleFrame(t *testing.T) {
	pool := newTestPool(t, 16)
	hw := &fixedWriter{n: 23}
	e := newTestEngine(t, Config{}, pool, hw)
	iface := NewInterface("wpan-single", nodeA, 0xabcd)

	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(30))
	require.Len(t, dg, 78)

	dest := nodeB
	head, err := e.QueueFrames(context.Background(), iface, dg, &dest)
	require.NoError(t, err)
	defer pool.FreeChain(head)

	assert.Nil(t, head.Next)
	assert.Equal(t, 23+1+48+30, head.Len)
	assert.Equal(t, head.Len, head.PktLen)

	f := head.Bytes()
	assert.Equal(t, byte(DispatchIPv6), f[23])
	assert.Equal(t, dg, f[24:])
	assert.Equal(t, uint16(0), iface.DatagramTag())
}

func TestQueueFramesFragments(t *testing.T) {
	pool := newTestPool(t, 16)
	hw := &fixedWriter{n: 23}
	e := newTestEngine(t, Config{Fragmentation: true}, pool, hw)
	iface := NewInterface("wpan-frag", nodeA, 0xabcd)
	iface.SetDatagramTag(0x1234)

	payload := pattern(200)
	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, payload)
	dest := nodeB
	head, err := e.QueueFrames(context.Background(), iface, dg, &dest)
	require.NoError(t, err)
	defer pool.FreeChain(head)

	fs := frames(head)
	require.Len(t, fs, 5)

	total, pktLen := 0, 0
	var got []byte
	for i, f := range fs {
		pktLen += len(f)
		fh, n, err := ParseFragHeader(f[23:])
		require.NoError(t, err)
		assert.Equal(t, i == 0, fh.IsFirst())
		assert.Equal(t, uint16(len(dg)), fh.Size, "frame %d size", i)
		assert.Equal(t, uint16(0x1234), fh.Tag, "frame %d tag", i)
		assert.Equal(t, uint8(total/8), fh.Offset, "frame %d offset", i)

		hdr := f[23+n:]
		assert.Equal(t, byte(DispatchIPv6), hdr[0])
		assert.Equal(t, dg[:48], hdr[1:49])
		chunk := hdr[49:]
		if i < len(fs)-1 {
			assert.Zero(t, len(chunk)%8, "frame %d chunk %d", i, len(chunk))
		}
		got = append(got, chunk...)
		total += len(chunk)
	}
	assert.Equal(t, 48, len(fs[0])-23-Frag1HdrLen-49)
	assert.Equal(t, 200, total)
	assert.Equal(t, payload, got)
	assert.Equal(t, pktLen, head.PktLen)
	assert.Equal(t, uint16(0x1235), iface.DatagramTag())

	// The first frame reuses the sequence number reserved for the header
	// length; every later fragment draws a new one.
	require.Len(t, hw.written, 5)
	for i, a := range hw.written {
		assert.Equal(t, uint8(i), a.SeqNo)
	}
}

func TestQueueFramesBroadcastWhenNoDestination(t *testing.T) {
	pool := newTestPool(t, 16)
	hw := &fixedWriter{n: 23}
	e := newTestEngine(t, Config{Fragmentation: true}, pool, hw)
	iface := NewInterface("wpan-bcast", nodeA, 0xabcd)

	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(200))
	head, err := e.QueueFrames(context.Background(), iface, dg, nil)
	require.NoError(t, err)
	defer pool.FreeChain(head)

	for _, a := range hw.written {
		assert.True(t, a.Receiver.Equal(core.BroadcastAddr))
	}
	for b := head; b != nil; b = b.Next {
		assert.True(t, allZero(b.Data()[b.Len:]), "bytes past the frame are zero")
	}
}

func TestQueueFramesTagWraps(t *testing.T) {
	pool := newTestPool(t, 16)
	e := newTestEngine(t, Config{Fragmentation: true}, pool, &fixedWriter{n: 23})
	iface := NewInterface("wpan-wrap", nodeA, 0xabcd)
	iface.SetDatagramTag(0xffff)

	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(150))
	head, err := e.QueueFrames(context.Background(), iface, dg, nil)
	require.NoError(t, err)
	for b := head; b != nil; b = b.Next {
		fh, _, err := ParseFragHeader(b.Bytes()[23:])
		require.NoError(t, err)
		assert.Equal(t, uint16(0xffff), fh.Tag)
	}
	pool.FreeChain(head)
	assert.Equal(t, uint16(0), iface.DatagramTag())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.DatagramTag.WithLabelValues("wpan-wrap")))

	head, err = e.QueueFrames(context.Background(), iface, dg, nil)
	require.NoError(t, err)
	pool.FreeChain(head)
	assert.Equal(t, uint16(1), iface.DatagramTag())
}

func TestQueueFramesPoolExhausted(t *testing.T) {
	pool := newTestPool(t, 2)
	e := newTestEngine(t, Config{MTU: 254, Fragmentation: true}, pool, &fixedWriter{n: 23})
	iface := NewInterface("wpan-exhaust", nodeA, 0xabcd)

	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(152))
	head, err := e.QueueFrames(context.Background(), iface, dg, nil)
	assert.Nil(t, head)
	assert.ErrorIs(t, err, core.ErrAllocationFailure)
	assert.Equal(t, 0, pool.InUse())
	assert.Equal(t, uint16(0), iface.DatagramTag())
}

func TestQueueFramesBlockingAllocHonoursContext(t *testing.T) {
	pool := newTestPool(t, 2)
	e := newTestEngine(t, Config{MTU: 254, Fragmentation: true, BlockingAlloc: true}, pool, &fixedWriter{n: 23})
	iface := NewInterface("wpan-ctx", nodeA, 0xabcd)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(152))
	_, err := e.QueueFrames(ctx, iface, dg, nil)
	assert.ErrorIs(t, err, core.ErrAllocationFailure)
	assert.Equal(t, 0, pool.InUse())
}

func TestQueueFramesTooLarge(t *testing.T) {
	pool := newTestPool(t, 16)
	hw := &fixedWriter{n: 23}
	iface := NewInterface("wpan-large", nodeA, 0xabcd)
	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(200))

	t.Run("fragmentation disabled", func(t *testing.T) {
		e := newTestEngine(t, Config{}, pool, hw)
		before := testutil.ToFloat64(metrics.QueueErrorsTotal.WithLabelValues("wpan-large", metrics.ReasonTooLarge))
		_, err := e.QueueFrames(context.Background(), iface, dg, nil)
		assert.ErrorIs(t, err, core.ErrPacketTooLarge)
		assert.Equal(t, 0, pool.InUse())
		after := testutil.ToFloat64(metrics.QueueErrorsTotal.WithLabelValues("wpan-large", metrics.ReasonTooLarge))
		assert.Equal(t, before+1, after)
	})

	t.Run("above mtu", func(t *testing.T) {
		e := newTestEngine(t, Config{MTU: 200, Fragmentation: true}, pool, hw)
		_, err := e.QueueFrames(context.Background(), iface, dg, nil)
		assert.ErrorIs(t, err, core.ErrPacketTooLarge)
	})

	t.Run("header leaves no payload room", func(t *testing.T) {
		e := newTestEngine(t, Config{Fragmentation: true}, pool, &fixedWriter{n: 70})
		_, err := e.QueueFrames(context.Background(), iface, dg, nil)
		assert.ErrorIs(t, err, core.ErrPacketTooLarge)
		assert.Equal(t, 0, pool.InUse())
	})

	assert.Equal(t, uint16(0), iface.DatagramTag())
}

func TestQueueFramesMalformed(t *testing.T) {
	pool := newTestPool(t, 16)
	e := newTestEngine(t, Config{}, pool, &fixedWriter{n: 23})
	iface := NewInterface("wpan-bad", nodeA, 0xabcd)

	_, err := e.QueueFrames(context.Background(), iface, make([]byte, 20), nil)
	assert.ErrorIs(t, err, core.ErrPacketTooShort)

	v4 := make([]byte, 60)
	v4[0] = 0x45
	_, err = e.QueueFrames(context.Background(), iface, v4, nil)
	assert.ErrorIs(t, err, core.ErrNotIPv6)

	tcp := rawDatagram(protoTCP, make([]byte, 10))
	_, err = e.QueueFrames(context.Background(), iface, tcp, nil)
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
	assert.Equal(t, 0, pool.InUse())
}

func TestQueueFramesHeaderWriterFailure(t *testing.T) {
	pool := newTestPool(t, 16)
	e := newTestEngine(t, Config{}, pool, &fixedWriter{n: 23, fail: errors.New("no address")})
	iface := NewInterface("wpan-hdr", nodeA, 0xabcd)

	dg := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(10))
	_, err := e.QueueFrames(context.Background(), iface, dg, nil)
	assert.ErrorIs(t, err, core.ErrHeaderComputation)
	assert.Equal(t, 0, pool.InUse())
}

func TestQueueFramesUnknownProtocol(t *testing.T) {
	pool := newTestPool(t, 16)
	iface := NewInterface("wpan-proto", nodeA, 0xabcd)
	dg := rawDatagram(59, pattern(20))

	t.Run("inline", func(t *testing.T) {
		e := newTestEngine(t, Config{}, pool, &fixedWriter{n: 23})
		head, err := e.QueueFrames(context.Background(), iface, dg, nil)
		require.NoError(t, err)
		defer pool.FreeChain(head)
		assert.Equal(t, 23+1+len(dg), head.Len)
		assert.Equal(t, dg, head.Bytes()[24:])
	})

	t.Run("reject", func(t *testing.T) {
		e := newTestEngine(t, Config{UnknownProtocol: UnknownProtocolReject}, pool, &fixedWriter{n: 23})
		_, err := e.QueueFrames(context.Background(), iface, dg, nil)
		assert.ErrorIs(t, err, core.ErrUnsupportedNextProtocol)
		assert.Equal(t, 0, pool.InUse())
	})
}

func TestQueueFramesCompressionThreshold(t *testing.T) {
	pool := newTestPool(t, 16)
	e := newTestEngine(t, Config{Compression: SchemeHC06, CompressionThreshold: 20}, pool, &fixedWriter{n: 23})
	iface := NewInterface("wpan-threshold", nodeA, 0xabcd)

	small := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(19))
	head, err := e.QueueFrames(context.Background(), iface, small, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(DispatchIPv6), head.Bytes()[23])
	pool.FreeChain(head)

	large := udpDatagram(t, ipv6Layer(globalA, globalB, 0), 1000, 2000, pattern(20))
	head, err = e.QueueFrames(context.Background(), iface, large, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(DispatchIPHC), head.Bytes()[23]&DispatchIPHCMask)
	pool.FreeChain(head)
}

func TestQueueFramesPacketType(t *testing.T) {
	pool := newTestPool(t, 16)
	f := framer.New(0, framer.Version2006)
	e := newTestEngine(t, Config{}, pool, f)
	iface := NewInterface("wpan-tcp", nodeA, 0xabcd)

	tests := []struct {
		name    string
		tcp     *layers.TCP
		pending bool
	}{
		{"data", &layers.TCP{PSH: true, ACK: true}, true},
		{"syn", &layers.TCP{SYN: true}, true},
		{"pure ack", &layers.TCP{ACK: true}, false},
		{"fin", &layers.TCP{FIN: true, ACK: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tcp.SrcPort, tt.tcp.DstPort = 1000, 80
			dg := tcpDatagram(t, ipv6Layer(globalA, globalB, 0), tt.tcp, pattern(4))
			dest := nodeB
			head, err := e.QueueFrames(context.Background(), iface, dg, &dest)
			require.NoError(t, err)
			defer pool.FreeChain(head)

			h, _, err := framer.Parse(head.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.pending, h.FramePending)
			assert.True(t, h.AckRequest)
			assert.True(t, h.PANIDCompression)
			assert.Equal(t, uint16(0xabcd), h.DestPAN)
		})
	}
}
