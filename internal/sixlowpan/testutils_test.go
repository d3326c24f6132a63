package sixlowpan

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv6"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framebuf"
	"firestige.xyz/lowpan/internal/framer"
)

var (
	nodeA = core.ExtendedAddr([8]byte{0x00, 0x12, 0x4b, 0x00, 0x00, 0x00, 0x00, 0x01})
	nodeB = core.ExtendedAddr([8]byte{0x00, 0x12, 0x4b, 0x00, 0x00, 0x00, 0x00, 0x02})

	globalA = net.ParseIP("2001:db8::1")
	globalB = net.ParseIP("2001:db8::2")
)

// fixedWriter is a link header writer with a constant header length. It
// records the attributes of every header it writes.
type fixedWriter struct {
	n       int
	seq     uint8
	written []framer.Attrs
	fail    error
}

func (w *fixedWriter) assign(a *framer.Attrs) {
	if !a.HasSeqNo {
		a.SeqNo = w.seq
		a.HasSeqNo = true
		w.seq++
	}
}

func (w *fixedWriter) HeaderLen(a *framer.Attrs) (int, error) {
	if w.fail != nil {
		return 0, w.fail
	}
	w.assign(a)
	return w.n, nil
}

func (w *fixedWriter) WriteHeader(buf []byte, a *framer.Attrs) (int, error) {
	w.assign(a)
	w.written = append(w.written, *a)
	for i := 0; i < w.n; i++ {
		buf[i] = 0xaa
	}
	return w.n, nil
}

func newTestPool(t *testing.T, count int) *framebuf.Pool {
	t.Helper()
	p, err := framebuf.NewPool(127, count)
	require.NoError(t, err)
	return p
}

func newTestEngine(t *testing.T, cfg Config, pool *framebuf.Pool, hw HeaderWriter) *Engine {
	t.Helper()
	if cfg.FrameLen == 0 {
		cfg.FrameLen = 127
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1280
	}
	e, err := NewEngine(cfg, pool, hw)
	require.NoError(t, err)
	return e
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ipv6Layer(src, dst net.IP, nh layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{Version: 6, NextHeader: nh, HopLimit: 64, SrcIP: src, DstIP: dst}
}

func udpDatagram(t *testing.T, ip *layers.IPv6, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip.NextHeader = layers.IPProtocolUDP
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func tcpDatagram(t *testing.T, ip *layers.IPv6, tcp *layers.TCP, payload []byte) []byte {
	t.Helper()
	ip.NextHeader = layers.IPProtocolTCP
	if tcp.Window == 0 {
		tcp.Window = 1024
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp, gopacket.Payload(payload))
}

func echoDatagram(t *testing.T, ip *layers.IPv6, payload []byte) []byte {
	t.Helper()
	ip.NextHeader = layers.IPProtocolICMPv6
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(uint8(ipv6.ICMPTypeEchoRequest), 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, icmp, gopacket.Payload(payload))
}

// rawDatagram builds an IPv6 datagram whose next header is carried as is.
func rawDatagram(nh uint8, payload []byte) []byte {
	dg := make([]byte, IPv6HdrLen+len(payload))
	putIPv6Header(dg, 0, 0, nh, 64, globalA.To16(), globalB.To16())
	binary.BigEndian.PutUint16(dg[4:6], uint16(len(payload)))
	copy(dg[IPv6HdrLen:], payload)
	return dg
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// frames flattens a chain into the byte slices of each frame.
func frames(head *framebuf.Buffer) [][]byte {
	var out [][]byte
	for b := head; b != nil; b = b.Next {
		out = append(out, b.Bytes())
	}
	return out
}
