package sixlowpan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framebuf"
	"firestige.xyz/lowpan/internal/framer"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/metrics"
)

const (
	modeSingle     = "single"
	modeFragmented = "fragmented"
)

// Config controls how datagrams are framed.
type Config struct {
	// FrameLen is the largest link frame, link header included.
	FrameLen int
	// MTU is the largest datagram accepted, at most MaxDatagramSize.
	MTU int
	// Compression selects the header encoding attempted for large payloads.
	Compression Scheme
	// CompressionThreshold is the smallest transport payload that is compressed.
	CompressionThreshold int
	Fragmentation        bool
	MaxMACTransmits      int
	UnknownProtocol      UnknownProtocolPolicy
	// BlockingAlloc waits for free buffers instead of failing immediately.
	BlockingAlloc bool
}

// HeaderWriter computes and writes link-layer headers.
type HeaderWriter interface {
	HeaderLen(a *framer.Attrs) (int, error)
	WriteHeader(buf []byte, a *framer.Attrs) (int, error)
}

// BufferPool lends the frame buffers a datagram is built into.
type BufferPool interface {
	Alloc(ctx context.Context, blocking bool) (*framebuf.Buffer, error)
	Free(b *framebuf.Buffer)
	BufSize() int
	Capacity() int
}

// Engine turns IPv6 datagrams into chains of link frames. It holds no
// per-datagram state and is safe for concurrent use.
type Engine struct {
	cfg      Config
	pool     BufferPool
	hw       HeaderWriter
	verbatim *Verbatim
	comp     Compressor
	logger   log.Logger
}

// NewEngine validates cfg against pool and returns an engine.
func NewEngine(cfg Config, pool BufferPool, hw HeaderWriter) (*Engine, error) {
	if pool == nil || hw == nil {
		return nil, fmt.Errorf("%w: engine needs a buffer pool and a header writer", core.ErrConfigInvalid)
	}
	if cfg.FrameLen <= 0 {
		return nil, fmt.Errorf("%w: frame length %d", core.ErrConfigInvalid, cfg.FrameLen)
	}
	if cfg.MTU < IPv6HdrLen || cfg.MTU > MaxDatagramSize {
		return nil, fmt.Errorf("%w: mtu %d outside [%d, %d]", core.ErrConfigInvalid, cfg.MTU, IPv6HdrLen, MaxDatagramSize)
	}
	if pool.BufSize() < cfg.FrameLen {
		return nil, fmt.Errorf("%w: buffer size %d smaller than frame length %d", core.ErrConfigInvalid, pool.BufSize(), cfg.FrameLen)
	}
	if pool.BufSize()*pool.Capacity() < cfg.MTU {
		return nil, fmt.Errorf("%w: %d buffers of %d bytes cannot hold a %d byte datagram",
			core.ErrConfigInvalid, pool.Capacity(), pool.BufSize(), cfg.MTU)
	}
	if cfg.UnknownProtocol == "" {
		cfg.UnknownProtocol = UnknownProtocolInline
	}
	if cfg.UnknownProtocol != UnknownProtocolInline && cfg.UnknownProtocol != UnknownProtocolReject {
		return nil, fmt.Errorf("%w: unknown protocol policy %q", core.ErrConfigInvalid, cfg.UnknownProtocol)
	}
	comp, err := NewCompressor(cfg.Compression, cfg.UnknownProtocol)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		pool:     pool,
		hw:       hw,
		verbatim: NewVerbatim(cfg.UnknownProtocol),
		comp:     comp,
		logger:   log.GetLogger().WithField("module", "sixlowpan"),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// compressContext is the state of one QueueFrames call.
type compressContext struct {
	attrs        framer.Attrs
	linkHdrLen   int
	hdr          []byte
	hdrLen       int
	uncompHdrLen int
}

func (c *compressContext) frameHdrLen() int {
	return c.linkHdrLen + c.hdrLen
}

// QueueFrames encodes datagram for dest and returns the head of the frame
// chain, with PktLen set to the total of all frame lengths. A nil dest sends to
// the broadcast address. On error no buffer remains allocated and the
// interface datagram tag is unchanged.
func (e *Engine) QueueFrames(ctx context.Context, iface *Interface, datagram []byte, dest *core.LinkAddr) (*framebuf.Buffer, error) {
	head, mode, err := e.queue(ctx, iface, datagram, dest)
	if err != nil {
		metrics.QueueErrorsTotal.WithLabelValues(iface.Name, errorReason(err)).Inc()
		e.logger.WithField("iface", iface.Name).WithError(err).Debug("datagram not framed")
		return nil, err
	}
	metrics.DatagramsQueuedTotal.WithLabelValues(iface.Name, mode).Inc()
	metrics.FramesQueuedTotal.WithLabelValues(iface.Name).Add(float64(head.Count()))
	return head, nil
}

func (e *Engine) queue(ctx context.Context, iface *Interface, datagram []byte, dest *core.LinkAddr) (*framebuf.Buffer, string, error) {
	if len(datagram) < IPv6HdrLen {
		return nil, "", fmt.Errorf("%w: %d bytes", core.ErrPacketTooShort, len(datagram))
	}
	if v := datagram[0] >> 4; v != 6 {
		return nil, "", fmt.Errorf("%w: version %d", core.ErrNotIPv6, v)
	}
	if len(datagram) > e.cfg.MTU {
		return nil, "", fmt.Errorf("%w: datagram of %d bytes exceeds mtu %d", core.ErrPacketTooLarge, len(datagram), e.cfg.MTU)
	}

	c := e.newContext(iface, datagram, dest)
	n, err := e.hw.HeaderLen(&c.attrs)
	if err != nil {
		return nil, "", headerError(err)
	}
	c.linkHdrLen = n
	if err := e.encodeHeader(c, datagram); err != nil {
		return nil, "", err
	}

	payload := datagram[c.uncompHdrLen:]
	if len(payload) <= e.cfg.FrameLen-c.frameHdrLen() {
		head, err := e.single(ctx, c, payload)
		return head, modeSingle, err
	}
	if !e.cfg.Fragmentation {
		return nil, "", fmt.Errorf("%w: %d payload bytes exceed one frame and fragmentation is disabled",
			core.ErrPacketTooLarge, len(payload))
	}
	head, err := e.fragment(ctx, iface, c, payload, len(datagram))
	return head, modeFragmented, err
}

func (e *Engine) newContext(iface *Interface, datagram []byte, dest *core.LinkAddr) *compressContext {
	receiver := core.BroadcastAddr
	if dest != nil {
		receiver = *dest
	}
	return &compressContext{
		attrs: framer.Attrs{
			Sender:          iface.Addr,
			Receiver:        receiver,
			SrcPAN:          iface.PANID,
			DestPAN:         iface.PANID,
			PacketType:      packetType(datagram),
			MaxMACTransmits: e.cfg.MaxMACTransmits,
		},
	}
}

// packetType marks TCP segments carrying data or control as part of a stream
// and FIN segments as its end.
func packetType(datagram []byte) framer.PacketType {
	if datagram[6] != protoTCP {
		return framer.PacketTypeDefault
	}
	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(datagram[IPv6HdrLen:], gopacket.NilDecodeFeedback); err != nil {
		return framer.PacketTypeDefault
	}
	switch {
	case tcp.FIN:
		return framer.PacketTypeStreamEnd
	case tcp.ACK && !tcp.SYN && !tcp.RST && !tcp.PSH && !tcp.URG:
		return framer.PacketTypeDefault
	default:
		return framer.PacketTypeStream
	}
}

// encodeHeader writes the dispatch and header into the call scratch once; every
// frame of the datagram copies it from there.
func (e *Engine) encodeHeader(c *compressContext, datagram []byte) error {
	room := e.cfg.FrameLen - c.linkHdrLen
	if room <= 0 {
		return fmt.Errorf("%w: link header of %d bytes fills the frame", core.ErrPacketTooLarge, c.linkHdrLen)
	}
	c.hdr = make([]byte, room)

	comp := Compressor(e.verbatim)
	if e.comp.Scheme() != SchemeNone && transportPayloadLen(datagram) >= e.cfg.CompressionThreshold {
		comp = e.comp
	}
	written, consumed, err := comp.Compress(c.hdr, datagram, c.attrs.Sender, c.attrs.Receiver)
	if err != nil {
		return err
	}
	c.hdrLen, c.uncompHdrLen = written, consumed

	scheme := dispatchScheme(c.hdr[0])
	metrics.HeaderEncodingsTotal.WithLabelValues(string(scheme)).Inc()
	if saved := consumed - written; saved > 0 {
		metrics.HeaderBytesSaved.WithLabelValues(string(scheme)).Add(float64(saved))
	}
	return nil
}

func transportPayloadLen(datagram []byte) int {
	n, _ := transportHeaderLen(datagram)
	return len(datagram) - IPv6HdrLen - n
}

func dispatchScheme(d byte) Scheme {
	switch {
	case d == DispatchHC1:
		return SchemeHC1
	case d&DispatchIPHCMask == DispatchIPHC:
		return SchemeHC06
	default:
		return SchemeNone
	}
}

func (e *Engine) single(ctx context.Context, c *compressContext, payload []byte) (*framebuf.Buffer, error) {
	buf, err := e.pool.Alloc(ctx, e.cfg.BlockingAlloc)
	if err != nil {
		return nil, err
	}
	data := buf.Data()[:e.cfg.FrameLen]
	off, err := e.writeLinkHeader(data, c)
	if err != nil {
		e.pool.Free(buf)
		return nil, err
	}
	off += copy(data[off:], c.hdr[:c.hdrLen])
	off += copy(data[off:], payload)
	buf.Len = off
	buf.PktLen = off
	e.traceFrame(buf, c.attrs.SeqNo)
	return buf, nil
}

func (e *Engine) fragment(ctx context.Context, iface *Interface, c *compressContext, payload []byte, size int) (*framebuf.Buffer, error) {
	if e.cfg.FrameLen-c.frameHdrLen()-FragNHdrLen < 8 {
		return nil, fmt.Errorf("%w: %d header bytes leave no room for fragment payload",
			core.ErrPacketTooLarge, c.frameHdrLen())
	}

	raw := iface.reserveTag()
	tag := uint16(raw)
	list := &frameList{pool: e.pool}
	fail := func(err error) (*framebuf.Buffer, error) {
		list.release()
		iface.releaseTag(raw)
		return nil, err
	}

	sent := 0
	for first := true; first || sent < len(payload); first = false {
		buf, err := e.pool.Alloc(ctx, e.cfg.BlockingAlloc)
		if err != nil {
			return fail(err)
		}
		list.append(buf)

		if !first {
			c.attrs.HasSeqNo = false
		}
		data := buf.Data()[:e.cfg.FrameLen]
		off, err := e.writeLinkHeader(data, c)
		if err != nil {
			return fail(err)
		}
		if first {
			putFrag1(data[off:], uint16(size), tag)
			off += Frag1HdrLen
		} else {
			putFragN(data[off:], uint16(size), tag, uint8(sent>>3))
			off += FragNHdrLen
		}
		off += copy(data[off:], c.hdr[:c.hdrLen])

		chunk := (e.cfg.FrameLen - off) &^ 7
		if rest := len(payload) - sent; chunk > rest {
			chunk = rest
		}
		off += copy(data[off:], payload[sent:sent+chunk])
		list.setLen(buf, off)

		if e.logger.IsDebugEnabled() {
			e.logger.WithFields(map[string]interface{}{
				"iface":  iface.Name,
				"tag":    tag,
				"offset": sent,
				"len":    off,
				"seq":    c.attrs.SeqNo,
			}).Debug("fragment built")
		}
		e.traceFrame(buf, c.attrs.SeqNo)
		sent += chunk
	}
	return list.head, nil
}

func (e *Engine) writeLinkHeader(data []byte, c *compressContext) (int, error) {
	n, err := e.hw.WriteHeader(data, &c.attrs)
	if err != nil {
		return 0, headerError(err)
	}
	if n != c.linkHdrLen {
		return 0, fmt.Errorf("%w: link header is %d bytes, expected %d", core.ErrHeaderComputation, n, c.linkHdrLen)
	}
	return n, nil
}

func (e *Engine) traceFrame(buf *framebuf.Buffer, seq uint8) {
	if e.logger.IsTraceEnabled() {
		e.logger.WithField("seq", seq).Tracef("frame of %d bytes\n%s", buf.Len, hex.Dump(buf.Bytes()))
	}
}

func headerError(err error) error {
	if errors.Is(err, core.ErrHeaderComputation) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrHeaderComputation, err)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, core.ErrHeaderComputation):
		return metrics.ReasonHeader
	case errors.Is(err, core.ErrPacketTooLarge):
		return metrics.ReasonTooLarge
	case errors.Is(err, core.ErrAllocationFailure):
		return metrics.ReasonAllocation
	case errors.Is(err, core.ErrUnsupportedNextProtocol):
		return metrics.ReasonUnsupported
	default:
		return metrics.ReasonMalformed
	}
}
