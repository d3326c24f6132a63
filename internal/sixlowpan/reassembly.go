package sixlowpan

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framer"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/metrics"
)

// ReassemblyConfig contains configuration for fragment reassembly.
type ReassemblyConfig struct {
	Timeout      time.Duration // Flow lifetime after its last fragment (default 60s)
	MaxDatagrams int           // Concurrent datagrams in the table (default 16)
	MaxFragments int           // Fragments per datagram (default 64)
}

// fragment is a slice of datagram payload at a byte offset.
type fragment struct {
	offset  int
	length  int
	payload []byte
}

// datagramFlow collects the fragments of one datagram in offset order.
type datagramFlow struct {
	mu       sync.Mutex
	size     int
	header   []byte
	list     list.List // *fragment, sorted by offset ascending
	current  int       // unique payload bytes accumulated
	lastSeen time.Time
	done     atomic.Bool
}

// Reassembler rebuilds IPv6 datagrams from received link frames. Overlapping
// fragments keep the data that arrived first (BSD-Right).
type Reassembler struct {
	mu     sync.Mutex
	flows  *cache.Cache
	config ReassemblyConfig
	logger log.Logger
}

// NewReassembler creates a reassembler. Flows with no fragment for
// cfg.Timeout are discarded.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxDatagrams <= 0 {
		cfg.MaxDatagrams = 16
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 64
	}

	r := &Reassembler{
		flows:  cache.New(cfg.Timeout, cfg.Timeout/2),
		config: cfg,
		logger: log.GetLogger().WithField("module", "reassembly"),
	}
	r.flows.OnEvicted(func(key string, v interface{}) {
		metrics.ReassemblyActiveDatagrams.Dec()
		if fl, ok := v.(*datagramFlow); ok && !fl.done.Load() {
			r.logger.WithField("flow", key).WithError(core.ErrReassemblyTimeout).Debug("incomplete datagram discarded")
		}
	})
	return r
}

// Process consumes one IEEE 802.15.4 frame.
// Returns:
//   - Unfragmented datagram: (datagram, true, nil)
//   - Fragment not yet complete: (nil, false, nil)
//   - Fragment completed a datagram: (datagram, true, nil)
//   - Error: (nil, false, err)
func (r *Reassembler) Process(frame []byte, timestamp time.Time) ([]byte, bool, error) {
	mac, off, err := framer.Parse(frame)
	if err != nil {
		return nil, false, err
	}
	body := frame[off:]
	if len(body) == 0 {
		return nil, false, fmt.Errorf("%w: empty frame payload", core.ErrPacketTooShort)
	}

	if !IsFragment(body) {
		hdr, read, err := decompress(body, mac.Src, mac.Dest)
		if err != nil {
			return nil, false, err
		}
		dg := append(hdr, body[read:]...)
		if len(dg) > MaxDatagramSize {
			return nil, false, fmt.Errorf("%w: datagram of %d bytes", core.ErrReassemblyLimit, len(dg))
		}
		setLengths(dg, len(dg))
		return dg, true, nil
	}

	fh, n, err := ParseFragHeader(body)
	if err != nil {
		return nil, false, err
	}
	hdr, read, err := decompress(body[n:], mac.Src, mac.Dest)
	if err != nil {
		return nil, false, err
	}
	data := body[n+read:]
	size := int(fh.Size)
	total := size - len(hdr)
	offset := int(fh.Offset) * 8
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: fragment carries no payload", core.ErrPacketTooShort)
	}
	if total <= 0 || offset+len(data) > total {
		return nil, false, fmt.Errorf("%w: fragment [%d,%d) outside datagram payload of %d bytes",
			core.ErrReassemblyLimit, offset, offset+len(data), total)
	}

	key := fmt.Sprintf("%s/%d/%d", mac.Src, fh.Size, fh.Tag)
	fl, err := r.flow(key, size, hdr)
	if err != nil {
		return nil, false, err
	}

	fl.mu.Lock()
	if len(hdr) != len(fl.header) {
		fl.mu.Unlock()
		return nil, false, fmt.Errorf("%w: fragment header of %d bytes, datagram has %d",
			core.ErrUnknownDispatch, len(hdr), len(fl.header))
	}
	if fl.list.Len() >= r.config.MaxFragments {
		fl.mu.Unlock()
		r.flows.Delete(key)
		return nil, false, fmt.Errorf("%w: more than %d fragments", core.ErrReassemblyLimit, r.config.MaxFragments)
	}
	fl.lastSeen = timestamp

	payload := make([]byte, len(data))
	copy(payload, data)
	insertBSDRight(fl, &fragment{offset: offset, length: len(payload), payload: payload})

	if fl.current < total {
		fl.mu.Unlock()
		return nil, false, nil
	}
	dg := build(fl, total)
	fl.done.Store(true)
	fl.mu.Unlock()

	r.flows.Delete(key)
	metrics.ReassembledDatagramsTotal.Inc()
	return dg, true, nil
}

// flow returns the flow for key, creating it when absent, and refreshes its
// expiry.
func (r *Reassembler) flow(key string, size int, hdr []byte) (*datagramFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fl *datagramFlow
	if v, ok := r.flows.Get(key); ok {
		fl = v.(*datagramFlow)
	} else {
		if r.flows.ItemCount() >= r.config.MaxDatagrams {
			return nil, fmt.Errorf("%w: %d datagrams pending", core.ErrReassemblyLimit, r.config.MaxDatagrams)
		}
		fl = &datagramFlow{size: size, header: hdr}
		metrics.ReassemblyActiveDatagrams.Inc()
	}
	r.flows.Set(key, fl, cache.DefaultExpiration)
	return fl, nil
}

// Pending returns the number of datagrams awaiting fragments.
func (r *Reassembler) Pending() int {
	return r.flows.ItemCount()
}

// Close drops every pending datagram.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.ReassemblyActiveDatagrams.Sub(float64(r.flows.ItemCount()))
	r.flows.Flush()
}

func decompress(b []byte, src, dest core.LinkAddr) ([]byte, int, error) {
	if len(b) == 0 {
		return nil, 0, core.ErrPacketTooShort
	}
	d, err := decompressorFor(b[0])
	if err != nil {
		return nil, 0, err
	}
	return d.Decompress(b, src, dest)
}

// insertBSDRight inserts frag in offset order, trimming whatever part of it is
// already covered. Must be called with fl.mu held.
func insertBSDRight(fl *datagramFlow, frag *fragment) {
	fragEnd := frag.offset + frag.length

	var insertBefore *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			insertBefore = e
			break
		}
	}

	startAt := frag.offset
	var prev *list.Element
	if insertBefore != nil {
		prev = insertBefore.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if end := p.offset + p.length; end > startAt {
			startAt = end
		}
	}

	endAt := fragEnd
	if insertBefore != nil {
		if next := insertBefore.Value.(*fragment); next.offset < endAt {
			endAt = next.offset
		}
	}
	if startAt >= endAt {
		return
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if insertBefore != nil {
		fl.list.InsertBefore(trimmed, insertBefore)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

// build joins the header and the payload fragments. Must be called with fl.mu
// held.
func build(fl *datagramFlow, total int) []byte {
	dg := make([]byte, len(fl.header)+total)
	copy(dg, fl.header)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(dg[len(fl.header)+f.offset:], f.payload)
	}
	setLengths(dg, fl.size)
	return dg
}
