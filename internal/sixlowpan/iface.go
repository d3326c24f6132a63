package sixlowpan

import (
	"sync/atomic"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/metrics"
)

// Interface is the 6LoWPAN network interface state shared by every datagram
// sent through it.
type Interface struct {
	Name  string
	Addr  core.LinkAddr
	PANID uint16

	// tag holds the next datagram tag in its low 16 bits.
	tag atomic.Uint32
}

// NewInterface creates an interface whose first datagram tag is 0.
func NewInterface(name string, addr core.LinkAddr, pan uint16) *Interface {
	i := &Interface{Name: name, Addr: addr, PANID: pan}
	metrics.DatagramTag.WithLabelValues(name).Set(0)
	return i
}

// DatagramTag returns the tag the next fragmented datagram will carry.
func (i *Interface) DatagramTag() uint16 {
	return uint16(i.tag.Load())
}

// SetDatagramTag sets the tag of the next fragmented datagram.
func (i *Interface) SetDatagramTag(t uint16) {
	i.tag.Store(uint32(t))
	metrics.DatagramTag.WithLabelValues(i.Name).Set(float64(t))
}

// reserveTag claims the current tag for one datagram and advances the counter.
// Concurrent callers always get distinct tags.
func (i *Interface) reserveTag() uint32 {
	raw := i.tag.Add(1) - 1
	metrics.DatagramTag.WithLabelValues(i.Name).Set(float64(uint16(raw + 1)))
	return raw
}

// releaseTag undoes reserveTag when the datagram was not sent and no other
// datagram has reserved a tag since.
func (i *Interface) releaseTag(raw uint32) {
	if i.tag.CompareAndSwap(raw+1, raw) {
		metrics.DatagramTag.WithLabelValues(i.Name).Set(float64(uint16(raw)))
	}
}
