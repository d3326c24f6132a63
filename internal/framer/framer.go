// Package framer writes and parses IEEE 802.15.4 MAC data frame headers.
//
// Frame control, PAN identifiers and addresses are little-endian on the air;
// core.LinkAddr keeps addresses most significant byte first, so addresses are
// byte-reversed when written.
package framer

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"firestige.xyz/lowpan/internal/core"
)

// Frame control field layout.
const (
	fcfFrameTypeMask   = 0x0007
	fcfSecurity        = 0x0008
	fcfFramePending    = 0x0010
	fcfAckRequest      = 0x0020
	fcfPANIDCompress   = 0x0040
	fcfDestModeShift   = 10
	fcfVersionShift    = 12
	fcfSrcModeShift    = 14
	fcfAddrModeMask    = 0x3
	fcfVersionMask     = 0x3
	FrameTypeBeacon    = 0
	FrameTypeData      = 1
	FrameTypeAck       = 2
	FrameTypeMACCmd    = 3
	addrModeNone       = 0
	addrModeShort      = 2
	addrModeExtended   = 3
	fcfLen             = 2
	seqLen             = 1
	panLen             = 2
	MaxHeaderLen       = fcfLen + seqLen + 2*panLen + 2*core.ExtendedAddrLen
	Version2003        = 0
	Version2006        = 1
)

// PacketType mirrors the upper-layer hint about the traffic pattern.
type PacketType uint8

const (
	PacketTypeDefault PacketType = iota
	PacketTypeStream
	PacketTypeStreamEnd
)

// Attrs is the per-call attribute and address table consumed by the header
// writer. It is owned by one frame-list build and never shared.
type Attrs struct {
	Sender   core.LinkAddr
	Receiver core.LinkAddr
	SrcPAN   uint16
	DestPAN  uint16

	PacketType      PacketType
	MaxMACTransmits int

	// HasSeqNo is cleared to request a fresh data sequence number.
	HasSeqNo bool
	SeqNo    uint8
}

// Header is a decoded MAC header.
type Header struct {
	FrameType        uint8
	Security         bool
	FramePending     bool
	AckRequest       bool
	PANIDCompression bool
	Version          uint8
	Seq              uint8
	DestPAN          uint16
	Dest             core.LinkAddr
	SrcPAN           uint16
	Src              core.LinkAddr
}

// Len returns the encoded length of h.
func (h *Header) Len() int {
	n := fcfLen + seqLen
	if h.Dest.IsValid() {
		n += panLen + h.Dest.Len
	}
	if h.Src.IsValid() {
		if !h.PANIDCompression || !h.Dest.IsValid() {
			n += panLen
		}
		n += h.Src.Len
	}
	return n
}

// Put encodes h at the front of buf and returns the bytes written.
func Put(buf []byte, h *Header) (int, error) {
	n := h.Len()
	if len(buf) < n {
		return 0, fmt.Errorf("%w: MAC header needs %d bytes, have %d", core.ErrHeaderComputation, n, len(buf))
	}

	fcf := uint16(h.FrameType) & fcfFrameTypeMask
	if h.Security {
		fcf |= fcfSecurity
	}
	if h.FramePending {
		fcf |= fcfFramePending
	}
	if h.AckRequest {
		fcf |= fcfAckRequest
	}
	compress := h.PANIDCompression && h.Dest.IsValid() && h.Src.IsValid()
	if compress {
		fcf |= fcfPANIDCompress
	}
	fcf |= uint16(addrMode(h.Dest)) << fcfDestModeShift
	fcf |= uint16(h.Version&fcfVersionMask) << fcfVersionShift
	fcf |= uint16(addrMode(h.Src)) << fcfSrcModeShift

	binary.LittleEndian.PutUint16(buf[0:2], fcf)
	buf[2] = h.Seq
	off := fcfLen + seqLen

	if h.Dest.IsValid() {
		binary.LittleEndian.PutUint16(buf[off:], h.DestPAN)
		off += panLen
		off += putAddr(buf[off:], h.Dest)
	}
	if h.Src.IsValid() {
		if !compress {
			binary.LittleEndian.PutUint16(buf[off:], h.SrcPAN)
			off += panLen
		}
		off += putAddr(buf[off:], h.Src)
	}
	return off, nil
}

// Parse decodes the MAC header at the front of frame and returns it with its length.
func Parse(frame []byte) (Header, int, error) {
	var h Header
	if len(frame) < fcfLen+seqLen {
		return h, 0, core.ErrPacketTooShort
	}
	fcf := binary.LittleEndian.Uint16(frame[0:2])
	h.FrameType = uint8(fcf & fcfFrameTypeMask)
	h.Security = fcf&fcfSecurity != 0
	h.FramePending = fcf&fcfFramePending != 0
	h.AckRequest = fcf&fcfAckRequest != 0
	h.PANIDCompression = fcf&fcfPANIDCompress != 0
	h.Version = uint8(fcf>>fcfVersionShift) & fcfVersionMask
	h.Seq = frame[2]
	destMode := (fcf >> fcfDestModeShift) & fcfAddrModeMask
	srcMode := (fcf >> fcfSrcModeShift) & fcfAddrModeMask
	off := fcfLen + seqLen

	var err error
	if destMode != addrModeNone {
		if len(frame) < off+panLen {
			return h, 0, core.ErrPacketTooShort
		}
		h.DestPAN = binary.LittleEndian.Uint16(frame[off:])
		off += panLen
		if h.Dest, off, err = readAddr(frame, off, destMode); err != nil {
			return h, 0, err
		}
	}
	if srcMode != addrModeNone {
		if h.PANIDCompression && destMode != addrModeNone {
			h.SrcPAN = h.DestPAN
		} else {
			if len(frame) < off+panLen {
				return h, 0, core.ErrPacketTooShort
			}
			h.SrcPAN = binary.LittleEndian.Uint16(frame[off:])
			off += panLen
		}
		if h.Src, off, err = readAddr(frame, off, srcMode); err != nil {
			return h, 0, err
		}
	}
	return h, off, nil
}

func addrMode(a core.LinkAddr) uint8 {
	switch a.Len {
	case core.ShortAddrLen:
		return addrModeShort
	case core.ExtendedAddrLen:
		return addrModeExtended
	default:
		return addrModeNone
	}
}

func putAddr(buf []byte, a core.LinkAddr) int {
	b := a.Slice()
	for i := range b {
		buf[i] = b[len(b)-1-i]
	}
	return len(b)
}

func readAddr(frame []byte, off int, mode uint16) (core.LinkAddr, int, error) {
	var n int
	switch mode {
	case addrModeShort:
		n = core.ShortAddrLen
	case addrModeExtended:
		n = core.ExtendedAddrLen
	default:
		return core.LinkAddr{}, off, fmt.Errorf("%w: reserved address mode %d", core.ErrUnknownDispatch, mode)
	}
	if len(frame) < off+n {
		return core.LinkAddr{}, off, core.ErrPacketTooShort
	}
	a := core.LinkAddr{Len: n}
	for i := 0; i < n; i++ {
		a.Bytes[i] = frame[off+n-1-i]
	}
	return a, off + n, nil
}

// Framer is the link header writer of one radio. It owns the data sequence
// number counter.
type Framer struct {
	dsn     atomic.Uint32
	version uint8
}

// New creates a framer whose first data sequence number is seed.
func New(seed uint8, version uint8) *Framer {
	f := &Framer{version: version & fcfVersionMask}
	f.dsn.Store(uint32(seed))
	return f
}

func (f *Framer) nextSeq() uint8 {
	return uint8(f.dsn.Add(1) - 1)
}

func (f *Framer) header(a *Attrs) (Header, error) {
	if !a.Sender.IsValid() {
		return Header{}, fmt.Errorf("%w: sender address not set", core.ErrHeaderComputation)
	}
	if !a.Receiver.IsValid() {
		return Header{}, fmt.Errorf("%w: receiver address not set", core.ErrHeaderComputation)
	}
	if !a.HasSeqNo {
		a.SeqNo = f.nextSeq()
		a.HasSeqNo = true
	}
	return Header{
		FrameType:        FrameTypeData,
		FramePending:     a.PacketType == PacketTypeStream,
		AckRequest:       !a.Receiver.IsBroadcast(),
		PANIDCompression: a.SrcPAN == a.DestPAN,
		Version:          f.version,
		Seq:              a.SeqNo,
		DestPAN:          a.DestPAN,
		Dest:             a.Receiver,
		SrcPAN:           a.SrcPAN,
		Src:              a.Sender,
	}, nil
}

// HeaderLen reports the MAC header length for a. It fixes the sequence number
// in a so the next WriteHeader reuses it.
func (f *Framer) HeaderLen(a *Attrs) (int, error) {
	h, err := f.header(a)
	if err != nil {
		return 0, err
	}
	return h.Len(), nil
}

// WriteHeader writes the MAC header for a at the front of buf.
func (f *Framer) WriteHeader(buf []byte, a *Attrs) (int, error) {
	h, err := f.header(a)
	if err != nil {
		return 0, err
	}
	return Put(buf, &h)
}
