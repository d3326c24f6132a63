// Package sixlowpan adapts IPv6 datagrams to IEEE 802.15.4 frames: header
// encoding, fragmentation into a frame list, and the inverse reassembly.
package sixlowpan

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv6"

	"firestige.xyz/lowpan/internal/core"
)

// Dispatch values (RFC 4944 §5.1, RFC 6282 §3.1).
const (
	DispatchIPv6     = 0x41
	DispatchHC1      = 0x42
	DispatchIPHC     = 0x60
	DispatchIPHCMask = 0xe0
	DispatchFrag1    = 0xc0
	DispatchFragN    = 0xe0
	DispatchFragMask = 0xf8
)

// Header sizes in bytes.
const (
	IPv6DispatchLen = 1
	IPv6HdrLen      = ipv6.HeaderLen
	UDPHdrLen       = 8
	ICMPv6HdrLen    = 4
	TCPHdrMinLen    = 20
	Frag1HdrLen     = 4
	FragNHdrLen     = 5

	// MaxDatagramSize is the largest value of the 11-bit datagram_size field.
	MaxDatagramSize = 0x07ff
)

// IPv6 next header values carried by the framing layer.
const (
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// FragHeader is a decoded FRAG1 or FRAGN descriptor.
type FragHeader struct {
	Dispatch uint8
	Size     uint16
	Tag      uint16
	// Offset is in units of 8 bytes; always 0 for FRAG1.
	Offset uint8
}

// IsFirst reports whether h is a FRAG1 descriptor.
func (h FragHeader) IsFirst() bool {
	return h.Dispatch == DispatchFrag1
}

func putFrag1(b []byte, size, tag uint16) {
	binary.BigEndian.PutUint16(b[0:2], uint16(DispatchFrag1)<<8|size)
	binary.BigEndian.PutUint16(b[2:4], tag)
}

func putFragN(b []byte, size, tag uint16, offset uint8) {
	binary.BigEndian.PutUint16(b[0:2], uint16(DispatchFragN)<<8|size)
	binary.BigEndian.PutUint16(b[2:4], tag)
	b[4] = offset
}

// ParseFragHeader decodes the descriptor at the front of b and returns its length.
func ParseFragHeader(b []byte) (FragHeader, int, error) {
	if len(b) < Frag1HdrLen {
		return FragHeader{}, 0, core.ErrPacketTooShort
	}
	v := binary.BigEndian.Uint16(b[0:2])
	h := FragHeader{
		Dispatch: uint8(v>>8) & DispatchFragMask,
		Size:     v & MaxDatagramSize,
		Tag:      binary.BigEndian.Uint16(b[2:4]),
	}
	switch h.Dispatch {
	case DispatchFrag1:
		return h, Frag1HdrLen, nil
	case DispatchFragN:
		if len(b) < FragNHdrLen {
			return FragHeader{}, 0, core.ErrPacketTooShort
		}
		h.Offset = b[4]
		return h, FragNHdrLen, nil
	default:
		return FragHeader{}, 0, fmt.Errorf("%w: %#02x is not a fragment dispatch", core.ErrUnknownDispatch, b[0])
	}
}

// IsFragment reports whether b starts with a FRAG1 or FRAGN dispatch.
func IsFragment(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	d := b[0] & DispatchFragMask
	return d == DispatchFrag1 || d == DispatchFragN
}

// setLengths rewrites the length fields that header compression elides.
func setLengths(dg []byte, size int) {
	plen := uint16(size - IPv6HdrLen)
	binary.BigEndian.PutUint16(dg[4:6], plen)
	if dg[6] == protoUDP && len(dg) >= IPv6HdrLen+UDPHdrLen {
		binary.BigEndian.PutUint16(dg[IPv6HdrLen+4:IPv6HdrLen+6], plen)
	}
}
