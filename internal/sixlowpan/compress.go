package sixlowpan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/lowpan/internal/core"
)

// Scheme names a header encoding.
type Scheme string

const (
	SchemeNone Scheme = "none"
	SchemeHC1  Scheme = "hc1"
	SchemeHC06 Scheme = "hc06"
)

// UnknownProtocolPolicy selects what the IPv6 dispatch path does with a next
// header whose transport header length it cannot determine.
type UnknownProtocolPolicy string

const (
	// UnknownProtocolInline copies no transport bytes into the header; they
	// travel as payload instead.
	UnknownProtocolInline UnknownProtocolPolicy = "inline"
	// UnknownProtocolReject fails the datagram.
	UnknownProtocolReject UnknownProtocolPolicy = "reject"
)

// Compressor encodes the IPv6 header, and possibly the transport header, of
// a datagram at the front of dst.
//
// Compress returns the bytes written to dst and the leading datagram bytes
// they represent. Decompress is the inverse: it reads an encoded header from
// the front of frame and returns the rebuilt header bytes with elided length
// fields left zero, plus the frame bytes it read.
type Compressor interface {
	Scheme() Scheme
	Compress(dst, datagram []byte, src, dest core.LinkAddr) (written, consumed int, err error)
	Decompress(frame []byte, src, dest core.LinkAddr) (header []byte, read int, err error)
}

// NewCompressor returns the compressor for scheme. Schemes that cannot encode
// a datagram fall back to a Verbatim governed by policy.
func NewCompressor(scheme Scheme, policy UnknownProtocolPolicy) (Compressor, error) {
	v := NewVerbatim(policy)
	switch scheme {
	case SchemeNone, "":
		return v, nil
	case SchemeHC1:
		return &HC1{fallback: v}, nil
	case SchemeHC06:
		return &HC06{fallback: v}, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression scheme %q", core.ErrConfigInvalid, scheme)
	}
}

// decompressorFor selects the decoder by dispatch byte.
func decompressorFor(dispatch byte) (Compressor, error) {
	switch {
	case dispatch == DispatchIPv6:
		return &Verbatim{}, nil
	case dispatch == DispatchHC1:
		return &HC1{}, nil
	case dispatch&DispatchIPHCMask == DispatchIPHC:
		return &HC06{}, nil
	default:
		return nil, fmt.Errorf("%w: %#02x", core.ErrUnknownDispatch, dispatch)
	}
}

// transportHeaderLen returns the length of the transport header following the
// fixed IPv6 header of datagram.
func transportHeaderLen(datagram []byte) (int, error) {
	if len(datagram) < IPv6HdrLen {
		return 0, core.ErrPacketTooShort
	}
	var n int
	switch nh := datagram[6]; nh {
	case protoTCP:
		if len(datagram) < IPv6HdrLen+TCPHdrMinLen {
			return 0, fmt.Errorf("%w: truncated TCP header", core.ErrPacketTooShort)
		}
		n = int(datagram[IPv6HdrLen+12]>>4) << 2
		if n < TCPHdrMinLen {
			return 0, fmt.Errorf("%w: TCP data offset %d", core.ErrPacketTooShort, n)
		}
	case protoUDP:
		n = UDPHdrLen
	case protoICMPv6:
		n = ICMPv6HdrLen
	default:
		return 0, fmt.Errorf("%w: %d", core.ErrUnsupportedNextProtocol, nh)
	}
	if len(datagram) < IPv6HdrLen+n {
		return 0, fmt.Errorf("%w: truncated transport header", core.ErrPacketTooShort)
	}
	return n, nil
}

// Verbatim writes the IPv6 dispatch, the fixed IPv6 header and the transport
// header unchanged.
type Verbatim struct {
	policy UnknownProtocolPolicy
}

func NewVerbatim(policy UnknownProtocolPolicy) *Verbatim {
	if policy == "" {
		policy = UnknownProtocolInline
	}
	return &Verbatim{policy: policy}
}

func (v *Verbatim) Scheme() Scheme { return SchemeNone }

func (v *Verbatim) Compress(dst, datagram []byte, _, _ core.LinkAddr) (int, int, error) {
	n, err := transportHeaderLen(datagram)
	if err != nil {
		if !errors.Is(err, core.ErrUnsupportedNextProtocol) || v.policy == UnknownProtocolReject {
			return 0, 0, err
		}
		n = 0
	}
	consumed := IPv6HdrLen + n
	written := IPv6DispatchLen + consumed
	if len(dst) < written {
		return 0, 0, fmt.Errorf("%w: %d header bytes do not fit in %d", core.ErrPacketTooLarge, written, len(dst))
	}
	dst[0] = DispatchIPv6
	copy(dst[IPv6DispatchLen:], datagram[:consumed])
	return written, consumed, nil
}

func (v *Verbatim) Decompress(frame []byte, _, _ core.LinkAddr) ([]byte, int, error) {
	if len(frame) < IPv6DispatchLen+IPv6HdrLen || frame[0] != DispatchIPv6 {
		return nil, 0, core.ErrPacketTooShort
	}
	n, err := transportHeaderLen(frame[IPv6DispatchLen:])
	if err != nil {
		if !errors.Is(err, core.ErrUnsupportedNextProtocol) {
			return nil, 0, err
		}
		n = 0
	}
	read := IPv6DispatchLen + IPv6HdrLen + n
	hdr := make([]byte, IPv6HdrLen+n)
	copy(hdr, frame[IPv6DispatchLen:read])
	return hdr, read, nil
}

// decodeIPv6 parses the fixed header and the UDP header when one follows.
func decodeIPv6(datagram []byte) (*layers.IPv6, *layers.UDP, error) {
	ip := &layers.IPv6{}
	if err := ip.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}
	if ip.Version != 6 {
		return nil, nil, core.ErrNotIPv6
	}
	if ip.NextHeader != layers.IPProtocolUDP {
		return ip, nil, nil
	}
	udp := &layers.UDP{}
	if err := udp.DecodeFromBytes(datagram[IPv6HdrLen:], gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}
	return ip, udp, nil
}

// putIPv6Header writes a fixed IPv6 header with a zero payload length.
func putIPv6Header(b []byte, tc uint8, flow uint32, nh, hlim uint8, src, dst []byte) {
	binary.BigEndian.PutUint32(b[0:4], 6<<28|uint32(tc)<<20|flow&0xfffff)
	b[4], b[5] = 0, 0
	b[6] = nh
	b[7] = hlim
	copy(b[8:24], src)
	copy(b[24:40], dst)
}

// putUDPHeader writes a UDP header with a zero length.
func putUDPHeader(b []byte, src, dst, checksum uint16) {
	binary.BigEndian.PutUint16(b[0:2], src)
	binary.BigEndian.PutUint16(b[2:4], dst)
	b[4], b[5] = 0, 0
	binary.BigEndian.PutUint16(b[6:8], checksum)
}
