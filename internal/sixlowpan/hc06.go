package sixlowpan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"

	"firestige.xyz/lowpan/internal/core"
)

// IPHC encoding (RFC 6282 §3.1.1). The first byte carries TF, NH and HLIM,
// the second CID, SAC, SAM, M, DAC and DAM.
const (
	iphcTFShift  = 3
	iphcNH       = 0x04
	iphcHLIMMask = 0x03
	iphcCID      = 0x80
	iphcSAC      = 0x40
	iphcSAMShift = 4
	iphcM        = 0x08
	iphcDAC      = 0x04
	iphcDAMMask  = 0x03

	tfInline     = 0
	tfECNFlow    = 1
	tfECNDSCP    = 2
	tfElided     = 3
	addrInline   = 0
	addr64       = 1
	addr16       = 2
	addrElided   = 3
	nhcUDP       = 0xf0
	nhcUDPMask   = 0xf8
	nhcUDPCksum  = 0x04
	nhcUDPPorts  = 0x03
	udp4BitBase  = 0xf0b0
	udp8BitBase  = 0xf000
	iphcMaxLen   = 2 + 4 + 1 + 1 + 16 + 16 + 7
	hlimInline   = 0
)

var hopLimits = [4]uint8{0, 1, 64, 255}

// HC06 implements stateless IPHC with UDP next header compression. Context
// based compression is not used; every address is compressed against the
// link-local prefix or carried inline.
type HC06 struct {
	fallback *Verbatim
}

func (h *HC06) Scheme() Scheme { return SchemeHC06 }

func (h *HC06) Compress(dst, datagram []byte, src, dest core.LinkAddr) (int, int, error) {
	ip, udp, err := decodeIPv6(datagram)
	if err != nil {
		return h.fallback.Compress(dst, datagram, src, dest)
	}

	var b [iphcMaxLen]byte
	b[0] = DispatchIPHC
	n := 2
	consumed := IPv6HdrLen

	tc, fl := ip.TrafficClass, ip.FlowLabel
	ecn, dscp := tc&0x03, tc>>2
	switch {
	case tc == 0 && fl == 0:
		b[0] |= tfElided << iphcTFShift
	case fl == 0:
		b[0] |= tfECNDSCP << iphcTFShift
		b[n] = ecn<<6 | dscp
		n++
	case dscp == 0:
		b[0] |= tfECNFlow << iphcTFShift
		b[n] = ecn<<6 | byte(fl>>16)&0x0f
		b[n+1], b[n+2] = byte(fl>>8), byte(fl)
		n += 3
	default:
		b[n] = ecn<<6 | dscp
		b[n+1] = byte(fl>>16) & 0x0f
		b[n+2], b[n+3] = byte(fl>>8), byte(fl)
		n += 4
	}

	if udp != nil {
		b[0] |= iphcNH
	} else {
		b[n] = uint8(ip.NextHeader)
		n++
	}

	switch ip.HopLimit {
	case 1:
		b[0] |= 1
	case 64:
		b[0] |= 2
	case 255:
		b[0] |= 3
	default:
		b[n] = ip.HopLimit
		n++
	}

	if ip.SrcIP.IsUnspecified() {
		b[1] |= iphcSAC
	} else {
		mode, inline := compressUnicast(ip.SrcIP, src)
		b[1] |= mode << iphcSAMShift
		n += copy(b[n:], inline)
	}

	if ip.DstIP[0] == 0xff {
		mode, inline := compressMulticast(ip.DstIP)
		b[1] |= iphcM | mode
		n += copy(b[n:], inline)
	} else {
		mode, inline := compressUnicast(ip.DstIP, dest)
		b[1] |= mode
		n += copy(b[n:], inline)
	}

	if udp != nil {
		n += putUDPNHC(b[n:], uint16(udp.SrcPort), uint16(udp.DstPort), udp.Checksum)
		consumed += UDPHdrLen
	}

	if len(dst) < n {
		return 0, 0, fmt.Errorf("%w: %d header bytes do not fit in %d", core.ErrPacketTooLarge, n, len(dst))
	}
	copy(dst, b[:n])
	return n, consumed, nil
}

func compressUnicast(ip net.IP, ll core.LinkAddr) (byte, []byte) {
	if !isLinkLocal(ip) {
		return addrInline, ip[:16]
	}
	switch {
	case isLinkDerived(ip, ll):
		return addrElided, nil
	case isShortIID(ip):
		return addr16, ip[14:16]
	default:
		return addr64, ip[8:16]
	}
}

func compressMulticast(ip net.IP) (byte, []byte) {
	switch {
	case ip[1] == 0x02 && allZero(ip[2:15]):
		return addrElided, ip[15:16]
	case allZero(ip[2:13]):
		return addr16, []byte{ip[1], ip[13], ip[14], ip[15]}
	case allZero(ip[2:11]):
		return addr64, []byte{ip[1], ip[11], ip[12], ip[13], ip[14], ip[15]}
	default:
		return addrInline, ip[:16]
	}
}

func putUDPNHC(b []byte, sport, dport, checksum uint16) int {
	var n int
	switch {
	case sport&0xfff0 == udp4BitBase && dport&0xfff0 == udp4BitBase:
		b[0] = nhcUDP | 0x03
		b[1] = byte(sport&0x0f)<<4 | byte(dport&0x0f)
		n = 2
	case dport&0xff00 == udp8BitBase:
		b[0] = nhcUDP | 0x01
		binary.BigEndian.PutUint16(b[1:3], sport)
		b[3] = byte(dport)
		n = 4
	case sport&0xff00 == udp8BitBase:
		b[0] = nhcUDP | 0x02
		b[1] = byte(sport)
		binary.BigEndian.PutUint16(b[2:4], dport)
		n = 4
	default:
		b[0] = nhcUDP
		binary.BigEndian.PutUint16(b[1:3], sport)
		binary.BigEndian.PutUint16(b[3:5], dport)
		n = 5
	}
	binary.BigEndian.PutUint16(b[n:n+2], checksum)
	return n + 2
}

// iphcReader walks the inline fields of an IPHC header.
type iphcReader struct {
	b   []byte
	off int
	err error
}

func (r *iphcReader) next(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.b) < r.off+n {
		r.err = fmt.Errorf("%w: IPHC header truncated", core.ErrPacketTooShort)
		return make([]byte, n)
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *iphcReader) unicast(mode byte, ll core.LinkAddr) net.IP {
	ip := make(net.IP, net.IPv6len)
	switch mode {
	case addrInline:
		copy(ip, r.next(16))
	case addr64:
		copy(ip, linkLocalPrefix[:])
		copy(ip[8:], r.next(8))
	case addr16:
		copy(ip, linkLocalPrefix[:])
		ip[11], ip[12] = 0xff, 0xfe
		copy(ip[14:], r.next(2))
	default:
		return linkLocalFromLinkAddr(ll)
	}
	return ip
}

func (r *iphcReader) multicast(mode byte) net.IP {
	ip := make(net.IP, net.IPv6len)
	switch mode {
	case addrInline:
		copy(ip, r.next(16))
	case addr64:
		v := r.next(6)
		ip[0], ip[1] = 0xff, v[0]
		copy(ip[11:], v[1:])
	case addr16:
		v := r.next(4)
		ip[0], ip[1] = 0xff, v[0]
		copy(ip[13:], v[1:])
	default:
		ip[0], ip[1] = 0xff, 0x02
		ip[15] = r.next(1)[0]
	}
	return ip
}

func (h *HC06) Decompress(frame []byte, src, dest core.LinkAddr) ([]byte, int, error) {
	if len(frame) < 2 || frame[0]&DispatchIPHCMask != DispatchIPHC {
		return nil, 0, core.ErrPacketTooShort
	}
	b0, b1 := frame[0], frame[1]
	if b1&iphcCID != 0 {
		return nil, 0, fmt.Errorf("%w: IPHC context identifier", core.ErrUnknownDispatch)
	}
	r := &iphcReader{b: frame, off: 2}

	var tc uint8
	var fl uint32
	switch (b0 >> iphcTFShift) & 0x03 {
	case tfInline:
		v := r.next(4)
		tc = (v[0]&0x3f)<<2 | v[0]>>6
		fl = uint32(v[1]&0x0f)<<16 | uint32(v[2])<<8 | uint32(v[3])
	case tfECNFlow:
		v := r.next(3)
		tc = v[0] >> 6
		fl = uint32(v[0]&0x0f)<<16 | uint32(v[1])<<8 | uint32(v[2])
	case tfECNDSCP:
		v := r.next(1)
		tc = (v[0]&0x3f)<<2 | v[0]>>6
	}

	nh := uint8(protoUDP)
	nhc := b0&iphcNH != 0
	if !nhc {
		nh = r.next(1)[0]
	}

	hlim := hopLimits[b0&iphcHLIMMask]
	if b0&iphcHLIMMask == hlimInline {
		hlim = r.next(1)[0]
	}

	var srcIP net.IP
	if b1&iphcSAC != 0 {
		if (b1>>iphcSAMShift)&0x03 != addrInline {
			return nil, 0, fmt.Errorf("%w: stateful source address", core.ErrUnknownDispatch)
		}
		srcIP = net.IPv6unspecified
	} else {
		srcIP = r.unicast((b1>>iphcSAMShift)&0x03, src)
	}

	if b1&iphcDAC != 0 {
		return nil, 0, fmt.Errorf("%w: stateful destination address", core.ErrUnknownDispatch)
	}
	var dstIP net.IP
	if b1&iphcM != 0 {
		dstIP = r.multicast(b1 & iphcDAMMask)
	} else {
		dstIP = r.unicast(b1&iphcDAMMask, dest)
	}

	if !nhc {
		if r.err != nil {
			return nil, 0, r.err
		}
		hdr := make([]byte, IPv6HdrLen)
		putIPv6Header(hdr, tc, fl, nh, hlim, srcIP, dstIP)
		return hdr, r.off, nil
	}

	enc := r.next(1)[0]
	if r.err == nil && (enc&nhcUDPMask != nhcUDP || enc&nhcUDPCksum != 0) {
		return nil, 0, fmt.Errorf("%w: next header encoding %#02x", core.ErrUnknownDispatch, enc)
	}
	var sport, dport uint16
	switch enc & nhcUDPPorts {
	case 0x00:
		v := r.next(4)
		sport, dport = binary.BigEndian.Uint16(v[0:2]), binary.BigEndian.Uint16(v[2:4])
	case 0x01:
		v := r.next(3)
		sport, dport = binary.BigEndian.Uint16(v[0:2]), udp8BitBase|uint16(v[2])
	case 0x02:
		v := r.next(3)
		sport, dport = udp8BitBase|uint16(v[0]), binary.BigEndian.Uint16(v[1:3])
	case 0x03:
		v := r.next(1)
		sport, dport = udp4BitBase|uint16(v[0]>>4), udp4BitBase|uint16(v[0]&0x0f)
	}
	checksum := binary.BigEndian.Uint16(r.next(2))
	if r.err != nil {
		return nil, 0, r.err
	}

	hdr := make([]byte, IPv6HdrLen+UDPHdrLen)
	putIPv6Header(hdr, tc, fl, uint8(layers.IPProtocolUDP), hlim, srcIP, dstIP)
	putUDPHeader(hdr[IPv6HdrLen:], sport, dport, checksum)
	return hdr, r.off, nil
}
