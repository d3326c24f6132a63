package sixlowpan

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/lowpan/internal/core"
)

// HC1 encoding byte (RFC 4944 §10.1). Prefixes and IIDs are always elided, so
// only the next header and HC2 bits vary.
const (
	hc1ICMPv6    = 0xfc
	hc1TCP       = 0xfe
	hc1UDP       = 0xfa
	hc1UDPHC2    = 0xfb
	hc1NHMask    = 0x06
	hc1NHUDP     = 0x02
	hc1NHICMPv6  = 0x04
	hc1NHTCP     = 0x06
	hc1HC2       = 0x01
	hcUDPPorts   = 0xe0
	hc1Len       = 3
	hc1UDPLen    = 7
	hc1PortBase  = 0xf0b0
	hc1PortLimit = 0xf0bf
)

// HC1 applies link-local header compression with HC_UDP when both nodes use
// addresses derived from their link addresses. Anything else is sent with the
// IPv6 dispatch.
type HC1 struct {
	fallback *Verbatim
}

func (h *HC1) Scheme() Scheme { return SchemeHC1 }

func (h *HC1) Compress(dst, datagram []byte, src, dest core.LinkAddr) (int, int, error) {
	ip, udp, err := decodeIPv6(datagram)
	if err != nil || !h.compressible(ip, src, dest) {
		return h.fallback.Compress(dst, datagram, src, dest)
	}
	if len(dst) < hc1UDPLen {
		return 0, 0, fmt.Errorf("%w: no room for HC1 header", core.ErrPacketTooLarge)
	}

	dst[0] = DispatchHC1
	switch ip.NextHeader {
	case layers.IPProtocolICMPv6:
		dst[1], dst[2] = hc1ICMPv6, ip.HopLimit
		return hc1Len, IPv6HdrLen, nil
	case layers.IPProtocolTCP:
		dst[1], dst[2] = hc1TCP, ip.HopLimit
		return hc1Len, IPv6HdrLen, nil
	}

	sport, dport := uint16(udp.SrcPort), uint16(udp.DstPort)
	if sport < hc1PortBase || sport > hc1PortLimit || dport < hc1PortBase || dport > hc1PortLimit {
		dst[1], dst[2] = hc1UDP, ip.HopLimit
		return hc1Len, IPv6HdrLen, nil
	}
	dst[1] = hc1UDPHC2
	dst[2] = hcUDPPorts
	dst[3] = ip.HopLimit
	dst[4] = byte(sport-hc1PortBase)<<4 | byte(dport-hc1PortBase)
	binary.BigEndian.PutUint16(dst[5:7], udp.Checksum)
	return hc1UDPLen, IPv6HdrLen + UDPHdrLen, nil
}

func (h *HC1) compressible(ip *layers.IPv6, src, dest core.LinkAddr) bool {
	if ip.TrafficClass != 0 || ip.FlowLabel != 0 {
		return false
	}
	if !isLinkLocal(ip.SrcIP) || !isLinkDerived(ip.SrcIP, src) {
		return false
	}
	if !isLinkLocal(ip.DstIP) || !isLinkDerived(ip.DstIP, dest) {
		return false
	}
	switch ip.NextHeader {
	case layers.IPProtocolICMPv6, layers.IPProtocolTCP, layers.IPProtocolUDP:
		return true
	}
	return false
}

func (h *HC1) Decompress(frame []byte, src, dest core.LinkAddr) ([]byte, int, error) {
	if len(frame) < hc1Len || frame[0] != DispatchHC1 {
		return nil, 0, core.ErrPacketTooShort
	}
	enc := frame[1]
	var nh uint8
	switch enc & hc1NHMask {
	case hc1NHICMPv6:
		nh = protoICMPv6
	case hc1NHTCP:
		nh = protoTCP
	case hc1NHUDP:
		nh = protoUDP
	default:
		return nil, 0, fmt.Errorf("%w: HC1 encoding %#02x", core.ErrUnknownDispatch, enc)
	}

	srcIP, dstIP := linkLocalFromLinkAddr(src), linkLocalFromLinkAddr(dest)
	if nh != protoUDP || enc&hc1HC2 == 0 {
		hdr := make([]byte, IPv6HdrLen)
		putIPv6Header(hdr, 0, 0, nh, frame[2], srcIP, dstIP)
		return hdr, hc1Len, nil
	}

	if len(frame) < hc1UDPLen {
		return nil, 0, core.ErrPacketTooShort
	}
	if frame[2] != hcUDPPorts {
		return nil, 0, fmt.Errorf("%w: HC_UDP encoding %#02x", core.ErrUnknownDispatch, frame[2])
	}
	hdr := make([]byte, IPv6HdrLen+UDPHdrLen)
	putIPv6Header(hdr, 0, 0, nh, frame[3], srcIP, dstIP)
	putUDPHeader(hdr[IPv6HdrLen:],
		hc1PortBase+uint16(frame[4]>>4),
		hc1PortBase+uint16(frame[4]&0x0f),
		binary.BigEndian.Uint16(frame[5:7]))
	return hdr, hc1UDPLen, nil
}
