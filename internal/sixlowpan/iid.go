package sixlowpan

import (
	"net"

	"firestige.xyz/lowpan/internal/core"
)

var linkLocalPrefix = [8]byte{0xfe, 0x80}

// iidFromLinkAddr derives the interface identifier a node autoconfigures from
// its link address (RFC 4944 §6). Extended addresses flip the universal/local
// bit; short addresses map to 0000:00ff:fe00:XXXX.
func iidFromLinkAddr(a core.LinkAddr) [8]byte {
	var iid [8]byte
	if a.Len == core.ExtendedAddrLen {
		copy(iid[:], a.Bytes[:8])
		iid[0] ^= 0x02
		return iid
	}
	iid[3], iid[4] = 0xff, 0xfe
	iid[6], iid[7] = a.Bytes[0], a.Bytes[1]
	return iid
}

// linkLocalFromLinkAddr returns fe80::/64 joined with the derived IID.
func linkLocalFromLinkAddr(a core.LinkAddr) net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, linkLocalPrefix[:])
	iid := iidFromLinkAddr(a)
	copy(ip[8:], iid[:])
	return ip
}

// LinkLocalAddr returns the link-local address a node with link address a
// autoconfigures.
func LinkLocalAddr(a core.LinkAddr) net.IP {
	return linkLocalFromLinkAddr(a)
}

func isLinkLocal(ip net.IP) bool {
	ip = ip.To16()
	return ip != nil && [8]byte(ip[:8]) == linkLocalPrefix
}

// isLinkDerived reports whether the IID of ip is the one derived from a.
func isLinkDerived(ip net.IP, a core.LinkAddr) bool {
	ip = ip.To16()
	if ip == nil || !a.IsValid() {
		return false
	}
	return [8]byte(ip[8:]) == iidFromLinkAddr(a)
}

// isShortIID reports the 0000:00ff:fe00:XXXX form.
func isShortIID(ip net.IP) bool {
	return ip[8] == 0 && ip[9] == 0 && ip[10] == 0 && ip[11] == 0xff &&
		ip[12] == 0xfe && ip[13] == 0
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
