// Package core defines core types with zero external dependencies.
package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Link address lengths for IEEE 802.15.4.
const (
	ShortAddrLen    = 2
	ExtendedAddrLen = 8
)

// BroadcastPAN is the PAN identifier accepted by every coordinator.
const BroadcastPAN uint16 = 0xffff

// LinkAddr is an IEEE 802.15.4 short (2 byte) or extended (8 byte) address,
// stored in network order (most significant byte first).
type LinkAddr struct {
	Bytes [ExtendedAddrLen]byte
	Len   int
}

// BroadcastAddr is the short broadcast address 0xffff. It stands in for an
// omitted destination.
var BroadcastAddr = LinkAddr{Bytes: [ExtendedAddrLen]byte{0xff, 0xff}, Len: ShortAddrLen}

// ShortAddr builds a 16-bit link address.
func ShortAddr(v uint16) LinkAddr {
	return LinkAddr{Bytes: [ExtendedAddrLen]byte{byte(v >> 8), byte(v)}, Len: ShortAddrLen}
}

// ExtendedAddr builds a 64-bit link address.
func ExtendedAddr(b [ExtendedAddrLen]byte) LinkAddr {
	return LinkAddr{Bytes: b, Len: ExtendedAddrLen}
}

// LinkAddrFromSlice copies a 2 or 8 byte slice into a LinkAddr.
func LinkAddrFromSlice(b []byte) (LinkAddr, error) {
	if len(b) != ShortAddrLen && len(b) != ExtendedAddrLen {
		return LinkAddr{}, fmt.Errorf("link address must be 2 or 8 bytes, got %d", len(b))
	}
	var a LinkAddr
	copy(a.Bytes[:], b)
	a.Len = len(b)
	return a, nil
}

// ParseLinkAddr parses "ab:cd" or "00:12:4b:00:01:02:03:04" (dashes also accepted).
func ParseLinkAddr(s string) (LinkAddr, error) {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "-", ""), ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return LinkAddr{}, fmt.Errorf("invalid link address %q: %w", s, err)
	}
	return LinkAddrFromSlice(b)
}

// Slice returns the significant bytes of the address.
func (a LinkAddr) Slice() []byte {
	return a.Bytes[:a.Len]
}

// IsShort reports whether a is a 16-bit address.
func (a LinkAddr) IsShort() bool {
	return a.Len == ShortAddrLen
}

// Short returns the 16-bit value of a short address.
func (a LinkAddr) Short() uint16 {
	return uint16(a.Bytes[0])<<8 | uint16(a.Bytes[1])
}

// IsBroadcast reports whether a is the short broadcast address.
func (a LinkAddr) IsBroadcast() bool {
	return a.IsShort() && a.Short() == 0xffff
}

// IsValid reports whether a has a legal length.
func (a LinkAddr) IsValid() bool {
	return a.Len == ShortAddrLen || a.Len == ExtendedAddrLen
}

// Equal compares significant bytes and length.
func (a LinkAddr) Equal(b LinkAddr) bool {
	return a.Len == b.Len && a.Bytes == b.Bytes
}

// String renders the address as colon separated hex.
func (a LinkAddr) String() string {
	if !a.IsValid() {
		return "invalid"
	}
	parts := make([]string, a.Len)
	for i, b := range a.Slice() {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
