// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors surfaced to the IP output path. Callers match them with errors.Is.
var (
	// Frame list construction errors
	ErrHeaderComputation       = errors.New("lowpan: link header length unavailable")
	ErrPacketTooLarge          = errors.New("lowpan: packet too large")
	ErrAllocationFailure       = errors.New("lowpan: frame buffer allocation failed")
	ErrUnsupportedNextProtocol = errors.New("lowpan: unsupported next protocol")

	// Packet decoding errors
	ErrPacketTooShort  = errors.New("lowpan: packet too short")
	ErrNotIPv6         = errors.New("lowpan: not an IPv6 datagram")
	ErrUnknownDispatch = errors.New("lowpan: unknown dispatch")

	// Reassembly errors
	ErrReassemblyTimeout = errors.New("lowpan: fragment reassembly timeout")
	ErrReassemblyLimit   = errors.New("lowpan: fragment reassembly limit exceeded")

	// Configuration errors
	ErrConfigInvalid = errors.New("lowpan: invalid configuration")
)
