// Package vswitch implements the switching fabric: ports, the network
// request lifecycle, the transfer engine, MAC learning and the switch-level
// dispatch loop.
package vswitch

import "fmt"

// MacLen is the length of an Ethernet address in wire format.
const MacLen = 6

// MacAddr is a 6-byte Ethernet address packed into a uint64. The wire
// transmits addresses in big endian order; internally the bytes are
// reversed so the first wire octet sits in the least significant byte,
// which makes the multicast test a single bit probe and gives a total
// order usable as a map key.
type MacAddr uint64

// MacUnknown is the null address of a port with no assigned MAC.
const MacUnknown MacAddr = 0

// MacFromBytes packs the first 6 bytes of src in wire order.
func MacFromBytes(src []byte) MacAddr {
	if len(src) < MacLen {
		return MacUnknown
	}
	return MacAddr(uint64(src[0]) | uint64(src[1])<<8 | uint64(src[2])<<16 |
		uint64(src[3])<<24 | uint64(src[4])<<32 | uint64(src[5])<<40)
}

// Bytes unpacks the address back into wire order.
func (m MacAddr) Bytes() [MacLen]byte {
	var out [MacLen]byte
	for i := 0; i < MacLen; i++ {
		out[i] = byte(m >> (8 * i))
	}
	return out
}

// IsBroadcast reports whether the address is a broadcast or multicast
// address. Both carry the group bit, the LSB of the first wire octet, and
// both are flooded, so one probe covers them.
func (m MacAddr) IsBroadcast() bool { return m&1 != 0 }

// IsUnknown reports whether the address is the null address.
func (m MacAddr) IsUnknown() bool { return m == MacUnknown }

// IsUnicast reports whether the address may be learned as a source.
func (m MacAddr) IsUnicast() bool { return !m.IsBroadcast() && !m.IsUnknown() }

func (m MacAddr) String() string {
	b := m.Bytes()
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
