package vswitch

import "firestige.xyz/vswitch/internal/virtq"

// VLAN id space. Tagged frames carry ids 1..=0xffe; the sentinels mark
// untagged (native) traffic and trunk port classification.
const (
	VlanNative uint16 = 0x000
	VlanTrunk  uint16 = 0xfff
)

// VlanValidID reports whether id may appear in an 802.1Q tag.
func VlanValidID(id uint16) bool {
	return id >= 1 && id <= 0xffe
}

// vlanBloomHash folds a VLAN id into the 32-bit trunk fingerprint used for
// O(1) rejection before the authoritative set lookup.
func vlanBloomHash(id uint16) uint32 {
	return 1 << (id & 31)
}

const (
	etherAddrsLen = 12 // dst MAC + src MAC, the bytes before the tag slot
	vlanTagLen    = 4
)

// VlanMangle rewrites the 802.1Q tag of a frame while it is copied between
// rings. The zero value copies bytes through untouched. CopyPkt is called
// repeatedly until the source is consumed; the tag is inserted or removed
// exactly once, at offset 12 of the Ethernet header.
type VlanMangle struct {
	tci          uint16
	macRemaining uint8
	tagRemaining int8
}

const removeTci = 0xffff

// MangleAdd returns a mangle inserting a tag with the given TCI. The caller
// must ensure the frame is not already tagged.
func MangleAdd(tci uint16) VlanMangle {
	return VlanMangle{tci: tci, macRemaining: etherAddrsLen, tagRemaining: vlanTagLen}
}

// MangleRemove returns a mangle stripping the tag the frame is assumed to
// carry.
func MangleRemove() VlanMangle {
	return VlanMangle{tci: removeTci, macRemaining: etherAddrsLen, tagRemaining: -vlanTagLen}
}

// CopyPkt copies a chunk from src to dst, applying the tag rewrite when the
// cursor crosses the tag slot. It returns the number of bytes produced into
// dst. Partial progress is fine; repeated calls drain the source.
func (m *VlanMangle) CopyPkt(dst, src *virtq.Buffer) uint32 {
	switch {
	case m.tci == 0:
		return src.CopyTo(dst, 0)
	case m.macRemaining > 0:
		n := src.CopyTo(dst, uint32(m.macRemaining))
		m.macRemaining -= uint8(n)
		return n
	case m.tagRemaining > 0:
		tag := [vlanTagLen]byte{0x81, 0x00, byte(m.tci >> 8), byte(m.tci)}
		n := uint32(m.tagRemaining)
		if left := dst.Left(); left < n {
			n = left
		}
		copy(dst.Bytes(), tag[vlanTagLen-m.tagRemaining:vlanTagLen-m.tagRemaining+int8(n)])
		dst.Skip(n)
		m.tagRemaining -= int8(n)
		return n
	case m.tagRemaining < 0:
		m.tagRemaining += int8(src.Skip(uint32(-m.tagRemaining)))
		return 0
	default:
		return src.CopyTo(dst, 0)
	}
}

// RewriteHdr fixes the virtio-net header after the header copy. Called
// exactly once per frame; moving the tag shifts the checksum start when
// checksum offload is in use.
func (m *VlanMangle) RewriteHdr(hdr virtq.NetHdr) {
	if m.tci == 0 || !hdr.NeedsCsum() {
		return
	}
	if m.tci == removeTci {
		hdr.SetCsumStart(hdr.CsumStart() - vlanTagLen)
	} else {
		hdr.SetCsumStart(hdr.CsumStart() + vlanTagLen)
	}
}
