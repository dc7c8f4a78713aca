package vswitch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/virtq"
)

// applyMangle streams src through the mangle into a destination of the
// given chunk size, concatenating the chunks.
func applyMangle(t *testing.T, m VlanMangle, src []byte, chunk int) []byte {
	t.Helper()
	srcBuf := virtq.NewBuffer(src)
	var out []byte
	for i := 0; !srcBuf.Done(); i++ {
		if i > 1000 {
			t.Fatal("mangle made no progress")
		}
		window := make([]byte, chunk)
		dstBuf := virtq.NewBuffer(window)
		for !dstBuf.Done() && !srcBuf.Done() {
			m.CopyPkt(&dstBuf, &srcBuf)
		}
		out = append(out, window[:chunk-int(dstBuf.Left())]...)
	}
	return out
}

func sampleFrame() []byte {
	frame := []byte{
		0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02, // dst MAC
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01, // src MAC
		0x08, 0x00, // EtherType: IPv4
	}
	return append(frame, []byte("hello, payload")...)
}

func taggedFrame(vid uint16) []byte {
	frame := sampleFrame()
	tag := []byte{0x81, 0x00, byte(vid >> 8), byte(vid)}
	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:12]...)
	out = append(out, tag...)
	out = append(out, frame[12:]...)
	return out
}

func TestMangleIdentity(t *testing.T) {
	frame := sampleFrame()
	var m VlanMangle
	assert.Equal(t, frame, applyMangle(t, m, frame, 1024))
}

func TestMangleAddInsertsTag(t *testing.T) {
	frame := sampleFrame()
	m := MangleAdd(10)
	out := applyMangle(t, m, frame, 1024)
	require.Equal(t, taggedFrame(10), out)
}

func TestMangleRemoveStripsTag(t *testing.T) {
	m := MangleRemove()
	out := applyMangle(t, m, taggedFrame(10), 1024)
	require.Equal(t, sampleFrame(), out)
}

func TestMangleAddRemoveRoundTrip(t *testing.T) {
	frame := sampleFrame()
	for _, chunk := range []int{1, 3, 7, 16, 1024} {
		add := MangleAdd(42)
		tagged := applyMangle(t, add, frame, chunk)
		rm := MangleRemove()
		untagged := applyMangle(t, rm, tagged, chunk)
		if !bytes.Equal(frame, untagged) {
			t.Errorf("chunk %d: round trip mangled the frame", chunk)
		}
	}
}

func TestMangleRewriteHdrAdjustsCsumStart(t *testing.T) {
	raw := make([]byte, virtq.NetHdrLen)
	raw[0] = virtq.NetHdrFNeedsCsum
	hdr := virtq.NewNetHdr(raw)
	hdr.SetCsumStart(14)

	add := MangleAdd(10)
	add.RewriteHdr(hdr)
	assert.Equal(t, uint16(18), hdr.CsumStart())

	rm := MangleRemove()
	rm.RewriteHdr(hdr)
	assert.Equal(t, uint16(14), hdr.CsumStart())
}

func TestMangleRewriteHdrWithoutCsumIsNoop(t *testing.T) {
	raw := make([]byte, virtq.NetHdrLen)
	hdr := virtq.NewNetHdr(raw)
	hdr.SetCsumStart(14)

	add := MangleAdd(10)
	add.RewriteHdr(hdr)
	assert.Equal(t, uint16(14), hdr.CsumStart())
}

func TestMatchVlan(t *testing.T) {
	native := testPort("native")
	access := testPort("access")
	access.SetVlanAccess(10)
	trunk := testPort("trunk")
	trunk.SetVlanTrunk([]uint16{10, 20})

	assert.True(t, native.MatchVlan(VlanNative))
	assert.False(t, native.MatchVlan(10))

	assert.True(t, access.MatchVlan(10))
	assert.False(t, access.MatchVlan(20))
	assert.False(t, access.MatchVlan(VlanNative))

	assert.True(t, trunk.MatchVlan(10))
	assert.True(t, trunk.MatchVlan(20))
	assert.False(t, trunk.MatchVlan(30))
	assert.False(t, trunk.MatchVlan(VlanNative))

	// Bloom collisions fall through to the authoritative set: 42 hashes
	// onto the same bit as 10 (42 & 31 == 10).
	assert.False(t, trunk.MatchVlan(42))
}

func TestVlanValidID(t *testing.T) {
	assert.False(t, VlanValidID(0))
	assert.True(t, VlanValidID(1))
	assert.True(t, VlanValidID(0xffe))
	assert.False(t, VlanValidID(0xfff))
}
