package vswitch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/virtq"
)

func TestTransferMergesSmallDestinationBuffers(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attachBare(t, sw, "B", false)
	b.drv.RX.AddWritableBuffers(8, 32)

	payload := bytes.Repeat([]byte{0x5a}, 50)
	f := buildFrame(t, macBcast, macA, -1, payload) // 14 + 50 = 64 bytes on the wire
	a.send(t, sw, f)

	got := b.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0].frame, "merged frame must reassemble byte-exact")
	assert.Greater(t, got[0].nbufs, uint16(1), "frame must span several chains")
}

func TestTransferRewindsDestinationOnDepletion(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attachBare(t, sw, "B", false)

	// Two 32-byte chains cannot hold the frame; the transfer must consume
	// them, run dry, and put both back.
	b.drv.RX.AddWritableBuffers(2, 32)

	payload := bytes.Repeat([]byte{0xa5}, 86)
	f := buildFrame(t, macBcast, macA, -1, payload) // 100 wire bytes + 12 header
	a.send(t, sw, f)

	assert.Empty(t, b.drv.RX.Used(), "no partial delivery may be visible")
	assert.Equal(t, 1, a.txCompletions())

	// Two more chains make 128 bytes in total, enough only if the two
	// rewound chains are available again.
	b.drv.RX.AddWritableBuffers(2, 32)
	sw.HandlePortIRQ(b.port)

	got := b.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0].frame)
	assert.Equal(t, uint16(4), got[0].nbufs)
}

func TestTransferRejectsHeadTooSmallForHeader(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attachBare(t, sw, "B", false)
	b.drv.RX.AddWritableBuffers(4, 8) // below the virtio-net header size

	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("x")))

	assert.True(t, b.port.NeedsReset(), "undersized head is a destination device error")
	assert.Empty(t, b.drv.RX.Used())
	assert.Equal(t, 1, a.txCompletions(), "source is unaffected")
	assert.False(t, a.port.NeedsReset())
}

func TestTransferSourceChainSpanningDescriptors(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")

	payload := bytes.Repeat([]byte{0x42}, 200)
	f := buildFrame(t, macBcast, macA, -1, payload)
	a.sendSplit(t, sw, f, 48)

	got := b.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0].frame, "scattered source chain must arrive contiguous")
}

func TestTransferDeviceErrorOnBadDestinationChain(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attachBare(t, sw, "B", false)

	// B offers a writable chain whose second descriptor points nowhere.
	addr, _ := b.drv.RX.AllocBuffer(16)
	b.drv.RX.AddRawChain([]virtq.Desc{
		{Addr: addr, Len: 16, Flags: virtq.DescFWrite | virtq.DescFNext},
		{Addr: 0xdead0000, Len: 64, Flags: virtq.DescFWrite},
	})

	a.send(t, sw, buildFrame(t, macBcast, macA, -1, bytes.Repeat([]byte{1}, 30)))

	assert.True(t, b.port.NeedsReset())
	assert.False(t, a.port.NeedsReset())
	assert.Equal(t, 1, a.txCompletions())
}
