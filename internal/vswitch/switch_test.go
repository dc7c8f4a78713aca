package vswitch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vswitch/internal/virtq"
)

func TestUnicastLearnAndForward(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")
	c := attach(t, sw, "C")

	// First frame A->B floods (B is unknown) and teaches the switch where
	// A lives.
	f1 := buildFrame(t, macB, macA, -1, []byte("hello"))
	a.send(t, sw, f1)

	require.Same(t, a.port, sw.MacTable().Lookup(macA))
	assert.Equal(t, 1, a.txCompletions(), "source slot must complete")

	bGot := b.received(t)
	require.Len(t, bGot, 1)
	assert.Equal(t, f1, bGot[0].frame)
	require.Len(t, c.received(t), 1, "unknown destination floods to C too")

	// B answers: learned A means unicast, C sees nothing further.
	f2 := buildFrame(t, macA, macB, -1, []byte("re: hello"))
	b.send(t, sw, f2)

	require.Same(t, b.port, sw.MacTable().Lookup(macB))
	aGot := a.received(t)
	require.Len(t, aGot, 1)
	assert.Equal(t, f2, aGot[0].frame)
	assert.Empty(t, c.received(t), "unicast must not reach C")

	// Third frame A->B is now a pure unicast.
	f3 := buildFrame(t, macB, macA, -1, []byte("payload"))
	a.send(t, sw, f3)
	require.Len(t, b.received(t), 1)
	assert.Empty(t, c.received(t))
}

func TestBroadcastReach(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")
	c := attach(t, sw, "C")

	f := buildFrame(t, macBcast, macA, -1, []byte("to everyone"))
	a.send(t, sw, f)

	require.Len(t, b.received(t), 1)
	require.Len(t, c.received(t), 1)
	assert.Empty(t, a.received(t), "no loopback to the source port")
	assert.Equal(t, 1, a.txCompletions())
}

func TestNoLoopbackOnLearnedSelf(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")

	// Teach the switch A's location, then address a frame to A from A.
	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("announce")))
	b.received(t)

	a.send(t, sw, buildFrame(t, macA, macA, -1, []byte("self")))
	assert.Empty(t, a.received(t), "frame must not come back to its port")
	assert.Empty(t, b.received(t), "unicast to the source port goes nowhere")
	assert.Equal(t, 2, a.txCompletions())
}

func TestVlanAccessIsolation(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A", asAccess(10))
	b := attach(t, sw, "B", asAccess(20))
	c := attach(t, sw, "C", asAccess(10))

	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("vlan10 only")))

	require.Len(t, c.received(t), 1)
	assert.Empty(t, b.received(t), "VLAN 20 must not see VLAN 10 traffic")
}

func TestAccessPortRejectsTaggedFrame(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A", asAccess(10))
	c := attach(t, sw, "C", asAccess(10))

	// Anti double-tagging: a tagged frame on an access port is discarded,
	// but its slot still completes.
	a.send(t, sw, buildFrame(t, macBcast, macA, 10, []byte("smuggled tag")))

	assert.Empty(t, c.received(t))
	assert.Equal(t, 1, a.txCompletions())
}

func TestTrunkIngressFiltering(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	tr := attach(t, sw, "T", asTrunk(10, 20))
	c := attach(t, sw, "C", asAccess(10))

	// Untagged on a trunk: dropped.
	tr.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("untagged")))
	assert.Empty(t, c.received(t))

	// Tagged with a foreign vid: dropped.
	tr.send(t, sw, buildFrame(t, macBcast, macA, 30, []byte("wrong vlan")))
	assert.Empty(t, c.received(t))

	// Tagged with a configured vid: switched.
	tr.send(t, sw, buildFrame(t, macBcast, macA, 10, []byte("good vlan")))
	require.Len(t, c.received(t), 1)
	assert.Equal(t, 3, tr.txCompletions())
}

func TestTrunkTagging(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A", asAccess(10))
	tr := attach(t, sw, "T", asTrunk(10, 20))

	payload := []byte("tag me")
	f := buildFrame(t, macBcast, macA, -1, payload)
	a.send(t, sw, f)

	got := tr.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, tagFrame(f, 10), got[0].frame,
		"the trunk copy must carry an inserted 802.1Q tag with vid 10")
}

func TestTrunkTaggingAdjustsCsumStart(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A", asAccess(10))
	tr := attach(t, sw, "T", asTrunk(10))

	hdr := make([]byte, virtq.NetHdrLen)
	hdr[0] = virtq.NetHdrFNeedsCsum
	hdr[6] = 14 // csum_start, little endian
	a.sendHdr(t, sw, hdr, buildFrame(t, macBcast, macA, -1, []byte("csum")))

	got := tr.received(t)
	require.Len(t, got, 1)
	recvHdr := virtq.NewNetHdr(got[0].hdr)
	assert.Equal(t, uint16(18), recvHdr.CsumStart(), "inserting 4 tag bytes shifts csum_start")
}

func TestTrunkUntagging(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	tr := attach(t, sw, "T", asTrunk(10, 20))
	a := attach(t, sw, "A", asAccess(10))
	b := attach(t, sw, "B", asAccess(20))
	tr2 := attach(t, sw, "T2", asTrunk(10))

	payload := []byte("strip me")
	tagged := buildFrame(t, macBcast, macA, 10, payload)
	tr.send(t, sw, tagged)

	aGot := a.received(t)
	require.Len(t, aGot, 1)
	assert.Equal(t, untagFrame(tagged), aGot[0].frame,
		"access port must receive the frame untagged")

	assert.Empty(t, b.received(t), "vid 10 must not reach access port for vid 20")

	t2Got := tr2.received(t)
	require.Len(t, t2Got, 1)
	assert.Equal(t, tagged, t2Got[0].frame, "trunk-to-trunk keeps the tag")
}

func TestNativeNotForwardedToTrunk(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A") // native
	tr := attach(t, sw, "T", asTrunk(10))

	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("native")))
	assert.Empty(t, tr.received(t), "native traffic stays off ordinary trunks")
}

func TestBackpressureRetryDelivers(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attachBare(t, sw, "B", false) // RX ring stays empty for now

	f := buildFrame(t, macBcast, macA, -1, []byte("wait for it"))
	a.send(t, sw, f)

	assert.Equal(t, 1, a.txCompletions(), "source completes even when B is full")
	assert.Empty(t, b.received(t))

	// B replenishes its ring and kicks; the parked frame arrives.
	b.replenish(4)
	sw.HandlePortIRQ(b.port)

	got := b.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, f, got[0].frame)
}

func TestBackpressureExpiryDropsFrame(t *testing.T) {
	sw, clock := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attachBare(t, sw, "B", false)

	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("too late")))

	clock.Advance(3 * time.Second) // past the 2s retention
	sw.ExpireDeferred()

	b.replenish(4)
	sw.HandlePortIRQ(b.port)
	assert.Empty(t, b.received(t), "expired frames must not be delivered")
}

func TestBadDescriptorIsolatesPort(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")
	c := attach(t, sw, "C")

	// A submits a descriptor pointing far outside its registered memory.
	a.drv.TX.AddRawChain([]virtq.Desc{{Addr: 0xdead0000, Len: 1 << 16}})
	sw.HandlePortIRQ(a.port)

	assert.True(t, a.port.NeedsReset(), "A must be quarantined")

	// B and C continue to switch traffic unaffected.
	f := buildFrame(t, macC, macB, -1, []byte("life goes on"))
	b.send(t, sw, f)
	require.Len(t, c.received(t), 1)

	// Further frames from A are refused until reset.
	a.drv.TX.AddChain([][]byte{make([]byte, 64)}, false)
	sw.HandlePortIRQ(a.port)
	assert.Empty(t, b.received(t))
	assert.Empty(t, c.received(t))
}

func TestMonitorReceivesCopies(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A", asAccess(10))
	c := attach(t, sw, "C", asAccess(10))
	mon := attachBare(t, sw, "mon", true)
	mon.replenish(8)

	payload := []byte("mirrored")
	f := buildFrame(t, macBcast, macA, -1, payload)
	a.send(t, sw, f)

	require.Len(t, c.received(t), 1)
	monGot := mon.received(t)
	require.Len(t, monGot, 1)
	assert.Equal(t, tagFrame(f, 10), monGot[0].frame,
		"monitor sees access traffic tagged with its VLAN")
}

func TestMonitorUnicastCopy(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")
	mon := attachBare(t, sw, "mon", true)
	mon.replenish(8)

	// Teach B's location, then unicast: the monitor still gets a copy.
	b.send(t, sw, buildFrame(t, macBcast, macB, -1, []byte("hi")))
	mon.received(t)
	a.received(t)

	f := buildFrame(t, macB, macA, -1, []byte("direct"))
	a.send(t, sw, f)

	require.Len(t, b.received(t), 1)
	monGot := mon.received(t)
	require.Len(t, monGot, 1)
	assert.Equal(t, f, monGot[0].frame, "native traffic reaches the monitor untagged")
}

func TestMonitorPortMayNotSend(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	mon := attachBare(t, sw, "mon", true)
	mon.replenish(4)

	mon.drv.TX.AddChain([][]byte{make([]byte, 80)}, false)
	sw.HandlePortIRQ(mon.port)

	assert.Equal(t, 1, mon.txCompletions(), "monitor TX slots complete unseen")
	assert.Empty(t, a.received(t), "nothing may egress from the monitor")
}

func TestMonitorFilterExcludesFrames(t *testing.T) {
	filter, err := NewMonitorFilter([]string{"lldp"})
	require.NoError(t, err)

	clock := &testClock{now: time.Unix(1700000000, 0)}
	sw := New(Options{
		MaxPorts:     4,
		MacTableSize: 64,
		Retention:    2 * time.Second,
		Filter:       filter,
		Now:          clock.Now,
	}, nil)

	a := attach(t, sw, "A")
	b := attach(t, sw, "B")
	mon := attachBare(t, sw, "mon", true)
	mon.replenish(8)

	// LLDP multicast frame: EtherType 0x88cc.
	lldp := append([]byte{
		0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e,
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01,
		0x88, 0xcc,
	}, []byte{0x02, 0x07, 0x04}...)
	a.send(t, sw, lldp)

	require.Len(t, b.received(t), 1, "LLDP still floods to ordinary ports")
	assert.Empty(t, mon.received(t), "filtered EtherType must not reach the monitor")

	// Ordinary traffic still reaches the monitor.
	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("normal")))
	assert.Len(t, mon.received(t), 1)
}

func TestAddPortRejectsDuplicateMac(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	p1 := NewPort(PortOptions{Name: "p1", VqMax: 16, DsMax: 2, PendingMax: 4, Mac: macA})
	require.NoError(t, sw.AddPort(p1))

	p2 := NewPort(PortOptions{Name: "p2", VqMax: 16, DsMax: 2, PendingMax: 4, Mac: macA})
	assert.ErrorIs(t, sw.AddPort(p2), ErrMacConflict)
}

func TestAddPortCapacity(t *testing.T) {
	sw, _ := newTestSwitch(t, 2)
	require.NoError(t, sw.AddPort(testPort("p0")))
	require.NoError(t, sw.AddPort(testPort("p1")))
	assert.Equal(t, -1, sw.PortAvailable(false))
	assert.ErrorIs(t, sw.AddPort(testPort("p2")), ErrOutOfCapacity)
}

func TestSingleMonitorPort(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	m1 := testPort("m1")
	m1.SetMonitor()
	require.NoError(t, sw.AddMonitorPort(m1))
	assert.Equal(t, -1, sw.PortAvailable(true))

	m2 := testPort("m2")
	m2.SetMonitor()
	assert.ErrorIs(t, sw.AddMonitorPort(m2), ErrOutOfCapacity)
}

func TestCheckPortsRemovesGoneClients(t *testing.T) {
	sw, _ := newTestSwitch(t, 4)
	a := attach(t, sw, "A")
	b := attach(t, sw, "B")

	// Teach the table A's MAC, then revoke A's capability.
	a.send(t, sw, buildFrame(t, macBcast, macA, -1, []byte("hello")))
	require.NotNil(t, sw.MacTable().Lookup(macA))

	gone := false
	a.port.SetGone(func() bool { return gone })
	gone = true
	sw.CheckPorts()

	assert.Nil(t, sw.MacTable().Lookup(macA), "flush must remove the stale entry")
	assert.Equal(t, 0, sw.PortAvailable(false), "slot 0 must be free again")

	// B keeps working.
	b.send(t, sw, buildFrame(t, macBcast, macB, -1, []byte("still here")))
	assert.Equal(t, 1, b.txCompletions())
}
