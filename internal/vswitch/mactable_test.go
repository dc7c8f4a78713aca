package vswitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMac(n int) MacAddr {
	return MacFromBytes([]byte{0xaa, 0, 0, 0, byte(n >> 8), byte(n)})
}

func testPort(name string) *Port {
	return NewPort(PortOptions{Name: name, VqMax: 16, DsMax: 2, PendingMax: 4})
}

func TestMacTableLearnLookup(t *testing.T) {
	table := NewMacTable(8)
	p1 := testPort("p1")
	p2 := testPort("p2")

	assert.Nil(t, table.Lookup(testMac(1)))

	table.Learn(testMac(1), p1)
	assert.Same(t, p1, table.Lookup(testMac(1)))

	// A client moving between ports updates the entry in place.
	table.Learn(testMac(1), p2)
	assert.Same(t, p2, table.Lookup(testMac(1)))
	assert.Equal(t, 1, table.Len())
}

func TestMacTableRoundRobinEviction(t *testing.T) {
	const size = 4
	table := NewMacTable(size)
	port := testPort("p")

	for i := 0; i < size; i++ {
		table.Learn(testMac(i), port)
	}
	assert.Equal(t, size, table.Len())

	// The (size+1)-th distinct learn evicts the first.
	table.Learn(testMac(size), port)
	assert.Equal(t, size, table.Len())
	assert.Nil(t, table.Lookup(testMac(0)))
	for i := 1; i <= size; i++ {
		assert.NotNil(t, table.Lookup(testMac(i)), "mac %d must survive", i)
	}
}

func TestMacTableUpdateDoesNotAdvanceEviction(t *testing.T) {
	const size = 4
	table := NewMacTable(size)
	p1 := testPort("p1")
	p2 := testPort("p2")

	for i := 0; i < size; i++ {
		table.Learn(testMac(i), p1)
	}
	// Refreshing an existing key must not advance the round-robin cursor.
	table.Learn(testMac(3), p2)
	table.Learn(testMac(size), p1)

	assert.Nil(t, table.Lookup(testMac(0)), "slot 0 must be the evicted one")
	assert.Same(t, p2, table.Lookup(testMac(3)))
}

func TestMacTableFlush(t *testing.T) {
	table := NewMacTable(16)
	p1 := testPort("p1")
	p2 := testPort("p2")

	for i := 0; i < 4; i++ {
		table.Learn(testMac(i), p1)
	}
	for i := 4; i < 6; i++ {
		table.Learn(testMac(i), p2)
	}

	table.Flush(p1)

	for i := 0; i < 4; i++ {
		assert.Nil(t, table.Lookup(testMac(i)), "mac %d must be flushed", i)
	}
	for i := 4; i < 6; i++ {
		assert.Same(t, p2, table.Lookup(testMac(i)))
	}
	assert.Equal(t, 2, table.Len())
}

func TestMacTableCapacityBound(t *testing.T) {
	const size = 8
	table := NewMacTable(size)
	port := testPort("p")

	for i := 0; i < 5*size; i++ {
		table.Learn(testMac(i), port)
		if table.Len() > size {
			t.Fatalf("index grew past capacity: %d > %d", table.Len(), size)
		}
	}
	assert.Equal(t, size, table.Len())
}

func TestMacTableEvictionOrderIsStable(t *testing.T) {
	const size = 4
	table := NewMacTable(size)
	port := testPort("p")

	for round := 0; round < 3; round++ {
		for i := 0; i < size; i++ {
			table.Learn(testMac(round*size+i), port)
		}
		for i := 0; i < size; i++ {
			got := table.Lookup(testMac(round*size + i))
			if got == nil {
				t.Fatalf("round %d: mac %s missing", round, testMac(round*size+i))
			}
		}
	}
}
