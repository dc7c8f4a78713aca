package vswitch

import (
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
)

// DefaultMacTableSize bounds the learning table when the configuration
// does not say otherwise.
const DefaultMacTableSize = 1024

// MacTable manages a bounded 1:n association between ports and MAC
// addresses. A port usually contributes one address, but a software bridge
// behind a port may send from many, so the table maps addresses to ports,
// not the other way round.
//
// Capacity is fixed; once full, a newly learned address reuses slots in
// round-robin order, evicting the oldest resident. Learning an already
// known address only refreshes its port and does not advance the
// round-robin cursor.
type MacTable struct {
	index   map[MacAddr]int
	entries []macEntry
	rr      int
	logger  log.Logger
}

type macEntry struct {
	addr MacAddr
	port *Port
}

// NewMacTable creates a table with the given slot count.
func NewMacTable(size int) *MacTable {
	if size <= 0 {
		size = DefaultMacTableSize
	}
	return &MacTable{
		index:   make(map[MacAddr]int, size),
		entries: make([]macEntry, size),
		logger:  log.Component("port"),
	}
}

// Lookup finds the destination port for an address, or nil while the
// address has not been learned.
func (t *MacTable) Lookup(dst MacAddr) *Port {
	if slot, ok := t.index[dst]; ok {
		return t.entries[slot].port
	}
	return nil
}

// Learn records that src is reachable via port. Known addresses are
// refreshed in place so clients may move between ports; new addresses take
// the next round-robin slot, evicting its previous occupant when the table
// is full.
func (t *MacTable) Learn(src MacAddr, port *Port) {
	if slot, ok := t.index[src]; ok {
		if t.entries[slot].port != port && t.logger.IsDebugEnabled() {
			t.logger.Debugf("replaced %-20s -> %s", port.Name(), src)
		}
		t.entries[slot].port = port
		return
	}

	slot := t.rr
	if prev := &t.entries[slot]; prev.port != nil {
		delete(t.index, prev.addr)
	}
	t.entries[slot] = macEntry{addr: src, port: port}
	t.index[src] = slot
	t.rr = (t.rr + 1) % len(t.entries)

	if t.logger.IsDebugEnabled() {
		t.logger.Debugf("learned  %-20s -> %s", port.Name(), src)
	}
	metrics.MacTableEntries.Set(float64(len(t.index)))
}

// Flush removes every association with the given port, called when the
// port goes away.
func (t *MacTable) Flush(port *Port) {
	for addr, slot := range t.index {
		if t.entries[slot].port == port {
			t.entries[slot] = macEntry{}
			delete(t.index, addr)
		}
	}
	metrics.MacTableEntries.Set(float64(len(t.index)))
}

// Len returns the number of learned addresses.
func (t *MacTable) Len() int { return len(t.index) }
