// Package stats maintains the shared statistics page: a single-writer
// memory region mirroring per-port counters for external readers. Readers
// snapshot the page and re-read until the age counter is stable; the switch
// is the only writer.
package stats

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Page layout, little endian:
//
//	age       u64
//	max_ports u64
//	port_stats[max_ports]:
//	    tx_num, tx_dropped, tx_bytes u64
//	    rx_num, rx_dropped, rx_bytes u64
//	    mac  [6]u8
//	    name [20]u8
//	    in_use u8
//	    (5 bytes padding)
const (
	headerSize    = 16
	portStatsSize = 80

	offTxNum     = 0
	offTxDropped = 8
	offTxBytes   = 16
	offRxNum     = 24
	offRxDropped = 32
	offRxBytes   = 40
	offMac       = 48
	offName      = 54
	offInUse     = 74

	// NameLen bounds a port name in the page, NUL terminator included.
	NameLen = 20
)

var ErrNoSlot = errors.New("stats: no free port slot")

// Mirror is the writer side of the statistics page.
type Mirror struct {
	buf      []byte
	mapped   bool
	file     *os.File
	maxPorts int
}

// Size returns the page size needed for maxPorts.
func Size(maxPorts int) int {
	size := headerSize + maxPorts*portStatsSize
	page := os.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}

// New creates a mirror for maxPorts. With a non-empty path the page is
// backed by an mmap'd file that external readers can map read-only;
// otherwise it lives on the heap (tests, validate runs).
func New(path string, maxPorts int) (*Mirror, error) {
	m := &Mirror{maxPorts: maxPorts}
	size := Size(maxPorts)

	if path == "" {
		m.buf = make([]byte, size)
	} else {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("stats: create page: %w", err)
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("stats: size page: %w", err)
		}
		buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stats: map page: %w", err)
		}
		m.buf = buf
		m.mapped = true
		m.file = f
	}

	binary.LittleEndian.PutUint64(m.buf[8:], uint64(maxPorts))
	return m, nil
}

// Close unmaps and closes the page backing.
func (m *Mirror) Close() error {
	if m.mapped {
		if err := unix.Munmap(m.buf); err != nil {
			return err
		}
		m.buf = nil
		return m.file.Close()
	}
	return nil
}

// Age returns the current age counter.
func (m *Mirror) Age() uint64 {
	return binary.LittleEndian.Uint64(m.buf[0:])
}

func (m *Mirror) bumpAge() {
	binary.LittleEndian.PutUint64(m.buf[0:], m.Age()+1)
}

// Sync republishes the age counter so a polling reader settles. The
// counters themselves are always current; this is the handle behind the
// stats_sync control command.
func (m *Mirror) Sync() {
	m.bumpAge()
}

func (m *Mirror) slot(i int) []byte {
	off := headerSize + i*portStatsSize
	return m.buf[off : off+portStatsSize]
}

// AllocatePort claims a free slot for a port, stamping its name and MAC.
func (m *Mirror) AllocatePort(name string, mac [6]byte) (*PortStats, error) {
	for i := 0; i < m.maxPorts; i++ {
		s := m.slot(i)
		if s[offInUse] != 0 {
			continue
		}
		for j := range s {
			s[j] = 0
		}
		copy(s[offMac:offMac+6], mac[:])
		n := copy(s[offName:offName+NameLen-1], name)
		s[offName+n] = 0
		s[offInUse] = 1
		m.bumpAge()
		return &PortStats{buf: s}, nil
	}
	return nil, ErrNoSlot
}

// ReleasePort returns a slot to the pool.
func (m *Mirror) ReleasePort(p *PortStats) {
	if p == nil {
		return
	}
	p.buf[offInUse] = 0
	m.bumpAge()
}

// PortStats is the write-through view of one port's counters.
type PortStats struct {
	buf []byte
}

func (p *PortStats) add(off int, delta uint64) {
	binary.LittleEndian.PutUint64(p.buf[off:], binary.LittleEndian.Uint64(p.buf[off:])+delta)
}

// TxFrame accounts one frame successfully transmitted by the port's client.
func (p *PortStats) TxFrame(bytes uint64) {
	p.add(offTxNum, 1)
	p.add(offTxBytes, bytes)
}

// TxDropped accounts one frame the switch discarded on ingress.
func (p *PortStats) TxDropped() {
	p.add(offTxDropped, 1)
}

// RxFrame accounts one frame delivered into the port's receive ring.
func (p *PortStats) RxFrame(bytes uint64) {
	p.add(offRxNum, 1)
	p.add(offRxBytes, bytes)
}

// RxDropped accounts one frame that could not be delivered to this port.
func (p *PortStats) RxDropped() {
	p.add(offRxDropped, 1)
}

// Snapshot is one decoded port entry, as served to the control plane.
type Snapshot struct {
	Name      string `json:"name"`
	Mac       string `json:"mac"`
	TxNum     uint64 `json:"tx_num"`
	TxDropped uint64 `json:"tx_dropped"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxNum     uint64 `json:"rx_num"`
	RxDropped uint64 `json:"rx_dropped"`
	RxBytes   uint64 `json:"rx_bytes"`
}

// Snapshot decodes all in-use slots.
func (m *Mirror) Snapshot() []Snapshot {
	var out []Snapshot
	for i := 0; i < m.maxPorts; i++ {
		s := m.slot(i)
		if s[offInUse] == 0 {
			continue
		}
		name := s[offName : offName+NameLen]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		out = append(out, Snapshot{
			Name: string(name[:end]),
			Mac: fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
				s[offMac], s[offMac+1], s[offMac+2], s[offMac+3], s[offMac+4], s[offMac+5]),
			TxNum:     binary.LittleEndian.Uint64(s[offTxNum:]),
			TxDropped: binary.LittleEndian.Uint64(s[offTxDropped:]),
			TxBytes:   binary.LittleEndian.Uint64(s[offTxBytes:]),
			RxNum:     binary.LittleEndian.Uint64(s[offRxNum:]),
			RxDropped: binary.LittleEndian.Uint64(s[offRxDropped:]),
			RxBytes:   binary.LittleEndian.Uint64(s[offRxBytes:]),
		})
	}
	return out
}
