package virtq

import "encoding/binary"

// Driver is the client half of a queue pair: it owns an arena of guest
// memory, lays out the rings, publishes descriptor chains and consumes used
// entries. The switch never links against a real guest, so this is what
// in-process clients and tests attach to ports.
type Driver struct {
	arena []byte
	base  uint64
	alloc uint32

	TX *DriverQueue
	RX *DriverQueue
}

// UsedElem is one entry read back from the used ring.
type UsedElem struct {
	ID  uint16
	Len uint32
}

// NewDriver allocates an arena at the given guest base address and lays out
// a TX and an RX ring of num entries each.
func NewDriver(base uint64, size uint32, num uint16) *Driver {
	d := &Driver{arena: make([]byte, size), base: base}
	d.TX = d.newQueue(num)
	d.RX = d.newQueue(num)
	return d
}

// Region returns the arena as a registrable memory region.
func (d *Driver) Region() MemRegion {
	return MemRegion{Base: d.base, Data: d.arena}
}

func (d *Driver) reserve(n uint32) uint32 {
	off := (d.alloc + 7) &^ 7
	d.alloc = off + n
	if d.alloc > uint32(len(d.arena)) {
		panic("virtq: driver arena exhausted")
	}
	return off
}

func (d *Driver) newQueue(num uint16) *DriverQueue {
	q := &DriverQueue{d: d, num: num}
	q.descOff = d.reserve(uint32(num) * descSize)
	q.availOff = d.reserve(4 + 2*uint32(num))
	q.usedOff = d.reserve(4 + 8*uint32(num))
	q.free = make([]uint16, 0, num)
	for i := num; i > 0; i-- {
		q.free = append(q.free, i-1)
	}
	q.chains = make(map[uint16][]uint16)
	return q
}

// DriverQueue drives one ring from the client side.
type DriverQueue struct {
	d   *Driver
	num uint16

	descOff  uint32
	availOff uint32
	usedOff  uint32

	availIdx uint16
	lastUsed uint16

	free   []uint16
	chains map[uint16][]uint16
}

// Addrs returns the guest addresses of the ring parts, as passed to
// Queue.Setup on the device side.
func (q *DriverQueue) Addrs() (desc, avail, used uint64) {
	return q.d.base + uint64(q.descOff),
		q.d.base + uint64(q.availOff),
		q.d.base + uint64(q.usedOff)
}

// AllocBuffer carves a payload buffer out of the arena.
func (q *DriverQueue) AllocBuffer(size uint32) (uint64, []byte) {
	off := q.d.reserve(size)
	return q.d.base + uint64(off), q.d.arena[off : off+size]
}

func (q *DriverQueue) writeDesc(idx uint16, desc Desc) {
	off := q.descOff + uint32(idx)*descSize
	b := q.d.arena[off:]
	binary.LittleEndian.PutUint64(b, desc.Addr)
	binary.LittleEndian.PutUint32(b[8:], desc.Len)
	binary.LittleEndian.PutUint16(b[12:], desc.Flags)
	binary.LittleEndian.PutUint16(b[14:], desc.Next)
}

func (q *DriverQueue) publish(head uint16) {
	slot := q.availOff + 4 + 2*uint32(q.availIdx%q.num)
	binary.LittleEndian.PutUint16(q.d.arena[slot:], head)
	q.availIdx++
	binary.LittleEndian.PutUint16(q.d.arena[q.availOff+2:], q.availIdx)
}

func (q *DriverQueue) popDesc() uint16 {
	if len(q.free) == 0 {
		panic("virtq: driver queue out of descriptors")
	}
	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	return idx
}

// AddChain copies the given payload fragments into fresh buffers and
// publishes them as one chain. writable marks the chain device-writable
// (RX direction).
func (q *DriverQueue) AddChain(frags [][]byte, writable bool) uint16 {
	idxs := make([]uint16, len(frags))
	for i := range frags {
		idxs[i] = q.popDesc()
	}
	var flags uint16
	if writable {
		flags = DescFWrite
	}
	for i, frag := range frags {
		addr, buf := q.AllocBuffer(uint32(len(frag)))
		copy(buf, frag)
		desc := Desc{Addr: addr, Len: uint32(len(frag)), Flags: flags}
		if i < len(frags)-1 {
			desc.Flags |= DescFNext
			desc.Next = idxs[i+1]
		}
		q.writeDesc(idxs[i], desc)
	}
	q.chains[idxs[0]] = idxs
	q.publish(idxs[0])
	return idxs[0]
}

// AddWritableBuffers publishes count single-descriptor device-writable
// buffers of the given size, replenishing an RX ring.
func (q *DriverQueue) AddWritableBuffers(count int, size uint32) {
	for i := 0; i < count; i++ {
		idx := q.popDesc()
		addr, _ := q.AllocBuffer(size)
		q.writeDesc(idx, Desc{Addr: addr, Len: size, Flags: DescFWrite})
		q.chains[idx] = []uint16{idx}
		q.publish(idx)
	}
}

// AddRawChain publishes descriptor entries without any validation. The
// only rewrite: a non-final entry with F_NEXT and Next 0 is linked to the
// entry that follows it. Tests use it to inject adversarial chains.
func (q *DriverQueue) AddRawChain(descs []Desc) uint16 {
	idxs := make([]uint16, len(descs))
	for i := range descs {
		idxs[i] = q.popDesc()
	}
	for i, desc := range descs {
		if i < len(descs)-1 && desc.Flags&DescFNext != 0 && desc.Next == 0 {
			desc.Next = idxs[i+1]
		}
		q.writeDesc(idxs[i], desc)
	}
	q.chains[idxs[0]] = idxs
	q.publish(idxs[0])
	return idxs[0]
}

// Used drains newly finished entries from the used ring, recycling their
// descriptors.
func (q *DriverQueue) Used() []UsedElem {
	idx := binary.LittleEndian.Uint16(q.d.arena[q.usedOff+2:])
	var out []UsedElem
	for q.lastUsed != idx {
		off := q.usedOff + 4 + 8*uint32(q.lastUsed%q.num)
		e := UsedElem{
			ID:  uint16(binary.LittleEndian.Uint32(q.d.arena[off:])),
			Len: binary.LittleEndian.Uint32(q.d.arena[off+4:]),
		}
		out = append(out, e)
		if chain, ok := q.chains[e.ID]; ok {
			q.free = append(q.free, chain...)
			delete(q.chains, e.ID)
		}
		q.lastUsed++
	}
	return out
}

// ChainBytes reads back up to total payload bytes of a finished chain,
// following the descriptor links. Used by tests to inspect delivered
// frames.
func (q *DriverQueue) ChainBytes(id uint16, total uint32) []byte {
	out := make([]byte, 0, total)
	idx := id
	for total > 0 {
		off := q.descOff + uint32(idx)*descSize
		b := q.d.arena[off:]
		addr := binary.LittleEndian.Uint64(b)
		length := binary.LittleEndian.Uint32(b[8:])
		flags := binary.LittleEndian.Uint16(b[12:])
		n := length
		if n > total {
			n = total
		}
		start := addr - q.d.base
		out = append(out, q.d.arena[start:start+uint64(n)]...)
		total -= n
		if flags&DescFNext == 0 {
			break
		}
		idx = binary.LittleEndian.Uint16(b[14:])
	}
	return out
}

// SetNoInterrupt toggles the driver-side "do not notify me" ring flag.
func (q *DriverQueue) SetNoInterrupt(on bool) {
	var v uint16
	if on {
		v = availFNoInterrupt
	}
	binary.LittleEndian.PutUint16(q.d.arena[q.availOff:], v)
}
