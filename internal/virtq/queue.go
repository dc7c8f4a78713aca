package virtq

import "encoding/binary"

// Descriptor table entry layout (virtio 1.0, little endian):
//
//	addr  u64
//	len   u32
//	flags u16
//	next  u16
const descSize = 16

// Descriptor flags.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Ring flag bits.
const (
	usedFNoNotify     = 1 << 0 // device asks driver not to kick
	availFNoInterrupt = 1 << 0 // driver asks device not to notify
)

// Desc is one decoded descriptor table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDesc(table []byte, idx uint16) Desc {
	off := int(idx) * descSize
	return Desc{
		Addr:  binary.LittleEndian.Uint64(table[off:]),
		Len:   binary.LittleEndian.Uint32(table[off+8:]),
		Flags: binary.LittleEndian.Uint16(table[off+12:]),
		Next:  binary.LittleEndian.Uint16(table[off+14:]),
	}
}

// Head identifies one consumed chain head. It remembers the position in the
// available ring it was taken from so a partial transfer can be rewound.
type Head struct {
	Desc  uint16
	pos   uint16
	valid bool
}

// Valid reports whether the head refers to a consumed chain.
func (h Head) Valid() bool { return h.valid }

// Consumed pairs a finished chain head with the bytes written to it, for
// the merged-buffer finish path.
type Consumed struct {
	Head  Head
	Bytes uint32
}

// Queue is the device-side view of one virtqueue. All ring storage lives in
// client memory; the queue keeps only the free-running cursors.
type Queue struct {
	mi  *MemInfo
	num uint16

	desc  []byte
	avail []byte
	used  []byte

	currentAvail uint16
	usedIdx      uint16
	ready        bool

	doKick      bool
	kickPending bool
}

// NewQueue creates an unconfigured queue over the given memory map.
func NewQueue(mi *MemInfo) *Queue {
	return &Queue{mi: mi, doKick: true}
}

// Setup configures the queue from client-supplied ring addresses. num must
// be a power of two. The ring storage must lie in registered memory.
func (q *Queue) Setup(num uint16, descAddr, availAddr, usedAddr uint64) error {
	if num == 0 || num&(num-1) != 0 {
		return ErrBadQueueSize
	}
	desc, ok := q.mi.Local(descAddr, uint32(num)*descSize)
	if !ok {
		return ErrUnalignedLayout
	}
	avail, ok := q.mi.Local(availAddr, 4+2*uint32(num))
	if !ok {
		return ErrUnalignedLayout
	}
	used, ok := q.mi.Local(usedAddr, 4+8*uint32(num))
	if !ok {
		return ErrUnalignedLayout
	}
	q.num = num
	q.desc = desc
	q.avail = avail
	q.used = used
	q.currentAvail = 0
	q.usedIdx = 0
	q.ready = true
	return nil
}

// Disable tears the queue down, e.g. on device reset.
func (q *Queue) Disable() {
	q.ready = false
	q.desc = nil
	q.avail = nil
	q.used = nil
}

// Ready reports whether the queue has been configured by the client.
func (q *Queue) Ready() bool { return q.ready }

// Num returns the configured ring size.
func (q *Queue) Num() uint16 { return q.num }

func (q *Queue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.avail[2:])
}

// DescAvail reports whether the client has published descriptors the
// device has not consumed yet.
func (q *Queue) DescAvail() bool {
	return q.ready && q.currentAvail != q.availIdx()
}

// NextAvail consumes the next available chain head. The returned head is
// invalid when the ring is empty.
func (q *Queue) NextAvail() (Head, error) {
	if !q.ready {
		return Head{}, ErrQueueNotReady
	}
	if q.currentAvail == q.availIdx() {
		return Head{}, ErrQueueUnavailable
	}
	pos := q.currentAvail
	slot := binary.LittleEndian.Uint16(q.avail[4+2*(pos%q.num):])
	q.currentAvail++
	if slot >= q.num {
		return Head{}, badDesc(BadIndex, slot)
	}
	return Head{Desc: slot, pos: pos, valid: true}, nil
}

// RewindAvail returns every head consumed at or after h to the available
// ring, so the chains reappear on the next NextAvail.
func (q *Queue) RewindAvail(h Head) {
	if h.valid {
		q.currentAvail = h.pos
	}
}

// Finish returns one chain to the used ring, publishing total bytes
// written. Notifying the client is left to the caller.
func (q *Queue) Finish(h Head, total uint32) {
	q.setUsed(q.usedIdx, h.Desc, total)
	q.publishUsed(1)
}

// FinishMerged returns a batch of chains that together carried one merged
// frame. The used index is published once, after all elements are written.
func (q *Queue) FinishMerged(entries []Consumed) {
	for i, e := range entries {
		q.setUsed(q.usedIdx+uint16(i), e.Head.Desc, e.Bytes)
	}
	q.publishUsed(uint16(len(entries)))
}

func (q *Queue) setUsed(pos uint16, id uint16, total uint32) {
	off := 4 + 8*uint32(pos%q.num)
	binary.LittleEndian.PutUint32(q.used[off:], uint32(id))
	binary.LittleEndian.PutUint32(q.used[off+4:], total)
}

func (q *Queue) publishUsed(n uint16) {
	q.usedIdx += n
	binary.LittleEndian.PutUint16(q.used[2:], q.usedIdx)
}

// DisableNotify tells the client not to kick the device while a batch is
// being processed.
func (q *Queue) DisableNotify() {
	if q.ready {
		binary.LittleEndian.PutUint16(q.used[0:], usedFNoNotify)
	}
}

// EnableNotify re-allows client kicks.
func (q *Queue) EnableNotify() {
	if q.ready {
		binary.LittleEndian.PutUint16(q.used[0:], 0)
	}
}

func (q *Queue) noNotifyGuest() bool {
	return binary.LittleEndian.Uint16(q.avail[0:])&availFNoInterrupt != 0
}

// KickQueue records that the client owes a notification. It returns true
// when the caller should deliver it right away; while kicks are suspended
// the notification is remembered instead.
func (q *Queue) KickQueue() bool {
	if !q.ready || q.noNotifyGuest() {
		return false
	}
	if q.doKick {
		return true
	}
	q.kickPending = true
	return false
}

// KickDisableAndRemember suspends notifications for a processing burst.
func (q *Queue) KickDisableAndRemember() {
	q.doKick = false
	q.kickPending = false
}

// KickEnableGetPending re-enables notifications and reports whether one was
// suppressed during the burst.
func (q *Queue) KickEnableGetPending() bool {
	q.doKick = true
	return q.kickPending
}
