package virtq

import "encoding/binary"

// NetHdrLen is the size of the virtio-net header used on every frame. The
// switch negotiates mergeable receive buffers, so the 12-byte variant with
// the num_buffers field is always present.
const NetHdrLen = 12

// Virtio-net header flag bits.
const (
	NetHdrFNeedsCsum = 1 << 0
	NetHdrFDataValid = 1 << 1
)

// NetHdr is a write-through view of a virtio-net header living in guest
// memory. Mutations are visible to the client immediately.
type NetHdr struct {
	b []byte
}

// NewNetHdr wraps the first NetHdrLen bytes of data. The caller must have
// checked the length.
func NewNetHdr(data []byte) NetHdr {
	return NetHdr{b: data[:NetHdrLen]}
}

func (h NetHdr) Valid() bool { return h.b != nil }

func (h NetHdr) Flags() uint8      { return h.b[0] }
func (h NetHdr) GSOType() uint8    { return h.b[1] }
func (h NetHdr) HdrLen() uint16    { return binary.LittleEndian.Uint16(h.b[2:]) }
func (h NetHdr) GSOSize() uint16   { return binary.LittleEndian.Uint16(h.b[4:]) }
func (h NetHdr) CsumStart() uint16 { return binary.LittleEndian.Uint16(h.b[6:]) }
func (h NetHdr) CsumOff() uint16   { return binary.LittleEndian.Uint16(h.b[8:]) }

func (h NetHdr) NeedsCsum() bool { return h.b[0]&NetHdrFNeedsCsum != 0 }

func (h NetHdr) SetCsumStart(v uint16) { binary.LittleEndian.PutUint16(h.b[6:], v) }

func (h NetHdr) SetNumBuffers(n uint16) { binary.LittleEndian.PutUint16(h.b[10:], n) }

func (h NetHdr) NumBuffers() uint16 { return binary.LittleEndian.Uint16(h.b[10:]) }

// CopyFrom copies the header bytes of src into h.
func (h NetHdr) CopyFrom(src NetHdr) { copy(h.b, src.b) }

// EncodeTo serializes the header into out, used when a frame is buffered
// outside guest memory.
func (h NetHdr) EncodeTo(out []byte) { copy(out[:NetHdrLen], h.b) }
