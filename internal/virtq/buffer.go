package virtq

// Buffer is a cursor over one descriptor payload. It shrinks from the front
// as data is consumed or produced.
type Buffer struct {
	data []byte
}

// NewBuffer wraps a byte view in a cursor.
func NewBuffer(data []byte) Buffer {
	return Buffer{data: data}
}

// Bytes exposes the remaining window.
func (b *Buffer) Bytes() []byte { return b.data }

// Left reports the number of bytes remaining.
func (b *Buffer) Left() uint32 { return uint32(len(b.data)) }

// Done reports whether the buffer is exhausted.
func (b *Buffer) Done() bool { return len(b.data) == 0 }

// Skip advances the cursor by up to n bytes and returns how far it moved.
func (b *Buffer) Skip(n uint32) uint32 {
	if n > uint32(len(b.data)) {
		n = uint32(len(b.data))
	}
	b.data = b.data[n:]
	return n
}

// CopyTo copies from b into dst, advancing both cursors. A max of zero
// means no limit beyond the two windows.
func (b *Buffer) CopyTo(dst *Buffer, max uint32) uint32 {
	n := uint32(len(b.data))
	if uint32(len(dst.data)) < n {
		n = uint32(len(dst.data))
	}
	if max != 0 && max < n {
		n = max
	}
	copy(dst.data[:n], b.data[:n])
	b.data = b.data[n:]
	dst.data = dst.data[n:]
	return n
}
