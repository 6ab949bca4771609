package segment

// Buffer is the ordered list of frame payloads captured for the segment in
// progress. The zero value is an empty buffer.
type Buffer struct {
	frames [][]byte
	size   int
}

// Append adds one frame payload. The slice is retained, not copied.
func (b *Buffer) Append(payload []byte) {
	b.frames = append(b.frames, payload)
	b.size += len(payload)
}

// Len returns the number of frames held.
func (b *Buffer) Len() int { return len(b.frames) }

// Size returns the number of payload bytes held.
func (b *Buffer) Size() int { return b.size }

// Take moves the captured frames out of the buffer and leaves it empty. The
// caller owns the returned slice; the buffer never touches it again.
func (b *Buffer) Take() [][]byte {
	frames := b.frames
	b.frames = nil
	b.size = 0
	return frames
}

// Reset drops everything without handing it to anyone.
func (b *Buffer) Reset() {
	b.frames = nil
	b.size = 0
}
