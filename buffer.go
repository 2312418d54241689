package uaxidma

import "fmt"

// Buffer is one slot of a channel's buffer pool, backed 1-for-1 by a
// descriptor in the ring. The payload bytes live in the DMA-coherent arena;
// they are only safe to touch while the application owns the buffer, between
// GetBuffer and the matching SubmitBuffer or MarkReusable.
type Buffer struct {
	data   []byte
	length int
	index  int
}

// Data returns the payload bytes of the buffer, capped at its capacity. For
// received buffers, only the first Length bytes carry data.
func (b *Buffer) Data() []byte {
	return b.data
}

// Length returns the number of payload bytes: what SetPayload set for
// transmissions, or what the engine transferred for receptions.
func (b *Buffer) Length() int {
	return b.length
}

// Capacity returns the fixed payload capacity of the buffer.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// SetPayload records how many bytes of the buffer should be transmitted.
func (b *Buffer) SetPayload(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("payload of %d bytes does not fit a buffer of %d", n, len(b.data))
	}
	b.length = n
	return nil
}
