// Package framebuf implements the fixed-size link frame buffers and the
// bounded pool they are drawn from.
package framebuf

// Buffer holds one outgoing link frame. Buffers of one datagram are chained
// through Next in transmission order.
type Buffer struct {
	data []byte

	// Len is the number of bytes of data in use.
	Len int
	// PktLen is the total of Len over the whole chain. Only the head carries it.
	PktLen int
	// Next is the following frame of the same datagram, or nil.
	Next *Buffer

	pool *Pool
	lent bool
}

// Data returns the whole backing array, regardless of Len.
func (b *Buffer) Data() []byte {
	return b.data
}

// Bytes returns the bytes in use.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.Len]
}

// Cap returns the capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Count returns the number of buffers in the chain starting at b.
func (b *Buffer) Count() int {
	n := 0
	for it := b; it != nil; it = it.Next {
		n++
	}
	return n
}

// reset zeroes the contents and bookkeeping so callers never see stale bytes.
func (b *Buffer) reset() {
	clear(b.data)
	b.Len = 0
	b.PktLen = 0
	b.Next = nil
}
