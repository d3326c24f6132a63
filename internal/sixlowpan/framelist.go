package sixlowpan

import "firestige.xyz/lowpan/internal/framebuf"

// frameList chains the buffers of one datagram in transmission order. The
// head carries the running total in PktLen.
type frameList struct {
	head, tail *framebuf.Buffer
	pool       BufferPool
}

func (l *frameList) append(b *framebuf.Buffer) {
	b.Next = nil
	if l.head == nil {
		l.head = b
	} else {
		l.tail.Next = b
	}
	l.tail = b
	l.head.PktLen += b.Len
}

// setLen updates the length of a buffer already in the list.
func (l *frameList) setLen(b *framebuf.Buffer, n int) {
	l.head.PktLen += n - b.Len
	b.Len = n
}

// release returns every buffer to the pool and empties the list.
func (l *frameList) release() {
	for b := l.head; b != nil; {
		next := b.Next
		l.pool.Free(b)
		b = next
	}
	l.head, l.tail = nil, nil
}
