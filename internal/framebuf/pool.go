package framebuf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/metrics"
)

// Pool hands out at most Capacity buffers of BufSize bytes at a time.
type Pool struct {
	bufSize  int
	capacity int
	sem      *semaphore.Weighted
	inUse    atomic.Int64

	mu   sync.Mutex
	free []*Buffer
}

// NewPool creates a pool of count buffers, each size bytes long.
func NewPool(size, count int) (*Pool, error) {
	if size <= 0 || count <= 0 {
		return nil, fmt.Errorf("%w: buffer pool needs positive size and count (size=%d count=%d)",
			core.ErrConfigInvalid, size, count)
	}
	return &Pool{
		bufSize:  size,
		capacity: count,
		sem:      semaphore.NewWeighted(int64(count)),
		free:     make([]*Buffer, 0, count),
	}, nil
}

// BufSize returns the size of each buffer.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Capacity returns the number of buffers the pool can lend out.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InUse returns the number of buffers currently lent out.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Available returns the number of buffers that can be allocated right now.
func (p *Pool) Available() int {
	return p.capacity - p.InUse()
}

// Alloc returns a zeroed buffer. With blocking set it waits until a buffer is
// returned or ctx is done; otherwise it fails immediately when the pool is
// empty. Either failure wraps core.ErrAllocationFailure.
func (p *Pool) Alloc(ctx context.Context, blocking bool) (*Buffer, error) {
	if blocking {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrAllocationFailure, err)
		}
	} else if !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: pool exhausted (%d buffers in use)", core.ErrAllocationFailure, p.capacity)
	}

	p.mu.Lock()
	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if b == nil {
		b = &Buffer{data: make([]byte, p.bufSize), pool: p}
	} else {
		b.reset()
	}

	b.lent = true
	p.inUse.Add(1)
	metrics.FrameBuffersInUse.Inc()
	return b, nil
}

// Free returns a single buffer. Buffers from another pool, or already
// returned, are ignored.
func (p *Pool) Free(b *Buffer) {
	if b == nil || b.pool != p || !b.lent {
		return
	}
	b.lent = false
	b.Next = nil

	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()

	p.inUse.Add(-1)
	metrics.FrameBuffersInUse.Dec()
	p.sem.Release(1)
}

// FreeChain returns every buffer of the chain starting at head.
func (p *Pool) FreeChain(head *Buffer) {
	for head != nil {
		next := head.Next
		p.Free(head)
		head = next
	}
}
