package framebuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/core"
)

func TestNewPoolRejectsBadSizes(t *testing.T) {
	_, err := NewPool(0, 4)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
	_, err = NewPool(127, 0)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestAllocReturnsZeroedBuffer(t *testing.T) {
	p, err := NewPool(16, 1)
	require.NoError(t, err)

	b, err := p.Alloc(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 16, b.Cap())
	for i := range b.Data() {
		b.Data()[i] = 0xaa
	}
	b.Len = 16
	b.PktLen = 16
	p.Free(b)

	b2, err := p.Alloc(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, b2.Len)
	assert.Equal(t, 0, b2.PktLen)
	assert.Nil(t, b2.Next)
	assert.Equal(t, make([]byte, 16), b2.Data())
}

func TestAllocNonBlockingExhausted(t *testing.T) {
	p, err := NewPool(8, 2)
	require.NoError(t, err)

	a, err := p.Alloc(context.Background(), false)
	require.NoError(t, err)
	_, err = p.Alloc(context.Background(), false)
	require.NoError(t, err)

	_, err = p.Alloc(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAllocationFailure))
	assert.Equal(t, 2, p.InUse())
	assert.Equal(t, 0, p.Available())

	p.Free(a)
	assert.Equal(t, 1, p.InUse())
}

func TestAllocBlockingWaitsForFree(t *testing.T) {
	p, err := NewPool(8, 1)
	require.NoError(t, err)

	held, err := p.Alloc(context.Background(), true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Buffer
	go func() {
		defer wg.Done()
		got, err = p.Alloc(context.Background(), true)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Free(held)
	wg.Wait()

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, p.InUse())
}

func TestAllocBlockingHonoursContext(t *testing.T) {
	p, err := NewPool(8, 1)
	require.NoError(t, err)
	_, err = p.Alloc(context.Background(), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Alloc(ctx, true)
	assert.True(t, errors.Is(err, core.ErrAllocationFailure))
}

func TestFreeChainAndDoubleFree(t *testing.T) {
	p, err := NewPool(8, 3)
	require.NoError(t, err)

	var head, tail *Buffer
	for i := 0; i < 3; i++ {
		b, err := p.Alloc(context.Background(), false)
		require.NoError(t, err)
		if head == nil {
			head = b
		} else {
			tail.Next = b
		}
		tail = b
	}
	assert.Equal(t, 3, head.Count())

	p.FreeChain(head)
	assert.Equal(t, 0, p.InUse())

	// A second release of the same buffer must not grow the pool.
	p.Free(tail)
	assert.Equal(t, 0, p.InUse())
	assert.Equal(t, 3, p.Available())
}

func TestFreeForeignBuffer(t *testing.T) {
	a, err := NewPool(8, 1)
	require.NoError(t, err)
	b, err := NewPool(8, 1)
	require.NoError(t, err)

	buf, err := a.Alloc(context.Background(), false)
	require.NoError(t, err)
	b.Free(buf)
	assert.Equal(t, 1, a.InUse())
	assert.Equal(t, 0, b.InUse())
}
