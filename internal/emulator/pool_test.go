package emulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BufferThenNext(t *testing.T) {
	p := NewPool[string]()
	p.Push("", "first")
	p.Push("", "second")

	ctx := context.Background()
	v, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestPool_NextBlocksUntilPush(t *testing.T) {
	p := NewPool[string]()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	go func() {
		defer wg.Done()
		v, err := p.Next(ctx)
		if err == nil {
			got = v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Push("", "delivered")
	wg.Wait()
	assert.Equal(t, "delivered", got)
}

func TestPool_NextForTargetedDelivery(t *testing.T) {
	p := NewPool[string]()
	p.Push("a", "value-a")
	p.Push("b", "value-b")

	ctx := context.Background()
	v, err := p.NextFor(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "value-b", v)

	v, err = p.NextFor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)
}

func TestPool_NextCalledTwice(t *testing.T) {
	p := NewPool[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.Next(ctx) }()
	time.Sleep(20 * time.Millisecond)

	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, ErrNextCalledTwice)
}

func TestPool_MixedWaitingModes(t *testing.T) {
	p := NewPool[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.Next(ctx) }()
	time.Sleep(20 * time.Millisecond)

	_, err := p.NextFor(ctx, "req-1")
	assert.ErrorIs(t, err, ErrMixedWaitingModes)
}

func TestPool_DuplicateRequestIDWait(t *testing.T) {
	p := NewPool[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = p.NextFor(ctx, "req-1") }()
	time.Sleep(20 * time.Millisecond)

	_, err := p.NextFor(ctx, "req-1")
	assert.ErrorIs(t, err, ErrDuplicateRequestIDWait)
}

func TestPool_NextCancelledByContext(t *testing.T) {
	p := NewPool[string]()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Next(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)

	// The cancelled wait must clear its slot so a fresh Next can proceed.
	p.Push("", "after-cancel")
	v, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after-cancel", v)
}
