package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var m ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("same-key")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestContextMutexBlocksSecondAcquirer(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "sub-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u2, err := m.LockContext(ctx, "sub-1")
		if err == nil {
			close(acquired)
			u2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lock while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock after release")
	}
}

func TestContextMutexHonorsCancellation(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "sub-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "sub-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextMutexDifferentKeysIndependent(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	// Pick a second key that provably lands in a different shard.
	other := ""
	for _, candidate := range []string{"sub-2", "sub-3", "sub-4", "sub-5"} {
		if m.shardIdx(candidate) != m.shardIdx("sub-1") {
			other = candidate
			break
		}
	}
	require.NotEmpty(t, other)

	u1, err := m.LockContext(ctx, "sub-1")
	require.NoError(t, err)
	defer u1()

	done := make(chan struct{})
	go func() {
		u2, err := m.LockContext(ctx, other)
		if err == nil {
			u2()
			close(done)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
}
