package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_AcquireRelease(t *testing.T) {
	k := New()

	require.NoError(t, k.Acquire(context.Background(), "docs"))
	k.Release("docs")

	require.NoError(t, k.Acquire(context.Background(), "docs"))
	k.Release("docs")
}

func TestKeyLock_DifferentKeysIndependent(t *testing.T) {
	k := New()

	require.NoError(t, k.Acquire(context.Background(), "a"))
	require.NoError(t, k.Acquire(context.Background(), "b"))
	k.Release("a")
	k.Release("b")
}

func TestKeyLock_TryAcquire(t *testing.T) {
	k := New()

	assert.True(t, k.TryAcquire("docs"))
	assert.False(t, k.TryAcquire("docs"))
	k.Release("docs")
	assert.True(t, k.TryAcquire("docs"))
	k.Release("docs")
}

func TestKeyLock_AcquireBlocksUntilReleased(t *testing.T) {
	k := New()
	require.NoError(t, k.Acquire(context.Background(), "docs"))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, k.Acquire(context.Background(), "docs"))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	k.Release("docs")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("never acquired after release")
	}
	k.Release("docs")
}

func TestKeyLock_AcquireRespectsContext(t *testing.T) {
	k := New()
	require.NoError(t, k.Acquire(context.Background(), "docs"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := k.Acquire(ctx, "docs")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The held lock is unaffected by the aborted waiter.
	k.Release("docs")
	assert.True(t, k.TryAcquire("docs"))
	k.Release("docs")
}

func TestKeyLock_MutualExclusionUnderContention(t *testing.T) {
	k := New()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, k.Acquire(context.Background(), "shared"))
			counter++
			k.Release("shared")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyLock_ReleaseUnheldPanics(t *testing.T) {
	k := New()
	assert.Panics(t, func() { k.Release("never-held") })
}
