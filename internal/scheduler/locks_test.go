package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceLockManager_SameKeyBlocks(t *testing.T) {
	mgr := NewResourceLockManager()
	ctx := context.Background()
	order := make(chan int, 2)

	require.NoError(t, mgr.Lock(ctx, "db"))
	go func() {
		assert.NoError(t, mgr.Lock(ctx, "db"))
		order <- 2
		mgr.Unlock("db")
	}()

	time.Sleep(20 * time.Millisecond)
	order <- 1
	mgr.Unlock("db")

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestResourceLockManager_DifferentKeysConcurrent(t *testing.T) {
	mgr := NewResourceLockManager()
	ctx := context.Background()
	var wg sync.WaitGroup
	var held atomic.Int32

	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mgr.Lock(ctx, key))
			held.Add(1)
			time.Sleep(30 * time.Millisecond)
			mgr.Unlock(key)
		}()
	}
	time.Sleep(15 * time.Millisecond)
	assert.EqualValues(t, 2, held.Load())
	wg.Wait()
}

func TestResourceLockManager_LockAllOrderingAvoidsDeadlock(t *testing.T) {
	mgr := NewResourceLockManager()
	ctx := context.Background()
	var wg sync.WaitGroup

	for _, keys := range [][]string{{"b", "a"}, {"a", "b"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, mgr.LockAll(ctx, keys))
				mgr.UnlockAll(keys)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock: LockAll did not order keys")
	}
}

func TestResourceLockManager_LockAllHonoursContext(t *testing.T) {
	mgr := NewResourceLockManager()
	require.NoError(t, mgr.Lock(context.Background(), "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mgr.LockAll(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// "a" was rolled back.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	require.NoError(t, mgr.Lock(ctx2, "a"))
}

func TestResourceLockManager_DuplicateAndEmptyKeys(t *testing.T) {
	mgr := NewResourceLockManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, mgr.LockAll(ctx, []string{"x", "x"}), "duplicate keys must not self-deadlock")
	mgr.UnlockAll([]string{"x", "x"})
	require.NoError(t, mgr.LockAll(ctx, nil))
	mgr.UnlockAll(nil)
	mgr.Unlock("never-held")
}
