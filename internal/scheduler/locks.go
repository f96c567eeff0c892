package scheduler

import (
	"context"
	"slices"
	"sync"
)

// ResourceLockManager provides per-key mutual exclusion for steps that
// declare exclusive resources. Each key is a one-slot semaphore so waits
// can be abandoned when the workflow is cancelled.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *ResourceLockManager) slot(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch
}

// Lock acquires key, or returns ctx.Err() if ctx ends first.
func (r *ResourceLockManager) Lock(ctx context.Context, key string) error {
	select {
	case r.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held is a no-op.
func (r *ResourceLockManager) Unlock(key string) {
	select {
	case <-r.slot(key):
	default:
	}
}

// LockAll acquires every key in sorted order so concurrent callers cannot
// deadlock. On failure the keys already held are released.
func (r *ResourceLockManager) LockAll(ctx context.Context, keys []string) error {
	sorted := normalizeKeys(keys)
	for i, key := range sorted {
		if err := r.Lock(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases keys in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := normalizeKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
