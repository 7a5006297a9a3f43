package scheduler

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ResourceLockManager provides keyed mutual exclusion across concurrently
// running nodes, including nodes of different runs. Exclusive roles lock
// their role key so at most one node of that role runs at a time.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*semaphore.Weighted),
	}
}

func (r *ResourceLockManager) get(key string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		r.locks[key] = l
	}
	return l
}

// Lock acquires the lock for key, or returns ctx.Err() if ctx ends first.
func (r *ResourceLockManager) Lock(ctx context.Context, key string) error {
	return r.get(key).Acquire(ctx, 1)
}

// TryLock acquires the lock for key without blocking.
func (r *ResourceLockManager) TryLock(key string) bool {
	return r.get(key).TryAcquire(1)
}

// Unlock releases the lock for key.
func (r *ResourceLockManager) Unlock(key string) {
	r.get(key).Release(1)
}

// LockAll acquires every key in sorted order so overlapping key sets cannot
// deadlock. On failure the keys already taken are released.
func (r *ResourceLockManager) LockAll(ctx context.Context, keys []string) error {
	sorted := sortedUnique(keys)
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

// UnlockAll releases every key in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := sortedUnique(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
