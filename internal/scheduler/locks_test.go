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

func TestResourceLockManager_SameKeyExcludes(t *testing.T) {
	lm := NewResourceLockManager()
	var active, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, lm.Lock(context.Background(), "role:qa")) {
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			lm.Unlock("role:qa")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestResourceLockManager_DifferentKeysConcurrent(t *testing.T) {
	lm := NewResourceLockManager()
	require.NoError(t, lm.Lock(context.Background(), "a"))
	assert.True(t, lm.TryLock("b"))
	assert.False(t, lm.TryLock("a"))
	lm.Unlock("a")
	lm.Unlock("b")
	assert.True(t, lm.TryLock("a"))
}

func TestResourceLockManager_LockRespectsContext(t *testing.T) {
	lm := NewResourceLockManager()
	require.NoError(t, lm.Lock(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lm.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResourceLockManager_LockAllReleasesOnFailure(t *testing.T) {
	lm := NewResourceLockManager()
	require.NoError(t, lm.Lock(context.Background(), "c"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lm.LockAll(ctx, []string{"c", "a", "b"})
	require.Error(t, err)

	assert.True(t, lm.TryLock("a"), "a must be released after partial acquisition")
	assert.True(t, lm.TryLock("b"))
}

func TestResourceLockManager_LockAllOrderingAvoidsDeadlock(t *testing.T) {
	lm := NewResourceLockManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		keys := []string{"x", "y", "z"}
		if i%2 == 0 {
			keys = []string{"z", "y", "x", "x"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, lm.LockAll(ctx, keys)) {
				return
			}
			lm.UnlockAll(keys)
		}()
	}
	wg.Wait()
}

func TestResourceLockManager_EmptyKeys(t *testing.T) {
	lm := NewResourceLockManager()
	require.NoError(t, lm.LockAll(context.Background(), nil))
	lm.UnlockAll(nil)
}
