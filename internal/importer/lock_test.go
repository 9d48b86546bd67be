package importer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLocks_AcquireRelease(t *testing.T) {
	locks := NewUserLocks()

	guard, ok := locks.Acquire(7)
	require.True(t, ok)
	assert.Equal(t, int64(7), guard.UserID())
	assert.True(t, locks.IsHeld(7))

	_, ok = locks.Acquire(7)
	assert.False(t, ok)

	other, ok := locks.Acquire(8)
	require.True(t, ok)
	other.Release()

	guard.Release()
	guard.Release()
	assert.False(t, locks.IsHeld(7))

	again, ok := locks.Acquire(7)
	require.True(t, ok)
	again.Release()
}

func TestUserLocks_StaleReleaseDoesNotFreeNewHolder(t *testing.T) {
	locks := NewUserLocks()

	first, ok := locks.Acquire(1)
	require.True(t, ok)
	first.Release()

	second, ok := locks.Acquire(1)
	require.True(t, ok)

	first.Release()
	assert.True(t, locks.IsHeld(1))
	second.Release()
}

func TestUserLocks_ConcurrentAcquire(t *testing.T) {
	locks := NewUserLocks()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := locks.Acquire(42); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}
