package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var m KeyedMutex
	var wg sync.WaitGroup
	counter := 0

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("bkg_1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Zero(t, m.Len(), "released keys should be dropped")
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	var m KeyedMutex
	unlockA := m.Lock("hold_a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.LockContext(ctx, "hold_b")
	require.NoError(t, err)
	unlockB()
	assert.Equal(t, 1, m.Len())
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("hold_1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.LockContext(ctx, "hold_1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, m.Len(), "a waiter that gave up must not leak its entry")

	again, err := m.LockContext(context.Background(), "hold_1")
	require.NoError(t, err)
	again()
}

func TestKeyedMutex_WaiterAcquiresAfterUnlock(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("k")

	acquired := make(chan struct{})
	go func() {
		u := m.Lock("k")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
