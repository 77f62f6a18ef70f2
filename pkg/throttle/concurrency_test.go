package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyControllerAcquireRelease(t *testing.T) {
	c := NewConcurrencyController(3, 3)
	require.NoError(t, c.Acquire(context.Background()))
	assert.Equal(t, 1, c.InFlight())
	c.Release()
	assert.Equal(t, 0, c.InFlight())
}

func TestConcurrencyControllerBlocksAtSoftLimit(t *testing.T) {
	c := NewConcurrencyController(5, 1)
	require.NoError(t, c.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrencyControllerHardCeilingNeverExceeded(t *testing.T) {
	c := NewConcurrencyController(2, 2)
	require.NoError(t, c.Acquire(context.Background()))
	require.NoError(t, c.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Acquire(ctx))
}

func TestConcurrencyControllerDecelerateHalvesAndFloors(t *testing.T) {
	c := NewConcurrencyController(10, 10)
	old, new := c.Decelerate()
	assert.Equal(t, 10, old)
	assert.Equal(t, 5, new)

	c2 := NewConcurrencyController(1, 1)
	old2, new2 := c2.Decelerate()
	assert.Equal(t, 1, old2)
	assert.Equal(t, 1, new2, "must floor at 1, never reach 0")
}

func TestConcurrencyControllerReaccelerateCapsAtCeilingAndMax(t *testing.T) {
	c := NewConcurrencyController(10, 2)
	c.SetSafeCeiling(4)

	old, new := c.Reaccelerate(4)
	assert.Equal(t, 2, old)
	assert.Equal(t, 3, new)

	_, new = c.Reaccelerate(4)
	assert.Equal(t, 4, new)

	_, new = c.Reaccelerate(4)
	assert.Equal(t, 4, new, "must not exceed the ceiling even after repeated calls")
}

func TestConcurrencyControllerReaccelerateNeverExceedsMaxCap(t *testing.T) {
	c := NewConcurrencyController(3, 3)
	_, new := c.Reaccelerate(100)
	assert.Equal(t, 3, new, "ceiling above max_cap must still clamp to max_cap")
}

func TestConcurrencyControllerNeverRevokesHeldPermits(t *testing.T) {
	c := NewConcurrencyController(5, 3)
	require.NoError(t, c.Acquire(context.Background()))
	require.NoError(t, c.Acquire(context.Background()))
	require.NoError(t, c.Acquire(context.Background()))
	assert.Equal(t, 3, c.InFlight())

	c.Decelerate() // drops current_limit to 1, below in-flight count
	assert.Equal(t, 3, c.InFlight(), "in-flight callers are not evicted by a lowered limit")
}

func TestConcurrencyControllerWaitDrained(t *testing.T) {
	c := NewConcurrencyController(2, 2)
	require.NoError(t, c.Acquire(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = c.WaitDrained(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitDrained returned before the permit was released")
	case <-time.After(20 * time.Millisecond):
	}

	c.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitDrained did not unblock after Release")
	}
}

func TestConcurrencyControllerResizeClamps(t *testing.T) {
	c := NewConcurrencyController(5, 5)
	assert.Equal(t, 1, c.Resize(-3))
	assert.Equal(t, 5, c.Resize(100))
	assert.Equal(t, 3, c.Resize(3))
}

func TestConcurrencyControllerConcurrentAcquireRelease(t *testing.T) {
	c := NewConcurrencyController(4, 4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(context.Background()); err == nil {
				time.Sleep(time.Millisecond)
				c.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.InFlight())
}
