package throttle

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyController is a dynamic ceiling on in-flight operations. It
// never revokes an already-granted permit: Decelerate only lowers the bar
// new admissions are checked against, so in-flight callers finish undisturbed
// and the effective cap transitions monotonically (§4.2).
//
// The hard ceiling (max_cap) is enforced by a golang.org/x/sync/semaphore.
// Weighted sized to max_cap — the "counting primitive" strategy (a) the spec
// calls out as admissible. The soft, resizable ceiling (current_limit) is
// enforced on top of it with a small mutex-guarded counter and a broadcast
// channel so waiters wake when either a release or a reacceleration makes
// room, without spinning.
type ConcurrencyController struct {
	sem *semaphore.Weighted

	mu          sync.Mutex
	maxCap      int
	currentLimit int
	inFlight    int
	safeCeiling int
	releaseCh   chan struct{}
}

// NewConcurrencyController builds a controller with the given hard ceiling
// and starting soft limit.
func NewConcurrencyController(maxCap, initialLimit int) *ConcurrencyController {
	return &ConcurrencyController{
		sem:          semaphore.NewWeighted(int64(maxCap)),
		maxCap:       maxCap,
		currentLimit: initialLimit,
		safeCeiling:  maxCap,
		releaseCh:    make(chan struct{}),
	}
}

// Acquire suspends until an in-flight slot is available under the current
// soft limit, or ctx is cancelled. On success the caller must call Release
// exactly once, even on a later cancellation of the operation it gates.
func (c *ConcurrencyController) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	for {
		c.mu.Lock()
		if c.inFlight < c.currentLimit {
			c.inFlight++
			c.mu.Unlock()
			return nil
		}
		wake := c.releaseCh
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			c.sem.Release(1)
			return ctx.Err()
		}
	}
}

// Release returns one in-flight slot.
func (c *ConcurrencyController) Release() {
	c.mu.Lock()
	c.inFlight--
	old := c.releaseCh
	c.releaseCh = make(chan struct{})
	c.mu.Unlock()
	close(old)
	c.sem.Release(1)
}

// Decelerate halves the current limit (floored at 1) and returns
// (old, new). It never revokes already-held permits.
func (c *ConcurrencyController) Decelerate() (old, new int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old = c.currentLimit
	c.currentLimit = old / 2
	if c.currentLimit < 1 {
		c.currentLimit = 1
	}
	new = c.currentLimit
	return old, new
}

// Reaccelerate increments the current limit by 1, capped at both ceiling and
// max_cap, and wakes any waiters who might now be admissible.
func (c *ConcurrencyController) Reaccelerate(ceiling int) (old, new int) {
	c.mu.Lock()
	old = c.currentLimit
	next := old + 1
	if next > ceiling {
		next = ceiling
	}
	if next > c.maxCap {
		next = c.maxCap
	}
	c.currentLimit = next
	new = next
	wake := c.releaseCh
	c.releaseCh = make(chan struct{})
	c.mu.Unlock()
	close(wake)
	return old, new
}

// Resize clamps n to [1, max_cap] and sets it as the current limit.
func (c *ConcurrencyController) Resize(n int) int {
	if n < 1 {
		n = 1
	}
	if n > c.maxCap {
		n = c.maxCap
	}
	c.mu.Lock()
	c.currentLimit = n
	wake := c.releaseCh
	c.releaseCh = make(chan struct{})
	c.mu.Unlock()
	close(wake)
	return n
}

// SetSafeCeiling records the limit at which the most recent failure episode
// occurred (or resets it back to max_cap after a long quiet period).
func (c *ConcurrencyController) SetSafeCeiling(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeCeiling = v
}

// SafeCeiling returns the current safe ceiling.
func (c *ConcurrencyController) SafeCeiling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeCeiling
}

// CurrentLimit returns the current soft limit.
func (c *ConcurrencyController) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLimit
}

// InFlight returns the current number of held permits.
func (c *ConcurrencyController) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// MaxCap returns the absolute ceiling.
func (c *ConcurrencyController) MaxCap() int {
	return c.maxCap
}

// WaitDrained blocks until InFlight reaches 0 or ctx is cancelled.
func (c *ConcurrencyController) WaitDrained(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.inFlight == 0 {
			c.mu.Unlock()
			return nil
		}
		wake := c.releaseCh
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
