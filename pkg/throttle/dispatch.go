package throttle

import (
	"sync"
	"time"
)

// DispatchGate enforces a minimum spacing between dispatches with additive
// jitter (§4.3). Each waiter observes last_dispatch at its own completion and
// advances it — the reference policy for racing waiters (§9): minor bursts
// within jitter width are acceptable and absorbed by the jitter design.
type DispatchGate struct {
	mu             sync.Mutex
	interval       time.Duration
	minInterval    time.Duration
	maxInterval    time.Duration
	jitterFraction float64
	lastDispatch   time.Time
	hasDispatched  bool

	clock   Clock
	sleeper Sleeper
	rand    RandSource
}

// NewDispatchGate builds a gate starting at interval, clamped to
// [minInterval, maxInterval].
func NewDispatchGate(interval, minInterval, maxInterval time.Duration, jitterFraction float64, clock Clock, sleeper Sleeper, rand RandSource) *DispatchGate {
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return &DispatchGate{
		interval:       interval,
		minInterval:    minInterval,
		maxInterval:    maxInterval,
		jitterFraction: jitterFraction,
		clock:          clock,
		sleeper:        sleeper,
		rand:           rand,
	}
}

// Wait computes elapsed = now - last_dispatch, sleeps for
// max(0, interval-elapsed) + rand(0, interval*jitter_fraction), then sets
// last_dispatch <- now (read again after the sleep resolves).
func (g *DispatchGate) Wait() {
	g.mu.Lock()
	interval := g.interval
	jitter := g.jitterFraction
	var elapsed time.Duration
	now := g.clock.Now()
	if g.hasDispatched {
		elapsed = now.Sub(g.lastDispatch)
	} else {
		elapsed = interval
	}
	g.mu.Unlock()

	wait := interval - elapsed
	if wait < 0 {
		wait = 0
	}
	if jitter > 0 {
		jitterMax := float64(interval) * jitter
		wait += time.Duration(g.rand.Uniform(0, jitterMax))
	}
	if wait > 0 {
		g.sleeper.Sleep(wait)
	}

	g.mu.Lock()
	g.lastDispatch = g.clock.Now()
	g.hasDispatched = true
	g.mu.Unlock()
}

// Decelerate doubles the interval, capped at maxIv.
func (g *DispatchGate) Decelerate(maxIv time.Duration) (old, new time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old = g.interval
	new = old * 2
	if new > maxIv {
		new = maxIv
	}
	g.interval = new
	return old, new
}

// Reaccelerate halves the interval, floored at minIv.
func (g *DispatchGate) Reaccelerate(minIv time.Duration) (old, new time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old = g.interval
	new = old / 2
	if new < minIv {
		new = minIv
	}
	g.interval = new
	return old, new
}

// Interval returns the current spacing.
func (g *DispatchGate) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}
