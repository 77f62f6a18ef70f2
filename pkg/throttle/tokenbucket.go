package throttle

import "time"

// TokenBucket rations a countable resource over a rolling window. consume
// is post-hoc: callers report usage after the operation succeeds, which lets
// wait_for_budget stay a simple function of the window log instead of
// requiring a size estimate up front (§4.4, §9's first open question).
type TokenBucket struct {
	budget float64
	window *SlidingWindow
	sleeper Sleeper
}

// NewTokenBucket builds a bucket with the given budget over windowSeconds.
func NewTokenBucket(budget float64, windowSeconds time.Duration, clock Clock, sleeper Sleeper) *TokenBucket {
	return &TokenBucket{
		budget:  budget,
		window:  NewSlidingWindow(windowSeconds, clock),
		sleeper: sleeper,
	}
}

// Consume records n units of usage. Must be called after the guarded
// operation succeeds.
func (t *TokenBucket) Consume(n float64) {
	if n <= 0 {
		return
	}
	t.window.Record(n)
}

// Used returns tokens used in the current window.
func (t *TokenBucket) Used() float64 {
	return t.window.Total()
}

// Remaining returns budget - used, never negative.
func (t *TokenBucket) Remaining() float64 {
	r := t.budget - t.Used()
	if r < 0 {
		return 0
	}
	return r
}

// WaitForBudget suspends until budget - tokens_used() >= n. If n > budget the
// call fails immediately (the request can never be satisfied). If n <= 0 it
// returns immediately. The wait never spins: it computes the time at which
// enough of the oldest entries will have expired to admit n, sleeps exactly
// that long, and rechecks.
func (t *TokenBucket) WaitForBudget(n float64) error {
	if n <= 0 {
		return nil
	}
	if n > t.budget {
		return &TokenBudgetExceededError{Requested: n, Budget: t.budget}
	}
	for {
		if t.Remaining() >= n {
			return nil
		}
		expiry, ok := t.window.OldestExpiry()
		if !ok {
			// Nothing left in the window yet budget still insufficient:
			// a concurrent consumer is about to record; yield briefly.
			t.sleeper.Sleep(time.Millisecond)
			continue
		}
		wait := expiry.Sub(t.window.clock.Now())
		if wait > 0 {
			t.sleeper.Sleep(wait)
		}
	}
}
