package throttle

import (
	"sync"
	"time"
)

// BreakerState is one of the three states in the spec's circuit breaker
// state machine (§4.5). It is distinct from pkg/circuit.State: that package
// is a simpler, general-purpose breaker the gateway uses to protect its own
// downstream calls, while circuitBreaker is the spec-mandated machine embedded
// in Throttle with exponential open-duration growth and a half-open probe
// quota.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker is the Throttle's embedded breaker. All transitions happen
// under mu; none of them suspend, matching §5's atomicity requirement.
type circuitBreaker struct {
	mu sync.Mutex

	threshold        int
	openDuration     time.Duration
	halfOpenMaxCalls int

	state               BreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	openedAt            time.Time
	currentOpenDuration time.Duration

	clock Clock
}

func newCircuitBreaker(threshold int, openDuration time.Duration, halfOpenMaxCalls int, clock Clock) *circuitBreaker {
	return &circuitBreaker{
		threshold:           threshold,
		openDuration:        openDuration,
		halfOpenMaxCalls:    halfOpenMaxCalls,
		state:               BreakerClosed,
		currentOpenDuration: openDuration,
		clock:               clock,
	}
}

// Check performs the read-then-maybe-transition: if OPEN and the open
// duration has elapsed, transitions to HALF_OPEN and admits; if still OPEN,
// returns a CircuitOpenError carrying retry_after. If HALF_OPEN, admits up to
// halfOpenMaxCalls concurrent probes and rejects overflow with retry_after=0
// (the reference policy from §9's third open question).
func (b *circuitBreaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		now := b.clock.Now()
		if now.Sub(b.openedAt) >= b.currentOpenDuration {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 1
			return nil
		}
		retryAfter := b.openedAt.Add(b.currentOpenDuration).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &CircuitOpenError{RetryAfter: retryAfter}

	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			return &CircuitOpenError{RetryAfter: 0}
		}
		b.halfOpenInFlight++
		return nil

	default:
		return nil
	}
}

// RecordSuccess notifies the breaker of a successful call, returning true
// iff this call closed the breaker (HALF_OPEN -> CLOSED).
func (b *circuitBreaker) RecordSuccess() (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures = 0

	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.halfOpenSuccesses >= b.halfOpenMaxCalls {
			b.state = BreakerClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 0
			b.currentOpenDuration = b.openDuration
			return true
		}
	}
	return false
}

// RecordFailure notifies the breaker of a failed call, returning true iff
// this call tripped CLOSED->OPEN or HALF_OPEN->OPEN.
func (b *circuitBreaker) RecordFailure() (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
			b.currentOpenDuration = b.openDuration
			return true
		}

	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		next := b.currentOpenDuration * 2
		capped := b.openDuration * 5
		if next > capped {
			next = capped
		}
		b.currentOpenDuration = next
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		return true
	}
	return false
}

// State returns the current state without mutating it (no eligibility check
// for OPEN->HALF_OPEN is performed — that only happens inside Check).
func (b *circuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current streak.
func (b *circuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// RetryAfter returns the remaining open duration if OPEN, else 0.
func (b *circuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	d := b.openedAt.Add(b.currentOpenDuration).Sub(b.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}
