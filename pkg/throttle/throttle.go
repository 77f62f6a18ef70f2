// Package throttle implements an adaptive rate-throttle coordination
// primitive for cooperative applications that call external services. A
// Throttle bounds simultaneous in-flight operations, spaces dispatches with
// jitter, optionally rations a countable resource, optionally trips a
// circuit breaker after sustained failure, optionally retries transient
// faults, and continuously re-tunes its limits from observed success/failure
// signals.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Throttle is the coordinator object. Construct one with New; it is fully
// valid on return and mutated only by its own methods until Close.
type Throttle struct {
	cfg ThrottleConfig

	concurrency   *ConcurrencyController
	dispatch      *DispatchGate
	tokenBucket   *TokenBucket
	breaker       *circuitBreaker
	progress      *ProgressTracker
	retry         *RetryHandler
	failureWindow *SlidingWindow

	logger  Logger
	clock   Clock
	sleeper Sleeper

	mu             sync.Mutex
	closed         bool
	draining       bool
	cooling        bool
	coolingStarted time.Time
	lastFailureAt  time.Time
}

// New constructs a Throttle from cfg, validating and defaulting it first.
func New(cfg ThrottleConfig) (*Throttle, error) {
	cfg, err := NewThrottleConfig(cfg)
	if err != nil {
		return nil, err
	}

	t := &Throttle{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		sleeper: cfg.Sleep,
	}

	t.concurrency = NewConcurrencyController(cfg.MaxConcurrency, cfg.effectiveInitialConcurrency())
	t.dispatch = NewDispatchGate(cfg.MinDispatchInterval, cfg.MinDispatchInterval, cfg.MaxDispatchInterval, cfg.JitterFraction, cfg.Clock, cfg.Sleep, cfg.Rand)
	t.failureWindow = NewSlidingWindow(cfg.FailureWindow, cfg.Clock)
	t.progress = NewProgressTracker(cfg.TotalTasks)

	if cfg.TokenBudget != nil {
		t.tokenBucket = NewTokenBucket(cfg.TokenBudget.MaxTokens, time.Duration(cfg.TokenBudget.WindowSeconds*float64(time.Second)), cfg.Clock, cfg.Sleep)
	}

	if cfg.CircuitBreaker != nil {
		t.breaker = newCircuitBreaker(
			cfg.CircuitBreaker.ConsecutiveFailures,
			time.Duration(cfg.CircuitBreaker.OpenDurationSeconds*float64(time.Second)),
			cfg.CircuitBreaker.HalfOpenMaxCalls,
			cfg.Clock,
		)
	}

	retryCfg := RetryConfig{MaxAttempts: 1}
	if cfg.Retry != nil {
		retryCfg = RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds * float64(time.Second)),
			MaxDelay:    time.Duration(cfg.Retry.MaxDelaySeconds * float64(time.Second)),
			Retryable:   cfg.Retry.Retryable,
		}
	}
	t.retry = NewRetryHandler(retryCfg, cfg.Rand)

	return t, nil
}

// checkAdmission runs the shared first two admission steps (§4.8 steps 1-2):
// reject if closed/draining, then consult the circuit breaker.
func (t *Throttle) checkAdmission() error {
	t.mu.Lock()
	closed := t.closed || t.draining
	t.mu.Unlock()
	if closed {
		return errThrottleClosed
	}
	if t.breaker != nil {
		return t.breaker.Check()
	}
	return nil
}

// admit runs steps 1-5 of §4.8: admission checks, concurrency acquire,
// dispatch-gate wait, and token-budget wait. On any failure after the
// concurrency permit is granted, it releases that permit before returning.
func (t *Throttle) admit(ctx context.Context) error {
	if err := t.checkAdmission(); err != nil {
		return err
	}
	if err := t.concurrency.Acquire(ctx); err != nil {
		return err
	}
	t.dispatch.Wait()
	if t.tokenBucket != nil {
		if err := t.tokenBucket.WaitForBudget(1); err != nil {
			t.concurrency.Release()
			return err
		}
	}
	return nil
}

// Execute is the primary API. fn receives a Slot and produces a value of
// type T. Execute performs the full admission sequence, then runs fn inside
// the retry loop described in §4.8, recording success/failure bookkeeping
// and always releasing the concurrency permit exactly once.
func Execute[T any](ctx context.Context, t *Throttle, fn func(*Slot) (T, error)) (T, error) {
	var zero T
	if err := t.admit(ctx); err != nil {
		return zero, err
	}
	defer t.concurrency.Release()

	slot := newSlot(t)
	maxAttempts := t.retry.MaxAttempts()

	var result T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		slot.attempt = attempt
		start := t.clock.Now()
		result, lastErr = fn(slot)

		if lastErr == nil {
			duration := t.clock.Now().Sub(start)
			t.handleSuccess(duration, slot.tokensReported)
			return result, nil
		}

		final := !t.retry.IsRetryable(lastErr) || attempt == maxAttempts-1
		if final {
			t.handleFailure(lastErr)
			return zero, lastErr
		}

		if t.breaker != nil {
			if tripped := t.breaker.RecordFailure(); tripped {
				retryAfter := t.breaker.RetryAfter()
				t.emitCircuitOpened(t.breaker.ConsecutiveFailures(), retryAfter)
				return zero, &CircuitOpenError{RetryAfter: retryAfter}
			}
		}

		delay := t.retry.Delay(attempt)
		t.emitRetry(attempt, delay, lastErr)
		t.sleeper.Sleep(delay)
	}

	// Unreachable: the loop above always returns on its final iteration.
	t.handleFailure(lastErr)
	return zero, lastErr
}

// Acquire is the scope-guarded low-level admission API: it performs the same
// admission sequence as Execute but does not retry. The caller must call
// Finish on the returned Slot exactly once, on every exit path (including
// cancellation), to release the concurrency permit and record the outcome.
func (t *Throttle) Acquire(ctx context.Context) (*Slot, error) {
	if err := t.admit(ctx); err != nil {
		return nil, err
	}
	slot := newSlot(t)
	slot.acquiredAt = t.clock.Now()
	return slot, nil
}

// Finish records the outcome of a Slot obtained via Acquire and releases its
// concurrency permit. Safe to call at most once; later calls are no-ops.
func (s *Slot) Finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	duration := s.throttle.clock.Now().Sub(s.acquiredAt)
	if err == nil {
		s.throttle.handleSuccess(duration, s.tokensReported)
	} else {
		s.throttle.handleFailure(err)
	}
	s.throttle.concurrency.Release()
}

// Wrap adapts fn into a callable that runs under Execute. Go has no runtime
// facility to transplant a closure's name/signature onto another value, so
// unlike introspectable-callable host languages, identity preservation here
// is limited to fn keeping its own declared name when it is not a closure.
func Wrap[T any](t *Throttle, fn func(*Slot) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, t, fn)
	}
}

// RecordSuccess is the public hook for applications that drive the throttle
// without the admission path (e.g. middleware that already owns the
// concurrency decision).
func (t *Throttle) RecordSuccess(duration time.Duration, tokensUsed float64) {
	t.handleSuccess(duration, tokensUsed)
}

// RecordFailure is the public hook mirroring RecordSuccess for failures.
func (t *Throttle) RecordFailure(err error) {
	t.handleFailure(err)
}

// RecordTokens commits n tokens directly to the token bucket, bypassing the
// normal post-execute commit path.
func (t *Throttle) RecordTokens(n float64) {
	if t.tokenBucket != nil {
		t.tokenBucket.Consume(n)
	}
}

// handleSuccess implements §4.8's _handle_success.
func (t *Throttle) handleSuccess(duration time.Duration, tokensReported float64) {
	if t.breaker != nil {
		if closed := t.breaker.RecordSuccess(); closed {
			t.emitCircuitClosed()
		}
	}

	now := t.clock.Now()
	t.mu.Lock()
	cooling := t.cooling
	coolingStarted := t.coolingStarted
	lastFailureAt := t.lastFailureAt
	t.mu.Unlock()

	decayWindow := time.Duration(float64(t.cfg.CoolingPeriod) * t.cfg.SafeCeilingDecayMult)

	if cooling && now.Sub(coolingStarted) >= t.cfg.CoolingPeriod && t.failureWindow.Count() == 0 {
		ceiling := t.concurrency.SafeCeiling()
		oldC, newC := t.concurrency.Reaccelerate(ceiling)
		oldI, newI := t.dispatch.Reaccelerate(t.cfg.MinDispatchInterval)

		if newC == ceiling && (lastFailureAt.IsZero() || now.Sub(lastFailureAt) >= decayWindow) {
			t.concurrency.SetSafeCeiling(t.concurrency.MaxCap())
		}

		t.mu.Lock()
		t.cooling = false
		t.mu.Unlock()

		t.emitReaccelerated(oldC, newC, oldI, newI)
	} else if !lastFailureAt.IsZero() && now.Sub(lastFailureAt) >= decayWindow {
		t.concurrency.SetSafeCeiling(t.concurrency.MaxCap())
	}

	if tokensReported > 0 && t.tokenBucket != nil {
		t.tokenBucket.Consume(tokensReported)
	}

	if t.progress.RecordCompletion(duration) {
		t.emitProgress()
	}
}

// handleFailure implements §4.8's _handle_failure.
func (t *Throttle) handleFailure(err error) {
	if t.cfg.FailurePredicate != nil && !t.cfg.FailurePredicate.ShouldCount(err) {
		return
	}

	t.failureWindow.Record(1)
	t.mu.Lock()
	t.lastFailureAt = t.clock.Now()
	t.mu.Unlock()

	var tripped bool
	if t.breaker != nil {
		tripped = t.breaker.RecordFailure()
	}

	if t.failureWindow.Count() >= t.cfg.FailureThreshold {
		t.concurrency.SetSafeCeiling(t.concurrency.CurrentLimit())
		oldC, newC := t.concurrency.Decelerate()
		oldI, newI := t.dispatch.Decelerate(t.cfg.MaxDispatchInterval)
		failureCount := t.failureWindow.Count()
		t.failureWindow.Clear()

		t.mu.Lock()
		t.cooling = true
		t.coolingStarted = t.clock.Now()
		t.mu.Unlock()

		t.emitDecelerated(oldC, newC, oldI, newI, failureCount)
		t.emitCoolingStarted()
	}

	if tripped {
		t.emitCircuitOpened(t.breaker.ConsecutiveFailures(), t.breaker.RetryAfter())
	}
}

// Snapshot assembles a ThrottleSnapshot from sub-component reads. Each field
// is read under its owning component's lock, one after another; no lock spans
// the whole assembly, so a transition made by a concurrent Execute on another
// goroutine can land between two reads, and the fields are not guaranteed to
// come from one instant.
func (t *Throttle) Snapshot() ThrottleSnapshot {
	snap := ThrottleSnapshot{
		Concurrency:      t.concurrency.CurrentLimit(),
		MaxConcurrency:    t.concurrency.MaxCap(),
		DispatchInterval: t.dispatch.Interval(),
		CompletedTasks:   t.progress.Completed(),
		TotalTasks:       t.progress.Total(),
		FailureCount:     t.failureWindow.Count(),
		SafeCeiling:      t.concurrency.SafeCeiling(),
		State:            t.state(),
	}

	if eta, ok := t.progress.ETA(t.concurrency.CurrentLimit()); ok {
		snap.HasETA = true
		snap.ETASeconds = eta
	}

	if t.tokenBucket != nil {
		snap.TokensUsed = t.tokenBucket.Used()
		snap.HasTokensRemaining = true
		snap.TokensRemaining = t.tokenBucket.Remaining()
	}

	return snap
}

// state derives ThrottleState from lifecycle flags and the breaker.
func (t *Throttle) state() ThrottleState {
	t.mu.Lock()
	closed := t.closed
	draining := t.draining
	cooling := t.cooling
	t.mu.Unlock()

	if closed {
		return StateClosed
	}
	if draining {
		return StateDraining
	}
	if t.breaker != nil && t.breaker.State() == BreakerOpen {
		return StateCircuitOpen
	}
	if cooling {
		return StateCooling
	}
	return StateRunning
}

// Close atomically forbids new acquisitions. Idempotent: CLOSED if no
// operations are in flight, DRAINING otherwise.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.draining {
		return
	}
	if t.concurrency.InFlight() > 0 {
		t.draining = true
	} else {
		t.closed = true
	}
}

// Drain resolves when in_flight reaches 0. Safe to call concurrently with
// in-flight Execute/Acquire calls; new admissions fail fast with
// ThrottleClosedError once Close has been called.
func (t *Throttle) Drain(ctx context.Context) error {
	if err := t.concurrency.WaitDrained(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.draining = false
	t.closed = true
	return nil
}

func (t *Throttle) dispatch0(ev ThrottleEvent) {
	ev.Timestamp = t.clock.Now()
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(ev)
	}
}

func (t *Throttle) emitDecelerated(oldC, newC int, oldI, newI time.Duration, failureCount int) {
	t.logger.Info("throttle decelerated", F("old_concurrency", oldC), F("new_concurrency", newC), F("failure_count", failureCount))
	t.dispatch0(ThrottleEvent{
		Kind: EventDecelerated,
		Decelerated: &DeceleratedData{
			OldConcurrency: oldC,
			NewConcurrency: newC,
			OldInterval:    oldI,
			NewInterval:    newI,
			FailureCount:   failureCount,
		},
	})
}

func (t *Throttle) emitReaccelerated(oldC, newC int, oldI, newI time.Duration) {
	t.logger.Info("throttle reaccelerated", F("old_concurrency", oldC), F("new_concurrency", newC))
	t.dispatch0(ThrottleEvent{
		Kind: EventReaccelerated,
		Reaccelerated: &ReacceleratedData{
			OldConcurrency: oldC,
			NewConcurrency: newC,
			OldInterval:    oldI,
			NewInterval:    newI,
		},
	})
}

func (t *Throttle) emitCoolingStarted() {
	t.logger.Info("throttle cooling started", F("cooling_period", t.cfg.CoolingPeriod))
	t.dispatch0(ThrottleEvent{
		Kind:           EventCoolingStarted,
		CoolingStarted: &CoolingStartedData{CoolingPeriod: t.cfg.CoolingPeriod},
	})
}

func (t *Throttle) emitCircuitOpened(consecutiveFailures int, retryAfter time.Duration) {
	t.logger.Warn("circuit opened", F("consecutive_failures", consecutiveFailures), F("retry_after", retryAfter))
	t.dispatch0(ThrottleEvent{
		Kind: EventCircuitOpened,
		CircuitOpened: &CircuitOpenedData{
			ConsecutiveFailures: consecutiveFailures,
			RetryAfter:          retryAfter,
		},
	})
}

func (t *Throttle) emitCircuitClosed() {
	t.logger.Info("circuit closed")
	t.dispatch0(ThrottleEvent{Kind: EventCircuitClosed})
}

func (t *Throttle) emitRetry(attempt int, delay time.Duration, err error) {
	t.dispatch0(ThrottleEvent{
		Kind: EventRetry,
		Retry: &RetryData{
			Attempt:       attempt,
			Delay:         delay,
			ExceptionKind: fmt.Sprintf("%T", err),
		},
	})
}

func (t *Throttle) emitProgress() {
	snap := t.Snapshot()
	if t.cfg.OnProgress != nil {
		t.cfg.OnProgress(snap)
	}
	t.dispatch0(ThrottleEvent{Kind: EventProgress, Progress: &snap})
}
