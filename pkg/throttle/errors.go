package throttle

import (
	"fmt"
	"time"
)

// ValidationError reports a rejected ThrottleConfig. Field and Constraint
// identify what failed, matching §6/§7's "validation errors reported by
// field and constraint."
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("throttle: invalid config field %q: %s", e.Field, e.Constraint)
}

func newValidationError(field, constraint string) error {
	return &ValidationError{Field: field, Constraint: constraint}
}

// CircuitOpenError is returned when admission is refused because the
// embedded circuit breaker is OPEN (or HALF_OPEN and out of probe slots).
// RetryAfter is the caller's best estimate of when to retry; it is zero for
// a half-open overflow rejection per §4.5/§9's reference policy.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("throttle: circuit open, retry after %s", e.RetryAfter)
}

// ThrottleClosedError is returned when admission is refused because the
// throttle has been closed or is draining. It carries no payload.
type ThrottleClosedError struct{}

func (e *ThrottleClosedError) Error() string {
	return "throttle: closed"
}

// TokenBudgetExceededError is returned by TokenBucket.WaitForBudget when a
// single request asks for more tokens than the bucket's entire budget — no
// amount of waiting can ever satisfy it.
type TokenBudgetExceededError struct {
	Requested float64
	Budget    float64
}

func (e *TokenBudgetExceededError) Error() string {
	return fmt.Sprintf("throttle: requested %v tokens exceeds budget %v", e.Requested, e.Budget)
}

var errThrottleClosed = &ThrottleClosedError{}
