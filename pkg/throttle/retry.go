package throttle

import "time"

// BackoffKind selects the delay schedule a RetryHandler computes between
// attempts (§4.7).
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
	BackoffExponentialJitter
)

// RetryPredicate decides whether a failure is worth retrying. It is the
// typed replacement for a dynamic-dispatch callable (§9's re-architecture
// guidance): callers that want every error retried simply omit it.
type RetryPredicate interface {
	Retryable(err error) bool
}

// RetryPredicateFunc adapts a plain function to RetryPredicate.
type RetryPredicateFunc func(err error) bool

func (f RetryPredicateFunc) Retryable(err error) bool { return f(err) }

// RetryConfig configures a RetryHandler. MaxAttempts=1 disables retry
// entirely: the handler becomes a no-op wrapper around a single call.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   RetryPredicate
}

// RetryHandler is pure-functional over RetryConfig: it holds no mutable
// state beyond what the caller's own retry loop tracks (§4.7).
type RetryHandler struct {
	cfg  RetryConfig
	rand RandSource
}

// NewRetryHandler builds a handler from cfg, drawing jitter from rand.
func NewRetryHandler(cfg RetryConfig, rand RandSource) *RetryHandler {
	return &RetryHandler{cfg: cfg, rand: rand}
}

// MaxAttempts returns the configured attempt budget.
func (h *RetryHandler) MaxAttempts() int {
	if h.cfg.MaxAttempts < 1 {
		return 1
	}
	return h.cfg.MaxAttempts
}

// IsRetryable defers to the configured predicate if present, else true.
func (h *RetryHandler) IsRetryable(err error) bool {
	if h.cfg.Retryable == nil {
		return true
	}
	return h.cfg.Retryable.Retryable(err)
}

// Delay computes the backoff before attempt i+1 (i is zero-indexed, the
// attempt that just failed).
func (h *RetryHandler) Delay(i int) time.Duration {
	base := h.cfg.BaseDelay
	max := h.cfg.MaxDelay

	switch h.cfg.Backoff {
	case BackoffFixed:
		return base

	case BackoffExponential:
		d := base * time.Duration(1<<uint(i))
		if max > 0 && d > max {
			d = max
		}
		return d

	case BackoffExponentialJitter:
		d := base * time.Duration(1<<uint(i))
		if max > 0 && d > max {
			d = max
		}
		if d <= 0 {
			return 0
		}
		return time.Duration(h.rand.Uniform(0, float64(d)))

	default:
		return base
	}
}
