package throttle

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TokenBudgetConfig enables the optional rolling-window resource quota.
type TokenBudgetConfig struct {
	MaxTokens     float64
	WindowSeconds float64
}

// CircuitBreakerConfig enables the optional embedded breaker.
type CircuitBreakerConfig struct {
	ConsecutiveFailures int
	OpenDurationSeconds float64
	HalfOpenMaxCalls    int
}

// RetrySpec enables the optional retry loop around the user callable.
type RetrySpec struct {
	MaxAttempts     int
	Backoff         BackoffKind
	BaseDelaySeconds float64
	MaxDelaySeconds  float64
	Retryable        RetryPredicate
}

// FailurePredicate decides whether a user fault should move the adaptive
// failure window / circuit breaker counters at all (§4.8 step 1, §7).
type FailurePredicate interface {
	ShouldCount(err error) bool
}

// FailurePredicateFunc adapts a plain function to FailurePredicate.
type FailurePredicateFunc func(err error) bool

func (f FailurePredicateFunc) ShouldCount(err error) bool { return f(err) }

// StateChangeHandler receives every ThrottleEvent as it is emitted.
type StateChangeHandler func(ThrottleEvent)

// ProgressHandler receives a forwarded ThrottleSnapshot whenever a progress
// milestone is crossed.
type ProgressHandler func(ThrottleSnapshot)

// ThrottleConfig is the immutable, validated-on-construct bundle of every
// tunable the orchestrator reads (§6). Build one with NewThrottleConfig,
// FromMap, or FromEnv — never by zero-value struct literal, since the zero
// value for several fields (e.g. MaxConcurrency=0) is invalid.
type ThrottleConfig struct {
	MaxConcurrency       int
	InitialConcurrency   int // 0 means "use MaxConcurrency"
	MinDispatchInterval  time.Duration
	MaxDispatchInterval  time.Duration
	FailureThreshold     int
	FailureWindow        time.Duration
	CoolingPeriod        time.Duration
	SafeCeilingDecayMult float64
	JitterFraction       float64
	TotalTasks           int

	FailurePredicate FailurePredicate
	TokenBudget      *TokenBudgetConfig
	CircuitBreaker   *CircuitBreakerConfig
	Retry            *RetrySpec

	OnStateChange StateChangeHandler
	OnProgress    ProgressHandler

	Logger Logger
	Clock  Clock
	Sleep  Sleeper
	Rand   RandSource
}

// DefaultConfig returns the spec's default tunables (§6), with
// InitialConcurrency defaulted to MaxConcurrency.
func DefaultConfig() ThrottleConfig {
	return ThrottleConfig{
		MaxConcurrency:       5,
		InitialConcurrency:   0,
		MinDispatchInterval:  200 * time.Millisecond,
		MaxDispatchInterval:  30 * time.Second,
		FailureThreshold:     3,
		FailureWindow:        60 * time.Second,
		CoolingPeriod:        60 * time.Second,
		SafeCeilingDecayMult: 5.0,
		JitterFraction:       0.5,
		TotalTasks:           0,
	}
}

// Validate checks every constraint in §6's configuration table and returns
// the first violation as a *ValidationError.
func (c *ThrottleConfig) Validate() error {
	if c.MaxConcurrency < 1 {
		return newValidationError("max_concurrency", "must be >= 1")
	}
	if c.InitialConcurrency != 0 && (c.InitialConcurrency < 1 || c.InitialConcurrency > c.MaxConcurrency) {
		return newValidationError("initial_concurrency", "must be null or in [1, max_concurrency]")
	}
	if c.MinDispatchInterval < 0 {
		return newValidationError("min_dispatch_interval", "must be >= 0")
	}
	if c.MaxDispatchInterval < c.MinDispatchInterval {
		return newValidationError("max_dispatch_interval", "must be >= min_dispatch_interval")
	}
	if c.FailureThreshold < 1 {
		return newValidationError("failure_threshold", "must be >= 1")
	}
	if c.FailureWindow <= 0 {
		return newValidationError("failure_window", "must be > 0")
	}
	if c.CoolingPeriod <= 0 {
		return newValidationError("cooling_period", "must be > 0")
	}
	if c.SafeCeilingDecayMult <= 0 {
		return newValidationError("safe_ceiling_decay_multiplier", "must be > 0")
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return newValidationError("jitter_fraction", "must be in [0, 1]")
	}
	if c.TotalTasks < 0 {
		return newValidationError("total_tasks", "must be >= 0")
	}
	if c.TokenBudget != nil {
		if c.TokenBudget.MaxTokens < 1 {
			return newValidationError("token_budget.max_tokens", "must be >= 1")
		}
		if c.TokenBudget.WindowSeconds <= 0 {
			return newValidationError("token_budget.window_seconds", "must be > 0")
		}
	}
	if c.CircuitBreaker != nil {
		if c.CircuitBreaker.ConsecutiveFailures < 1 {
			return newValidationError("circuit_breaker.consecutive_failures", "must be >= 1")
		}
		if c.CircuitBreaker.OpenDurationSeconds < 0 {
			return newValidationError("circuit_breaker.open_duration", "must be >= 0")
		}
		if c.CircuitBreaker.HalfOpenMaxCalls < 1 {
			return newValidationError("circuit_breaker.half_open_max_calls", "must be >= 1")
		}
	}
	if c.Retry != nil {
		if c.Retry.MaxAttempts < 1 {
			return newValidationError("retry.max_attempts", "must be >= 1")
		}
		if c.Retry.BaseDelaySeconds < 0 {
			return newValidationError("retry.base_delay", "must be >= 0")
		}
		if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
			return newValidationError("retry.max_delay", "must be >= base_delay")
		}
	}
	return nil
}

// effectiveInitialConcurrency resolves the "null means max" default.
func (c *ThrottleConfig) effectiveInitialConcurrency() int {
	if c.InitialConcurrency == 0 {
		return c.MaxConcurrency
	}
	return c.InitialConcurrency
}

// NewThrottleConfig validates cfg and fills in Logger/Clock/Sleep/Rand
// defaults when left nil.
func NewThrottleConfig(cfg ThrottleConfig) (ThrottleConfig, error) {
	if err := cfg.Validate(); err != nil {
		return ThrottleConfig{}, err
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SystemSleeper
	}
	if cfg.Rand == nil {
		cfg.Rand = SystemRand()
	}
	return cfg, nil
}

// FromMap builds a ThrottleConfig from a nested key/value mapping, the shape
// produced by ToMap, with "token_budget", "circuit_breaker", and "retry"
// nested as sub-maps (§6). Unknown keys are ignored; missing keys fall back
// to DefaultConfig.
func FromMap(m map[string]interface{}) (ThrottleConfig, error) {
	cfg := DefaultConfig()

	if v, ok := m["max_concurrency"]; ok {
		cfg.MaxConcurrency = toInt(v)
	}
	if v, ok := m["initial_concurrency"]; ok {
		cfg.InitialConcurrency = toInt(v)
	}
	if v, ok := m["min_dispatch_interval"]; ok {
		cfg.MinDispatchInterval = toSeconds(v)
	}
	if v, ok := m["max_dispatch_interval"]; ok {
		cfg.MaxDispatchInterval = toSeconds(v)
	}
	if v, ok := m["failure_threshold"]; ok {
		cfg.FailureThreshold = toInt(v)
	}
	if v, ok := m["failure_window"]; ok {
		cfg.FailureWindow = toSeconds(v)
	}
	if v, ok := m["cooling_period"]; ok {
		cfg.CoolingPeriod = toSeconds(v)
	}
	if v, ok := m["safe_ceiling_decay_multiplier"]; ok {
		cfg.SafeCeilingDecayMult = toFloat(v)
	}
	if v, ok := m["jitter_fraction"]; ok {
		cfg.JitterFraction = toFloat(v)
	}
	if v, ok := m["total_tasks"]; ok {
		cfg.TotalTasks = toInt(v)
	}
	if v, ok := m["token_budget"].(map[string]interface{}); ok {
		cfg.TokenBudget = &TokenBudgetConfig{
			MaxTokens:     toFloat(v["max_tokens"]),
			WindowSeconds: toFloat(v["window_seconds"]),
		}
	}
	if v, ok := m["circuit_breaker"].(map[string]interface{}); ok {
		cfg.CircuitBreaker = &CircuitBreakerConfig{
			ConsecutiveFailures: toInt(v["consecutive_failures"]),
			OpenDurationSeconds: toFloat(v["open_duration"]),
			HalfOpenMaxCalls:    toInt(v["half_open_max_calls"]),
		}
	}
	if v, ok := m["retry"].(map[string]interface{}); ok {
		cfg.Retry = &RetrySpec{
			MaxAttempts:      toInt(v["max_attempts"]),
			Backoff:          parseBackoff(fmt.Sprint(v["backoff"])),
			BaseDelaySeconds: toFloat(v["base_delay"]),
			MaxDelaySeconds:  toFloat(v["max_delay"]),
		}
	}

	if err := cfg.Validate(); err != nil {
		return ThrottleConfig{}, err
	}
	return cfg, nil
}

// ToMap is the inverse of FromMap, round-tripping every representable field
// (§8's idempotence property).
func (c ThrottleConfig) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"max_concurrency":               c.MaxConcurrency,
		"initial_concurrency":           c.InitialConcurrency,
		"min_dispatch_interval":         c.MinDispatchInterval.Seconds(),
		"max_dispatch_interval":         c.MaxDispatchInterval.Seconds(),
		"failure_threshold":             c.FailureThreshold,
		"failure_window":                c.FailureWindow.Seconds(),
		"cooling_period":                c.CoolingPeriod.Seconds(),
		"safe_ceiling_decay_multiplier": c.SafeCeilingDecayMult,
		"jitter_fraction":               c.JitterFraction,
		"total_tasks":                   c.TotalTasks,
	}
	if c.TokenBudget != nil {
		m["token_budget"] = map[string]interface{}{
			"max_tokens":     c.TokenBudget.MaxTokens,
			"window_seconds": c.TokenBudget.WindowSeconds,
		}
	}
	if c.CircuitBreaker != nil {
		m["circuit_breaker"] = map[string]interface{}{
			"consecutive_failures": c.CircuitBreaker.ConsecutiveFailures,
			"open_duration":        c.CircuitBreaker.OpenDurationSeconds,
			"half_open_max_calls":  c.CircuitBreaker.HalfOpenMaxCalls,
		}
	}
	if c.Retry != nil {
		m["retry"] = map[string]interface{}{
			"max_attempts": c.Retry.MaxAttempts,
			"backoff":      backoffName(c.Retry.Backoff),
			"base_delay":   c.Retry.BaseDelaySeconds,
			"max_delay":    c.Retry.MaxDelaySeconds,
		}
	}
	return m
}

// FromEnv builds a ThrottleConfig from environment variables carrying the
// given prefix (default "GENTLIFY_"), with nested fields composed as
// PREFIX_TOKEN_BUDGET_MAX, PREFIX_CIRCUIT_BREAKER_OPEN_DURATION, etc. (§6).
// This is explicitly an external-collaborator concern (§1): it lives outside
// the core's suspension/bookkeeping paths and simply produces a ThrottleConfig.
func FromEnv(prefix string) (ThrottleConfig, error) {
	if prefix == "" {
		prefix = "GENTLIFY_"
	}
	cfg := DefaultConfig()

	if v, ok := lookupEnv(prefix, "MAX_CONCURRENCY"); ok {
		cfg.MaxConcurrency = atoiOr(v, cfg.MaxConcurrency)
	}
	if v, ok := lookupEnv(prefix, "INITIAL_CONCURRENCY"); ok {
		cfg.InitialConcurrency = atoiOr(v, cfg.InitialConcurrency)
	}
	if v, ok := lookupEnv(prefix, "MIN_DISPATCH_INTERVAL"); ok {
		cfg.MinDispatchInterval = secondsOr(v, cfg.MinDispatchInterval)
	}
	if v, ok := lookupEnv(prefix, "MAX_DISPATCH_INTERVAL"); ok {
		cfg.MaxDispatchInterval = secondsOr(v, cfg.MaxDispatchInterval)
	}
	if v, ok := lookupEnv(prefix, "FAILURE_THRESHOLD"); ok {
		cfg.FailureThreshold = atoiOr(v, cfg.FailureThreshold)
	}
	if v, ok := lookupEnv(prefix, "FAILURE_WINDOW"); ok {
		cfg.FailureWindow = secondsOr(v, cfg.FailureWindow)
	}
	if v, ok := lookupEnv(prefix, "COOLING_PERIOD"); ok {
		cfg.CoolingPeriod = secondsOr(v, cfg.CoolingPeriod)
	}
	if v, ok := lookupEnv(prefix, "SAFE_CEILING_DECAY_MULTIPLIER"); ok {
		cfg.SafeCeilingDecayMult = floatOr(v, cfg.SafeCeilingDecayMult)
	}
	if v, ok := lookupEnv(prefix, "JITTER_FRACTION"); ok {
		cfg.JitterFraction = floatOr(v, cfg.JitterFraction)
	}
	if v, ok := lookupEnv(prefix, "TOTAL_TASKS"); ok {
		cfg.TotalTasks = atoiOr(v, cfg.TotalTasks)
	}

	if v, ok := lookupEnv(prefix, "TOKEN_BUDGET_MAX"); ok {
		tb := cfg.TokenBudget
		if tb == nil {
			tb = &TokenBudgetConfig{}
		}
		tb.MaxTokens = floatOr(v, tb.MaxTokens)
		cfg.TokenBudget = tb
	}
	if v, ok := lookupEnv(prefix, "TOKEN_BUDGET_WINDOW_SECONDS"); ok {
		tb := cfg.TokenBudget
		if tb == nil {
			tb = &TokenBudgetConfig{}
		}
		tb.WindowSeconds = floatOr(v, tb.WindowSeconds)
		cfg.TokenBudget = tb
	}

	if v, ok := lookupEnv(prefix, "CIRCUIT_BREAKER_CONSECUTIVE_FAILURES"); ok {
		cb := cfg.CircuitBreaker
		if cb == nil {
			cb = &CircuitBreakerConfig{}
		}
		cb.ConsecutiveFailures = atoiOr(v, cb.ConsecutiveFailures)
		cfg.CircuitBreaker = cb
	}
	if v, ok := lookupEnv(prefix, "CIRCUIT_BREAKER_OPEN_DURATION"); ok {
		cb := cfg.CircuitBreaker
		if cb == nil {
			cb = &CircuitBreakerConfig{}
		}
		cb.OpenDurationSeconds = floatOr(v, cb.OpenDurationSeconds)
		cfg.CircuitBreaker = cb
	}
	if v, ok := lookupEnv(prefix, "CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS"); ok {
		cb := cfg.CircuitBreaker
		if cb == nil {
			cb = &CircuitBreakerConfig{}
		}
		cb.HalfOpenMaxCalls = atoiOr(v, cb.HalfOpenMaxCalls)
		cfg.CircuitBreaker = cb
	}

	if v, ok := lookupEnv(prefix, "RETRY_MAX_ATTEMPTS"); ok {
		r := cfg.Retry
		if r == nil {
			r = &RetrySpec{}
		}
		r.MaxAttempts = atoiOr(v, r.MaxAttempts)
		cfg.Retry = r
	}
	if v, ok := lookupEnv(prefix, "RETRY_BACKOFF"); ok {
		r := cfg.Retry
		if r == nil {
			r = &RetrySpec{}
		}
		r.Backoff = parseBackoff(v)
		cfg.Retry = r
	}
	if v, ok := lookupEnv(prefix, "RETRY_BASE_DELAY"); ok {
		r := cfg.Retry
		if r == nil {
			r = &RetrySpec{}
		}
		r.BaseDelaySeconds = floatOr(v, r.BaseDelaySeconds)
		cfg.Retry = r
	}
	if v, ok := lookupEnv(prefix, "RETRY_MAX_DELAY"); ok {
		r := cfg.Retry
		if r == nil {
			r = &RetrySpec{}
		}
		r.MaxDelaySeconds = floatOr(v, r.MaxDelaySeconds)
		cfg.Retry = r
	}

	if err := cfg.Validate(); err != nil {
		return ThrottleConfig{}, err
	}
	return cfg, nil
}

func lookupEnv(prefix, suffix string) (string, bool) {
	return os.LookupEnv(prefix + suffix)
}

func atoiOr(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

func floatOr(s string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return fallback
}

func secondsOr(s string, fallback time.Duration) time.Duration {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		return atoiOr(t, 0)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		return floatOr(t, 0)
	default:
		return 0
	}
}

func toSeconds(v interface{}) time.Duration {
	return time.Duration(toFloat(v) * float64(time.Second))
}

func parseBackoff(s string) BackoffKind {
	switch s {
	case "exponential":
		return BackoffExponential
	case "exponential_jitter":
		return BackoffExponentialJitter
	default:
		return BackoffFixed
	}
}

func backoffName(k BackoffKind) string {
	switch k {
	case BackoffExponential:
		return "exponential"
	case BackoffExponentialJitter:
		return "exponential_jitter"
	default:
		return "fixed"
	}
}
