package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadMaxConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_concurrency", verr.Field)
}

func TestValidateRejectsInitialConcurrencyOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.InitialConcurrency = 6
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMaxDispatchBelowMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDispatchInterval = 2 * time.Second
	cfg.MaxDispatchInterval = time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadJitterFraction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterFraction = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateNestedTokenBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenBudget = &TokenBudgetConfig{MaxTokens: 0, WindowSeconds: 10}
	assert.Error(t, cfg.Validate())
}

func TestValidateNestedCircuitBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreaker = &CircuitBreakerConfig{ConsecutiveFailures: 0, OpenDurationSeconds: 1, HalfOpenMaxCalls: 1}
	assert.Error(t, cfg.Validate())
}

func TestValidateNestedRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = &RetrySpec{MaxAttempts: 0}
	assert.Error(t, cfg.Validate())
}

func TestNewThrottleConfigFillsDefaults(t *testing.T) {
	cfg, err := NewThrottleConfig(DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Sleep)
	assert.NotNil(t, cfg.Rand)
}

func TestNewThrottleConfigPropagatesValidationError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = -1
	_, err := NewThrottleConfig(cfg)
	assert.Error(t, err)
}

func TestConfigRoundTripThroughMap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenBudget = &TokenBudgetConfig{MaxTokens: 100, WindowSeconds: 30}
	cfg.CircuitBreaker = &CircuitBreakerConfig{ConsecutiveFailures: 4, OpenDurationSeconds: 5, HalfOpenMaxCalls: 2}
	cfg.Retry = &RetrySpec{MaxAttempts: 3, Backoff: BackoffExponentialJitter, BaseDelaySeconds: 0.5, MaxDelaySeconds: 4}

	m := cfg.ToMap()
	round, err := FromMap(m)
	require.NoError(t, err)

	assert.Equal(t, cfg.MaxConcurrency, round.MaxConcurrency)
	assert.Equal(t, cfg.MinDispatchInterval, round.MinDispatchInterval)
	assert.Equal(t, cfg.MaxDispatchInterval, round.MaxDispatchInterval)
	require.NotNil(t, round.TokenBudget)
	assert.Equal(t, cfg.TokenBudget.MaxTokens, round.TokenBudget.MaxTokens)
	require.NotNil(t, round.CircuitBreaker)
	assert.Equal(t, cfg.CircuitBreaker.ConsecutiveFailures, round.CircuitBreaker.ConsecutiveFailures)
	require.NotNil(t, round.Retry)
	assert.Equal(t, cfg.Retry.MaxAttempts, round.Retry.MaxAttempts)
	assert.Equal(t, cfg.Retry.Backoff, round.Retry.Backoff)
}

func TestFromMapFallsBackToDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromMap(map[string]interface{}{"max_concurrency": 10})
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.Equal(t, DefaultConfig().FailureThreshold, cfg.FailureThreshold)
}

func TestFromEnvReadsPrefixedVariables(t *testing.T) {
	t.Setenv("GENTLIFY_MAX_CONCURRENCY", "12")
	t.Setenv("GENTLIFY_JITTER_FRACTION", "0.25")

	cfg, err := FromEnv("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxConcurrency)
	assert.Equal(t, 0.25, cfg.JitterFraction)
}

func TestEffectiveInitialConcurrencyDefaultsToMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 7
	cfg.InitialConcurrency = 0
	assert.Equal(t, 7, cfg.effectiveInitialConcurrency())
}
