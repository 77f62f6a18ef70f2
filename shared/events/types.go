package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope kinds, mirroring pkg/throttle.EventKind but as stable wire
// strings so subscribers don't need to import the throttle package's enum.
const (
	ThrottleDecelerated    = "throttle.decelerated"
	ThrottleReaccelerated  = "throttle.reaccelerated"
	ThrottleCoolingStarted = "throttle.cooling_started"
	ThrottleCircuitOpened  = "throttle.circuit_opened"
	ThrottleCircuitClosed  = "throttle.circuit_closed"
	ThrottleRetry          = "throttle.retry"
	ThrottleProgress       = "throttle.progress"
)

// Envelope is the wire shape every published event is wrapped in, regardless
// of payload. Data carries the kind-specific payload as raw JSON so
// subscribers can route on Type before deciding how to decode it.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	ThrottleID  string          `json:"throttle_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int             `json:"version"`
	Data        json.RawMessage `json:"data"`
	Metadata    Metadata        `json:"metadata"`
}

// Metadata carries cross-cutting fields unrelated to the event's own
// payload: correlation across a retried operation, and where it originated.
type Metadata struct {
	CorrelationID string            `json:"correlation_id"`
	Source        string            `json:"source"`
	TraceID       string            `json:"trace_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// DecelerationData is the payload for ThrottleDecelerated.
type DecelerationData struct {
	OldConcurrency int     `json:"old_concurrency"`
	NewConcurrency int     `json:"new_concurrency"`
	OldIntervalMs  int64   `json:"old_interval_ms"`
	NewIntervalMs  int64   `json:"new_interval_ms"`
	FailureCount   int     `json:"failure_count"`
}

// ReaccelerationData is the payload for ThrottleReaccelerated.
type ReaccelerationData struct {
	OldConcurrency int   `json:"old_concurrency"`
	NewConcurrency int   `json:"new_concurrency"`
	OldIntervalMs  int64 `json:"old_interval_ms"`
	NewIntervalMs  int64 `json:"new_interval_ms"`
}

// CircuitData is the payload for ThrottleCircuitOpened (RetryAfterMs is 0 for
// ThrottleCircuitClosed).
type CircuitData struct {
	ConsecutiveFailures int   `json:"consecutive_failures"`
	RetryAfterMs        int64 `json:"retry_after_ms"`
}

// RetryData is the payload for ThrottleRetry.
type RetryData struct {
	Attempt       int    `json:"attempt"`
	DelayMs       int64  `json:"delay_ms"`
	ExceptionKind string `json:"exception_kind"`
}

// ProgressData is the payload for ThrottleProgress, mirroring
// throttle.ThrottleSnapshot in wire-friendly form.
type ProgressData struct {
	Concurrency      int     `json:"concurrency"`
	MaxConcurrency   int     `json:"max_concurrency"`
	DispatchInterval int64   `json:"dispatch_interval_ms"`
	CompletedTasks   int     `json:"completed_tasks"`
	TotalTasks       int     `json:"total_tasks"`
	FailureCount     int     `json:"failure_count"`
	State            string `json:"state"`
	TokensUsed        float64 `json:"tokens_used,omitempty"`
}

// NewEnvelope wraps data into an Envelope, JSON-encoding the payload.
func NewEnvelope(eventType, throttleID string, data interface{}, metadata Metadata) (*Envelope, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:         uuid.New(),
		Type:       eventType,
		ThrottleID: throttleID,
		Timestamp:  time.Now(),
		Version:    1,
		Data:       dataBytes,
		Metadata:   metadata,
	}, nil
}

// ParseData decodes the envelope's payload into v.
func (e *Envelope) ParseData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// WithCorrelation sets the correlation ID used to group events from one
// logical operation across retries.
func (m *Metadata) WithCorrelation(correlationID string) *Metadata {
	m.CorrelationID = correlationID
	return m
}
