package throttle

import "time"

// EventKind identifies which variant of ThrottleEvent this is (§6, §9's
// "any-dict event payload" guidance: one variant per kind, each carrying its
// own typed fields instead of a loose map).
type EventKind int

const (
	EventDecelerated EventKind = iota
	EventReaccelerated
	EventCoolingStarted
	EventCircuitOpened
	EventCircuitClosed
	EventRetry
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventDecelerated:
		return "decelerated"
	case EventReaccelerated:
		return "reaccelerated"
	case EventCoolingStarted:
		return "cooling_started"
	case EventCircuitOpened:
		return "circuit_opened"
	case EventCircuitClosed:
		return "circuit_closed"
	case EventRetry:
		return "retry"
	case EventProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// ThrottleEvent is a sum type over every event kind the orchestrator emits.
// Only the field matching Kind is populated; sinks switch on Kind.
type ThrottleEvent struct {
	Kind      EventKind
	Timestamp time.Time

	Decelerated   *DeceleratedData
	Reaccelerated *ReacceleratedData
	CoolingStarted *CoolingStartedData
	CircuitOpened *CircuitOpenedData
	Retry         *RetryData
	Progress      *ThrottleSnapshot
}

// DeceleratedData is the payload for EventDecelerated.
type DeceleratedData struct {
	OldConcurrency int
	NewConcurrency int
	OldInterval    time.Duration
	NewInterval    time.Duration
	FailureCount   int
}

// ReacceleratedData is the payload for EventReaccelerated.
type ReacceleratedData struct {
	OldConcurrency int
	NewConcurrency int
	OldInterval    time.Duration
	NewInterval    time.Duration
}

// CoolingStartedData is the payload for EventCoolingStarted.
type CoolingStartedData struct {
	CoolingPeriod time.Duration
}

// CircuitOpenedData is the payload for EventCircuitOpened.
type CircuitOpenedData struct {
	ConsecutiveFailures int
	RetryAfter          time.Duration
}

// RetryData is the payload for EventRetry.
type RetryData struct {
	Attempt       int
	Delay         time.Duration
	ExceptionKind string
}
