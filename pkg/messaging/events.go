package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a minimal envelope for in-process pub/sub, distinct from
// events.Envelope: this one stays inside the process (EventBus), while
// events.Envelope is what actually crosses the NATS wire.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

// EventMetadata carries correlation fields for an in-process event.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id"`
	Source        string `json:"source"`
}

// NewEvent builds an Event, JSON-encoding data.
func NewEvent(eventType string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEventData decodes event.Data into T.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// EventBus is an in-process publish/subscribe fan-out for consuming throttle
// events without coupling to the throttle package's handler signature.
// LocalBus implements it; internal/audit and internal/telemetry do not use it.
type EventBus interface {
	Publish(event Event) error
	Subscribe(eventType string, handler func(Event) error) error
}
