package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gentlify/pkg/messaging"
)

func TestClientConfigFields(t *testing.T) {
	t.Run("should hold the configured client options", func(t *testing.T) {
		cfg := messaging.Config{
			Name:          "test-client",
			ReconnectWait: time.Second,
			MaxReconnects: 5,
		}

		assert.Equal(t, "test-client", cfg.Name)
		assert.Equal(t, time.Second, cfg.ReconnectWait)
		assert.Equal(t, 5, cfg.MaxReconnects)
	})
}

// NewClient dials a real NATS connection, so there is no in-memory fake for
// it in this stack the way miniredis stands in for Redis. What is testable
// without a broker is the failure path every caller depends on: a bad URL
// must fail fast with a wrapped error, not hang or panic.
func TestNewClientFailsFastOnUnreachableNATS(t *testing.T) {
	_, err := messaging.NewClient(messaging.Config{
		URL:            "nats://127.0.0.1:1",
		Name:           "test-client",
		ReconnectWait:  10 * time.Millisecond,
		MaxReconnects:  1,
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestEventBusLocal(t *testing.T) {
	t.Run("should deliver published events to subscribers", func(t *testing.T) {
		bus := messaging.NewLocalBus()
		received := make(chan messaging.Event, 1)

		err := bus.Subscribe("throttle.decelerated", func(ev messaging.Event) error {
			received <- ev
			return nil
		})
		assert.NoError(t, err)

		ev, err := messaging.NewEvent("throttle.decelerated", map[string]int{"new_concurrency": 4}, messaging.EventMetadata{Source: "gateway"})
		assert.NoError(t, err)

		assert.NoError(t, bus.Publish(*ev))

		select {
		case got := <-received:
			assert.Equal(t, "throttle.decelerated", got.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})
}

func TestEventBusDeliversToEverySubscriberInRegistrationOrder(t *testing.T) {
	bus := messaging.NewLocalBus()
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, bus.Subscribe("throttle.progress", func(messaging.Event) error {
			order = append(order, i)
			return nil
		}))
	}

	ev, err := messaging.NewEvent("throttle.progress", map[string]int{"completed": 1}, messaging.EventMetadata{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(*ev))

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEventBusPublishReturnsFirstHandlerErrorButStillRunsLaterHandlers(t *testing.T) {
	bus := messaging.NewLocalBus()
	firstErr := assert.AnError
	var secondRan bool

	require.NoError(t, bus.Subscribe("throttle.circuit_opened", func(messaging.Event) error {
		return firstErr
	}))
	require.NoError(t, bus.Subscribe("throttle.circuit_opened", func(messaging.Event) error {
		secondRan = true
		return nil
	}))

	ev, err := messaging.NewEvent("throttle.circuit_opened", map[string]int{"consecutive_failures": 8}, messaging.EventMetadata{})
	require.NoError(t, err)

	err = bus.Publish(*ev)
	assert.ErrorIs(t, err, firstErr)
	assert.True(t, secondRan, "an earlier handler's error must not stop a later one from running")
}

func TestEventBusPublishWithNoSubscribersIsANoop(t *testing.T) {
	bus := messaging.NewLocalBus()
	ev, err := messaging.NewEvent("throttle.cooling_started", nil, messaging.EventMetadata{})
	require.NoError(t, err)
	assert.NoError(t, bus.Publish(*ev))
}

func TestNewEventRoundTripsDataThroughParseEventData(t *testing.T) {
	type payload struct {
		NewConcurrency int `json:"new_concurrency"`
	}

	ev, err := messaging.NewEvent("throttle.reaccelerated", payload{NewConcurrency: 12}, messaging.EventMetadata{CorrelationID: "req-1", Source: "gateway"})
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID.String(), "")
	assert.Equal(t, "req-1", ev.Metadata.CorrelationID)

	decoded, err := messaging.ParseEventData[payload](ev)
	require.NoError(t, err)
	assert.Equal(t, 12, decoded.NewConcurrency)
}

func TestParseEventDataReturnsErrorOnTypeMismatch(t *testing.T) {
	ev, err := messaging.NewEvent("throttle.retry", map[string]string{"exception_kind": "ErrUpstreamUnavailable"}, messaging.EventMetadata{})
	require.NoError(t, err)

	_, err = messaging.ParseEventData[int](ev)
	assert.Error(t, err)
}
