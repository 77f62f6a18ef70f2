// Package upstream simulates a rate-limited external quote API and the
// fan-out of its results to websocket subscribers. It exists to give
// pkg/throttle a concrete origin to gate: every call to Origin.Fetch is
// expected to run inside throttle.Execute.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	qdecimal "github.com/terminal-bench/gentlify/pkg/decimal"
)

// Quote is one priced snapshot for a symbol.
type Quote struct {
	Symbol    string         `json:"symbol"`
	Bid       qdecimal.Price `json:"-"`
	Ask       qdecimal.Price `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarshalJSON flattens Bid/Ask to strings since qdecimal.Price has no public
// fields for encoding/json to walk.
func (q Quote) MarshalJSON() ([]byte, error) {
	type wire struct {
		Symbol    string    `json:"symbol"`
		Bid       string    `json:"bid"`
		Ask       string    `json:"ask"`
		Timestamp time.Time `json:"timestamp"`
	}
	return json.Marshal(wire{Symbol: q.Symbol, Bid: q.Bid.String(), Ask: q.Ask.String(), Timestamp: q.Timestamp})
}

// ErrUpstreamUnavailable is returned by Fetch when the simulated origin
// faults. It is retryable; an application wires it into a RetryPredicate.
type ErrUpstreamUnavailable struct {
	Symbol string
}

func (e *ErrUpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream: %s temporarily unavailable", e.Symbol)
}

// Origin simulates a flaky, latent external quote provider. FailureRate and
// latency bounds are tunable so integration tests can force the failure
// window throttle.CircuitBreakerConfig reacts to.
type Origin struct {
	FailureRate  float64
	MinLatency   time.Duration
	MaxLatency   time.Duration
	rand         *rand.Rand
	mu           sync.Mutex
	lastBySymbol map[string]Quote
}

// NewOrigin builds a simulated origin seeded from seed.
func NewOrigin(failureRate float64, minLatency, maxLatency time.Duration, seed int64) *Origin {
	return &Origin{
		FailureRate:  failureRate,
		MinLatency:   minLatency,
		MaxLatency:   maxLatency,
		rand:         rand.New(rand.NewSource(seed)),
		lastBySymbol: make(map[string]Quote),
	}
}

// Fetch blocks for a simulated network round trip and returns a quote for
// symbol, or ErrUpstreamUnavailable. It honors ctx cancellation during the
// simulated latency.
func (o *Origin) Fetch(ctx context.Context, symbol string) (Quote, error) {
	o.mu.Lock()
	latency := o.MinLatency
	if o.MaxLatency > o.MinLatency {
		latency += time.Duration(o.rand.Int63n(int64(o.MaxLatency - o.MinLatency)))
	}
	fail := o.rand.Float64() < o.FailureRate
	o.mu.Unlock()

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}

	if fail {
		return Quote{}, &ErrUpstreamUnavailable{Symbol: symbol}
	}

	o.mu.Lock()
	mid := 100 + o.rand.Float64()*50
	spread := 0.01 + o.rand.Float64()*0.05
	q := Quote{
		Symbol:    symbol,
		Bid:       qdecimal.NewPriceFromFloat(mid - spread/2).Round(4),
		Ask:       qdecimal.NewPriceFromFloat(mid + spread/2).Round(4),
		Timestamp: time.Now(),
	}
	o.lastBySymbol[symbol] = q
	o.mu.Unlock()

	return q, nil
}

// Last returns the most recently fetched quote for symbol without calling
// the origin.
func (o *Origin) Last(symbol string) (Quote, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.lastBySymbol[symbol]
	return q, ok
}

// Subscriber is one websocket client watching a set of symbols.
type Subscriber struct {
	ID      uuid.UUID
	Symbols map[string]struct{}
	Updates chan Quote
	Done    chan struct{}
}

// Broadcaster fans Quote updates out to subscribers filtered by symbol, the
// same "symbol -> subID -> subscriber" shape as a conventional market data
// feed, minus the trade/candle aggregation this domain has no use for.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[uuid.UUID]*Subscriber
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[uuid.UUID]*Subscriber)}
}

// Subscribe registers a subscriber for symbols.
func (b *Broadcaster) Subscribe(symbols []string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New(),
		Symbols: make(map[string]struct{}, len(symbols)),
		Updates: make(chan Quote, 16),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, symbol := range symbols {
		sub.Symbols[symbol] = struct{}{}
		if b.subscribers[symbol] == nil {
			b.subscribers[symbol] = make(map[uuid.UUID]*Subscriber)
		}
		b.subscribers[symbol][sub.ID] = sub
	}
	return sub
}

// Unsubscribe tears down a subscriber's registrations.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for symbol := range sub.Symbols {
		delete(b.subscribers[symbol], sub.ID)
		if len(b.subscribers[symbol]) == 0 {
			delete(b.subscribers, symbol)
		}
	}
	select {
	case <-sub.Done:
	default:
		close(sub.Done)
	}
}

// Publish fans q out to every subscriber watching its symbol. An update for a
// subscriber whose buffer is full is dropped rather than blocking the
// publisher; the subscriber itself stays subscribed.
func (b *Broadcaster) Publish(q Quote) {
	b.mu.RLock()
	subs := b.subscribers[q.Symbol]
	targets := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.Updates <- q:
		case <-sub.Done:
		default:
		}
	}
}

// upgrader is shared across connections; buffer sizes match one quote frame.
var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// Upgrader exposes the shared websocket.Upgrader for callers that need to
// customize CheckOrigin before calling ServeWS.
func Upgrader() *websocket.Upgrader { return &upgrader }

// ServeWS drives one websocket connection: it subscribes to symbols,
// streams Quote updates as JSON frames, and cleans up on disconnect or ctx
// cancellation.
func ServeWS(ctx context.Context, b *Broadcaster, conn *websocket.Conn, symbols []string) {
	sub := b.Subscribe(symbols)
	defer func() {
		b.Unsubscribe(sub)
		conn.Close()
	}()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				b.Unsubscribe(sub)
				return
			}
		}
	}()

	for {
		select {
		case q, ok := <-sub.Updates:
			if !ok {
				return
			}
			data, err := json.Marshal(q)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sub.Done:
			return
		case <-ctx.Done():
			return
		}
	}
}
