package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	qdecimal "github.com/terminal-bench/gentlify/pkg/decimal"
)

func parsePrice(s string) (qdecimal.Price, error) {
	return qdecimal.NewPrice(s)
}

// QuoteCache is a cache-aside layer in front of an Origin: a hit serves
// straight from Redis, a miss falls through to fn (normally a call gated by
// throttle.Execute) and populates the cache with TTL.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache builds a cache using rdb with entries expiring after ttl.
func NewQuoteCache(rdb *redis.Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: rdb, ttl: ttl}
}

func quoteCacheKey(symbol string) string {
	return fmt.Sprintf("gentlify:quote:%s", symbol)
}

// Get returns a cached quote for symbol, or fetches via fn on a miss and
// populates the cache before returning.
func (c *QuoteCache) Get(ctx context.Context, symbol string, fn func(context.Context) (Quote, error)) (Quote, error) {
	key := quoteCacheKey(symbol)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var q cachedQuote
		if jsonErr := json.Unmarshal(raw, &q); jsonErr == nil {
			return q.toQuote(), nil
		}
	} else if err != redis.Nil {
		// Redis unavailable: fall through to the origin rather than fail the
		// caller on a cache-layer problem.
	}

	quote, err := fn(ctx)
	if err != nil {
		return Quote{}, err
	}

	if payload, err := json.Marshal(fromQuote(quote)); err == nil {
		c.rdb.Set(ctx, key, payload, c.ttl)
	}

	return quote, nil
}

// Invalidate drops the cached entry for symbol.
func (c *QuoteCache) Invalidate(ctx context.Context, symbol string) error {
	return c.rdb.Del(ctx, quoteCacheKey(symbol)).Err()
}

type cachedQuote struct {
	Symbol    string    `json:"symbol"`
	Bid       string    `json:"bid"`
	Ask       string    `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

func fromQuote(q Quote) cachedQuote {
	return cachedQuote{Symbol: q.Symbol, Bid: q.Bid.String(), Ask: q.Ask.String(), Timestamp: q.Timestamp}
}

func (c cachedQuote) toQuote() Quote {
	bid, _ := parsePrice(c.Bid)
	ask, _ := parsePrice(c.Ask)
	return Quote{Symbol: c.Symbol, Bid: bid, Ask: ask, Timestamp: c.Timestamp}
}
