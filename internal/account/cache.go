// Package account implements the AccountCache: a TTL-bounded view of
// exchange balances that collapses concurrent refreshes and tolerates a
// temporarily unreachable exchange by serving stale data up to a hard limit.
package account

import (
	"context"
	"sync"
	"time"

	"botctl/internal/core"

	"golang.org/x/sync/singleflight"
)

// Cache serves core.Balance snapshots backed by a core.ExchangeClient,
// refreshing on a TTL and collapsing concurrent misses into one exchange
// call via singleflight.
type Cache struct {
	client core.ExchangeClient
	logger core.ILogger

	ttl       time.Duration
	hardStale time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	balances  map[string]core.Balance
	fetchedAt time.Time

	hits   int64
	misses int64
}

// New creates a Cache. ttl governs how long a snapshot is served without
// refresh; hardStale is the absolute limit past which a stale snapshot is no
// longer trusted and ListBalances returns an error instead.
func New(client core.ExchangeClient, logger core.ILogger, ttl, hardStale time.Duration) *Cache {
	return &Cache{
		client:    client,
		logger:    logger.WithField("component", "account_cache"),
		ttl:       ttl,
		hardStale: hardStale,
	}
}

// GetBalance returns the cached balance for currency, refreshing the
// snapshot first if it is older than the TTL. If the exchange call fails and
// the existing snapshot is still within hardStale, the stale snapshot is
// returned instead of the error.
func (c *Cache) GetBalance(ctx context.Context, currency string) (core.Balance, error) {
	snapshot, age, err := c.snapshot(ctx)
	if err != nil {
		return core.Balance{}, err
	}

	bal, ok := snapshot[currency]
	if !ok {
		bal = core.Balance{Currency: currency}
	}
	bal.AgeMillis = age.Milliseconds()
	return bal, nil
}

// ListBalances returns the full cached balance snapshot, refreshing first if
// stale.
func (c *Cache) ListBalances(ctx context.Context) (map[string]core.Balance, error) {
	snapshot, age, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]core.Balance, len(snapshot))
	for k, v := range snapshot {
		v.AgeMillis = age.Milliseconds()
		out[k] = v
	}
	return out, nil
}

// Invalidate forces the next call to refresh regardless of TTL, for use
// right after a trade fills so the cache doesn't serve a pre-fill balance.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *Cache) snapshot(ctx context.Context) (map[string]core.Balance, time.Duration, error) {
	c.mu.RLock()
	age := time.Since(c.fetchedAt)
	fresh := !c.fetchedAt.IsZero() && age < c.ttl
	current := c.balances
	c.mu.RUnlock()

	if fresh {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return current, age, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		c.mu.RLock()
		staleAge := time.Since(c.fetchedAt)
		stale := current
		c.mu.RUnlock()

		if !c.fetchedAt.IsZero() && staleAge < c.hardStale {
			c.logger.Warn("serving stale account snapshot after refresh failure",
				"age_seconds", staleAge.Seconds(), "error", err)
			return stale, staleAge, nil
		}
		return nil, 0, err
	}

	return v.(map[string]core.Balance), 0, nil
}

func (c *Cache) refresh(ctx context.Context) (map[string]core.Balance, error) {
	balances, err := c.client.ListBalances(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.balances = balances
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return balances, nil
}

// Stats returns cumulative hit/miss counts for observability.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
