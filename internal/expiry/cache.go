// Package expiry provides the per-underlying expiry date cache.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainview/internal/errors"
	"chainview/internal/logging"
)

// Fetcher retrieves expiry dates from the upstream API.
type Fetcher interface {
	Expiry(ctx context.Context, underlying string) ([]string, error)
}

// Persister stores last-good expiry lists across restarts. Optional.
type Persister interface {
	SaveExpiries(underlying string, dates []string, fetchedAt time.Time) error
}

// CacheConfig holds cache configuration.
type CacheConfig struct {
	// TTL is the age after which an entry is considered stale.
	TTL time.Duration
	// FailBackoff extends a stale entry's effective TTL after a failed
	// refresh, so upstream outages don't cause refresh storms.
	FailBackoff time.Duration
	// RefreshTimeout bounds a background refresh call.
	RefreshTimeout time.Duration
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:            10 * time.Minute,
		FailBackoff:    30 * time.Second,
		RefreshTimeout: 8 * time.Second,
	}
}

// entry holds the cached dates for one underlying. Access to the state
// fields goes through state; fetchMu serializes upstream fetches for
// this key only, so refreshes of different underlyings never contend.
type entry struct {
	fetchMu sync.Mutex

	state      sync.Mutex
	dates      []string
	fetchedAt  time.Time
	extend     time.Duration
	refreshing bool
}

// Cache holds expiry dates per underlying with a
// stale-while-revalidate refresh policy: a stale-but-present entry is
// always returned immediately and refreshed in the background; only a
// missing entry triggers a synchronous fetch.
type Cache struct {
	cfg       CacheConfig
	fetcher   Fetcher
	persister Persister
	logger    zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// NewCache creates a new expiry cache. persister may be nil.
func NewCache(cfg CacheConfig, fetcher Fetcher, persister Persister, logger zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.FailBackoff <= 0 {
		cfg.FailBackoff = DefaultCacheConfig().FailBackoff
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultCacheConfig().RefreshTimeout
	}
	return &Cache{
		cfg:       cfg,
		fetcher:   fetcher,
		persister: persister,
		logger:    logging.WithComponent(logger, "expiry_cache"),
		entries:   make(map[string]*entry),
		now:       time.Now,
	}
}

// Warm seeds an entry from persisted state. The entry keeps its
// original fetch time, so it is typically already stale and will be
// revalidated in the background on first use.
func (c *Cache) Warm(underlying string, dates []string, fetchedAt time.Time) {
	if len(dates) == 0 {
		return
	}
	e := c.entry(underlying)
	e.state.Lock()
	if len(e.dates) == 0 {
		e.dates = append([]string(nil), dates...)
		e.fetchedAt = fetchedAt
	}
	e.state.Unlock()
}

// Get returns the ordered expiry dates for an underlying. It fails
// with ErrUpstreamUnavailable in the chain only when no cached value
// exists and the synchronous fetch fails.
func (c *Cache) Get(ctx context.Context, underlying string) ([]string, error) {
	e := c.entry(underlying)

	e.state.Lock()
	if len(e.dates) > 0 {
		if c.now().Sub(e.fetchedAt) > c.cfg.TTL+e.extend && !e.refreshing {
			e.refreshing = true
			go c.refresh(underlying, e)
		}
		dates := append([]string(nil), e.dates...)
		e.state.Unlock()
		return dates, nil
	}
	e.state.Unlock()

	// No cached value: fetch synchronously. fetchMu coalesces
	// concurrent first fetches for the same underlying.
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	e.state.Lock()
	if len(e.dates) > 0 {
		dates := append([]string(nil), e.dates...)
		e.state.Unlock()
		return dates, nil
	}
	e.state.Unlock()

	dates, err := c.fetcher.Expiry(ctx, underlying)
	if err != nil {
		return nil, errors.NewCacheError(underlying, "no cached value and refresh failed", err)
	}
	c.store(underlying, e, dates)
	return append([]string(nil), dates...), nil
}

// Age returns how old the cached entry for an underlying is, and
// whether one exists.
func (c *Cache) Age(underlying string) (time.Duration, bool) {
	c.mu.RLock()
	e, ok := c.entries[underlying]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	e.state.Lock()
	defer e.state.Unlock()
	if len(e.dates) == 0 {
		return 0, false
	}
	return c.now().Sub(e.fetchedAt), true
}

// Underlyings returns the symbols currently cached.
func (c *Cache) Underlyings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for u := range c.entries {
		out = append(out, u)
	}
	return out
}

func (c *Cache) entry(underlying string) *entry {
	c.mu.RLock()
	e, ok := c.entries[underlying]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[underlying]; ok {
		return e
	}
	e = &entry{}
	c.entries[underlying] = e
	return e
}

// refresh revalidates one entry in the background. On failure the last
// good value is retained and its effective TTL extended by the
// configured backoff so subscribers keep being served.
func (c *Cache) refresh(underlying string, e *entry) {
	defer func() {
		e.state.Lock()
		e.refreshing = false
		e.state.Unlock()
	}()

	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()

	dates, err := c.fetcher.Expiry(ctx, underlying)
	if err != nil {
		e.state.Lock()
		e.extend += c.cfg.FailBackoff
		e.state.Unlock()
		c.logger.Warn().Err(err).Str("underlying", underlying).
			Msg("Expiry refresh failed, serving stale")
		return
	}
	c.store(underlying, e, dates)
}

func (c *Cache) store(underlying string, e *entry, dates []string) {
	fetchedAt := c.now()

	e.state.Lock()
	e.dates = append([]string(nil), dates...)
	e.fetchedAt = fetchedAt
	e.extend = 0
	e.state.Unlock()

	if c.persister != nil {
		if err := c.persister.SaveExpiries(underlying, dates, fetchedAt); err != nil {
			c.logger.Warn().Err(err).Str("underlying", underlying).
				Msg("Failed to persist expiry dates")
		}
	}
}
