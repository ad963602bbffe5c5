package leaderboard

import (
	"Coffer/internal/cache"
	"Coffer/internal/currency"
	"Coffer/internal/ledger"
	"Coffer/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	MaxPage        = 10
	EntriesPerPage = 10
	TopLimit       = MaxPage * EntriesPerPage
	DefaultTTL     = 5 * time.Minute
)

// Source computes top balances from durable storage.
type Source interface {
	TopBalances(ctx context.Context, c *currency.Currency, offset, limit int) ([]ledger.RankedBalance, error)
}

// Flusher makes pending writes durable before a recompute.
type Flusher interface {
	Flush(ctx context.Context) (saved, failed int)
}

// Entry is one leaderboard row. Rank starts at 1.
type Entry struct {
	Rank    int             `json:"rank"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// Result is a computed leaderboard. It is shared between readers and must
// not be modified.
type Result struct {
	Currency   string    `json:"currency"`
	Entries    []Entry   `json:"entries"`
	ComputedAt time.Time `json:"computed_at"`
}

// Pages returns how many pages the result fills, at least one.
func (r *Result) Pages() int {
	n := (len(r.Entries) + EntriesPerPage - 1) / EntriesPerPage
	if n < 1 {
		return 1
	}
	return n
}

// Option configures a Cache.
type Option func(*Cache)

// WithFlusher flushes pending writes before each recompute.
func WithFlusher(f Flusher) Option {
	return func(c *Cache) { c.flusher = f }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache serves per-currency top balances, recomputing each at most once
// per TTL no matter how many readers ask concurrently.
type Cache struct {
	source  Source
	flusher Flusher
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics

	results *cache.Cache[string, *Result]
}

func New(source Source, ttl time.Duration, logger zerolog.Logger, metrics *observability.Metrics, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.results = cache.New[string, *Result](cache.Options{
		ExpireAfterWrite: ttl,
		Clock:            c.now,
	}, nil)

	if metrics != nil {
		labels := prometheus.Labels{"cache": "leaderboard"}
		metrics.CounterFunc("coffer_cache_hits_total", "Cache hits", labels,
			func() float64 { return float64(c.results.Stats().Hits) })
		metrics.CounterFunc("coffer_cache_misses_total", "Cache misses", labels,
			func() float64 { return float64(c.results.Stats().Misses) })
		metrics.CounterFunc("coffer_cache_loads_total", "Cache loads", labels,
			func() float64 { return float64(c.results.Stats().Loads) })
		metrics.CounterFunc("coffer_cache_evictions_total", "Cache evictions", labels,
			func() float64 { return float64(c.results.Stats().Evictions) })
	}
	return c
}

// Top returns the cached top balances for cur, recomputing when stale.
func (c *Cache) Top(ctx context.Context, cur *currency.Currency) (*Result, error) {
	res, _, err := c.results.GetWith(ctx, cur.ID, func(ctx context.Context, _ string) (*Result, bool, error) {
		r, err := c.compute(ctx, cur)
		if err != nil {
			return nil, false, err
		}
		return r, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard %s: %w", cur.ID, err)
	}
	return res, nil
}

// Page returns the entries of one page. Pages are 1-based; out of range
// values are clamped to [1, MaxPage]. A page past the data is empty.
func (c *Cache) Page(ctx context.Context, cur *currency.Currency, page int) ([]Entry, error) {
	res, err := c.Top(ctx, cur)
	if err != nil {
		return nil, err
	}

	page = ClampPage(page)
	start := (page - 1) * EntriesPerPage
	if start >= len(res.Entries) {
		return []Entry{}, nil
	}
	end := min(start+EntriesPerPage, len(res.Entries))

	out := make([]Entry, end-start)
	copy(out, res.Entries[start:end])
	return out, nil
}

// Invalidate forces the next read of cur to recompute.
func (c *Cache) Invalidate(cur *currency.Currency) {
	c.results.Invalidate(cur.ID)
}

// ClampPage bounds a requested page number to [1, MaxPage].
func ClampPage(page int) int {
	if page < 1 {
		return 1
	}
	if page > MaxPage {
		return MaxPage
	}
	return page
}

func (c *Cache) compute(ctx context.Context, cur *currency.Currency) (*Result, error) {
	start := time.Now()
	if c.flusher != nil {
		c.flusher.Flush(ctx)
	}

	rows, err := c.source.TopBalances(ctx, cur, 0, TopLimit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(rows))
	for i, row := range rows {
		entries[i] = Entry{Rank: i + 1, Name: row.Name, Balance: row.Balance}
	}

	if c.metrics != nil {
		c.metrics.LeaderboardRecomputes.WithLabelValues(cur.ID).Inc()
		c.metrics.LeaderboardDuration.Observe(time.Since(start).Seconds())
	}
	c.logger.Debug().Str("currency", cur.ID).Int("entries", len(entries)).Msg("leaderboard recomputed")

	return &Result{Currency: cur.ID, Entries: entries, ComputedAt: c.now()}, nil
}
