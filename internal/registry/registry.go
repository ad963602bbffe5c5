package registry

import (
	"Coffer/internal/cache"
	"Coffer/internal/currency"
	"Coffer/internal/ledger"
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DefaultMaxSize           = 100
	DefaultExpireAfterAccess = 20 * time.Minute
	DefaultLoginTimeout      = time.Second
	DefaultSlowPreload       = 500 * time.Millisecond
)

// Options configure the account cache and the login gate.
type Options struct {
	MaxSize           int
	ExpireAfterAccess time.Duration
	SlowPreload       time.Duration
	Clock             func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MaxSize:           DefaultMaxSize,
		ExpireAfterAccess: DefaultExpireAfterAccess,
		SlowPreload:       DefaultSlowPreload,
	}
}

// Registry hands out the single authoritative Account object per id.
//
// Accounts of connected sessions live in the online index and never leave
// memory until Unregister. Other accounts sit in a bounded cache and may
// be evicted at any time; eviction never writes anything back, since the
// write buffer already holds whatever changed. Every lookup checks online,
// then pending writes, then the cache, then storage, so an evicted account
// with unsaved changes is revived rather than reloaded stale.
type Registry struct {
	store   persistence.Store
	buffer  *persistence.WriteBuffer
	cache   *cache.Cache[uuid.UUID, *ledger.Account]
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	online map[uuid.UUID]*ledger.Account
}

func New(
	store persistence.Store,
	buffer *persistence.WriteBuffer,
	opts Options,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Registry {
	if opts.SlowPreload <= 0 {
		opts.SlowPreload = DefaultSlowPreload
	}

	r := &Registry{
		store:   store,
		buffer:  buffer,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		online:  make(map[uuid.UUID]*ledger.Account),
	}
	r.cache = cache.New[uuid.UUID, *ledger.Account](cache.Options{
		MaxSize:           opts.MaxSize,
		ExpireAfterAccess: opts.ExpireAfterAccess,
		Clock:             opts.Clock,
	}, r.loadExisting)

	if metrics != nil {
		r.registerMetrics(metrics)
	}
	return r
}

// CreateOrLoad returns the account for id, creating a zero-balance row on
// first sight. A changed display name replaces the stored one. An empty
// name keeps whatever is stored.
func (r *Registry) CreateOrLoad(ctx context.Context, id uuid.UUID, name string) (*ledger.Account, error) {
	// A plain load for a new id finds nothing, so creates never join it.
	a, found, err := r.cache.GetWithFlight(ctx, id, "create", func(ctx context.Context, id uuid.UUID) (*ledger.Account, bool, error) {
		return r.resolve(ctx, id, func(ctx context.Context) (*ledger.Account, error) {
			return r.store.CreateAccount(ctx, id, name)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create or load %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("create or load %s: account missing after create", id)
	}

	if name != "" && a.Name() != name {
		a.Rename(name)
	}
	return a, nil
}

// Account returns the account for id, loading it if needed. A missing
// account is (nil, nil).
func (r *Registry) Account(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	if a, ok := r.Online(id); ok {
		return a, nil
	}
	a, found, err := r.cache.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return a, nil
}

// AccountIfPresent returns the account only if it is already in memory.
func (r *Registry) AccountIfPresent(id uuid.UUID) (*ledger.Account, bool) {
	if a, ok := r.Online(id); ok {
		return a, true
	}
	if a, ok := r.buffer.PendingAccount(id); ok {
		return a, true
	}
	return r.cache.GetIfPresent(id)
}

// AccountByName finds an account by display name, ignoring case.
func (r *Registry) AccountByName(ctx context.Context, name string) (*ledger.Account, error) {
	r.mu.RLock()
	for _, a := range r.online {
		if strings.EqualFold(a.Name(), name) {
			r.mu.RUnlock()
			return a, nil
		}
	}
	r.mu.RUnlock()

	loaded, err := r.store.LoadAccountByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load by name %q: %w", name, err)
	}
	if loaded == nil {
		return nil, nil
	}

	// Route through the cache so a resident copy wins over the fresh row.
	a, found, err := r.cache.GetWithFlight(ctx, loaded.ID(), "by-name", func(ctx context.Context, id uuid.UUID) (*ledger.Account, bool, error) {
		return r.resolve(ctx, id, func(context.Context) (*ledger.Account, error) {
			return loaded, nil
		})
	})
	if err != nil || !found {
		return nil, err
	}
	return a, nil
}

// Preload is the login gate: it creates or loads the account, waiting at
// most timeout. A timeout is logged and reported as false; the load keeps
// running and fills the cache when it finishes.
func (r *Registry) Preload(ctx context.Context, id uuid.UUID, name string, timeout time.Duration) (*ledger.Account, bool) {
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	a, err := r.CreateOrLoad(ctx, id, name)
	took := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn().Str("account", id.String()).Str("name", name).Dur("timeout", timeout).
				Msg("account preload timed out, continuing without data")
			if r.metrics != nil {
				r.metrics.PreloadTimeouts.Inc()
			}
			return nil, false
		}
		r.logger.Error().Err(err).Str("account", id.String()).Msg("account preload failed")
		return nil, false
	}

	if took > r.opts.SlowPreload {
		r.logger.Warn().Str("account", id.String()).Dur("took", took).Msg("slow account preload")
		if r.metrics != nil {
			r.metrics.PreloadSlow.Inc()
		}
	}
	return a, true
}

// Register pins a in the online index. It returns false when the id is
// already online; the existing entry is kept.
func (r *Registry) Register(a *ledger.Account) bool {
	a.Track(r.buffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.online[a.ID()]; exists {
		return false
	}
	r.online[a.ID()] = a
	return true
}

// Join creates or loads the account and registers it online.
func (r *Registry) Join(ctx context.Context, id uuid.UUID, name string) (*ledger.Account, error) {
	a, err := r.CreateOrLoad(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if !r.Register(a) {
		if existing, ok := r.Online(id); ok {
			return existing, nil
		}
	}
	return a, nil
}

// Unregister takes id offline: it leaves the online index and the cache
// and its current state is written immediately. It reports whether that
// write succeeded; an account that is not in memory counts as success.
func (r *Registry) Unregister(ctx context.Context, id uuid.UUID) bool {
	r.mu.Lock()
	a, ok := r.online[id]
	delete(r.online, id)
	r.mu.Unlock()

	if !ok {
		a, ok = r.cache.GetIfPresent(id)
	}
	r.cache.Invalidate(id)
	if !ok {
		return true
	}

	if !r.buffer.SaveNow(ctx, a) {
		r.logger.Error().Str("account", id.String()).Msg("failed to save account on leave")
		return false
	}
	return true
}

func (r *Registry) Online(id uuid.UUID) (*ledger.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.online[id]
	return a, ok
}

// OnlineAccounts returns a snapshot of the online index.
func (r *Registry) OnlineAccounts() []*ledger.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ledger.Account, 0, len(r.online))
	for _, a := range r.online {
		out = append(out, a)
	}
	return out
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.online)
}

// Import sets one imported balance, creating the account if needed. The
// value is clamped at zero and the account is queued for writing.
func (r *Registry) Import(ctx context.Context, id uuid.UUID, name string, c *currency.Currency, amount decimal.Decimal) (*ledger.Account, error) {
	a, err := r.CreateOrLoad(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	if _, err := a.Set(c, amount); err != nil {
		return nil, err
	}
	return a, nil
}

// SaveAll queues every online account and flushes the write buffer.
func (r *Registry) SaveAll(ctx context.Context) (saved, failed int) {
	for _, a := range r.OnlineAccounts() {
		r.buffer.MarkDirty(a)
	}
	return r.buffer.Flush(ctx)
}

// CacheStats exposes the account cache counters.
func (r *Registry) CacheStats() cache.Stats {
	return r.cache.Stats()
}

func (r *Registry) loadExisting(ctx context.Context, id uuid.UUID) (*ledger.Account, bool, error) {
	return r.resolve(ctx, id, func(ctx context.Context) (*ledger.Account, error) {
		return r.store.LoadAccount(ctx, id)
	})
}

// resolve finds the authoritative object for id before falling back to fetch.
func (r *Registry) resolve(
	ctx context.Context,
	id uuid.UUID,
	fetch func(context.Context) (*ledger.Account, error),
) (*ledger.Account, bool, error) {
	if a, ok := r.Online(id); ok {
		return a, true, nil
	}
	if a, ok := r.buffer.PendingAccount(id); ok {
		return a, true, nil
	}

	a, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	a.Track(r.buffer)
	return a, true, nil
}

func (r *Registry) registerMetrics(m *observability.Metrics) {
	m.GaugeFunc("coffer_online_accounts", "Accounts in the online index",
		func() float64 { return float64(r.OnlineCount()) })
	m.GaugeFunc("coffer_pending_writes", "Accounts waiting in the write buffer",
		func() float64 { return float64(r.buffer.Len()) })

	labels := prometheus.Labels{"cache": "accounts"}
	m.CounterFunc("coffer_cache_hits_total", "Cache hits", labels,
		func() float64 { return float64(r.cache.Stats().Hits) })
	m.CounterFunc("coffer_cache_misses_total", "Cache misses", labels,
		func() float64 { return float64(r.cache.Stats().Misses) })
	m.CounterFunc("coffer_cache_loads_total", "Cache loads", labels,
		func() float64 { return float64(r.cache.Stats().Loads) })
	m.CounterFunc("coffer_cache_evictions_total", "Cache evictions", labels,
		func() float64 { return float64(r.cache.Stats().Evictions) })
}
