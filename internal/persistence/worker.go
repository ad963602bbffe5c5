package persistence

import (
	"Coffer/internal/ledger"
	"Coffer/internal/observability"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SavedAccount describes one successful durable write.
type SavedAccount struct {
	ID       uuid.UUID                  `json:"account_id"`
	Name     string                     `json:"name"`
	Balances map[string]decimal.Decimal `json:"balances"`
	SavedAt  time.Time                  `json:"saved_at"`
}

// SaveListener is notified after each successful write. It must not block.
type SaveListener interface {
	AccountSaved(s SavedAccount)
}

type pendingWrite struct {
	account  *ledger.Account
	name     string
	balances map[string]decimal.Decimal
}

// WriteBuffer coalesces account mutations into periodic durable writes.
// Each account has at most one pending entry holding the snapshot taken
// by its latest mutation. Flush swaps the map out, so mutations arriving
// during a flush land in the next cycle.
type WriteBuffer struct {
	store    Store
	logger   zerolog.Logger
	metrics  *observability.Metrics
	listener SaveListener

	mu      sync.Mutex
	pending map[uuid.UUID]pendingWrite

	// saveMu orders flush cycles and direct saves so an older snapshot
	// never overwrites a newer one.
	saveMu sync.Mutex
}

func NewWriteBuffer(store Store, logger zerolog.Logger, metrics *observability.Metrics) *WriteBuffer {
	return &WriteBuffer{
		store:   store,
		logger:  logger,
		metrics: metrics,
		pending: make(map[uuid.UUID]pendingWrite),
	}
}

// SetListener attaches the save listener. Call before the buffer is used.
func (b *WriteBuffer) SetListener(l SaveListener) {
	b.listener = l
}

// MarkDirty records a's current state, replacing any earlier pending entry.
// The snapshot is taken under the buffer lock, so the entry left behind by
// the last caller reflects every mutation completed before it.
func (b *WriteBuffer) MarkDirty(a *ledger.Account) {
	b.mu.Lock()
	b.pending[a.ID()] = pendingWrite{
		account:  a,
		name:     a.Name(),
		balances: a.Snapshot(),
	}
	b.mu.Unlock()
}

// Len returns the number of accounts waiting to be written.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns the snapshot waiting for id, if any.
func (b *WriteBuffer) Pending(id uuid.UUID) (map[string]decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return nil, false
	}
	return p.balances, true
}

// PendingAccount returns the account object behind a pending entry. An
// account evicted from memory with unsaved changes is still reachable here.
func (b *WriteBuffer) PendingAccount(id uuid.UUID) (*ledger.Account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return nil, false
	}
	return p.account, true
}

// Remove drops the pending entry for id without writing it.
func (b *WriteBuffer) Remove(id uuid.UUID) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Flush writes every pending snapshot. Failed writes are logged and
// counted but not retried; the account's next mutation queues it again.
// SaveNow is the exception: a failed immediate save is queued for the
// next flush.
func (b *WriteBuffer) Flush(ctx context.Context) (saved, failed int) {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[uuid.UUID]pendingWrite, len(batch))
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0, 0
	}

	start := time.Now()
	for id, p := range batch {
		if b.save(ctx, id, p.name, p.balances) {
			saved++
		} else {
			failed++
		}
	}

	if b.metrics != nil {
		b.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		b.metrics.FlushBatchSize.Observe(float64(len(batch)))
	}
	if failed > 0 {
		b.logger.Warn().Int("saved", saved).Int("failed", failed).Msg("flush finished with failures")
	} else {
		b.logger.Debug().Int("saved", saved).Dur("took", time.Since(start)).Msg("flushed pending writes")
	}
	return saved, failed
}

// SaveNow writes a's current state immediately, superseding any pending
// entry for it. On failure the snapshot goes back into the buffer so the
// next flush writes it, unless a newer entry was queued meanwhile.
func (b *WriteBuffer) SaveNow(ctx context.Context, a *ledger.Account) bool {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	delete(b.pending, a.ID())
	name, balances := a.Name(), a.Snapshot()
	b.mu.Unlock()

	if b.save(ctx, a.ID(), name, balances) {
		return true
	}

	b.mu.Lock()
	if _, ok := b.pending[a.ID()]; !ok {
		b.pending[a.ID()] = pendingWrite{account: a, name: name, balances: balances}
	}
	b.mu.Unlock()
	return false
}

func (b *WriteBuffer) save(ctx context.Context, id uuid.UUID, name string, balances map[string]decimal.Decimal) bool {
	if !b.store.SaveAccount(ctx, id, name, balances) {
		if b.metrics != nil {
			b.metrics.SaveFailures.Inc()
		}
		return false
	}

	if b.metrics != nil {
		b.metrics.AccountsSaved.Inc()
	}
	if b.listener != nil {
		b.listener.AccountSaved(SavedAccount{ID: id, Name: name, Balances: balances, SavedAt: time.Now()})
	}
	return true
}

// FlushWorker drives WriteBuffer.Flush on a fixed interval.
type FlushWorker struct {
	buffer   *WriteBuffer
	interval time.Duration
	logger   zerolog.Logger
}

// NewFlushWorker creates a worker. A non-positive interval means one minute.
func NewFlushWorker(buffer *WriteBuffer, interval time.Duration, logger zerolog.Logger) *FlushWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &FlushWorker{buffer: buffer, interval: interval, logger: logger}
}

// Run flushes on every tick until ctx is cancelled, then flushes once more
// so nothing captured before shutdown is left behind.
func (fw *FlushWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(fw.interval)
	defer ticker.Stop()

	fw.logger.Info().Dur("interval", fw.interval).Msg("flush worker started")

	for {
		select {
		case <-ctx.Done():
			saved, failed := fw.buffer.Flush(context.WithoutCancel(ctx))
			fw.logger.Info().Int("saved", saved).Int("failed", failed).Msg("final flush on shutdown")
			return ctx.Err()

		case <-ticker.C:
			fw.buffer.Flush(ctx)
		}
	}
}
