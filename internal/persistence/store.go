package persistence

import (
	"Coffer/internal/currency"
	"Coffer/internal/ledger"
	"Coffer/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrStorage wraps every failure reported by the SQL engine. The driver's
// error is flattened into the message so no driver type leaves this package.
var ErrStorage = errors.New("storage unavailable")

// MemoryPath selects a private in-memory SQLite database.
const MemoryPath = ":memory:"

// Store is the engine-agnostic durable account store. Not-found results
// are (nil, nil).
type Store interface {
	CreateAccount(ctx context.Context, id uuid.UUID, name string) (*ledger.Account, error)
	LoadAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error)
	LoadAccountByName(ctx context.Context, name string) (*ledger.Account, error)
	SaveAccount(ctx context.Context, id uuid.UUID, name string, balances map[string]decimal.Decimal) bool
	EnsureColumn(ctx context.Context, c *currency.Currency) (bool, error)
	TopBalances(ctx context.Context, c *currency.Currency, offset, limit int) ([]ledger.RankedBalance, error)
	Close() error
}

// Config selects and addresses the storage engine.
type Config struct {
	Engine Engine

	// Path is the SQLite database file, or MemoryPath.
	Path string

	// DSN is a full PostgreSQL connection string. When empty it is built
	// from the fields below.
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns int
}

func (c Config) dataSource() string {
	if c.Engine == EnginePostgres {
		if c.DSN != "" {
			return c.DSN
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
			Path:     "/" + c.Database,
			RawQuery: "sslmode=" + url.QueryEscape(sslMode),
		}
		return u.String()
	}

	if c.Path == "" || c.Path == MemoryPath {
		return MemoryPath
	}
	return "file:" + c.Path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Open connects to the configured engine, applies schema migrations and
// returns a ready store.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) (*SQLStore, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	migrator, err := NewMigrator(db, cfg.Engine, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewSQLStore(db, cfg.Engine, logger, metrics)
}

// Connect opens and pings the configured database without touching the
// schema.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	d, err := dialectFor(cfg.Engine)
	if err != nil {
		return nil, err
	}

	if cfg.Engine == EngineSQLite && cfg.Path != "" && cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open(d.driver, cfg.dataSource())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, cfg.Engine, err)
	}

	if cfg.Engine == EngineSQLite {
		// One writer at a time; an in-memory database also lives on a
		// single connection.
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStorage, cfg.Engine, err)
	}
	return db, nil
}

// SQLStore implements Store over database/sql. Only currency columns that
// EnsureColumn confirmed are read or written.
type SQLStore struct {
	db      *sql.DB
	d       dialect
	q       queryBuilder
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	ready map[string]bool
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, engine Engine, logger zerolog.Logger, metrics *observability.Metrics) (*SQLStore, error) {
	d, err := dialectFor(engine)
	if err != nil {
		return nil, err
	}
	return &SQLStore{
		db:      db,
		d:       d,
		q:       queryBuilder{d: d},
		logger:  logger,
		metrics: metrics,
		ready:   make(map[string]bool),
	}, nil
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Engine() Engine {
	return s.d.engine
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a zero-balance row unless one exists and returns
// the stored account. Calling it twice is harmless.
func (s *SQLStore) CreateAccount(ctx context.Context, id uuid.UUID, name string) (*ledger.Account, error) {
	if _, err := s.db.ExecContext(ctx, s.q.insertAccount(), s.d.encodeID(id), name); err != nil {
		return nil, s.fail("create_account", err)
	}

	acct, err := s.LoadAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, s.fail("create_account", fmt.Errorf("row for %s missing after insert", id))
	}
	return acct, nil
}

func (s *SQLStore) LoadAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	cols := s.ReadyColumns()
	row := s.db.QueryRowContext(ctx, s.q.selectAccount(cols, false), s.d.encodeID(id))

	acct, err := scanAccount(row, cols)
	if err != nil {
		return nil, s.fail("load_account", err)
	}
	if acct != nil && acct.ID() != id {
		return nil, nil
	}
	return acct, nil
}

// LoadAccountByName finds an account by display name, ignoring case.
func (s *SQLStore) LoadAccountByName(ctx context.Context, name string) (*ledger.Account, error) {
	if name == "" {
		return nil, nil
	}

	cols := s.ReadyColumns()
	row := s.db.QueryRowContext(ctx, s.q.selectAccount(cols, true), name)

	acct, err := scanAccount(row, cols)
	if err != nil {
		return nil, s.fail("load_account_by_name", err)
	}
	if acct != nil && !strings.EqualFold(acct.Name(), name) {
		return nil, nil
	}
	return acct, nil
}

// SaveAccount upserts the name and every ready currency in balances.
// Failures are logged and reported as false.
func (s *SQLStore) SaveAccount(ctx context.Context, id uuid.UUID, name string, balances map[string]decimal.Decimal) bool {
	cols := make([]string, 0, len(balances))
	s.mu.RLock()
	for cur := range balances {
		if s.ready[cur] {
			cols = append(cols, cur)
		} else {
			s.logger.Debug().Str("currency", cur).Msg("skipping balance without column")
		}
	}
	s.mu.RUnlock()
	sort.Strings(cols)

	args := make([]any, 0, len(cols)+2)
	args = append(args, s.d.encodeID(id), name)
	for _, c := range cols {
		args = append(args, balances[c])
	}

	if _, err := s.db.ExecContext(ctx, s.q.upsertAccount(cols), args...); err != nil {
		s.fail("save_account", fmt.Errorf("account %s: %w", id, err))
		return false
	}
	return true
}

// EnsureColumn makes sure the accounts table has a column for c. It
// reports true when the column was added by this call.
func (s *SQLStore) EnsureColumn(ctx context.Context, c *currency.Currency) (bool, error) {
	if c == nil || currency.Sanitize(c.ID) != c.ID || c.ID == "" {
		return false, fmt.Errorf("%w: bad column name", currency.ErrInvalidCurrency)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, s.q.columnExists(), c.ID).Scan(&n); err != nil {
		return false, s.fail("ensure_column", err)
	}
	if n > 0 {
		s.markReady(c.ID)
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, s.q.addColumn(c.ID)); err != nil {
		if s.d.isDuplicateColumn(err) {
			s.markReady(c.ID)
			return false, nil
		}
		return false, s.fail("ensure_column", err)
	}

	s.markReady(c.ID)
	if s.metrics != nil {
		s.metrics.ColumnsAdded.Inc()
	}
	s.logger.Info().Str("currency", c.ID).Msg("added currency column")
	return true, nil
}

// TopBalances returns accounts ordered by their balance in c, highest
// first. limit is clamped to [1, MaxTopLimit].
func (s *SQLStore) TopBalances(ctx context.Context, c *currency.Currency, offset, limit int) ([]ledger.RankedBalance, error) {
	if !s.IsReady(c.ID) {
		return nil, nil
	}
	offset, limit = clampPage(offset, limit)

	rows, err := s.db.QueryContext(ctx, s.q.selectTop(c.ID), limit, offset)
	if err != nil {
		return nil, s.fail("top_balances", err)
	}
	defer rows.Close()

	var out []ledger.RankedBalance
	for rows.Next() {
		var rb ledger.RankedBalance
		if err := rows.Scan(&rb.Name, &rb.Balance); err != nil {
			return nil, s.fail("top_balances", err)
		}
		out = append(out, rb)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("top_balances", err)
	}
	return out, nil
}

// ReadyColumns lists the confirmed currency columns, sorted.
func (s *SQLStore) ReadyColumns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cols := make([]string, 0, len(s.ready))
	for c := range s.ready {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (s *SQLStore) IsReady(column string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready[column]
}

func (s *SQLStore) markReady(column string) {
	s.mu.Lock()
	s.ready[column] = true
	s.mu.Unlock()
}

func (s *SQLStore) fail(op string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Msg("storage operation failed")
	if s.metrics != nil {
		s.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func scanAccount(row *sql.Row, cols []string) (*ledger.Account, error) {
	var (
		id   uuid.UUID
		name string
	)
	values := make([]decimal.Decimal, len(cols))
	dest := make([]any, 0, len(cols)+2)
	dest = append(dest, &id, &name)
	for i := range values {
		dest = append(dest, &values[i])
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(cols))
	for i, c := range cols {
		balances[c] = values[i]
	}
	return ledger.NewAccount(id, name, balances), nil
}
