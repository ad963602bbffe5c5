package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Engine names a supported SQL backend.
type Engine string

const (
	// EngineSQLite is the embedded, file-based engine.
	EngineSQLite Engine = "sqlite"
	// EnginePostgres is the networked engine.
	EnginePostgres Engine = "postgres"
)

// ParseEngine maps a configured engine name to an Engine. Unknown names
// fall back to SQLite with ok=false so the caller can warn.
func ParseEngine(s string) (Engine, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3", "":
		return EngineSQLite, true
	case "postgres", "postgresql", "pg":
		return EnginePostgres, true
	default:
		return EngineSQLite, false
	}
}

// sqliteDriver is go-sqlite3 with a Unicode-aware lower-case function
// registered on every connection. SQLite's built-in LOWER only folds ASCII.
const sqliteDriver = "sqlite3_coffer"

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("coffer_lower", strings.ToLower, true)
		},
	})
}

// dialect captures the differences between engines that the query
// builder and store care about.
type dialect struct {
	engine Engine
	driver string
}

func dialectFor(e Engine) (dialect, error) {
	switch e {
	case EngineSQLite:
		return dialect{engine: e, driver: sqliteDriver}, nil
	case EnginePostgres:
		return dialect{engine: e, driver: "postgres"}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported engine %q", e)
	}
}

// placeholder returns the n-th (1-based) bind parameter.
func (d dialect) placeholder(n int) string {
	if d.engine == EnginePostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// lower wraps expr in the engine's case-folding function.
func (d dialect) lower(expr string) string {
	if d.engine == EnginePostgres {
		return "LOWER(" + expr + ")"
	}
	return "coffer_lower(" + expr + ")"
}

func (d dialect) quote(ident string) string {
	if d.engine == EnginePostgres {
		return pq.QuoteIdentifier(ident)
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// encodeID converts an account id into the engine's column encoding.
// SQLite has no UUID type and stores the 16 raw bytes.
func (d dialect) encodeID(id uuid.UUID) any {
	if d.engine == EnginePostgres {
		return id.String()
	}
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// isDuplicateColumn recognises the error a concurrent ADD COLUMN produces.
func (d dialect) isDuplicateColumn(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42701"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrError &&
			strings.Contains(liteErr.Error(), "duplicate column name")
	}
	return false
}
