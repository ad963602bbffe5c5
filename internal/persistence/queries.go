package persistence

import (
	"fmt"
	"strings"
)

const (
	accountsTable = "accounts"
	idColumn      = "account_id"
	nameColumn    = "account_name"

	// MaxTopLimit bounds a single TopBalances page.
	MaxTopLimit = 100
)

// queryBuilder renders every statement the store runs. Currency columns
// are always passed in already validated and are quoted for the engine.
type queryBuilder struct {
	d dialect
}

func (q queryBuilder) selectAccount(columns []string, byName bool) string {
	cols := []string{idColumn, nameColumn}
	for _, c := range columns {
		cols = append(cols, q.d.quote(c))
	}

	where := fmt.Sprintf("%s = %s", idColumn, q.d.placeholder(1))
	if byName {
		where = fmt.Sprintf("%s = %s", q.d.lower(nameColumn), q.d.lower(q.d.placeholder(1)))
	}

	return fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(cols, ", "), accountsTable, where)
}

func (q queryBuilder) insertAccount() string {
	return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT (%s) DO NOTHING",
		accountsTable, idColumn, nameColumn,
		q.d.placeholder(1), q.d.placeholder(2), idColumn)
}

// upsertAccount writes the name and the given currency columns, inserting
// the row if it does not exist yet. Columns not listed keep their value.
func (q queryBuilder) upsertAccount(columns []string) string {
	cols := []string{idColumn, nameColumn}
	sets := []string{fmt.Sprintf("%s = excluded.%s", nameColumn, nameColumn)}
	for _, c := range columns {
		qc := q.d.quote(c)
		cols = append(cols, qc)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", qc, qc))
	}

	params := make([]string, len(cols))
	for i := range cols {
		params[i] = q.d.placeholder(i + 1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		accountsTable, strings.Join(cols, ", "), strings.Join(params, ", "),
		idColumn, strings.Join(sets, ", "))
}

func (q queryBuilder) selectTop(column string) string {
	qc := q.d.quote(column)
	return fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s DESC, %s ASC LIMIT %s OFFSET %s",
		nameColumn, qc, accountsTable, qc, nameColumn,
		q.d.placeholder(1), q.d.placeholder(2))
}

func (q queryBuilder) columnExists() string {
	if q.d.engine == EnginePostgres {
		return fmt.Sprintf(`SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = '%s' AND column_name = $1`, accountsTable)
	}
	return fmt.Sprintf(`SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?`, accountsTable)
}

func (q queryBuilder) addColumn(column string) string {
	ifNotExists := ""
	if q.d.engine == EnginePostgres {
		ifNotExists = "IF NOT EXISTS "
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s%s DECIMAL(12,2) NOT NULL DEFAULT 0",
		accountsTable, ifNotExists, q.d.quote(column))
}

// clampPage normalizes TopBalances paging arguments.
func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	return offset, limit
}
