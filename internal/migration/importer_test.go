package migration_test

import (
	"Coffer/internal/currency"
	"Coffer/internal/migration"
	"Coffer/internal/persistence"
	"Coffer/internal/registry"
	"Coffer/internal/testutil"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceID = "0b6f3c1e-6a43-4c55-8d4a-3c1f7f0f0a01"
	bobID   = "6a1d2b7e-11d4-4f0e-9e52-5e2b8a1c0b02"
	ghostID = "d3c1a0f4-8b7e-4f0a-a1b2-7c9d0e1f2a03"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// ============================================================================
// Test: BalanceImporter
// ============================================================================

func TestBalanceImporter_ImportsAndFlushes(t *testing.T) {
	gold := testutil.Currency(t, "gold", true)
	gems := testutil.Currency(t, "gems", false)
	silver := testutil.Currency(t, "silver", false)

	cat := currency.NewCatalog()
	cat.RegisterAll([]*currency.Currency{gold, gems, silver})
	cat.Lock()

	store := testutil.SetupSQLite(t, gold, gems, silver)
	buf := persistence.NewWriteBuffer(store, zerolog.Nop(), nil)
	reg := registry.New(store, buf, registry.DefaultOptions(), zerolog.Nop(), nil)

	dir := t.TempDir()
	writeFile(t, dir, "gold.yml", `
Points:
  `+aliceID+`: 125.5
  `+bobID+`: -3
  `+ghostID+`: 99
  not-a-uuid: 1
UUIDs:
  `+aliceID+`: Alice
  `+bobID+`: Bob
`)
	writeFile(t, dir, "gems.yml", `
Players:
  `+aliceID+`: 7
UUIDs:
  `+aliceID+`: Alice
`)

	imp := migration.NewBalanceImporter(cat, dir, reg, buf, zerolog.Nop())
	rep, err := imp.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Files)
	assert.Equal(t, 2, rep.Accounts)
	assert.Equal(t, 3, rep.Balances)
	assert.Equal(t, 2, rep.Skipped, "unnamed and malformed ids are skipped")
	assert.Equal(t, 2, rep.Saved)
	assert.Equal(t, 0, buf.Len())

	ctx := context.Background()
	alice, err := store.LoadAccount(ctx, uuid.MustParse(aliceID))
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "Alice", alice.Name())
	assert.True(t, alice.Balance(gold).Equal(decimal.RequireFromString("125.5")))
	assert.True(t, alice.Balance(gems).Equal(decimal.NewFromInt(7)))

	bob, err := store.LoadAccount(ctx, uuid.MustParse(bobID))
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.True(t, bob.Balance(gold).IsZero(), "negative balances import as zero")

	ghost, err := store.LoadAccount(ctx, uuid.MustParse(ghostID))
	require.NoError(t, err)
	assert.Nil(t, ghost)
}

func TestBalanceImporter_NothingToImport(t *testing.T) {
	gold := testutil.Currency(t, "gold", true)
	cat := currency.NewCatalog()
	cat.Register(gold)
	cat.Lock()

	store := testutil.SetupSQLite(t, gold)
	buf := persistence.NewWriteBuffer(store, zerolog.Nop(), nil)
	reg := registry.New(store, buf, registry.DefaultOptions(), zerolog.Nop(), nil)

	imp := migration.NewBalanceImporter(cat, t.TempDir(), reg, buf, zerolog.Nop())
	_, err := imp.Run(context.Background())
	assert.ErrorIs(t, err, migration.ErrNothingToImport)
}

func TestBalanceImporter_SkipsBrokenFile(t *testing.T) {
	gold := testutil.Currency(t, "gold", true)
	cat := currency.NewCatalog()
	cat.Register(gold)
	cat.Lock()

	store := testutil.SetupSQLite(t, gold)
	buf := persistence.NewWriteBuffer(store, zerolog.Nop(), nil)
	reg := registry.New(store, buf, registry.DefaultOptions(), zerolog.Nop(), nil)

	dir := t.TempDir()
	writeFile(t, dir, "gold.yml", "Points: [unclosed")

	imp := migration.NewBalanceImporter(cat, dir, reg, buf, zerolog.Nop())
	rep, err := imp.Run(context.Background())
	assert.ErrorIs(t, err, migration.ErrNothingToImport)
	assert.Equal(t, 0, rep.Files)
}

// failingFlusher reports every pending account as failed.
type failingFlusher struct {
	failed int
}

func (f failingFlusher) Flush(context.Context) (int, int) {
	return 0, f.failed
}

func TestBalanceImporter_FailedFlushIsAnError(t *testing.T) {
	gold := testutil.Currency(t, "gold", true)
	cat := currency.NewCatalog()
	cat.Register(gold)
	cat.Lock()

	store := testutil.SetupSQLite(t, gold)
	buf := persistence.NewWriteBuffer(store, zerolog.Nop(), nil)
	reg := registry.New(store, buf, registry.DefaultOptions(), zerolog.Nop(), nil)

	dir := t.TempDir()
	writeFile(t, dir, "gold.yml", `
Points:
  `+aliceID+`: 10
UUIDs:
  `+aliceID+`: Alice
`)

	imp := migration.NewBalanceImporter(cat, dir, reg, failingFlusher{failed: 1}, zerolog.Nop())
	rep, err := imp.Run(context.Background())
	require.ErrorIs(t, err, migration.ErrImportIncomplete)
	assert.Equal(t, 1, rep.Balances)
	if rep.Failed != 1 {
		t.Errorf("got %d failed, want 1", rep.Failed)
	}
}
