package migration

import (
	"Coffer/internal/currency"
	"Coffer/internal/ledger"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrNothingToImport is returned when no balance file yields any entry.
var ErrNothingToImport = errors.New("nothing to import")

// ErrImportIncomplete is returned when imported balances could not all be
// written to storage.
var ErrImportIncomplete = errors.New("import incomplete")

// Target receives imported balances.
type Target interface {
	Import(ctx context.Context, id uuid.UUID, name string, c *currency.Currency, amount decimal.Decimal) (*ledger.Account, error)
}

// Flusher makes the imported balances durable.
type Flusher interface {
	Flush(ctx context.Context) (saved, failed int)
}

// balanceFile is one <currency>.yml export. Older exports name the balance
// section Players instead of Points.
type balanceFile struct {
	Points  map[string]decimal.Decimal `yaml:"Points"`
	Players map[string]decimal.Decimal `yaml:"Players"`
	UUIDs   map[string]string          `yaml:"UUIDs"`
}

func (f balanceFile) balances() map[string]decimal.Decimal {
	if f.Points != nil {
		return f.Points
	}
	return f.Players
}

// Report summarizes an import run.
type Report struct {
	Files    int `json:"files"`
	Accounts int `json:"accounts"`
	Balances int `json:"balances"`
	Skipped  int `json:"skipped"`
	Saved    int `json:"saved"`
	Failed   int `json:"failed"`
}

// BalanceImporter loads per-currency balance files from a directory. For
// every catalog currency it reads <dir>/<id>.yml if present. Only accounts
// listed in the file's UUIDs section are imported; their display name comes
// from there.
type BalanceImporter struct {
	catalog *currency.Catalog
	dir     string
	target  Target
	flusher Flusher
	logger  zerolog.Logger
}

func NewBalanceImporter(catalog *currency.Catalog, dir string, target Target, flusher Flusher, logger zerolog.Logger) *BalanceImporter {
	return &BalanceImporter{
		catalog: catalog,
		dir:     dir,
		target:  target,
		flusher: flusher,
		logger:  logger,
	}
}

// Run imports every available file and flushes the result.
func (bi *BalanceImporter) Run(ctx context.Context) (Report, error) {
	var rep Report
	accounts := make(map[uuid.UUID]struct{})

	for _, c := range bi.catalog.All() {
		path := filepath.Join(bi.dir, c.ID+".yml")
		file, err := readBalanceFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			bi.logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable balance file")
			continue
		}
		rep.Files++

		names := make(map[uuid.UUID]string, len(file.UUIDs))
		for raw, name := range file.UUIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				bi.logger.Warn().Str("file", path).Str("uuid", raw).Msg("invalid uuid in name section")
				continue
			}
			names[id] = name
		}

		for raw, amount := range file.balances() {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				rep.Skipped++
				continue
			}
			name, ok := names[id]
			if !ok {
				rep.Skipped++
				continue
			}
			if _, err := bi.target.Import(ctx, id, name, c, amount); err != nil {
				bi.logger.Error().Err(err).Str("account", raw).Str("currency", c.ID).Msg("import failed")
				rep.Skipped++
				continue
			}
			accounts[id] = struct{}{}
			rep.Balances++
		}
	}

	rep.Accounts = len(accounts)
	if rep.Balances == 0 {
		return rep, ErrNothingToImport
	}

	if bi.flusher != nil {
		rep.Saved, rep.Failed = bi.flusher.Flush(ctx)
	}
	bi.logger.Info().
		Int("files", rep.Files).
		Int("accounts", rep.Accounts).
		Int("balances", rep.Balances).
		Int("skipped", rep.Skipped).
		Int("saved", rep.Saved).
		Int("failed", rep.Failed).
		Msg("balance import finished")
	if rep.Failed > 0 {
		return rep, fmt.Errorf("%d of %d accounts not saved: %w", rep.Failed, rep.Saved+rep.Failed, ErrImportIncomplete)
	}
	return rep, nil
}

func readBalanceFile(path string) (balanceFile, error) {
	var f balanceFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode %s: %w", path, err)
	}
	return f, nil
}
