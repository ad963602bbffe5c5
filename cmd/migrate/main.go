package main

import (
	"Coffer/internal/config"
	"Coffer/internal/currency"
	"Coffer/internal/migration"
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"Coffer/internal/registry"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|columns|import <dir>>")
	fmt.Println("  up           - apply all pending schema migrations")
	fmt.Println("  down         - roll back the last schema migration")
	fmt.Println("  status       - list applied schema migrations")
	fmt.Println("  columns      - add a balance column for every configured currency")
	fmt.Println("  import <dir> - import <currency>.yml balance files from dir")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  COFFER_CONFIG          - config file path (optional)")
	fmt.Println("  COFFER_STORAGE_ENGINE  - sqlite or postgres (default: sqlite)")
	fmt.Println("  COFFER_POSTGRES_DSN    - Postgres connection string")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		bootLogger := observability.NewLogger("migrate")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))

	storeCfg, known := cfg.StoreConfig()
	if !known {
		logger.Warn().Str("engine", cfg.Storage.Engine).Msg("unknown storage engine, using sqlite")
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "up", "down", "status":
		if err := runSchema(ctx, os.Args[1], storeCfg, logger); err != nil {
			logger.Fatal().Err(err).Msgf("migrate %s", os.Args[1])
		}

	case "columns":
		store, catalog := openLedger(ctx, cfg, storeCfg, logger)
		defer store.Close()
		for _, c := range catalog.All() {
			added, err := store.EnsureColumn(ctx, c)
			if err != nil {
				logger.Error().Err(err).Str("currency", c.ID).Msg("column failed")
				continue
			}
			logger.Info().Str("currency", c.ID).Bool("added", added).Msg("column ready")
		}

	case "import":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		store, catalog := openLedger(ctx, cfg, storeCfg, logger)
		defer store.Close()
		for _, c := range catalog.All() {
			if _, err := store.EnsureColumn(ctx, c); err != nil {
				logger.Error().Err(err).Str("currency", c.ID).Msg("skipping currency column")
			}
		}

		buffer := persistence.NewWriteBuffer(store, logger, nil)
		reg := registry.New(store, buffer, cfg.RegistryOptions(), logger, nil)
		importer := migration.NewBalanceImporter(catalog, os.Args[2], reg, buffer, logger)
		rep, err := importer.Run(ctx)
		fmt.Printf("imported %d balances for %d accounts from %d files (skipped %d, saved %d, failed %d)\n",
			rep.Balances, rep.Accounts, rep.Files, rep.Skipped, rep.Saved, rep.Failed)
		if err != nil {
			store.Close()
			logger.Fatal().Err(err).Str("dir", os.Args[2]).Msg("import")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func runSchema(ctx context.Context, cmd string, storeCfg persistence.Config, logger zerolog.Logger) error {
	db, err := persistence.Connect(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := persistence.NewMigrator(db, storeCfg.Engine, logger)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			return err
		}
		logger.Info().Msg("all migrations applied")
	case "down":
		if err := migrator.Down(ctx); err != nil {
			return err
		}
		logger.Info().Msg("last migration rolled back")
	case "status":
		applied, err := migrator.Applied(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("applied migrations: %s\n", strings.Join(applied, ", "))
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.Config, storeCfg persistence.Config, logger zerolog.Logger) (*persistence.SQLStore, *currency.Catalog) {
	catalog := currency.NewCatalog()
	if err := currency.NewLoader(cfg.CurrencyPath(), logger).LoadInto(catalog); err != nil {
		logger.Fatal().Err(err).Msg("load currencies")
	}

	store, err := persistence.Open(ctx, storeCfg, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	return store, catalog
}
