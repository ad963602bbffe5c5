package main

import (
	"Coffer/internal/config"
	"Coffer/internal/currency"
	"Coffer/internal/events"
	"Coffer/internal/leaderboard"
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"Coffer/internal/registry"
	"Coffer/internal/server"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		bootLogger := observability.NewLogger("coffer")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("coffer", level)
	logger.Info().Msg("Coffer starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg)
	healthChecker := observability.NewHealthChecker()

	// --- Currencies ---
	catalog := currency.NewCatalog()
	loader := currency.NewLoader(cfg.CurrencyPath(), observability.NewLoggerWithLevel("currency", level))
	if err := loader.LoadInto(catalog); err != nil {
		logger.Fatal().Err(err).Msg("load currencies")
	}
	if _, ok := catalog.Primary(); !ok {
		logger.Warn().Msg("no primary currency configured")
	}
	logger.Info().Int("currencies", catalog.Len()).Msg("currency catalog locked")

	// --- Storage ---
	storeCfg, known := cfg.StoreConfig()
	if !known {
		logger.Warn().Str("engine", cfg.Storage.Engine).Msg("unknown storage engine, using sqlite")
	}
	storeLogger := observability.NewLoggerWithLevel("storage", level)
	store, err := persistence.Open(ctx, storeCfg, storeLogger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Str("engine", string(storeCfg.Engine)).Msg("open storage")
	}
	defer store.Close()
	logger.Info().Str("engine", string(storeCfg.Engine)).Msg("storage ready")

	// A currency whose column cannot be created is left out of storage
	// but stays usable in memory.
	for _, c := range catalog.All() {
		if _, err := store.EnsureColumn(ctx, c); err != nil {
			logger.Error().Err(err).Str("currency", c.ID).Msg("skipping currency column")
		}
	}
	healthChecker.AddProbe("storage", store.Ping)

	// --- Ledger ---
	buffer := persistence.NewWriteBuffer(store, storeLogger, metrics)
	reg := registry.New(store, buffer, cfg.RegistryOptions(), observability.NewLoggerWithLevel("registry", level), metrics)
	boards := leaderboard.New(store, cfg.LeaderboardTTL(), observability.NewLoggerWithLevel("leaderboard", level), metrics,
		leaderboard.WithFlusher(buffer))

	errChan := make(chan error, 4)

	// --- Balance events ---
	if cfg.NATSURL != "" {
		natsLogger := observability.NewLoggerWithLevel("events", level)
		nc, js, err := events.ConnectNATS(cfg.NATSURL, natsLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := events.EnsureStream(ctx, js, natsLogger); err != nil {
			logger.Fatal().Err(err).Msg("ensure balance stream")
		}

		publisher := events.NewBalancePublisher(js, events.DefaultQueueSize, natsLogger, metrics)
		buffer.SetListener(publisher)
		go func() {
			errChan <- publisher.Run(ctx)
		}()
		logger.Info().Str("url", cfg.NATSURL).Msg("balance events enabled")
	}

	// --- Workers ---
	flushWorker := persistence.NewFlushWorker(buffer, cfg.SaveInterval(), storeLogger)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		flushWorker.Run(ctx)
	}()

	httpServer := server.New(cfg.HTTPAddr, server.Deps{
		Catalog:      catalog,
		Registry:     reg,
		Leaderboard:  boards,
		Buffer:       buffer,
		Health:       healthChecker,
		Metrics:      metrics,
		Gatherer:     promReg,
		LoginTimeout: cfg.LoginTimeout,
		Logger:       observability.NewLoggerWithLevel("http", level),
	})
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	healthChecker.SetReady(true)
	logger.Info().Str("http", cfg.HTTPAddr).Dur("save_interval", cfg.SaveInterval()).Msg("Coffer ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	cancel()
	<-flushDone

	// Sessions still online are written once more before the store closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	saved, failed := reg.SaveAll(shutdownCtx)
	logger.Info().Int("saved", saved).Int("failed", failed).Msg("Coffer shutdown complete")
}
