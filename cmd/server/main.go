// Package main is the entry point for quantd, a real-time quantitative
// trading platform: market data ingestion, incremental indicators,
// strategy signal generation and backtesting behind one HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/backtest"
	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/config"
	"github.com/aristath/quantd/internal/database"
	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/indicators"
	"github.com/aristath/quantd/internal/market"
	"github.com/aristath/quantd/internal/node"
	"github.com/aristath/quantd/internal/server"
	"github.com/aristath/quantd/internal/strategy"
	"github.com/aristath/quantd/internal/tasks"
	"github.com/aristath/quantd/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("starting quantd")

	keys := make([]domain.Key, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		keys = append(keys, domain.Key{
			Symbol:    symbol,
			Timeframe: domain.Timeframe(cfg.Timeframe),
			Market:    domain.MarketKind(cfg.MarketKind),
		})
	}

	// Market data and derived series share one store; task results live
	// in a faster ephemeral one
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileMarket,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open market database")
	}
	defer marketDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer cacheDB.Close()

	barRepo := market.NewBarRepository(marketDB.Conn(), log)
	indRepo := indicators.NewRepository(marketDB.Conn(), log)
	sigRepo := strategy.NewSignalRepository(marketDB.Conn(), log)
	resultRepo := backtest.NewResultRepository(cacheDB.Conn(), log)
	for name, init := range map[string]func() error{
		"bars":       barRepo.Init,
		"indicators": indRepo.Init,
		"signals":    sigRepo.Init,
		"results":    resultRepo.Init,
	} {
		if err := init(); err != nil {
			log.Fatal().Err(err).Str("repo", name).Msg("failed to initialize schema")
		}
	}

	b := bus.New(bus.Options{
		QueueDepth: cfg.BusQueueDepth,
		Retention:  cfg.BusRetention,
	}, log)
	defer b.Close()

	// Bar and indicator topics keep a replay ring so late subscribers
	// can catch up
	for _, key := range keys {
		b.Retain(domain.BarTopic(key), cfg.BusRetention)
		b.Retain(domain.IndicatorTopic(key), cfg.BusRetention)
	}

	exchange := market.NewBinanceClient(cfg.ExchangeBaseURL, cfg.ExchangeWSURL, log)
	ingest := market.NewIngestNode(market.IngestConfig{
		Keys:           keys,
		BackfillWindow: time.Duration(cfg.BackfillDays) * 24 * time.Hour,
	}, exchange, barRepo, b, log)
	if err := ingest.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start ingestion")
	}
	defer ingest.Stop()

	_, indRunner := indicators.NewNode(keys, b, barRepo, indRepo, log)
	if err := indRunner.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start indicator node")
	}
	defer indRunner.Stop()

	registry := strategy.NewDefaultRegistry()
	trackerRunners := startTrackers(registry, keys, b, sigRepo, log)
	defer func() {
		for _, r := range trackerRunners {
			r.Stop()
		}
	}()

	tm := tasks.NewManager(tasks.Options{
		MaxConcurrent: cfg.MaxConcurrentBacktests,
		MaxTasks:      cfg.MaxTasks,
		TTL:           cfg.TaskTTL,
		SweepInterval: cfg.TaskCleanupInterval,
	}, log)
	tm.Start()
	defer tm.Stop()

	runner := backtest.NewRunner(barRepo, indRepo, registry, tm, resultRepo, log)

	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		Bus:        b,
		Bars:       barRepo,
		Indicators: indRepo,
		Signals:    sigRepo,
		Registry:   registry,
		Tasks:      tm,
		Runner:     runner,
		Results:    resultRepo,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	log.Info().Msg("quantd stopped")
}

// startTrackers runs one live signal tracker per registered strategy
// with its default parameters
func startTrackers(reg *strategy.Registry, keys []domain.Key, b *bus.Bus,
	sigRepo *strategy.SignalRepository, log zerolog.Logger) []*node.Runner {
	var runners []*node.Runner
	for _, desc := range reg.List() {
		strat, err := reg.Create(desc.Name, nil)
		if err != nil {
			log.Error().Err(err).Str("strategy", desc.Name).Msg("failed to create strategy")
			continue
		}

		_, runner := strategy.NewTracker(strat, keys, b, sigRepo, log)
		if err := runner.Start(); err != nil {
			log.Error().Err(err).Str("strategy", desc.Name).Msg("failed to start tracker")
			continue
		}
		runners = append(runners, runner)
	}
	return runners
}
