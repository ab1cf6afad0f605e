// Package main runs one full universe build:
// preflight → discovery → identity → registry → sweep → backfill →
// scoring → guards → staged payload.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eod-universe/internal/backfill"
	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/ingestor"
	"eod-universe/internal/observability"
	"eod-universe/internal/orchestrator"
	"eod-universe/internal/storage"
	"eod-universe/internal/storage/clickhouse"
	"eod-universe/internal/storage/migrations"
	"eod-universe/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config/universe.json", "Path to the pipeline config document")
	metricsAddr := flag.String("metrics-addr", "", "Optional address for the Prometheus /metrics endpoint")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.LUTC)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitcode.GenericFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("[pipeline] received signal %v, cancelling run", sig)
		cancel()
	}()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Printf("[pipeline] metrics server stopped: %v", err)
			}
		}()
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building provider: %v\n", err)
		os.Exit(exitcode.GenericFailure)
	}

	mirror, closeMirror, err := buildMirror(ctx, cfg)
	if err != nil {
		// The filesystem artifacts are the source of truth; a missing
		// mirror downgrades to a warning.
		logger.Printf("[pipeline] registry mirror unavailable: %v", err)
	}
	if closeMirror != nil {
		defer closeMirror()
	}

	archive, closeArchive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Printf("[pipeline] bar archive unavailable: %v", err)
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	orch := orchestrator.New(orchestrator.Options{
		Cfg:      cfg,
		Provider: provider,
		Mirror:   mirror,
		Archive:  archive,
		Logger:   logger,
	})
	if err := orch.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		os.Exit(exitcode.CodeOf(err))
	}
}

// buildProvider wires the ingestor client, or nil for offline runs.
func buildProvider(cfg *config.Config, logger *log.Logger) (orchestrator.Provider, error) {
	if cfg.Offline || !cfg.NetworkAllowed || cfg.Ingestor.APIKey == "" {
		return nil, nil
	}
	client, err := ingestor.New(cfg.Ingestor.BaseURL, cfg.Ingestor.APIKey,
		ingestor.WithMaxRetries(cfg.Ingestor.MaxRetries),
		ingestor.WithBackoff(time.Duration(cfg.Ingestor.BackoffMS)*time.Millisecond),
		ingestor.WithRateLimit(cfg.Ingestor.RequestsPerSec),
		ingestor.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildMirror(ctx context.Context, cfg *config.Config) (storage.RegistryMirror, func(), error) {
	if cfg.Mirror.PostgresDSN == "" {
		return nil, nil, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.Mirror.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.NewRegistryMirror(pool), pool.Close, nil
}

func buildArchive(ctx context.Context, cfg *config.Config) (backfill.BarSink, func(), error) {
	if cfg.Archive.ClickHouseDSN == "" {
		return nil, nil, nil
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Archive.ClickHouseDSN)
	if err != nil {
		return nil, nil, err
	}
	closef := func() { _ = conn.Close() }
	return clickhouse.NewBarArchive(conn, cfg.Archive.BatchSize), closef, nil
}
