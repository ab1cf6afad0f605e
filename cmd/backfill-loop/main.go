// Package main drains the backfill queue bucket by bucket. Each pass is
// a fast-mode pipeline run restricted to one type bucket; the loop stops
// when a bucket is drained or a budget, throttle or kill stop fires.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"eod-universe/internal/checkpoint"
	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/ingestor"
	"eod-universe/internal/orchestrator"
)

// buckets is the drain order: common stock first, funds next, then the
// remaining instrument types.
var buckets = []struct {
	name      string
	allowlist string
}{
	{"stocks", "STOCK"},
	{"etfs", "ETF,FUND"},
	{"rest", "CRYPTO,FOREX,INDEX,BOND,COMMODITY,OTHER"},
}

func main() {
	configPath := flag.String("config", "config/universe.json", "Path to the pipeline config document")
	maxPasses := flag.Int("max-passes", 50, "Upper bound on pipeline passes per bucket")
	pauseSec := flag.Int("pause", 5, "Seconds to wait between passes")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.LUTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("[backfill-loop] received signal %v, stopping after current pass", sig)
		cancel()
	}()

	os.Setenv(config.EnvFastMode, "1")
	for _, bucket := range buckets {
		os.Setenv(config.EnvTypeAllowlist, bucket.allowlist)
		logger.Printf("[backfill-loop] bucket %s (%s)", bucket.name, bucket.allowlist)

		throttleStops := 0
		for pass := 1; pass <= *maxPasses; pass++ {
			if ctx.Err() != nil {
				os.Exit(exitcode.GenericFailure)
			}

			// Config is reloaded every pass so the bucket env override
			// and any operator edits take effect.
			cfg, err := config.Load(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(exitcode.GenericFailure)
			}

			provider, err := buildProvider(cfg, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error building provider: %v\n", err)
				os.Exit(exitcode.GenericFailure)
			}

			err = orchestrator.New(orchestrator.Options{
				Cfg:      cfg,
				Provider: provider,
				Logger:   logger,
			}).Run(ctx)
			if err != nil {
				code := exitcode.CodeOf(err)
				switch code {
				case exitcode.APIThrottle:
					// Throttle stops are transient; cool down and retry
					// until the per-bucket allowance is used up.
					throttleStops++
					if throttleStops >= maxThrottleStops(cfg) {
						logger.Printf("[backfill-loop] throttle stop %d/%d in bucket=%s, giving up: %v", throttleStops, maxThrottleStops(cfg), bucket.name, err)
						os.Exit(code)
					}
					logger.Printf("[backfill-loop] throttle stop %d/%d in bucket=%s pass=%d, cooling down", throttleStops, maxThrottleStops(cfg), bucket.name, pass)
					select {
					case <-ctx.Done():
						os.Exit(exitcode.GenericFailure)
					case <-time.After(throttleCooldown):
					}
					continue
				case exitcode.BudgetStop, exitcode.BudgetKill:
					logger.Printf("[backfill-loop] stop code=%d after bucket=%s pass=%d: %v", code, bucket.name, pass, err)
					os.Exit(code)
				default:
					fmt.Fprintf(os.Stderr, "Pipeline error in bucket %s pass %d: %v\n", bucket.name, pass, err)
					os.Exit(code)
				}
			}

			remaining, err := pendingCount(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading checkpoint: %v\n", err)
				os.Exit(exitcode.GenericFailure)
			}
			logger.Printf("[backfill-loop] bucket=%s pass=%d remaining=%d", bucket.name, pass, remaining)
			if remaining == 0 {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(*pauseSec) * time.Second):
			}
		}
	}
	logger.Printf("[backfill-loop] all buckets drained")
}

// throttleCooldown is the extra wait after a 429 stop before the next
// pass hits the provider again.
const throttleCooldown = 2 * time.Minute

func maxThrottleStops(cfg *config.Config) int {
	if cfg.Backfill.MaxThrottleStops < 1 {
		return 1
	}
	return cfg.Backfill.MaxThrottleStops
}

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

// pendingCount reads the drained-state signal from the checkpoint the
// engine leaves behind.
func pendingCount(cfg *config.Config) (int, error) {
	path := cfg.Resume.CheckpointPath
	if path == "" {
		path = filepath.Join(cfg.Paths.StateDir, "backfill_checkpoint.json")
	}
	store := checkpoint.NewStore(path, false)
	doc, err := store.Load()
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, nil
	}
	return len(doc.SymbolsPending), nil
}
