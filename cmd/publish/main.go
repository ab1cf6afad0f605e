// Package main promotes a staged payload from a finished run into the
// live directory with the two-phase rename protocol.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/publish"
)

func main() {
	configPath := flag.String("config", "config/universe.json", "Path to the pipeline config document")
	runID := flag.String("run-id", "", "Run whose staged payload should go live")
	payloadDir := flag.String("payload", "", "Explicit payload directory (overrides -run-id)")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.LUTC)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitcode.GenericFailure)
	}

	source := *payloadDir
	if source == "" {
		if *runID == "" {
			fmt.Fprintln(os.Stderr, "Either -run-id or -payload is required")
			flag.Usage()
			os.Exit(exitcode.GenericFailure)
		}
		source = filepath.Join(cfg.Paths.RunsDir, *runID, "publish_payload")
	}

	publisher := publish.New(cfg.Paths.LiveDir, cfg.Paths.StateDir, logger)
	if err := publisher.Promote(source, *runID); err != nil {
		fmt.Fprintf(os.Stderr, "Publish error: %v\n", err)
		os.Exit(exitcode.CodeOf(err))
	}
	logger.Printf("[publish] payload %s is live at %s", source, cfg.Paths.LiveDir)
}
