// Command server runs the bazaar settlement API and its background sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("bazaar %s (%s, api %s)\n", version, commit, server.Version)
		return
	}

	if err := run(); err != nil {
		slog.Error("bazaar exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting bazaar",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"hold_days", cfg.HoldDurationDays,
		"commission_bps", cfg.CommissionBPS,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(context.Background())
}
