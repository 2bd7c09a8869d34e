// Coinsub - Crypto subscription payments with escrow settlement
package main

import (
	"context"
	"os"

	"github.com/coinsub/coinsub/internal/config"
	"github.com/coinsub/coinsub/internal/logging"
	"github.com/coinsub/coinsub/internal/server"
	"github.com/coinsub/coinsub/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting coinsub",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	currencies := make([]string, 0, len(cfg.Currencies))
	for _, cc := range cfg.Currencies {
		currencies = append(currencies, cc.Code)
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currencies", currencies,
		"fee_pct", cfg.PlatformFeePct,
	)

	ctx := context.Background()

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
