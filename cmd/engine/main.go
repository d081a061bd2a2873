// Paper-trading engine for Indian equities and F&O.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feed → bus → candles/marks/cache/stream and the financial core
//	broker/ws.go         — single upstream WebSocket to the broker, frame decoding
//	broker/rest.go       — rate-limited REST client (quotes, instrument master)
//	feed/supervisor.go   — reconnect/backoff/health policy for the upstream socket
//	subs/registry.go     — refcounted symbol subscriptions driving upstream subscribe/unsubscribe
//	tickbus/bus.go       — latest-wins per-symbol tick fanout
//	candles/engine.go    — multi-interval IST-aligned OHLCV aggregation
//	stream/hub.go        — client WebSocket fanout with slow-consumer eviction
//	snapshot/cache.go    — Redis quote cache with singleflight refill
//	journal/journal.go   — checksummed write-ahead journal; recovery gates trading
//	ledger/ledger.go     — double-entry ledger and wallet materialization
//	positions/book.go    — weighted-average position book
//	trading/service.go   — pretrade checks, idempotent placement, the execution loop
//	risk/manager.go      — margin sweep and forced liquidation
//	api/                 — REST surface + metrics
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"papertrade/internal/config"
	"papertrade/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PAPER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.PaperTradingMode {
		logger.Info("paper trading mode — fills are simulated, no broker orders")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
