// crossarb — a cross-exchange arbitrage engine for spot crypto markets.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires exchanges → aggregator → detector → risk → executor
//	exchange/coinbase.go  — Coinbase Pro client: level2 WebSocket book, REST orders/balances/fees
//	exchange/kraken.go    — Kraken client: array-framed WebSocket book, REST fallback polling
//	exchange/conn.go      — managed WebSocket connection with backoff, jitter, and breaker
//	marketdata/aggregator — merges per-exchange book streams, keeps latest per (exchange, pair)
//	detector/detector.go  — cross-exchange spread scan: sizes, fees, net-profit threshold
//	risk/manager.go       — capital, exposure, concurrency, daily-loss, and slippage limits
//	executor/executor.go  — paired market legs with reservation, reconcile, and flatten
//	executor/paper.go     — simulated fills against the live aggregated book
//	store/store.go        — SQLite persistence for opportunities, trades, and statistics
//
// How it makes money:
//
//	When the best bid for a pair on one exchange exceeds the best ask on
//	another by more than the round-trip taker fees, the engine buys on the
//	cheap venue and sells on the expensive one at market, simultaneously.
//	The spread minus fees is the profit; both legs close within a few
//	seconds so there is no directional exposure.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crossarb/internal/config"
	"crossarb/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.PaperTrading {
		logger.Warn("PAPER TRADING MODE — no real orders will be placed")
	}

	logger.Info("crossarb started",
		"pairs", len(cfg.TradingPairs),
		"exchanges", len(cfg.Exchanges),
		"min_profit_pct", cfg.MinProfitPct,
		"auto_execute", cfg.AutoExecuteTrades,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := eng.Stop(); err != nil {
		logger.Error("shutdown error", "error", err)
	}
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
