// completeset runs the Polymarket Up/Down complete-set arbitrage bot.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — wires every component dependency, owns lifecycle (New/Start/Stop)
//	engine/tick.go        — the cooperative tick loop and per-market entry/hedge state machine
//	engine/settle.go      — background merge/redeem orchestration
//	market/discovery.go   — polls Gamma API for tradeable Up/Down market windows
//	market/book.go        — REST order-book cache in front of exchange.Client
//	refprice/*            — Binance kline/aggTrade feed + Chainlink window-open oracle
//	signal/*              — stop-hunt / mean-reversion / oscillation entry evaluators
//	sizing/sizing.go       — bankroll-scaled order sizing and exposure accounting
//	orders/manager.go      — resting-order lifecycle (place/replace/cancel/fill detection)
//	inventory/tracker.go   — per-market share/cost bookkeeping and realized PnL
//	settlement/*           — on-chain merge/redeem against the CTF and NegRiskAdapter contracts
//	risk/manager.go        — enforces per-market, global exposure, and daily-loss kill switch
//
// How it makes money:
//
//	Up and Down together always redeem for exactly $1. The bot picks one
//	leg (stop-hunt, mean-reversion or cheapest-ask signal, capped at half
//	of 1 - edge) and bids for it as a resting maker order; the two asks
//	are not required to sum below 1 - min_edge at that point. Once the
//	first leg fills, it buys the other leg only while the first leg's
//	average cost plus the other leg's ask still leaves at least the
//	(spread-widened) min_edge. Once both legs are held in equal size, it
//	merges them back into USDC
//	on-chain, locking in the edge regardless of which side the market
//	ultimately resolves to.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("completeset engine started",
		"assets", cfg.Strategy.Assets,
		"bankroll_usd", cfg.Strategy.BankrollUSD.String(),
		"min_edge", cfg.Strategy.MinEdge.String(),
		"max_markets_active", cfg.Risk.MaxMarketsActive,
		"dry_run", cfg.DryRun,
	)

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
