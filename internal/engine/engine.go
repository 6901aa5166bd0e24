// Package engine drives the complete-set arbitrage strategy: a single
// cooperative tick loop that discovers Up/Down markets, prices and places
// GTC maker orders on the cheap leg, hedges the opposite leg once the first
// fills, and merges/redeems complete sets on-chain as markets resolve.
//
// Ported from original_source's engine.py (CompleteSetEngine), which runs
// this same state machine as a single asyncio task with a handful of
// long-lived background coroutines (discovery, balance refresh, merge,
// redeem) launched and harvested each cycle. This port keeps that exact
// shape: one goroutine owns all engine-state mutation, background I/O runs
// on its own goroutines and reports back over buffered channels drained
// non-blockingly at the top of every tick (see DESIGN.md's concurrency
// section) — no per-market goroutines, no WebSocket feed for Polymarket
// data, matching the REDESIGN FLAGS call for a single scheduler thread.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/events"
	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/inventory"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/models"
	"polymarket-mm/internal/orders"
	"polymarket-mm/internal/persist"
	"polymarket-mm/internal/refprice"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/settlement"
	"polymarket-mm/internal/signal"
)

// tickSize is Polymarket's minimum price increment for these markets.
var tickSize = decimal.NewFromFloat(0.01)

const (
	discoveryInterval      = 30 * time.Second
	balanceRefreshInterval = 5 * time.Second
	summaryInterval        = 300 * time.Second
	purgeInterval          = 24 * time.Hour
	shutdownCancelTimeout  = 10 * time.Second
)

// mergeOutcome is reported by a background merge task.
type mergeOutcome struct {
	slug   string
	merged decimal.Decimal
	txHash string
	err    error
}

// redeemOutcome is reported by a background redeem task.
type redeemOutcome struct {
	slug   string
	txHash string
	err    error
}

// balanceSnapshot is reported by the background on-chain balance refresh.
type balanceSnapshot struct {
	up, down map[string]decimal.Decimal
}

// Engine owns every piece of the complete-set strategy and runs it from a
// single tick loop goroutine (Run, in tick.go). All fields below the
// concurrency-primitive fields are mutated only from that goroutine;
// everything above is effectively read-only after New, or is itself
// internally synchronized (client, orders.Manager, inventory.Tracker,
// risk.Manager, refprice.Feed).
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	client       *exchange.Client
	auth         *exchange.Auth
	discoverer   *market.Discoverer
	books        *market.BookCache
	orderMgr     *orders.Manager
	inv          *inventory.Tracker
	riskMgr      *risk.Manager
	settlement   *settlement.Coordinator // nil in dry-run or when no chain RPC is configured
	feed         *refprice.Feed
	binance      *refprice.BinanceClient
	oracle       *refprice.OracleReader // nil when no chain RPC is configured
	windowSetter *refprice.WindowSetter
	oscillation  *signal.OscillationTracker
	recorder     *persist.Recorder // nil if cfg.Store.SQLitePath is unset
	writer       *persist.Writer   // nil if recorder is nil
	bus          *events.Bus
	sessionID    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// --- tick-loop-owned state (see package doc) ---

	activeMarkets      []models.Market
	marketsBySlug      map[string]models.Market
	marketWindowOpened map[string]bool
	completedMarkets   map[string]bool
	entryPriceCaps     map[string]decimal.Decimal

	chainUp   map[string]decimal.Decimal
	chainDown map[string]decimal.Decimal

	pendingRedemptions map[string]*models.PendingRedemption

	// fillCumulative tracks each order's total matched shares as recorded by
	// this engine instance (not the same as OrderState.MatchedSize, whose
	// pre/post-fill timing differs between the live and dry-run code paths),
	// purely to build a stable idempotency key for replayed OrderFilled
	// events.
	fillCumulative map[string]decimal.Decimal

	lastDiscoveryAt      time.Time
	lastBalanceRefreshAt time.Time
	lastSummaryAt        time.Time
	lastPurgeAt          time.Time

	discoveryInFlight bool
	discoveryCh       chan []models.Market
	balanceInFlight   bool
	balanceCh         chan balanceSnapshot

	mergeInFlight map[string]bool
	mergeCh       chan mergeOutcome

	redeemInFlight map[string]bool
	redeemCh       chan redeemOutcome

	dryRunMergeCooldown map[string]time.Time
}

// New wires every component dependency and returns an Engine ready for Run.
// The on-chain settlement coordinator and Chainlink oracle are only built
// when cfg.Chain.RPCURL is set and the engine is not running in dry-run —
// both are optional in dry-run, which never submits transactions.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("build auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)
	if !auth.HasL2Credentials() {
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive L2 api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	sessionID := uuid.New().String()

	var recorder *persist.Recorder
	var writer *persist.Writer
	if cfg.Store.SQLitePath != "" {
		recorder, err = persist.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
		if err := recorder.StartSession(sessionID, time.Now(), cfg.DryRun); err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
		writer = persist.NewWriter(recorder, sessionID, cfg.Store.BatchInterval, logger)
	}
	// sink stays a nil events.Sink (not a typed-nil *persist.Writer) when
	// there is no recorder, so Bus's "sink != nil" check works correctly.
	var sink events.Sink
	if writer != nil {
		sink = writer
	}
	eventQueueSize := cfg.Store.EventQueueSize
	if eventQueueSize <= 0 {
		eventQueueSize = 256
	}
	bus := events.NewBus(eventQueueSize, logger, nil, sink)

	var coordinator *settlement.Coordinator
	var oracle *refprice.OracleReader
	if !cfg.DryRun && cfg.Chain.RPCURL != "" {
		coordinator, err = settlement.NewCoordinator(context.Background(), cfg, auth, logger)
		if err != nil {
			return nil, fmt.Errorf("build settlement coordinator: %w", err)
		}
		oracle, err = refprice.NewOracleReader(cfg.Chain.RPCURL)
		if err != nil {
			logger.Warn("chainlink oracle unavailable, window opens will use binance fallback", "error", err)
			oracle = nil
		}
	}

	feed := refprice.NewFeed(
		time.Duration(cfg.Strategy.Volume.ShortWindowSec)*time.Second,
		time.Duration(cfg.Strategy.Volume.MediumWindowSec)*time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		client:       client,
		auth:         auth,
		discoverer:   market.NewDiscoverer(cfg, logger),
		books:        market.NewBookCache(client, logger),
		orderMgr:     orders.NewManager(client, cfg.DryRun, logger),
		inv:          inventory.NewTracker(cfg.DryRun),
		riskMgr:      risk.NewManager(cfg.Risk, logger),
		settlement:   coordinator,
		feed:         feed,
		binance:      refprice.NewBinanceClient(feed, logger),
		oracle:       oracle,
		windowSetter: refprice.NewWindowSetter(feed, oracle, logger),
		oscillation:  signal.NewOscillationTracker(),
		recorder:     recorder,
		writer:       writer,
		bus:          bus,
		sessionID:    sessionID,

		ctx:    ctx,
		cancel: cancel,

		marketsBySlug:      make(map[string]models.Market),
		marketWindowOpened: make(map[string]bool),
		completedMarkets:   make(map[string]bool),
		entryPriceCaps:     make(map[string]decimal.Decimal),
		chainUp:            make(map[string]decimal.Decimal),
		chainDown:          make(map[string]decimal.Decimal),
		pendingRedemptions: make(map[string]*models.PendingRedemption),
		fillCumulative:     make(map[string]decimal.Decimal),

		discoveryCh: make(chan []models.Market, 1),
		balanceCh:   make(chan balanceSnapshot, 1),

		mergeInFlight: make(map[string]bool),
		mergeCh:       make(chan mergeOutcome, 8),

		redeemInFlight: make(map[string]bool),
		redeemCh:       make(chan redeemOutcome, 8),

		dryRunMergeCooldown: make(map[string]time.Time),
	}, nil
}

// Start launches the Binance reference-price feed, the risk manager, the
// event bus, the persistence writer (when one is configured), and the tick
// loop. All of them run under the engine's own context and are waited on by
// Stop.
func (e *Engine) Start() error {
	if !e.cfg.DryRun {
		e.orderMgr.CancelAll(e.ctx, "STARTUP_ORPHAN_CLEANUP")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.binance.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("binance feed stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bus.Run(e.ctx)
	}()

	if e.writer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.writer.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(e.ctx)
	}()

	e.logger.Info("engine started", "dry_run", e.cfg.DryRun, "assets", e.cfg.Strategy.Assets)
	return nil
}

// Stop cancels every background goroutine, cancels all resting orders as a
// safety net, and waits for everything to exit.
func (e *Engine) Stop() {
	e.cancel()

	cancelCtx, cancel := context.WithTimeout(context.Background(), shutdownCancelTimeout)
	defer cancel()
	e.orderMgr.CancelAll(cancelCtx, "SHUTDOWN")

	e.wg.Wait()

	if e.settlement != nil {
		e.settlement.Close()
	}
	if e.oracle != nil {
		e.oracle.Close()
	}
	if e.recorder != nil {
		if err := e.recorder.EndSession(e.sessionID, time.Now()); err != nil {
			e.logger.Warn("failed to end session", "error", err)
		}
		if err := e.recorder.Close(); err != nil {
			e.logger.Warn("failed to close persistence store", "error", err)
		}
	}

	e.logger.Info("engine stopped",
		"session_realized_pnl", e.inv.SessionRealizedPnL.String(),
	)
}
