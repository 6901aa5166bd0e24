package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/events"
	"polymarket-mm/internal/models"
	"polymarket-mm/internal/orders"
	"polymarket-mm/internal/persist"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/signal"
	"polymarket-mm/internal/sizing"
	"polymarket-mm/pkg/types"
)

// Run is the cooperative tick loop: one ticker-driven iteration harvests
// background results, applies any fresh market discovery, evaluates every
// active market's entry/hedge/merge state, and launches the next round of
// background I/O if its interval has elapsed. Mirrors engine.py's run_loop.
func (e *Engine) Run(ctx context.Context) {
	period := time.Duration(e.cfg.Strategy.RefreshMillis) * time.Millisecond
	if period < 100*time.Millisecond {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	// Run discovery once synchronously so the first tick has markets to
	// evaluate instead of waiting a full discoveryInterval.
	e.activeMarkets = e.discoverer.DiscoverMarkets(ctx)
	e.rebuildMarketIndexLocked()
	e.lastDiscoveryAt = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

func (e *Engine) rebuildMarketIndexLocked() {
	e.marketsBySlug = make(map[string]models.Market, len(e.activeMarkets))
	for _, m := range e.activeMarkets {
		e.marketsBySlug[m.Slug] = m
	}
}

// tick runs one full cycle: harvest, apply discovery, evaluate markets,
// drive settlements, launch the next round of background I/O.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.harvestBackground(ctx, now)

	for _, m := range e.activeMarkets {
		if !e.marketWindowOpened[m.Slug] {
			windowStart := m.EndTime.Add(-15 * time.Minute)
			e.windowSetter.Open(ctx, windowStart)
			e.marketWindowOpened[m.Slug] = true
			e.bus.Publish(events.Event{
				Type:      events.MarketEntered,
				Timestamp: now,
				MarketID:  m.Slug,
				Data: events.MarketWindowEnteredData{
					MarketType:  m.MarketType,
					UpTokenID:   m.UpTokenID,
					DownTokenID: m.DownTokenID,
					EndTime:     m.EndTime,
				},
			})
		}
	}

	e.books.Prefetch(ctx, e.activeMarkets)

	e.inv.SyncInventory(e.activeMarkets, e.chainUp, e.chainDown, func(tokenID string) (decimal.Decimal, bool) {
		return e.books.MidPrice(ctx, tokenID)
	})

	for _, m := range e.activeMarkets {
		e.evaluateMarket(ctx, m, now)
	}

	e.orderMgr.CheckPendingOrders(ctx, e.handleFill)

	e.checkSettlements(ctx, now)

	e.launchBackgroundIO(ctx, now)

	e.publishBTCPrice(now)
	e.publishTickSnapshot(ctx, now)

	if now.Sub(e.lastSummaryAt) >= summaryInterval {
		e.logSummary(ctx, now)
		e.lastSummaryAt = now
	}
}

// publishBTCPrice emits one BTCPrice event per tick from the current
// reference candle, feeding the dashboard and the btc_prices table.
func (e *Engine) publishBTCPrice(now time.Time) {
	c := e.feed.Candle()
	if c.LastUpdate.IsZero() {
		return
	}
	e.bus.Publish(events.Event{
		Type:      events.BTCPrice,
		Timestamp: now,
		Data: events.BTCPriceData{
			Price:     c.CurrentPrice,
			Open:      c.OpenPrice,
			High:      c.High,
			Low:       c.Low,
			Deviation: c.Deviation(),
			RangePct:  c.RangePct(),
		},
	})
}

// publishTickSnapshot emits one TickSnapshot event per tick carrying every
// active market's current quote state, feeding the dashboard and the
// probability_snapshots table (deduplicated there to 1/sec/market).
func (e *Engine) publishTickSnapshot(ctx context.Context, now time.Time) {
	markets := make([]events.MarketProbSnapshot, 0, len(e.activeMarkets))
	for _, m := range e.activeMarkets {
		upTOB, upOK := e.books.Get(ctx, m.UpTokenID)
		downTOB, downOK := e.books.Get(ctx, m.DownTokenID)
		if !upOK || !downOK {
			continue
		}
		edge := decimal.NewFromInt(1).Sub(upTOB.BestAsk.Add(downTOB.BestAsk))
		markets = append(markets, events.MarketProbSnapshot{
			Slug:        m.Slug,
			UpBid:       upTOB.BestBid,
			UpAsk:       upTOB.BestAsk,
			DownBid:     downTOB.BestBid,
			DownAsk:     downTOB.BestAsk,
			Edge:        edge,
			UpBidSize:   upTOB.BestBidSize,
			UpAskSize:   upTOB.BestAskSize,
			DownBidSize: downTOB.BestBidSize,
			DownAskSize: downTOB.BestAskSize,
		})
	}
	if len(markets) == 0 {
		return
	}
	e.bus.Publish(events.Event{
		Type:      events.TickSnapshot,
		Timestamp: now,
		Data:      events.TickSnapshotData{Markets: markets},
	})
}

// harvestBackground drains every background-task channel non-blockingly,
// applying whatever completed since the last tick. Mirrors the REDESIGN
// FLAGS note that background work is launched and harvested from the
// single scheduler thread, never awaited inline.
func (e *Engine) harvestBackground(ctx context.Context, now time.Time) {
	select {
	case fresh := <-e.discoveryCh:
		e.discoveryInFlight = false
		e.applyDiscovery(ctx, fresh, now)
	default:
	}

	select {
	case snap := <-e.balanceCh:
		e.balanceInFlight = false
		e.chainUp = snap.up
		e.chainDown = snap.down
	default:
	}

drainMerge:
	for {
		select {
		case res := <-e.mergeCh:
			delete(e.mergeInFlight, res.slug)
			e.recordSettlement("MERGE", res.slug, res.merged, res.txHash, res.err)
			if res.err != nil {
				e.logger.Warn("merge failed", "slug", res.slug, "error", res.err)
				continue
			}
			if res.merged.IsPositive() {
				e.inv.ReduceMerged(res.slug, res.merged, now)
				delete(e.completedMarkets, res.slug)
				e.logger.Info("merge settled", "slug", res.slug, "shares", res.merged.String())
			}
		default:
			break drainMerge
		}
	}

drainKill:
	for {
		select {
		case sig := <-e.riskMgr.KillCh():
			if sig.MarketID == "" {
				e.orderMgr.CancelAll(ctx, "RISK_KILL_SWITCH: "+sig.Reason)
				e.logger.Error("global kill switch triggered", "reason", sig.Reason)
				continue
			}
			if m, ok := e.marketsBySlug[sig.MarketID]; ok {
				e.orderMgr.CancelMarketOrders(ctx, &m, "RISK_KILL_SWITCH: "+sig.Reason)
			}
			e.logger.Error("market kill switch triggered", "slug", sig.MarketID, "reason", sig.Reason)
		default:
			break drainKill
		}
	}

drainRedeem:
	for {
		select {
		case res := <-e.redeemCh:
			delete(e.redeemInFlight, res.slug)
			e.recordSettlement("REDEEM", res.slug, decimal.Zero, res.txHash, res.err)
			if res.err != nil {
				pr := e.pendingRedemptions[res.slug]
				if pr != nil {
					pr.Attempts++
					pr.LastAttemptAt = now
					if pr.Attempts >= e.cfg.Chain.RedeemMaxAttempts {
						e.logger.Error("redemption abandoned after max attempts", "slug", res.slug, "attempts", pr.Attempts)
						delete(e.pendingRedemptions, res.slug)
					}
				}
				continue
			}
			delete(e.pendingRedemptions, res.slug)
			e.logger.Info("redemption settled", "slug", res.slug)
		default:
			break drainRedeem
		}
	}
}

// recordSettlement persists a merge/redeem outcome to the settlements audit
// table (every attempt, success or failure), if a store is configured. A
// successful MERGE additionally publishes a MergeComplete bus event, since
// merges (unlike redemptions) have a dashboard event type in this spec;
// REDEEM has no such event type and this table is its only durable record.
func (e *Engine) recordSettlement(kind, slug string, shares decimal.Decimal, txHash string, err error) {
	if e.recorder != nil {
		rec := persist.SettlementRecord{
			Timestamp: time.Now(),
			Slug:      slug,
			Kind:      kind,
			Shares:    shares.String(),
			TxHash:    txHash,
			Success:   err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if werr := e.recorder.RecordSettlement(rec); werr != nil {
			e.logger.Warn("failed to persist settlement", "slug", slug, "kind", kind, "error", werr)
		}
	}

	if kind == "MERGE" && err == nil {
		e.bus.Publish(events.Event{
			Type:      events.MergeComplete,
			Timestamp: time.Now(),
			MarketID:  slug,
			Data: events.TradeData{
				Shares: shares,
				TxHash: txHash,
			},
		})
	}
}

// applyDiscovery replaces the active market set, retires markets that fell
// out of it (queuing any non-empty inventory for redemption and cancelling
// their resting orders), and prunes per-slug engine state that should not
// outlive a retired market.
func (e *Engine) applyDiscovery(ctx context.Context, fresh []models.Market, now time.Time) {
	freshBySlug := make(map[string]models.Market, len(fresh))
	for _, m := range fresh {
		freshBySlug[m.Slug] = m
	}

	for slug, old := range e.marketsBySlug {
		if _, stillActive := freshBySlug[slug]; stillActive {
			continue
		}
		e.orderMgr.CancelMarketOrders(ctx, &old, "MARKET_RETIRED")
		delete(e.completedMarkets, slug)
		delete(e.entryPriceCaps, slug)
		delete(e.marketWindowOpened, slug)
		e.oscillation.ClearMarket(slug)
		e.riskMgr.RemoveMarket(slug)

		removed, had := e.inv.ClearMarket(slug, nil, nil)
		if had && (removed.UpShares.IsPositive() || removed.DownShares.IsPositive()) {
			e.queueRedemption(old, removed, now)
		}

		// TotalPnL is left at zero: inventory.Tracker only tracks a
		// session-wide realized total, not a per-market breakdown, so a
		// retired market's individual contribution isn't available here.
		e.bus.Publish(events.Event{
			Type:      events.MarketExited,
			Timestamp: now,
			MarketID:  slug,
			Data:      events.MarketWindowExitedData{Outcome: "RETIRED", TotalPnL: decimal.Zero},
		})
	}

	e.activeMarkets = fresh
	e.rebuildMarketIndexLocked()
}

func (e *Engine) queueRedemption(m models.Market, inv models.MarketInventory, now time.Time) {
	delaySec := e.cfg.Chain.RedeemDelaySec
	if delaySec <= 0 {
		delaySec = 60
	}
	e.pendingRedemptions[m.Slug] = &models.PendingRedemption{
		Market:     m,
		Inventory:  inv,
		EligibleAt: m.EndTime.Add(time.Duration(delaySec) * time.Second),
	}
	e.logger.Info("queued redemption", "slug", m.Slug, "up", inv.UpShares.String(), "down", inv.DownShares.String())
}

// handleFill is invoked by orders.Manager.CheckPendingOrders (and, in
// dry-run, synchronously from Place) whenever a resting order's matched
// size grows. It folds the fill into inventory and clears any chase-cancel
// price cap the filled leg was blocking re-entry behind, per the testable
// property that a fill clears the cap immediately.
func (e *Engine) handleFill(state *models.OrderState, delta decimal.Decimal) {
	if state.Market == nil || delta.LessThanOrEqual(decimal.Zero) {
		return
	}
	before := e.inv.Get(state.Market.Slug)
	isUp := state.Direction == models.DirectionUp
	if state.Side == string(types.SELL) {
		e.inv.RecordSellFill(state.Market.Slug, isUp, delta, state.Price)
	} else {
		e.inv.RecordFill(state.Market.Slug, isUp, delta, state.Price, time.Now())
		delete(e.entryPriceCaps, state.Market.Slug)
	}
	e.recordPositionChanges(state.Market.Slug, &before, isUp)
	e.recordFill(state, delta)
}

// recordPositionChanges diffs the before/after share and cost-basis fields
// on the filled side of a market's inventory and records one
// position_changes row per field that actually moved — an observer-mode
// audit trail adapted from the observer bot's per-field position diff, kept
// here for the complete-set bot's own inventory. A no-op when no store is
// configured.
func (e *Engine) recordPositionChanges(slug string, before *models.MarketInventory, isUp bool) {
	if e.writer == nil {
		return
	}
	after := e.inv.Get(slug)
	outcome := "DOWN"
	oldShares, newShares, oldCost, newCost := before.DownShares, after.DownShares, before.DownCost, after.DownCost
	if isUp {
		outcome = "UP"
		oldShares, newShares, oldCost, newCost = before.UpShares, after.UpShares, before.UpCost, after.UpCost
	}
	now := time.Now()
	if !oldShares.Equal(newShares) {
		e.writer.RecordPositionChange(persist.PositionChangeRecord{
			Timestamp: now, SessionID: e.sessionID, Slug: slug, Outcome: outcome,
			Field: "shares", OldVal: oldShares.String(), NewVal: newShares.String(),
		})
	}
	if !oldCost.Equal(newCost) {
		e.writer.RecordPositionChange(persist.PositionChangeRecord{
			Timestamp: now, SessionID: e.sessionID, Slug: slug, Outcome: outcome,
			Field: "cost", OldVal: oldCost.String(), NewVal: newCost.String(),
		})
	}
}

// recordFill publishes the fill as an OrderFilled event, picked up by the
// event bus's dashboard broadcast and durable-write fan-out. Publish never
// blocks, so a slow or stalled writer can never affect trading.
func (e *Engine) recordFill(state *models.OrderState, delta decimal.Decimal) {
	dir := "UP"
	if state.Direction == models.DirectionDown {
		dir = "DOWN"
	}
	cumulative := e.fillCumulative[state.OrderID].Add(delta)
	e.fillCumulative[state.OrderID] = cumulative

	e.bus.Publish(events.Event{
		Type:      events.OrderFilled,
		Timestamp: time.Now(),
		MarketID:  state.Market.Slug,
		Data: events.TradeData{
			Direction:        dir,
			Side:             state.Side,
			Price:            state.Price,
			Shares:           delta,
			OrderID:          state.OrderID,
			CumulativeShares: cumulative,
		},
	})
}

// launchBackgroundIO starts the next round of discovery/balance-refresh
// background work if its interval has elapsed and nothing from the prior
// round is still in flight.
func (e *Engine) launchBackgroundIO(ctx context.Context, now time.Time) {
	if !e.discoveryInFlight && now.Sub(e.lastDiscoveryAt) >= discoveryInterval {
		e.discoveryInFlight = true
		e.lastDiscoveryAt = now
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			fresh := e.discoverer.DiscoverMarkets(ctx)
			select {
			case e.discoveryCh <- fresh:
			case <-ctx.Done():
			}
		}()
	}

	if e.settlement != nil && !e.balanceInFlight && now.Sub(e.lastBalanceRefreshAt) >= balanceRefreshInterval {
		e.balanceInFlight = true
		e.lastBalanceRefreshAt = now
		markets := append([]models.Market(nil), e.activeMarkets...)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			up := make(map[string]decimal.Decimal, len(markets))
			down := make(map[string]decimal.Decimal, len(markets))
			for _, m := range markets {
				u, d, err := e.settlement.CTFBalances(ctx, &m)
				if err != nil {
					continue
				}
				up[m.UpTokenID] = u
				down[m.DownTokenID] = d
			}
			select {
			case e.balanceCh <- balanceSnapshot{up: up, down: down}:
			case <-ctx.Done():
			}
		}()
	}
}

// maxLifetimeSec returns the longest this market type can possibly run,
// used as a sanity bound against a corrupt or stale EndTime.
func maxLifetimeSec(m models.Market) int {
	if m.MarketType == "updown-15m" {
		return 900
	}
	return 3600
}

// evaluateMarket is the per-market state machine: completed-market skip,
// pre-resolution buffer, the tradeable-window bound, first-leg entry,
// hedge-leg entry, and hedge-complete cleanup. Grounded verbatim on
// spec.md's evaluate_market prose (§4.8) and its seed scenarios (§8); entries
// are GTC maker orders with chase/freeze/abandon rules, in place of
// original_source's FOK-crossing engine.py.
func (e *Engine) evaluateMarket(ctx context.Context, m models.Market, now time.Time) {
	if e.completedMarkets[m.Slug] {
		return
	}

	secondsToEnd := m.SecondsToEnd(now)
	if secondsToEnd < 0 || secondsToEnd > maxLifetimeSec(m) {
		return
	}

	if secondsToEnd < e.cfg.Strategy.NoNewOrdersSec {
		e.orderMgr.CancelMarketOrders(ctx, &m, "PRE_RESOLUTION_BUFFER")
		return
	}
	if secondsToEnd < e.cfg.Strategy.MinSecondsToEnd || secondsToEnd > e.cfg.Strategy.MaxSecondsToEnd {
		return
	}

	upTOB, upOK := e.books.Get(ctx, m.UpTokenID)
	downTOB, downOK := e.books.Get(ctx, m.DownTokenID)
	if !upOK || !downOK || !upTOB.HasAsk || !downTOB.HasAsk {
		return
	}

	e.oscillation.RecordPrices(m.Slug, upTOB.BestAsk, downTOB.BestAsk, now)

	inv := e.inv.Get(m.Slug)
	e.reportRisk(m.Slug, &inv, upTOB, downTOB, now)
	if e.riskMgr.IsKillSwitchActive() {
		return
	}

	hasUp := inv.UpShares.GreaterThanOrEqual(e.cfg.Strategy.MinMergeShares)
	hasDown := inv.DownShares.GreaterThanOrEqual(e.cfg.Strategy.MinMergeShares)

	switch {
	case !hasUp && !hasDown:
		e.evaluateFirstLeg(ctx, m, upTOB, downTOB, secondsToEnd, now)
	case hasUp != hasDown:
		e.evaluateHedge(ctx, m, &inv, upTOB, downTOB, hasUp, secondsToEnd, now)
	default:
		imbalance := inv.Imbalance().Abs()
		hedged := inv.HedgedShares()
		if hedged.GreaterThanOrEqual(e.cfg.Strategy.MinMergeShares) && imbalance.LessThanOrEqual(e.cfg.Strategy.MinMergeShares) {
			e.completedMarkets[m.Slug] = true
			e.orderMgr.CancelMarketOrders(ctx, &m, "HEDGE_COMPLETE_CLEANUP")
			e.logger.Info("market hedge complete", "slug", m.Slug, "up", inv.UpShares.String(), "down", inv.DownShares.String())
		}
	}
}

// midOf returns the book mid price, falling back to the ask alone when no
// bid is resting.
func midOf(tob models.TopOfBook) decimal.Decimal {
	if !tob.HasBid {
		return tob.BestAsk
	}
	return tob.BestBid.Add(tob.BestAsk).Div(decimal.NewFromInt(2))
}

// reportRisk submits this market's current exposure and mark-to-market PnL
// to the risk manager (non-blocking), so per-market and global exposure caps
// and the daily-loss kill switch stay current every tick. Grounded on
// risk.Manager.Report / engine.py's per-cycle PositionReport emission.
func (e *Engine) reportRisk(slug string, inv *models.MarketInventory, upTOB, downTOB models.TopOfBook, now time.Time) {
	marketOrders := make(map[string]*models.OrderState)
	for tokenID, state := range e.orderMgr.GetOpenOrders() {
		if state.Market != nil && state.Market.Slug == slug {
			marketOrders[tokenID] = state
		}
	}
	breakdown := sizing.CalculateExposureBreakdown(marketOrders, map[string]*models.MarketInventory{slug: inv})

	markValue := inv.UpShares.Mul(midOf(upTOB)).Add(inv.DownShares.Mul(midOf(downTOB)))
	costBasis := inv.UpCost.Add(inv.DownCost)
	unrealizedPnL := markValue.Sub(costBasis)

	mid := midOf(upTOB).Add(midOf(downTOB)).Div(decimal.NewFromInt(2))

	e.riskMgr.Report(risk.PositionReport{
		MarketID:      slug,
		UpQty:         inv.UpShares.InexactFloat64(),
		DownQty:       inv.DownShares.InexactFloat64(),
		MidPrice:      mid.InexactFloat64(),
		ExposureUSD:   breakdown.TotalExposure.InexactFloat64(),
		UnrealizedPnL: unrealizedPnL.InexactFloat64(),
		RealizedPnL:   e.inv.SessionRealizedPnL.InexactFloat64(),
		Timestamp:     now,
	})
}

// makerPrice is min(bestBid+tick, bestAsk-tick) — the GTC price placed one
// tick inside both sides of the book, per spec.md's seed scenarios (e.g.
// "BUY GTC order is placed on UP at price 0.40 = min(bid+0.01, ask-0.01)").
func makerPrice(tob models.TopOfBook) decimal.Decimal {
	price := tob.BestAsk.Sub(tickSize)
	if tob.HasBid {
		fromBid := tob.BestBid.Add(tickSize)
		if fromBid.LessThan(price) {
			price = fromBid
		}
	}
	return price
}

func worstSpread(tob models.TopOfBook) decimal.Decimal {
	if !tob.HasBid {
		return veryWideFallback
	}
	return tob.BestAsk.Sub(tob.BestBid)
}

var veryWideFallback = decimal.NewFromFloat(0.10)

// evaluateFirstLeg picks a direction via the stop-hunt/mean-reversion/
// cheap-ask signal chain, applies the entry-price-cap and chase-cancel
// rules, and places or reprices a single GTC maker order.
func (e *Engine) evaluateFirstLeg(ctx context.Context, m models.Market, upTOB, downTOB models.TopOfBook, secondsToEnd int, now time.Time) {
	cfg := e.cfg.Strategy
	spread := decimal.Max(worstSpread(upTOB), worstSpread(downTOB))
	dynamicEdge := sizing.CalculateDynamicEdge(spread, cfg.MinEdge)
	maxFirstLeg := decimal.NewFromInt(1).Sub(dynamicEdge).Div(decimal.NewFromInt(2))

	dir, reason := e.chooseFirstLegDirection(m.Slug, cfg, upTOB, downTOB, secondsToEnd, maxFirstLeg)
	if dir == signal.Skip {
		e.logger.Debug("first leg skip", "slug", m.Slug, "reason", reason)
		return
	}

	tob := upTOB
	tokenID := m.UpTokenID
	direction := models.DirectionUp
	if dir == signal.BuyDown {
		tob = downTOB
		tokenID = m.DownTokenID
		direction = models.DirectionDown
	}

	price := makerPrice(tob)
	if price.LessThan(cfg.MinEntryPrice) || price.GreaterThan(cfg.MaxEntryPrice) {
		e.logger.Debug("first leg price outside entry bounds", "slug", m.Slug, "price", price.String())
		return
	}

	if cap, ok := e.entryPriceCaps[m.Slug]; ok {
		if price.GreaterThan(cap) {
			return
		}
		delete(e.entryPriceCaps, m.Slug)
	}

	existing, hasExisting := e.orderMgr.GetOrder(tokenID)
	if hasExisting && price.GreaterThan(existing.Price) {
		e.orderMgr.Cancel(ctx, tokenID, "CHASE_CANCEL")
		e.entryPriceCaps[m.Slug] = existing.Price
		e.logger.Info("chase cancel", "slug", m.Slug, "cap", existing.Price.String())
		return
	}

	exposure := sizing.CalculateExposureBreakdown(e.orderMgr.GetOpenOrders(), e.inv.GetAll()).TotalExposure
	shares, ok := sizing.CalculateBalancedShares(upTOB.BestAsk, downTOB.BestAsk, cfg, secondsToEnd, exposure)
	if !ok {
		return
	}

	riskBudget := e.riskMgr.RemainingBudget(m.Slug)
	if riskBudget <= 0 {
		return
	}
	if capShares := decimal.NewFromFloat(riskBudget).Div(price); capShares.LessThan(shares) {
		shares = capShares
	}
	if shares.LessThan(sizing.MinOrderSize()) {
		return
	}

	minReplace := time.Duration(cfg.MinReplaceMillis) * time.Millisecond
	minPriceChange := decimal.NewFromInt(int64(cfg.MinReplaceTicks)).Mul(tickSize)
	decision := e.orderMgr.MaybeReplace(tokenID, price, shares, minReplace, minPriceChange)
	if decision == models.ReplaceSkip {
		return
	}
	if decision == models.ReplaceReplace {
		e.orderMgr.Cancel(ctx, tokenID, "REPRICE")
	}

	expensive := decimal.Max(upTOB.BestAsk, downTOB.BestAsk)
	e.orderMgr.Place(ctx, orders.PlaceParams{
		Market:           &m,
		TokenID:          tokenID,
		Direction:        direction,
		Price:            price,
		Size:             shares,
		SecondsToEnd:     secondsToEnd,
		Reason:           reason,
		ReservedHedge:    shares.Mul(expensive),
		EntryDynamicEdge: dynamicEdge,
		OrderType:        types.OrderTypeGTC,
		Side:             types.BUY,
	}, e.handleFill)
}

// chooseFirstLegDirection runs the stop-hunt -> mean-reversion -> cheaper-
// ask fallback chain. Stop-hunt is gated on MinBTCTicks before it is even
// evaluated, and (when oscillation is enabled) on CheckEntryMomentum not
// reporting a recent bounce against the candidate direction.
func (e *Engine) chooseFirstLegDirection(slug string, cfg config.StrategyConfig, upTOB, downTOB models.TopOfBook, secondsToEnd int, maxFirstLeg decimal.Decimal) (signal.Direction, string) {
	if cfg.StopHunt.Enabled {
		ticks := e.feed.TickCount()
		if decimal.NewFromInt(int64(ticks)).LessThan(cfg.MinBTCTicks) {
			return e.chooseViaMeanReversionOrAsk(cfg, upTOB, downTOB, secondsToEnd, maxFirstLeg,
				fmt.Sprintf("BTC ticks (%d/%s)", ticks, cfg.MinBTCTicks.String()))
		}
		sig := signal.EvaluateStopHunt(e.feed.Candle(), upTOB.BestAsk, downTOB.BestAsk, secondsToEnd, signal.StopHuntParams{
			MaxFirstLeg:              cfg.StopHunt.MaxFirstLeg,
			MaxRangePct:              cfg.StopHunt.MaxRangePct,
			EntryStartSec:            cfg.StopHunt.EntryStartSec,
			EntryEndSec:              cfg.StopHunt.EntryEndSec,
			NoNewOrdersSec:           cfg.NoNewOrdersSec,
			Volume:                   e.feed.Volume(),
			VolumeMinBTC:             cfg.StopHunt.VolumeMinBTC,
			VolumeImbalanceThreshold: cfg.StopHunt.VolumeImbalanceThreshold,
		})
		if sig.Direction != signal.Skip {
			if cfg.Oscillation.Enabled {
				if bounced, checked := e.oscillation.CheckEntryMomentum(slug, sig.Direction, cfg.Oscillation.MinSamples, cfg.Oscillation.BounceThreshold); checked && bounced {
					return e.chooseViaMeanReversionOrAsk(cfg, upTOB, downTOB, secondsToEnd, maxFirstLeg, "stop-hunt bounce vetoed")
				}
			}
			return sig.Direction, sig.Reason
		}
	}
	return e.chooseViaMeanReversionOrAsk(cfg, upTOB, downTOB, secondsToEnd, maxFirstLeg, "stop-hunt skip")
}

func (e *Engine) chooseViaMeanReversionOrAsk(cfg config.StrategyConfig, upTOB, downTOB models.TopOfBook, secondsToEnd int, maxFirstLeg decimal.Decimal, fallbackReason string) (signal.Direction, string) {
	if cfg.MeanReversion.Enabled {
		sig := signal.EvaluateMeanReversion(e.feed.Candle(), secondsToEnd, upTOB.BestAsk, downTOB.BestAsk, signal.MeanReversionParams{
			DeviationThreshold:       cfg.MeanReversion.DeviationThreshold,
			MaxRangePct:              cfg.MeanReversion.MaxRangePct,
			EntryWindowSec:           cfg.MeanReversion.EntryWindowSec,
			NoNewOrdersSec:           cfg.NoNewOrdersSec,
			Volume:                   e.feed.Volume(),
			VolumeMinBTC:             cfg.MeanReversion.VolumeMinBTC,
			VolumeImbalanceThreshold: cfg.MeanReversion.VolumeImbalanceThreshold,
		})
		if sig.Direction != signal.Skip {
			return sig.Direction, sig.Reason
		}
	}

	upCheap := upTOB.BestAsk.LessThanOrEqual(maxFirstLeg)
	downCheap := downTOB.BestAsk.LessThanOrEqual(maxFirstLeg)
	switch {
	case upCheap && downCheap:
		if downTOB.BestAsk.LessThan(upTOB.BestAsk) {
			return signal.BuyDown, fmt.Sprintf("cheaper ask (%s, %s)", fallbackReason, downTOB.BestAsk.String())
		}
		return signal.BuyUp, fmt.Sprintf("cheaper ask (%s, %s)", fallbackReason, upTOB.BestAsk.String())
	case upCheap:
		return signal.BuyUp, fmt.Sprintf("cheap ask (%s, %s)", fallbackReason, upTOB.BestAsk.String())
	case downCheap:
		return signal.BuyDown, fmt.Sprintf("cheap ask (%s, %s)", fallbackReason, downTOB.BestAsk.String())
	}
	return signal.Skip, fmt.Sprintf("no cheap side (%s, U=%s D=%s cap=%s)", fallbackReason, upTOB.BestAsk, downTOB.BestAsk, maxFirstLeg.StringFixed(3))
}

// evaluateHedge prices and places the second leg once the first has filled,
// applying the edge/abandon/exposure/freeze rules from spec.md §4.8.
func (e *Engine) evaluateHedge(ctx context.Context, m models.Market, inv *models.MarketInventory, upTOB, downTOB models.TopOfBook, hasUp bool, secondsToEnd int, now time.Time) {
	cfg := e.cfg.Strategy

	var firstVWAP, otherAsk decimal.Decimal
	var tokenID string
	var direction models.Direction
	var tob models.TopOfBook
	if hasUp {
		firstVWAP, _ = inv.UpVWAP()
		otherAsk = downTOB.BestAsk
		tokenID = m.DownTokenID
		direction = models.DirectionDown
		tob = downTOB
	} else {
		firstVWAP, _ = inv.DownVWAP()
		otherAsk = upTOB.BestAsk
		tokenID = m.UpTokenID
		direction = models.DirectionUp
		tob = upTOB
	}

	combined := firstVWAP.Add(otherAsk)
	edge := decimal.NewFromInt(1).Sub(combined)

	if edge.LessThanOrEqual(cfg.AbandonEdgeThreshold) {
		e.completedMarkets[m.Slug] = true
		e.orderMgr.CancelMarketOrders(ctx, &m, "ABANDON")
		e.logger.Info("hedge abandoned", "slug", m.Slug, "edge", edge.String())
		return
	}

	spread := worstSpread(tob)
	dynamicEdge := sizing.CalculateDynamicEdge(spread, cfg.MinEdge)
	if edge.LessThan(dynamicEdge) {
		return
	}

	remainingShares := inv.Imbalance().Abs()
	if remainingShares.LessThanOrEqual(decimal.Zero) {
		return
	}

	price := makerPrice(tob)
	if price.LessThan(cfg.MinEntryPrice) || price.GreaterThan(cfg.MaxEntryPrice) {
		return
	}

	existing, hasExisting := e.orderMgr.GetOrder(tokenID)
	if hasExisting {
		delta := price.Sub(existing.Price)
		if delta.IsPositive() && delta.GreaterThan(cfg.MaxHedgeChaseCents) {
			return // freeze: keep resting at the original price
		}
	}

	notional := remainingShares.Mul(price)
	breakdown := sizing.CalculateExposureBreakdown(e.orderMgr.GetOpenOrders(), e.inv.GetAll())
	selfReserve := decimal.Zero
	if hasExisting {
		selfReserve = existing.ReservedHedgeNotional
	}
	headroom := sizing.TotalBankrollCap(cfg.BankrollUSD).Sub(breakdown.TotalExposure).Add(selfReserve)
	if notional.GreaterThan(headroom) {
		return
	}
	if riskBudget := decimal.NewFromFloat(e.riskMgr.RemainingBudget(m.Slug)).Add(selfReserve); notional.GreaterThan(riskBudget) {
		return
	}

	minReplace := time.Duration(cfg.MinReplaceMillis) * time.Millisecond
	minPriceChange := decimal.NewFromInt(int64(cfg.MinReplaceTicks)).Mul(tickSize)
	decision := e.orderMgr.MaybeReplace(tokenID, price, remainingShares, minReplace, minPriceChange)
	if decision == models.ReplaceSkip {
		return
	}
	if decision == models.ReplaceReplace {
		e.orderMgr.Cancel(ctx, tokenID, "REPRICE")
	}

	e.orderMgr.Place(ctx, orders.PlaceParams{
		Market:           &m,
		TokenID:          tokenID,
		Direction:        direction,
		Price:            price,
		Size:             remainingShares,
		SecondsToEnd:     secondsToEnd,
		Reason:           fmt.Sprintf("hedge edge=%s", edge.StringFixed(4)),
		ReservedHedge:    decimal.Zero,
		EntryDynamicEdge: dynamicEdge,
		OrderType:        types.OrderTypeGTC,
		Side:             types.BUY,
	}, e.handleFill)
}

// logSummary logs a periodic session-level snapshot, grounded on
// engine.py's _log_summary.
func (e *Engine) logSummary(ctx context.Context, now time.Time) {
	breakdown := sizing.CalculateExposureBreakdown(e.orderMgr.GetOpenOrders(), e.inv.GetAll())
	riskSnap := e.riskMgr.GetRiskSnapshot()
	unrealized := e.aggregateUnrealizedPnL(ctx)
	e.logger.Info("session summary",
		"active_markets", len(e.activeMarkets),
		"completed_markets", len(e.completedMarkets),
		"pending_redemptions", len(e.pendingRedemptions),
		"session_realized_pnl", e.inv.SessionRealizedPnL.String(),
		"total_exposure", breakdown.TotalExposure.String(),
		"risk_exposure_pct", riskSnap.ExposurePct,
		"risk_kill_switch_active", riskSnap.KillSwitchActive,
		"events_dropped", e.bus.DroppedCount(),
	)

	e.bus.Publish(events.Event{
		Type:      events.PnLSnapshot,
		Timestamp: now,
		Data: events.PnLSnapshotData{
			Realized:         e.inv.SessionRealizedPnL,
			Unrealized:       unrealized,
			ExposureUSD:      breakdown.TotalExposure,
			ExposurePct:      decimal.NewFromFloat(riskSnap.ExposurePct),
			ActiveMarkets:    len(e.activeMarkets),
			CompletedMarkets: len(e.completedMarkets),
		},
	})

	if e.recorder == nil {
		return
	}
	if e.cfg.Store.RetentionDays > 0 && now.Sub(e.lastPurgeAt) >= purgeInterval {
		e.lastPurgeAt = now
		cutoff := now.AddDate(0, 0, -e.cfg.Store.RetentionDays)
		if err := e.recorder.PurgeOlderThan(cutoff); err != nil {
			e.logger.Warn("failed to purge old records", "error", err)
		}
	}
}

// aggregateUnrealizedPnL sums mark-to-market PnL across every active
// market's inventory, mirroring the per-market calculation in reportRisk.
func (e *Engine) aggregateUnrealizedPnL(ctx context.Context) decimal.Decimal {
	total := decimal.Zero
	for _, m := range e.activeMarkets {
		inv := e.inv.Get(m.Slug)
		upTOB, upOK := e.books.Get(ctx, m.UpTokenID)
		downTOB, downOK := e.books.Get(ctx, m.DownTokenID)
		if !upOK || !downOK {
			continue
		}
		markValue := inv.UpShares.Mul(midOf(upTOB)).Add(inv.DownShares.Mul(midOf(downTOB)))
		costBasis := inv.UpCost.Add(inv.DownCost)
		total = total.Add(markValue.Sub(costBasis))
	}
	return total
}
