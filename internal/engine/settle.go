package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/models"
)

// mergeCooldown is the dry-run stand-in for settlement.Coordinator's
// internal per-slug merge cooldown, used only when there is no Coordinator
// (dry-run or no chain RPC configured) to track that state itself.
const mergeCooldown = 30 * time.Second

// checkSettlements launches at most one new merge and drives pending
// redemptions, all as background goroutines reporting back over
// e.mergeCh/e.redeemCh. Harvesting happens at the top of the next tick via
// harvestBackground — checkSettlements itself never blocks on chain I/O.
func (e *Engine) checkSettlements(ctx context.Context, now time.Time) {
	e.launchOneMerge(ctx, now)
	e.launchDueRedemptions(ctx, now)
}

// launchOneMerge finds the first market with a mergeable hedged position not
// already in flight and submits it, live via settlement.Coordinator
// (re-confirming actual on-chain balances first) or immediately in dry-run
// (gated by a simple local cooldown since there is no Coordinator to ask).
func (e *Engine) launchOneMerge(ctx context.Context, now time.Time) {
	for slug, inv := range e.inv.GetAll() {
		if e.mergeInFlight[slug] {
			continue
		}
		hedged := inv.HedgedShares()
		if hedged.LessThan(e.cfg.Strategy.MinMergeShares) {
			continue
		}
		upVWAP, hasUp := inv.UpVWAP()
		downVWAP, hasDown := inv.DownVWAP()
		if hasUp && hasDown {
			profit := hedged.Mul(decimal.NewFromInt(1).Sub(upVWAP.Add(downVWAP)))
			if profit.LessThan(e.cfg.Strategy.MinMergeProfitUSD) {
				continue
			}
		}

		market, ok := e.marketsBySlug[slug]
		if !ok {
			continue
		}

		if e.settlement == nil {
			if until, waiting := e.dryRunMergeCooldown[slug]; waiting && now.Before(until) {
				continue
			}
			e.dryRunMergeCooldown[slug] = now.Add(mergeCooldown)
			e.mergeInFlight[slug] = true
			e.logger.Info("dry-run merge", "slug", slug, "shares", hedged.String())
			e.wg.Add(1)
			go func(slug string, shares decimal.Decimal) {
				defer e.wg.Done()
				select {
				case e.mergeCh <- mergeOutcome{slug: slug, merged: shares}:
				case <-ctx.Done():
				}
			}(slug, hedged)
			return
		}

		if !e.settlement.CanMerge(slug) {
			continue
		}
		e.mergeInFlight[slug] = true
		e.wg.Add(1)
		go func(m models.Market, localHedged decimal.Decimal) {
			defer e.wg.Done()
			chainUp, chainDown, err := e.settlement.CTFBalances(ctx, &m)
			if err != nil {
				select {
				case e.mergeCh <- mergeOutcome{slug: m.Slug, err: err}:
				case <-ctx.Done():
				}
				return
			}
			shares := decimal.Min(localHedged, decimal.Min(chainUp, chainDown))
			if shares.LessThanOrEqual(decimal.Zero) {
				select {
				case e.mergeCh <- mergeOutcome{slug: m.Slug}:
				case <-ctx.Done():
				}
				return
			}
			txHash, err := e.settlement.MergePositions(ctx, &m, shares)
			outcome := mergeOutcome{slug: m.Slug, err: err, txHash: txHash}
			if err == nil {
				outcome.merged = shares
			}
			select {
			case e.mergeCh <- outcome:
			case <-ctx.Done():
			}
		}(market, hedged)
		return
	}
}

// launchDueRedemptions submits a redemption for every pending market whose
// eligibility delay has passed, not already in flight, and not backed off
// from a prior failed attempt. It tries both outcome index sets that still
// carry a residual balance — the CTF contract pays out the winning side and
// no-ops the loser, so there is no need to know the resolution in advance.
func (e *Engine) launchDueRedemptions(ctx context.Context, now time.Time) {
	if e.settlement == nil {
		return
	}
	for slug, pr := range e.pendingRedemptions {
		if e.redeemInFlight[slug] {
			continue
		}
		if now.Before(pr.EligibleAt) {
			continue
		}
		if pr.Attempts > 0 && now.Sub(pr.LastAttemptAt) < redeemBackoff(pr.Attempts) {
			continue
		}
		if !e.settlement.CanRedeem(slug) {
			continue
		}

		e.redeemInFlight[slug] = true
		e.wg.Add(1)
		go func(slug string, market models.Market, up, down decimal.Decimal) {
			defer e.wg.Done()
			var lastErr error
			var lastTxHash string
			if up.IsPositive() {
				if txHash, err := e.settlement.RedeemPositions(ctx, &market, 1, up); err != nil {
					lastErr = err
				} else {
					lastTxHash = txHash
				}
			}
			if down.IsPositive() {
				if txHash, err := e.settlement.RedeemPositions(ctx, &market, 2, down); err != nil {
					lastErr = err
				} else {
					lastTxHash = txHash
				}
			}
			select {
			case e.redeemCh <- redeemOutcome{slug: slug, err: lastErr, txHash: lastTxHash}:
			case <-ctx.Done():
			}
		}(slug, pr.Market, pr.Inventory.UpShares, pr.Inventory.DownShares)
	}
}

// redeemBackoff grows 30s per prior attempt, matching the spec's
// 3-attempt/30s-step redemption retry policy.
func redeemBackoff(attempts int) time.Duration {
	return time.Duration(attempts) * 30 * time.Second
}
