// Package inventory wraps per-market MarketInventory state in a
// mutex-protected tracker: fill/sell recording, merge reduction, market
// clearing with realized-PnL booking, and on-chain balance sync.
//
// Ported from original_source's inventory.py (InventoryTracker), itself a
// thin dict-of-MarketInventory wrapper; this port keeps the same operation
// names and realized-PnL formulas but trades Python's functional-update
// dataclasses for direct mutation under a lock, matching the teacher's
// mutex-protected-struct idiom (internal/strategy/inventory.go).
package inventory

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/models"
)

var (
	zero        = decimal.Zero
	one         = decimal.NewFromInt(1)
	defaultMid  = decimal.NewFromFloat(0.50)
)

// ChainPosition is one token's on-chain CTF balance, already converted from
// 6-decimal base units into whole shares.
type ChainPosition struct {
	TokenID string
	Balance decimal.Decimal
}

// Tracker maps market slug to MarketInventory, plus session-level realized
// PnL and deployed-capital accumulators.
type Tracker struct {
	mu sync.Mutex

	dryRun bool

	byMarket map[string]*models.MarketInventory

	SessionRealizedPnL    decimal.Decimal
	SessionTotalDeployed  decimal.Decimal
}

// NewTracker creates an empty tracker. In dry-run mode, SyncInventory never
// overwrites share counts since there's no on-chain data to merge against —
// inventory comes entirely from RecordFill.
func NewTracker(dryRun bool) *Tracker {
	return &Tracker{
		dryRun:   dryRun,
		byMarket: make(map[string]*models.MarketInventory),
	}
}

// getOrCreateLocked returns the inventory for slug, creating an empty one if
// absent. Caller must hold t.mu.
func (t *Tracker) getOrCreateLocked(slug string) *models.MarketInventory {
	inv, ok := t.byMarket[slug]
	if !ok {
		inv = models.NewMarketInventory()
		t.byMarket[slug] = inv
	}
	return inv
}

// RecordFill records a buy fill on one leg of a market: increments shares and
// cost on that side, increments the filled counter, clears the matching
// bootstrap flag, and folds the notional into session deployed capital.
func (t *Tracker) RecordFill(slug string, isUp bool, shares, price decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.SessionTotalDeployed = t.SessionTotalDeployed.Add(shares.Mul(price))
	inv := t.getOrCreateLocked(slug)
	if isUp {
		inv.AddUp(shares, at, price)
		inv.BootstrappedUp = false
	} else {
		inv.AddDown(shares, at, price)
		inv.BootstrappedDown = false
	}
}

// RecordSellFill records a sell fill on one leg: decrements shares and cost
// proportionally (preserving VWAP on the remainder) and books realized PnL
// = shares*(price - vwap). The engine calls it for fills of SELL orders; the
// engine itself places only BUY orders.
func (t *Tracker) RecordSellFill(slug string, isUp bool, shares, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.byMarket[slug]
	if !ok {
		return
	}

	var vwap decimal.Decimal
	var hasVWAP bool
	if isUp {
		vwap, hasVWAP = inv.UpVWAP()
	} else {
		vwap, hasVWAP = inv.DownVWAP()
	}
	if hasVWAP {
		pnl := shares.Mul(price.Sub(vwap))
		t.SessionRealizedPnL = t.SessionRealizedPnL.Add(pnl)
	}

	if isUp {
		inv.ReduceUp(shares)
	} else {
		inv.ReduceDown(shares)
	}
}

// MarkTopUp records the time of the most recent top-up attempt for slug.
func (t *Tracker) MarkTopUp(slug string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreateLocked(slug).MarkTopUp(at)
}

// Get returns a copy of the inventory for slug, or an empty inventory if
// untracked.
func (t *Tracker) Get(slug string) models.MarketInventory {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inv, ok := t.byMarket[slug]; ok {
		return *inv
	}
	return *models.NewMarketInventory()
}

// ReduceMerged subtracts mergedShares from both legs after a successful
// on-chain merge, reduces cost proportionally, and books realized PnL
// = mergedShares*(1 - up_vwap - down_vwap), accumulating it into both the
// market's PriorMergePnL and the session total. Canonical-zeroes both sides
// when mergedShares equals the hedged amount exactly (models.ReduceUp/Down
// already guarantee the exact-zero invariant).
func (t *Tracker) ReduceMerged(slug string, mergedShares decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.byMarket[slug]
	if !ok || mergedShares.LessThanOrEqual(zero) {
		return
	}

	upVWAP, hasUp := inv.UpVWAP()
	downVWAP, hasDown := inv.DownVWAP()
	if hasUp && hasDown {
		mergedCost := mergedShares.Mul(upVWAP.Add(downVWAP))
		mergedPnL := mergedShares.Mul(one).Sub(mergedCost)
		t.SessionRealizedPnL = t.SessionRealizedPnL.Add(mergedPnL)
		inv.PriorMergePnL = inv.PriorMergePnL.Add(mergedPnL)
		t.SessionTotalDeployed = decimal.Max(zero, t.SessionTotalDeployed.Sub(mergedCost))
	}

	inv.ReduceUp(mergedShares)
	inv.ReduceDown(mergedShares)
	inv.MarkMerge(at)
}

// ClearMarket removes a resolved/expired market from tracking and books its
// final realized PnL: the hedged portion settles at
// hedged*(1 - (up_vwap+down_vwap)); the unhedged residual (whichever leg has
// more shares) is booked as a full loss equal to its cost basis, since that
// leg redeems for nothing once its market is gone. finalUpBid/finalDownBid
// are used only for a logged estimate and never change booked PnL.
func (t *Tracker) ClearMarket(slug string, finalUpBid, finalDownBid *decimal.Decimal) (removed models.MarketInventory, hadPosition bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.byMarket[slug]
	if !ok {
		return models.MarketInventory{}, false
	}
	delete(t.byMarket, slug)

	hedged := inv.HedgedShares()
	upVWAP, hasUp := inv.UpVWAP()
	downVWAP, hasDown := inv.DownVWAP()

	if hedged.IsPositive() && hasUp && hasDown {
		hedgedCost := hedged.Mul(upVWAP.Add(downVWAP))
		hedgedPnL := hedged.Mul(one).Sub(hedgedCost)
		t.SessionRealizedPnL = t.SessionRealizedPnL.Add(hedgedPnL)
	}

	imbalance := inv.UpShares.Sub(inv.DownShares)
	if imbalance.GreaterThan(zero) {
		unhedgedShares := imbalance
		unhedgedCost := zero
		if hasUp {
			unhedgedCost = unhedgedShares.Mul(upVWAP)
		}
		t.SessionRealizedPnL = t.SessionRealizedPnL.Sub(unhedgedCost)
	} else if imbalance.IsNegative() {
		unhedgedShares := imbalance.Neg()
		unhedgedCost := zero
		if hasDown {
			unhedgedCost = unhedgedShares.Mul(downVWAP)
		}
		t.SessionRealizedPnL = t.SessionRealizedPnL.Sub(unhedgedCost)
	}

	return *inv, true
}

// SyncInventory reconciles on-chain balances (non-dry-run only) into the
// tracked per-market inventory. When a chain balance has no cost history
// (newly discovered position, zero prior shares and cost), its cost is
// bootstrapped from getMidPrice(tokenID), falling back to $0.50 if no mid
// price is available — matching sync_inventory's DEFAULT_PRICE fallback.
// Shares are merged with max() rather than overwritten, so record_fill's
// local view is never clobbered by a balance snapshot that hasn't settled.
func (t *Tracker) SyncInventory(markets []models.Market, chainUp, chainDown map[string]decimal.Decimal, getMidPrice func(tokenID string) (decimal.Decimal, bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dryRun {
		for _, m := range markets {
			if m.UpTokenID == "" || m.DownTokenID == "" {
				continue
			}
			t.getOrCreateLocked(m.Slug)
		}
		return
	}

	for _, m := range markets {
		if m.UpTokenID == "" || m.DownTokenID == "" {
			continue
		}
		inv := t.getOrCreateLocked(m.Slug)

		chainUpShares := chainUp[m.UpTokenID]
		chainDownShares := chainDown[m.DownTokenID]

		if chainUpShares.IsPositive() && inv.UpCost.IsZero() && inv.UpShares.IsZero() {
			mid, ok := defaultMid, false
			if getMidPrice != nil {
				if m2, found := getMidPrice(m.UpTokenID); found {
					mid, ok = m2, true
				}
			}
			if !ok {
				mid = defaultMid
			}
			inv.UpCost = chainUpShares.Mul(mid)
			inv.BootstrappedUp = true
		}
		if chainDownShares.IsPositive() && inv.DownCost.IsZero() && inv.DownShares.IsZero() {
			mid, ok := defaultMid, false
			if getMidPrice != nil {
				if m2, found := getMidPrice(m.DownTokenID); found {
					mid, ok = m2, true
				}
			}
			if !ok {
				mid = defaultMid
			}
			inv.DownCost = chainDownShares.Mul(mid)
			inv.BootstrappedDown = true
		}

		inv.UpShares = decimal.Max(chainUpShares, inv.UpShares)
		inv.DownShares = decimal.Max(chainDownShares, inv.DownShares)
	}
}

// GetAll returns a shallow copy of every tracked market's inventory, for
// exposure calculation.
func (t *Tracker) GetAll() map[string]*models.MarketInventory {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*models.MarketInventory, len(t.byMarket))
	for slug, inv := range t.byMarket {
		cp := *inv
		out[slug] = &cp
	}
	return out
}
