// Package models defines the domain data model shared by the inventory
// tracker, order manager, sizing/exposure, signal evaluator, settlement
// coordinator, and strategy engine: markets, top-of-book snapshots, per-side
// inventory, resting-order state, and pending on-chain redemptions.
//
// Every monetary or share-denominated field uses shopspring/decimal rather
// than float64 — this is a trading ledger, and binary floating point would
// silently corrupt VWAP and PnL accumulation over thousands of fills.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction identifies which leg of a binary Up/Down market an order or
// signal concerns.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// ReplaceDecision is returned by the order manager's maybe-replace check.
type ReplaceDecision string

const (
	ReplaceSkip    ReplaceDecision = "SKIP"
	ReplacePlace   ReplaceDecision = "PLACE"
	ReplaceReplace ReplaceDecision = "REPLACE"
)

// Market describes one Up/Down CTF market window for a single asset.
type Market struct {
	Slug        string
	UpTokenID   string
	DownTokenID string
	EndTime     time.Time
	MarketType  string // "updown-15m" or "up-or-down"
	ConditionID string // required for on-chain merge/redeem
	NegRisk     bool   // true routes settlement through the NegRiskAdapter
}

// SecondsToEnd returns the signed number of seconds between now and the
// market's resolution time (negative once past resolution).
func (m Market) SecondsToEnd(now time.Time) int {
	return int(m.EndTime.Sub(now).Seconds())
}

// TopOfBook is a best-bid/best-ask snapshot for one token.
type TopOfBook struct {
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	BestBidSize decimal.Decimal
	BestAskSize decimal.Decimal
	HasBid      bool
	HasAsk      bool
	UpdatedAt   time.Time
}

// IsStale reports whether this snapshot is older than maxAge.
func (t TopOfBook) IsStale(now time.Time, maxAge time.Duration) bool {
	if t.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(t.UpdatedAt) > maxAge
}

// MarketInventory tracks the per-side (up/down) position for one market:
// shares held, cost basis, VWAP, and fill bookkeeping. Original source
// models this as a frozen dataclass with functional updates (add_up,
// reduce_up, ...) that return a new instance; this port keeps the same
// operation names but mutates the receiver in place, matching the
// mutex-protected-struct idiom used throughout this codebase instead of
// Python's persistent-data-structure idiom.
type MarketInventory struct {
	UpShares   decimal.Decimal
	DownShares decimal.Decimal
	UpCost     decimal.Decimal
	DownCost   decimal.Decimal

	LastUpFillAt      *time.Time
	LastDownFillAt    *time.Time
	LastUpFillPrice   *decimal.Decimal
	LastDownFillPrice *decimal.Decimal
	LastTopUpAt       *time.Time
	LastMergeAt       *time.Time

	FilledUpShares   decimal.Decimal
	FilledDownShares decimal.Decimal

	// BootstrappedUp/Down marks a side whose cost basis was reconstructed
	// from an on-chain balance with no known fill price (see sync_inventory),
	// rather than accumulated fill-by-fill.
	BootstrappedUp   bool
	BootstrappedDown bool

	// PriorMergePnL accumulates realized PnL booked by reduce_merged across
	// partial merges of this market, kept separate from the tracker-level
	// session total so a single market's contribution can be inspected.
	PriorMergePnL decimal.Decimal
}

// NewMarketInventory returns a zeroed inventory.
func NewMarketInventory() *MarketInventory {
	return &MarketInventory{
		UpShares:         decimal.Zero,
		DownShares:       decimal.Zero,
		UpCost:           decimal.Zero,
		DownCost:         decimal.Zero,
		FilledUpShares:   decimal.Zero,
		FilledDownShares: decimal.Zero,
		PriorMergePnL:    decimal.Zero,
	}
}

// Imbalance is the signed share difference between the two legs.
func (m *MarketInventory) Imbalance() decimal.Decimal {
	return m.UpShares.Sub(m.DownShares)
}

// UpVWAP returns the volume-weighted average up-leg fill price, or false if
// no up shares are held.
func (m *MarketInventory) UpVWAP() (decimal.Decimal, bool) {
	if m.UpShares.IsPositive() {
		return m.UpCost.Div(m.UpShares), true
	}
	return decimal.Zero, false
}

// DownVWAP returns the volume-weighted average down-leg fill price, or false
// if no down shares are held.
func (m *MarketInventory) DownVWAP() (decimal.Decimal, bool) {
	if m.DownShares.IsPositive() {
		return m.DownCost.Div(m.DownShares), true
	}
	return decimal.Zero, false
}

// HedgedShares is the min of the two legs — the portion eligible to merge.
func (m *MarketInventory) HedgedShares() decimal.Decimal {
	if m.UpShares.LessThan(m.DownShares) {
		return m.UpShares
	}
	return m.DownShares
}

// AddUp records an up-leg fill.
func (m *MarketInventory) AddUp(shares decimal.Decimal, fillAt time.Time, fillPrice decimal.Decimal) {
	m.UpShares = m.UpShares.Add(shares)
	m.UpCost = m.UpCost.Add(shares.Mul(fillPrice))
	m.LastUpFillAt = &fillAt
	m.LastUpFillPrice = &fillPrice
	m.FilledUpShares = m.FilledUpShares.Add(shares)
}

// AddDown records a down-leg fill.
func (m *MarketInventory) AddDown(shares decimal.Decimal, fillAt time.Time, fillPrice decimal.Decimal) {
	m.DownShares = m.DownShares.Add(shares)
	m.DownCost = m.DownCost.Add(shares.Mul(fillPrice))
	m.LastDownFillAt = &fillAt
	m.LastDownFillPrice = &fillPrice
	m.FilledDownShares = m.FilledDownShares.Add(shares)
}

// ReduceUp reduces the up leg by shares (a sell or a merge consuming this
// side), scaling cost proportionally so per-share VWAP is preserved and the
// cost basis hits exactly zero when the position is fully closed.
func (m *MarketInventory) ReduceUp(shares decimal.Decimal) {
	newUp := decimal.Max(decimal.Zero, m.UpShares.Sub(shares))
	ratio := decimal.Zero
	if m.UpShares.IsPositive() {
		ratio = newUp.Div(m.UpShares)
	}
	m.UpCost = m.UpCost.Mul(ratio)
	m.UpShares = newUp
	m.FilledUpShares = decimal.Max(decimal.Zero, m.FilledUpShares.Sub(shares))
}

// ReduceDown is ReduceUp's mirror for the down leg.
func (m *MarketInventory) ReduceDown(shares decimal.Decimal) {
	newDown := decimal.Max(decimal.Zero, m.DownShares.Sub(shares))
	ratio := decimal.Zero
	if m.DownShares.IsPositive() {
		ratio = newDown.Div(m.DownShares)
	}
	m.DownCost = m.DownCost.Mul(ratio)
	m.DownShares = newDown
	m.FilledDownShares = decimal.Max(decimal.Zero, m.FilledDownShares.Sub(shares))
}

// MarkTopUp records the time of the most recent top-up attempt.
func (m *MarketInventory) MarkTopUp(at time.Time) {
	m.LastTopUpAt = &at
}

// MarkMerge records the time of the most recent on-chain merge.
func (m *MarketInventory) MarkMerge(at time.Time) {
	m.LastMergeAt = &at
}

// OrderState is the engine's view of a single resting (or just-placed) order.
type OrderState struct {
	OrderID             string
	Market              *Market
	TokenID             string
	Direction           Direction
	Price               decimal.Decimal
	Size                decimal.Decimal
	PlacedAt            time.Time
	Side                string // "BUY" or "SELL"
	MatchedSize         decimal.Decimal
	LastStatusCheckAt   *time.Time
	SecondsToEndAtEntry *int

	// ReservedHedgeNotional is the USD notional this order, if it fully
	// fills, would need on the opposite leg to hedge — reserved against the
	// exposure cap before the fill actually happens (original source's
	// calculate_exposure / calculate_exposure_breakdown "reserved_hedge"
	// component).
	ReservedHedgeNotional decimal.Decimal

	// EntryDynamicEdge is the dynamic edge threshold in force when this
	// order was placed, recorded so later re-evaluation (e.g. abandon
	// checks) can compare against the edge the entry actually cleared.
	EntryDynamicEdge decimal.Decimal

	// ConsumedCrossing marks an order that filled by crossing the spread
	// (taker) rather than resting — affects whether it counts toward
	// maker-rebate-sensitive accounting.
	ConsumedCrossing bool
}

// IsTerminal reports whether this order has reached a state where it can be
// dropped from tracking: fully matched, or its size was explicitly zeroed
// out by a terminal status transition recorded elsewhere.
func (o *OrderState) IsTerminal() bool {
	return o.MatchedSize.GreaterThanOrEqual(o.Size)
}

// PendingRedemption tracks a market awaiting the on-chain redeem call after
// resolution (eligible only once the oracle has had time to settle).
type PendingRedemption struct {
	Market        Market
	Inventory     MarketInventory
	EligibleAt    time.Time
	Attempts      int
	LastAttemptAt time.Time
}

// BankrollBudget is the capital-allocation state consulted by sizing and
// exposure checks: total bankroll, fractional caps, and the running total
// currently deployed across all open markets.
type BankrollBudget struct {
	BankrollUSD              decimal.Decimal
	MaxOrderBankrollFraction decimal.Decimal
	MaxTotalBankrollFraction decimal.Decimal
	MaxSharesPerMarket       decimal.Decimal
	CurrentDeployedUSD       decimal.Decimal
}

// RemainingCapacityUSD is the USD headroom left before the total-bankroll
// fraction cap is hit.
func (b BankrollBudget) RemainingCapacityUSD() decimal.Decimal {
	cap := b.BankrollUSD.Mul(b.MaxTotalBankrollFraction)
	remaining := cap.Sub(b.CurrentDeployedUSD)
	return decimal.Max(decimal.Zero, remaining)
}
