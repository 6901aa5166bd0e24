package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketProbSnapshot is one market's quote state at the moment a
// TickSnapshot event was published. Mirrors events.py's tick_snapshot
// per-market entries, which land in the probability_snapshots table.
type MarketProbSnapshot struct {
	Slug                                          string
	UpBid, UpAsk, DownBid, DownAsk, Edge          decimal.Decimal
	UpBidSize, UpAskSize, DownBidSize, DownAskSize decimal.Decimal
}

// TickSnapshotData is the payload of a TickSnapshot event: every active
// market's quote state as of one tick.
type TickSnapshotData struct {
	Markets []MarketProbSnapshot
}

// BTCPriceData is the payload of a BTCPrice event.
type BTCPriceData struct {
	Price, Open, High, Low, Deviation, RangePct decimal.Decimal
}

// TradeData is the payload shared by OrderPlaced, OrderFilled,
// OrderCancelled, HedgeComplete, and MergeComplete events — all land in the
// trades table, discriminated by the event's Type.
type TradeData struct {
	Direction string
	Side      string
	Price     decimal.Decimal
	Shares    decimal.Decimal
	Reason    string

	// OrderID and CumulativeShares (matched_size after this fill) together
	// key idempotent re-insertion of a replayed OrderFilled event.
	OrderID          string
	CumulativeShares decimal.Decimal

	// TxHash keys idempotent re-insertion of a replayed MergeComplete event.
	TxHash string
}

// PnLSnapshotData is the payload of a PnLSnapshot event.
type PnLSnapshotData struct {
	Realized, Unrealized, Total, ExposureUSD, ExposurePct decimal.Decimal
	ActiveMarkets, CompletedMarkets                       int
}

// MarketWindowEnteredData is the payload of a MarketEntered event.
type MarketWindowEnteredData struct {
	MarketType            string
	UpTokenID, DownTokenID string
	EndTime                time.Time
}

// MarketWindowExitedData is the payload of a MarketExited event.
type MarketWindowExitedData struct {
	Outcome  string
	TotalPnL decimal.Decimal
}

// PositionChangeData is the payload of a position-change observation: one
// field on one market's position moved from OldVal to NewVal. Mirrors the
// observer bot's per-field position-change log (field-level diffing of
// inventory snapshots), adapted here to the complete-set bot's own
// inventory so operators get the same audit trail without running the
// separate observer.
type PositionChangeData struct {
	Asset, Outcome, Field string
	OldVal, NewVal        decimal.Decimal
}
