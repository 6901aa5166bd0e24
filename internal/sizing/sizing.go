// Package sizing computes order sizes and capital exposure for the
// complete-set strategy: bankroll-scaled share counts, spread-aware dynamic
// edge, and the four-component exposure breakdown the risk manager and
// engine both consult before placing or holding orders.
package sizing

import (
	"github.com/shopspring/decimal"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/models"
)

var (
	wideSpread = decimal.NewFromFloat(0.06)
	veryWide   = decimal.NewFromFloat(0.10)
	minOrder   = decimal.NewFromInt(5) // Polymarket's minimum order size, in shares

	orderFraction = decimal.NewFromFloat(0.20) // fraction of bankroll per single order
	totalFraction = decimal.NewFromFloat(0.80) // fraction of bankroll allowed total exposure

	halfDollar = decimal.NewFromFloat(0.50)
)

// timeFactor pairs a seconds-to-end threshold with the size multiplier that
// applies when seconds-to-end is below it. Ratios mirror the BTC 15-minute
// schedule (11/20, 13/20, 17/20, 19/20, 20/20): sizes taper down the closer
// the window is to resolution, since less of the window remains to collect
// the second hedge leg.
var timeFactors = []struct {
	thresholdSec int
	factor       decimal.Decimal
}{
	{60, decimal.NewFromFloat(0.55)},
	{180, decimal.NewFromFloat(0.65)},
	{300, decimal.NewFromFloat(0.85)},
	{600, decimal.NewFromFloat(0.95)},
	{999999, decimal.NewFromInt(1)},
}

// TotalBankrollCap returns the maximum total exposure allowed for a
// bankroll, independent of any market's time-factor.
func TotalBankrollCap(bankroll decimal.Decimal) decimal.Decimal {
	return bankroll.Mul(totalFraction)
}

// MinOrderSize returns Polymarket's minimum order size, in shares — callers
// that further cap a sized order (e.g. against a risk budget) after calling
// CalculateBalancedShares must re-check the floor themselves.
func MinOrderSize() decimal.Decimal {
	return minOrder
}

// CalculateBalancedShares sizes an order from the bankroll, scaled down as a
// market nears resolution, and capped by remaining total-exposure headroom.
// Both legs are sized against the MORE EXPENSIVE of the two prices so that
// a symmetric order fits the budget on whichever side actually fills first.
// Returns false if no order clears the MIN_ORDER_SIZE floor.
func CalculateBalancedShares(upPrice, downPrice decimal.Decimal, cfg config.StrategyConfig, secondsToEnd int, currentExposure decimal.Decimal) (decimal.Decimal, bool) {
	if upPrice.LessThanOrEqual(decimal.Zero) || downPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}

	bankroll := cfg.BankrollUSD
	if bankroll.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}

	expensive := upPrice
	if downPrice.GreaterThan(expensive) {
		expensive = downPrice
	}

	base := truncateTo(bankroll.Mul(orderFraction).Div(expensive), 2)

	factor := decimal.NewFromInt(1)
	for _, tf := range timeFactors {
		if secondsToEnd < tf.thresholdSec {
			factor = tf.factor
			break
		}
	}
	shares := truncateTo(base.Mul(factor), 2)

	totalCap := TotalBankrollCap(bankroll)
	remaining := totalCap.Sub(currentExposure)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	capShares := truncateTo(remaining.Div(expensive), 2)
	if capShares.LessThan(shares) {
		shares = capShares
	}

	if shares.LessThan(minOrder) {
		return decimal.Zero, false
	}
	return shares, true
}

// truncateTo truncates d to n decimal places without rounding (matches
// Python's Decimal.quantize(..., rounding=ROUND_DOWN)).
func truncateTo(d decimal.Decimal, n int32) decimal.Decimal {
	if d.IsNegative() {
		return d.Neg().Truncate(n).Neg()
	}
	return d.Truncate(n)
}

// CalculateDynamicEdge widens the minimum required edge as the book spread
// widens, to protect against slippage in thin markets:
//
//	spread <  6%: baseMinEdge
//	spread 6-10%: baseMinEdge × 1.5
//	spread >=10%: baseMinEdge × 2.0
func CalculateDynamicEdge(spread, baseMinEdge decimal.Decimal) decimal.Decimal {
	if spread.GreaterThanOrEqual(veryWide) {
		return baseMinEdge.Mul(decimal.NewFromInt(2))
	}
	if spread.GreaterThanOrEqual(wideSpread) {
		return baseMinEdge.Mul(decimal.NewFromFloat(1.5)).Round(3)
	}
	return baseMinEdge
}

// HasMinimumEdge reports whether 1 - (upPrice + downPrice) >= minEdge — the
// core complete-set profitability gate.
func HasMinimumEdge(upPrice, downPrice, minEdge decimal.Decimal) bool {
	cost := upPrice.Add(downPrice)
	edge := decimal.NewFromInt(1).Sub(cost)
	return edge.GreaterThanOrEqual(minEdge)
}

// ExposureBreakdown decomposes total deployed capital into its four
// components, so the risk manager and dashboard can report each separately.
type ExposureBreakdown struct {
	OrdersNotional   decimal.Decimal // unfilled order notional resting on the book
	ReservedHedge    decimal.Decimal // notional reserved against in-flight hedge fills
	UnhedgedExposure decimal.Decimal // |imbalance| at full $1.00 face value: cost basis plus hedge reserve
	HedgedLocked     decimal.Decimal // cost of hedged-but-unmerged pairs, locked until merge settles
	TotalExposure    decimal.Decimal
}

// CalculateExposureBreakdown sums exposure across all open orders and all
// per-market inventories. Grounded directly on calculate_exposure_breakdown:
// unfilled order notional + reserved hedge notional + unhedged imbalance
// (valued at its full $1.00 face value — the cost basis already paid at the
// larger leg's VWAP, defaulting to $0.50 when no fill price is known yet,
// plus the reserve still needed to buy the opposite leg) + hedged-but-unmerged
// cost.
func CalculateExposureBreakdown(openOrders map[string]*models.OrderState, inventories map[string]*models.MarketInventory) ExposureBreakdown {
	ordersNotional := decimal.Zero
	reservedHedge := decimal.Zero
	for _, state := range openOrders {
		if state == nil {
			continue
		}
		remaining := decimal.Max(decimal.Zero, state.Size.Sub(state.MatchedSize))
		ordersNotional = ordersNotional.Add(state.Price.Mul(remaining))
		if state.ReservedHedgeNotional.IsPositive() {
			reservedHedge = reservedHedge.Add(state.ReservedHedgeNotional)
		}
	}

	unhedgedExposure := decimal.Zero
	hedgedLocked := decimal.Zero
	for _, inv := range inventories {
		if inv == nil {
			continue
		}
		imbalance := inv.Imbalance()
		absImbalance := imbalance.Abs()
		if absImbalance.IsPositive() {
			var vwap decimal.Decimal
			if imbalance.IsPositive() {
				if v, ok := inv.UpVWAP(); ok {
					vwap = v
				} else {
					vwap = halfDollar
				}
			} else {
				if v, ok := inv.DownVWAP(); ok {
					vwap = v
				} else {
					vwap = halfDollar
				}
			}
			// Cost basis already paid (absImbalance*vwap) plus the reserve
			// needed to buy the opposite leg and complete the set
			// (absImbalance*(1-vwap)) sums to absImbalance*1.00: one
			// unhedged share locks a full dollar of exposure until it is
			// hedged or merged.
			reserve := absImbalance.Mul(decimal.NewFromInt(1).Sub(vwap))
			unhedgedExposure = unhedgedExposure.Add(absImbalance.Mul(vwap)).Add(reserve)
		}
		hedged := inv.HedgedShares()
		upVWAP, hasUp := inv.UpVWAP()
		downVWAP, hasDown := inv.DownVWAP()
		if hedged.IsPositive() && hasUp && hasDown {
			hedgedLocked = hedgedLocked.Add(hedged.Mul(upVWAP.Add(downVWAP)))
		}
	}

	total := ordersNotional.Add(reservedHedge).Add(unhedgedExposure).Add(hedgedLocked)
	return ExposureBreakdown{
		OrdersNotional:   ordersNotional,
		ReservedHedge:    reservedHedge,
		UnhedgedExposure: unhedgedExposure,
		HedgedLocked:     hedgedLocked,
		TotalExposure:    total,
	}
}
