// Package signal evaluates entry opportunities for the complete-set
// strategy: BTC mean-reversion and stop-hunt entries against the reference
// candle, volume-imbalance direction prediction, and an oscillation gate
// that screens out trending markets where one leg never gets cheap again.
//
// The stop-hunt, mean-reversion and volume evaluators are pure functions
// over their inputs (candle/volume snapshots, book asks, timing) and return
// a signal carrying a human-readable reason, matching original_source's
// "pure functions, no state, no side effects" mean reversion module. The
// oscillation gate is the one stateful part: OscillationTracker keeps a
// per-market history of ask prices.
package signal

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/refprice"
)

// Direction is the entry direction a signal recommends.
type Direction string

const (
	BuyUp   Direction = "BUY_UP"
	BuyDown Direction = "BUY_DOWN"
	Skip    Direction = "SKIP"
)

// PredictDirectionFromVolume turns Binance aggTrade taker-flow imbalance
// into a directional bet: sell aggression (negative imbalance) implies BTC
// is dropping, so the UP token is the one going cheap; buy aggression
// implies the opposite. Returns Skip if the volume snapshot is stale, too
// thin, or inconclusive.
func PredictDirectionFromVolume(vol *refprice.VolumeState, minVolumeBTC, imbalanceThreshold decimal.Decimal) Direction {
	if vol == nil || vol.IsStale {
		return Skip
	}
	if vol.ShortVolumeBTC.LessThan(minVolumeBTC) {
		return Skip
	}
	imb := vol.ShortImbalance
	if imb.Abs().LessThan(imbalanceThreshold) {
		return Skip
	}
	if imb.IsNegative() {
		return BuyUp
	}
	return BuyDown
}

// MeanReversionSignal is the result of evaluating a BTC mean-reversion entry.
type MeanReversionSignal struct {
	Deviation    decimal.Decimal
	AbsDeviation decimal.Decimal
	RangePct     decimal.Decimal
	Direction    Direction
	Reason       string
}

// MeanReversionParams configures EvaluateMeanReversion.
type MeanReversionParams struct {
	DeviationThreshold       decimal.Decimal
	MaxRangePct              decimal.Decimal
	EntryWindowSec           int
	NoNewOrdersSec           int
	Volume                   *refprice.VolumeState
	VolumeMinBTC             decimal.Decimal
	VolumeImbalanceThreshold decimal.Decimal
}

// EvaluateMeanReversion decides whether BTC has deviated enough from the
// market-window open price to enter, and picks a direction: volume-imbalance
// first, falling back to whichever leg is cheaper on the book. Checks run in
// a fixed order so the first disqualifying condition determines the reason.
func EvaluateMeanReversion(candle refprice.CandleState, secondsToEnd int, upAsk, downAsk decimal.Decimal, p MeanReversionParams) MeanReversionSignal {
	dev := candle.Deviation()
	absDev := dev.Abs()
	rng := candle.RangePct()

	if candle.IsStale() {
		return MeanReversionSignal{dev, absDev, rng, Skip, "stale BTC data"}
	}
	if candle.OpenPrice.IsZero() {
		return MeanReversionSignal{dev, absDev, rng, Skip, "no open price"}
	}
	if secondsToEnd > p.EntryWindowSec {
		return MeanReversionSignal{dev, absDev, rng, Skip, "outside entry window"}
	}
	if secondsToEnd < p.NoNewOrdersSec {
		return MeanReversionSignal{dev, absDev, rng, Skip, "pre-resolution buffer"}
	}
	if absDev.LessThan(p.DeviationThreshold) {
		return MeanReversionSignal{dev, absDev, rng, Skip,
			fmt.Sprintf("deviation %s < %s", absDev.StringFixed(5), p.DeviationThreshold.String())}
	}
	if rng.GreaterThan(p.MaxRangePct) {
		return MeanReversionSignal{dev, absDev, rng, Skip,
			fmt.Sprintf("range %s > %s (trending)", rng.StringFixed(5), p.MaxRangePct.String())}
	}

	volDir := PredictDirectionFromVolume(p.Volume, p.VolumeMinBTC, p.VolumeImbalanceThreshold)
	if volDir != Skip {
		chosen := upAsk
		if volDir == BuyDown {
			chosen = downAsk
		}
		return MeanReversionSignal{dev, absDev, rng, volDir,
			fmt.Sprintf("deviation %+.5f -> volume->%s (imb=%+.3f, ask=%s)",
				signedFloat(dev), volDir, signedFloat(p.Volume.ShortImbalance), chosen.String())}
	}

	direction := BuyUp
	chosen := upAsk
	if downAsk.LessThan(upAsk) {
		direction = BuyDown
		chosen = downAsk
	}
	return MeanReversionSignal{dev, absDev, rng, direction,
		fmt.Sprintf("deviation %+.5f -> %s (ask=%s)", signedFloat(dev), direction, chosen.String())}
}

// StopHuntSignal is the result of evaluating an early cheap-leg entry.
type StopHuntSignal struct {
	UpAsk     decimal.Decimal
	DownAsk   decimal.Decimal
	RangePct  decimal.Decimal
	Direction Direction
	Reason    string
}

// StopHuntParams configures EvaluateStopHunt.
type StopHuntParams struct {
	MaxFirstLeg              decimal.Decimal
	MaxRangePct              decimal.Decimal
	EntryStartSec            int // window opens this many seconds-to-end
	EntryEndSec              int // window closes this many seconds-to-end
	NoNewOrdersSec           int
	Volume                   *refprice.VolumeState
	VolumeMinBTC             decimal.Decimal
	VolumeImbalanceThreshold decimal.Decimal
}

// EvaluateStopHunt looks for a leg that's already gone cheap early in the
// window (no BTC deviation gate — the ask price itself is the signal).
// The entry window counts down: it opens at EntryStartSec-to-end and closes
// at EntryEndSec-to-end, so EntryEndSec <= secondsToEnd <= EntryStartSec.
func EvaluateStopHunt(candle refprice.CandleState, upAsk, downAsk decimal.Decimal, secondsToEnd int, p StopHuntParams) StopHuntSignal {
	rng := candle.RangePct()

	if candle.IsStale() {
		return StopHuntSignal{upAsk, downAsk, rng, Skip, "stale BTC data"}
	}
	if candle.OpenPrice.IsZero() {
		return StopHuntSignal{upAsk, downAsk, rng, Skip, "no open price"}
	}
	if secondsToEnd > p.EntryStartSec {
		return StopHuntSignal{upAsk, downAsk, rng, Skip, "before SH window"}
	}
	if secondsToEnd < p.EntryEndSec {
		return StopHuntSignal{upAsk, downAsk, rng, Skip, "past SH window"}
	}
	if secondsToEnd < p.NoNewOrdersSec {
		return StopHuntSignal{upAsk, downAsk, rng, Skip, "pre-resolution buffer"}
	}
	if rng.GreaterThan(p.MaxRangePct) {
		return StopHuntSignal{upAsk, downAsk, rng, Skip,
			fmt.Sprintf("range %s > %s (trending)", rng.StringFixed(5), p.MaxRangePct.String())}
	}

	upCheap := upAsk.LessThanOrEqual(p.MaxFirstLeg)
	downCheap := downAsk.LessThanOrEqual(p.MaxFirstLeg)
	if !upCheap && !downCheap {
		return StopHuntSignal{upAsk, downAsk, rng, Skip,
			fmt.Sprintf("no cheap side (U=%s, D=%s, cap=%s)", upAsk, downAsk, p.MaxFirstLeg.StringFixed(3))}
	}

	volDir := PredictDirectionFromVolume(p.Volume, p.VolumeMinBTC, p.VolumeImbalanceThreshold)
	if volDir != Skip {
		volCheap := (volDir == BuyUp && upCheap) || (volDir == BuyDown && downCheap)
		if volCheap {
			chosen := upAsk
			if volDir == BuyDown {
				chosen = downAsk
			}
			return StopHuntSignal{upAsk, downAsk, rng, volDir,
				fmt.Sprintf("volume->%s ask=%s < cap=%s (imb=%+.3f)",
					volDir, chosen.String(), p.MaxFirstLeg.StringFixed(3), signedFloat(p.Volume.ShortImbalance))}
		}
	}

	var direction Direction
	switch {
	case upCheap && downCheap:
		direction = BuyUp
		if downAsk.LessThan(upAsk) {
			direction = BuyDown
		}
	case upCheap:
		direction = BuyUp
	default:
		direction = BuyDown
	}
	chosen := upAsk
	if direction == BuyDown {
		chosen = downAsk
	}
	return StopHuntSignal{upAsk, downAsk, rng, direction,
		fmt.Sprintf("%s ask=%s < cap=%s", direction, chosen.String(), p.MaxFirstLeg.StringFixed(3))}
}

func signedFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
