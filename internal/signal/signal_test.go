package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/refprice"
)

func freshCandle(open, current, high, low float64) refprice.CandleState {
	return refprice.CandleState{
		OpenPrice:    decimal.NewFromFloat(open),
		CurrentPrice: decimal.NewFromFloat(current),
		High:         decimal.NewFromFloat(high),
		Low:          decimal.NewFromFloat(low),
		LastUpdate:   time.Now(),
	}
}

func TestPredictDirectionFromVolumeStaleOrThin(t *testing.T) {
	t.Parallel()
	if d := PredictDirectionFromVolume(nil, decimal.NewFromInt(1), decimal.NewFromFloat(0.1)); d != Skip {
		t.Errorf("nil volume should skip, got %s", d)
	}
	stale := &refprice.VolumeState{IsStale: true}
	if d := PredictDirectionFromVolume(stale, decimal.NewFromInt(1), decimal.NewFromFloat(0.1)); d != Skip {
		t.Errorf("stale volume should skip, got %s", d)
	}
	thin := &refprice.VolumeState{ShortVolumeBTC: decimal.NewFromFloat(0.1), ShortImbalance: decimal.NewFromFloat(0.9)}
	if d := PredictDirectionFromVolume(thin, decimal.NewFromInt(1), decimal.NewFromFloat(0.1)); d != Skip {
		t.Errorf("thin volume should skip, got %s", d)
	}
}

func TestPredictDirectionFromVolumeDirection(t *testing.T) {
	t.Parallel()
	sell := &refprice.VolumeState{ShortVolumeBTC: decimal.NewFromInt(10), ShortImbalance: decimal.NewFromFloat(-0.5)}
	if d := PredictDirectionFromVolume(sell, decimal.NewFromInt(1), decimal.NewFromFloat(0.1)); d != BuyUp {
		t.Errorf("sell-side imbalance should predict BuyUp, got %s", d)
	}
	buy := &refprice.VolumeState{ShortVolumeBTC: decimal.NewFromInt(10), ShortImbalance: decimal.NewFromFloat(0.5)}
	if d := PredictDirectionFromVolume(buy, decimal.NewFromInt(1), decimal.NewFromFloat(0.1)); d != BuyDown {
		t.Errorf("buy-side imbalance should predict BuyDown, got %s", d)
	}
}

func TestEvaluateMeanReversionStaleSkips(t *testing.T) {
	t.Parallel()
	stale := refprice.CandleState{}
	sig := EvaluateMeanReversion(stale, 100, decimal.NewFromFloat(0.4), decimal.NewFromFloat(0.5), MeanReversionParams{})
	if sig.Direction != Skip {
		t.Errorf("stale candle should skip, got %s (%s)", sig.Direction, sig.Reason)
	}
}

func TestEvaluateMeanReversionBelowThresholdSkips(t *testing.T) {
	t.Parallel()
	candle := freshCandle(100, 100.01, 100.1, 99.9)
	p := MeanReversionParams{
		DeviationThreshold: decimal.NewFromFloat(0.01),
		MaxRangePct:        decimal.NewFromFloat(0.05),
		EntryWindowSec:     300,
		NoNewOrdersSec:     30,
	}
	sig := EvaluateMeanReversion(candle, 100, decimal.NewFromFloat(0.4), decimal.NewFromFloat(0.5), p)
	if sig.Direction != Skip {
		t.Errorf("tiny deviation should skip, got %s", sig.Direction)
	}
}

func TestEvaluateMeanReversionEntersCheaperLeg(t *testing.T) {
	t.Parallel()
	// BTC up 2% -> UP token is the momentum side, but with no volume signal,
	// the fallback picks whichever leg's ask is cheaper.
	candle := freshCandle(100, 102, 102.5, 99.8)
	p := MeanReversionParams{
		DeviationThreshold: decimal.NewFromFloat(0.005),
		MaxRangePct:        decimal.NewFromFloat(0.05),
		EntryWindowSec:     300,
		NoNewOrdersSec:     30,
	}
	sig := EvaluateMeanReversion(candle, 100, decimal.NewFromFloat(0.60), decimal.NewFromFloat(0.35), p)
	if sig.Direction != BuyDown {
		t.Errorf("expected BuyDown (cheaper ask), got %s (%s)", sig.Direction, sig.Reason)
	}
}

func TestEvaluateMeanReversionOutsideWindowSkips(t *testing.T) {
	t.Parallel()
	candle := freshCandle(100, 103, 103.5, 99.8)
	p := MeanReversionParams{
		DeviationThreshold: decimal.NewFromFloat(0.005),
		MaxRangePct:        decimal.NewFromFloat(0.05),
		EntryWindowSec:     300,
		NoNewOrdersSec:     30,
	}
	sig := EvaluateMeanReversion(candle, 400, decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.50), p)
	if sig.Direction != Skip {
		t.Errorf("outside entry window should skip, got %s", sig.Direction)
	}
}

func TestEvaluateStopHuntNoCheapSideSkips(t *testing.T) {
	t.Parallel()
	candle := freshCandle(100, 100.1, 100.2, 99.9)
	p := StopHuntParams{
		MaxFirstLeg:   decimal.NewFromFloat(0.30),
		MaxRangePct:   decimal.NewFromFloat(0.05),
		EntryStartSec: 600,
		EntryEndSec:   60,
	}
	sig := EvaluateStopHunt(candle, decimal.NewFromFloat(0.45), decimal.NewFromFloat(0.50), 200, p)
	if sig.Direction != Skip {
		t.Errorf("expected skip when neither leg is cheap, got %s", sig.Direction)
	}
}

func TestEvaluateStopHuntEntersCheapLeg(t *testing.T) {
	t.Parallel()
	candle := freshCandle(100, 100.1, 100.2, 99.9)
	p := StopHuntParams{
		MaxFirstLeg:   decimal.NewFromFloat(0.30),
		MaxRangePct:   decimal.NewFromFloat(0.05),
		EntryStartSec: 600,
		EntryEndSec:   60,
	}
	sig := EvaluateStopHunt(candle, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.60), 200, p)
	if sig.Direction != BuyUp {
		t.Errorf("expected BuyUp for the cheap leg, got %s (%s)", sig.Direction, sig.Reason)
	}
}

func TestEvaluateStopHuntOutsideWindowSkips(t *testing.T) {
	t.Parallel()
	candle := freshCandle(100, 100.1, 100.2, 99.9)
	p := StopHuntParams{
		MaxFirstLeg:   decimal.NewFromFloat(0.30),
		MaxRangePct:   decimal.NewFromFloat(0.05),
		EntryStartSec: 600,
		EntryEndSec:   60,
	}
	sig := EvaluateStopHunt(candle, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.60), 700, p)
	if sig.Direction != Skip {
		t.Errorf("before SH window should skip, got %s", sig.Direction)
	}
}

func TestEvaluateStopHuntTrendingRangeSkips(t *testing.T) {
	t.Parallel()
	candle := freshCandle(100, 100.1, 108, 99)
	p := StopHuntParams{
		MaxFirstLeg:   decimal.NewFromFloat(0.30),
		MaxRangePct:   decimal.NewFromFloat(0.05),
		EntryStartSec: 600,
		EntryEndSec:   60,
	}
	sig := EvaluateStopHunt(candle, decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.60), 200, p)
	if sig.Direction != Skip {
		t.Errorf("wide trending range should skip, got %s", sig.Direction)
	}
}
