package refprice

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// WindowSetter opens a new candle window on a Feed, sourcing the open price
// from Chainlink first and, if the oracle read fails, falling back to the
// feed's last Binance price, then to Binance's REST ticker. Grounded on
// set_market_window's primary/fallback chain in binance_ws.py.
type WindowSetter struct {
	feed   *Feed
	oracle *OracleReader // nil if no Polygon RPC is configured
	logger *slog.Logger
}

// NewWindowSetter builds a setter for feed. oracle may be nil, in which case
// every window opens from the feed's last Binance price, or from the REST
// ticker when the feed has no price yet.
func NewWindowSetter(feed *Feed, oracle *OracleReader, logger *slog.Logger) *WindowSetter {
	return &WindowSetter{feed: feed, oracle: oracle, logger: logger.With("component", "market_window")}
}

// Open sets the candle's open price for a newly-started market window.
func (w *WindowSetter) Open(ctx context.Context, windowStart time.Time) {
	openPrice, source := w.resolveOpenPrice(ctx)
	w.feed.SetMarketWindow(windowStart, openPrice)
	w.logger.Info("market window opened", "open_price", openPrice.String(), "source", source,
		"window_start", windowStart)
}

func (w *WindowSetter) resolveOpenPrice(ctx context.Context) (decimal.Decimal, string) {
	if w.oracle != nil {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		price, err := w.oracle.LatestPrice(rctx)
		cancel()
		if err == nil && price.IsPositive() {
			return price, "chainlink"
		}
		w.logger.Warn("chainlink read failed, falling back", "error", err)
	}

	current := w.feed.Candle().CurrentPrice
	if current.IsPositive() {
		return current, "binance_ws"
	}

	price, err := RESTFallbackPrice(ctx)
	if err != nil {
		w.logger.Warn("binance rest fallback failed", "error", err)
		return decimal.Zero, "unavailable"
	}
	return price, "binance_rest"
}
