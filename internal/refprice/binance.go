// binance.go streams BTC/USDT kline and aggTrade data from Binance's public
// WebSocket API into a Feed: dial/read-loop/flat-3s-backoff reconnect,
// generalized to Binance's combined-stream message format.
package refprice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	binanceKlineURL    = "wss://stream.binance.com:9443/ws/btcusdt@kline_1m"
	binanceAggTradeURL = "wss://stream.binance.com:9443/ws/btcusdt@aggTrade"

	binanceReadTimeout  = 30 * time.Second
	binanceReconnectMin = time.Second
	binanceReconnectMax = 3 * time.Second // original_source reconnects at a flat 3s
)

// BinanceClient runs the two Binance streams a Feed needs: 1m klines for
// current/high/low price, and aggTrade for buy/sell volume imbalance. Each
// stream runs on its own connection with independent auto-reconnect, so a
// stall on one never blocks the other.
type BinanceClient struct {
	feed   *Feed
	logger *slog.Logger
}

// NewBinanceClient creates a client that writes into feed.
func NewBinanceClient(feed *Feed, logger *slog.Logger) *BinanceClient {
	return &BinanceClient{feed: feed, logger: logger.With("component", "binance_ws")}
}

// Run starts both streams and blocks until ctx is cancelled.
func (c *BinanceClient) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.runReconnecting(ctx, binanceKlineURL, c.handleKlineMessage) }()
	go func() { errCh <- c.runReconnecting(ctx, binanceAggTradeURL, c.handleAggTradeMessage) }()

	<-ctx.Done()
	<-errCh
	<-errCh
	return ctx.Err()
}

// runReconnecting dials url and dispatches every message to handle, retrying
// with a flat 3s backoff (mirroring start_binance_ws/start_volume_ws) until
// ctx is cancelled.
func (c *BinanceClient) runReconnecting(ctx context.Context, url string, handle func([]byte)) error {
	for {
		err := c.connectAndRead(ctx, url, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("binance websocket disconnected, reconnecting", "url", url, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(binanceReconnectMax):
		}
	}
}

func (c *BinanceClient) connectAndRead(ctx context.Context, url string, handle func([]byte)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.logger.Info("binance websocket connected", "url", url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(binanceReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		handle(msg)
	}
}

type binanceKlineMsg struct {
	EventType string `json:"e"`
	Kline     struct {
		Close string `json:"c"`
	} `json:"k"`
}

func (c *BinanceClient) handleKlineMessage(raw []byte) {
	var msg binanceKlineMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.EventType != "kline" {
		return
	}
	price, err := decimal.NewFromString(msg.Kline.Close)
	if err != nil {
		c.logger.Debug("unparseable kline close", "raw", msg.Kline.Close)
		return
	}
	c.feed.UpdatePrice(price, time.Now())
}

type binanceAggTradeMsg struct {
	EventType    string `json:"e"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

func (c *BinanceClient) handleAggTradeMessage(raw []byte) {
	var msg binanceAggTradeMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.EventType != "aggTrade" {
		return
	}
	qty, err := strconv.ParseFloat(msg.Quantity, 64)
	if err != nil {
		c.logger.Debug("unparseable aggTrade qty", "raw", msg.Quantity)
		return
	}
	c.feed.RecordTrade(decimal.NewFromFloat(qty), msg.IsBuyerMaker, time.Now())
}
