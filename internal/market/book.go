package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/models"
	"polymarket-mm/pkg/types"
)

// tobTTL is how long a cached top-of-book snapshot is reused before a fresh
// fetch is required, matching market_data.py's _TOB_TTL (just under the
// 500ms tick interval).
const tobTTL = 400 * time.Millisecond

// BookCache serves per-token top-of-book snapshots with a short TTL, batch
// prefetching every market's books in one request per tick so downstream
// signal/sizing reads never trigger their own HTTP round-trip. Grounded on
// market_data.py's _tob_cache/get_top_of_book/prefetch_order_books.
type BookCache struct {
	mu      sync.RWMutex
	client  *exchange.Client
	entries map[string]cacheEntry
	logger  *slog.Logger
}

type cacheEntry struct {
	tob      models.TopOfBook
	fetchedAt time.Time
}

// NewBookCache builds a cache backed by client.
func NewBookCache(client *exchange.Client, logger *slog.Logger) *BookCache {
	return &BookCache{
		client:  client,
		entries: make(map[string]cacheEntry),
		logger:  logger.With("component", "book_cache"),
	}
}

// Prefetch batch-fetches top-of-book for every up/down token across markets
// in a single request and populates the cache, called once per tick before
// markets are evaluated.
func (b *BookCache) Prefetch(ctx context.Context, markets []models.Market) {
	if len(markets) == 0 {
		return
	}

	tokenIDs := make([]string, 0, len(markets)*2)
	for _, m := range markets {
		if m.UpTokenID != "" {
			tokenIDs = append(tokenIDs, m.UpTokenID)
		}
		if m.DownTokenID != "" {
			tokenIDs = append(tokenIDs, m.DownTokenID)
		}
	}

	books, err := b.client.GetOrderBooks(ctx, tokenIDs)
	if err != nil {
		b.logger.Warn("batch order book fetch failed", "error", err)
		return
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for tokenID, resp := range books {
		b.entries[tokenID] = cacheEntry{tob: parseBookResponse(resp), fetchedAt: now}
	}
}

// Get returns the top-of-book for tokenID, fetching it directly on a cache
// miss or stale entry. Mirrors get_top_of_book's cache-then-fallback.
func (b *BookCache) Get(ctx context.Context, tokenID string) (models.TopOfBook, bool) {
	b.mu.RLock()
	entry, ok := b.entries[tokenID]
	b.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < tobTTL {
		return entry.tob, true
	}

	resp, err := b.client.GetOrderBook(ctx, tokenID)
	if err != nil {
		b.logger.Debug("order book fetch failed", "token_id", tokenID, "error", err)
		return models.TopOfBook{}, false
	}

	tob := parseBookResponse(resp)
	b.mu.Lock()
	b.entries[tokenID] = cacheEntry{tob: tob, fetchedAt: time.Now()}
	b.mu.Unlock()
	return tob, true
}

func parseBookResponse(resp *types.BookResponse) models.TopOfBook {
	if resp == nil {
		return models.TopOfBook{}
	}

	out := models.TopOfBook{UpdatedAt: time.Now()}
	if len(resp.Bids) > 0 {
		best := bestLevel(resp.Bids, true)
		if price, ok := parseDecimal(best.Price); ok {
			out.BestBid = price
			out.HasBid = true
		}
		if size, ok := parseDecimal(best.Size); ok {
			out.BestBidSize = size
		}
	}
	if len(resp.Asks) > 0 {
		best := bestLevel(resp.Asks, false)
		if price, ok := parseDecimal(best.Price); ok {
			out.BestAsk = price
			out.HasAsk = true
		}
		if size, ok := parseDecimal(best.Size); ok {
			out.BestAskSize = size
		}
	}
	return out
}

// bestLevel returns the best bid (highest price) or best ask (lowest price)
// from levels, which the CLOB API returns pre-sorted but not guaranteed so.
func bestLevel(levels []types.PriceLevel, wantHighest bool) types.PriceLevel {
	best := levels[0]
	bestPrice, _ := parseDecimal(best.Price)
	for _, lvl := range levels[1:] {
		price, ok := parseDecimal(lvl.Price)
		if !ok {
			continue
		}
		if (wantHighest && price.GreaterThan(bestPrice)) || (!wantHighest && price.LessThan(bestPrice)) {
			best = lvl
			bestPrice = price
		}
	}
	return best
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// MidPrice returns (bestBid+bestAsk)/2 for tokenID, or false if either side
// of the book is empty.
func (b *BookCache) MidPrice(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	tob, ok := b.Get(ctx, tokenID)
	if !ok || !tob.HasBid || !tob.HasAsk {
		return decimal.Zero, false
	}
	return tob.BestBid.Add(tob.BestAsk).Div(decimal.NewFromInt(2)), true
}
