// Package orders manages resting order lifecycle for the complete-set
// strategy: at most one order per token ID, placement (dry-run fakes an
// immediate fill), replace-vs-skip decisions on a cooldown, cancellation,
// and bulk fill detection via status polling.
//
// Ported from original_source's order_mgr.py (OrderManager), keeping its
// one-order-per-token model and replace/terminal-state rules; REST calls go
// through internal/exchange.Client instead of py_clob_client.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/models"
	"polymarket-mm/pkg/types"
)

// StaleTimeout is how long an order may rest before being force-cancelled
// (non-dry-run) or dropped from tracking (dry-run), per spec's 2h stale
// window — ORDER_STALE_TIMEOUT_S in the original is a 5-minute default used
// for local testing; this engine uses the spec's production value.
const StaleTimeout = 2 * time.Hour

// StatusPollInterval is the minimum gap between status polls for one order.
const StatusPollInterval = time.Second

// OnFill is called whenever a fill (partial or full) is detected: state is
// the order at time of fill, delta is the incremental matched size.
type OnFill func(state *models.OrderState, delta decimal.Decimal)

// Manager tracks at most one resting order per token ID.
type Manager struct {
	mu     sync.Mutex
	orders map[string]*models.OrderState // token ID -> state

	client *exchange.Client
	dryRun bool
	logger *slog.Logger
}

// NewManager creates an order manager bound to client.
func NewManager(client *exchange.Client, dryRun bool, logger *slog.Logger) *Manager {
	return &Manager{
		orders: make(map[string]*models.OrderState),
		client: client,
		dryRun: dryRun,
		logger: logger.With("component", "order_manager"),
	}
}

// GetOpenOrders returns a shallow copy of every tracked order, keyed by
// token ID.
func (m *Manager) GetOpenOrders() map[string]*models.OrderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.OrderState, len(m.orders))
	for tid, s := range m.orders {
		cp := *s
		out[tid] = &cp
	}
	return out
}

// GetOrder returns the tracked order for tokenID, if any.
func (m *Manager) GetOrder(tokenID string) (*models.OrderState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.orders[tokenID]
	return s, ok
}

// HasOrder reports whether tokenID currently has a tracked order.
func (m *Manager) HasOrder(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[tokenID]
	return ok
}

// PlaceParams bundles the inputs to Place, mirroring place_order's
// parameter list.
type PlaceParams struct {
	Market           *models.Market
	TokenID          string
	Direction        models.Direction
	Price            decimal.Decimal
	Size             decimal.Decimal
	SecondsToEnd     int
	Reason           string
	ReservedHedge    decimal.Decimal
	EntryDynamicEdge decimal.Decimal
	OrderType        types.OrderType
	Side             types.Side // defaults to BUY if empty
}

// Place submits an order for one token. OrderType defaults to GTC and Side
// to BUY; the engine places only GTC BUY orders. In dry-run mode the fill fires immediately
// via onFill, but the order stays tracked so maybe_replace respects its
// cooldown, matching original_source's dry-run semantics exactly.
func (m *Manager) Place(ctx context.Context, p PlaceParams, onFill OnFill) bool {
	orderType := p.OrderType
	if orderType == "" {
		orderType = types.OrderTypeGTC
	}
	side := p.Side
	if side == "" {
		side = types.BUY
	}
	label := fmt.Sprintf("%s | %s %s @ %s x%s (%s, %ds left)",
		truncate(p.Market.Slug, 40), side, p.Direction, p.Price, p.Size, p.Reason, p.SecondsToEnd)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dryRun {
		m.logger.Info("dry-run place", "label", label)
		state := &models.OrderState{
			OrderID:               fmt.Sprintf("dry-%d", time.Now().UnixMilli()),
			Market:                p.Market,
			TokenID:               p.TokenID,
			Direction:             p.Direction,
			Price:                 p.Price,
			Size:                  p.Size,
			PlacedAt:              time.Now(),
			Side:                  string(side),
			MatchedSize:           p.Size,
			SecondsToEndAtEntry:   intPtr(p.SecondsToEnd),
			ReservedHedgeNotional: p.ReservedHedge,
			EntryDynamicEdge:      p.EntryDynamicEdge,
			ConsumedCrossing:      orderType != types.OrderTypeGTC,
		}
		m.orders[p.TokenID] = state
		if onFill != nil {
			onFill(state, p.Size)
		}
		return true
	}

	order := types.UserOrder{
		TokenID:   p.TokenID,
		Price:     mustFloat(p.Price),
		Size:      mustFloat(p.Size),
		Side:      side,
		OrderType: orderType,
	}

	m.logger.Info("placing order", "label", label)
	resps, err := m.client.PostOrders(ctx, []types.UserOrder{order}, false)
	if err != nil || len(resps) == 0 || !resps[0].Success {
		m.logger.Error("order placement failed", "label", label, "error", err)
		m.orders[p.TokenID] = &models.OrderState{
			OrderID:               "",
			Market:                p.Market,
			TokenID:               p.TokenID,
			Direction:             p.Direction,
			Price:                 p.Price,
			Size:                  p.Size,
			PlacedAt:              time.Now(),
			Side:                  string(side),
			MatchedSize:           decimal.Zero,
			SecondsToEndAtEntry:   intPtr(p.SecondsToEnd),
			ReservedHedgeNotional: p.ReservedHedge,
			EntryDynamicEdge:      p.EntryDynamicEdge,
		}
		return false
	}

	m.orders[p.TokenID] = &models.OrderState{
		OrderID:               resps[0].OrderID,
		Market:                p.Market,
		TokenID:               p.TokenID,
		Direction:             p.Direction,
		Price:                 p.Price,
		Size:                  p.Size,
		PlacedAt:              time.Now(),
		Side:                  string(side),
		MatchedSize:           decimal.Zero,
		SecondsToEndAtEntry:   intPtr(p.SecondsToEnd),
		ReservedHedgeNotional: p.ReservedHedge,
		EntryDynamicEdge:      p.EntryDynamicEdge,
	}
	m.logger.Info("placed order", "label", label, "order_id", resps[0].OrderID)
	return true
}

// MaybeReplace decides whether a new quote should skip, place fresh, or
// replace the existing resting order for tokenID: too-young orders are left
// alone (cooldown), and unchanged price/size within minPriceChange is also a
// skip.
func (m *Manager) MaybeReplace(tokenID string, newPrice, newSize decimal.Decimal, minReplace time.Duration, minPriceChange decimal.Decimal) models.ReplaceDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.orders[tokenID]
	if !ok {
		return models.ReplacePlace
	}

	if time.Since(existing.PlacedAt) < minReplace {
		return models.ReplaceSkip
	}

	priceDelta := existing.Price.Sub(newPrice).Abs()
	sameSize := existing.Size.Equal(newSize)
	if priceDelta.LessThan(minPriceChange) && sameSize {
		return models.ReplaceSkip
	}
	return models.ReplaceReplace
}

// Cancel cancels the resting order for tokenID, if any.
func (m *Manager) Cancel(ctx context.Context, tokenID, reason string) {
	m.mu.Lock()
	state, ok := m.orders[tokenID]
	if ok {
		delete(m.orders, tokenID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if m.dryRun {
		m.logger.Info("dry-run cancel", "token_id", truncate(tokenID, 16), "reason", reason)
		return
	}
	if _, err := m.client.CancelOrders(ctx, []string{state.OrderID}); err != nil {
		m.logger.Warn("cancel failed", "order_id", state.OrderID, "error", err)
		return
	}
	m.logger.Info("cancelled", "order_id", state.OrderID, "reason", reason)
}

// CancelMarketOrders cancels the up and down leg orders for one market.
func (m *Manager) CancelMarketOrders(ctx context.Context, market *models.Market, reason string) {
	m.Cancel(ctx, market.UpTokenID, reason)
	m.Cancel(ctx, market.DownTokenID, reason)
}

// CancelAll cancels every tracked order — used on shutdown.
func (m *Manager) CancelAll(ctx context.Context, reason string) {
	m.mu.Lock()
	tokenIDs := make([]string, 0, len(m.orders))
	for tid := range m.orders {
		tokenIDs = append(tokenIDs, tid)
	}
	m.mu.Unlock()

	for _, tid := range tokenIDs {
		m.Cancel(ctx, tid, reason)
	}
}

// CheckPendingOrders polls order status for every tracked order, detects
// fills via onFill, and drops orders that have reached a terminal state or
// gone stale.
func (m *Manager) CheckPendingOrders(ctx context.Context, onFill OnFill) {
	m.mu.Lock()
	tokenIDs := make([]string, 0, len(m.orders))
	for tid := range m.orders {
		tokenIDs = append(tokenIDs, tid)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, tid := range tokenIDs {
		m.mu.Lock()
		state, ok := m.orders[tid]
		m.mu.Unlock()
		if !ok {
			continue
		}

		if m.dryRun {
			if now.Sub(state.PlacedAt) > StaleTimeout {
				m.logger.Info("removing stale dry-run order", "order_id", state.OrderID,
					"token_id", truncate(tid, 16))
				m.mu.Lock()
				delete(m.orders, tid)
				m.mu.Unlock()
			}
			continue
		}

		if state.LastStatusCheckAt != nil && now.Sub(*state.LastStatusCheckAt) < StatusPollInterval {
			continue
		}

		m.refreshOrderStatus(ctx, tid, state, now, onFill)

		m.mu.Lock()
		state, ok = m.orders[tid]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if now.Sub(state.PlacedAt) > StaleTimeout {
			m.logger.Info("cancelling stale order", "order_id", state.OrderID, "token_id", truncate(tid, 16))
			m.Cancel(ctx, tid, "STALE_TIMEOUT")
		}
	}
}

func (m *Manager) refreshOrderStatus(ctx context.Context, tokenID string, state *models.OrderState, now time.Time, onFill OnFill) {
	if state.OrderID == "" {
		return
	}

	order, err := m.client.GetOrder(ctx, state.OrderID)
	if err != nil {
		m.mu.Lock()
		if s, ok := m.orders[tokenID]; ok {
			s.LastStatusCheckAt = &now
		}
		m.mu.Unlock()
		return
	}

	matched, parseErr := decimal.NewFromString(order.SizeMatched)
	if parseErr != nil {
		matched = decimal.Zero
	}

	prevMatched := state.MatchedSize
	if matched.GreaterThan(prevMatched) && onFill != nil {
		onFill(state, matched.Sub(prevMatched))
	}

	if isTerminal(order.Status, matched, state.Size) {
		m.mu.Lock()
		delete(m.orders, tokenID)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if s, ok := m.orders[tokenID]; ok {
		if matched.GreaterThan(prevMatched) {
			s.MatchedSize = matched
		}
		s.LastStatusCheckAt = &now
	}
	m.mu.Unlock()
}

func isTerminal(status string, matched, requested decimal.Decimal) bool {
	if matched.GreaterThanOrEqual(requested) {
		return true
	}
	if status == "" {
		return false
	}
	s := strings.ToUpper(status)
	for _, term := range []string{"FILLED", "CANCELED", "CANCELLED", "EXPIRED", "REJECTED", "DONE"} {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func intPtr(i int) *int { return &i }

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
