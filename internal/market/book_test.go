package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-mm/pkg/types"
)

func TestParseBookResponse(t *testing.T) {
	t.Parallel()

	tob := parseBookResponse(&types.BookResponse{
		AssetID: "token-up",
		Bids:    []types.PriceLevel{{Price: "0.54", Size: "200"}, {Price: "0.55", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.58", Size: "150"}, {Price: "0.57", Size: "50"}},
	})

	if !tob.HasBid || !tob.BestBid.Equal(decimalFromString(t, "0.55")) {
		t.Errorf("best bid = %v, want 0.55", tob.BestBid)
	}
	if !tob.HasAsk || !tob.BestAsk.Equal(decimalFromString(t, "0.57")) {
		t.Errorf("best ask = %v, want 0.57", tob.BestAsk)
	}
}

func TestParseBookResponseOneSided(t *testing.T) {
	t.Parallel()

	tob := parseBookResponse(&types.BookResponse{
		AssetID: "token-up",
		Bids:    []types.PriceLevel{{Price: "0.50", Size: "100"}},
	})

	if !tob.HasBid {
		t.Error("expected HasBid true")
	}
	if tob.HasAsk {
		t.Error("expected HasAsk false with no ask levels")
	}
}

func TestParseBookResponseNil(t *testing.T) {
	t.Parallel()

	tob := parseBookResponse(nil)
	if tob.HasBid || tob.HasAsk {
		t.Error("nil response should produce an empty top-of-book")
	}
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, ok := parseDecimal(s)
	if !ok {
		t.Fatalf("failed to parse decimal %q", s)
	}
	return d
}
