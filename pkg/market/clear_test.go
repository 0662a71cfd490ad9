package market

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

func order(side database.OrderSide, kwh, price float64, createdAt time.Time) *database.Order {
	return &database.Order{
		ID:          uuid.New(),
		Side:        side,
		KWh:         kwh,
		FilledKWh:   0,
		PricePerKWh: price,
		CreatedAt:   createdAt,
	}
}

func TestClearZeroCrossing(t *testing.T) {
	now := time.Now()
	buy := order(database.SideBuy, 10, 0.15, now)
	sell := order(database.SideSell, 10, 0.20, now)

	book := NewBook([]*database.Order{buy, sell})
	result := Clear(book, 0.01)

	if result.ClearingPrice != nil {
		t.Fatalf("expected no clearing price, got %v", *result.ClearingPrice)
	}
	if len(result.Matches) != 0 {
		t.Fatalf("expected no matches, got %d", len(result.Matches))
	}
	for _, r := range result.Residuals {
		if r.Status != ResidualUnmatched {
			t.Fatalf("expected unmatched residual, got %s", r.Status)
		}
	}
}

func TestClearExactCrossEqualQuantity(t *testing.T) {
	now := time.Now()
	buy := order(database.SideBuy, 10, 0.16, now)
	sell := order(database.SideSell, 10, 0.14, now.Add(time.Second))

	book := NewBook([]*database.Order{buy, sell})
	result := Clear(book, 0.01)

	if result.ClearingPrice == nil {
		t.Fatalf("expected a clearing price")
	}
	if got := *result.ClearingPrice; got < 0.1499 || got > 0.1501 {
		t.Fatalf("clearing price = %v, want ~0.15", got)
	}
	if len(result.Matches) != 1 || result.Matches[0].Qty != 10 {
		t.Fatalf("unexpected matches: %+v", result.Matches)
	}
}

func TestClearPartialFill(t *testing.T) {
	now := time.Now()
	buyA := order(database.SideBuy, 5, 0.20, now)
	buyB := order(database.SideBuy, 3, 0.18, now.Add(time.Second))
	sell := order(database.SideSell, 10, 0.15, now)

	book := NewBook([]*database.Order{buyA, buyB, sell})
	result := Clear(book, 0.01)

	if result.ClearingPrice == nil {
		t.Fatalf("expected a clearing price")
	}

	var totalMatched float64
	for _, m := range result.Matches {
		totalMatched += m.Qty
	}
	if totalMatched != 8 {
		t.Fatalf("total matched = %v, want 8", totalMatched)
	}

	var sellResidual float64
	for _, r := range result.Residuals {
		if r.OrderID == sell.ID {
			sellResidual = sell.KWh - r.FilledKWh
		}
	}
	if sellResidual != 2 {
		t.Fatalf("sell residual = %v, want 2", sellResidual)
	}

	for _, id := range []uuid.UUID{buyA.ID, buyB.ID} {
		found := false
		for _, r := range result.Residuals {
			if r.OrderID == id {
				found = true
				if r.Status != ResidualFilled {
					t.Fatalf("buy order %s status = %s, want filled", id, r.Status)
				}
			}
		}
		if !found {
			t.Fatalf("missing residual for buy order %s", id)
		}
	}
}

func TestClearBuysOnlyNoCrossing(t *testing.T) {
	now := time.Now()
	buy := order(database.SideBuy, 10, 0.20, now)
	book := NewBook([]*database.Order{buy})
	result := Clear(book, 0.01)
	if result.ClearingPrice != nil {
		t.Fatalf("expected no clearing price with buys only")
	}
}

func TestClearZeroOrders(t *testing.T) {
	book := NewBook(nil)
	result := Clear(book, 0.01)
	if result.ClearingPrice != nil || len(result.Matches) != 0 {
		t.Fatalf("expected empty clear result for zero orders")
	}
}

func TestRoundToTickTiesFavorSellPrice(t *testing.T) {
	// 0.175 sits exactly between the 0.01 ticks 0.17 and 0.18; the lower
	// (sell-favoring) tick wins ties.
	got := roundToTick(0.175, 0.01)
	if diff := got - 0.17; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("roundToTick(0.175, 0.01) = %v, want ~0.17", got)
	}
}

func TestRoundToTickRoundsToNearest(t *testing.T) {
	got := roundToTick(0.168, 0.01)
	if diff := got - 0.17; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("roundToTick(0.168, 0.01) = %v, want ~0.17", got)
	}
}
