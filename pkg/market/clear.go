package market

import (
	"container/heap"
	"math"
	"sort"

	"github.com/google/uuid"
)

// MatchResult is one trade produced by a clearing run.
type MatchResult struct {
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	Qty         float64
	Price       float64
}

// ResidualStatus reports what a clearing run left behind for one order: it
// either filled completely, partially filled, or never crossed at all.
type ResidualStatus string

const (
	ResidualFilled    ResidualStatus = "filled"
	ResidualPartial   ResidualStatus = "partially_filled"
	ResidualUnmatched ResidualStatus = "unmatched"
)

// Residual records, per order, how much quantity it matched in this run.
type Residual struct {
	OrderID   uuid.UUID
	FilledKWh float64
	Status    ResidualStatus
}

// ClearResult is the full output of one clearing run.
type ClearResult struct {
	ClearingPrice *float64 // nil when no crossing exists
	Matches       []MatchResult
	Residuals     []Residual
}

// Clear runs the uniform-price clearing algorithm (§4.5) against the book's
// snapshot. priceTick is the minimum price increment the clearing price is
// rounded to; ties in rounding favor the sell price.
func Clear(book *Book, priceTick float64) *ClearResult {
	result := &ClearResult{}
	filled := make(map[uuid.UUID]float64)

	// Captured before any heap mutation: Pop only removes an entry from the
	// heap's backing slice, it does not discard the *bookEntry value, so
	// this list still reflects every order's final RemainingKWh once
	// matching finishes.
	allEntries := append(append([]*bookEntry{}, book.buys...), book.sells...)

	price := clearingPrice(book.buys, book.sells, priceTick)
	if price == nil {
		return finalizeEntries(allEntries, filled, result)
	}
	result.ClearingPrice = price
	P := *price

	for book.buys.Len() > 0 && book.sells.Len() > 0 {
		bestBuy := book.buys[0]
		bestSell := book.sells[0]
		if bestBuy.Price < P || bestSell.Price > P {
			break
		}

		qty := math.Min(bestBuy.RemainingKWh, bestSell.RemainingKWh)
		if qty <= 0 {
			break
		}

		result.Matches = append(result.Matches, MatchResult{
			BuyOrderID:  bestBuy.OrderID,
			SellOrderID: bestSell.OrderID,
			Qty:         qty,
			Price:       P,
		})
		filled[bestBuy.OrderID] += qty
		filled[bestSell.OrderID] += qty

		bestBuy.RemainingKWh -= qty
		bestSell.RemainingKWh -= qty

		if bestBuy.RemainingKWh <= 1e-9 {
			heap.Pop(&book.buys)
		}
		if bestSell.RemainingKWh <= 1e-9 {
			heap.Pop(&book.sells)
		}
	}

	return finalizeEntries(allEntries, filled, result)
}

func finalizeEntries(entries []*bookEntry, filled map[uuid.UUID]float64, result *ClearResult) *ClearResult {
	for _, e := range entries {
		f := filled[e.OrderID]
		status := ResidualUnmatched
		switch {
		case f > 0 && e.RemainingKWh <= 1e-9:
			status = ResidualFilled
		case f > 0:
			status = ResidualPartial
		}
		result.Residuals = append(result.Residuals, Residual{OrderID: e.OrderID, FilledKWh: f, Status: status})
	}
	return result
}

// clearingPrice determines the clearing band's midpoint, rounded to
// priceTick, from a simulated walk over sorted copies of both sides — it
// never mutates the real heaps, which the caller still needs for the
// actual matching pass.
func clearingPrice(buys buyHeap, sells sellHeap, priceTick float64) *float64 {
	buyCopy := make([]*bookEntry, len(buys))
	for i, e := range buys {
		c := *e
		buyCopy[i] = &c
	}
	sellCopy := make([]*bookEntry, len(sells))
	for i, e := range sells {
		c := *e
		sellCopy[i] = &c
	}

	sort.SliceStable(buyCopy, func(i, j int) bool {
		if buyCopy[i].Price != buyCopy[j].Price {
			return buyCopy[i].Price > buyCopy[j].Price
		}
		return buyCopy[i].OrderID.String() < buyCopy[j].OrderID.String()
	})
	sort.SliceStable(sellCopy, func(i, j int) bool {
		if sellCopy[i].Price != sellCopy[j].Price {
			return sellCopy[i].Price < sellCopy[j].Price
		}
		return sellCopy[i].OrderID.String() < sellCopy[j].OrderID.String()
	})

	var lastBuyPrice, lastSellPrice float64
	crossed := false

	i, j := 0, 0
	for i < len(buyCopy) && j < len(sellCopy) {
		b, s := buyCopy[i], sellCopy[j]
		if b.Price < s.Price {
			break
		}
		crossed = true
		lastBuyPrice, lastSellPrice = b.Price, s.Price

		qty := math.Min(b.RemainingKWh, s.RemainingKWh)
		b.RemainingKWh -= qty
		s.RemainingKWh -= qty
		if b.RemainingKWh <= 1e-9 {
			i++
		}
		if s.RemainingKWh <= 1e-9 {
			j++
		}
	}

	if !crossed {
		return nil
	}

	p := roundToTick((lastBuyPrice+lastSellPrice)/2, priceTick)
	return &p
}

// roundToTick rounds mid to the nearest multiple of tick, breaking exact
// ties toward the lower (sell-favoring) multiple.
func roundToTick(mid, tick float64) float64 {
	if tick <= 0 {
		return mid
	}
	steps := mid / tick
	lower := math.Floor(steps)
	upper := math.Ceil(steps)

	lowerPrice := lower * tick
	upperPrice := upper * tick

	if mid-lowerPrice <= upperPrice-mid {
		return lowerPrice
	}
	return upperPrice
}
