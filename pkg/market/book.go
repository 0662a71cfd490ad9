// Package market implements the Order Book & Matcher: a per-epoch,
// in-memory uniform-price double auction. The matcher owns the book for
// the duration of one clearing run and is never shared across epochs or
// goroutines (§5).
package market

import (
	"container/heap"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

// bookEntry is one resting order's matcher-local state: a copy of the
// quantity still available to match, independent of the persisted row
// until the clearing run commits its results.
type bookEntry struct {
	OrderID      uuid.UUID
	UserID       uuid.UUID
	Price        float64
	RemainingKWh float64
	CreatedAt    time.Time
}

// buyHeap is a max-heap keyed by (price desc, created_at asc), ties broken
// lexicographically by order id for determinism (§4.5).
type buyHeap []*bookEntry

func (h buyHeap) Len() int { return len(h) }
func (h buyHeap) Less(i, j int) bool {
	if h[i].Price != h[j].Price {
		return h[i].Price > h[j].Price
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].OrderID.String() < h[j].OrderID.String()
}
func (h buyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *buyHeap) Push(x interface{}) { *h = append(*h, x.(*bookEntry)) }
func (h *buyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// sellHeap is a min-heap keyed by (price asc, created_at asc), same tie
// break as buyHeap.
type sellHeap []*bookEntry

func (h sellHeap) Len() int { return len(h) }
func (h sellHeap) Less(i, j int) bool {
	if h[i].Price != h[j].Price {
		return h[i].Price < h[j].Price
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].OrderID.String() < h[j].OrderID.String()
}
func (h sellHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sellHeap) Push(x interface{}) { *h = append(*h, x.(*bookEntry)) }
func (h *sellHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Book is the per-epoch order book. It is built fresh for each clearing
// run from a snapshot of persisted orders and discarded afterward.
type Book struct {
	buys  buyHeap
	sells sellHeap
}

// NewBook builds a book from a snapshot of active/partially-filled orders.
// Orders must already be filtered to one epoch by the caller.
func NewBook(orders []*database.Order) *Book {
	b := &Book{}
	for _, o := range orders {
		entry := &bookEntry{
			OrderID:      o.ID,
			UserID:       o.UserID,
			Price:        o.PricePerKWh,
			RemainingKWh: o.KWh - o.FilledKWh,
			CreatedAt:    o.CreatedAt,
		}
		if entry.RemainingKWh <= 0 {
			continue
		}
		if o.Side == database.SideBuy {
			b.buys = append(b.buys, entry)
		} else {
			b.sells = append(b.sells, entry)
		}
	}
	heap.Init(&b.buys)
	heap.Init(&b.sells)
	return b
}
