// Package fanout is the in-process broadcaster settlement confirmation and
// epoch clearing events flow through on their way to whatever is watching
// the gateway (an operator console, an alerting sink). It is deliberately
// not a message queue: nothing is persisted, and a subscriber that isn't
// listening when an event is published simply never sees it.
package fanout

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// EventType tags the shape of Event.Data.
type EventType string

const (
	EventEpochCleared         EventType = "epoch_cleared"
	EventOrderStatusChanged   EventType = "order_status_changed"
	EventSettlementConfirmed  EventType = "settlement_confirmed"
)

// Event is the tagged union published on the bus. Only the field matching
// Type is meaningful; the others are left at their zero value.
type Event struct {
	Type EventType

	EpochCleared        *EpochClearedData
	OrderStatusChanged  *OrderStatusChangedData
	SettlementConfirmed *SettlementConfirmedData
}

// EpochClearedData accompanies EventEpochCleared.
type EpochClearedData struct {
	EpochID         int64
	MatchesAnchored int
	MerkleRoot      string
}

// OrderStatusChangedData accompanies EventOrderStatusChanged.
type OrderStatusChangedData struct {
	OrderID uuid.UUID
	Status  string
}

// SettlementConfirmedData accompanies EventSettlementConfirmed. Failed is
// set when the settlement's on-chain operation exhausted its retries
// instead of confirming, which is the signal an operator alerting consumer
// watches for.
type SettlementConfirmedData struct {
	SettlementID uuid.UUID
	OperationID  uuid.UUID
	Failed       bool
	Reason       string
}

// subscriberBuffer is how many events a subscriber can lag behind the
// publisher before the bus starts dropping events meant for it.
const subscriberBuffer = 64

// Bus fans a stream of Events out to any number of subscribers. Publish
// never blocks on a slow subscriber: a subscriber whose buffer is full
// drops the event and the drop is logged, not retried.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      *log.Logger
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		logger:      log.New(log.Writer(), "[Fanout] ", log.LstdFlags),
	}
}

// Subscribe registers a new listener and returns its event channel. Call
// the returned cancel function to unsubscribe and release the channel;
// failing to call it leaks the subscription for the lifetime of the Bus.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers evt to every current subscriber. A subscriber whose
// buffer is already full is skipped rather than blocked on.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.logger.Printf("subscriber %d lagging, dropped %s event", id, evt.Type)
		}
	}
}
