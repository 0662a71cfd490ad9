package fanout

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := New()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Type: EventEpochCleared, EpochCleared: &EpochClearedData{EpochID: 7}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != EventEpochCleared || evt.EpochCleared.EpochID != 7 {
				t.Fatalf("unexpected event: %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(Event{Type: EventOrderStatusChanged, OrderStatusChanged: &OrderStatusChangedData{OrderID: uuid.New(), Status: "matched"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never drained its channel")
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	cancel()

	b.Publish(Event{Type: EventSettlementConfirmed, SettlementConfirmed: &SettlementConfirmedData{SettlementID: uuid.New()}})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestBusSubscribeAfterPublishMissesEarlierEvents(t *testing.T) {
	b := New()
	b.Publish(Event{Type: EventEpochCleared, EpochCleared: &EpochClearedData{EpochID: 1}})

	ch, cancel := b.Subscribe()
	defer cancel()

	select {
	case evt := <-ch:
		t.Fatalf("expected no buffered event for a late subscriber, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
