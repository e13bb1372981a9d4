package bus

import "testing"

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()

	var first, second []Event
	b.Subscribe(func(e Event) { first = append(first, e) })
	b.Subscribe(func(e Event) { second = append(second, e) })

	b.Publish(ConnectivityChanged{Online: false})
	b.Publish(BalanceUpdated{UserID: "u1", Balance: 150, Level: 1})

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 deliveries each, got %d and %d", len(first), len(second))
	}
	if c, ok := first[0].(ConnectivityChanged); !ok || c.Online {
		t.Errorf("unexpected first event: %#v", first[0])
	}
	if bu, ok := second[1].(BalanceUpdated); !ok || bu.Balance != 150 {
		t.Errorf("unexpected second event: %#v", second[1])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var got int
	unsub := b.Subscribe(func(Event) { got++ })

	b.Publish(LevelUp{UserID: "u1", Level: 2})
	unsub()
	unsub() // safe to call twice
	b.Publish(LevelUp{UserID: "u1", Level: 3})

	if got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestSubscriberMayUnsubscribeDuringDelivery(t *testing.T) {
	b := New()

	var unsub UnsubscribeFunc
	fired := 0
	unsub = b.Subscribe(func(Event) {
		fired++
		unsub()
	})

	b.Publish(SyncCompleted{Synced: 1})
	b.Publish(SyncCompleted{Synced: 2})

	if fired != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", fired)
	}
}
