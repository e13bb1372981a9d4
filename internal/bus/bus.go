// Package bus provides the typed publish-subscribe channel the core uses
// to signal the rest of the application.
//
// Every notification is a concrete event struct and subscribers hold
// explicit registrations. UI collaborators (toasts,
// balance display, the live dashboard) subscribe; the sync queue, ledger,
// and session service publish.
package bus

import (
	"sort"
	"sync"
)

// Event is implemented by every event published on the bus.
type Event interface {
	event()
}

// ConnectivityChanged fires on every backend reachability transition.
type ConnectivityChanged struct {
	Online bool
}

// SyncCompleted fires after a replay pass that attempted at least one
// queued operation.
type SyncCompleted struct {
	Synced       int
	Failed       int
	DeadLettered int
}

// BalanceUpdated fires after every committed balance change.
type BalanceUpdated struct {
	UserID  string
	Balance int
	Level   int
}

// LevelUp fires when a balance change raises the computed level.
type LevelUp struct {
	UserID string
	Level  int
}

// SessionCompleted fires when a pomodoro session reaches the completed
// state.
type SessionCompleted struct {
	UserID    string
	SessionID string
	Work      bool
	RCAwarded int
}

func (ConnectivityChanged) event() {}
func (SyncCompleted) event()       {}
func (BalanceUpdated) event()      {}
func (LevelUp) event()             {}
func (SessionCompleted) event()    {}

// UnsubscribeFunc detaches a subscriber. Safe to call more than once.
type UnsubscribeFunc func()

// Bus fans events out to subscribers.
//
// Delivery is synchronous and in registration order; the subscriber list
// is copied before delivery so a callback may subscribe or unsubscribe
// without deadlocking. Callbacks must not block.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for every published event. Subscribers that only
// care about one event type switch on it:
//
//	b.Subscribe(func(e bus.Event) {
//	    if up, ok := e.(bus.BalanceUpdated); ok {
//	        refresh(up.Balance)
//	    }
//	})
func (b *Bus) Subscribe(fn func(Event)) UnsubscribeFunc {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Ints(ids)

	for _, id := range ids {
		b.mu.RLock()
		fn, ok := b.subs[id]
		b.mu.RUnlock()
		if ok {
			fn(e)
		}
	}
}
