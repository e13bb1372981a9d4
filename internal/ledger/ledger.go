// Package ledger awards and accounts for RC cells.
//
// The balance at users/<uid>/rcCells is the single source of truth and is
// only ever mutated through the remote store's optimistic transaction
// primitive, because it is the one value updated by formula
// (current + delta) rather than wholesale replacement. Every committed
// change appends an audit record to the per-user transaction log; the log
// is informational and never read back to compute the balance.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/remote"
)

// Kind describes the business reason for a ledger entry.
type Kind string

const (
	KindPomodoroCompletion Kind = "pomodoro_completion"
	KindTaskCompletion     Kind = "task_completion"
	KindManualAdjustment   Kind = "manual_adjustment"
)

// rcPerLevel is how many RC cells each level requires.
const rcPerLevel = 1000

// Transaction is one append-only audit record.
type Transaction struct {
	// Amount is signed: credits positive, debits negative.
	Amount int `json:"amount"`

	Kind      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// PreviousBalance and NewBalance are the values observed at commit
	// time, not computed client-side in isolation.
	PreviousBalance int `json:"previousBalance"`
	NewBalance      int `json:"newBalance"`

	// SourceID references the originating session or task, for
	// idempotency auditing.
	SourceID string `json:"sourceId,omitempty"`
}

// Ledger awards RC cells and maintains the audit trail.
type Ledger struct {
	store  remote.Store
	events *bus.Bus
	logger *log.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Ledger. events may be nil; a nil logger defaults to
// stderr.
func New(store remote.Store, events *bus.Bus, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	return &Ledger{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Level computes the level for a balance. Each level requires 1000 RC.
func Level(balance int) int {
	return balance/rcPerLevel + 1
}

func balancePath(userID string) string {
	return fmt.Sprintf("users/%s/rcCells", userID)
}

func logPath(userID string) string {
	return fmt.Sprintf("transactions/%s", userID)
}

// Award atomically applies a signed amount to the user's balance and
// appends the audit record.
//
// The balance mutation is an optimistic read-modify-write: the store
// retries the update function until no conflicting concurrent writer is
// detected, so any interleaving of Award calls sums correctly. Debits
// clamp at zero. The audit append happens after the commit; if it fails
// the balance change stands and the error reports the audit failure.
func (l *Ledger) Award(ctx context.Context, userID string, amount int, kind Kind, sourceID string) (Transaction, error) {
	var prev int
	res, err := l.store.Transaction(ctx, balancePath(userID), func(current any) any {
		prev = toInt(current)
		next := prev + amount
		if next < 0 {
			next = 0
		}
		return next
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to update balance for %s: %w", userID, err)
	}
	if !res.Committed {
		return Transaction{}, fmt.Errorf("balance transaction for %s did not commit", userID)
	}

	newBalance := toInt(res.FinalValue)
	tx := Transaction{
		Amount:          amount,
		Kind:            kind,
		Timestamp:       l.now(),
		PreviousBalance: prev,
		NewBalance:      newBalance,
		SourceID:        sourceID,
	}

	l.publishBalance(ctx, userID, prev, newBalance)

	if _, err := l.store.Push(ctx, logPath(userID), txRecord(tx)); err != nil {
		return tx, fmt.Errorf("failed to append transaction record for %s: %w", userID, err)
	}

	l.logger.Printf("Awarded %d RC to %s (%s, balance %d -> %d)", amount, userID, kind, prev, newBalance)
	return tx, nil
}

// publishBalance emits balance and level events and persists a raised
// level to the user record, best-effort.
func (l *Ledger) publishBalance(ctx context.Context, userID string, prev, next int) {
	prevLevel := Level(prev)
	nextLevel := Level(next)

	if l.events != nil {
		l.events.Publish(bus.BalanceUpdated{UserID: userID, Balance: next, Level: nextLevel})
		if nextLevel > prevLevel {
			l.events.Publish(bus.LevelUp{UserID: userID, Level: nextLevel})
		}
	}

	if nextLevel != prevLevel {
		path := fmt.Sprintf("users/%s", userID)
		if err := l.store.Update(ctx, path, map[string]any{"level": nextLevel}); err != nil {
			l.logger.Printf("Error persisting level for %s: %v", userID, err)
		}
	}
}

// Balance reads the current balance. A missing value reads as zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	snap, err := l.store.Get(ctx, balancePath(userID))
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", userID, err)
	}
	if !snap.Exists {
		return 0, nil
	}
	return toInt(snap.Data), nil
}

// History returns the audit trail in append order. limit restricts the
// result to the most recent entries (0 = all).
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	snap, err := l.store.Get(ctx, logPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction log for %s: %w", userID, err)
	}
	if !snap.Exists {
		return nil, nil
	}

	children, ok := snap.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction log shape for %s", userID)
	}

	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	// Push keys are monotonically ordered, so key order is append order.
	sort.Strings(keys)

	var txs []Transaction
	for _, key := range keys {
		raw, err := json.Marshal(children[key])
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction %s: %w", key, err)
		}
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", key, err)
		}
		txs = append(txs, tx)
	}

	if limit > 0 && len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}
	return txs, nil
}

// txRecord renders a Transaction as the generic map the store persists.
func txRecord(tx Transaction) map[string]any {
	record := map[string]any{
		"amount":          tx.Amount,
		"type":            string(tx.Kind),
		"timestamp":       tx.Timestamp.UTC().Format(time.RFC3339Nano),
		"previousBalance": tx.PreviousBalance,
		"newBalance":      tx.NewBalance,
	}
	if tx.SourceID != "" {
		record["sourceId"] = tx.SourceID
	}
	return record
}

// toInt coerces store values to int. Remote backends deliver numbers as
// float64 after JSON decoding; the in-memory store keeps ints.
func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
