// Package remote defines the contract for the hosted realtime data store
// that BlackReaper synchronizes against.
//
// The store exposes hierarchical paths ("users/u1/rcCells"), one-shot and
// merge writes, append-with-generated-key, live value subscriptions, an
// optimistic-concurrency transaction primitive, and a connection liveness
// signal. The core never talks to a concrete backend product directly;
// everything goes through this interface so the sync queue and ledger can
// be exercised against the in-memory implementation in tests and local mode.
package remote

import "context"

// Snapshot is the result of a one-shot read.
type Snapshot struct {
	// Exists reports whether a value is present at the path.
	Exists bool

	// Data is the value at the path, nil when Exists is false.
	// Structured values are map[string]any; scalars are stored as-is.
	Data any
}

// TransactionResult reports the outcome of an optimistic transaction.
type TransactionResult struct {
	// Committed is true when the update function's result was applied
	// without a conflicting concurrent writer.
	Committed bool

	// FinalValue is the value at the path after the transaction settled.
	FinalValue any
}

// TransactionFunc computes the new value for a path from the current one.
//
// The function may be called more than once if a concurrent writer changed
// the value between read and write, so it must be pure: no side effects
// beyond computing the result.
type TransactionFunc func(current any) any

// UnsubscribeFunc detaches a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the remote data store collaborator.
//
// All methods take a context; implementations must return promptly when it
// is cancelled. Errors should be *StoreError where the failure class is
// known, so callers can distinguish transient connectivity failures from
// permanently-invalid operations.
type Store interface {
	// Get performs a one-shot read of the value at path.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set replaces the whole value at path.
	Set(ctx context.Context, path string, data any) error

	// Update merges the given fields into the value at path.
	// Non-map existing values are replaced.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push appends data under path with a generated child key and
	// returns the key.
	Push(ctx context.Context, path string, data any) (string, error)

	// Remove deletes the value at path. Removing a missing path is not
	// an error.
	Remove(ctx context.Context, path string) error

	// Subscribe registers a callback invoked with the current value at
	// path and again on every subsequent change.
	Subscribe(path string, fn func(Snapshot)) UnsubscribeFunc

	// Transaction runs an optimistic read-modify-write at path. The
	// store retries fn until no conflicting concurrent writer is
	// detected or the attempt budget is exhausted.
	Transaction(ctx context.Context, path string, fn TransactionFunc) (TransactionResult, error)

	// SubscribeConnection registers a callback for the backend
	// reachability signal. The callback fires immediately with the
	// current state and again on every transition.
	SubscribeConnection(fn func(connected bool)) UnsubscribeFunc
}
