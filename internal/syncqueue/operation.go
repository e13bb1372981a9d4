// Package syncqueue provides the offline-tolerant write queue and
// cache-then-network reads against the remote store.
//
// Writes requested while the backend is unreachable are appended to a
// durable, ordered queue and replayed in submission order once
// connectivity returns. Reads fall back to a locally cached value when
// the cache is fresh or the system is offline. The queue is the only
// component that mutates its durable backing store, and every mutation
// persists a whole-queue snapshot synchronously, so a crash never leaves
// a partially-written queue behind.
package syncqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationKind selects how a pending operation is applied to the remote
// store.
type OperationKind string

const (
	// OpSet replaces the whole value at the operation's path.
	OpSet OperationKind = "set"

	// OpUpdate merges the operation's payload fields into the value at
	// the path.
	OpUpdate OperationKind = "update"
)

// PendingOperation is a write destined for the remote store, held locally
// until successfully applied.
type PendingOperation struct {
	// ID uniquely identifies the operation for dedup and removal.
	ID string `json:"id"`

	// Path is the hierarchical target location in the remote store.
	Path string `json:"path"`

	// Payload is the semantic content to write. For OpUpdate it must be
	// a map of fields to merge.
	Payload any `json:"payload"`

	// Kind is how the payload is applied.
	Kind OperationKind `json:"kind"`

	// EnqueuedAt is the logical ordering key; replay is ascending.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed replay attempts.
	Attempts int `json:"attempts,omitempty"`

	// NextRetryAt defers replay of a previously failed operation until
	// its backoff window has elapsed. Zero means eligible immediately.
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`

	// LastError records why the most recent attempt failed, for the
	// dead-letter record and for operator inspection.
	LastError string `json:"last_error,omitempty"`
}

// newOperation creates a PendingOperation with a fresh ID stamped at now.
func newOperation(path string, payload any, kind OperationKind, now time.Time) PendingOperation {
	return PendingOperation{
		ID:         uuid.NewString(),
		Path:       path,
		Payload:    payload,
		Kind:       kind,
		EnqueuedAt: now,
	}
}

// encodeOperations serializes a whole-queue snapshot.
func encodeOperations(ops []PendingOperation) (string, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("failed to encode pending operations: %w", err)
	}
	return string(data), nil
}

// decodeOperations deserializes a queue snapshot. An empty value decodes
// to an empty queue.
func decodeOperations(value string) ([]PendingOperation, error) {
	if value == "" {
		return nil, nil
	}
	var ops []PendingOperation
	if err := json.Unmarshal([]byte(value), &ops); err != nil {
		return nil, fmt.Errorf("failed to decode pending operations: %w", err)
	}
	return ops, nil
}
