package remote

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a store failure for retry policy decisions.
type ErrorClass int

const (
	// ClassTransient marks failures expected to clear on their own:
	// connectivity loss, timeouts, backend overload. Queued operations
	// that fail with a transient error are retried indefinitely with
	// backoff.
	ClassTransient ErrorClass = iota

	// ClassPermanent marks failures that will not succeed on retry:
	// malformed paths, permission denials, payloads the backend
	// rejects. Queued operations that keep failing permanently are
	// dead-lettered instead of retried forever.
	ClassPermanent
)

// String returns a short label for logging.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// StoreError is a classified failure from the remote store.
type StoreError struct {
	Class ErrorClass
	Op    string // get, set, update, push, remove, transaction
	Path  string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Path, e.Err, e.Class)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrOffline is the underlying cause for failures while the backend is
// unreachable.
var ErrOffline = errors.New("backend unreachable")

// ErrPermissionDenied is the underlying cause for writes rejected by the
// backend's security rules.
var ErrPermissionDenied = errors.New("permission denied")

// ErrInvalidPath is the underlying cause for operations on malformed paths.
var ErrInvalidPath = errors.New("invalid path")

// IsTransient reports whether err is a transient store failure.
// Unclassified errors are treated as transient.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Class == ClassTransient
	}
	return true
}

// IsPermanent reports whether err is a permanent store failure.
func IsPermanent(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Class == ClassPermanent
	}
	return false
}
