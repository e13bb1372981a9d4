package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/notify"
	"github.com/blackreaper/blackreaper/internal/remote"
)

// SyncResult summarizes one replay pass.
type SyncResult struct {
	// Ran is false when the pass was a no-op: another pass was in
	// flight, the system was offline, or the queue was empty.
	Ran bool

	// Attempted counts operations actually tried this pass; operations
	// still inside their backoff window are not attempted.
	Attempted int

	Synced       int
	Failed       int
	DeadLettered int
}

// SyncData replays queued operations against the remote store.
//
// The pass is re-entrant-safe: a concurrent call while one is in flight
// observes the syncing guard and no-ops. Operations are attempted one at
// a time in ascending enqueue order; the pass never aborts early on a
// single failure. Succeeded operations are removed from the queue and the
// snapshot persisted; failed operations stay queued with an exponential
// backoff window, except permanently-failing operations that exhaust
// their attempt budget, which are moved to the dead-letter key and
// surfaced through the notifier.
func (q *Queue) SyncData(ctx context.Context) SyncResult {
	q.mu.Lock()
	if q.syncing || !q.online || len(q.ops) == 0 {
		q.mu.Unlock()
		return SyncResult{}
	}
	q.syncing = true
	snapshot := make([]PendingOperation, len(q.ops))
	copy(snapshot, q.ops)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
	}()

	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].EnqueuedAt.Before(snapshot[j].EnqueuedAt)
	})

	now := q.now()
	completed := make(map[string]bool)
	deadSet := make(map[string]bool)
	var dead []PendingOperation
	retried := make(map[string]PendingOperation)
	attempted := 0

	for _, op := range snapshot {
		if !op.NextRetryAt.IsZero() && now.Before(op.NextRetryAt) {
			continue
		}
		attempted++

		err := q.apply(ctx, op)
		if err == nil {
			completed[op.ID] = true
			continue
		}

		q.config.Logger.Printf("Error syncing operation %s (%s %s): %v", op.ID, op.Kind, op.Path, err)
		op.Attempts++
		op.LastError = err.Error()

		if remote.IsPermanent(err) && op.Attempts >= q.config.MaxPermanentAttempts {
			deadSet[op.ID] = true
			dead = append(dead, op)
			continue
		}

		op.NextRetryAt = now.Add(q.backoff(op.Attempts))
		retried[op.ID] = op
	}

	q.mu.Lock()
	kept := q.ops[:0]
	for _, op := range q.ops {
		if completed[op.ID] || deadSet[op.ID] {
			continue
		}
		if updated, ok := retried[op.ID]; ok {
			op = updated
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.persistLocked()
	q.mu.Unlock()

	if len(dead) > 0 {
		q.deadLetter(dead)
	}

	synced := len(completed)
	failed := len(retried)
	if synced > 0 {
		q.config.Logger.Printf("Synced %d operations", synced)
		if synced > 3 {
			q.notifier.Toast(fmt.Sprintf("Synced %d changes", synced), notify.Success)
		}
	}
	if failed > 0 {
		q.config.Logger.Printf("Failed to sync %d operations", failed)
	}

	if attempted > 0 && q.events != nil {
		q.events.Publish(bus.SyncCompleted{
			Synced:       synced,
			Failed:       failed,
			DeadLettered: len(dead),
		})
	}

	return SyncResult{
		Ran:          true,
		Attempted:    attempted,
		Synced:       synced,
		Failed:       failed,
		DeadLettered: len(dead),
	}
}

// ForceSync runs a replay pass regardless of the periodic timer. It is
// the hook for an explicit "sync now" user action.
func (q *Queue) ForceSync(ctx context.Context) SyncResult {
	return q.SyncData(ctx)
}

// backoff returns the retry delay after the given number of failed
// attempts: InitialBackoff doubled per failure, capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.config.InitialBackoff
	for i := 1; i < attempts && d < q.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > q.config.MaxBackoff {
		d = q.config.MaxBackoff
	}
	return d
}

// deadLetter appends permanently-failed operations to the dead-letter
// key and tells the user their changes could not be delivered.
func (q *Queue) deadLetter(ops []PendingOperation) {
	for _, op := range ops {
		q.config.Logger.Printf("Dead-lettering operation %s (%s %s) after %d attempts: %s",
			op.ID, op.Kind, op.Path, op.Attempts, op.LastError)
	}

	existing, _, err := q.local.GetItem(q.config.DeadLetterKey)
	if err != nil {
		q.config.Logger.Printf("Error reading dead letter queue: %v", err)
	}
	current, err := decodeOperations(existing)
	if err != nil {
		q.config.Logger.Printf("Error decoding dead letter queue: %v", err)
		current = nil
	}
	current = append(current, ops...)

	value, err := encodeOperations(current)
	if err != nil {
		q.config.Logger.Printf("Error encoding dead letter queue: %v", err)
		return
	}
	if err := q.local.SetItem(q.config.DeadLetterKey, value); err != nil {
		q.config.Logger.Printf("Error saving dead letter queue: %v", err)
	}

	q.notifier.Toast(fmt.Sprintf("%d changes could not be delivered and were set aside", len(ops)), notify.Warning)
}

// DeadLettered returns the operations moved aside after exhausting their
// permanent-failure budget.
func (q *Queue) DeadLettered() ([]PendingOperation, error) {
	value, ok, err := q.local.GetItem(q.config.DeadLetterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter queue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return decodeOperations(value)
}
