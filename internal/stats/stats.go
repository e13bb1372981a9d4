// Package stats maintains per-user completion counters and drives the
// task completion flow.
package stats

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/blackreaper/blackreaper/internal/ledger"
	"github.com/blackreaper/blackreaper/internal/remote"
	"github.com/blackreaper/blackreaper/internal/syncqueue"
)

// taskRewardRC is the fixed award for completing a task.
const taskRewardRC = 50

// Counters are the per-user lifetime totals kept at users/<uid>/stats.
type Counters struct {
	PomodorosCompleted int `json:"pomodorosCompleted"`
	TasksCompleted     int `json:"tasksCompleted"`
}

// TaskCompletion reports the outcome of CompleteTask.
type TaskCompletion struct {
	// Duplicate is true when the task's reward was already claimed; the
	// call was a no-op.
	Duplicate bool

	// Awarded is the RC credited, zero for duplicates.
	Awarded int

	Transaction ledger.Transaction
}

// Tracker increments completion counters and completes tasks.
//
// Counters are only ever mutated through the remote store's transaction
// primitive so concurrent completions never lose an increment. The task
// completion flow claims a per-task reward flag the same way, which is
// what makes the 50 RC award exactly-once per task.
type Tracker struct {
	store  remote.Store
	queue  *syncqueue.Queue
	ledger *ledger.Ledger
	logger *log.Logger

	now func() time.Time
}

// New creates a Tracker. A nil logger defaults to stderr.
func New(store remote.Store, queue *syncqueue.Queue, rewards *ledger.Ledger, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[stats] ", log.LstdFlags)
	}
	return &Tracker{
		store:  store,
		queue:  queue,
		ledger: rewards,
		logger: logger,
		now:    time.Now,
	}
}

func statPath(userID, counter string) string {
	return fmt.Sprintf("users/%s/stats/%s", userID, counter)
}

func taskPath(userID, taskID string) string {
	return fmt.Sprintf("tasks/%s/%s", userID, taskID)
}

// RecordPomodoro bumps the user's completed-pomodoro counter.
func (t *Tracker) RecordPomodoro(ctx context.Context, userID string) error {
	return t.increment(ctx, statPath(userID, "pomodorosCompleted"))
}

// RecordTask bumps the user's completed-task counter.
func (t *Tracker) RecordTask(ctx context.Context, userID string) error {
	return t.increment(ctx, statPath(userID, "tasksCompleted"))
}

func (t *Tracker) increment(ctx context.Context, path string) error {
	res, err := t.store.Transaction(ctx, path, func(current any) any {
		return toInt(current) + 1
	})
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", path, err)
	}
	if !res.Committed {
		return fmt.Errorf("increment of %s did not commit", path)
	}
	return nil
}

// Counters reads the user's lifetime totals. Missing counters read as
// zero.
func (t *Tracker) Counters(ctx context.Context, userID string) (Counters, error) {
	snap, err := t.store.Get(ctx, fmt.Sprintf("users/%s/stats", userID))
	if err != nil {
		return Counters{}, fmt.Errorf("failed to read stats for %s: %w", userID, err)
	}
	if !snap.Exists {
		return Counters{}, nil
	}
	fields, ok := snap.Data.(map[string]any)
	if !ok {
		return Counters{}, fmt.Errorf("unexpected stats shape for %s", userID)
	}
	return Counters{
		PomodorosCompleted: toInt(fields["pomodorosCompleted"]),
		TasksCompleted:     toInt(fields["tasksCompleted"]),
	}, nil
}

// CompleteTask marks a task done, bumps the counter, and awards 50 RC.
//
// The reward flag on the task record is claimed first with an optimistic
// transaction; a second completion of the same task observes the claimed
// flag and returns Duplicate without touching the counter or the ledger.
// The completion fields themselves go through the offline queue, so the
// task record converges even if connectivity drops right after the
// claim.
func (t *Tracker) CompleteTask(ctx context.Context, userID, taskID string) (TaskCompletion, error) {
	claimPath := taskPath(userID, taskID) + "/rewardClaimed"

	var already bool
	res, err := t.store.Transaction(ctx, claimPath, func(current any) any {
		already = current == true
		return true
	})
	if err != nil {
		return TaskCompletion{}, fmt.Errorf("failed to claim reward for task %s: %w", taskID, err)
	}
	if !res.Committed {
		return TaskCompletion{}, fmt.Errorf("reward claim for task %s did not commit", taskID)
	}
	if already {
		t.logger.Printf("Task %s already completed, skipping award", taskID)
		return TaskCompletion{Duplicate: true}, nil
	}

	t.queue.UpdateWithOfflineSupport(ctx, taskPath(userID, taskID), map[string]any{
		"completed":   true,
		"completedAt": t.now().UTC().Format(time.RFC3339Nano),
	})

	if err := t.RecordTask(ctx, userID); err != nil {
		t.logger.Printf("Error updating task counter for %s: %v", userID, err)
	}

	tx, err := t.ledger.Award(ctx, userID, taskRewardRC, ledger.KindTaskCompletion, taskID)
	if err != nil {
		return TaskCompletion{}, fmt.Errorf("failed to award task completion: %w", err)
	}

	t.logger.Printf("Completed task %s for %s (+%d RC)", taskID, userID, taskRewardRC)
	return TaskCompletion{Awarded: taskRewardRC, Transaction: tx}, nil
}

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
