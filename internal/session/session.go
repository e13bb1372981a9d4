// Package session runs the pomodoro countdown state machine.
//
// One Service exists per authenticated user. Session records live under
// pomodoros/<uid>/<id> and are written through the offline queue, so a
// session survives connectivity loss; only the reward at completion
// requires the backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/ledger"
	"github.com/blackreaper/blackreaper/internal/stats"
	"github.com/blackreaper/blackreaper/internal/syncqueue"
)

// Kind is the session flavor. Only work sessions earn RC.
type Kind string

const (
	KindWork  Kind = "work"
	KindBreak Kind = "break"
)

// State is the machine state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"

	// StateFinalizing is entered synchronously before any completion
	// I/O. A second completion attempt observes it and no-ops, which is
	// what guarantees a single award per session.
	StateFinalizing State = "finalizing"
)

var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
	ErrNotPaused     = errors.New("session is not paused")
	ErrNotRunning    = errors.New("session is not running")
)

// Config holds the countdown durations.
type Config struct {
	WorkDuration  time.Duration
	BreakDuration time.Duration

	// CheckpointInterval is how often the remaining time is written to
	// the session record while running.
	CheckpointInterval time.Duration

	// TickInterval is the countdown resolution.
	TickInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns the classic 25/5 pomodoro setup.
func DefaultConfig() *Config {
	return &Config{
		WorkDuration:       25 * time.Minute,
		BreakDuration:      5 * time.Minute,
		CheckpointInterval: 15 * time.Second,
		TickInterval:       time.Second,
		Logger:             log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// Session is the active countdown.
type Session struct {
	ID        string
	UserID    string
	Kind      Kind
	Planned   time.Duration
	Remaining time.Duration
	StartedAt time.Time
}

// CompletionResult reports the outcome of Complete.
type CompletionResult struct {
	// Duplicate is true when another caller was already finalizing the
	// session; nothing was awarded by this call.
	Duplicate bool

	SessionID string
	Awarded   int
}

// Service drives one user's pomodoro sessions.
type Service struct {
	queue   *syncqueue.Queue
	rewards *ledger.Ledger
	tracker *stats.Tracker
	events  *bus.Bus
	config  *Config

	mu              sync.Mutex
	state           State
	current         Session
	next            Kind
	sinceCheckpoint time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Service. events may be nil.
func New(queue *syncqueue.Queue, rewards *ledger.Ledger, tracker *stats.Tracker, events *bus.Bus, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Service{
		queue:   queue,
		rewards: rewards,
		tracker: tracker,
		events:  events,
		config:  config,
		state:   StateIdle,
		next:    KindWork,
		now:     time.Now,
	}
}

// State returns the current machine state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns a copy of the active session, if any.
func (s *Service) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.state != StateIdle
}

// NextKind returns the kind the next session alternates to: work after
// break, break after work. Cancellation leaves it unchanged.
func (s *Service) NextKind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// StartNext starts a session of the alternating kind.
func (s *Service) StartNext(ctx context.Context, userID string) (Session, error) {
	return s.Start(ctx, userID, s.NextKind())
}

func recordPath(userID, sessionID string) string {
	return fmt.Sprintf("pomodoros/%s/%s", userID, sessionID)
}

// Start begins a new session. Only one session runs at a time.
func (s *Service) Start(ctx context.Context, userID string, kind Kind) (Session, error) {
	planned := s.config.WorkDuration
	if kind == KindBreak {
		planned = s.config.BreakDuration
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	session := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Planned:   planned,
		Remaining: planned,
		StartedAt: s.now(),
	}
	s.current = session
	s.state = StateRunning
	s.sinceCheckpoint = 0
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.queue.SetWithOfflineSupport(ctx, recordPath(userID, session.ID), map[string]any{
		"type":             string(kind),
		"status":           "active",
		"plannedSeconds":   int(planned.Seconds()),
		"remainingSeconds": int(planned.Seconds()),
		"startedAt":        session.StartedAt.UTC().Format(time.RFC3339Nano),
	})

	s.wg.Add(1)
	go s.countdown()

	s.config.Logger.Printf("Started %s session %s (%s)", kind, session.ID, planned)
	return session, nil
}

// countdown drives the timer until the session ends or is cancelled.
func (s *Service) countdown() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.tick(s.ctx, s.config.TickInterval) {
				return
			}
		}
	}
}

// tick advances the countdown by elapsed and reports whether the session
// ended. Paused sessions do not advance.
func (s *Service) tick(ctx context.Context, elapsed time.Duration) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		done := s.state == StateIdle || s.state == StateFinalizing
		s.mu.Unlock()
		return done
	}

	s.current.Remaining -= elapsed
	if s.current.Remaining < 0 {
		s.current.Remaining = 0
	}
	expired := s.current.Remaining == 0

	checkpoint := false
	s.sinceCheckpoint += elapsed
	if s.sinceCheckpoint >= s.config.CheckpointInterval {
		s.sinceCheckpoint = 0
		checkpoint = true
	}
	session := s.current
	s.mu.Unlock()

	if checkpoint && !expired {
		s.queue.UpdateWithOfflineSupport(ctx, recordPath(session.UserID, session.ID), map[string]any{
			"remainingSeconds": int(session.Remaining.Seconds()),
		})
	}

	if expired {
		// Finalization outlives the session context, which Complete
		// cancels to stop the countdown.
		if _, err := s.Complete(context.WithoutCancel(ctx)); err != nil {
			s.config.Logger.Printf("Error completing session %s: %v", session.ID, err)
		}
		return true
	}
	return false
}

// Pause suspends the countdown.
func (s *Service) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StatePaused
	session := s.current
	s.mu.Unlock()

	s.queue.UpdateWithOfflineSupport(ctx, recordPath(session.UserID, session.ID), map[string]any{
		"status":           "paused",
		"remainingSeconds": int(session.Remaining.Seconds()),
	})
	s.config.Logger.Printf("Paused session %s with %s remaining", session.ID, session.Remaining)
	return nil
}

// Resume restarts a paused countdown.
func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotPaused
	}
	s.state = StateRunning
	session := s.current
	s.mu.Unlock()

	s.queue.UpdateWithOfflineSupport(ctx, recordPath(session.UserID, session.ID), map[string]any{
		"status": "active",
	})
	s.config.Logger.Printf("Resumed session %s", session.ID)
	return nil
}

// Cancel abandons the session. No reward is given.
func (s *Service) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return ErrNoSession
	}
	session := s.current
	s.state = StateIdle
	s.current = Session{}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.queue.UpdateWithOfflineSupport(ctx, recordPath(session.UserID, session.ID), map[string]any{
		"status":  "cancelled",
		"endedAt": s.now().UTC().Format(time.RFC3339Nano),
	})
	s.config.Logger.Printf("Cancelled session %s", session.ID)
	return nil
}

// Complete finalizes the session and awards RC for work sessions.
//
// The transition to finalizing happens under the lock before any remote
// call, so when the countdown expiring and an explicit completion race,
// exactly one caller proceeds; the other returns a Duplicate result.
func (s *Service) Complete(ctx context.Context) (CompletionResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateFinalizing:
		id := s.current.ID
		s.mu.Unlock()
		return CompletionResult{Duplicate: true, SessionID: id}, nil
	case StateRunning, StatePaused:
		// Proceed.
	default:
		s.mu.Unlock()
		return CompletionResult{}, ErrNoSession
	}
	s.state = StateFinalizing
	session := s.current
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.queue.UpdateWithOfflineSupport(ctx, recordPath(session.UserID, session.ID), map[string]any{
		"status":           "completed",
		"remainingSeconds": 0,
		"endedAt":          s.now().UTC().Format(time.RFC3339Nano),
	})

	awarded := 0
	if session.Kind == KindWork {
		amount := int(session.Planned.Seconds()) / 60
		tx, err := s.rewards.Award(ctx, session.UserID, amount, ledger.KindPomodoroCompletion, session.ID)
		if err != nil {
			// The session stays finalized; the reward is the casualty.
			s.finish(session.Kind)
			return CompletionResult{SessionID: session.ID}, fmt.Errorf("failed to award session %s: %w", session.ID, err)
		}
		awarded = tx.Amount

		if s.tracker != nil {
			if err := s.tracker.RecordPomodoro(ctx, session.UserID); err != nil {
				s.config.Logger.Printf("Error updating pomodoro counter for %s: %v", session.UserID, err)
			}
		}
	}

	if s.events != nil {
		s.events.Publish(bus.SessionCompleted{
			UserID:    session.UserID,
			SessionID: session.ID,
			Work:      session.Kind == KindWork,
			RCAwarded: awarded,
		})
	}

	s.finish(session.Kind)
	s.config.Logger.Printf("Completed session %s (+%d RC)", session.ID, awarded)
	return CompletionResult{SessionID: session.ID, Awarded: awarded}, nil
}

// finish returns the machine to idle and flips the alternation.
func (s *Service) finish(completed Kind) {
	s.mu.Lock()
	s.state = StateIdle
	s.current = Session{}
	if completed == KindWork {
		s.next = KindBreak
	} else {
		s.next = KindWork
	}
	s.mu.Unlock()
}

// Stop cancels the countdown goroutine without touching the session
// record. Used at shutdown; an in-flight session resumes as abandoned.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
