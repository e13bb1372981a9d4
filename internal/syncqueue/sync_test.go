package syncqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/localstore"
	"github.com/blackreaper/blackreaper/internal/remote"
)

// blockingStore wraps MemStore so tests can hold a Set mid-flight.
type blockingStore struct {
	*remote.MemStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Set(ctx context.Context, path string, data any) error {
	b.entered <- struct{}{}
	<-b.release
	return b.MemStore.Set(ctx, path, data)
}

func TestConcurrentSyncPassesDoNotOverlap(t *testing.T) {
	// While one replay pass is in flight, a second call observes the
	// syncing guard and no-ops.
	store := &blockingStore{
		MemStore: remote.NewMemStore(),
		entered:  make(chan struct{}, 8),
		release:  make(chan struct{}),
	}
	local, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	defer local.Close()

	q, err := New(store, local, nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	q.Enqueue("sync/slow", 1, OpSet)
	q.handleConnectionChange(true)

	ctx := context.Background()
	done := make(chan SyncResult, 1)
	go func() {
		done <- q.SyncData(ctx)
	}()

	// Wait until the first pass is inside the remote write.
	<-store.entered

	second := q.SyncData(ctx)
	if second.Ran {
		t.Error("second pass should observe syncing=true and no-op")
	}

	close(store.release)
	first := <-done
	if !first.Ran || first.Synced != 1 {
		t.Errorf("first pass should complete normally, got %+v", first)
	}
}

func TestSyncNoOpWhenOfflineOrEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	ctx := context.Background()

	// Offline: no-op even with queued work.
	q.Enqueue("a/b", 1, OpSet)
	if res := q.SyncData(ctx); res.Ran {
		t.Error("sync must not run while offline")
	}

	// Online: the queued operation drains.
	q.handleConnectionChange(true)
	if res := q.SyncData(ctx); !res.Ran || res.Synced != 1 {
		t.Fatalf("expected drain, got %+v", res)
	}

	// Online but empty: no-op.
	if res := q.SyncData(ctx); res.Ran {
		t.Error("sync over an empty queue must no-op")
	}
}

func TestPassAttemptsEveryOperationOncePerPass(t *testing.T) {
	// A single failure must not abort the pass; every eligible
	// operation is attempted once.
	q, store, _ := newTestQueue(t, nil)
	ctx := context.Background()
	q.handleConnectionChange(true)

	q.Enqueue("ok/1", 1, OpSet)
	q.Enqueue("bad/1", 2, OpSet)
	q.Enqueue("ok/2", 3, OpSet)

	store.FailPathWith("bad/1", &remote.StoreError{
		Class: remote.ClassTransient,
		Op:    "set",
		Path:  "bad/1",
		Err:   remote.ErrOffline,
	})

	res := q.SyncData(ctx)
	if res.Attempted != 3 {
		t.Errorf("expected 3 attempts, got %+v", res)
	}
	if res.Synced != 2 || res.Failed != 1 {
		t.Errorf("expected 2 synced / 1 failed, got %+v", res)
	}
	if q.PendingCount() != 1 {
		t.Errorf("failed operation should stay queued, got %d", q.PendingCount())
	}
}

func TestTransientFailuresBackOffAndRetryForever(t *testing.T) {
	q, store, _ := newTestQueue(t, nil)
	ctx := context.Background()
	q.handleConnectionChange(true)

	now := time.Now()
	q.now = func() time.Time { return now }

	store.FailWritesWith(&remote.StoreError{
		Class: remote.ClassTransient,
		Op:    "set",
		Path:  "x",
		Err:   remote.ErrOffline,
	})
	q.Enqueue("sync/x", 1, OpSet)

	// First pass fails and schedules a retry.
	if res := q.SyncData(ctx); res.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", res)
	}

	// Within the backoff window the operation is not attempted.
	if res := q.SyncData(ctx); res.Attempted != 0 {
		t.Errorf("expected backoff to defer the retry, got %+v", res)
	}

	// Transient failures are never dead-lettered, however many times
	// they fail.
	for i := 0; i < 10; i++ {
		now = now.Add(q.config.MaxBackoff + time.Second)
		q.SyncData(ctx)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("transient failure must stay queued, got %d", q.PendingCount())
	}
	dead, err := q.DeadLettered()
	if err != nil {
		t.Fatalf("DeadLettered failed: %v", err)
	}
	if len(dead) != 0 {
		t.Errorf("transient failures must not dead-letter, got %d", len(dead))
	}

	// Once the store recovers, the operation lands.
	store.FailWritesWith(nil)
	now = now.Add(q.config.MaxBackoff + time.Second)
	if res := q.SyncData(ctx); res.Synced != 1 {
		t.Errorf("expected recovery to sync, got %+v", res)
	}
}

func TestPermanentFailuresDeadLetter(t *testing.T) {
	config := DefaultConfig()
	config.MaxPermanentAttempts = 2
	q, store, _ := newTestQueue(t, config)
	ctx := context.Background()
	q.handleConnectionChange(true)

	now := time.Now()
	q.now = func() time.Time { return now }

	var events []bus.Event
	q.events.Subscribe(func(e bus.Event) { events = append(events, e) })

	store.FailPathWith("secure/x", &remote.StoreError{
		Class: remote.ClassPermanent,
		Op:    "set",
		Path:  "secure/x",
		Err:   remote.ErrPermissionDenied,
	})
	q.Enqueue("secure/x", 1, OpSet)

	// First failure stays queued with backoff.
	if res := q.SyncData(ctx); res.Failed != 1 || res.DeadLettered != 0 {
		t.Fatalf("expected first failure to stay queued, got %+v", res)
	}

	// Second failure exhausts the budget and dead-letters.
	now = now.Add(q.config.MaxBackoff + time.Second)
	res := q.SyncData(ctx)
	if res.DeadLettered != 1 {
		t.Fatalf("expected dead-letter on second permanent failure, got %+v", res)
	}
	if q.PendingCount() != 0 {
		t.Errorf("dead-lettered operation must leave the queue, got %d", q.PendingCount())
	}

	dead, err := q.DeadLettered()
	if err != nil {
		t.Fatalf("DeadLettered failed: %v", err)
	}
	if len(dead) != 1 || dead[0].Path != "secure/x" {
		t.Fatalf("unexpected dead letter contents: %#v", dead)
	}
	if dead[0].Attempts != 2 {
		t.Errorf("expected 2 recorded attempts, got %d", dead[0].Attempts)
	}

	// The pass outcome was published.
	found := false
	for _, e := range events {
		if sc, ok := e.(bus.SyncCompleted); ok && sc.DeadLettered == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected SyncCompleted event with DeadLettered=1")
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := q.backoff(c.attempts); got != c.want {
			t.Errorf("backoff(%d): expected %v, got %v", c.attempts, c.want, got)
		}
	}
}

func TestEnqueueDuringSyncIsNotLost(t *testing.T) {
	// Operations enqueued while a pass is in flight survive the
	// post-pass queue merge.
	store := &blockingStore{
		MemStore: remote.NewMemStore(),
		entered:  make(chan struct{}, 8),
		release:  make(chan struct{}),
	}
	local, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	defer local.Close()

	q, err := New(store, local, nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	q.Enqueue("sync/a", 1, OpSet)
	q.handleConnectionChange(true)

	ctx := context.Background()
	done := make(chan SyncResult, 1)
	go func() {
		done <- q.SyncData(ctx)
	}()

	<-store.entered
	q.Enqueue("sync/b", 2, OpSet)
	close(store.release)
	<-done

	if q.PendingCount() != 1 {
		t.Fatalf("expected the mid-pass enqueue to survive, got %d", q.PendingCount())
	}

	if res := q.SyncData(ctx); res.Synced != 1 {
		t.Errorf("expected the surviving operation to sync, got %+v", res)
	}
}
