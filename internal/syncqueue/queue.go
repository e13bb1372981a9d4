package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/localstore"
	"github.com/blackreaper/blackreaper/internal/notify"
	"github.com/blackreaper/blackreaper/internal/remote"
)

// Config holds configuration for the sync queue.
type Config struct {
	// SyncInterval is how often the periodic fallback replay runs, in
	// case a connectivity transition event was missed.
	SyncInterval time.Duration

	// CacheTTL is how long a cached read stays fresh.
	CacheTTL time.Duration

	// InitialBackoff is the delay before the first retry of a failed
	// operation; it doubles per failure up to MaxBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-operation retry delay.
	MaxBackoff time.Duration

	// MaxPermanentAttempts is how many permanently-classified failures
	// an operation survives before it is dead-lettered.
	MaxPermanentAttempts int

	// QueueKey is the durable-store key for the pending queue snapshot.
	QueueKey string

	// DeadLetterKey is the durable-store key for dead-lettered
	// operations.
	DeadLetterKey string

	// CachePrefix namespaces cached reads in the durable store.
	CachePrefix string

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults: 60s fallback sync, 5 minute
// cache TTL.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:         60 * time.Second,
		CacheTTL:             5 * time.Minute,
		InitialBackoff:       2 * time.Second,
		MaxBackoff:           5 * time.Minute,
		MaxPermanentAttempts: 3,
		QueueKey:             "pending_operations",
		DeadLetterKey:        "dead_letter_operations",
		CachePrefix:          "cache/",
		Logger:               log.New(os.Stderr, "[syncqueue] ", log.LstdFlags),
	}
}

// WriteResult reports the outcome of an offline-tolerant write.
type WriteResult struct {
	// Success is true when the write was applied or accepted for
	// eventual delivery.
	Success bool

	// Offline is true when the write was only accepted for eventual
	// delivery, not confirmed against the backend.
	Offline bool

	// Err carries the failure when Success is false. The enqueued copy
	// stays in the queue regardless, so a later sync pass retries it.
	Err error
}

// ReadResult reports the outcome of a cache-then-network read.
type ReadResult struct {
	Success bool
	Offline bool
	Cached  bool
	Exists  bool
	Data    any
	Err     error
}

// cacheEntry is the durable representation of a cached read.
type cacheEntry struct {
	Data     any       `json:"data"`
	CachedAt time.Time `json:"cached_at"`
}

// Queue is the offline-tolerant sync queue.
//
// One Queue exists per authenticated session. Construct with New, call
// Start to attach connectivity listeners and the periodic replay timer,
// and Stop at sign-out. Stopping detaches listeners but leaves the queue
// snapshot intact in durable storage for the next session.
type Queue struct {
	store    remote.Store
	local    localstore.Store
	events   *bus.Bus
	notifier notify.Notifier
	config   *Config

	mu       sync.Mutex
	ops      []PendingOperation
	online   bool
	syncing  bool
	observed bool // first liveness callback is initialization, not a transition

	unsubConn remote.UnsubscribeFunc
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Queue and loads any pending operations persisted by a
// previous session.
//
// events and notifier may be nil; a nil notifier discards toasts.
func New(store remote.Store, local localstore.Store, events *bus.Bus, notifier notify.Notifier, config *Config) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncqueue] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}

	q := &Queue{
		store:    store,
		local:    local,
		events:   events,
		notifier: notifier,
		config:   config,
		now:      time.Now,
	}

	value, ok, err := local.GetItem(config.QueueKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	if ok {
		ops, err := decodeOperations(value)
		if err != nil {
			// A corrupt snapshot must not brick the session; start
			// empty.
			config.Logger.Printf("Error loading pending operations: %v", err)
			ops = nil
		}
		q.ops = ops
	}

	if len(q.ops) > 0 {
		config.Logger.Printf("Loaded %d pending operations", len(q.ops))
	}

	return q, nil
}

// Start attaches the backend liveness listener and the periodic fallback
// sync timer. It returns immediately.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)

	q.unsubConn = q.store.SubscribeConnection(q.handleConnectionChange)

	q.wg.Add(1)
	go q.syncLoop()
}

// Stop detaches listeners and stops the periodic timer. The queue
// snapshot stays in durable storage.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	if q.unsubConn != nil {
		q.unsubConn()
		q.unsubConn = nil
	}
	q.wg.Wait()
}

// syncLoop is the periodic fallback in case a connectivity transition
// event was missed.
func (q *Queue) syncLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if q.Online() {
				q.SyncData(q.ctx)
			}
		}
	}
}

// handleConnectionChange feeds the backend liveness signal into the
// online state. Any transition to online triggers a replay pass.
func (q *Queue) handleConnectionChange(connected bool) {
	q.mu.Lock()
	first := !q.observed
	q.observed = true
	changed := q.online != connected
	q.online = connected
	q.mu.Unlock()

	if first && connected {
		// Initialization, not a transition. Still worth a replay in
		// case a previous session left operations behind.
		if q.ctx != nil {
			go q.SyncData(q.ctx)
		}
		return
	}
	if !changed {
		return
	}

	if connected {
		q.config.Logger.Println("Connected to backend")
		q.notifier.Toast("Connection restored", notify.Success)
		if q.events != nil {
			q.events.Publish(bus.ConnectivityChanged{Online: true})
		}
		if q.ctx != nil {
			go q.SyncData(q.ctx)
		}
	} else {
		q.config.Logger.Println("Disconnected from backend")
		q.notifier.Toast("Connection lost - working offline", notify.Warning)
		if q.events != nil {
			q.events.Publish(bus.ConnectivityChanged{Online: false})
		}
	}
}

// SetTransportOnline feeds the transport-level connectivity signal
// (the browser online/offline analog). The backend liveness signal
// remains authoritative for reachability; a transport "online" only
// triggers a replay attempt, while a transport "offline" is trusted
// immediately because the backend cannot be reachable without a network.
func (q *Queue) SetTransportOnline(online bool) {
	if online {
		q.config.Logger.Println("Transport went online")
		if q.ctx != nil {
			go q.SyncData(q.ctx)
		}
		return
	}

	q.mu.Lock()
	changed := q.online
	q.online = false
	q.mu.Unlock()

	q.config.Logger.Println("Transport went offline")
	if changed {
		q.notifier.Toast("Connection lost - working offline", notify.Warning)
		if q.events != nil {
			q.events.Publish(bus.ConnectivityChanged{Online: false})
		}
	}
}

// Online reports current backend reachability.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// PendingCount returns the number of queued operations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// HasPending reports whether any operations are queued.
func (q *Queue) HasPending() bool {
	return q.PendingCount() > 0
}

// Enqueue appends a pending operation, durably persists the queue, and
// returns the operation ID. It never fails: a durable persistence error
// degrades durability to best-effort and is logged, but the in-memory
// queue still holds the operation.
//
// If currently online, an asynchronous replay attempt is triggered as a
// side effect; the call itself never blocks on network I/O.
func (q *Queue) Enqueue(path string, payload any, kind OperationKind) string {
	q.mu.Lock()
	op := newOperation(path, payload, kind, q.now())
	q.ops = append(q.ops, op)
	q.persistLocked()
	online := q.online
	q.mu.Unlock()

	if online && q.ctx != nil {
		go q.SyncData(q.ctx)
	}

	return op.ID
}

// persistLocked writes the whole-queue snapshot to durable storage.
// Must be called with the lock held. Persistence failures (storage
// exhaustion) are logged, not fatal.
func (q *Queue) persistLocked() {
	value, err := encodeOperations(q.ops)
	if err != nil {
		q.config.Logger.Printf("Error encoding pending operations: %v", err)
		return
	}
	if err := q.local.SetItem(q.config.QueueKey, value); err != nil {
		q.config.Logger.Printf("Error saving pending operations: %v", err)
	}
}

// UpdateWithOfflineSupport is the entry point for merge-writes that must
// survive disconnection. The operation is always enqueued first; the
// queue is the source of truth for eventual delivery.
//
// When online and nothing older is queued ahead of it, the write is also
// attempted immediately; on success the queued copy is removed, on
// failure it stays for the next sync pass. When older operations are
// pending, the immediate attempt is skipped so replay order is
// preserved, and the write is reported as accepted-for-delivery.
func (q *Queue) UpdateWithOfflineSupport(ctx context.Context, path string, fields map[string]any) WriteResult {
	return q.writeWithOfflineSupport(ctx, path, fields, OpUpdate)
}

// SetWithOfflineSupport is UpdateWithOfflineSupport for whole-value
// replacement.
func (q *Queue) SetWithOfflineSupport(ctx context.Context, path string, data any) WriteResult {
	return q.writeWithOfflineSupport(ctx, path, data, OpSet)
}

func (q *Queue) writeWithOfflineSupport(ctx context.Context, path string, payload any, kind OperationKind) WriteResult {
	q.mu.Lock()
	hadPending := len(q.ops) > 0
	op := newOperation(path, payload, kind, q.now())
	q.ops = append(q.ops, op)
	q.persistLocked()
	online := q.online
	q.mu.Unlock()

	if !online {
		return WriteResult{Success: true, Offline: true}
	}

	if hadPending {
		// Older writes must land first; let the sync pass deliver this
		// one in order.
		if q.ctx != nil {
			go q.SyncData(q.ctx)
		}
		return WriteResult{Success: true, Offline: true}
	}

	if err := q.apply(ctx, op); err != nil {
		q.config.Logger.Printf("Error writing %s: %v", path, err)
		// The enqueued copy stays for the next sync pass.
		return WriteResult{Success: false, Err: err}
	}

	q.removeOp(op.ID)
	return WriteResult{Success: true, Offline: false}
}

// apply performs one operation against the remote store.
func (q *Queue) apply(ctx context.Context, op PendingOperation) error {
	switch op.Kind {
	case OpUpdate:
		fields, err := updateFields(op.Payload)
		if err != nil {
			return &remote.StoreError{Class: remote.ClassPermanent, Op: "update", Path: op.Path, Err: err}
		}
		return q.store.Update(ctx, op.Path, fields)
	case OpSet:
		return q.store.Set(ctx, op.Path, op.Payload)
	default:
		return &remote.StoreError{
			Class: remote.ClassPermanent,
			Op:    string(op.Kind),
			Path:  op.Path,
			Err:   fmt.Errorf("unknown operation kind %q", op.Kind),
		}
	}
}

// updateFields coerces an OpUpdate payload to field map form. Payloads
// loaded from a durable snapshot arrive as map[string]any already;
// anything else is a caller bug surfaced as a permanent error.
func updateFields(payload any) (map[string]any, error) {
	if fields, ok := payload.(map[string]any); ok {
		return fields, nil
	}
	return nil, errors.New("update payload is not a field map")
}

// removeOp deletes one operation by ID and persists the snapshot.
func (q *Queue) removeOp(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			q.persistLocked()
			return
		}
	}
}

// GetWithOfflineSupport reads path, serving a cached value when it is
// fresh or the system is offline, otherwise fetching live data and
// refreshing the cache. Offline with no cached value fails explicitly.
func (q *Queue) GetWithOfflineSupport(ctx context.Context, path string) ReadResult {
	online := q.Online()

	if entry, ok := q.readCache(path); ok {
		if !online || q.now().Sub(entry.CachedAt) < q.config.CacheTTL {
			return ReadResult{
				Success: true,
				Offline: !online,
				Cached:  true,
				Exists:  true,
				Data:    entry.Data,
			}
		}
	}

	if !online {
		return ReadResult{
			Success: false,
			Offline: true,
			Err:     errors.New("offline and no cached data available"),
		}
	}

	snap, err := q.store.Get(ctx, path)
	if err != nil {
		q.config.Logger.Printf("Error getting %s: %v", path, err)
		return ReadResult{Success: false, Err: err}
	}

	if snap.Exists {
		q.writeCache(path, snap.Data)
		return ReadResult{Success: true, Exists: true, Data: snap.Data}
	}
	return ReadResult{Success: true, Exists: false}
}

// readCache loads the cached entry for path, if any.
func (q *Queue) readCache(path string) (cacheEntry, bool) {
	value, ok, err := q.local.GetItem(q.config.CachePrefix + path)
	if err != nil {
		q.config.Logger.Printf("Error reading cache for %s: %v", path, err)
		return cacheEntry{}, false
	}
	if !ok {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		q.config.Logger.Printf("Error decoding cache for %s: %v", path, err)
		return cacheEntry{}, false
	}
	return entry, true
}

// writeCache stores a fresh cache entry for path. Failures are logged;
// caching is best-effort.
func (q *Queue) writeCache(path string, data any) {
	entry := cacheEntry{Data: data, CachedAt: q.now()}
	value, err := json.Marshal(entry)
	if err != nil {
		q.config.Logger.Printf("Error encoding cache for %s: %v", path, err)
		return
	}
	if err := q.local.SetItem(q.config.CachePrefix+path, string(value)); err != nil {
		q.config.Logger.Printf("Error caching %s: %v", path, err)
	}
}

// ClearCache removes every cached read, returning how many entries were
// dropped. The pending queue is untouched.
func (q *Queue) ClearCache() (int, error) {
	keys, err := q.local.Keys(q.config.CachePrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate cache keys: %w", err)
	}
	cleared := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, q.config.CachePrefix) {
			continue
		}
		if err := q.local.RemoveItem(key); err != nil {
			q.config.Logger.Printf("Error clearing cache key %s: %v", key, err)
			continue
		}
		cleared++
	}
	return cleared, nil
}
