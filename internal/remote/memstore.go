package remote

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// MemStore is an in-memory Store implementation.
//
// It backs tests and local (signed-out) mode. Beyond the Store contract it
// exposes knobs for simulating the failure modes the sync queue must
// survive: connectivity flaps, per-path write rejections, and transaction
// contention from concurrent writers.
//
// Transactions are genuinely optimistic: the current value is read, the
// update function runs outside the lock, and the write only commits if no
// other writer touched the path in between. Concurrent Transaction calls
// from multiple goroutines therefore exercise the real retry loop.
type MemStore struct {
	mu   sync.Mutex
	root map[string]any

	connected bool
	writeErr  error
	pathErrs  map[string]error

	// forceConflicts makes the next N transaction attempts observe a
	// conflicting writer, for deterministic retry tests.
	forceConflicts int

	subs     map[int]*valueSub
	connSubs map[int]func(bool)
	nextSub  int
	nextPush int64
}

type valueSub struct {
	path string
	fn   func(Snapshot)
}

const maxTransactionAttempts = 25

// NewMemStore returns an empty, connected store.
func NewMemStore() *MemStore {
	return &MemStore{
		root:      make(map[string]any),
		connected: true,
		pathErrs:  make(map[string]error),
		subs:      make(map[int]*valueSub),
		connSubs:  make(map[int]func(bool)),
	}
}

// SetConnected flips the backend reachability signal and notifies
// connection subscribers.
func (s *MemStore) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	var fns []func(bool)
	if changed {
		for _, fn := range s.connSubs {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// FailWritesWith makes every mutating operation fail with err until
// cleared with nil. The error is classified transient unless it is
// already a *StoreError.
func (s *MemStore) FailWritesWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailPathWith makes mutating operations on exactly path fail with err
// until cleared with nil. Used to simulate permission denials on a
// single location.
func (s *MemStore) FailPathWith(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.pathErrs, path)
		return
	}
	s.pathErrs[path] = err
}

// ForceTransactionConflicts makes the next n transaction attempts observe
// a concurrent writer and retry.
func (s *MemStore) ForceTransactionConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceConflicts = n
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, ErrInvalidPath
		}
	}
	return segs, nil
}

// checkOp validates connectivity, injected failures, and the path. Must be
// called with the lock held.
func (s *MemStore) checkOp(op, path string, mutating bool) error {
	if !s.connected {
		return &StoreError{Class: ClassTransient, Op: op, Path: path, Err: ErrOffline}
	}
	if mutating {
		if s.writeErr != nil {
			return s.wrap(op, path, s.writeErr)
		}
		if err, ok := s.pathErrs[path]; ok {
			return s.wrap(op, path, err)
		}
	}
	if _, err := splitPath(path); err != nil {
		return &StoreError{Class: ClassPermanent, Op: op, Path: path, Err: err}
	}
	return nil
}

// wrap preserves an injected *StoreError and classifies anything else as
// transient.
func (s *MemStore) wrap(op, path string, err error) error {
	if se, ok := err.(*StoreError); ok {
		return se
	}
	return &StoreError{Class: ClassTransient, Op: op, Path: path, Err: err}
}

// Get implements Store.Get.
func (s *MemStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOp("get", path, false); err != nil {
		return Snapshot{}, err
	}
	return s.snapshotLocked(path), nil
}

// Set implements Store.Set.
func (s *MemStore) Set(ctx context.Context, path string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkOp("set", path, true); err != nil {
		s.mu.Unlock()
		return err
	}
	segs, _ := splitPath(path)
	s.writeLocked(segs, deepCopy(data))
	s.mu.Unlock()

	s.notify(path)
	return nil
}

// Update implements Store.Update.
func (s *MemStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkOp("update", path, true); err != nil {
		s.mu.Unlock()
		return err
	}
	segs, _ := splitPath(path)
	existing, _ := s.readLocked(segs)
	merged, ok := existing.(map[string]any)
	if !ok {
		merged = make(map[string]any)
	}
	for k, v := range fields {
		merged[k] = deepCopy(v)
	}
	s.writeLocked(segs, merged)
	s.mu.Unlock()

	s.notify(path)
	return nil
}

// Push implements Store.Push.
func (s *MemStore) Push(ctx context.Context, path string, data any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if err := s.checkOp("push", path, true); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.nextPush++
	key := fmt.Sprintf("-k%08d", s.nextPush)
	segs, _ := splitPath(path)
	s.writeLocked(append(segs, key), deepCopy(data))
	s.mu.Unlock()

	s.notify(path)
	return key, nil
}

// Remove implements Store.Remove.
func (s *MemStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkOp("remove", path, true); err != nil {
		s.mu.Unlock()
		return err
	}
	segs, _ := splitPath(path)
	s.removeLocked(segs)
	s.mu.Unlock()

	s.notify(path)
	return nil
}

// Transaction implements Store.Transaction.
//
// The update function runs outside the lock; the write commits only if
// the value at path is unchanged since it was read. On conflict the
// transaction re-reads and retries, up to maxTransactionAttempts.
func (s *MemStore) Transaction(ctx context.Context, path string, fn TransactionFunc) (TransactionResult, error) {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return TransactionResult{}, err
		}

		s.mu.Lock()
		if err := s.checkOp("transaction", path, true); err != nil {
			s.mu.Unlock()
			return TransactionResult{}, err
		}
		segs, _ := splitPath(path)
		before, _ := s.readLocked(segs)
		s.mu.Unlock()

		next := fn(deepCopy(before))

		s.mu.Lock()
		if err := s.checkOp("transaction", path, true); err != nil {
			s.mu.Unlock()
			return TransactionResult{}, err
		}
		current, _ := s.readLocked(segs)
		if s.forceConflicts > 0 || !reflect.DeepEqual(before, current) {
			if s.forceConflicts > 0 {
				s.forceConflicts--
			}
			s.mu.Unlock()
			continue
		}
		s.writeLocked(segs, deepCopy(next))
		s.mu.Unlock()

		s.notify(path)
		return TransactionResult{Committed: true, FinalValue: next}, nil
	}

	return TransactionResult{Committed: false}, &StoreError{
		Class: ClassTransient,
		Op:    "transaction",
		Path:  path,
		Err:   fmt.Errorf("aborted after %d attempts", maxTransactionAttempts),
	}
}

// Subscribe implements Store.Subscribe. The callback fires immediately
// with the current value.
func (s *MemStore) Subscribe(path string, fn func(Snapshot)) UnsubscribeFunc {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = &valueSub{path: path, fn: fn}
	snap := s.snapshotLocked(path)
	s.mu.Unlock()

	fn(snap)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SubscribeConnection implements Store.SubscribeConnection.
func (s *MemStore) SubscribeConnection(fn func(connected bool)) UnsubscribeFunc {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.connSubs[id] = fn
	connected := s.connected
	s.mu.Unlock()

	fn(connected)

	return func() {
		s.mu.Lock()
		delete(s.connSubs, id)
		s.mu.Unlock()
	}
}

// notify delivers snapshots to subscribers whose path overlaps the
// changed path (ancestor or descendant).
func (s *MemStore) notify(changed string) {
	type delivery struct {
		fn   func(Snapshot)
		snap Snapshot
	}

	s.mu.Lock()
	var out []delivery
	for _, sub := range s.subs {
		if pathsOverlap(sub.path, changed) {
			out = append(out, delivery{fn: sub.fn, snap: s.snapshotLocked(sub.path)})
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.fn(d.snap)
	}
}

func pathsOverlap(a, b string) bool {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// snapshotLocked reads the value at path. Must be called with the lock held.
func (s *MemStore) snapshotLocked(path string) Snapshot {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}
	}
	val, ok := s.readLocked(segs)
	if !ok {
		return Snapshot{Exists: false}
	}
	return Snapshot{Exists: true, Data: deepCopy(val)}
}

func (s *MemStore) readLocked(segs []string) (any, bool) {
	node := any(s.root)
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func (s *MemStore) writeLocked(segs []string, val any) {
	m := s.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := m[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[seg] = child
		}
		m = child
	}
	m[segs[len(segs)-1]] = val
}

func (s *MemStore) removeLocked(segs []string) {
	m := s.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = child
	}
	delete(m, segs[len(segs)-1])
}

// deepCopy clones nested map/slice values so callers never share memory
// with the store.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
