package localstore

import (
	"path/filepath"
	"testing"
)

// openTestStore creates a temporary store for testing.
func openTestStore(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "local.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSetAndGetItem(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetItem("pending_operations", `[{"id":"a"}]`); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}

	value, ok, err := store.GetItem("pending_operations")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if !ok {
		t.Fatal("expected key to exist")
	}
	if value != `[{"id":"a"}]` {
		t.Errorf("unexpected value: %s", value)
	}
}

func TestGetMissingItem(t *testing.T) {
	store := openTestStore(t)

	_, ok, err := store.GetItem("nope")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if ok {
		t.Error("expected missing key")
	}
}

func TestSetItemReplaces(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetItem("k", "v1"); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}
	if err := store.SetItem("k", "v2"); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}

	value, ok, err := store.GetItem("k")
	if err != nil || !ok {
		t.Fatalf("GetItem failed: %v (ok=%v)", err, ok)
	}
	if value != "v2" {
		t.Errorf("expected v2, got %s", value)
	}
}

func TestRemoveItem(t *testing.T) {
	store := openTestStore(t)

	if err := store.SetItem("k", "v"); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}
	if err := store.RemoveItem("k"); err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}
	if _, ok, _ := store.GetItem("k"); ok {
		t.Error("expected key to be gone")
	}

	// Removing a missing key is idempotent.
	if err := store.RemoveItem("k"); err != nil {
		t.Errorf("RemoveItem on missing key failed: %v", err)
	}
}

func TestKeysWithPrefix(t *testing.T) {
	store := openTestStore(t)

	entries := map[string]string{
		"cache/users/u1/stats": "a",
		"cache/users/u1/tasks": "b",
		"cache/users/u2/stats": "c",
		"pending_operations":   "d",
	}
	for k, v := range entries {
		if err := store.SetItem(k, v); err != nil {
			t.Fatalf("SetItem %s failed: %v", k, err)
		}
	}

	keys, err := store.Keys("cache/")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 cache keys, got %d: %v", len(keys), keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] < keys[i-1] {
			t.Errorf("keys not sorted: %v", keys)
		}
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "local.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SetItem("queue", "snapshot"); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	value, ok, err := reopened.GetItem("queue")
	if err != nil || !ok {
		t.Fatalf("GetItem after reopen failed: %v (ok=%v)", err, ok)
	}
	if value != "snapshot" {
		t.Errorf("expected snapshot, got %s", value)
	}
}
