package groundedsync

import (
	"path/filepath"
	"testing"
	"time"
)

func testCoordStore(t *testing.T) *CoordStore {
	t.Helper()
	store, err := OpenCoordStore(DefaultCoordStoreConfig(filepath.Join(t.TempDir(), "coord.db")))
	if err != nil {
		t.Fatalf("open coord store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCoordPutGetDelete(t *testing.T) {
	store := testCoordStore(t)

	if err := store.Put("w1", ScopeIdentity, "tab-1", "alice"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	entry, ok, err := store.Get("w1", ScopeIdentity, "tab-1")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if entry.Value != "alice" || entry.UpdatedAt == 0 {
		t.Errorf("unexpected entry: %+v", entry)
	}

	if err := store.Delete("w1", ScopeIdentity, "tab-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get("w1", ScopeIdentity, "tab-1"); ok {
		t.Error("entry survived delete")
	}
}

func TestCoordListScopedToWorkspace(t *testing.T) {
	store := testCoordStore(t)

	_ = store.Put("w1", ScopePresence, "a", "1")
	_ = store.Put("w1", ScopePresence, "b", "2")
	_ = store.Put("w2", ScopePresence, "c", "3")

	entries, err := store.List("w1", ScopePresence)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
	if _, ok := entries["c"]; ok {
		t.Error("entry leaked across workspaces")
	}
}

func TestClaimSemantics(t *testing.T) {
	store := testCoordStore(t)
	stale := 5 * time.Second

	ok, err := store.Claim("w1", "leader", "tab-1", stale)
	if err != nil || !ok {
		t.Fatalf("initial claim failed: ok=%v err=%v", ok, err)
	}

	// A fresh claim held by someone else is not overridable.
	ok, err = store.Claim("w1", "leader", "tab-2", stale)
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if ok {
		t.Error("fresh foreign claim was overwritten")
	}

	// The holder itself refreshes freely.
	ok, _ = store.Claim("w1", "leader", "tab-1", stale)
	if !ok {
		t.Error("holder could not refresh its own claim")
	}
}

func TestClaimStaleTakeover(t *testing.T) {
	store := testCoordStore(t)

	if ok, _ := store.Claim("w1", "leader", "tab-1", 10*time.Millisecond); !ok {
		t.Fatal("initial claim failed")
	}
	time.Sleep(30 * time.Millisecond)

	ok, err := store.Claim("w1", "leader", "tab-2", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("stale takeover failed: ok=%v err=%v", ok, err)
	}

	// A late heartbeat from the deposed holder must not revert
	// leadership: the takeover's claim is fresh, so it loses.
	ok, _ = store.Claim("w1", "leader", "tab-1", 5*time.Second)
	if ok {
		t.Error("deposed holder reclaimed a fresh lease")
	}
}

func TestCleanupWorkspace(t *testing.T) {
	store := testCoordStore(t)
	_ = store.Put("w1", ScopePresence, "a", "1")
	_ = store.Put("w1", ScopeLease, "leader", "tab-1")

	if err := store.CleanupWorkspace("w1"); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	entries, _ := store.List("w1", ScopePresence)
	if len(entries) != 0 {
		t.Error("cleanup left records behind")
	}
}
