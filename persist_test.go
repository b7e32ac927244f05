package groundedsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory SnapshotStore.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Save(_ context.Context, workspace string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[workspace] = append([]byte(nil), snapshot...)
	return nil
}

func (s *memStore) Fetch(_ context.Context, workspace string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[workspace]
	return d, ok, nil
}

func (s *memStore) Close() error { return nil }

// blockingStore holds every save until the test releases it, so response
// ordering can be controlled.
type blockingStore struct {
	release chan chan error
}

func (s *blockingStore) Save(ctx context.Context, _ string, _ []byte) error {
	done := make(chan error)
	select {
	case s.release <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingStore) Fetch(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *blockingStore) Close() error { return nil }

func mustCodec(t *testing.T) *SnapshotCodec {
	t.Helper()
	codec, err := NewSnapshotCodec(EncryptionConfig{})
	if err != nil {
		t.Fatalf("codec init failed: %v", err)
	}
	return codec
}

func TestStaleSaveRejection(t *testing.T) {
	store := &blockingStore{release: make(chan chan error)}
	p := NewPersister(store, mustCodec(t), "w1", DefaultPersistConfig(), nil)
	defer p.Stop()

	results := make(chan SaveResult, 2)
	p.OnResult(func(r SaveResult) { results <- r })

	seq1, err := p.Save(stateWithCode("v1"))
	if err != nil {
		t.Fatalf("save 1 failed: %v", err)
	}
	done1 := <-store.release

	seq2, err := p.Save(stateWithCode("v2"))
	if err != nil {
		t.Fatalf("save 2 failed: %v", err)
	}
	done2 := <-store.release

	// Save #2's response lands first; #1 arrives late and must be
	// discarded as stale.
	done2 <- nil
	var r2 SaveResult
	select {
	case r2 = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for save 2 result")
	}
	if r2.Seq != seq2 || r2.Stale || r2.Err != nil {
		t.Fatalf("unexpected result for save 2: %+v", r2)
	}
	savedAt := p.LastSavedAt()
	if savedAt == 0 {
		t.Fatal("last saved not updated by latest save")
	}

	done1 <- nil
	var r1 SaveResult
	select {
	case r1 = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for save 1 result")
	}
	if r1.Seq != seq1 || !r1.Stale {
		t.Fatalf("late save 1 not marked stale: %+v", r1)
	}
	if p.LastSavedAt() != savedAt {
		t.Error("stale response overwrote last-saved state")
	}
}

func TestSaveFetchRoundTrip(t *testing.T) {
	store := newMemStore()
	p := NewPersister(store, mustCodec(t), "w1", DefaultPersistConfig(), nil)
	defer p.Stop()

	results := make(chan SaveResult, 1)
	p.OnResult(func(r SaveResult) { results <- r })

	state := stateWithCode("Risk")
	state.Theory = "a theory"
	if _, err := p.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("save errored: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for save")
	}

	got, ok, err := p.FetchInitial(context.Background())
	if err != nil || !ok {
		t.Fatalf("fetch failed: ok=%v err=%v", ok, err)
	}
	if !state.Equal(got) {
		t.Error("fetched state differs from saved state")
	}
}

func TestFetchInitialEmpty(t *testing.T) {
	p := NewPersister(newMemStore(), mustCodec(t), "w1", DefaultPersistConfig(), nil)
	defer p.Stop()

	_, ok, err := p.FetchInitial(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if ok {
		t.Error("fetch reported a snapshot for an empty store")
	}
}

func TestSizeWarningThreshold(t *testing.T) {
	cfg := DefaultPersistConfig()
	cfg.HardByteCap = 16
	p := NewPersister(newMemStore(), mustCodec(t), "w1", cfg, nil)
	defer p.Stop()

	if _, err := p.Save(stateWithCode("a very long label indeed")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !p.SizeWarning() {
		t.Error("expected a size warning above the threshold")
	}

	roomy := DefaultPersistConfig()
	p2 := NewPersister(newMemStore(), mustCodec(t), "w1", roomy, nil)
	defer p2.Stop()
	if _, err := p2.Save(stateWithCode("small")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if p2.SizeWarning() {
		t.Error("unexpected size warning below the threshold")
	}
}
