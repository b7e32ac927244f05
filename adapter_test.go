package groundedsync

import (
	"strings"
	"testing"
	"time"
)

type updateCollector struct {
	updates [][]byte
}

func (c *updateCollector) emit(u []byte) {
	c.updates = append(c.updates, u)
}

func newTestAdapter() (*Adapter, *EditSessionRegistry, *updateCollector) {
	sessions := NewEditSessionRegistry()
	a := NewAdapter("w1", sessions)
	c := &updateCollector{}
	a.SetHandlers(c.emit, nil)
	return a, sessions, c
}

func codeIDs(s *ProjectState) []string {
	ids := make([]string, len(s.Codes))
	for i, c := range s.Codes {
		ids[i] = c.ID
	}
	return ids
}

func TestEncodeEmitsUpdate(t *testing.T) {
	a, _, col := newTestAdapter()

	state := NewProjectState()
	state.Codes = append(state.Codes, Code{ID: "c1", Label: "Risk"})
	if err := a.Encode(state); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(col.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(col.updates))
	}
}

func TestEncodeIdempotence(t *testing.T) {
	a, _, col := newTestAdapter()

	state := NewProjectState()
	state.Documents = append(state.Documents, Document{ID: "d1", Title: "Interview"})
	state.Codes = append(state.Codes, Code{ID: "c1", Label: "Risk", FillColor: "#fff"})
	state.Theory = "emerging theory"

	if err := a.Encode(state); err != nil {
		t.Fatalf("first encode failed: %v", err)
	}
	emitted := len(col.updates)

	// No intervening change: the second pass must produce zero
	// operations and no emission.
	if err := a.Encode(state.Clone()); err != nil {
		t.Fatalf("second encode failed: %v", err)
	}
	if len(col.updates) != emitted {
		t.Errorf("no-op encode emitted %d extra updates", len(col.updates)-emitted)
	}
}

func TestConvergenceAnyOrderWithDuplicates(t *testing.T) {
	a, _, colA := newTestAdapter()
	b, _, colB := newTestAdapter()

	// A seeds the shared collections; B joins from A's update.
	seed := NewProjectState()
	seed.Codes = append(seed.Codes, Code{ID: "c1", Label: "Risk"})
	if err := a.Encode(seed); err != nil {
		t.Fatalf("seed encode failed: %v", err)
	}
	if err := b.ApplyUpdate(colA.updates[0], OriginRemote); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	// Concurrent edits on both peers.
	stateA := a.State()
	stateA.Codes = append(stateA.Codes, Code{ID: "c2", Label: "Trust"})
	if err := a.Encode(stateA); err != nil {
		t.Fatalf("encode on A failed: %v", err)
	}
	stateB := b.State()
	stateB.Codes = append(stateB.Codes, Code{ID: "c3", Label: "Doubt"})
	if err := b.Encode(stateB); err != nil {
		t.Fatalf("encode on B failed: %v", err)
	}

	updateA := colA.updates[len(colA.updates)-1]
	updateB := colB.updates[len(colB.updates)-1]

	// Cross-apply with duplicate delivery, different order per peer.
	for _, u := range [][]byte{updateB, updateB} {
		if err := a.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("apply on A failed: %v", err)
		}
	}
	for _, u := range [][]byte{updateA, updateA} {
		if err := b.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("apply on B failed: %v", err)
		}
	}

	finalA, finalB := a.State(), b.State()
	if !finalA.Equal(finalB) {
		t.Fatalf("peers diverged:\nA: %v\nB: %v", codeIDs(finalA), codeIDs(finalB))
	}
	if len(finalA.Codes) != 3 {
		t.Errorf("expected 3 codes after merge, got %v", codeIDs(finalA))
	}
}

func TestOrderStabilityThroughAdapter(t *testing.T) {
	a, _, colA := newTestAdapter()
	b, _, _ := newTestAdapter()

	state := NewProjectState()
	state.Codes = []Code{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if err := a.Encode(state); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// c removed, d added locally.
	next := a.State()
	next.Codes = []Code{{ID: "a"}, {ID: "b"}, {ID: "d"}}
	if err := a.Encode(next); err != nil {
		t.Fatalf("second encode failed: %v", err)
	}

	for _, u := range colA.updates {
		if err := b.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	got := codeIDs(b.State())
	want := []string{"a", "b", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRemoteUpdatesDeferredDuringEditSession(t *testing.T) {
	a, _, colA := newTestAdapter()
	b, sessionsB, _ := newTestAdapter()

	state := NewProjectState()
	state.Codes = append(state.Codes, Code{ID: "c1", Label: "Risk"})
	if err := a.Encode(state); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	sessionsB.Begin("d1")
	if err := b.ApplyUpdate(colA.updates[0], OriginRemote); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(b.State().Codes) != 0 {
		t.Fatal("update applied under a live edit session")
	}

	sessionsB.End("d1")
	if err := b.DrainDeferred(); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(b.State().Codes) != 1 || b.State().Codes[0].Label != "Risk" {
		t.Errorf("deferred update not applied: %+v", b.State().Codes)
	}
}

func TestDecodeSuppressesReEncode(t *testing.T) {
	a, _, colA := newTestAdapter()
	b, _, _ := newTestAdapter()

	// B re-encodes every decoded state, the pattern that would
	// ping-pong updates forever without suppression.
	colB := &updateCollector{}
	b.SetHandlers(colB.emit, func(s *ProjectState) {
		_ = b.Encode(s)
	})

	state := NewProjectState()
	state.Codes = append(state.Codes, Code{ID: "c1", Label: "Risk"})
	if err := a.Encode(state); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := b.ApplyUpdate(colA.updates[0], OriginRemote); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(colB.updates) != 0 {
		t.Errorf("decode triggered %d re-broadcasts", len(colB.updates))
	}
}

func TestApplyProjectSnapshotDoesNotEmit(t *testing.T) {
	a, _, col := newTestAdapter()

	state := NewProjectState()
	state.Documents = append(state.Documents, Document{ID: "d1", Title: "Interview"})
	if err := a.ApplyProjectSnapshot(state); err != nil {
		t.Fatalf("snapshot apply failed: %v", err)
	}
	if len(col.updates) != 0 {
		t.Errorf("snapshot apply emitted %d updates", len(col.updates))
	}
	if len(a.State().Documents) != 1 {
		t.Error("snapshot state not adopted")
	}
}

func TestSnapshotSeedsJoiner(t *testing.T) {
	a, _, _ := newTestAdapter()
	b, _, _ := newTestAdapter()

	state := NewProjectState()
	state.Codes = append(state.Codes, Code{ID: "c1", Label: "Risk"})
	state.Theory = "the theory"
	if err := a.Encode(state); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if err := b.ApplyBatch([][]byte{a.Snapshot()}, OriginLocalBus); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if !a.State().Equal(b.State()) {
		t.Error("joiner state differs from seeder state")
	}
}

func TestTheoryTextMergesCharacterWise(t *testing.T) {
	a, _, colA := newTestAdapter()
	b, _, colB := newTestAdapter()

	seed := NewProjectState()
	seed.Theory = "hello world"
	if err := a.Encode(seed); err != nil {
		t.Fatalf("seed encode failed: %v", err)
	}
	if err := b.ApplyUpdate(colA.updates[0], OriginRemote); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	stateA := a.State()
	stateA.Theory = "hello brave world"
	if err := a.Encode(stateA); err != nil {
		t.Fatalf("encode on A failed: %v", err)
	}
	stateB := b.State()
	stateB.Theory = "hello world!"
	if err := b.Encode(stateB); err != nil {
		t.Fatalf("encode on B failed: %v", err)
	}

	if err := a.ApplyUpdate(colB.updates[len(colB.updates)-1], OriginRemote); err != nil {
		t.Fatalf("apply on A failed: %v", err)
	}
	if err := b.ApplyUpdate(colA.updates[len(colA.updates)-1], OriginRemote); err != nil {
		t.Fatalf("apply on B failed: %v", err)
	}

	ta, tb := a.State().Theory, b.State().Theory
	if ta != tb {
		t.Fatalf("theories diverged: %q vs %q", ta, tb)
	}
	if !strings.Contains(ta, "brave") || !strings.Contains(ta, "!") {
		t.Errorf("concurrent edits clobbered: %q", ta)
	}
}

func TestUpdateAtomicWithRemoteApply(t *testing.T) {
	a, _, colA := newTestAdapter()
	b, _, colB := newTestAdapter()

	seed := NewProjectState()
	seed.Codes = append(seed.Codes, Code{ID: "c1", Label: "Risk"})
	if err := a.Encode(seed); err != nil {
		t.Fatalf("seed encode failed: %v", err)
	}
	if err := b.ApplyUpdate(colA.updates[0], OriginRemote); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	stateB := b.State()
	stateB.Codes = append(stateB.Codes, Code{ID: "x", Label: "Remote"})
	if err := b.Encode(stateB); err != nil {
		t.Fatalf("encode on B failed: %v", err)
	}
	remote := colB.updates[len(colB.updates)-1]

	// A remote update arriving mid-mutation must wait for the mutation's
	// encode; applying it in between would let the stale encode delete
	// the entity it carried.
	entered := make(chan struct{})
	release := make(chan struct{})
	mutated := make(chan error, 1)
	go func() {
		mutated <- a.Update(func(s *ProjectState) {
			close(entered)
			<-release
			s.Codes = append(s.Codes, Code{ID: "y", Label: "Local"})
		})
	}()
	<-entered

	applied := make(chan error, 1)
	go func() { applied <- a.ApplyUpdate(remote, OriginRemote) }()
	select {
	case <-applied:
		t.Fatal("remote apply ran inside a local mutation")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-mutated; err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := <-applied; err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	got := codeIDs(a.State())
	if len(got) != 3 {
		t.Fatalf("expected c1, x and y to survive, got %v", got)
	}
	for _, want := range []string{"c1", "x", "y"} {
		found := false
		for _, id := range got {
			if id == want {
				found = true
			}
		}
		if !found {
			t.Errorf("code %q lost, got %v", want, got)
		}
	}
}

func TestHeldContentNotResurrected(t *testing.T) {
	a, sessionsA, colA := newTestAdapter()
	b, _, _ := newTestAdapter()

	state := NewProjectState()
	state.Documents = append(state.Documents, Document{ID: "d", Title: "Interview"})
	state.Contents["d"] = markedDoc()
	if err := a.Encode(state); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// The document is removed while an edit session still holds it; the
	// content sub-structure is retained in the replicated document but
	// must not come back as plain state on any peer.
	sessionsA.Begin("d")
	next := a.State()
	next.Documents = nil
	delete(next.Contents, "d")
	if err := a.Encode(next); err != nil {
		t.Fatalf("removal encode failed: %v", err)
	}

	for _, u := range colA.updates {
		if err := b.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	if _, ok := b.State().Contents["d"]; ok {
		t.Fatal("retained content resurrected into a peer's state")
	}

	// Session over: the next reconciliation pass deletes the retained
	// sub-structure for good.
	sessionsA.End("d")
	before := len(colA.updates)
	if err := a.Encode(a.State()); err != nil {
		t.Fatalf("cleanup encode failed: %v", err)
	}
	if len(colA.updates) == before {
		t.Fatal("retained content sub-structure never deleted")
	}
	if err := b.ApplyUpdate(colA.updates[len(colA.updates)-1], OriginRemote); err != nil {
		t.Fatalf("cleanup apply failed: %v", err)
	}
	if _, ok := a.State().Contents["d"]; ok {
		t.Error("orphan content still in local state")
	}
	if _, ok := b.State().Contents["d"]; ok {
		t.Error("orphan content still on the peer")
	}
}

func TestLocalOriginRejected(t *testing.T) {
	a, _, _ := newTestAdapter()
	if err := a.ApplyUpdate([]byte{1}, OriginLocal); err != ErrLocalOrigin {
		t.Errorf("expected ErrLocalOrigin, got %v", err)
	}
}
