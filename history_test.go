package groundedsync

import "testing"

func stateWithCode(label string) *ProjectState {
	s := NewProjectState()
	s.Codes = append(s.Codes, Code{ID: "c1", Label: label})
	return s
}

func TestCheckpointNoOpSuppression(t *testing.T) {
	h := NewHistoryManager(DefaultHistoryConfig())

	s := stateWithCode("Risk")
	h.Checkpoint(s)
	h.Checkpoint(s.Clone())

	past, _ := h.Depth()
	if past != 1 {
		t.Errorf("expected past depth 1 after identical checkpoints, got %d", past)
	}
}

func TestUndoRedo(t *testing.T) {
	h := NewHistoryManager(DefaultHistoryConfig())

	v1 := stateWithCode("Risk")
	h.Checkpoint(v1)
	v2 := stateWithCode("Trust")

	restored, ok := h.Undo(v2)
	if !ok {
		t.Fatal("undo reported nothing to do")
	}
	if restored.Codes[0].Label != "Risk" {
		t.Errorf("undo restored %q", restored.Codes[0].Label)
	}
	if !h.CanRedo() {
		t.Fatal("redo unavailable after undo")
	}

	redone, ok := h.Redo(restored)
	if !ok {
		t.Fatal("redo reported nothing to do")
	}
	if redone.Codes[0].Label != "Trust" {
		t.Errorf("redo restored %q", redone.Codes[0].Label)
	}
}

func TestUndoOnEmptyStack(t *testing.T) {
	h := NewHistoryManager(DefaultHistoryConfig())
	s := stateWithCode("Risk")
	if _, ok := h.Undo(s); ok {
		t.Error("undo on empty stack reported success")
	}
}

func TestCheckpointClearsFuture(t *testing.T) {
	h := NewHistoryManager(DefaultHistoryConfig())
	h.Checkpoint(stateWithCode("a"))
	if _, ok := h.Undo(stateWithCode("b")); !ok {
		t.Fatal("undo failed")
	}
	h.Checkpoint(stateWithCode("c"))
	if h.CanRedo() {
		t.Error("checkpoint did not clear the redo stack")
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistoryManager(HistoryConfig{MaxDepth: 3})
	for _, label := range []string{"a", "b", "c", "d", "e"} {
		h.Checkpoint(stateWithCode(label))
	}
	past, _ := h.Depth()
	if past != 3 {
		t.Errorf("expected bounded depth 3, got %d", past)
	}
	// The oldest snapshots were discarded first.
	s, _ := h.Undo(stateWithCode("f"))
	if s.Codes[0].Label != "e" {
		t.Errorf("expected most recent snapshot, got %q", s.Codes[0].Label)
	}
}

type fakeNative struct {
	undoOK, redoOK bool
	undos, redos   int
}

func (f *fakeNative) NativeUndo() bool { f.undos++; return f.undoOK }
func (f *fakeNative) NativeRedo() bool { f.redos++; return f.redoOK }

func TestNativeCommandPreferred(t *testing.T) {
	h := NewHistoryManager(DefaultHistoryConfig())
	h.Checkpoint(stateWithCode("a"))

	native := &fakeNative{undoOK: true}
	h.AttachNative(native)

	current := stateWithCode("b")
	got, ok := h.Undo(current)
	if !ok || native.undos != 1 {
		t.Fatal("native undo not consulted")
	}
	if got != current {
		t.Error("stack touched despite native undo")
	}
	past, _ := h.Depth()
	if past != 1 {
		t.Errorf("past depth changed to %d", past)
	}

	// A failing native command falls back to the stack.
	native.undoOK = false
	got, ok = h.Undo(current)
	if !ok || got.Codes[0].Label != "a" {
		t.Error("stack fallback after native failure did not restore")
	}
}
