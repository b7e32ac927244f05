package groundedsync

import "sync"

// HistoryConfig configures the undo/redo manager.
type HistoryConfig struct {
	// MaxDepth bounds the past stack; the oldest snapshot is discarded
	// first. Default: 100.
	MaxDepth int `yaml:"max_depth"`
}

// DefaultHistoryConfig returns default configuration.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{MaxDepth: 100}
}

// NativeCommandTarget is an editing surface with its own undo/redo
// commands. When one is attached and its command succeeds, the history
// manager defers entirely to it and leaves the stacks untouched:
// collaboratively-typed content is already convergent at the CRDT layer,
// and snapshot-restoring it would fight concurrent peers.
type NativeCommandTarget interface {
	NativeUndo() bool
	NativeRedo() bool
}

// HistoryManager is a bounded undo/redo stack over project snapshots.
// Structural mutations (add/remove/reorder of an entity) checkpoint
// before applying; mid-typing scalar edits do not.
type HistoryManager struct {
	config HistoryConfig

	mu     sync.Mutex
	past   []*ProjectState
	future []*ProjectState
	native NativeCommandTarget
}

// NewHistoryManager creates an empty history.
func NewHistoryManager(config HistoryConfig) *HistoryManager {
	if config.MaxDepth <= 0 {
		config.MaxDepth = 100
	}
	return &HistoryManager{config: config}
}

// AttachNative sets the editing surface consulted before stack-based
// undo/redo. Pass nil to detach.
func (h *HistoryManager) AttachNative(target NativeCommandTarget) {
	h.mu.Lock()
	h.native = target
	h.mu.Unlock()
}

// Checkpoint captures a snapshot before a structural mutation. A
// snapshot structurally identical to the top of the past stack is
// discarded, so repeated no-op checkpoints never pollute the stack.
// Any checkpoint clears the redo side.
func (h *HistoryManager) Checkpoint(state *ProjectState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.past); n > 0 && h.past[n-1].Equal(state) {
		return
	}
	h.past = append(h.past, state.Clone())
	if len(h.past) > h.config.MaxDepth {
		h.past = h.past[1:]
	}
	h.future = nil
}

// Undo restores the previous snapshot. If the attached editing surface
// executes a native undo the stacks are untouched and the current state
// is returned unchanged. Returns the state to adopt and whether anything
// happened.
func (h *HistoryManager) Undo(current *ProjectState) (*ProjectState, bool) {
	h.mu.Lock()
	native := h.native
	h.mu.Unlock()
	if native != nil && native.NativeUndo() {
		return current, true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.past)
	if n == 0 {
		return current, false
	}
	restored := h.past[n-1]
	h.past = h.past[:n-1]
	h.future = append(h.future, current.Clone())
	return restored, true
}

// Redo is symmetric to Undo, preferring the native redo command.
func (h *HistoryManager) Redo(current *ProjectState) (*ProjectState, bool) {
	h.mu.Lock()
	native := h.native
	h.mu.Unlock()
	if native != nil && native.NativeRedo() {
		return current, true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.future)
	if n == 0 {
		return current, false
	}
	restored := h.future[n-1]
	h.future = h.future[:n-1]
	h.past = append(h.past, current.Clone())
	return restored, true
}

// CanUndo reports whether the past stack is non-empty.
func (h *HistoryManager) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past) > 0
}

// CanRedo reports whether the future stack is non-empty.
func (h *HistoryManager) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.future) > 0
}

// Depth returns the current past and future stack sizes.
func (h *HistoryManager) Depth() (past, future int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past), len(h.future)
}

// Clear drops both stacks, used when switching workspaces.
func (h *HistoryManager) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.past = nil
	h.future = nil
}
