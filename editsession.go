package groundedsync

import "sync"

// EditSessionRegistry tracks which sub-documents currently have an
// editing session holding in-progress intent (a live cursor). The
// adapter consults it instead of any UI focus flag: remote updates
// touching a held sub-document are deferred until the session ends, and
// a document's content sub-structure is never deleted while held.
type EditSessionRegistry struct {
	mu       sync.Mutex
	held     map[string]int
	onIdle   map[string][]func()
}

// NewEditSessionRegistry creates an empty registry.
func NewEditSessionRegistry() *EditSessionRegistry {
	return &EditSessionRegistry{
		held:   make(map[string]int),
		onIdle: make(map[string][]func()),
	}
}

// Begin registers an editing session over the given document id.
// Sessions nest: each Begin must be paired with an End.
func (r *EditSessionRegistry) Begin(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[docID]++
}

// End releases one session over the document. When the last session
// ends, deferred callbacks registered via WhenIdle run in order.
func (r *EditSessionRegistry) End(docID string) {
	r.mu.Lock()
	if r.held[docID] > 1 {
		r.held[docID]--
		r.mu.Unlock()
		return
	}
	delete(r.held, docID)
	pending := r.onIdle[docID]
	delete(r.onIdle, docID)
	r.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Held reports whether any session currently holds the document.
func (r *EditSessionRegistry) Held(docID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[docID] > 0
}

// HeldAny reports whether any session is active at all.
func (r *EditSessionRegistry) HeldAny() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held) > 0
}

// WhenIdle runs fn immediately if the document is not held, otherwise
// queues it to run when the last session over the document ends.
func (r *EditSessionRegistry) WhenIdle(docID string, fn func()) {
	r.mu.Lock()
	if r.held[docID] > 0 {
		r.onIdle[docID] = append(r.onIdle[docID], fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}
