package groundedsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Origin tags a mutation batch with where it came from. Dispatch logic
// consumes the tag: only genuinely local changes are emitted to peers,
// and bus-applied changes are never echoed back to the bus.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginLocalBus
)

// Adapter errors
var (
	ErrLocalOrigin = errors.New("local-origin updates are emitted, not applied")
)

// Adapter maps between the plain entity model and the replicated CRDT
// document for one workspace. It exclusively owns the document instance;
// no other component mutates it.
type Adapter struct {
	workspace string
	sessions  *EditSessionRegistry

	mu       sync.Mutex
	doc      *automerge.Doc
	state    *ProjectState
	decoding bool
	deferred [][]byte

	onUpdate func(update []byte)
	onState  func(state *ProjectState)
}

// NewAdapter creates an adapter with a fresh replicated document.
func NewAdapter(workspace string, sessions *EditSessionRegistry) *Adapter {
	doc := automerge.New()
	_ = doc.SetActorID(strings.ReplaceAll(uuid.NewString(), "-", ""))
	// Position the incremental-save cursor so the first emission only
	// carries real local changes.
	_ = doc.SaveIncremental()
	return &Adapter{
		workspace: workspace,
		sessions:  sessions,
		doc:       doc,
		state:     NewProjectState(),
	}
}

// SetHandlers wires the update-emission and decoded-state callbacks.
// onUpdate receives encoded CRDT update bytes for exactly one transport
// (server or bus, chosen by the engine); onState receives freshly
// decoded state after a remote update changed something.
func (a *Adapter) SetHandlers(onUpdate func([]byte), onState func(*ProjectState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = onUpdate
	a.onState = onState
}

// State returns a copy of the last reconciled state.
func (a *Adapter) State() *ProjectState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Snapshot serializes the full replicated document, used to seed a
// joining peer.
func (a *Adapter) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Save()
}

// HasContent reports whether the replicated document holds anything,
// i.e. whether this peer is able to seed a joiner.
func (a *Adapter) HasContent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.RootMap().Len() > 0
}

// Encode runs one local reconciliation pass: the desired state is
// written into the document (order fix-up, then value-stable field
// writes) inside a single local-tagged transaction, and the resulting
// update, if any, is emitted. Calling Encode twice with no intervening
// change produces no operations and no emission.
func (a *Adapter) Encode(state *ProjectState) error {
	a.mu.Lock()
	if a.decoding {
		// Re-encode of state we just decoded; emitting it would
		// ping-pong the same update between peers forever.
		a.mu.Unlock()
		return nil
	}
	return a.encodeAndEmit(state)
}

// Update runs a local mutation on a private copy of the current state
// and encodes the result in the same critical section. Read, mutate and
// encode are atomic with respect to ApplyUpdate: a remote update landing
// mid-mutation can never be clobbered by an encode of the state read
// before it arrived.
func (a *Adapter) Update(fn func(*ProjectState)) error {
	a.mu.Lock()
	if a.decoding {
		a.mu.Unlock()
		return nil
	}
	state := a.state.Clone()
	fn(state)
	return a.encodeAndEmit(state)
}

// encodeAndEmit finishes an encode pass. Caller holds a.mu; the mutex is
// released before the emission callback runs.
func (a *Adapter) encodeAndEmit(state *ProjectState) error {
	changed, err := a.encodeLocked(state)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = state.Clone()
	var update []byte
	var emit func([]byte)
	if changed {
		if _, err := a.doc.Commit("local"); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("commit local transaction: %w", err)
		}
		update = a.doc.SaveIncremental()
		emit = a.onUpdate
	}
	a.mu.Unlock()

	if len(update) > 0 && emit != nil {
		emit(update)
	}
	return nil
}

// ApplyUpdate merges a remote or bus-tagged update into the document and
// decodes the result back into plain state. While any edit session holds
// a sub-document the update is queued instead, so remote changes never
// land under a live cursor; queued updates drain via DrainDeferred.
// Duplicate delivery is harmless: re-applying known changes is a no-op.
func (a *Adapter) ApplyUpdate(raw []byte, origin Origin) error {
	if origin == OriginLocal {
		return ErrLocalOrigin
	}
	a.mu.Lock()
	if a.sessions.HeldAny() {
		a.deferred = append(a.deferred, raw)
		a.mu.Unlock()
		return nil
	}
	err := a.applyLocked([][]byte{raw})
	a.mu.Unlock()
	return err
}

// ApplyBatch merges a catch-up batch (yjs:sync) in one decode cycle.
func (a *Adapter) ApplyBatch(updates [][]byte, origin Origin) error {
	if origin == OriginLocal {
		return ErrLocalOrigin
	}
	if len(updates) == 0 {
		return nil
	}
	a.mu.Lock()
	if a.sessions.HeldAny() {
		a.deferred = append(a.deferred, updates...)
		a.mu.Unlock()
		return nil
	}
	err := a.applyLocked(updates)
	a.mu.Unlock()
	return err
}

// ApplyProjectSnapshot overwrites the document from an out-of-band full
// project snapshot (project:update) without emitting an update: the
// snapshot's sender already broadcast it, and every receiver converges
// on the same writes.
func (a *Adapter) ApplyProjectSnapshot(state *ProjectState) error {
	a.mu.Lock()
	changed, err := a.encodeLocked(state)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if changed {
		if _, err := a.doc.Commit("remote"); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("commit snapshot transaction: %w", err)
		}
		_ = a.doc.SaveIncremental()
	}
	if state.Equal(a.state) {
		a.mu.Unlock()
		return nil
	}
	a.state = state.Clone()
	cb := a.onState
	if cb == nil {
		a.mu.Unlock()
		return nil
	}
	a.decoding = true
	a.mu.Unlock()
	cb(state.Clone())
	a.mu.Lock()
	a.decoding = false
	a.mu.Unlock()
	return nil
}

// DrainDeferred applies updates queued while an edit session was live.
// The engine calls it whenever a session ends.
func (a *Adapter) DrainDeferred() error {
	a.mu.Lock()
	if len(a.deferred) == 0 || a.sessions.HeldAny() {
		a.mu.Unlock()
		return nil
	}
	pending := a.deferred
	a.deferred = nil
	err := a.applyLocked(pending)
	a.mu.Unlock()
	return err
}

// applyLocked merges update bytes and runs one decode pass. Caller holds
// a.mu; the mutex is released around the onState callback while the
// suppress-re-encode flag is set.
func (a *Adapter) applyLocked(updates [][]byte) error {
	for _, raw := range updates {
		if err := a.doc.LoadIncremental(raw); err != nil {
			return fmt.Errorf("apply update: %w", err)
		}
	}
	// Advance the incremental-save cursor past the changes we just
	// merged; they must never be re-emitted as if they were ours.
	_ = a.doc.SaveIncremental()

	decoded := a.decodeLocked()
	if decoded.Equal(a.state) {
		return nil
	}
	a.state = decoded.Clone()
	cb := a.onState
	if cb == nil {
		return nil
	}
	a.decoding = true
	a.mu.Unlock()
	cb(decoded)
	a.mu.Lock()
	a.decoding = false
	return nil
}

// --- encode ---

func (a *Adapter) encodeLocked(state *ProjectState) (bool, error) {
	root := a.doc.RootMap()
	changed := false

	c, err := a.encodeDocuments(root, state)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	c, err = a.encodeCodes(root, state)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	c, err = a.encodeCategories(root, state)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	c, err = a.encodeMemos(root, state)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	c, err = a.encodeContents(root, state)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	c, err = setStr(root, keyCoreCategoryID, state.CoreCategoryID)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	theory, err := ensureText(root, keyTheory, "")
	if err != nil {
		return changed, err
	}
	c, err = setTextValue(theory, state.Theory)
	if err != nil {
		return changed, err
	}
	changed = changed || c

	return changed, nil
}

func (a *Adapter) encodeDocuments(root *automerge.Map, state *ProjectState) (bool, error) {
	coll, err := ensureMap(root, keyDocuments)
	if err != nil {
		return false, err
	}
	changed, err := deleteMissing(coll, func(id string) bool {
		_, ok := state.DocumentByID(id)
		return ok
	})
	if err != nil {
		return changed, err
	}
	ids := make([]string, len(state.Documents))
	for i, d := range state.Documents {
		ids[i] = d.ID
		rm := recordMap(coll, d.ID)
		if rm == nil {
			if err := coll.Set(d.ID, map[string]any{"title": d.Title}); err != nil {
				return changed, fmt.Errorf("crdt set document: %w", err)
			}
			changed = true
			continue
		}
		c, err := setStr(rm, "title", d.Title)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	c, err := setOrderList(root, keyDocumentOrder, mergeOrder(readOrderList(root, keyDocumentOrder), ids))
	return changed || c, err
}

func (a *Adapter) encodeCodes(root *automerge.Map, state *ProjectState) (bool, error) {
	coll, err := ensureMap(root, keyCodes)
	if err != nil {
		return false, err
	}
	changed, err := deleteMissing(coll, func(id string) bool {
		_, ok := state.CodeByID(id)
		return ok
	})
	if err != nil {
		return changed, err
	}
	ids := make([]string, len(state.Codes))
	for i, code := range state.Codes {
		ids[i] = code.ID
		rm := recordMap(coll, code.ID)
		if rm == nil {
			if err := coll.Set(code.ID, map[string]any{
				"label":       code.Label,
				"description": code.Description,
				"fill_color":  code.FillColor,
				"text_color":  code.TextColor,
				"ring_color":  code.RingColor,
			}); err != nil {
				return changed, fmt.Errorf("crdt set code: %w", err)
			}
			changed = true
			continue
		}
		for _, f := range []struct{ key, val string }{
			{"label", code.Label},
			{"description", code.Description},
			{"fill_color", code.FillColor},
			{"text_color", code.TextColor},
			{"ring_color", code.RingColor},
		} {
			c, err := setStr(rm, f.key, f.val)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
	}
	c, err := setOrderList(root, keyCodeOrder, mergeOrder(readOrderList(root, keyCodeOrder), ids))
	return changed || c, err
}

func (a *Adapter) encodeCategories(root *automerge.Map, state *ProjectState) (bool, error) {
	coll, err := ensureMap(root, keyCategories)
	if err != nil {
		return false, err
	}
	changed, err := deleteMissing(coll, func(id string) bool {
		_, ok := state.CategoryByID(id)
		return ok
	})
	if err != nil {
		return changed, err
	}
	ids := make([]string, len(state.Categories))
	for i := range state.Categories {
		cat := &state.Categories[i]
		ids[i] = cat.ID
		rm := recordMap(coll, cat.ID)
		if rm == nil {
			if err := coll.Set(cat.ID, map[string]any{
				"name":         cat.Name,
				"precondition": cat.Precondition,
				"action":       cat.Action,
				"consequence":  cat.Consequence,
				"code_ids":     cat.CodeIDs,
			}); err != nil {
				return changed, fmt.Errorf("crdt set category: %w", err)
			}
			changed = true
			continue
		}
		for _, f := range []struct{ key, val string }{
			{"name", cat.Name},
			{"precondition", cat.Precondition},
			{"action", cat.Action},
			{"consequence", cat.Consequence},
		} {
			c, err := setStr(rm, f.key, f.val)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
		c, err := setStringList(rm, "code_ids", cat.CodeIDs)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	c, err := setOrderList(root, keyCategoryOrder, mergeOrder(readOrderList(root, keyCategoryOrder), ids))
	return changed || c, err
}

func (a *Adapter) encodeMemos(root *automerge.Map, state *ProjectState) (bool, error) {
	coll, err := ensureMap(root, keyMemos)
	if err != nil {
		return false, err
	}
	changed, err := deleteMissing(coll, func(id string) bool {
		_, ok := state.MemoByID(id)
		return ok
	})
	if err != nil {
		return changed, err
	}
	ids := make([]string, len(state.Memos))
	for i, memo := range state.Memos {
		ids[i] = memo.ID
		rm := recordMap(coll, memo.ID)
		if rm == nil {
			if err := coll.Set(memo.ID, map[string]any{
				"kind":       string(memo.Kind),
				"ref_id":     memo.RefID,
				"title":      memo.Title,
				"body":       memo.Body,
				"created_at": memo.CreatedAt,
				"updated_at": memo.UpdatedAt,
			}); err != nil {
				return changed, fmt.Errorf("crdt set memo: %w", err)
			}
			changed = true
			continue
		}
		for _, f := range []struct{ key, val string }{
			{"kind", string(memo.Kind)},
			{"ref_id", memo.RefID},
			{"title", memo.Title},
			{"body", memo.Body},
		} {
			c, err := setStr(rm, f.key, f.val)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
		c, err := setInt(rm, "created_at", memo.CreatedAt)
		if err != nil {
			return changed, err
		}
		changed = changed || c
		c, err = setInt(rm, "updated_at", memo.UpdatedAt)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	c, err := setOrderList(root, keyMemoOrder, mergeOrder(readOrderList(root, keyMemoOrder), ids))
	return changed || c, err
}

func (a *Adapter) encodeContents(root *automerge.Map, state *ProjectState) (bool, error) {
	coll, err := ensureMap(root, keyContents)
	if err != nil {
		return false, err
	}
	changed := false

	// Content sub-structures of deleted documents are removed only once
	// no edit session references them.
	keys, err := coll.Keys()
	if err != nil {
		return changed, fmt.Errorf("crdt content keys: %w", err)
	}
	for _, id := range keys {
		_, hasDoc := state.DocumentByID(id)
		if !hasDoc && !a.sessions.Held(id) {
			if err := coll.Delete(id); err != nil {
				return changed, fmt.Errorf("crdt delete content: %w", err)
			}
			changed = true
		}
	}

	for docID, tree := range state.Contents {
		if _, ok := state.DocumentByID(docID); !ok {
			continue
		}
		rm := recordMap(coll, docID)
		if rm == nil {
			if err := encodeContentNode(coll, docID, tree); err != nil {
				return changed, err
			}
			changed = true
			continue
		}
		current := decodeContentNode(rm)
		if current.Equal(tree) {
			continue
		}
		if sameShape(current, tree) {
			c, err := spliceContentText(rm, tree)
			if err != nil {
				return changed, err
			}
			changed = changed || c
			continue
		}
		if err := encodeContentNode(coll, docID, tree); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// deleteMissing removes every record whose id the keep predicate
// rejects. Order lists self-heal on the next pass.
func deleteMissing(coll *automerge.Map, keep func(id string) bool) (bool, error) {
	keys, err := coll.Keys()
	if err != nil {
		return false, fmt.Errorf("crdt keys: %w", err)
	}
	changed := false
	for _, id := range keys {
		if !keep(id) {
			if err := coll.Delete(id); err != nil {
				return changed, fmt.Errorf("crdt delete %q: %w", id, err)
			}
			changed = true
		}
	}
	return changed, nil
}

// --- decode ---

// readMap returns the map under key without creating it.
func readMap(root *automerge.Map, key string) *automerge.Map {
	v, err := root.Get(key)
	if err != nil || v.Kind() != automerge.KindMap {
		return nil
	}
	return v.Map()
}

// decodeLocked hydrates plain state from the document. Absent fields
// fall back to the entity's previous local value; untracked ids are
// appended to order lists deterministically so all peers agree.
func (a *Adapter) decodeLocked() *ProjectState {
	root := a.doc.RootMap()
	prev := a.state
	out := NewProjectState()
	out.CoreCategoryDraft = prev.CoreCategoryDraft

	if coll := readMap(root, keyDocuments); coll != nil {
		order := decodeOrder(root, coll, keyDocumentOrder)
		for _, id := range order {
			rm := recordMap(coll, id)
			if rm == nil {
				continue
			}
			prevDoc := Document{ID: id}
			if p, ok := prev.DocumentByID(id); ok {
				prevDoc = *p
			}
			out.Documents = append(out.Documents, Document{
				ID:    id,
				Title: strField(rm, "title", prevDoc.Title),
			})
		}
	}

	if coll := readMap(root, keyCodes); coll != nil {
		order := decodeOrder(root, coll, keyCodeOrder)
		for _, id := range order {
			rm := recordMap(coll, id)
			if rm == nil {
				continue
			}
			prevCode := Code{ID: id}
			if p, ok := prev.CodeByID(id); ok {
				prevCode = *p
			}
			out.Codes = append(out.Codes, Code{
				ID:          id,
				Label:       strField(rm, "label", prevCode.Label),
				Description: strField(rm, "description", prevCode.Description),
				FillColor:   strField(rm, "fill_color", prevCode.FillColor),
				TextColor:   strField(rm, "text_color", prevCode.TextColor),
				RingColor:   strField(rm, "ring_color", prevCode.RingColor),
			})
		}
	}

	if coll := readMap(root, keyCategories); coll != nil {
		order := decodeOrder(root, coll, keyCategoryOrder)
		for _, id := range order {
			rm := recordMap(coll, id)
			if rm == nil {
				continue
			}
			prevCat := Category{ID: id}
			if p, ok := prev.CategoryByID(id); ok {
				prevCat = *p
			}
			codeIDs := readStringList(rm, "code_ids")
			if codeIDs == nil {
				codeIDs = prevCat.CodeIDs
			}
			out.Categories = append(out.Categories, Category{
				ID:           id,
				Name:         strField(rm, "name", prevCat.Name),
				Precondition: strField(rm, "precondition", prevCat.Precondition),
				Action:       strField(rm, "action", prevCat.Action),
				Consequence:  strField(rm, "consequence", prevCat.Consequence),
				CodeIDs:      codeIDs,
			})
		}
	}

	if coll := readMap(root, keyMemos); coll != nil {
		order := decodeOrder(root, coll, keyMemoOrder)
		for _, id := range order {
			rm := recordMap(coll, id)
			if rm == nil {
				continue
			}
			prevMemo := Memo{ID: id, Kind: MemoFree}
			if p, ok := prev.MemoByID(id); ok {
				prevMemo = *p
			}
			out.Memos = append(out.Memos, Memo{
				ID:        id,
				Kind:      MemoKind(strField(rm, "kind", string(prevMemo.Kind))),
				RefID:     strField(rm, "ref_id", prevMemo.RefID),
				Title:     strField(rm, "title", prevMemo.Title),
				Body:      strField(rm, "body", prevMemo.Body),
				CreatedAt: intField(rm, "created_at", prevMemo.CreatedAt),
				UpdatedAt: intField(rm, "updated_at", prevMemo.UpdatedAt),
			})
		}
	}

	if coll := readMap(root, keyContents); coll != nil {
		keys, err := sortedKeys(coll)
		if err == nil {
			for _, id := range keys {
				// A content key without a document is a sub-structure
				// retained for a peer's live edit session; adopting it
				// into state would resurrect the deleted document's
				// content on every peer.
				if _, ok := out.DocumentByID(id); !ok {
					continue
				}
				rm := recordMap(coll, id)
				if rm == nil {
					continue
				}
				out.Contents[id] = decodeContentNode(rm)
			}
		}
	}

	out.CoreCategoryID = strField(root, keyCoreCategoryID, prev.CoreCategoryID)
	out.Theory = textField(root, keyTheory, prev.Theory)
	return out
}

// decodeOrder reconciles a stored order list against the ids actually
// present, with the same stable-merge rule encode uses.
func decodeOrder(root, coll *automerge.Map, orderKey string) []string {
	ids, err := sortedKeys(coll)
	if err != nil {
		return nil
	}
	return mergeOrder(readOrderList(root, orderKey), ids)
}
