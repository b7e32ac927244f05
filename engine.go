package groundedsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine runs the synchronization stack for one workspace in one
// process (one "tab"). Topology is fixed at construction: with a server
// URL it speaks the server wire protocol through the connection pool;
// without one it joins the same-device local bus with lease-based
// leader election. Updates are emitted on exactly one of the two paths,
// never both.
type Engine struct {
	config  Config
	tabID   string
	metrics *Metrics

	sessions *EditSessionRegistry
	adapter  *Adapter
	history  *HistoryManager
	presence *PresenceRegistry
	persist  *Persister

	pool  *ConnPool
	bus   *LocalBus
	coord *CoordStore

	sub       *TransportSub
	busSub    *BusSubscriber
	elector   *LeaderElector
	heartbeat *PresenceHeartbeat

	mu         sync.Mutex
	clientID   string
	name       string
	color      string
	online     bool
	everOnline bool
	seeded     bool
	onState    func(*ProjectState)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closers []func() error
}

// NewEngine assembles an engine from injected collaborators. pool may be
// nil in local-bus mode; bus and coord may be nil in server mode.
// metrics may be nil to disable collection.
func NewEngine(cfg Config, pool *ConnPool, bus *LocalBus, coord *CoordStore, store SnapshotStore, metrics *Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" && (bus == nil || coord == nil) {
		return nil, fmt.Errorf("local-bus mode requires a bus and coordination store")
	}
	if cfg.ServerURL != "" && pool == nil {
		return nil, fmt.Errorf("server mode requires a connection pool")
	}

	codec, err := NewSnapshotCodec(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	sessions := NewEditSessionRegistry()
	clientID := uuid.NewString()
	name := cfg.DisplayName
	if name == "" {
		name = "Anonymous"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   cfg,
		tabID:    uuid.NewString(),
		metrics:  metrics,
		sessions: sessions,
		adapter:  NewAdapter(cfg.Workspace, sessions),
		history:  NewHistoryManager(cfg.History),
		presence: NewPresenceRegistry(cfg.Presence),
		persist:  NewPersister(store, codec, cfg.Workspace, cfg.Persist, metrics),
		pool:     pool,
		bus:      bus,
		coord:    coord,
		clientID: clientID,
		name:     name,
		color:    AssignColor(clientID, nil),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.adapter.SetHandlers(e.dispatchUpdate, e.handleDecodedState)
	return e, nil
}

// OnStateChange registers the callback fired after a remote update or
// snapshot changed the decoded project state.
func (e *Engine) OnStateChange(fn func(*ProjectState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// OnPresenceChange registers the callback fired after any roster or
// cursor change.
func (e *Engine) OnPresenceChange(fn func()) {
	e.presence.OnChange(fn)
}

// Start loads the stored snapshot (if any) and joins the configured
// topology.
func (e *Engine) Start(ctx context.Context) error {
	if state, ok, err := e.persist.FetchInitial(ctx); err != nil {
		// Start with an empty workspace rather than failing; the store
		// is retried on the next save.
		slog.Warn("initial snapshot fetch failed", "workspace", e.config.Workspace, "err", err)
	} else if ok {
		if err := e.adapter.ApplyProjectSnapshot(state); err != nil {
			return err
		}
	}

	if e.config.ServerURL != "" {
		e.sub = e.pool.Subscribe(e.config.ServerURL, e.onServerMessage, e.onServerStatus)
		return nil
	}
	return e.joinLocal()
}

func (e *Engine) joinLocal() error {
	if err := e.coord.Put(e.config.Workspace, ScopeIdentity, e.tabID, e.name); err != nil {
		slog.Warn("identity record write failed", "workspace", e.config.Workspace, "err", err)
	}

	e.elector = NewLeaderElector(e.coord, e.config.Workspace, e.tabID, e.config.Leader, func(leader bool) {
		slog.Info("leadership changed", "workspace", e.config.Workspace, "tab", e.tabID, "leader", leader)
	})
	e.elector.Start()

	e.busSub = e.bus.Join(e.config.Workspace, e.tabID, e.onBusMessage)
	e.heartbeat = NewPresenceHeartbeat(e.coord, e.presence, e.config.Workspace, RosterEntry{
		ClientID: e.clientID,
		Name:     e.name,
		Color:    e.color,
	}, e.config.Presence)
	e.heartbeat.Start()

	e.busSub.Publish(&Message{Type: MsgPresenceHello, ClientID: e.clientID, Name: e.name, Color: e.color})
	e.busSub.Publish(&Message{Type: MsgCRDTHello, ClientID: e.clientID})

	// If no sync reply lands within the grace window, this is the sole
	// or first tab; it treats its own (possibly empty) state as valid
	// and seeds joiners rather than blocking forever.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.ctx.Done():
		case <-time.After(e.config.Leader.SeedGrace):
			e.markSeeded()
		}
	}()
	return nil
}

// Stop tears the engine down. The leadership claim is intentionally not
// released; presence and identity records are removed best-effort.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	if e.busSub != nil {
		e.busSub.Publish(&Message{Type: MsgPresenceGoodbye, ClientID: e.clientID})
		e.busSub.Leave()
	}
	if e.heartbeat != nil {
		e.heartbeat.Stop()
	}
	if e.elector != nil {
		e.elector.Stop()
	}
	if e.coord != nil {
		if err := e.coord.Delete(e.config.Workspace, ScopeIdentity, e.tabID); err != nil {
			slog.Warn("identity cleanup failed", "workspace", e.config.Workspace, "err", err)
		}
	}
	e.presence.Stop()
	e.persist.Stop()

	for _, close := range e.closers {
		if err := close(); err != nil {
			slog.Warn("engine close", "workspace", e.config.Workspace, "err", err)
		}
	}
}

// --- message handling ---

// dispatchUpdate sends a locally produced CRDT update on exactly one
// path: the server connection when configured, the local bus otherwise.
func (e *Engine) dispatchUpdate(update []byte) {
	e.metrics.incUpdatesOut()
	msg := &Message{
		Type:     MsgCRDTUpdate,
		ClientID: e.ClientID(),
		Update:   EncodeUpdatePayload(update),
	}
	if e.sub != nil {
		payload, err := EncodeMessage(msg)
		if err != nil {
			return
		}
		if !e.sub.Send(payload) {
			// Offline; the server replays missed state on reconnect via
			// hello/sync, so a dropped send is "try later", not an error.
			slog.Debug("update dropped while offline", "workspace", e.config.Workspace)
		}
		return
	}
	if e.busSub != nil {
		e.busSub.Publish(msg)
	}
}

func (e *Engine) handleDecodedState(state *ProjectState) {
	e.mu.Lock()
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (e *Engine) onServerMessage(payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		e.metrics.incMalformed()
		slog.Warn("dropping malformed message", "workspace", e.config.Workspace, "err", err)
		return
	}

	switch msg.Type {
	case MsgHello:
		e.mu.Lock()
		if msg.ClientID != "" {
			e.clientID = msg.ClientID
		}
		if msg.Name != "" {
			e.name = msg.Name
		}
		if msg.Color != "" {
			e.color = msg.Color
		}
		e.mu.Unlock()
		e.presence.SetRoster(msg.Presence)
		if len(msg.Project) > 0 {
			if state, err := UnmarshalSnapshot(msg.Project); err == nil {
				e.applySnapshotState(state)
			} else {
				e.metrics.incMalformed()
			}
		}

	case MsgPresenceUpdate:
		e.presence.SetRoster(msg.Presence)

	case MsgCursorUpdate:
		if msg.Cursor != nil && msg.ClientID != e.ClientID() {
			e.presence.ObserveCursor(msg.ClientID, *msg.Cursor)
		}

	case MsgCursorClear:
		e.presence.ClearCursor(msg.ClientID)

	case MsgProjectUpdate:
		// Echo-suppressed for its own sender.
		if msg.SenderID == e.ClientID() {
			return
		}
		if state, err := UnmarshalSnapshot(msg.Project); err == nil {
			e.applySnapshotState(state)
		} else {
			e.metrics.incMalformed()
		}

	case MsgCRDTUpdate:
		e.applyWireUpdate(msg.Update, OriginRemote)

	case MsgCRDTSync:
		e.applyWireBatch(msg.Updates, OriginRemote)
	}
}

func (e *Engine) onServerStatus(online bool) {
	e.mu.Lock()
	if online && e.everOnline {
		e.metrics.incReconnects()
	}
	if online {
		e.everOnline = true
	}
	e.online = online
	e.mu.Unlock()
}

func (e *Engine) onBusMessage(msg *Message) {
	switch msg.Type {
	case MsgCRDTHello:
		// Any up-to-date peer answers, not just the leader.
		if e.adapter.HasContent() || e.isSeeded() {
			e.busSub.Publish(&Message{
				Type:    MsgCRDTSync,
				Updates: []string{EncodeUpdatePayload(e.adapter.Snapshot())},
			})
		}

	case MsgCRDTSync:
		e.applyWireBatch(msg.Updates, OriginLocalBus)

	case MsgCRDTUpdate:
		e.applyWireUpdate(msg.Update, OriginLocalBus)

	case MsgPresenceHello, MsgPresenceRename:
		e.presence.Upsert(RosterEntry{ClientID: msg.ClientID, Name: msg.Name, Color: msg.Color})

	case MsgPresenceGoodbye:
		e.presence.Remove(msg.ClientID)

	case MsgCursorUpdate:
		if msg.Cursor != nil {
			e.presence.ObserveCursor(msg.ClientID, *msg.Cursor)
		}

	case MsgCursorClear:
		e.presence.ClearCursor(msg.ClientID)

	case MsgProjectUpdate:
		if state, err := UnmarshalSnapshot(msg.Project); err == nil {
			e.applySnapshotState(state)
		} else {
			e.metrics.incMalformed()
		}
	}
}

func (e *Engine) applyWireUpdate(encoded string, origin Origin) {
	raw, err := DecodeUpdatePayload(encoded)
	if err != nil {
		e.metrics.incMalformed()
		slog.Warn("dropping malformed update", "workspace", e.config.Workspace, "err", err)
		return
	}
	if e.sessions.HeldAny() {
		e.metrics.incUpdatesDeferred()
	}
	e.metrics.incUpdatesIn()
	if err := e.adapter.ApplyUpdate(raw, origin); err != nil {
		e.metrics.incMalformed()
		slog.Warn("dropping unappliable update", "workspace", e.config.Workspace, "err", err)
	}
}

func (e *Engine) applyWireBatch(encoded []string, origin Origin) {
	raws := make([][]byte, 0, len(encoded))
	for _, u := range encoded {
		raw, err := DecodeUpdatePayload(u)
		if err != nil {
			e.metrics.incMalformed()
			continue
		}
		raws = append(raws, raw)
	}
	if err := e.adapter.ApplyBatch(raws, origin); err != nil {
		e.metrics.incMalformed()
		slog.Warn("dropping unappliable sync batch", "workspace", e.config.Workspace, "err", err)
		return
	}
	e.markSeeded()
}

func (e *Engine) applySnapshotState(state *ProjectState) {
	if err := e.adapter.ApplyProjectSnapshot(state); err != nil {
		slog.Warn("project snapshot apply failed", "workspace", e.config.Workspace, "err", err)
		return
	}
	e.markSeeded()
}

func (e *Engine) markSeeded() {
	e.mu.Lock()
	e.seeded = true
	e.mu.Unlock()
}

func (e *Engine) isSeeded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seeded
}

// --- mutation API ---

// Mutate applies a structural local mutation: a history checkpoint of
// the current state, then the mutation on a private copy, then one
// encode pass that emits the resulting update. The whole
// read-checkpoint-mutate-encode cycle runs inside the adapter's critical
// section, so a remote update cannot slip in between the read and the
// encode and be clobbered by stale state.
func (e *Engine) Mutate(fn func(*ProjectState)) error {
	return e.adapter.Update(func(s *ProjectState) {
		e.history.Checkpoint(s)
		fn(s)
	})
}

// MutateScalar is Mutate without the checkpoint, for mid-typing scalar
// edits that should not each become an undo step.
func (e *Engine) MutateScalar(fn func(*ProjectState)) error {
	return e.adapter.Update(fn)
}

// AddDocument creates a document with an empty content tree and returns
// its id.
func (e *Engine) AddDocument(title string) (string, error) {
	id := NewEntityID()
	err := e.Mutate(func(s *ProjectState) {
		s.Documents = append(s.Documents, Document{ID: id, Title: title})
		s.Contents[id] = NewDocContent()
	})
	return id, err
}

// RenameDocument sets a document's title.
func (e *Engine) RenameDocument(id, title string) error {
	return e.mutateExisting(func(s *ProjectState) bool {
		doc, ok := s.DocumentByID(id)
		if ok {
			doc.Title = title
		}
		return ok
	})
}

// RemoveDocument deletes a document. Its content sub-structure is
// removed from the replicated document only once no edit session holds
// it; a held document schedules the cleanup pass for session end.
func (e *Engine) RemoveDocument(id string) error {
	err := e.Mutate(func(s *ProjectState) {
		out := s.Documents[:0]
		for _, d := range s.Documents {
			if d.ID != id {
				out = append(out, d)
			}
		}
		s.Documents = out
		delete(s.Contents, id)
	})
	if err != nil {
		return err
	}
	if e.sessions.Held(id) {
		e.sessions.WhenIdle(id, func() {
			if err := e.MutateScalar(func(*ProjectState) {}); err != nil {
				slog.Warn("deferred content cleanup failed", "workspace", e.config.Workspace, "document", id, "err", err)
			}
		})
	}
	return nil
}

// SetDocumentContent replaces a document's content tree. Content edits
// are continuous typing, so no checkpoint is taken.
func (e *Engine) SetDocumentContent(id string, tree *ContentNode) error {
	return e.MutateScalar(func(s *ProjectState) {
		s.Contents[id] = tree.Clone()
	})
}

// AddCode creates a tag and returns its id.
func (e *Engine) AddCode(label, fill, text, ring string) (string, error) {
	id := NewEntityID()
	err := e.Mutate(func(s *ProjectState) {
		s.Codes = append(s.Codes, Code{ID: id, Label: label, FillColor: fill, TextColor: text, RingColor: ring})
	})
	return id, err
}

// UpdateCode replaces a tag's fields, matched by id.
func (e *Engine) UpdateCode(code Code) error {
	return e.mutateExisting(func(s *ProjectState) bool {
		existing, ok := s.CodeByID(code.ID)
		if ok {
			*existing = code
		}
		return ok
	})
}

// RemoveCode deletes a tag, scrubs it from category membership lists,
// and strips its marks from document content. Documents held by a live
// edit session are cleaned up when their session ends instead of under
// the user's cursor.
func (e *Engine) RemoveCode(id string) error {
	var heldDocs []string
	err := e.Mutate(func(s *ProjectState) {
		out := s.Codes[:0]
		for _, c := range s.Codes {
			if c.ID != id {
				out = append(out, c)
			}
		}
		s.Codes = out
		for i := range s.Categories {
			ids := s.Categories[i].CodeIDs[:0]
			for _, cid := range s.Categories[i].CodeIDs {
				if cid != id {
					ids = append(ids, cid)
				}
			}
			s.Categories[i].CodeIDs = ids
		}
		for docID, tree := range s.Contents {
			if !tree.ReferencesCode(id) {
				continue
			}
			if e.sessions.Held(docID) {
				heldDocs = append(heldDocs, docID)
				continue
			}
			tree.StripCodeMarks(id)
		}
	})
	if err != nil {
		return err
	}
	for _, docID := range heldDocs {
		docID := docID
		e.sessions.WhenIdle(docID, func() {
			if err := e.cleanupCodeMarks(docID, id); err != nil {
				slog.Warn("deferred code cleanup failed", "workspace", e.config.Workspace, "code", id, "err", err)
			}
		})
	}
	return nil
}

func (e *Engine) cleanupCodeMarks(docID, codeID string) error {
	return e.MutateScalar(func(s *ProjectState) {
		if tree, ok := s.Contents[docID]; ok {
			tree.StripCodeMarks(codeID)
		}
	})
}

// AddCategory creates a category and returns its id.
func (e *Engine) AddCategory(name string) (string, error) {
	id := NewEntityID()
	err := e.Mutate(func(s *ProjectState) {
		s.Categories = append(s.Categories, Category{ID: id, Name: name})
	})
	return id, err
}

// UpdateCategory replaces a category's fields, matched by id.
func (e *Engine) UpdateCategory(cat Category) error {
	return e.mutateExisting(func(s *ProjectState) bool {
		existing, ok := s.CategoryByID(cat.ID)
		if ok {
			*existing = cat
			existing.CodeIDs = append([]string(nil), cat.CodeIDs...)
		}
		return ok
	})
}

// SetCategoryCodes replaces a category's code membership list.
func (e *Engine) SetCategoryCodes(id string, codeIDs []string) error {
	return e.mutateExisting(func(s *ProjectState) bool {
		cat, ok := s.CategoryByID(id)
		if ok {
			cat.CodeIDs = append([]string(nil), codeIDs...)
		}
		return ok
	})
}

// RemoveCategory deletes a category. A core-category selection pointing
// at it is cleared.
func (e *Engine) RemoveCategory(id string) error {
	return e.Mutate(func(s *ProjectState) {
		out := s.Categories[:0]
		for _, c := range s.Categories {
			if c.ID != id {
				out = append(out, c)
			}
		}
		s.Categories = out
		if s.CoreCategoryID == id {
			s.CoreCategoryID = ""
		}
	})
}

// AddMemo creates a memo and returns its id.
func (e *Engine) AddMemo(kind MemoKind, refID, title, body string) (string, error) {
	id := NewEntityID()
	now := Now()
	err := e.Mutate(func(s *ProjectState) {
		s.Memos = append(s.Memos, Memo{
			ID: id, Kind: kind, RefID: refID,
			Title: title, Body: body,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	return id, err
}

// UpdateMemo sets a memo's title and body.
func (e *Engine) UpdateMemo(id, title, body string) error {
	return e.mutateExisting(func(s *ProjectState) bool {
		memo, ok := s.MemoByID(id)
		if ok {
			memo.Title = title
			memo.Body = body
			memo.UpdatedAt = Now()
		}
		return ok
	})
}

// RemoveMemo deletes a memo.
func (e *Engine) RemoveMemo(id string) error {
	return e.Mutate(func(s *ProjectState) {
		out := s.Memos[:0]
		for _, m := range s.Memos {
			if m.ID != id {
				out = append(out, m)
			}
		}
		s.Memos = out
	})
}

// SetCoreCategory selects the core category (empty clears it).
func (e *Engine) SetCoreCategory(id string) error {
	return e.Mutate(func(s *ProjectState) {
		s.CoreCategoryID = id
	})
}

// SetTheory replaces the theory narrative. Continuous typing, so no
// checkpoint.
func (e *Engine) SetTheory(text string) error {
	return e.MutateScalar(func(s *ProjectState) {
		s.Theory = text
	})
}

// SetCoreCategoryDraft updates the UI-only draft string. Never
// replicated or persisted.
func (e *Engine) SetCoreCategoryDraft(draft string) error {
	return e.MutateScalar(func(s *ProjectState) {
		s.CoreCategoryDraft = draft
	})
}

// ReorderCodes replaces the code display order with the given id list;
// unknown ids are skipped and unmentioned codes keep their place at the
// end.
func (e *Engine) ReorderCodes(order []string) error {
	return e.Mutate(func(s *ProjectState) {
		s.Codes = reorderByID(s.Codes, order, func(c Code) string { return c.ID })
	})
}

// ReorderDocuments replaces the document display order.
func (e *Engine) ReorderDocuments(order []string) error {
	return e.Mutate(func(s *ProjectState) {
		s.Documents = reorderByID(s.Documents, order, func(d Document) string { return d.ID })
	})
}

// ReorderCategories replaces the category display order.
func (e *Engine) ReorderCategories(order []string) error {
	return e.Mutate(func(s *ProjectState) {
		s.Categories = reorderByID(s.Categories, order, func(c Category) string { return c.ID })
	})
}

func reorderByID[T any](items []T, order []string, id func(T) string) []T {
	index := make(map[string]int, len(items))
	for i, item := range items {
		index[id(item)] = i
	}
	out := make([]T, 0, len(items))
	taken := make(map[string]bool, len(items))
	for _, want := range order {
		if i, ok := index[want]; ok && !taken[want] {
			out = append(out, items[i])
			taken[want] = true
		}
	}
	for _, item := range items {
		if !taken[id(item)] {
			out = append(out, item)
		}
	}
	return out
}

func (e *Engine) mutateExisting(fn func(*ProjectState) bool) error {
	found := false
	err := e.Mutate(func(s *ProjectState) {
		found = fn(s)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownEntity
	}
	return nil
}

// --- history, persistence, sessions, presence ---

// Undo restores the previous structural snapshot, preferring the native
// editor command when attached.
func (e *Engine) Undo() error {
	return e.adapter.Update(func(s *ProjectState) {
		if restored, ok := e.history.Undo(s.Clone()); ok {
			*s = *restored.Clone()
		}
	})
}

// Redo restores the next structural snapshot.
func (e *Engine) Redo() error {
	return e.adapter.Update(func(s *ProjectState) {
		if restored, ok := e.history.Redo(s.Clone()); ok {
			*s = *restored.Clone()
		}
	})
}

// History exposes the undo/redo manager.
func (e *Engine) History() *HistoryManager {
	return e.history
}

// Save issues an asynchronous snapshot save, independent of connection
// or handshake status.
func (e *Engine) Save() (uint64, error) {
	return e.persist.Save(e.adapter.State())
}

// Persister exposes the persistence sequencer.
func (e *Engine) Persister() *Persister {
	return e.persist
}

// BeginEdit marks a document as held by a live editing session; remote
// updates are deferred while any session is open.
func (e *Engine) BeginEdit(docID string) {
	e.sessions.Begin(docID)
}

// EndEdit releases an editing session and drains any updates deferred
// behind it.
func (e *Engine) EndEdit(docID string) {
	e.sessions.End(docID)
	if err := e.adapter.DrainDeferred(); err != nil {
		slog.Warn("deferred update apply failed", "workspace", e.config.Workspace, "err", err)
	}
}

// SetCursor broadcasts this collaborator's cursor location.
func (e *Engine) SetCursor(loc CursorLocation) {
	e.broadcast(&Message{Type: MsgCursorUpdate, ClientID: e.ClientID(), Cursor: &loc})
}

// ClearCursor broadcasts removal of this collaborator's cursor.
func (e *Engine) ClearCursor() {
	e.broadcast(&Message{Type: MsgCursorClear, ClientID: e.ClientID()})
}

// Rename changes this collaborator's display name and announces it.
func (e *Engine) Rename(name string) {
	e.mu.Lock()
	e.name = name
	color := e.color
	e.mu.Unlock()
	if e.heartbeat != nil {
		e.heartbeat.Rename(name)
	}
	e.broadcast(&Message{Type: MsgPresenceRename, ClientID: e.ClientID(), Name: name, Color: color})
}

func (e *Engine) broadcast(msg *Message) {
	if e.sub != nil {
		if payload, err := EncodeMessage(msg); err == nil {
			_ = e.sub.Send(payload)
		}
		return
	}
	if e.busSub != nil {
		e.busSub.Publish(msg)
	}
}

// --- accessors ---

// State returns a copy of the current project state.
func (e *Engine) State() *ProjectState {
	return e.adapter.State()
}

// ClientID returns this collaborator's id (server-assigned in server
// mode once the hello arrives).
func (e *Engine) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientID
}

// Roster returns the current collaborator list.
func (e *Engine) Roster() []RosterEntry {
	return e.presence.Roster()
}

// Cursors returns the live remote cursors.
func (e *Engine) Cursors() map[string]CursorLocation {
	return e.presence.Cursors()
}

// IsLeader reports local-mode leadership; always false in server mode.
func (e *Engine) IsLeader() bool {
	if e.elector == nil {
		return false
	}
	return e.elector.IsLeader()
}

// Online reports server connectivity; always false in local-bus mode.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// OpenEngine builds an engine and its collaborators from configuration:
// the snapshot store (S3 when configured, local SQLite otherwise), plus
// the coordination store and bus in local mode or the connection pool in
// server mode. The engine owns everything it opened and closes it on
// Stop.
func OpenEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store SnapshotStore
	var err error
	if cfg.S3 != nil {
		store, err = NewS3SnapshotStore(ctx, *cfg.S3)
	} else {
		store, err = NewSQLiteSnapshotStore(DefaultSQLiteStoreConfig(cfg.SnapshotPath))
	}
	if err != nil {
		return nil, err
	}

	var pool *ConnPool
	var bus *LocalBus
	var coord *CoordStore
	closers := []func() error{store.Close}

	if cfg.ServerURL != "" {
		pool = NewConnPool(cfg.Transport)
		closers = append(closers, func() error { pool.Close(); return nil })
	} else {
		coord, err = OpenCoordStore(DefaultCoordStoreConfig(cfg.CoordStorePath))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		bus = NewLocalBus(cfg.LocalBus)
		closers = append(closers, coord.Close, func() error { bus.Close(); return nil })
	}

	engine, err := NewEngine(cfg, pool, bus, coord, store, NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		for _, close := range closers {
			_ = close()
		}
		return nil, err
	}
	engine.closers = closers
	return engine, nil
}
