package groundedsync

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// PresenceConfig configures the presence and cursor registry.
type PresenceConfig struct {
	// ExpiryWindow is how long a cursor or heartbeat record stays live
	// without an update. Default: 8s.
	ExpiryWindow time.Duration `yaml:"expiry_window"`

	// SweepInterval is how often stale entries are swept. Default: 3s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HeartbeatInterval is how often a tab republishes its own presence
	// record in local-bus mode. Default: 2s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultPresenceConfig returns default configuration.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		ExpiryWindow:      8 * time.Second,
		SweepInterval:     3 * time.Second,
		HeartbeatInterval: 2 * time.Second,
	}
}

// collaborator palette, used both directly (hash fallback) and as the
// candidate set for the distance-maximizing picker.
var presencePalette = []string{
	"#e6194b", "#3cb44b", "#b8860b", "#4363d8", "#f58231",
	"#911eb4", "#2196c9", "#f032e6", "#6b8e23", "#800000",
}

type cursorEntry struct {
	Location  CursorLocation
	UpdatedAt int64
}

// PresenceRegistry tracks connected collaborators and their cursors,
// independent of document content. In server mode the roster is
// authoritative from presence:update broadcasts; in local-bus mode each
// tab heartbeats its record into the coordination store and every tab
// rebuilds the roster by scanning non-stale records.
type PresenceRegistry struct {
	config PresenceConfig

	mu       sync.Mutex
	roster   map[string]RosterEntry
	cursors  map[string]cursorEntry
	onChange func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPresenceRegistry creates a registry and starts its sweep loop.
func NewPresenceRegistry(config PresenceConfig) *PresenceRegistry {
	if config.ExpiryWindow <= 0 {
		config.ExpiryWindow = 8 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 3 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &PresenceRegistry{
		config:  config,
		roster:  make(map[string]RosterEntry),
		cursors: make(map[string]cursorEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// OnChange registers a callback fired after any roster or cursor change.
func (r *PresenceRegistry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Stop terminates the sweep loop.
func (r *PresenceRegistry) Stop() {
	r.cancel()
	r.wg.Wait()
}

// SetRoster replaces the roster wholesale (server presence:update is
// authoritative). Cursors of collaborators no longer present are
// dropped.
func (r *PresenceRegistry) SetRoster(entries []RosterEntry) {
	r.mu.Lock()
	r.roster = make(map[string]RosterEntry, len(entries))
	for _, e := range entries {
		r.roster[e.ClientID] = e
	}
	for id := range r.cursors {
		if _, ok := r.roster[id]; !ok {
			delete(r.cursors, id)
		}
	}
	cb := r.onChange
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Upsert adds or updates a single collaborator.
func (r *PresenceRegistry) Upsert(entry RosterEntry) {
	r.mu.Lock()
	r.roster[entry.ClientID] = entry
	cb := r.onChange
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Remove drops a collaborator and their cursor.
func (r *PresenceRegistry) Remove(clientID string) {
	r.mu.Lock()
	_, had := r.roster[clientID]
	delete(r.roster, clientID)
	delete(r.cursors, clientID)
	cb := r.onChange
	r.mu.Unlock()
	if had && cb != nil {
		cb()
	}
}

// ObserveCursor records a collaborator's cursor location.
func (r *PresenceRegistry) ObserveCursor(clientID string, loc CursorLocation) {
	r.mu.Lock()
	r.cursors[clientID] = cursorEntry{Location: loc, UpdatedAt: Now()}
	cb := r.onChange
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ClearCursor removes a collaborator's cursor.
func (r *PresenceRegistry) ClearCursor(clientID string) {
	r.mu.Lock()
	_, had := r.cursors[clientID]
	delete(r.cursors, clientID)
	cb := r.onChange
	r.mu.Unlock()
	if had && cb != nil {
		cb()
	}
}

// Roster returns the collaborator list sorted by client id.
func (r *PresenceRegistry) Roster() []RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RosterEntry, 0, len(r.roster))
	for _, e := range r.roster {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Cursors returns the live cursor map.
func (r *PresenceRegistry) Cursors() map[string]CursorLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CursorLocation, len(r.cursors))
	for id, c := range r.cursors {
		out[id] = c.Location
	}
	return out
}

func (r *PresenceRegistry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes cursors older than the expiry window.
func (r *PresenceRegistry) Sweep() {
	cutoff := Now() - r.config.ExpiryWindow.Milliseconds()
	r.mu.Lock()
	removed := false
	for id, c := range r.cursors {
		if c.UpdatedAt < cutoff {
			delete(r.cursors, id)
			removed = true
		}
	}
	cb := r.onChange
	r.mu.Unlock()
	if removed && cb != nil {
		cb()
	}
}

// AssignColor picks a color for a new collaborator that maximizes
// perceptual distance from the colors already in use. When every
// candidate is equally close (all taken or no basis to distinguish), it
// falls back to a deterministic hash-indexed palette slot so the same
// client always lands on the same color.
func AssignColor(clientID string, inUse []string) string {
	if len(inUse) == 0 {
		return hashPaletteSlot(clientID)
	}
	best := ""
	bestDist := -1.0
	for _, candidate := range presencePalette {
		minDist := math.MaxFloat64
		for _, used := range inUse {
			d := hslDistance(candidate, used)
			if d < minDist {
				minDist = d
			}
		}
		if minDist > bestDist {
			bestDist = minDist
			best = candidate
		}
	}
	if bestDist <= 0.01 {
		return hashPaletteSlot(clientID)
	}
	return best
}

func hashPaletteSlot(clientID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}

// hslDistance compares two hex colors in HSL space. Hue distance is
// circular and weighted highest; unparsable colors compare as maximally
// distant so they never block a pick.
func hslDistance(a, b string) float64 {
	ha, sa, la, ok := hexToHSL(a)
	if !ok {
		return math.MaxFloat64
	}
	hb, sb, lb, ok := hexToHSL(b)
	if !ok {
		return math.MaxFloat64
	}
	dh := math.Abs(ha - hb)
	if dh > 180 {
		dh = 360 - dh
	}
	return (dh/180)*2 + math.Abs(sa-sb) + math.Abs(la-lb)
}

func hexToHSL(hex string) (h, s, l float64, ok bool) {
	if len(hex) != 7 || hex[0] != '#' {
		return 0, 0, 0, false
	}
	rv, err1 := strconv.ParseUint(hex[1:3], 16, 8)
	gv, err2 := strconv.ParseUint(hex[3:5], 16, 8)
	bv, err3 := strconv.ParseUint(hex[5:7], 16, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	r := float64(rv) / 255
	g := float64(gv) / 255
	b := float64(bv) / 255

	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	l = (maxC + minC) / 2
	if maxC == minC {
		return 0, 0, l, true
	}
	d := maxC - minC
	if l > 0.5 {
		s = d / (2 - maxC - minC)
	} else {
		s = d / (maxC + minC)
	}
	switch maxC {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	return h * 60, s, l, true
}

// PresenceHeartbeat republishes one tab's presence record into the
// coordination store on a fixed interval (local-bus mode liveness) and
// rebuilds the registry's roster from non-stale records on each sweep.
type PresenceHeartbeat struct {
	store     *CoordStore
	registry  *PresenceRegistry
	workspace string
	self      RosterEntry
	config    PresenceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPresenceHeartbeat creates a heartbeat publisher for one tab.
func NewPresenceHeartbeat(store *CoordStore, registry *PresenceRegistry, workspace string, self RosterEntry, config PresenceConfig) *PresenceHeartbeat {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 3 * time.Second
	}
	if config.ExpiryWindow <= 0 {
		config.ExpiryWindow = 8 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceHeartbeat{
		store:     store,
		registry:  registry,
		workspace: workspace,
		self:      self,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start publishes immediately, then heartbeats and rescans on their
// intervals until Stop.
func (h *PresenceHeartbeat) Start() {
	h.beat()
	h.rebuild()
	h.wg.Add(1)
	go h.run()
}

// Rename updates the published display name.
func (h *PresenceHeartbeat) Rename(name string) {
	h.self.Name = name
	h.beat()
}

// Stop ends heartbeating and best-effort removes this tab's record so
// peers see the departure before the expiry window elapses.
func (h *PresenceHeartbeat) Stop() {
	h.cancel()
	h.wg.Wait()
	if err := h.store.Delete(h.workspace, ScopePresence, h.self.ClientID); err != nil {
		slog.Warn("presence goodbye failed", "workspace", h.workspace, "err", err)
	}
}

func (h *PresenceHeartbeat) run() {
	defer h.wg.Done()
	beat := time.NewTicker(h.config.HeartbeatInterval)
	defer beat.Stop()
	scan := time.NewTicker(h.config.SweepInterval)
	defer scan.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-beat.C:
			h.beat()
		case <-scan.C:
			h.rebuild()
		}
	}
}

func (h *PresenceHeartbeat) beat() {
	data, err := json.Marshal(h.self)
	if err != nil {
		return
	}
	if err := h.store.Put(h.workspace, ScopePresence, h.self.ClientID, string(data)); err != nil {
		slog.Warn("presence heartbeat failed", "workspace", h.workspace, "err", err)
	}
}

func (h *PresenceHeartbeat) rebuild() {
	records, err := h.store.List(h.workspace, ScopePresence)
	if err != nil {
		slog.Warn("presence scan failed", "workspace", h.workspace, "err", err)
		return
	}
	cutoff := Now() - h.config.ExpiryWindow.Milliseconds()
	roster := make([]RosterEntry, 0, len(records))
	for _, rec := range records {
		if rec.UpdatedAt < cutoff {
			continue
		}
		var entry RosterEntry
		if err := json.Unmarshal([]byte(rec.Value), &entry); err != nil {
			continue
		}
		roster = append(roster, entry)
	}
	h.registry.SetRoster(roster)
}
