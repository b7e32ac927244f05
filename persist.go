package groundedsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PersistConfig configures the persistence sequencer.
type PersistConfig struct {
	// HardByteCap is the storage service's payload limit. Default: 10 MiB.
	HardByteCap int `yaml:"hard_byte_cap"`

	// WarnRatio of the hard cap at which a size warning surfaces.
	// Default: 0.8.
	WarnRatio float64 `yaml:"warn_ratio"`

	// MaxAttempts per save. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff between save attempts.
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultPersistConfig returns default configuration.
func DefaultPersistConfig() PersistConfig {
	return PersistConfig{
		HardByteCap: 10 << 20,
		WarnRatio:   0.8,
		MaxAttempts: 3,
		Backoff:     BackoffConfig{Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
}

// SaveResult reports one completed save attempt.
type SaveResult struct {
	Seq     uint64
	SavedAt int64
	Stale   bool
	Err     error
}

// Persister serializes snapshot saves for one workspace. Each save gets
// a strictly increasing sequence number; only the response matching the
// latest issued number may update last-saved state, so late responses
// from superseded saves are discarded. Saves run regardless of
// realtime-connection status: persistence is never gated on
// collaboration state.
type Persister struct {
	store     SnapshotStore
	codec     *SnapshotCodec
	workspace string
	config    PersistConfig
	metrics   *Metrics

	mu          sync.Mutex
	seq         uint64
	lastSavedAt int64
	sizeWarning bool
	onResult    func(SaveResult)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPersister creates a sequencer over the given store.
func NewPersister(store SnapshotStore, codec *SnapshotCodec, workspace string, config PersistConfig, metrics *Metrics) *Persister {
	if config.HardByteCap <= 0 {
		config.HardByteCap = 10 << 20
	}
	if config.WarnRatio <= 0 || config.WarnRatio > 1 {
		config.WarnRatio = 0.8
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		store:     store,
		codec:     codec,
		workspace: workspace,
		config:    config,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnResult registers a callback for completed saves, including stale and
// failed ones. Persistence failures are the one error class that must
// surface: the user needs to know their work may not be durable.
func (p *Persister) OnResult(fn func(SaveResult)) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

// Save issues an asynchronous save of the given state and returns its
// sequence number.
func (p *Persister) Save(state *ProjectState) (uint64, error) {
	raw, err := state.MarshalSnapshot()
	if err != nil {
		return 0, err
	}
	p.metrics.setSnapshotBytes(len(raw))
	p.updateSizeWarning(len(raw))

	payload, err := p.codec.Encode(raw)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	p.metrics.incSaves()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := retryDo(p.ctx, p.config.MaxAttempts, p.config.Backoff, func() error {
			return p.store.Save(p.ctx, p.workspace, payload)
		})
		if p.ctx.Err() != nil {
			// Component torn down; discard silently.
			return
		}
		p.complete(seq, err)
	}()
	return seq, nil
}

func (p *Persister) complete(seq uint64, err error) {
	result := SaveResult{Seq: seq, Err: err}

	p.mu.Lock()
	if seq != p.seq {
		result.Stale = true
	} else if err == nil {
		p.lastSavedAt = Now()
		result.SavedAt = p.lastSavedAt
	}
	cb := p.onResult
	p.mu.Unlock()

	switch {
	case result.Stale:
		p.metrics.incStaleSaves()
	case err != nil:
		p.metrics.incSaveFailures()
		slog.Warn("snapshot save failed", "workspace", p.workspace, "seq", seq, "err", err)
	}
	if cb != nil {
		cb(result)
	}
}

// LastSavedAt returns the completion time of the latest successful,
// non-stale save, or zero.
func (p *Persister) LastSavedAt() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSavedAt
}

// SizeWarning reports whether the last serialized snapshot crossed the
// warn threshold.
func (p *Persister) SizeWarning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeWarning
}

func (p *Persister) updateSizeWarning(size int) {
	warn := size >= int(float64(p.config.HardByteCap)*p.config.WarnRatio)
	p.mu.Lock()
	changed := warn != p.sizeWarning
	p.sizeWarning = warn
	p.mu.Unlock()
	if changed && warn {
		slog.Warn("snapshot approaching size cap", "workspace", p.workspace, "bytes", size, "cap", p.config.HardByteCap)
	}
}

// FetchInitial loads and decodes the stored snapshot for the workspace.
// A canceled context discards the result silently.
func (p *Persister) FetchInitial(ctx context.Context) (*ProjectState, bool, error) {
	stored, ok, err := p.store.Fetch(ctx, p.workspace)
	if err != nil || !ok {
		return nil, false, err
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	raw, err := p.codec.Decode(stored)
	if err != nil {
		return nil, false, err
	}
	state, err := UnmarshalSnapshot(raw)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// Stop cancels in-flight saves and waits for their goroutines.
func (p *Persister) Stop() {
	p.cancel()
	p.wg.Wait()
}
