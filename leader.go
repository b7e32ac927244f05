package groundedsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LeaderConfig configures lease-based leader election between same-device
// tabs sharing a workspace.
type LeaderConfig struct {
	// StaleAfter is the claim age beyond which any tab may take over.
	// Default: 5.5s.
	StaleAfter time.Duration `yaml:"stale_after"`

	// HeartbeatInterval is how often a holder refreshes its claim.
	// Default: 2s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SeedGrace is how long a new leader waits for a sync reply before
	// treating itself as the sole tab, ready to seed joiners.
	// Default: 1500ms.
	SeedGrace time.Duration `yaml:"seed_grace"`
}

// DefaultLeaderConfig returns default configuration.
func DefaultLeaderConfig() LeaderConfig {
	return LeaderConfig{
		StaleAfter:        5500 * time.Millisecond,
		HeartbeatInterval: 2 * time.Second,
		SeedGrace:         1500 * time.Millisecond,
	}
}

// leaseKey is the single lease name used for workspace leadership.
const leaseKey = "leader"

// LeaderElector maintains an advisory leadership lease for one tab. The
// leader is responsible for seeding new joiners when no server is
// configured; the lease grants no exclusive write access to anything.
type LeaderElector struct {
	store     *CoordStore
	workspace string
	tabID     string
	config    LeaderConfig

	mu       sync.RWMutex
	leader   bool
	onChange func(leader bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeaderElector creates an elector for one tab. onChange may be nil.
func NewLeaderElector(store *CoordStore, workspace, tabID string, config LeaderConfig, onChange func(bool)) *LeaderElector {
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5500 * time.Millisecond
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	if config.SeedGrace <= 0 {
		config.SeedGrace = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		store:     store,
		workspace: workspace,
		tabID:     tabID,
		config:    config,
		onChange:  onChange,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins claiming and heartbeating. The first claim attempt runs
// synchronously so callers observe an immediate leadership answer.
func (e *LeaderElector) Start() {
	e.Check()
	e.wg.Add(1)
	go e.run()
}

// Stop halts the heartbeat loop. The claim is deliberately NOT released:
// staleness-based takeover is the only handover path, so a transient
// unmount/remount cannot leave two tabs both believing they lead.
func (e *LeaderElector) Stop() {
	e.cancel()
	e.wg.Wait()
}

// IsLeader reports whether this tab currently holds the lease.
func (e *LeaderElector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Check performs one claim attempt immediately and returns the result.
func (e *LeaderElector) Check() bool {
	ok, err := e.store.Claim(e.workspace, leaseKey, e.tabID, e.config.StaleAfter)
	if err != nil {
		slog.Warn("leader claim failed", "workspace", e.workspace, "err", err)
		ok = false
	}
	e.setLeader(ok)
	return ok
}

func (e *LeaderElector) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Check()
		}
	}
}

func (e *LeaderElector) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	cb := e.onChange
	e.mu.Unlock()
	if changed && cb != nil {
		cb(leader)
	}
}
