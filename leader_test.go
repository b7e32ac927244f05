package groundedsync

import (
	"testing"
	"time"
)

func TestFirstTabBecomesLeader(t *testing.T) {
	store := testCoordStore(t)

	e := NewLeaderElector(store, "w1", "tab-1", DefaultLeaderConfig(), nil)
	e.Start()
	defer e.Stop()

	if !e.IsLeader() {
		t.Error("first tab did not become leader")
	}
}

func TestSecondTabDoesNotUsurpFreshLeader(t *testing.T) {
	store := testCoordStore(t)

	e1 := NewLeaderElector(store, "w1", "tab-1", DefaultLeaderConfig(), nil)
	e1.Start()
	defer e1.Stop()

	e2 := NewLeaderElector(store, "w1", "tab-2", DefaultLeaderConfig(), nil)
	e2.Start()
	defer e2.Stop()

	if e2.IsLeader() {
		t.Error("second tab took over a fresh lease")
	}
	if !e1.IsLeader() {
		t.Error("first tab lost leadership")
	}
}

func TestLeaderTakeoverAfterStaleness(t *testing.T) {
	store := testCoordStore(t)
	cfg := LeaderConfig{
		StaleAfter:        50 * time.Millisecond,
		HeartbeatInterval: time.Hour, // no automatic refresh during the test
		SeedGrace:         time.Millisecond,
	}

	e1 := NewLeaderElector(store, "w1", "tab-1", cfg, nil)
	if !e1.Check() {
		t.Fatal("initial claim failed")
	}

	time.Sleep(80 * time.Millisecond)

	e2 := NewLeaderElector(store, "w1", "tab-2", cfg, nil)
	if !e2.Check() {
		t.Fatal("takeover of a stale claim failed")
	}

	// The deposed leader's next heartbeat arrives after takeover; the
	// fresh claim wins and leadership does not flicker back.
	if e1.Check() {
		t.Error("deposed leader reclaimed against a fresh lease")
	}
	if !e2.Check() {
		t.Error("new leader lost its fresh lease")
	}
}

func TestStopDoesNotReleaseClaim(t *testing.T) {
	store := testCoordStore(t)

	e1 := NewLeaderElector(store, "w1", "tab-1", DefaultLeaderConfig(), nil)
	e1.Start()
	e1.Stop()

	// A rapid remount must not find the lease released: staleness is
	// the only takeover path.
	e2 := NewLeaderElector(store, "w1", "tab-2", DefaultLeaderConfig(), nil)
	if e2.Check() {
		t.Error("stop released the claim; second tab became leader immediately")
	}
}

func TestLeadershipChangeCallback(t *testing.T) {
	store := testCoordStore(t)

	changes := make(chan bool, 4)
	e := NewLeaderElector(store, "w1", "tab-1", DefaultLeaderConfig(), func(leader bool) {
		changes <- leader
	})
	e.Start()
	defer e.Stop()

	select {
	case leader := <-changes:
		if !leader {
			t.Error("first transition was not to leader")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leadership callback")
	}
}
