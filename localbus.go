package groundedsync

import (
	"sync"
)

// LocalBusConfig configures the same-device fallback bus.
type LocalBusConfig struct {
	// BufferSize is the per-subscriber delivery buffer. Messages to a
	// subscriber with a full buffer are dropped (the CRDT layer tolerates
	// loss: full-state sync repairs gaps). Default: 256.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultLocalBusConfig returns default configuration.
func DefaultLocalBusConfig() LocalBusConfig {
	return LocalBusConfig{BufferSize: 256}
}

// LocalBus is the broadcast channel between tabs on the same device when
// no server is configured. Tabs sharing a workspace id form a group; a
// publish reaches every group member except the sender, so an update
// applied from the bus is never echoed back by its receiver.
type LocalBus struct {
	config LocalBusConfig

	mu     sync.RWMutex
	groups map[string]map[*BusSubscriber]struct{}
	closed bool
}

// BusSubscriber is one tab's membership in a workspace group.
type BusSubscriber struct {
	bus       *LocalBus
	workspace string
	tabID     string
	handler   func(*Message)

	inbox chan *Message
	done  chan struct{}
	once  sync.Once
}

// NewLocalBus creates a bus. One bus instance is shared per device; it is
// passed explicitly to consumers rather than living as package state.
func NewLocalBus(config LocalBusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &LocalBus{
		config: config,
		groups: make(map[string]map[*BusSubscriber]struct{}),
	}
}

// Join adds a tab to a workspace group. The handler runs on a dedicated
// goroutine per subscriber, in delivery order.
func (b *LocalBus) Join(workspace, tabID string, handler func(*Message)) *BusSubscriber {
	sub := &BusSubscriber{
		bus:       b,
		workspace: workspace,
		tabID:     tabID,
		handler:   handler,
		inbox:     make(chan *Message, b.config.BufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return sub
	}
	group, ok := b.groups[workspace]
	if !ok {
		group = make(map[*BusSubscriber]struct{})
		b.groups[workspace] = group
	}
	group[sub] = struct{}{}
	b.mu.Unlock()

	go sub.deliver()
	return sub
}

// Publish broadcasts a message to every other member of the sender's
// group. The sender id is stamped so receivers can origin-tag the
// resulting mutations.
func (s *BusSubscriber) Publish(msg *Message) {
	msg.SenderID = s.tabID

	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	group, ok := s.bus.groups[s.workspace]
	if !ok {
		return
	}
	for member := range group {
		if member == s {
			continue
		}
		select {
		case member.inbox <- msg:
		default:
			// Buffer full, skip
		}
	}
}

// Leave removes the tab from its group and stops delivery.
func (s *BusSubscriber) Leave() {
	s.bus.mu.Lock()
	if group, ok := s.bus.groups[s.workspace]; ok {
		delete(group, s)
		if len(group) == 0 {
			delete(s.bus.groups, s.workspace)
		}
	}
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// PeerCount returns the number of other tabs in the group.
func (s *BusSubscriber) PeerCount() int {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	group, ok := s.bus.groups[s.workspace]
	if !ok {
		return 0
	}
	return len(group) - 1
}

func (s *BusSubscriber) deliver() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			s.handler(msg)
		}
	}
}

// Close shuts the bus down and detaches every subscriber.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, group := range b.groups {
		for sub := range group {
			sub.once.Do(func() { close(sub.done) })
		}
	}
	b.groups = make(map[string]map[*BusSubscriber]struct{})
}
