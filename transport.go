package groundedsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TransportConfig configures the websocket connection pool.
type TransportConfig struct {
	// KeepaliveInterval is how often a ping message is sent on an open
	// connection. Absence of keepalive is never treated as a failure;
	// only close/error from the connection is. Default: 20s.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// DialTimeout bounds a single connect attempt. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds a single send. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Backoff is the reconnect schedule, reset on every successful open.
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultTransportConfig returns default configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		KeepaliveInterval: 20 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		Backoff:           DefaultBackoffConfig(),
	}
}

// ConnPool owns at most one live websocket connection per target URL in
// the process, reference-counted by subscribers. It is an owned service
// object passed to consumers, never ambient package state.
type ConnPool struct {
	config TransportConfig

	mu    sync.Mutex
	conns map[string]*pooledConn
}

// TransportSub is one subscriber's handle on a pooled connection.
type TransportSub struct {
	conn      *pooledConn
	onMessage func(payload []byte)
	onStatus  func(online bool)
	closed    bool
}

type pooledConn struct {
	pool *ConnPool
	url  string

	mu        sync.Mutex
	ws        *websocket.Conn
	online    bool
	subs      map[*TransportSub]struct{}
	lastHello []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnPool creates an empty pool.
func NewConnPool(config TransportConfig) *ConnPool {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 20 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &ConnPool{
		config: config,
		conns:  make(map[string]*pooledConn),
	}
}

// Subscribe registers callbacks against the connection for url, opening
// it if this is the first subscriber. If a handshake (hello) message
// already arrived on the connection it is replayed to the new subscriber
// immediately, so late subscribers never miss it.
func (p *ConnPool) Subscribe(url string, onMessage func([]byte), onStatus func(bool)) *TransportSub {
	p.mu.Lock()
	conn, ok := p.conns[url]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		conn = &pooledConn{
			pool:   p,
			url:    url,
			subs:   make(map[*TransportSub]struct{}),
			ctx:    ctx,
			cancel: cancel,
		}
		p.conns[url] = conn
		conn.wg.Add(1)
		go conn.run()
	}
	p.mu.Unlock()

	sub := &TransportSub{conn: conn, onMessage: onMessage, onStatus: onStatus}

	conn.mu.Lock()
	conn.subs[sub] = struct{}{}
	online := conn.online
	hello := conn.lastHello
	conn.mu.Unlock()

	if onStatus != nil {
		onStatus(online)
	}
	if hello != nil && onMessage != nil {
		onMessage(hello)
	}
	return sub
}

// Send writes a payload best-effort. It returns false, never an error,
// when the connection is not open; callers treat that as "try later".
func (s *TransportSub) Send(payload []byte) bool {
	return s.conn.send(payload)
}

// Online reports the connection's current status.
func (s *TransportSub) Online() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.conn.online
}

// Unsubscribe removes this subscriber; the last unsubscribe tears the
// underlying connection down.
func (s *TransportSub) Unsubscribe() {
	conn := s.conn
	conn.mu.Lock()
	if s.closed {
		conn.mu.Unlock()
		return
	}
	s.closed = true
	delete(conn.subs, s)
	remaining := len(conn.subs)
	conn.mu.Unlock()

	if remaining == 0 {
		conn.pool.drop(conn)
	}
}

// Close tears down every connection in the pool.
func (p *ConnPool) Close() {
	p.mu.Lock()
	conns := make([]*pooledConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (p *ConnPool) drop(conn *pooledConn) {
	p.mu.Lock()
	if p.conns[conn.url] == conn {
		delete(p.conns, conn.url)
	}
	p.mu.Unlock()
	conn.shutdown()
}

func (c *pooledConn) shutdown() {
	c.cancel()
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// run owns the connection lifecycle: dial, pump, reconnect. Because only
// this goroutine dials, a connect attempt while already connecting or
// open is structurally impossible.
func (c *pooledConn) run() {
	defer c.wg.Done()
	backoff := NewBackoff(c.pool.config.Backoff)

	for {
		if c.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: c.pool.config.DialTimeout}
		ws, _, err := dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			slog.Warn("transport connect failed", "url", c.url, "retry_in", delay, "err", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		backoff.Reset()
		c.setOpen(ws)

		pingDone := make(chan struct{})
		c.wg.Add(1)
		go c.keepalive(ws, pingDone)

		c.readPump(ws)

		close(pingDone)
		c.setClosed()

		if c.ctx.Err() != nil {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
	}
}

func (c *pooledConn) readPump(ws *websocket.Conn) {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}

		// Cache the handshake for late subscribers.
		if msg, err := DecodeMessage(payload); err == nil && msg.Type == MsgHello {
			c.mu.Lock()
			c.lastHello = payload
			c.mu.Unlock()
		}

		for _, sub := range c.snapshotSubs() {
			if sub.onMessage != nil {
				sub.onMessage(payload)
			}
		}
	}
}

func (c *pooledConn) keepalive(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pool.config.KeepaliveInterval)
	defer ticker.Stop()

	ping, _ := EncodeMessage(&Message{Type: MsgPing})
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(c.pool.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (c *pooledConn) send(payload []byte) bool {
	c.mu.Lock()
	ws := c.ws
	open := c.online
	c.mu.Unlock()
	if !open || ws == nil {
		return false
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.pool.config.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return false
	}
	return true
}

func (c *pooledConn) setOpen(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.online = true
	c.mu.Unlock()
	c.notifyStatus(true)
}

func (c *pooledConn) setClosed() {
	c.mu.Lock()
	c.ws = nil
	c.online = false
	c.mu.Unlock()
	c.notifyStatus(false)
}

func (c *pooledConn) notifyStatus(online bool) {
	for _, sub := range c.snapshotSubs() {
		if sub.onStatus != nil {
			sub.onStatus(online)
		}
	}
}

func (c *pooledConn) snapshotSubs() []*TransportSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*TransportSub, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}
