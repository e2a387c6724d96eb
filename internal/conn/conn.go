// Package conn tracks the server's live connections: a monotone
// numeric id per remote endpoint plus the timestamp of its last ping.
// Entries that stop pinging are dropped by periodic sweeps.
package conn

import (
	"sync"
	"time"
)

// Endpoint is a remote peer the server can push datagrams to. The UDP
// listener and the WebSocket gateway each provide an implementation.
type Endpoint interface {
	// Send transmits one frame to the peer. Failures are the caller's
	// to ignore; an endpoint that died between snapshot and send just
	// loses the frame.
	Send(data []byte) error
	// String identifies the peer for logging and rate-limit keying,
	// typically "ip:port".
	String() string
}

// Connection is one registered peer.
type Connection struct {
	ID       uint32
	Endpoint Endpoint
	LastPing time.Time
}

// Manager is a mutex-guarded connection table. Ids start at 1 and are
// never reused for the lifetime of the manager.
type Manager struct {
	mu      sync.Mutex
	conns   map[uint32]*Connection
	nextID  uint32
	timeout time.Duration

	now func() time.Time
}

// NewManager returns an empty table. Connections whose last ping is
// older than timeout are removed by CleanupExpired.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		conns:   make(map[uint32]*Connection),
		nextID:  1,
		timeout: timeout,
		now:     time.Now,
	}
}

// Add registers a new endpoint and returns its id.
func (m *Manager) Add(ep Endpoint) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.conns[id] = &Connection{ID: id, Endpoint: ep, LastPing: m.now()}
	return id
}

// UpdatePing refreshes the last-ping timestamp for id. It reports
// whether the id was known; pings for unknown ids are a no-op.
func (m *Manager) UpdatePing(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return false
	}
	c.LastPing = m.now()
	return true
}

// CleanupExpired removes every connection whose last ping is older than
// the timeout and returns the removed entries.
func (m *Manager) CleanupExpired() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed []Connection
	for id, c := range m.conns {
		if now.Sub(c.LastPing) > m.timeout {
			removed = append(removed, *c)
			delete(m.conns, id)
		}
	}
	return removed
}

// Snapshot returns a copy of the current connections for broadcast
// iteration outside the lock.
func (m *Manager) Snapshot() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, *c)
	}
	return out
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
