package session

import (
	"sync"

	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/xlog"
)

// Manager tracks every registered session plus the transport-layer
// bindings (addresses, connections) associated with each client,
// grounded directly on original_source's ServerSessionManager.
//
// addresses/connections/clients are sync.Map because the transport
// goroutine writes to them concurrently with the server goroutine's
// reads, per spec.md §5 "Shared resources". Session-internal fields
// (sequence counters, pending queues) are never touched here; those
// are single-goroutine per spec.md and live on Session itself.
type Manager struct {
	log xlog.Logger

	self string // this server's address, for the "connected locally" check

	addresses   sync.Map // raftpb.ClientId -> string
	connections sync.Map // raftpb.ClientId -> Connection
	sessions    sync.Map // raftpb.SessionId -> *Session
	clients     sync.Map // raftpb.ClientId -> *Session

	listenersMu sync.Mutex
	listeners   []Listener
}

// NewManager returns an empty Manager. self is this server's own
// transport address, used to decide whether a client's connection is
// local when its address changes.
func NewManager(self string, log xlog.Logger) *Manager {
	if log == nil {
		log = xlog.NoOp()
	}
	return &Manager{self: self, log: log}
}

// AddListener registers l to observe session lifecycle events.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *Manager) RemoveListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(fn func(Listener)) {
	m.listenersMu.Lock()
	ls := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// Session looks up a session by id.
func (m *Manager) Session(id raftpb.SessionId) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// SessionByClient looks up a session by client id.
func (m *Manager) SessionByClient(client raftpb.ClientId) (*Session, bool) {
	v, ok := m.clients.Load(client)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Register adds a newly created session to the table, priming its
// address/connection from whatever the transport layer already knows
// about the client (original_source's registerSession).
func (m *Manager) Register(s *Session) {
	if addr, ok := m.addresses.Load(s.ClientID()); ok {
		s.SetAddress(addr.(string))
	}
	if conn, ok := m.connections.Load(s.ClientID()); ok {
		s.SetConnection(conn.(Connection))
	}
	m.sessions.Store(s.ID(), s)
	m.clients.Store(s.ClientID(), s)
	m.log.Debugf("registered session %d for client %s", s.ID(), s.ClientID())
	m.notify(func(l Listener) { l.OnRegister(s) })
}

// Unregister removes a session and its transport bindings from the
// table, closing over the reason (expired vs. explicit close) so
// listeners fire the right callback.
func (m *Manager) Unregister(id raftpb.SessionId, expired bool) {
	v, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	s := v.(*Session)
	m.clients.Delete(s.ClientID())
	m.addresses.Delete(s.ClientID())
	m.connections.Delete(s.ClientID())

	if expired {
		s.MarkExpired()
		m.notify(func(l Listener) { l.OnExpire(s) })
	} else {
		s.MarkClosed()
		m.notify(func(l Listener) { l.OnUnregister(s) })
	}
}

// Range calls fn for every currently registered session.
func (m *Manager) Range(fn func(*Session) bool) {
	m.sessions.Range(func(_, v interface{}) bool {
		return fn(v.(*Session))
	})
}

// RegisterAddress records the client's current server address. If the
// client was previously connected to this server directly and its
// address has moved elsewhere, the stale local connection is closed,
// mirroring original_source's registerAddress.
func (m *Manager) RegisterAddress(client raftpb.ClientId, address string) {
	if v, ok := m.clients.Load(client); ok {
		s := v.(*Session)
		s.SetAddress(address)

		if address != m.self {
			if connv, ok := m.connections.LoadAndDelete(client); ok {
				conn := connv.(Connection)
				m.log.Debugf("closing stale local connection for client %s (moved to %s)", client, address)
				_ = conn.Close()
				s.SetConnection(nil)
			}
		}
	}
	m.addresses.Store(client, address)
}

// RegisterConnection records a local transport connection for a
// client, mirroring original_source's registerConnection.
func (m *Manager) RegisterConnection(client raftpb.ClientId, conn Connection) {
	if v, ok := m.clients.Load(client); ok {
		v.(*Session).SetConnection(conn)
	}
	m.connections.Store(client, conn)
}

// UnregisterConnection removes conn from the connection table
// wherever it's currently bound, mirroring original_source's
// unregisterConnection (called when the transport layer observes the
// connection close).
func (m *Manager) UnregisterConnection(conn Connection) {
	m.connections.Range(func(k, v interface{}) bool {
		if v.(Connection) == conn {
			m.connections.Delete(k)
			if sv, ok := m.clients.Load(k); ok {
				sv.(*Session).SetConnection(nil)
			}
		}
		return true
	})
}

// HasConnection reports whether the session's client currently has a
// connection registered anywhere in the cluster's view (best effort:
// unknown sessions are assumed connected, mirroring
// original_source's "might be newly registered, let it pass").
func (m *Manager) HasConnection(id raftpb.SessionId) bool {
	s, ok := m.Session(id)
	if !ok {
		return true
	}
	_, has := m.connections.Load(s.ClientID())
	return has
}
