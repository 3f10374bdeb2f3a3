// Package session implements the per-session state, request
// sequencing, and leader-only expiry described in spec.md §3, §4.4,
// §4.5, grounded directly on original_source's ServerSessionManager
// and the sequencing/expiry logic embedded in LeaderState.
package session

import (
	"sync"

	"github.com/google/btree"

	"github.com/waltznetworks/copycat/raftpb"
)

// State is a session's lifecycle state, per spec.md §3.
type State int

const (
	// Open is a healthy, actively kept-alive session.
	Open State = iota
	// Unstable means the state machine hasn't seen a keep-alive
	// within the session timeout; only the leader may act on this by
	// appending an expiring Unregister entry.
	Unstable
	// Expired means the leader committed Unregister{expired:true}
	// for this session and it applied.
	Expired
	// Closed means the client explicitly unregistered.
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Unstable:
		return "UNSTABLE"
	case Expired:
		return "EXPIRED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the minimal transport-connection surface the session
// manager needs: close it on re-homing, nothing more. The concrete
// connection type is owned by the transport layer, an external
// collaborator per spec.md §1.
type Connection interface {
	Close() error
}

// Listener observes session lifecycle events, generalizing the
// "expire callback" spec.md mentions to the fuller listener set
// original_source's ServerSessionManager.listeners exposes.
type Listener interface {
	OnRegister(s *Session)
	OnUnregister(s *Session)
	OnExpire(s *Session)
}

// pendingItem is a btree.Item ordering continuations by sequence.
type pendingItem struct {
	seq Sequence
	fn  func()
}

// Sequence is re-exported for readability at call sites; it is the
// same type as raftpb.Sequence.
type Sequence = raftpb.Sequence

func (p *pendingItem) Less(other btree.Item) bool {
	return p.seq < other.(*pendingItem).seq
}

// querySetItem groups every pending query thunk registered for one
// sequence number, since spec.md §4.4 allows multiple queries to wait
// on the same sequence.
type querySetItem struct {
	seq Sequence
	fns []func()
}

func (q *querySetItem) Less(other btree.Item) bool {
	return q.seq < other.(*querySetItem).seq
}

// Session is a client's logical connection to the replicated state
// machine, per spec.md §3.
type Session struct {
	mu sync.Mutex

	id       raftpb.SessionId
	clientID raftpb.ClientId
	state    State

	commandSequence Sequence
	requestSequence Sequence

	pendingRequests        *btree.BTree
	pendingSequenceQueries *btree.BTree

	unregistering bool

	address    string
	connection Connection
}

// New constructs a Session in the Open state.
func New(id raftpb.SessionId, clientID raftpb.ClientId) *Session {
	return &Session{
		id:                     id,
		clientID:               clientID,
		state:                  Open,
		pendingRequests:        btree.New(8),
		pendingSequenceQueries: btree.New(8),
	}
}

// ID returns the session id.
func (s *Session) ID() raftpb.SessionId { return s.id }

// ClientID returns the owning client's id.
func (s *Session) ClientID() raftpb.ClientId { return s.clientID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkUnstable transitions an Open session to Unstable. Called by the
// state machine when no keep-alive has committed within the session
// timeout.
func (s *Session) MarkUnstable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Open {
		s.state = Unstable
	}
}

// MarkExpired transitions the session to Expired. Must only be called
// after a committed Unregister{expired:true} entry authored by the
// current leader has been applied (spec.md invariant 6).
func (s *Session) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Expired
}

// MarkClosed transitions the session to Closed (client-initiated
// unregister).
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
}

// IsUnregistering reports whether the leader has already appended an
// expiring Unregister entry for this session.
func (s *Session) IsUnregistering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregistering
}

// SetUnregistering sets the unregistering latch, preventing the
// reaper from double-issuing an expiry entry (spec.md §4.5 step 2).
func (s *Session) SetUnregistering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistering = true
}

// NextRequestSequence returns requestSequence+1, the next sequence a
// command may run immediately at without being queued.
func (s *Session) NextRequestSequence() Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestSequence + 1
}

// RequestSequence returns the highest sequence whose request has
// been received.
func (s *Session) RequestSequence() Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestSequence
}

// CommandSequence returns the highest sequence whose command has been
// applied.
func (s *Session) CommandSequence() Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandSequence
}

// Address returns the client's last-known server address.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// SetAddress updates the client's last-known server address.
func (s *Session) SetAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = addr
}

// Connection returns the client's current local transport connection,
// or nil.
func (s *Session) Connection() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection
}

// SetConnection updates the client's current local transport
// connection.
func (s *Session) SetConnection(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection = c
}
