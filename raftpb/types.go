// Package raftpb defines the wire-level data model shared by the
// leader subsystem: log entry types, cluster membership, and the
// small set of scalar identifiers spec.md §3 describes. Serialization
// itself is a transport concern (spec.md §1 Non-goals) and is left to
// callers; these are plain Go structs, not generated marshal code.
package raftpb

import (
	"time"

	"github.com/google/uuid"
)

// Term is a monotonically increasing election epoch.
type Term uint64

// LogIndex is a 1-based position in the replicated log. 0 denotes
// "none".
type LogIndex uint64

// NoIndex is the sentinel LogIndex meaning "none".
const NoIndex LogIndex = 0

// MemberId is the stable identifier of a cluster server.
type MemberId string

// ClientId is an opaque 128-bit client identifier.
type ClientId = uuid.UUID

// SessionId is assigned by the state machine on register.
type SessionId uint64

// Sequence is a per-session, monotonically increasing operation
// sequence chosen by the client.
type Sequence uint64

// EntryType tags the variant carried by an Entry.
type EntryType uint8

const (
	// EntryInitialize is a no-op written immediately on taking
	// leadership.
	EntryInitialize EntryType = iota
	// EntryConfiguration carries the entire membership list.
	EntryConfiguration
	// EntryCommand carries a session-sequenced write.
	EntryCommand
	// EntryRegister creates a new session.
	EntryRegister
	// EntryConnect associates a client with a server address.
	EntryConnect
	// EntryKeepAlive extends a session's lease.
	EntryKeepAlive
	// EntryUnregister closes or expires a session.
	EntryUnregister
)

func (t EntryType) String() string {
	switch t {
	case EntryInitialize:
		return "Initialize"
	case EntryConfiguration:
		return "Configuration"
	case EntryCommand:
		return "Command"
	case EntryRegister:
		return "Register"
	case EntryConnect:
		return "Connect"
	case EntryKeepAlive:
		return "KeepAlive"
	case EntryUnregister:
		return "Unregister"
	default:
		return "Unknown"
	}
}

// Entry is the tagged sum of every log entry variant the leader may
// append. Only the fields relevant to Type are meaningful; this
// mirrors the original's per-type Entry subclasses collapsed into one
// Go struct, the same tradeoff the teacher's raftpb.Message makes for
// its own message types.
//
// Query is deliberately absent here: spec.md §3 defines it as an
// in-memory handle only, never appended to the log.
type Entry struct {
	Type      EntryType
	Term      Term
	Timestamp time.Time

	// EntryConfiguration
	Members []Member

	// EntryCommand
	Session  SessionId
	Sequence Sequence
	Command  []byte

	// EntryRegister
	Client        ClientId
	TimeoutMillis int64

	// EntryConnect
	Address string

	// EntryKeepAlive
	CommandSequence Sequence
	EventIndex      LogIndex

	// EntryUnregister
	Expired bool
}

// QueryHandle is the in-memory (never appended) representation of a
// query request, per spec.md §3's Query variant.
type QueryHandle struct {
	Session   SessionId
	Sequence  Sequence
	Index     LogIndex
	Term      Term
	Timestamp time.Time
	Query     []byte
}

// MemberType distinguishes voting members from members still
// catching up on replication.
type MemberType uint8

const (
	// MemberActive is a full voting member.
	MemberActive MemberType = iota
	// MemberPromotable is a non-voting member catching up on
	// replication before being promoted to Active.
	MemberPromotable
)

func (t MemberType) String() string {
	if t == MemberPromotable {
		return "PROMOTABLE"
	}
	return "ACTIVE"
}

// Member describes one server in the cluster configuration.
type Member struct {
	ID            MemberId
	Type          MemberType
	ServerAddress string
	ClientAddress string
	UpdatedAt     time.Time
}

// Configuration is the entire membership list at a point in the log.
type Configuration struct {
	Index     LogIndex
	Term      Term
	Timestamp time.Time
	Members   []Member
}

// Member looks up a member by id, returning (nil, false) if absent.
func (c *Configuration) Member(id MemberId) (*Member, bool) {
	for i := range c.Members {
		if c.Members[i].ID == id {
			return &c.Members[i], true
		}
	}
	return nil, false
}

// ClientAddresses returns the client-visible addresses of every
// member that has one, in configuration order.
func (c *Configuration) ClientAddresses() []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.ClientAddress != "" {
			out = append(out, m.ClientAddress)
		}
	}
	return out
}
