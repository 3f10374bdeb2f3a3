// Package leader implements the Leader role of a Raft-style
// replicated state machine server (spec.md §4.1), coordinating the
// Appender, SessionSequencer, SessionReaper, and ConfigCoordinator
// collaborators. Grounded on the teacher's raft/09_raft_step_leader.go
// for the RPC-handler shape, generalized from ticks to the spec's
// continuation-resuming-on-the-server-thread model (spec.md §5, §9).
package leader

import (
	"time"

	"github.com/waltznetworks/copycat/appender"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/session"
)

// RoleKind names the Raft role a step-down transitions into. Only
// Follower and Candidate are reachable from Leader (spec.md §1); the
// remaining roles named by the original (Reserve, Passive) are
// external collaborators this module never transitions into directly.
type RoleKind int

const (
	RoleFollower RoleKind = iota
	RoleCandidate
)

// Transition is invoked when the leader steps down, handing control
// to whatever installs the new role and re-dispatches the in-flight
// request, per spec.md §4.1's RPC contract.
type Transition func(kind RoleKind, newTerm raftpb.Term, newLeader raftpb.MemberId)

// Config bounds the leader's timers and the Appender it drives.
type Config struct {
	HeartbeatInterval   time.Duration
	ElectionTimeout     time.Duration
	SessionTimeoutMillis int64
	ApplyTimeout        time.Duration
	Appender            appender.Options
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 100 * time.Millisecond
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = time.Second
	}
	if c.SessionTimeoutMillis <= 0 {
		c.SessionTimeoutMillis = 5000
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 2 * time.Second
	}
	return c
}

// VoteRequest is the wire-level RequestVote RPC.
type VoteRequest struct {
	Term         raftpb.Term
	Candidate    raftpb.MemberId
	LastLogIndex raftpb.LogIndex
	LastLogTerm  raftpb.Term
}

// VoteResponse is this server's reply to a VoteRequest.
type VoteResponse struct {
	Term  raftpb.Term
	Voted bool
}

// PollRequest is a pre-vote RPC, used by a candidate to test whether
// it could win an election before incrementing its term.
type PollRequest struct {
	Term      raftpb.Term
	Candidate raftpb.MemberId
}

// PollResponse is this server's reply to a PollRequest.
type PollResponse struct {
	Term     raftpb.Term
	Accepted bool
}

// Consistency selects how a Query is served, per spec.md §4.1.
// ConsistencyLinearizable is the default if unspecified.
type Consistency uint8

const (
	ConsistencyLinearizable Consistency = iota
	ConsistencySequential
	ConsistencyLinearizableLease
)

// CommandRequest carries a linearizable write for an existing
// session.
type CommandRequest struct {
	Session  raftpb.SessionId
	Sequence raftpb.Sequence
	Command  []byte
}

// QueryRequest carries a read-only query for an existing session.
type QueryRequest struct {
	Session     raftpb.SessionId
	Sequence    raftpb.Sequence
	Consistency Consistency
	Query       []byte
}

// RegisterRequest asks to create a new session. TimeoutMillis of 0
// uses the leader's configured default.
type RegisterRequest struct {
	Client        raftpb.ClientId
	TimeoutMillis int64
}

// RegisterResponse is the reply to a successful RegisterRequest.
type RegisterResponse struct {
	Session       raftpb.SessionId
	TimeoutMillis int64
	Leader        string
	Members       []string
}

// ConnectRequest associates a live transport connection with a
// client, per spec.md §4.1's connect handler.
type ConnectRequest struct {
	Client     raftpb.ClientId
	Connection session.Connection
}

// ConnectResponse is the reply to a successful ConnectRequest.
type ConnectResponse struct {
	Leader  string
	Members []string
}

// AcceptRequest replicates a client's current server address
// cluster-wide; issued internally by Connect, and by a peer server
// forwarding a connection it accepted locally.
type AcceptRequest struct {
	Client  raftpb.ClientId
	Address string
}

// AcceptResponse is the reply to a successful AcceptRequest.
type AcceptResponse struct {
	Leader  string
	Members []string
}

// KeepAliveRequest extends a session's lease and acknowledges the
// highest applied command/event the client has observed.
type KeepAliveRequest struct {
	Session         raftpb.SessionId
	CommandSequence raftpb.Sequence
	EventIndex      raftpb.LogIndex
}

// KeepAliveResponse is the reply to a successful KeepAliveRequest.
type KeepAliveResponse struct {
	Leader  string
	Members []string
}

// UnregisterRequest closes a session explicitly (client-initiated,
// as opposed to the reaper's expiry path).
type UnregisterRequest struct {
	Session raftpb.SessionId
}

// UnregisterResponse is the reply to a successful UnregisterRequest.
type UnregisterResponse struct {
	Leader  string
	Members []string
}

type result struct {
	val interface{}
	err error
}
