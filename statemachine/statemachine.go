// Package statemachine defines the StateMachine collaborator the
// leader subsystem depends on (spec.md §6), plus a small example
// implementation (kv.go) used by tests and cmd/copycatd. The
// deterministic application logic itself — beyond the session
// bookkeeping spec.md requires of any state machine — is explicitly
// out of scope (spec.md §1): real state machines are
// application-defined.
package statemachine

import (
	"context"

	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/session"
)

// StateMachine applies committed log entries and exposes the session
// table the leader subsystem needs for sequencing and expiry.
type StateMachine interface {
	// Apply applies the entry at index (previously appended via
	// log.Log.Append) and returns its result: the user's return value
	// for Command, a raftpb.SessionId for Register, or nil for
	// KeepAlive/Unregister/Configuration/Initialize/Connect.
	Apply(ctx context.Context, index raftpb.LogIndex, entry raftpb.Entry) (interface{}, error)

	// ApplyQuery evaluates a read-only query against the current
	// state without appending anything, per spec.md §3's QueryHandle.
	ApplyQuery(ctx context.Context, query raftpb.QueryHandle) (interface{}, error)

	// Sessions returns the session manager tracking every session
	// this state machine has registered.
	Sessions() *session.Manager
}
