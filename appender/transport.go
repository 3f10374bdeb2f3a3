// Package appender implements the per-leader replication/heartbeat
// driver described in spec.md §4.2: it ships log entries to peers,
// tracks match/commit progress, and proves leadership liveness for
// linearizable reads. Wire framing, the network itself, and peer
// discovery are external concerns (spec.md §1); Transport is the
// minimal send interface this package needs.
package appender

import (
	"context"

	"github.com/waltznetworks/copycat/raftpb"
)

// AppendRequest is the wire-level AppendEntries RPC. The appender
// sends it to replicate; leader.Role also receives this exact shape
// when another server's Append RPC arrives while we hold leadership
// (spec.md §4.1's Append handler reuses it).
type AppendRequest struct {
	Term         raftpb.Term
	Leader       raftpb.MemberId
	PrevLogIndex raftpb.LogIndex
	PrevLogTerm  raftpb.Term
	Entries      []raftpb.Entry
	LeaderCommit raftpb.LogIndex
}

// AppendResponse is a peer's reply to an AppendRequest.
type AppendResponse struct {
	Term      raftpb.Term
	Succeeded bool
	// HintIndex is the peer's last known index, used by the leader to
	// back off nextIndex on a rejection (spec.md §4.2's "Failure &
	// backoff").
	HintIndex raftpb.LogIndex
}

// Transport sends an AppendRequest to peer and returns its response.
// The concrete implementation (rafthttp-style stream, in-process fake
// for tests, ...) is supplied by the caller.
type Transport interface {
	AppendEntries(ctx context.Context, peer raftpb.MemberId, req AppendRequest) (AppendResponse, error)
}
