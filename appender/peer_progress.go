package appender

import (
	"time"

	"github.com/waltznetworks/copycat/raftpb"
)

// peerProgress is this leader's view of one peer's replication state:
// nextIndex/matchIndex, in-flight count, last-contact time, per
// spec.md §4.2. Field names are adapted from raft.FollowerProgress
// (raft/follower_progress.go), collapsed to the rules this spec
// actually needs: no probe/replicate/snapshot state machine, since
// snapshot transfer is out of scope (spec.md §1).
type peerProgress struct {
	nextIndex   raftpb.LogIndex
	matchIndex  raftpb.LogIndex
	inflight    int
	lastContact time.Time
}

// maybeUpdate advances matchIndex/nextIndex on a successful append,
// mirroring FollowerProgress.maybeUpdate: indices only ever move
// forward.
func (p *peerProgress) maybeUpdate(matched raftpb.LogIndex) {
	if p.matchIndex < matched {
		p.matchIndex = matched
	}
	if p.nextIndex <= matched {
		p.nextIndex = matched + 1
	}
}

// maybeDecrease applies spec.md §4.2's backoff rule on a rejected
// append carrying hint: nextIndex := min(nextIndex-1, hint+1), floor 1.
func (p *peerProgress) maybeDecrease(hint raftpb.LogIndex) {
	next := p.nextIndex - 1
	if hint+1 < next {
		next = hint + 1
	}
	if next < 1 {
		next = 1
	}
	p.nextIndex = next
}
