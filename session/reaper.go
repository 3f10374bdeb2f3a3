package session

import (
	"time"

	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/xlog"
)

// Reaper implements spec.md §4.5: leader-only expiry of sessions the
// state machine has marked Unstable. Only the current leader may
// expire sessions, removing ambiguity during elections (a candidate
// can't mis-expire by counting stale wall-clock time), grounded on
// original_source's LeaderState.checkSessions.
type Reaper struct {
	log xlog.Logger
}

// NewReaper returns a Reaper.
func NewReaper(log xlog.Logger) *Reaper {
	if log == nil {
		log = xlog.NoOp()
	}
	return &Reaper{log: log}
}

// Expire is invoked by the Reaper for every session it decides to
// expire; the caller (leader.Role) appends the entry, replicates it,
// and applies it once committed.
type Expire func(s *Session, entry raftpb.Entry)

// Check scans every session known to mgr and, for each Unstable
// session not already being unregistered, issues an expiring
// Unregister entry via expire and sets the session's unregistering
// latch so it isn't issued twice. Called after every session-affecting
// RPC completes (register/accept/keep-alive/unregister), per spec.md
// §4.5.
func (r *Reaper) Check(mgr *Manager, term raftpb.Term, now time.Time, expire Expire) {
	mgr.Range(func(s *Session) bool {
		if s.State() == Unstable && !s.IsUnregistering() {
			r.log.Debugf("detected expired session %d", s.ID())

			entry := raftpb.Entry{
				Type:      raftpb.EntryUnregister,
				Term:      term,
				Session:   s.ID(),
				Expired:   true,
				Timestamp: now,
			}

			// Set the latch before issuing so a concurrent Check call
			// (there shouldn't be one on the single server goroutine,
			// but this keeps the invariant explicit) can't double-fire.
			s.SetUnregistering()
			expire(s, entry)
		}
		return true
	})
}
