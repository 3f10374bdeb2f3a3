// Package cluster tracks cluster membership as seen by the leader:
// the committed (and possibly one pending) Configuration, and quorum
// arithmetic. Grounded on the teacher's quorum()/checkQuorumActive()
// in raft/09_raft_step_leader.go, generalized from a fixed peer set
// to the spec's single-configuration-at-a-time membership model.
package cluster

import (
	"sync"

	"github.com/waltznetworks/copycat/raftpb"
)

// State holds the current committed configuration and routes member
// lookups, keeping LeaderRole/Appender/ConfigCoordinator from holding
// direct references to one another (spec.md §9 "Cyclic relations").
type State struct {
	mu      sync.RWMutex
	self    raftpb.MemberId
	current raftpb.Configuration
}

// New returns a State seeded with the given initial membership.
func New(self raftpb.MemberId, members []raftpb.Member) *State {
	return &State{
		self: self,
		current: raftpb.Configuration{
			Members: append([]raftpb.Member(nil), members...),
		},
	}
}

// Self returns this server's member id.
func (s *State) Self() raftpb.MemberId { return s.self }

// Configuration returns a copy of the currently installed
// configuration.
func (s *State) Configuration() raftpb.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.current
	cfg.Members = append([]raftpb.Member(nil), s.current.Members...)
	return cfg
}

// Configure installs a new configuration immediately, per spec.md
// §4.3's "immediate" joint-consensus-free model: replication targets
// change the instant this is called, not when the entry commits.
func (s *State) Configure(cfg raftpb.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
}

// Members returns a copy of the current membership list.
func (s *State) Members() []raftpb.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]raftpb.Member(nil), s.current.Members...)
}

// Member looks up a member by id.
func (s *State) Member(id raftpb.MemberId) (raftpb.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.current.Member(id)
	if !ok {
		return raftpb.Member{}, false
	}
	return *m, true
}

// VotingMembers returns the ids of every Active member, the members
// counted by Quorum. Promotable members are excluded; they are still
// replication targets (see Peers).
func (s *State) VotingMembers() []raftpb.MemberId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]raftpb.MemberId, 0, len(s.current.Members))
	for _, m := range s.current.Members {
		if m.Type == raftpb.MemberActive {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Peers returns every member other than self that replication should
// target, including Promotable members still catching up: they need
// the log stream even though they don't count toward Quorum.
func (s *State) Peers() []raftpb.MemberId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]raftpb.MemberId, 0, len(s.current.Members))
	for _, m := range s.current.Members {
		if m.ID != s.self {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Quorum returns the number of members (including self) that must
// acknowledge an index for it to commit, i.e. ⌈(N+1)/2⌉ where N is
// the number of other active peers plus self.
func (s *State) Quorum() int {
	s.mu.RLock()
	n := 0
	for _, m := range s.current.Members {
		if m.Type == raftpb.MemberActive {
			n++
		}
	}
	s.mu.RUnlock()
	return n/2 + 1
}
