// Package config implements the membership-change coordinator
// described in spec.md §4.3: it serializes join/leave/reconfigure
// requests behind a single-uncommitted-change latch and the
// initializing() gate, grounded directly on original_source's
// LeaderState.join/leave/reconfigure/configure.
package config

import (
	"context"
	"sync"
	"time"

	"github.com/waltznetworks/copycat/appender"
	"github.com/waltznetworks/copycat/cluster"
	"github.com/waltznetworks/copycat/coperror"
	"github.com/waltznetworks/copycat/log"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/xlog"
)

// JoinRequest asks to add Member to the cluster.
type JoinRequest struct {
	Member raftpb.Member
}

// LeaveRequest asks to remove the member identified by ID.
type LeaveRequest struct {
	ID raftpb.MemberId
}

// ReconfigureRequest asks to update an existing member's type or
// address. Index/Term name the configuration the request was issued
// against, per spec.md §9's resolved acceptance predicate.
type ReconfigureRequest struct {
	Member raftpb.Member
	Index  raftpb.LogIndex
	Term   raftpb.Term
}

// ConfigurationResult is returned by a successful (or idempotent)
// Join/Leave/Reconfigure call.
type ConfigurationResult struct {
	Index   raftpb.LogIndex
	Term    raftpb.Term
	Time    time.Time
	Members []raftpb.Member
}

// Coordinator serializes cluster membership changes, per spec.md
// §4.3. Join/Leave/Reconfigure block their caller's own goroutine
// while a configuration entry replicates — unlike the client-request
// pipeline in package leader, this does not hand off through a
// work queue, because Coordinator's own configuring latch plus
// Initializing() already provide the single-in-flight-change
// invariant the spec requires; blocking the caller is acceptable
// since these are rare, administrative, already-long-latency calls.
type Coordinator struct {
	mu          sync.Mutex
	configuring raftpb.LogIndex

	cluster  *cluster.State
	log      log.Log
	appender *appender.Appender
	termFn   func() raftpb.Term
	clock    func() time.Time
	logger   xlog.Logger
}

// New returns a Coordinator. termFn supplies the leader's current
// term at the moment a Configuration entry is appended.
func New(cs *cluster.State, l log.Log, a *appender.Appender, termFn func() raftpb.Term, clock func() time.Time, logger xlog.Logger) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = xlog.NoOp()
	}
	return &Coordinator{cluster: cs, log: l, appender: a, termFn: termFn, clock: clock, logger: logger}
}

// Initializing reports whether I0 hasn't committed yet, per spec.md
// §4.3: "true iff I0 == 0 ∨ commitIndex < I0".
func (c *Coordinator) Initializing() bool {
	floor := c.appender.Floor()
	return floor == raftpb.NoIndex || c.appender.CommitIndex() < floor
}

// Configuring returns the index of the currently outstanding
// Configuration entry, or raftpb.NoIndex if none is in flight.
func (c *Coordinator) Configuring() raftpb.LogIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configuring
}

func (c *Coordinator) currentResult() ConfigurationResult {
	cfg := c.cluster.Configuration()
	return ConfigurationResult{Index: cfg.Index, Term: cfg.Term, Time: cfg.Timestamp, Members: cfg.Members}
}

// guard enforces "reject with generic error if configuring != 0 or
// initializing" (spec.md §4.3).
func (c *Coordinator) guard() error {
	if c.Initializing() {
		return coperror.New(coperror.Configuration)
	}
	c.mu.Lock()
	busy := c.configuring != raftpb.NoIndex
	c.mu.Unlock()
	if busy {
		return coperror.New(coperror.Configuration)
	}
	return nil
}

// Join adds a member to the cluster, joining first as Promotable
// (non-voting) until it catches up on replication. Idempotent if the
// member is already known.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (ConfigurationResult, error) {
	if err := c.guard(); err != nil {
		return ConfigurationResult{}, err
	}
	if _, ok := c.cluster.Member(req.Member.ID); ok {
		return c.currentResult(), nil
	}

	members := append(append([]raftpb.Member(nil), c.cluster.Members()...), raftpb.Member{
		ID:            req.Member.ID,
		Type:          raftpb.MemberPromotable,
		ServerAddress: req.Member.ServerAddress,
		ClientAddress: req.Member.ClientAddress,
		UpdatedAt:     c.clock(),
	})
	return c.configure(ctx, members)
}

// Leave removes a member from the cluster. Idempotent if the member
// is unknown.
func (c *Coordinator) Leave(ctx context.Context, req LeaveRequest) (ConfigurationResult, error) {
	if err := c.guard(); err != nil {
		return ConfigurationResult{}, err
	}
	if _, ok := c.cluster.Member(req.ID); !ok {
		return c.currentResult(), nil
	}

	var members []raftpb.Member
	for _, m := range c.cluster.Members() {
		if m.ID != req.ID {
			members = append(members, m)
		}
	}
	return c.configure(ctx, members)
}

// Reconfigure updates an existing member's type or address, applying
// spec.md §9's resolved acceptance predicate: the request must
// reference the current configuration (Index == 0 or Index ==
// current.Index), and either its Term matches the current
// configuration's term, or the only change it requests is to the
// member's Type/status (not its addresses).
func (c *Coordinator) Reconfigure(ctx context.Context, req ReconfigureRequest) (ConfigurationResult, error) {
	if err := c.guard(); err != nil {
		return ConfigurationResult{}, err
	}

	current := c.cluster.Configuration()
	if req.Index != raftpb.NoIndex && req.Index != current.Index {
		return ConfigurationResult{}, coperror.New(coperror.Configuration)
	}

	existing, ok := current.Member(req.Member.ID)
	if !ok {
		return ConfigurationResult{}, coperror.New(coperror.Configuration)
	}

	onlyTypeOrStatusChanged := existing.ServerAddress == req.Member.ServerAddress &&
		existing.ClientAddress == req.Member.ClientAddress
	if req.Term != current.Term && !onlyTypeOrStatusChanged {
		return ConfigurationResult{}, coperror.New(coperror.Configuration)
	}

	members := make([]raftpb.Member, 0, len(current.Members))
	for _, m := range current.Members {
		if m.ID == req.Member.ID {
			m.Type = req.Member.Type
			m.ServerAddress = req.Member.ServerAddress
			m.ClientAddress = req.Member.ClientAddress
			m.UpdatedAt = c.clock()
		}
		members = append(members, m)
	}
	return c.configure(ctx, members)
}

// configure implements spec.md §4.3's five-step configure(members):
// append, latch, apply immediately, replicate, unlatch.
func (c *Coordinator) configure(ctx context.Context, members []raftpb.Member) (ConfigurationResult, error) {
	now := c.clock()
	term := c.termFn()
	entry := raftpb.Entry{Type: raftpb.EntryConfiguration, Term: term, Timestamp: now, Members: members}

	idx, err := c.log.Append(entry)
	if err != nil {
		return ConfigurationResult{}, coperror.Wrap(coperror.Internal, err)
	}

	c.mu.Lock()
	c.configuring = idx
	c.mu.Unlock()

	// Replication targets change the instant this is appended, per
	// spec.md §4.3's joint-consensus-free "immediate" model: the
	// appender's per-peer progress map is resynced against the new
	// membership right away, not just at Open, so a newly joined
	// member starts receiving entries and a departed one stops.
	c.cluster.Configure(raftpb.Configuration{Index: idx, Term: term, Timestamp: now, Members: members})
	c.appender.SyncPeers()

	res := <-c.appender.AppendEntries(ctx, &idx)

	c.mu.Lock()
	c.configuring = raftpb.NoIndex
	c.mu.Unlock()

	if res.Err != nil {
		c.logger.Warnf("configuration at index %d failed to replicate: %v", idx, res.Err)
		return ConfigurationResult{}, coperror.Wrap(coperror.Internal, res.Err)
	}
	return ConfigurationResult{Index: idx, Term: term, Time: now, Members: members}, nil
}
