package leader

import (
	"context"
	"sync"
	"time"

	"github.com/waltznetworks/copycat/appender"
	"github.com/waltznetworks/copycat/cluster"
	"github.com/waltznetworks/copycat/config"
	"github.com/waltznetworks/copycat/coperror"
	"github.com/waltznetworks/copycat/log"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/session"
	"github.com/waltznetworks/copycat/statemachine"
	"github.com/waltznetworks/copycat/timer"
	"github.com/waltznetworks/copycat/xlog"
)

// Role implements the Leader role described by spec.md §4.1: it owns
// the leader's lifecycle and serves every client and peer RPC while
// it holds leadership, delegating replication to Appender,
// membership changes to config.Coordinator, and per-session ordering
// to session.Sequencer/session.Reaper.
type Role struct {
	mu              sync.Mutex
	open            bool
	term            raftpb.Term
	leader          raftpb.MemberId
	initializeIndex raftpb.LogIndex
	heartbeatCancel timer.CancelFunc

	self              raftpb.MemberId
	selfServerAddress string
	selfClientAddress string

	cfg        Config
	logger     xlog.Logger
	clock      func() time.Time
	clusterSt  *cluster.State
	log        log.Log
	sm         statemachine.StateMachine
	sessions   *session.Manager
	sequencer  *session.Sequencer
	reaper     *session.Reaper
	appender   *appender.Appender
	coord      *config.Coordinator
	scheduler  timer.Scheduler
	transition Transition

	wq *workQueue
}

// New constructs a Role for the given leadership term. It does not
// start serving until Open is called.
func New(
	self raftpb.MemberId, term raftpb.Term, selfServerAddress, selfClientAddress string,
	cs *cluster.State, l log.Log, sm statemachine.StateMachine, transport appender.Transport,
	scheduler timer.Scheduler, cfg Config, logger xlog.Logger, clock func() time.Time, transition Transition,
) *Role {
	if logger == nil {
		logger = xlog.NoOp()
	}
	if clock == nil {
		clock = time.Now
	}
	cfg = cfg.withDefaults()

	r := &Role{
		term:              term,
		self:              self,
		selfServerAddress: selfServerAddress,
		selfClientAddress: selfClientAddress,
		cfg:               cfg,
		logger:            logger,
		clock:             clock,
		clusterSt:         cs,
		log:               l,
		sm:                sm,
		sessions:          sm.Sessions(),
		sequencer:         session.NewSequencer(),
		reaper:            session.NewReaper(logger),
		scheduler:         scheduler,
		transition:        transition,
		wq:                newWorkQueue(),
	}
	r.appender = appender.New(self, term, cs, l, transport, clock, logger, cfg.Appender)
	r.coord = config.New(cs, l, r.appender, r.Term, clock, logger)
	return r
}

// Term returns the leader's current term.
func (r *Role) Term() raftpb.Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

// Leader returns the member id this server currently believes is
// leader (itself, while open).
func (r *Role) Leader() raftpb.MemberId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

// IsOpen reports whether this Role instance is still the active
// leader, per spec.md §9's "weak-reference leader" guidance: every
// continuation checks this before touching state.
func (r *Role) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Coordinator exposes the membership-change coordinator for Join,
// Leave, and Reconfigure, which bypass the work queue (see role_config.go).
func (r *Role) Coordinator() *config.Coordinator { return r.coord }

// Open implements spec.md §4.1's open(): resets replication state,
// appends Initialize and Configuration entries, and starts the
// heartbeat timer. The leader accepts RPCs immediately; initializing()
// gates only configuration changes and queries until I0 commits.
func (r *Role) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.open {
		r.mu.Unlock()
		return nil
	}
	r.open = true
	r.leader = r.self
	term := r.term
	r.mu.Unlock()

	lastIndex := r.log.LastIndex()
	r.appender.Reset(lastIndex)

	now := r.clock()
	i0, err := r.log.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: term, Timestamp: now})
	if err != nil {
		return err
	}
	if i0 != r.appender.Index() {
		r.logger.Panicf("initialize entry appended at %d but appender.Index() reports %d", i0, r.appender.Index())
	}

	r.mu.Lock()
	r.initializeIndex = i0
	r.mu.Unlock()
	r.appender.SetFloor(i0)

	members := r.clusterSt.Members()
	cfgIdx, err := r.log.Append(raftpb.Entry{Type: raftpb.EntryConfiguration, Term: term, Timestamp: now, Members: members})
	if err != nil {
		return err
	}

	r.replicateAndApply(ctx, i0, func(_ interface{}, err error) {
		if err != nil {
			r.logger.Warnf("initialize entry at index %d failed to commit: %v", i0, err)
			return
		}
		r.logger.Infof("term %d ready: initialize committed at index %d", term, i0)
	})
	r.replicateAndApply(ctx, cfgIdx, nil)

	cancel := r.scheduler.Schedule(r.cfg.HeartbeatInterval, r.cfg.HeartbeatInterval, r.heartbeat)
	r.mu.Lock()
	r.heartbeatCancel = cancel
	r.mu.Unlock()

	return nil
}

// Close implements spec.md §4.1's close(): cancels the heartbeat
// timer, closes the appender (abandoning in-flight replication
// futures with a step-down error), and stops the work queue.
func (r *Role) Close() {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return
	}
	r.open = false
	cancel := r.heartbeatCancel
	if r.leader == r.self {
		r.leader = ""
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.appender.Close()
	if r.wq != nil {
		r.wq.close()
	}
}

// heartbeat fires on the scheduler's own goroutine (timer.Scheduler's
// contract); it hops back onto the work queue before touching any
// leader state, per spec.md §5's suspension-point discipline.
func (r *Role) heartbeat() {
	r.wq.submit(func() {
		if !r.isOpenLocked() {
			return
		}
		ch := r.appender.AppendEntries(context.Background(), nil)
		go func() {
			res := <-ch
			r.wq.submit(func() {
				if !r.isOpenLocked() {
					return
				}
				if res.Err != nil && !r.appender.MajorityContacted(r.clock(), r.cfg.ElectionTimeout) {
					r.logger.Warnf("majority unreachable past election timeout, stepping down from term %d", r.Term())
					r.stepDown(r.Term(), "")
				}
			})
		}()
	})
}

// isOpenLocked is IsOpen (it takes the mutex the same way) under a
// distinct name, used by call sites that run on the work queue so
// continuation code reads as an explicit liveness check rather than a
// generic getter.
func (r *Role) isOpenLocked() bool { return r.IsOpen() }

// stepDown implements the "step down and delegate" half of spec.md
// §4.1's RPC contract: update term/leader, close out this Role
// instance, and hand off to whatever the transition installs.
func (r *Role) stepDown(newTerm raftpb.Term, newLeader raftpb.MemberId) {
	r.mu.Lock()
	r.term = newTerm
	r.leader = newLeader
	r.mu.Unlock()

	r.Close()

	if r.transition != nil {
		r.transition(RoleFollower, newTerm, newLeader)
	}
}

// onThread runs fn on the work queue and blocks the caller until it
// completes or ctx is done, the channel-based translation of a
// synchronous checkThread()-guarded call.
func (r *Role) onThread(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		v, err := fn()
		out <- result{v, err}
	})
	select {
	case res := <-out:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// replicateAndApply is the shared suspension point for every
// handler: wait for the appender to report idx committed, then apply
// it to the state machine, resuming on the work queue throughout
// (spec.md §5's two named suspension points, chained). onApplied may
// be nil for entries no caller is waiting to observe the result of.
func (r *Role) replicateAndApply(ctx context.Context, idx raftpb.LogIndex, onApplied func(interface{}, error)) {
	ch := r.appender.AppendEntries(ctx, &idx)
	go func() {
		res := <-ch
		r.wq.submit(func() {
			if !r.isOpenLocked() {
				return
			}
			if res.Err != nil {
				if onApplied != nil {
					onApplied(nil, coperror.Wrap(coperror.Internal, res.Err))
				}
				return
			}

			entry, ok := r.log.Get(idx)
			if !ok {
				if onApplied != nil {
					onApplied(nil, coperror.New(coperror.Internal))
				}
				return
			}

			applyCtx := ctx
			var cancel context.CancelFunc
			if r.cfg.ApplyTimeout > 0 {
				applyCtx, cancel = context.WithTimeout(ctx, r.cfg.ApplyTimeout)
			}
			val, err := r.sm.Apply(applyCtx, idx, entry)
			if cancel != nil {
				cancel()
			}
			if onApplied != nil {
				onApplied(val, coperror.FromApply(err))
			}
		})
	}()
}

// runReaper checks for sessions the state machine has marked
// Unstable and, for each, appends and replicates an expiring
// Unregister entry, per spec.md §4.5. Must be called on the work
// queue.
func (r *Role) runReaper(ctx context.Context) {
	term := r.Term()
	now := r.clock()
	r.reaper.Check(r.sessions, term, now, func(s *session.Session, entry raftpb.Entry) {
		idx, err := r.log.Append(entry)
		if err != nil {
			r.logger.Warnf("failed to append expiry entry for session %d: %v", s.ID(), err)
			return
		}
		r.replicateAndApply(ctx, idx, nil)
	})
}

// replicateEntryAndReply appends an entry, replicates and applies it,
// then builds the RPC reply from the applied result — the shared
// shape behind Register/Accept/KeepAlive/Unregister. Must be called
// on the work queue. afterReply runs once the reply has been sent,
// still on the work queue, used to invoke the session reaper per
// spec.md §4.5.
func (r *Role) replicateEntryAndReply(
	ctx context.Context, out chan result,
	buildEntry func() raftpb.Entry,
	buildReply func(applied interface{}) (interface{}, error),
	afterReply func(),
) {
	if !r.isOpenLocked() {
		out <- result{nil, ErrSteppedDown}
		return
	}

	idx, err := r.log.Append(buildEntry())
	if err != nil {
		out <- result{nil, coperror.Wrap(coperror.Internal, err)}
		return
	}

	r.replicateAndApply(ctx, idx, func(applied interface{}, err error) {
		if err != nil {
			out <- result{nil, err}
		} else {
			reply, rerr := buildReply(applied)
			out <- result{reply, rerr}
		}
		if afterReply != nil {
			afterReply()
		}
	})
}

// memberAddresses returns the client-visible addresses of the current
// configuration, for RPC replies that advertise cluster membership.
func (r *Role) memberAddresses() []string {
	cfg := r.clusterSt.Configuration()
	return cfg.ClientAddresses()
}
