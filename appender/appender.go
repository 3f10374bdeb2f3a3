package appender

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/waltznetworks/copycat/cluster"
	"github.com/waltznetworks/copycat/log"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/xlog"
)

// Sentinel errors, following the teacher's raft/errors.go convention
// of package-level errors.New vars prefixed with the package name.
var (
	// ErrClosed is returned by AppendEntries, and delivered to every
	// outstanding future, once the appender has been closed.
	ErrClosed = errors.New("appender: closed")

	// ErrQuorumLost is delivered on a nil-target (heartbeat/lease)
	// round that failed to collect acknowledgments from a majority,
	// per spec.md §4.2's "Quorum for reads".
	ErrQuorumLost = errors.New("appender: quorum not reached this round")
)

// Result is delivered on the channel AppendEntries returns.
type Result struct {
	// Index is the index the caller asked about (target), or the
	// leader's last log index at the time of a successful heartbeat
	// round (nil-target case).
	Index raftpb.LogIndex
	Err   error
}

// Options bounds batch size and per-request timeouts, split out of
// the rest of leader.Config the way the teacher splits raft.Config's
// MaxEntryNumPerMsg/MaxInflightMsgNum. MaxInflightsPerPeer is
// defaulted but not consulted: each round sends one request per peer.
type Options struct {
	MaxBatchSize        int
	MaxInflightsPerPeer int
	RequestTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 64
	}
	if o.MaxInflightsPerPeer <= 0 {
		o.MaxInflightsPerPeer = 8
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Second
	}
	return o
}

// waiter is a pending AppendEntries(target) future, resolved once
// commitIndex reaches target.
type waiter struct {
	target raftpb.LogIndex
	ch     chan Result
}

// Appender drives per-peer log replication for the current leadership
// term and computes the commit index, per spec.md §4.2.
type Appender struct {
	mu sync.Mutex

	self      raftpb.MemberId
	cluster   *cluster.State
	log       log.Log
	transport Transport
	clock     func() time.Time
	logger    xlog.Logger
	opts      Options

	term raftpb.Term

	peers       map[raftpb.MemberId]*peerProgress
	floor       raftpb.LogIndex // I0; commit never reported past it until quorum
	commitIndex raftpb.LogIndex
	closed      bool
	waiters     []*waiter
}

// New returns an Appender replicating on behalf of self for the given
// leadership term.
func New(self raftpb.MemberId, term raftpb.Term, cs *cluster.State, l log.Log, t Transport, clock func() time.Time, logger xlog.Logger, opts Options) *Appender {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = xlog.NoOp()
	}
	return &Appender{
		self:      self,
		term:      term,
		cluster:   cs,
		log:       l,
		transport: t,
		clock:     clock,
		logger:    logger,
		opts:      opts.withDefaults(),
		peers:     make(map[raftpb.MemberId]*peerProgress),
	}
}

// Reset (re)initializes every peer's replication state to
// nextIndex=lastLogIndex+1, matchIndex=0, per spec.md §4.1a. Called
// once when the role opens.
func (a *Appender) Reset(lastLogIndex raftpb.LogIndex) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.peers = make(map[raftpb.MemberId]*peerProgress)
	for _, id := range a.cluster.Peers() {
		a.peers[id] = &peerProgress{nextIndex: lastLogIndex + 1}
	}
	a.commitIndex = 0
	a.floor = 0
	a.closed = false
}

// SyncPeers reconciles the per-peer progress map against the
// cluster's current membership, per spec.md §4.3 step 3:
// "replication targets update the instant the entry is appended".
// Added peers start at nextIndex=lastLogIndex+1 (the same seed Reset
// uses); removed peers are dropped outright, so round() neither
// starves a newly joined member nor keeps contacting one that left.
// Existing peers are left untouched so in-flight progress survives a
// configuration change that doesn't affect them.
func (a *Appender) SyncPeers() {
	a.mu.Lock()
	defer a.mu.Unlock()

	lastIndex := a.log.LastIndex()

	want := make(map[raftpb.MemberId]struct{})
	for _, id := range a.cluster.Peers() {
		want[id] = struct{}{}
		if _, ok := a.peers[id]; !ok {
			a.peers[id] = &peerProgress{nextIndex: lastIndex + 1}
		}
	}
	for id := range a.peers {
		if _, ok := want[id]; !ok {
			delete(a.peers, id)
		}
	}
}

// SetFloor pins I0: commitIndex is never advanced past a candidate
// below floor, per spec.md §4.2's "the appender guarantees commitIndex
// < I0 until I0 itself replicates to quorum".
func (a *Appender) SetFloor(i0 raftpb.LogIndex) {
	a.mu.Lock()
	a.floor = i0
	a.mu.Unlock()
}

// Floor returns I0, or raftpb.NoIndex if SetFloor hasn't been called
// yet this term.
func (a *Appender) Floor() raftpb.LogIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.floor
}

// Index returns the highest log index the leader has appended in its
// term (spec.md §4.2): since only the leader appends while it holds
// the role, this is simply the log's last index.
func (a *Appender) Index() raftpb.LogIndex {
	return a.log.LastIndex()
}

// CommitIndex returns the highest index known committed to quorum.
func (a *Appender) CommitIndex() raftpb.LogIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitIndex
}

// Time returns the leader's monotonic clock, used to timestamp the
// Initialize entry (spec.md §4.2).
func (a *Appender) Time() time.Time { return a.clock() }

// Close cancels every outstanding AppendEntries future with
// ErrClosed, per spec.md §4.2.
func (a *Appender) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	for _, w := range waiters {
		w.ch <- Result{Err: ErrClosed}
		close(w.ch)
	}
}

// AppendEntries schedules one replication round and returns a future.
//
// If target is non-nil, the future completes once commitIndex reaches
// target — possibly after several rounds, as slower followers catch
// up. If target is nil, the future completes with this single round's
// own quorum-acknowledgment outcome, which is what a linearizable
// read's lease check needs (spec.md §4.2).
func (a *Appender) AppendEntries(ctx context.Context, target *raftpb.LogIndex) <-chan Result {
	ch := make(chan Result, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		ch <- Result{Err: ErrClosed}
		close(ch)
		return ch
	}
	if target != nil && a.commitIndex >= *target {
		idx := *target
		a.mu.Unlock()
		ch <- Result{Index: idx}
		close(ch)
		return ch
	}
	if target != nil {
		a.waiters = append(a.waiters, &waiter{target: *target, ch: ch})
	}
	a.mu.Unlock()

	go a.round(ctx, target, ch)
	return ch
}

type peerAck struct {
	id      raftpb.MemberId
	matched raftpb.LogIndex
	hint    raftpb.LogIndex
	ok      bool
}

// round ships one batch of pending entries to every peer concurrently,
// updates per-peer progress, recomputes the commit index, and
// resolves whichever waiters it satisfies — including, for a nil
// target, ownCh itself.
func (a *Appender) round(ctx context.Context, target *raftpb.LogIndex, ownCh chan Result) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	peers := make(map[raftpb.MemberId]*peerProgress, len(a.peers))
	for id, p := range a.peers {
		peers[id] = p
	}
	term := a.term
	commit := a.commitIndex
	a.mu.Unlock()

	lastIndex := a.log.LastIndex()

	acks := make(chan peerAck, len(peers))
	var wg sync.WaitGroup
	for id, p := range peers {
		wg.Add(1)
		go func(id raftpb.MemberId, p *peerProgress) {
			defer wg.Done()
			a.sendTo(ctx, id, p, lastIndex, term, commit, acks)
		}(id, p)
	}
	go func() {
		wg.Wait()
		close(acks)
	}()

	succeeded := 0
	for ack := range acks {
		a.mu.Lock()
		if p, ok := a.peers[ack.id]; ok {
			if ack.ok {
				p.maybeUpdate(ack.matched)
				p.lastContact = a.clock()
				succeeded++
			} else {
				p.maybeDecrease(ack.hint)
			}
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.recomputeCommitIndex()
	ready := a.drainWaiters()
	quorumNeeded := a.cluster.Quorum() - 1
	a.mu.Unlock()

	for _, w := range ready {
		w.ch <- Result{Index: w.target}
		close(w.ch)
	}

	if target == nil {
		if succeeded >= quorumNeeded {
			ownCh <- Result{Index: lastIndex}
		} else {
			ownCh <- Result{Err: ErrQuorumLost}
		}
		close(ownCh)
	}
}

func (a *Appender) sendTo(ctx context.Context, id raftpb.MemberId, p *peerProgress, lastIndex raftpb.LogIndex, term raftpb.Term, commit raftpb.LogIndex, acks chan<- peerAck) {
	reqCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	entries, prevIndex, prevTerm := a.batchFor(p, lastIndex)

	resp, err := a.transport.AppendEntries(reqCtx, id, AppendRequest{
		Term:         term,
		Leader:       a.self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commit,
	})
	if err != nil {
		a.logger.Debugf("append to %s failed: %v", id, err)
		acks <- peerAck{id: id}
		return
	}
	if !resp.Succeeded {
		acks <- peerAck{id: id, hint: resp.HintIndex}
		return
	}
	acks <- peerAck{id: id, matched: prevIndex + raftpb.LogIndex(len(entries)), ok: true}
}

// batchFor builds the entry batch and preceding-entry index/term for
// a replication request to a peer at the given progress.
func (a *Appender) batchFor(p *peerProgress, lastIndex raftpb.LogIndex) ([]raftpb.Entry, raftpb.LogIndex, raftpb.Term) {
	prevIndex := p.nextIndex - 1

	var prevTerm raftpb.Term
	if prevIndex > 0 {
		if e, ok := a.log.Get(prevIndex); ok {
			prevTerm = e.Term
		}
	}

	end := lastIndex
	if max := prevIndex + raftpb.LogIndex(a.opts.MaxBatchSize); end > max {
		end = max
	}

	var entries []raftpb.Entry
	for idx := p.nextIndex; idx <= end; idx++ {
		if e, ok := a.log.Get(idx); ok {
			entries = append(entries, e)
		}
	}
	return entries, prevIndex, prevTerm
}

// recomputeCommitIndex implements spec.md §4.2's commit rule:
// commitIndex := max{idx : idx ≥ I0 ∧ |{peers with matchIndex ≥ idx}|
// + 1 ≥ quorum}. Must be called with a.mu held.
func (a *Appender) recomputeCommitIndex() {
	quorum := a.cluster.Quorum()
	need := quorum - 1 // peer acks required beyond self
	if need < 0 {
		need = 0
	}

	var candidate raftpb.LogIndex
	if need == 0 {
		// Self alone is quorum: a single-node cluster commits
		// whatever it has appended.
		candidate = a.log.LastIndex()
	} else {
		matches := make([]raftpb.LogIndex, 0, len(a.peers))
		for _, p := range a.peers {
			matches = append(matches, p.matchIndex)
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
		if len(matches) >= need {
			candidate = matches[need-1]
		}
	}

	if candidate > a.commitIndex && (a.floor == 0 || candidate >= a.floor) {
		a.commitIndex = candidate
	}
}

// drainWaiters pops every waiter commitIndex now satisfies. Must be
// called with a.mu held.
func (a *Appender) drainWaiters() []*waiter {
	var ready, remaining []*waiter
	for _, w := range a.waiters {
		if a.commitIndex >= w.target {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	a.waiters = remaining
	return ready
}

// MajorityContacted reports whether a quorum-minus-self of peers have
// been contacted within timeout of now. spec.md §4.2: "if majority
// contact falls behind the election timeout, the leader steps down".
func (a *Appender) MajorityContacted(now time.Time, timeout time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := a.cluster.Quorum() - 1
	if need <= 0 {
		return true
	}
	fresh := 0
	for _, p := range a.peers {
		if now.Sub(p.lastContact) <= timeout {
			fresh++
		}
	}
	return fresh >= need
}
