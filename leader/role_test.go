package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/waltznetworks/copycat/appender"
	"github.com/waltznetworks/copycat/cluster"
	"github.com/waltznetworks/copycat/config"
	"github.com/waltznetworks/copycat/log/memlog"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/session"
	"github.com/waltznetworks/copycat/statemachine"
	"github.com/waltznetworks/copycat/timer"
)

// fakeTransport mirrors appender's test fixture: per-peer failure
// toggle, plus an optional per-peer gate channel so a test can hold a
// replication round open deliberately (used by the S4 scenario).
type fakeTransport struct {
	mu    sync.Mutex
	fail  map[raftpb.MemberId]bool
	gates map[raftpb.MemberId]chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: map[raftpb.MemberId]bool{}, gates: map[raftpb.MemberId]chan struct{}{}}
}

func (f *fakeTransport) gate(id raftpb.MemberId) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeTransport) release(id raftpb.MemberId, ch chan struct{}) {
	close(ch)
	f.mu.Lock()
	delete(f.gates, id)
	f.mu.Unlock()
}

func (f *fakeTransport) AppendEntries(ctx context.Context, peer raftpb.MemberId, req appender.AppendRequest) (appender.AppendResponse, error) {
	f.mu.Lock()
	gateCh := f.gates[peer]
	fail := f.fail[peer]
	f.mu.Unlock()

	if gateCh != nil {
		select {
		case <-gateCh:
		case <-ctx.Done():
			return appender.AppendResponse{}, ctx.Err()
		}
	}
	if fail {
		return appender.AppendResponse{Term: req.Term, Succeeded: false}, nil
	}
	return appender.AppendResponse{Term: req.Term, Succeeded: true}, nil
}

func newRole(t *testing.T, members []raftpb.Member, self raftpb.MemberId, tr *fakeTransport) (*Role, *statemachine.KV, *[]RoleKind, *sync.Mutex) {
	t.Helper()
	l := memlog.New()
	cs := cluster.New(self, members)
	kv := statemachine.NewKV("addr-"+string(self), nil)
	sched := timer.NewFake()

	var mu sync.Mutex
	var transitions []RoleKind
	transition := func(kind RoleKind, _ raftpb.Term, _ raftpb.MemberId) {
		mu.Lock()
		transitions = append(transitions, kind)
		mu.Unlock()
	}

	r := New(self, 1, "server-"+string(self), "client-"+string(self), cs, l, kv, tr, sched, Config{
		HeartbeatInterval: time.Hour,
		ElectionTimeout:   time.Second,
	}, nil, nil, transition)
	return r, kv, &transitions, &mu
}

func waitReady(t *testing.T, r *Role) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !r.Coordinator().Initializing()
	}, time.Second, time.Millisecond)
}

func putCommand(t *testing.T, key, value string) []byte {
	t.Helper()
	b, err := json.Marshal(statemachine.Command{Op: "put", Key: key, Value: value})
	require.NoError(t, err)
	return b
}

// S1: single-node leader ready; join for a new peer now succeeds.
func TestScenarioSingleNodeLeaderReady(t *testing.T) {
	r, _, _, _ := newRole(t, []raftpb.Member{{ID: "a", Type: raftpb.MemberActive}}, "a", newFakeTransport())
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	waitReady(t, r)

	res, err := r.Join(context.Background(), config.JoinRequest{Member: raftpb.Member{ID: "b", ServerAddress: "b:1"}})
	require.NoError(t, err)
	require.Len(t, res.Members, 2)
}

// S2/S3: out-of-order sequence queuing, draining, and duplicate dedup.
func TestScenarioLinearizableWriteOrderingAndDuplicate(t *testing.T) {
	r, _, _, _ := newRole(t, []raftpb.Member{{ID: "a", Type: raftpb.MemberActive}}, "a", newFakeTransport())
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()
	waitReady(t, r)

	reg, err := r.Register(context.Background(), RegisterRequest{Client: uuid.New(), TimeoutMillis: 60_000})
	require.NoError(t, err)
	sid := reg.Session

	// Advance requestSequence to 3 via three in-order commands.
	for seq := raftpb.Sequence(1); seq <= 3; seq++ {
		_, err := r.Command(context.Background(), CommandRequest{Session: sid, Sequence: seq, Command: putCommand(t, "x", fmt.Sprintf("v%d", seq))})
		require.NoError(t, err)
	}

	var order []raftpb.Sequence
	var orderMu sync.Mutex
	record := func(seq raftpb.Sequence) { orderMu.Lock(); order = append(order, seq); orderMu.Unlock() }

	done5 := make(chan struct{})
	go func() {
		_, err := r.Command(context.Background(), CommandRequest{Session: sid, Sequence: 5, Command: putCommand(t, "x", "v5")})
		require.NoError(t, err)
		record(5)
		close(done5)
	}()

	// Give sequence 5 a chance to (wrongly) run ahead of sequence 4.
	select {
	case <-done5:
		t.Fatal("sequence 5 applied before sequence 4 was received")
	case <-time.After(20 * time.Millisecond):
	}

	seq4Resp, err := r.Command(context.Background(), CommandRequest{Session: sid, Sequence: 4, Command: putCommand(t, "x", "v4")})
	require.NoError(t, err)
	record(4)

	<-done5
	require.Equal(t, []raftpb.Sequence{4, 5}, order)

	// S3: duplicate of sequence 4 replays the same stored response.
	dupResp, err := r.Command(context.Background(), CommandRequest{Session: sid, Sequence: 4, Command: putCommand(t, "x", "v4")})
	require.NoError(t, err)
	require.Equal(t, seq4Resp, dupResp)
}

// S4: a join arriving while a Configuration entry is outstanding is
// rejected, and no new log entry results from the rejected attempt.
func TestScenarioConcurrentJoinRejection(t *testing.T) {
	tr := newFakeTransport()
	r, _, _, _ := newRole(t, []raftpb.Member{
		{ID: "a", Type: raftpb.MemberActive},
		{ID: "b", Type: raftpb.MemberActive},
	}, "a", tr)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()
	waitReady(t, r)

	gateB := tr.gate("b")

	joinDone := make(chan error, 1)
	go func() {
		_, err := r.Join(context.Background(), config.JoinRequest{Member: raftpb.Member{ID: "c", ServerAddress: "c:1"}})
		joinDone <- err
	}()

	require.Eventually(t, func() bool {
		return r.Coordinator().Configuring() != raftpb.NoIndex
	}, time.Second, time.Millisecond)

	_, err := r.Join(context.Background(), config.JoinRequest{Member: raftpb.Member{ID: "d", ServerAddress: "d:1"}})
	require.Error(t, err)

	tr.release("b", gateB)
	require.NoError(t, <-joinDone)
}

// S5: an unstable session is expired by the reaper and its expire
// listener fires exactly once.
func TestScenarioSessionExpiry(t *testing.T) {
	r, kv, _, _ := newRole(t, []raftpb.Member{{ID: "a", Type: raftpb.MemberActive}}, "a", newFakeTransport())
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()
	waitReady(t, r)

	var expireCount int
	var expireMu sync.Mutex
	kv.Sessions().AddListener(expireListener{onExpire: func(*session.Session) {
		expireMu.Lock()
		expireCount++
		expireMu.Unlock()
	}})

	reg, err := r.Register(context.Background(), RegisterRequest{Client: uuid.New(), TimeoutMillis: 30})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// A second, unrelated register commits an entry with a later
	// timestamp, which is what the state machine uses to notice the
	// first session went stale; its afterReply hook runs the reaper.
	_, err = r.Register(context.Background(), RegisterRequest{Client: uuid.New(), TimeoutMillis: 30_000})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := kv.Sessions().Session(reg.Session)
		return !ok
	}, time.Second, time.Millisecond)

	expireMu.Lock()
	defer expireMu.Unlock()
	require.Equal(t, 1, expireCount)
}

// S6: a higher-term Append steps the leader down and hands off to
// Follower.
func TestScenarioStepDownOnHigherTerm(t *testing.T) {
	r, _, transitions, mu := newRole(t, []raftpb.Member{{ID: "a", Type: raftpb.MemberActive}}, "a", newFakeTransport())
	require.NoError(t, r.Open(context.Background()))
	waitReady(t, r)

	_, err := r.Append(context.Background(), appender.AppendRequest{Term: 2, Leader: "m"})
	require.ErrorIs(t, err, ErrSteppedDown)

	require.False(t, r.IsOpen())
	require.Equal(t, raftpb.Term(2), r.Term())
	require.Equal(t, raftpb.MemberId("m"), r.Leader())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []RoleKind{RoleFollower}, *transitions)
}

type expireListener struct {
	onExpire func(*session.Session)
}

func (expireListener) OnRegister(*session.Session)   {}
func (expireListener) OnUnregister(*session.Session) {}
func (l expireListener) OnExpire(s *session.Session) { l.onExpire(s) }
