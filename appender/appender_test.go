package appender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waltznetworks/copycat/cluster"
	"github.com/waltznetworks/copycat/log/memlog"
	"github.com/waltznetworks/copycat/raftpb"
)

type fakeTransport struct {
	mu   sync.Mutex
	fail map[raftpb.MemberId]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: map[raftpb.MemberId]bool{}}
}

func (f *fakeTransport) setFail(id raftpb.MemberId, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = fail
}

func (f *fakeTransport) AppendEntries(_ context.Context, peer raftpb.MemberId, req AppendRequest) (AppendResponse, error) {
	f.mu.Lock()
	fail := f.fail[peer]
	f.mu.Unlock()
	if fail {
		return AppendResponse{Term: req.Term, Succeeded: false, HintIndex: 0}, nil
	}
	return AppendResponse{Term: req.Term, Succeeded: true}, nil
}

func threeNodeCluster() *cluster.State {
	return cluster.New("a", []raftpb.Member{
		{ID: "a", Type: raftpb.MemberActive},
		{ID: "b", Type: raftpb.MemberActive},
		{ID: "c", Type: raftpb.MemberActive},
	})
}

func TestAppenderCommitsOnceQuorumMatches(t *testing.T) {
	l := memlog.New()
	_, _ = l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	cs := threeNodeCluster()
	tr := newFakeTransport()
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)

	idx := l.LastIndex()
	res := <-a.AppendEntries(context.Background(), &idx)
	require.NoError(t, res.Err)
	require.Equal(t, idx, res.Index)
	require.Equal(t, idx, a.CommitIndex())
}

func TestAppenderSingleNodeCommitsImmediately(t *testing.T) {
	l := memlog.New()
	_, _ = l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	cs := cluster.New("a", []raftpb.Member{{ID: "a", Type: raftpb.MemberActive}})
	tr := newFakeTransport()
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)
	a.SetFloor(l.LastIndex())

	idx := l.LastIndex()
	res := <-a.AppendEntries(context.Background(), &idx)
	require.NoError(t, res.Err)
	require.Equal(t, idx, a.CommitIndex())
}

func TestAppenderFloorBlocksCommitUntilI0Replicated(t *testing.T) {
	l := memlog.New()
	cs := threeNodeCluster()
	tr := newFakeTransport()
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)

	// Entries from a lower term are in the log (simulating entries
	// inherited from a previous leader); I0 is appended after them and
	// pinned as the floor, and commit reaches it once it replicates.
	_, _ = l.Append(raftpb.Entry{Type: raftpb.EntryCommand, Term: 0})
	i0idx, _ := l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	a.SetFloor(i0idx)

	res := <-a.AppendEntries(context.Background(), &i0idx)
	require.NoError(t, res.Err)
	require.GreaterOrEqual(t, a.CommitIndex(), i0idx)
}

func TestAppenderHeartbeatFailsWithoutQuorum(t *testing.T) {
	l := memlog.New()
	_, _ = l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	cs := threeNodeCluster()
	tr := newFakeTransport()
	tr.setFail("b", true)
	tr.setFail("c", true)
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)

	res := <-a.AppendEntries(context.Background(), nil)
	require.ErrorIs(t, res.Err, ErrQuorumLost)
}

func TestAppenderBackoffThenRecover(t *testing.T) {
	l := memlog.New()
	idx, _ := l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	cs := threeNodeCluster()
	tr := newFakeTransport()
	tr.setFail("b", true)
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)

	// First round: b rejects, c accepts. Self+c is already a quorum of
	// two, so the entry commits without b.
	res := <-a.AppendEntries(context.Background(), &idx)
	require.NoError(t, res.Err)
	require.Equal(t, idx, a.CommitIndex())

	tr.setFail("b", false)
	res = <-a.AppendEntries(context.Background(), &idx)
	require.NoError(t, res.Err)
	require.Equal(t, idx, a.CommitIndex())
}

func TestAppenderCloseAbandonsWaiters(t *testing.T) {
	l := memlog.New()
	idx, _ := l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	idx2, _ := l.Append(raftpb.Entry{Type: raftpb.EntryConfiguration, Term: 1})
	cs := threeNodeCluster()
	tr := newFakeTransport()
	tr.setFail("b", true)
	tr.setFail("c", true)
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)
	_ = idx

	ch := a.AppendEntries(context.Background(), &idx2)
	a.Close()

	res := <-ch
	require.ErrorIs(t, res.Err, ErrClosed)

	after := a.AppendEntries(context.Background(), nil)
	res2 := <-after
	require.ErrorIs(t, res2.Err, ErrClosed)
}

func TestAppenderSyncPeersAddsAndRemoves(t *testing.T) {
	l := memlog.New()
	idx, _ := l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	cs := cluster.New("a", []raftpb.Member{
		{ID: "a", Type: raftpb.MemberActive},
		{ID: "b", Type: raftpb.MemberActive},
	})
	tr := newFakeTransport()
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)
	a.SetFloor(idx)
	require.Len(t, a.peers, 1)

	// Join: the new peer must start receiving entries immediately,
	// not only after the next Reset.
	cs.Configure(raftpb.Configuration{Members: []raftpb.Member{
		{ID: "a", Type: raftpb.MemberActive},
		{ID: "b", Type: raftpb.MemberActive},
		{ID: "c", Type: raftpb.MemberPromotable},
	}})
	a.SyncPeers()
	require.Contains(t, a.peers, raftpb.MemberId("c"))
	require.Equal(t, idx+1, a.peers["c"].nextIndex)

	res := <-a.AppendEntries(context.Background(), nil)
	require.NoError(t, res.Err)

	// Leave: a departed peer must stop being contacted.
	cs.Configure(raftpb.Configuration{Members: []raftpb.Member{
		{ID: "a", Type: raftpb.MemberActive},
		{ID: "c", Type: raftpb.MemberPromotable},
	}})
	a.SyncPeers()
	require.NotContains(t, a.peers, raftpb.MemberId("b"))
	require.Contains(t, a.peers, raftpb.MemberId("c"))
}

func TestAppenderMajorityContacted(t *testing.T) {
	l := memlog.New()
	_, _ = l.Append(raftpb.Entry{Type: raftpb.EntryInitialize, Term: 1})
	cs := threeNodeCluster()
	tr := newFakeTransport()
	a := New("a", 1, cs, l, tr, nil, nil, Options{})
	a.Reset(0)

	require.False(t, a.MajorityContacted(time.Now(), time.Millisecond))

	idx := l.LastIndex()
	<-a.AppendEntries(context.Background(), &idx)
	require.True(t, a.MajorityContacted(time.Now(), time.Hour))
}
