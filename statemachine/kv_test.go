package statemachine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/waltznetworks/copycat/raftpb"
)

func marshal(t *testing.T, cmd Command) []byte {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return b
}

func registerSession(t *testing.T, kv *KV, idx raftpb.LogIndex, client raftpb.ClientId, timeoutMillis int64, at time.Time) raftpb.SessionId {
	t.Helper()
	v, err := kv.Apply(context.Background(), idx, raftpb.Entry{
		Type: raftpb.EntryRegister, Term: 1, Timestamp: at, Client: client, TimeoutMillis: timeoutMillis,
	})
	require.NoError(t, err)
	return v.(raftpb.SessionId)
}

func TestKVPutGetDelete(t *testing.T) {
	kv := NewKV("self", nil)
	now := time.Now()
	sid := registerSession(t, kv, 1, uuid.New(), 60_000, now)

	_, err := kv.Apply(context.Background(), 2, raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 1,
		Command: marshal(t, Command{Op: "put", Key: "k", Value: "v"}),
	})
	require.NoError(t, err)

	v, err := kv.Apply(context.Background(), 3, raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 2,
		Command: marshal(t, Command{Op: "get", Key: "k"}),
	})
	require.NoError(t, err)
	require.Equal(t, "v", v)

	_, err = kv.Apply(context.Background(), 4, raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 3,
		Command: marshal(t, Command{Op: "delete", Key: "k"}),
	})
	require.NoError(t, err)

	_, err = kv.Apply(context.Background(), 5, raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 4,
		Command: marshal(t, Command{Op: "get", Key: "k"}),
	})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKVCommandDeduplicatesBySequence(t *testing.T) {
	kv := NewKV("self", nil)
	now := time.Now()
	sid := registerSession(t, kv, 1, uuid.New(), 60_000, now)

	entry := raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 1,
		Command: marshal(t, Command{Op: "put", Key: "k", Value: "v1"}),
	}
	v1, err := kv.Apply(context.Background(), 2, entry)
	require.NoError(t, err)

	// Replaying the same {session, sequence} with a different payload
	// must still return the original response: the cache, not the
	// new command, wins.
	replay := entry
	replay.Command = marshal(t, Command{Op: "put", Key: "k", Value: "v2"})
	v2, err := kv.Apply(context.Background(), 3, replay)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	got, err := kv.Apply(context.Background(), 4, raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 2,
		Command: marshal(t, Command{Op: "get", Key: "k"}),
	})
	require.NoError(t, err)
	require.Equal(t, "v1", got)
}

func TestKVMarksSessionUnstableAfterTimeout(t *testing.T) {
	kv := NewKV("self", nil)
	start := time.Now()
	client := uuid.New()
	sid := registerSession(t, kv, 1, client, 1000, start)

	s, ok := kv.Sessions().Session(sid)
	require.True(t, ok)
	require.Equal(t, "OPEN", s.State().String())

	// A later entry's timestamp, more than the timeout past the
	// session's last activity, marks it Unstable deterministically
	// (replica-timestamp-driven, not wall-clock-driven).
	_, err := kv.Apply(context.Background(), 2, raftpb.Entry{
		Type: raftpb.EntryConnect, Term: 1, Timestamp: start.Add(2 * time.Second), Client: uuid.New(), Address: "x",
	})
	require.NoError(t, err)

	require.Equal(t, "UNSTABLE", s.State().String())
}

func TestKVUnregisterExpiredRemovesSession(t *testing.T) {
	kv := NewKV("self", nil)
	now := time.Now()
	sid := registerSession(t, kv, 1, uuid.New(), 60_000, now)

	_, err := kv.Apply(context.Background(), 2, raftpb.Entry{
		Type: raftpb.EntryUnregister, Term: 1, Timestamp: now, Session: sid, Expired: true,
	})
	require.NoError(t, err)

	_, ok := kv.Sessions().Session(sid)
	require.False(t, ok)
}

func TestKVApplyQueryReadsCommittedState(t *testing.T) {
	kv := NewKV("self", nil)
	now := time.Now()
	sid := registerSession(t, kv, 1, uuid.New(), 60_000, now)

	_, err := kv.Apply(context.Background(), 2, raftpb.Entry{
		Type: raftpb.EntryCommand, Term: 1, Timestamp: now, Session: sid, Sequence: 1,
		Command: marshal(t, Command{Op: "put", Key: "k", Value: "v"}),
	})
	require.NoError(t, err)

	v, err := kv.ApplyQuery(context.Background(), raftpb.QueryHandle{
		Session: sid, Query: marshal(t, Command{Op: "get", Key: "k"}),
	})
	require.NoError(t, err)
	require.Equal(t, "v", v)

	_, err = kv.ApplyQuery(context.Background(), raftpb.QueryHandle{
		Session: sid, Query: marshal(t, Command{Op: "get", Key: "missing"}),
	})
	require.ErrorIs(t, err, ErrKeyNotFound)
}
