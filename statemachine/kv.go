package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/session"
	"github.com/waltznetworks/copycat/xlog"
)

// ErrKeyNotFound is returned by Get when the requested key is absent.
var ErrKeyNotFound = errors.New("statemachine: key not found")

// ErrUnknownOp is returned when a Command or query payload names an
// operation this state machine doesn't implement.
var ErrUnknownOp = errors.New("statemachine: unknown op")

// ErrUnknownSession is returned when an entry references a session
// id the state machine has no record of.
var ErrUnknownSession = errors.New("statemachine: unknown session")

// Command is the payload carried by a Command/Query entry this state
// machine understands, grounded on the teacher pack's KVStateMachine
// command shape (llboyfy-MiniRaftDB's KVCommand).
type Command struct {
	Op    string `json:"op"` // "put", "delete", or "get"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type cachedResponse struct {
	value interface{}
	err   error
}

// KV is an example StateMachine implementation: a replicated string
// map plus the session bookkeeping spec.md requires of any state
// machine (registration, keep-alive tracking, command dedup, unstable
// detection). Applications wiring this module supply their own
// StateMachine; KV exists to make the rest of the module testable
// end to end.
type KV struct {
	mu    sync.RWMutex
	store map[string]string

	sessions      *session.Manager
	timeouts      map[raftpb.SessionId]time.Duration
	lastActivity  map[raftpb.SessionId]time.Time
	nextSessionID raftpb.SessionId

	// responses caches the outcome of every applied Command, keyed by
	// session and sequence, so a duplicate request (per spec.md §8's
	// idempotence law) replays the stored response instead of
	// re-applying it.
	responses map[raftpb.SessionId]map[raftpb.Sequence]cachedResponse

	logger xlog.Logger
}

// NewKV returns an empty KV state machine. self is this server's own
// server address (the address Connect records for clients connected
// here), passed through to the session manager for local-connection
// bookkeeping.
func NewKV(self string, logger xlog.Logger) *KV {
	if logger == nil {
		logger = xlog.NoOp()
	}
	return &KV{
		store:        make(map[string]string),
		sessions:     session.NewManager(self, logger),
		timeouts:     make(map[raftpb.SessionId]time.Duration),
		lastActivity: make(map[raftpb.SessionId]time.Time),
		responses:    make(map[raftpb.SessionId]map[raftpb.Sequence]cachedResponse),
		logger:       logger,
	}
}

// Sessions implements statemachine.StateMachine.
func (kv *KV) Sessions() *session.Manager { return kv.sessions }

// Apply implements statemachine.StateMachine. Every entry first runs
// through checkUnstable using the entry's own (replicated) timestamp,
// so staleness detection is deterministic across replicas instead of
// depending on each server's wall clock.
func (kv *KV) Apply(_ context.Context, index raftpb.LogIndex, entry raftpb.Entry) (interface{}, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.checkUnstable(entry.Timestamp)

	switch entry.Type {
	case raftpb.EntryInitialize, raftpb.EntryConfiguration:
		return nil, nil

	case raftpb.EntryRegister:
		kv.nextSessionID++
		id := kv.nextSessionID
		s := session.New(id, entry.Client)
		kv.sessions.Register(s)
		kv.timeouts[id] = time.Duration(entry.TimeoutMillis) * time.Millisecond
		kv.lastActivity[id] = entry.Timestamp
		return id, nil

	case raftpb.EntryConnect:
		kv.sessions.RegisterAddress(entry.Client, entry.Address)
		return nil, nil

	case raftpb.EntryKeepAlive:
		if _, ok := kv.sessions.Session(entry.Session); !ok {
			return nil, ErrUnknownSession
		}
		kv.lastActivity[entry.Session] = entry.Timestamp
		return nil, nil

	case raftpb.EntryUnregister:
		s, ok := kv.sessions.Session(entry.Session)
		if !ok {
			return nil, ErrUnknownSession
		}
		kv.sessions.Unregister(entry.Session, entry.Expired)
		delete(kv.timeouts, entry.Session)
		delete(kv.lastActivity, entry.Session)
		delete(kv.responses, entry.Session)
		kv.logger.Debugf("session %d %s at index %d", s.ID(), unregisterReason(entry.Expired), index)
		return nil, nil

	case raftpb.EntryCommand:
		return kv.applyCommand(entry)

	default:
		return nil, ErrUnknownOp
	}
}

func unregisterReason(expired bool) string {
	if expired {
		return "expired"
	}
	return "closed"
}

// applyCommand deduplicates by {session, sequence} before mutating the
// store, per spec.md §8's round-trip law: "replaying a Command with
// the same sequence yields an equal response." Must be called with
// kv.mu held.
func (kv *KV) applyCommand(entry raftpb.Entry) (interface{}, error) {
	if _, ok := kv.sessions.Session(entry.Session); !ok {
		return nil, ErrUnknownSession
	}

	if cached, ok := kv.responses[entry.Session][entry.Sequence]; ok {
		return cached.value, cached.err
	}

	var cmd Command
	val, err := func() (interface{}, error) {
		if unmarshalErr := json.Unmarshal(entry.Command, &cmd); unmarshalErr != nil {
			return nil, unmarshalErr
		}
		switch cmd.Op {
		case "put":
			kv.store[cmd.Key] = cmd.Value
			return cmd.Value, nil
		case "delete":
			delete(kv.store, cmd.Key)
			return nil, nil
		case "get":
			v, ok := kv.store[cmd.Key]
			if !ok {
				return nil, ErrKeyNotFound
			}
			return v, nil
		default:
			return nil, ErrUnknownOp
		}
	}()

	if kv.responses[entry.Session] == nil {
		kv.responses[entry.Session] = make(map[raftpb.Sequence]cachedResponse)
	}
	kv.responses[entry.Session][entry.Sequence] = cachedResponse{value: val, err: err}
	kv.lastActivity[entry.Session] = entry.Timestamp
	return val, err
}

// checkUnstable marks every session that hasn't been heard from
// within its configured timeout, as of now, Unstable. Must be called
// with kv.mu held.
func (kv *KV) checkUnstable(now time.Time) {
	kv.sessions.Range(func(s *session.Session) bool {
		timeout, ok := kv.timeouts[s.ID()]
		if !ok || timeout <= 0 {
			return true
		}
		last, ok := kv.lastActivity[s.ID()]
		if !ok {
			return true
		}
		if now.Sub(last) > timeout {
			s.MarkUnstable()
		}
		return true
	})
}

// ApplyQuery implements statemachine.StateMachine: a read-only "get",
// served without appending anything.
func (kv *KV) ApplyQuery(_ context.Context, query raftpb.QueryHandle) (interface{}, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var cmd Command
	if err := json.Unmarshal(query.Query, &cmd); err != nil {
		return nil, err
	}
	if cmd.Op != "get" {
		return nil, ErrUnknownOp
	}
	v, ok := kv.store[cmd.Key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}
