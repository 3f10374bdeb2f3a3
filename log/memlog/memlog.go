// Package memlog is an in-memory log.Log used by tests, analogous to
// the teacher's in-memory StorageStable fixtures used throughout
// raft/*_test.go.
package memlog

import (
	"sync"

	"github.com/waltznetworks/copycat/raftpb"
)

// Log is a slice-backed, goroutine-safe log.Log.
type Log struct {
	mu      sync.RWMutex
	entries []raftpb.Entry // entries[i] has index i+1
}

// New returns an empty in-memory log.
func New() *Log {
	return &Log{}
}

// Append implements log.Log.
func (l *Log) Append(entry raftpb.Entry) (raftpb.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return raftpb.LogIndex(len(l.entries)), nil
}

// LastIndex implements log.Log.
func (l *Log) LastIndex() raftpb.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return raftpb.LogIndex(len(l.entries))
}

// Get implements log.Log.
func (l *Log) Get(index raftpb.LogIndex) (raftpb.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == raftpb.NoIndex || int(index) > len(l.entries) {
		return raftpb.Entry{}, false
	}
	return l.entries[index-1], true
}

// Close implements log.Log.
func (l *Log) Close() error { return nil }
