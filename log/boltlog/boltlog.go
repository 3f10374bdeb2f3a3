// Package boltlog is a durable log.Log backed by BoltDB, used by the
// example binary (cmd/copycatd). It follows the batched-commit design
// of the teacher's mvcc/backend.backend: appends accumulate in an
// open write transaction that is committed either every batchInterval
// or after batchLimit entries, trading a small commit-visibility
// window for far fewer fsyncs than committing per-append.
package boltlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/waltznetworks/copycat/raftpb"
)

var entriesBucket = []byte("entries")

var (
	defaultBatchLimit    = 256
	defaultBatchInterval = 50 * time.Millisecond
)

// Log is a BoltDB-backed log.Log.
type Log struct {
	mu sync.Mutex
	db *bolt.DB

	batchLimit    int
	batchInterval time.Duration

	tx      *bolt.Tx
	pending int
	last    raftpb.LogIndex

	stopc chan struct{}
	donec chan struct{}
}

// Option configures Open.
type Option func(*Log)

// WithBatchLimit overrides the number of pending appends that force a
// commit.
func WithBatchLimit(n int) Option { return func(l *Log) { l.batchLimit = n } }

// WithBatchInterval overrides the interval on which pending appends
// are committed even if batchLimit hasn't been reached.
func WithBatchInterval(d time.Duration) Option { return func(l *Log) { l.batchInterval = d } }

// Open opens (creating if necessary) a BoltDB-backed log at path.
func Open(path string, opts ...Option) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		db:            db,
		batchLimit:    defaultBatchLimit,
		batchInterval: defaultBatchInterval,
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		k, _ := c.Last()
		if k != nil {
			l.last = raftpb.LogIndex(binary.BigEndian.Uint64(k))
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	go l.run()
	return l, nil
}

func (l *Log) run() {
	defer close(l.donec)
	ticker := time.NewTicker(l.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.commitLocked()
			l.mu.Unlock()
		case <-l.stopc:
			return
		}
	}
}

// Append implements log.Log.
func (l *Log) Append(entry raftpb.Entry) (raftpb.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tx == nil {
		tx, err := l.db.Begin(true)
		if err != nil {
			return 0, err
		}
		l.tx = tx
	}

	index := l.last + 1
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return 0, err
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	if err := l.tx.Bucket(entriesBucket).Put(key, buf.Bytes()); err != nil {
		return 0, err
	}

	l.last = index
	l.pending++
	if l.pending >= l.batchLimit {
		if err := l.commitLocked(); err != nil {
			return 0, err
		}
	}
	return index, nil
}

func (l *Log) commitLocked() error {
	if l.tx == nil {
		return nil
	}
	err := l.tx.Commit()
	l.tx = nil
	l.pending = 0
	return err
}

// LastIndex implements log.Log.
func (l *Log) LastIndex() raftpb.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Get implements log.Log. It forces any pending batch to commit
// first so reads observe their own prior writes.
func (l *Log) Get(index raftpb.LogIndex) (raftpb.Entry, bool) {
	l.mu.Lock()
	l.commitLocked()
	l.mu.Unlock()

	var entry raftpb.Entry
	var found bool
	_ = l.db.View(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(index))
		v := tx.Bucket(entriesBucket).Get(key)
		if v == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	return entry, found
}

// Close implements log.Log.
func (l *Log) Close() error {
	close(l.stopc)
	<-l.donec

	l.mu.Lock()
	l.commitLocked()
	l.mu.Unlock()

	return l.db.Close()
}
