// Package log defines the Log collaborator the leader subsystem
// depends on (spec.md §6): append, lookup by index, and last-index
// lookup. Entries are plain raftpb.Entry values built by the caller;
// the log has no entry-builder factory. Persistence, segmentation, and compaction are explicitly
// out of scope for the leader subsystem itself (spec.md §1); this
// package only pins down the interface plus two concrete, minimal
// implementations so the rest of the module is testable end to end.
package log

import "github.com/waltznetworks/copycat/raftpb"

// Log is the append-only entry store the leader writes to.
type Log interface {
	// Append stores entry and returns the index it was assigned.
	// Indices are 1-based and strictly increasing.
	Append(entry raftpb.Entry) (raftpb.LogIndex, error)

	// LastIndex returns the index of the most recently appended
	// entry, or raftpb.NoIndex if the log is empty.
	LastIndex() raftpb.LogIndex

	// Get returns the entry at index, or (Entry{}, false) if absent.
	Get(index raftpb.LogIndex) (raftpb.Entry, bool)

	// Close releases any resources held by the log.
	Close() error
}
