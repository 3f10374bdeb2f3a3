package session

import "github.com/google/btree"

// Sequencer enforces per-session operation ordering without blocking
// the server goroutine, per spec.md §4.4. It holds no state of its
// own; every pending continuation lives on the Session it was
// registered against, keyed by sequence in a btree.BTree for
// ascending-order draining (grounded on mvcc/01_tree_index.go's
// treeIndex, adapted from a revision index to a sequence index).
type Sequencer struct{}

// NewSequencer returns a Sequencer.
func NewSequencer() *Sequencer { return &Sequencer{} }

// Command runs thunk immediately if seq is at most the session's next
// expected request sequence, otherwise it queues thunk until
// SetRequestSequence reaches seq.
func (*Sequencer) Command(s *Session, seq Sequence, thunk func()) {
	s.mu.Lock()
	if seq > s.requestSequence+1 {
		s.pendingRequests.ReplaceOrInsert(&pendingItem{seq: seq, fn: thunk})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	thunk()
}

// SetRequestSequence records that seq's request has been received
// and, per spec.md §4.4 "Draining", fires the chain of pending
// commands starting at the new nextRequestSequence: since a command
// is only ever queued at exactly one sequence, popping and running
// nextRequestSequence's thunk (if present), then repeating, drains
// every sequentially-waiting command in order — matching
// original_source's requestSequence-driven command chain.
func (*Sequencer) SetRequestSequence(s *Session, seq Sequence) {
	s.mu.Lock()
	if seq <= s.requestSequence {
		s.mu.Unlock()
		return
	}
	s.requestSequence = seq

	var ready []func()
	for {
		item := s.pendingRequests.Get(&pendingItem{seq: s.requestSequence + 1})
		if item == nil {
			break
		}
		s.pendingRequests.Delete(item)
		pi := item.(*pendingItem)
		s.requestSequence = pi.seq
		ready = append(ready, pi.fn)
	}
	s.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// Query runs thunk immediately if seq is at most the session's
// current command sequence, otherwise it queues thunk until
// SetCommandSequence reaches seq. Multiple queries may wait on the
// same sequence.
func (*Sequencer) Query(s *Session, seq Sequence, thunk func()) {
	s.mu.Lock()
	if seq > s.commandSequence {
		existing := s.pendingSequenceQueries.Get(&querySetItem{seq: seq})
		if existing != nil {
			qs := existing.(*querySetItem)
			qs.fns = append(qs.fns, thunk)
		} else {
			s.pendingSequenceQueries.ReplaceOrInsert(&querySetItem{seq: seq, fns: []func(){thunk}})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	thunk()
}

// SetCommandSequence records that seq's command has been applied and
// drains every pending query queued at a sequence <= seq, in
// ascending order.
func (*Sequencer) SetCommandSequence(s *Session, seq Sequence) {
	s.mu.Lock()
	if seq <= s.commandSequence {
		s.mu.Unlock()
		return
	}
	s.commandSequence = seq

	var drained []*querySetItem
	s.pendingSequenceQueries.AscendLessThan(&querySetItem{seq: seq + 1}, func(item btree.Item) bool {
		drained = append(drained, item.(*querySetItem))
		return true
	})
	for _, qs := range drained {
		s.pendingSequenceQueries.Delete(&querySetItem{seq: qs.seq})
	}
	s.mu.Unlock()

	for _, qs := range drained {
		for _, fn := range qs.fns {
			fn()
		}
	}
}
