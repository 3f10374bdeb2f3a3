package leader

import (
	"context"

	"github.com/waltznetworks/copycat/coperror"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/session"
)

// Command implements spec.md §4.1's command handler: a linearizable
// write gated by the SessionSequencer so per-session commands apply
// in client sequence order.
func (r *Role) Command(ctx context.Context, req CommandRequest) (interface{}, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		s, ok := r.sessions.Session(req.Session)
		if !ok {
			out <- result{nil, coperror.New(coperror.UnknownSession)}
			return
		}
		r.sequencer.Command(s, req.Sequence, func() {
			r.runCommand(ctx, s, req, out)
		})
	})

	select {
	case res := <-out:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runCommand is the sequencer's drained thunk: append, advance
// requestSequence (draining any commands that were queued behind this
// one), then replicate and apply. Always runs on the work queue.
func (r *Role) runCommand(ctx context.Context, s *session.Session, req CommandRequest, out chan result) {
	if !r.isOpenLocked() {
		out <- result{nil, ErrSteppedDown}
		return
	}

	entry := raftpb.Entry{
		Type:      raftpb.EntryCommand,
		Term:      r.Term(),
		Timestamp: r.clock(),
		Session:   req.Session,
		Sequence:  req.Sequence,
		Command:   req.Command,
	}
	idx, err := r.log.Append(entry)
	if err != nil {
		out <- result{nil, coperror.Wrap(coperror.Internal, err)}
		return
	}

	r.sequencer.SetRequestSequence(s, req.Sequence)

	r.replicateAndApply(ctx, idx, func(val interface{}, err error) {
		if err == nil {
			// Drains any queries queued behind this command's sequence,
			// per spec.md §4.4's commandSequence-driven draining.
			r.sequencer.SetCommandSequence(s, req.Sequence)
		}
		out <- result{val, err}
	})
}

// Query implements spec.md §4.1's query handler across its three
// consistency modes. Per spec.md §9's resolved Open Question, queries
// are rejected with QUERY_ERROR while the leader is still
// initializing (I0 not yet committed).
func (r *Role) Query(ctx context.Context, req QueryRequest) (interface{}, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		r.handleQuery(ctx, req, out)
	})

	select {
	case res := <-out:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Role) handleQuery(ctx context.Context, req QueryRequest, out chan result) {
	if r.coord.Initializing() {
		out <- result{nil, coperror.New(coperror.Query)}
		return
	}

	s, ok := r.sessions.Session(req.Session)
	if !ok {
		out <- result{nil, coperror.New(coperror.UnknownSession)}
		return
	}

	run := func() {
		if !r.isOpenLocked() {
			out <- result{nil, ErrSteppedDown}
			return
		}
		handle := raftpb.QueryHandle{
			Session:   req.Session,
			Sequence:  req.Sequence,
			Index:     r.appender.Index(),
			Term:      r.Term(),
			Timestamp: r.clock(),
			Query:     req.Query,
		}
		val, err := r.sm.ApplyQuery(ctx, handle)
		out <- result{val, coperror.FromApply(err)}
	}

	switch req.Consistency {
	case ConsistencySequential, ConsistencyLinearizableLease:
		r.sequencer.Query(s, req.Sequence, run)
	default: // ConsistencyLinearizable, spec.md §4.1's default.
		ch := r.appender.AppendEntries(ctx, nil)
		go func() {
			res := <-ch
			r.wq.submit(func() {
				if !r.isOpenLocked() {
					out <- result{nil, ErrSteppedDown}
					return
				}
				if res.Err != nil {
					out <- result{nil, coperror.New(coperror.Query)}
					return
				}
				r.sequencer.Query(s, req.Sequence, run)
			})
		}()
	}
}
