package leader

import (
	"context"

	"github.com/waltznetworks/copycat/appender"
)

// Append implements spec.md §4.1's append handler. A strictly greater
// term steps down and returns ErrSteppedDown so the caller re-dispatches
// to the new role; a lesser term is rejected without stepping down; an
// equal term is the defensive split-brain path and also steps down.
func (r *Role) Append(ctx context.Context, req appender.AppendRequest) (appender.AppendResponse, error) {
	v, err := r.onThread(ctx, func() (interface{}, error) {
		return r.appendOnThread(req)
	})
	if err != nil {
		return appender.AppendResponse{}, err
	}
	return v.(appender.AppendResponse), nil
}

func (r *Role) appendOnThread(req appender.AppendRequest) (appender.AppendResponse, error) {
	term := r.Term()
	switch {
	case req.Term > term:
		r.stepDown(req.Term, req.Leader)
		return appender.AppendResponse{}, ErrSteppedDown
	case req.Term < term:
		return appender.AppendResponse{Term: term, Succeeded: false, HintIndex: r.log.LastIndex()}, nil
	default:
		r.stepDown(term, req.Leader)
		return appender.AppendResponse{}, ErrSteppedDown
	}
}

// Vote implements spec.md §4.1's vote handler: a strictly greater
// term steps down and delegates; otherwise the leader never grants a
// vote.
func (r *Role) Vote(ctx context.Context, req VoteRequest) (VoteResponse, error) {
	v, err := r.onThread(ctx, func() (interface{}, error) {
		return r.voteOnThread(req)
	})
	if err != nil {
		return VoteResponse{}, err
	}
	return v.(VoteResponse), nil
}

func (r *Role) voteOnThread(req VoteRequest) (VoteResponse, error) {
	term := r.Term()
	if req.Term > term {
		r.stepDown(req.Term, "")
		return VoteResponse{}, ErrSteppedDown
	}
	return VoteResponse{Term: term, Voted: false}, nil
}

// Poll implements spec.md §4.1's poll handler: the leader never
// accepts a pre-vote, and never steps down in response to one.
func (r *Role) Poll(ctx context.Context, req PollRequest) (PollResponse, error) {
	v, err := r.onThread(ctx, func() (interface{}, error) {
		return PollResponse{Term: r.Term(), Accepted: false}, nil
	})
	if err != nil {
		return PollResponse{}, err
	}
	return v.(PollResponse), nil
}
