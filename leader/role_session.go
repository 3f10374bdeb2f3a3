package leader

import (
	"context"

	"github.com/waltznetworks/copycat/coperror"
	"github.com/waltznetworks/copycat/raftpb"
)

// Register implements spec.md §4.1's register handler: creates a new
// session and, after replying, runs the session reaper.
func (r *Role) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		timeout := req.TimeoutMillis
		if timeout <= 0 {
			timeout = r.cfg.SessionTimeoutMillis
		}

		r.replicateEntryAndReply(ctx, out,
			func() raftpb.Entry {
				return raftpb.Entry{
					Type:          raftpb.EntryRegister,
					Term:          r.Term(),
					Timestamp:     r.clock(),
					Client:        req.Client,
					TimeoutMillis: timeout,
				}
			},
			func(applied interface{}) (interface{}, error) {
				sid, ok := applied.(raftpb.SessionId)
				if !ok {
					return nil, coperror.New(coperror.Internal)
				}
				return RegisterResponse{
					Session:       sid,
					TimeoutMillis: timeout,
					Leader:        r.selfClientAddress,
					Members:       r.memberAddresses(),
				}, nil
			},
			func() { r.runReaper(ctx) },
		)
	})

	select {
	case res := <-out:
		if res.err != nil {
			return RegisterResponse{}, res.err
		}
		return res.val.(RegisterResponse), nil
	case <-ctx.Done():
		return RegisterResponse{}, ctx.Err()
	}
}

// Connect implements spec.md §4.1's connect handler: records the
// local transport connection immediately (non-replicated, transport
// owns that map's concurrency) and replicates the client's address
// via Accept.
func (r *Role) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	r.sessions.RegisterConnection(req.Client, req.Connection)

	_, err := r.Accept(ctx, AcceptRequest{Client: req.Client, Address: r.selfServerAddress})
	if err != nil {
		return ConnectResponse{}, err
	}
	return ConnectResponse{Leader: r.selfClientAddress, Members: r.memberAddresses()}, nil
}

// Accept implements spec.md §4.1's accept handler: updates the
// in-memory address index immediately, then replicates a Connect
// entry recording the same fact durably.
func (r *Role) Accept(ctx context.Context, req AcceptRequest) (AcceptResponse, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		r.sessions.RegisterAddress(req.Client, req.Address)

		r.replicateEntryAndReply(ctx, out,
			func() raftpb.Entry {
				return raftpb.Entry{
					Type:      raftpb.EntryConnect,
					Term:      r.Term(),
					Timestamp: r.clock(),
					Client:    req.Client,
					Address:   req.Address,
				}
			},
			func(interface{}) (interface{}, error) {
				return AcceptResponse{Leader: r.selfClientAddress, Members: r.memberAddresses()}, nil
			},
			func() { r.runReaper(ctx) },
		)
	})

	select {
	case res := <-out:
		if res.err != nil {
			return AcceptResponse{}, res.err
		}
		return res.val.(AcceptResponse), nil
	case <-ctx.Done():
		return AcceptResponse{}, ctx.Err()
	}
}

// KeepAlive implements spec.md §4.1's keepAlive handler.
func (r *Role) KeepAlive(ctx context.Context, req KeepAliveRequest) (KeepAliveResponse, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		r.replicateEntryAndReply(ctx, out,
			func() raftpb.Entry {
				return raftpb.Entry{
					Type:            raftpb.EntryKeepAlive,
					Term:            r.Term(),
					Timestamp:       r.clock(),
					Session:         req.Session,
					CommandSequence: req.CommandSequence,
					EventIndex:      req.EventIndex,
				}
			},
			func(interface{}) (interface{}, error) {
				return KeepAliveResponse{Leader: r.selfClientAddress, Members: r.memberAddresses()}, nil
			},
			func() { r.runReaper(ctx) },
		)
	})

	select {
	case res := <-out:
		if res.err != nil {
			return KeepAliveResponse{}, res.err
		}
		return res.val.(KeepAliveResponse), nil
	case <-ctx.Done():
		return KeepAliveResponse{}, ctx.Err()
	}
}

// Unregister implements spec.md §4.1's unregister handler: the
// client-initiated counterpart to the reaper's expiry path
// (Expired stays false here).
func (r *Role) Unregister(ctx context.Context, req UnregisterRequest) (UnregisterResponse, error) {
	out := make(chan result, 1)
	r.wq.submit(func() {
		r.replicateEntryAndReply(ctx, out,
			func() raftpb.Entry {
				return raftpb.Entry{
					Type:      raftpb.EntryUnregister,
					Term:      r.Term(),
					Timestamp: r.clock(),
					Session:   req.Session,
					Expired:   false,
				}
			},
			func(interface{}) (interface{}, error) {
				return UnregisterResponse{Leader: r.selfClientAddress, Members: r.memberAddresses()}, nil
			},
			func() { r.runReaper(ctx) },
		)
	})

	select {
	case res := <-out:
		if res.err != nil {
			return UnregisterResponse{}, res.err
		}
		return res.val.(UnregisterResponse), nil
	case <-ctx.Done():
		return UnregisterResponse{}, ctx.Err()
	}
}
