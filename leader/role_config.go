package leader

import (
	"context"

	"github.com/waltznetworks/copycat/config"
)

// Join, Leave, and Reconfigure pass straight through to the
// config.Coordinator rather than through the work queue: the
// Coordinator's own configuring latch and Initializing() gate already
// provide spec.md §4.3's single-uncommitted-change invariant, and
// these are rare, already long-latency administrative calls — routing
// them through the work queue would needlessly hold up the hot
// Command/Query path behind a replication round-trip.

// Join implements the join RPC (spec.md §4.3).
func (r *Role) Join(ctx context.Context, req config.JoinRequest) (config.ConfigurationResult, error) {
	return r.coord.Join(ctx, req)
}

// Leave implements the leave RPC (spec.md §4.3).
func (r *Role) Leave(ctx context.Context, req config.LeaveRequest) (config.ConfigurationResult, error) {
	return r.coord.Leave(ctx, req)
}

// Reconfigure implements the reconfigure RPC (spec.md §4.3).
func (r *Role) Reconfigure(ctx context.Context, req config.ReconfigureRequest) (config.ConfigurationResult, error) {
	return r.coord.Reconfigure(ctx, req)
}
