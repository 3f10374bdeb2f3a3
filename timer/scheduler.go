// Package timer generalizes the teacher's logical-tick heartbeat
// model (raft/09_raft_step_leader.go's tickFuncLeaderHeartbeatTimeout)
// to wall-clock scheduling, since spec.md §4.1e's heartbeat timer
// fires on a wall-clock interval rather than on ticks driven by an
// external clock source.
package timer

import "time"

// CancelFunc stops a scheduled task. Calling it more than once is a
// no-op.
type CancelFunc func()

// Scheduler schedules recurring or one-shot work.
type Scheduler interface {
	// Schedule runs fn after initialDelay, then every period
	// thereafter (period == 0 means "once"). fn runs on a goroutine
	// owned by the scheduler; callers that mutate leader state must
	// hop back onto their own serialization mechanism (see
	// leader.Role's work queue).
	Schedule(initialDelay, period time.Duration, fn func()) CancelFunc
}
