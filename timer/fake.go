package timer

import (
	"sync"
	"time"
)

// Fake is a Scheduler driven manually by tests via Advance, rather
// than by the wall clock. Useful for deterministically exercising
// heartbeat-driven behavior (e.g. the leader's append timer) without
// sleeping in tests.
type Fake struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*fakeTask
}

type fakeTask struct {
	next     time.Duration
	period   time.Duration
	fn       func()
	canceled bool
}

// NewFake returns a Scheduler suitable for tests.
func NewFake() *Fake {
	return &Fake{}
}

// Schedule implements Scheduler.
func (f *Fake) Schedule(initialDelay, period time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	task := &fakeTask{next: f.now + initialDelay, period: period, fn: fn}
	f.tasks = append(f.tasks, task)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		task.canceled = true
	}
}

// Advance moves the fake clock forward by d, synchronously firing
// every task whose next deadline falls within the advanced window (in
// deadline order). Recurring tasks are rescheduled for next+period
// after firing.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.now = target
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var due *fakeTask
		for _, task := range f.tasks {
			if task.canceled {
				continue
			}
			if task.next <= target && (due == nil || task.next < due.next) {
				due = task
			}
		}
		if due == nil {
			f.mu.Unlock()
			return
		}
		if due.period > 0 {
			due.next += due.period
		} else {
			due.canceled = true
		}
		fn := due.fn
		f.mu.Unlock()

		fn()
	}
}
