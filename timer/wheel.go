package timer

import (
	"sync"
	"time"
)

// Wheel is a Scheduler backed by time.Timer/time.Ticker, suitable for
// production use.
type Wheel struct{}

// NewWheel returns a production Scheduler.
func NewWheel() *Wheel { return &Wheel{} }

// Schedule implements Scheduler.
func (w *Wheel) Schedule(initialDelay, period time.Duration, fn func()) CancelFunc {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTimer(initialDelay)
		defer t.Stop()

		select {
		case <-t.C:
			fn()
		case <-stop:
			return
		}

		if period <= 0 {
			return
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(stop) })
	}
}
