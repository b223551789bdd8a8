package collab

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle runs at most one call per interval. Calls inside the interval
// are coalesced and the latest runs when the interval ends.
type throttle struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	pending func()
	timer   *time.Timer
	stopped bool
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Do runs f now if the interval allows, otherwise schedules it as the
// trailing call, replacing any earlier scheduled one.
func (t *throttle) Do(f func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.pending = f
		t.mu.Unlock()
		return
	}
	if t.lim.Allow() {
		t.mu.Unlock()
		f()
		return
	}
	t.pending = f
	r := t.lim.Reserve()
	t.timer = time.AfterFunc(r.Delay(), t.flush)
	t.mu.Unlock()
}

func (t *throttle) flush() {
	t.mu.Lock()
	f := t.pending
	t.pending = nil
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()
	if f != nil && !stopped {
		f()
	}
}

// Stop drops any scheduled call.
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
