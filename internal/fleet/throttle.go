package fleet

import (
	"sync"
	"time"

	"github.com/avaropoint/devmirror/internal/clock"
)

// NotifyInterval is the minimum spacing of subscriber notifications.
const NotifyInterval = 300 * time.Millisecond

// throttle runs fire at most once per interval. A call inside the window
// schedules one trailing run at the end of it; further calls while that
// run is pending are absorbed.
type throttle struct {
	clock    clock.Clock
	interval time.Duration
	fire     func()

	mu      sync.Mutex
	last    time.Time
	pending clock.Timer
}

func newThrottle(clk clock.Clock, interval time.Duration, fire func()) *throttle {
	return &throttle{clock: clk, interval: interval, fire: fire}
}

func (t *throttle) Schedule() {
	t.mu.Lock()
	if t.pending != nil {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	if since := now.Sub(t.last); t.last.IsZero() || since >= t.interval {
		t.last = now
		t.mu.Unlock()
		t.fire()
		return
	}
	t.pending = t.clock.AfterFunc(t.interval-now.Sub(t.last), t.trailing)
	t.mu.Unlock()
}

func (t *throttle) trailing() {
	t.mu.Lock()
	t.pending = nil
	t.last = t.clock.Now()
	t.mu.Unlock()
	t.fire()
}

// Stop cancels a pending trailing run.
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
