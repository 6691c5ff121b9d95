package fleet

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/avaropoint/devmirror/internal/clock"
)

func TestThrottleLeadingAndSingleTrailing(t *testing.T) {
	clk := clock.NewFake(time.Unix(100, 0))
	var fired atomic.Int32
	th := newThrottle(clk, NotifyInterval, func() { fired.Add(1) })

	th.Schedule()
	if fired.Load() != 1 {
		t.Fatalf("first schedule should fire immediately, fired = %d", fired.Load())
	}

	clk.Advance(100 * time.Millisecond)
	th.Schedule()
	th.Schedule()
	th.Schedule()
	if fired.Load() != 1 {
		t.Fatalf("schedules inside the window fired early, fired = %d", fired.Load())
	}
	if d := clk.PendingDurations(); len(d) != 1 || d[0] != 200*time.Millisecond {
		t.Fatalf("pending trailing timers = %v, want one at 200ms", d)
	}

	clk.Advance(199 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatal("trailing fired before the window closed")
	}
	clk.Advance(time.Millisecond)
	if fired.Load() != 2 {
		t.Fatalf("trailing did not fire, fired = %d", fired.Load())
	}

	// The trailing run opened a new window.
	clk.Advance(299 * time.Millisecond)
	th.Schedule()
	if fired.Load() != 2 {
		t.Fatal("schedule right after trailing fired immediately")
	}
	clk.Advance(time.Millisecond)
	if fired.Load() != 3 {
		t.Fatalf("fired = %d", fired.Load())
	}

	clk.Advance(time.Second)
	th.Schedule()
	if fired.Load() != 4 {
		t.Fatalf("schedule after a quiet period should fire, fired = %d", fired.Load())
	}
}

func TestThrottleStop(t *testing.T) {
	clk := clock.NewFake(time.Unix(100, 0))
	var fired atomic.Int32
	th := newThrottle(clk, NotifyInterval, func() { fired.Add(1) })
	th.Schedule()
	th.Schedule()
	th.Stop()
	clk.Advance(time.Second)
	if fired.Load() != 1 {
		t.Errorf("stopped trailing run fired, fired = %d", fired.Load())
	}
}
