package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves on Advance. AfterFunc callbacks
// run synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
	fn       func()
	done     bool
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.add(&fakeTimer{clock: f, deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), fn: fn}
	if d <= 0 {
		t.done = true
		f.mu.Unlock()
		fn()
		return t
	}
	f.add(t)
	f.mu.Unlock()
	return t
}

func (f *Fake) add(t *fakeTimer) {
	f.pending = append(f.pending, t)
	f.changed.Broadcast()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.changed.Broadcast()
	return true
}

// Advance moves time forward by d and fires every timer due by then.
// Timers registered by a firing callback are fired too if they fall
// inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			if t.fn != nil {
				t.fn()
			} else {
				t.ch <- target
			}
		}
	}
}

func (f *Fake) collect(target time.Time) []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due, keep []*fakeTimer
	for _, t := range f.pending {
		switch {
		case t.done:
		case !t.deadline.After(target):
			t.done = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	f.pending = keep
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// Pending returns the number of timers that have not fired or been
// stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, t := range f.pending {
		if !t.done {
			n++
		}
	}
	return n
}

// PendingDurations returns how far in the future each pending timer is
// due, soonest first.
func (f *Fake) PendingDurations() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Duration
	for _, t := range f.pending {
		if !t.done {
			out = append(out, t.deadline.Sub(f.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WaitForTimers blocks until at least n timers are pending. Tests call
// it before Advance so a goroutine has registered its wait.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}
