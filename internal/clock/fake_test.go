package clock

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncOrder(t *testing.T) {
	c := NewFake(epoch)
	var got []int
	c.AfterFunc(300*time.Millisecond, func() { got = append(got, 3) })
	c.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	stopped := c.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })
	if !stopped.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if stopped.Stop() {
		t.Fatal("second Stop returned true")
	}

	c.Advance(250 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("after 250ms got %v", got)
	}
	c.Advance(50 * time.Millisecond)
	if len(got) != 2 || got[1] != 3 {
		t.Fatalf("after 300ms got %v", got)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d", c.Pending())
	}
	if !c.Now().Equal(epoch.Add(300 * time.Millisecond)) {
		t.Errorf("Now() = %v", c.Now())
	}
}

func TestFakeCallbackSchedulesWithinWindow(t *testing.T) {
	c := NewFake(epoch)
	fired := 0
	c.AfterFunc(10*time.Millisecond, func() {
		fired++
		c.AfterFunc(10*time.Millisecond, func() { fired++ })
	})
	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d; nested timer deadline is relative to the advanced time", fired)
	}
	c.Advance(10 * time.Millisecond)
	if fired != 2 {
		t.Errorf("fired = %d after second advance", fired)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	c := NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, c, time.Hour) }()

	c.WaitForTimers(1)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Sleep err = %v", err)
	}

	go func() { done <- Sleep(context.Background(), c, time.Second) }()
	c.WaitForTimers(2)
	c.Advance(time.Second)
	if err := <-done; err != nil {
		t.Errorf("Sleep err = %v", err)
	}
}
