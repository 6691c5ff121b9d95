package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/adb/adbtest"
	"github.com/avaropoint/devmirror/internal/clock"
	"github.com/avaropoint/devmirror/internal/supervisor"
)

type stubAgents struct {
	pid   int
	err   error
	calls chan string
}

func (s *stubAgents) Ensure(ctx context.Context, serial string) (*supervisor.AgentProcess, error) {
	if s.calls != nil {
		s.calls <- serial
	}
	if s.err != nil {
		return nil, s.err
	}
	return &supervisor.AgentProcess{UDID: serial, PIDs: []int{s.pid}, Compatible: true}, nil
}

type harness struct {
	t       *testing.T
	bridge  *adbtest.Bridge
	clock   *clock.Fake
	tracker *Tracker
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, agents AgentManager) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		bridge: adbtest.NewBridge(),
		clock:  clock.NewFake(time.Unix(1_700_000_000, 0)),
		done:   make(chan error, 1),
	}
	h.tracker = NewTracker(h.bridge, agents, Options{Clock: h.clock})
	return h
}

func (h *harness) start() *adbtest.Watch {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.tracker.Run(ctx) }()
	h.t.Cleanup(h.stop)
	return h.nextWatch()
}

func (h *harness) nextWatch() *adbtest.Watch {
	select {
	case w := <-h.bridge.Tracked:
		return w
	case <-time.After(5 * time.Second):
		h.t.Fatal("tracker never subscribed")
		return nil
	}
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Error("tracker did not stop")
	}
}

// await reads updates, advancing the fake clock past throttle windows,
// until cond holds for one of them.
func (h *harness) await(sub *Subscription, cond func(Update) bool) Update {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-sub.C():
			if !ok {
				h.t.Fatal("subscription closed")
			}
			if cond(u) {
				return u
			}
		case <-time.After(10 * time.Millisecond):
			if h.clock.Pending() > 0 {
				h.clock.Advance(NotifyInterval)
			}
		case <-deadline:
			h.t.Fatal("condition not reached")
		}
	}
}

func hasDevice(udid string) func(Update) bool {
	return func(u Update) bool {
		for _, d := range u.Devices {
			if d.UDID == udid {
				return true
			}
		}
		return false
	}
}

func device(serial string) *adbtest.Device {
	return &adbtest.Device{
		Serial: serial,
		Props: map[string]string{
			PropManufacturer: "Google",
			PropModel:        "Pixel " + serial,
			PropSDK:          "34",
			PropWifi:         "wlan0",
		},
		Interfaces: []adb.NetInterface{{Name: "wlan0", IPv4: "192.168.1.10"}},
	}
}

func TestTrackerResolvesAttachedDevices(t *testing.T) {
	h := newHarness(t, &stubAgents{pid: 777})
	h.bridge.AddDevice(device("A"))
	h.bridge.AddDevice(device("B"))
	sub := h.tracker.Subscribe()

	h.start()
	u := h.await(sub, func(u Update) bool { return len(u.Devices) == 2 })

	a := u.Devices[0]
	if a.UDID != "A" || a.Model != "Pixel A" || a.PID != 777 || a.State != adb.StateDevice {
		t.Errorf("descriptor A = %+v", a)
	}
	if len(a.Interfaces) != 1 || a.Interfaces[0].IPv4 != "192.168.1.10" {
		t.Errorf("interfaces = %+v", a.Interfaces)
	}
	if h.tracker.State() != StateTracking {
		t.Errorf("state = %v", h.tracker.State())
	}
}

func TestTrackerHandlesEvents(t *testing.T) {
	h := newHarness(t, &stubAgents{pid: 1})
	sub := h.tracker.Subscribe()
	watch := h.start()

	h.bridge.AddDevice(device("A"))
	h.bridge.Update("A", func(d *adbtest.Device) { d.State = adb.StateUnauthorized })
	watch.Emit(adb.DeviceEvent{Serial: "A", OldState: adb.StateDisconnected, NewState: adb.StateUnauthorized})
	u := h.await(sub, hasDevice("A"))
	if d, _ := h.tracker.Device("A"); d.State != adb.StateUnauthorized || d.PID != -1 {
		t.Errorf("unauthorized descriptor = %+v", d)
	}
	if !slices.Contains(u.Changed, "A") {
		t.Errorf("Changed = %v", u.Changed)
	}

	watch.Emit(adb.DeviceEvent{Serial: "A", OldState: adb.StateUnauthorized, NewState: adb.StateDevice})
	h.await(sub, func(u Update) bool {
		return len(u.Devices) == 1 && u.Devices[0].State == adb.StateDevice && u.Devices[0].PID == 1
	})

	watch.Emit(adb.DeviceEvent{Serial: "A", OldState: adb.StateDevice, NewState: adb.StateDisconnected})
	u = h.await(sub, func(u Update) bool { return len(u.Devices) == 0 })
	if !slices.Contains(u.Removed, "A") {
		t.Errorf("Removed = %v", u.Removed)
	}
}

func TestTrackerAgentFailureReportsNoPID(t *testing.T) {
	h := newHarness(t, &stubAgents{err: supervisor.ErrAgentStartFailed})
	h.bridge.AddDevice(device("A"))
	sub := h.tracker.Subscribe()
	h.start()

	u := h.await(sub, hasDevice("A"))
	if u.Devices[0].PID != -1 || u.Devices[0].Model != "Pixel A" {
		t.Errorf("descriptor = %+v", u.Devices[0])
	}
}

func TestTrackerStalledDeviceDoesNotBlockOthers(t *testing.T) {
	agents := &stubAgents{pid: 5, calls: make(chan string, 8)}
	h := newHarness(t, agents)
	release := h.bridge.Gate("slow")
	defer release()
	h.bridge.AddDevice(device("slow"))
	h.bridge.AddDevice(device("fast"))
	sub := h.tracker.Subscribe()
	watch := h.start()

	u := h.await(sub, hasDevice("fast"))
	if hasDevice("slow")(u) {
		t.Fatal("gated device resolved")
	}
	if got := <-agents.calls; got != "fast" {
		t.Fatalf("agent ensured for %q", got)
	}

	// Removing the stalled device invalidates its in-flight resolution.
	watch.Emit(adb.DeviceEvent{Serial: "slow", OldState: adb.StateDevice, NewState: adb.StateDisconnected})
	release()
	select {
	case got := <-agents.calls:
		if got != "slow" {
			t.Fatalf("agent ensured for %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stalled resolution never finished")
	}
	h.stop()

	if _, ok := h.tracker.Device("slow"); ok {
		t.Error("resolution finishing after removal re-added the device")
	}
	if _, ok := h.tracker.Device("fast"); !ok {
		t.Error("fast device missing")
	}
}

func TestTrackerRefreshOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, &stubAgents{pid: 9})
	release := h.bridge.Gate("A")
	defer release()
	entered := make(chan struct{}, 8)
	h.bridge.OnProperties = func(string) error {
		entered <- struct{}{}
		return nil
	}
	h.bridge.AddDevice(device("A"))
	sub := h.tracker.Subscribe()
	h.start()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.tracker.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	<-entered
	cancel()
	release()

	u := h.await(sub, hasDevice("A"))
	if d := u.Devices[0]; d.PID != 9 || d.Model != "Pixel A" {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestTrackerFailedResolutionKeepsEarlierResult(t *testing.T) {
	h := newHarness(t, &stubAgents{pid: 3})
	release := h.bridge.Gate("A")
	defer release()
	entered := make(chan struct{}, 8)
	var calls atomic.Int32
	h.bridge.OnProperties = func(string) error {
		entered <- struct{}{}
		if calls.Add(1) == 2 {
			return fmt.Errorf("%w: transport reset", adb.ErrDeviceUnreachable)
		}
		return nil
	}
	h.bridge.AddDevice(device("A"))
	sub := h.tracker.Subscribe()
	h.start()
	<-entered

	// The second resolution fails while the first is still in flight.
	if err := h.tracker.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-entered
	release()

	u := h.await(sub, hasDevice("A"))
	if d := u.Devices[0]; d.PID != 3 || d.State != adb.StateDevice {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestTrackerRetriesFailedResolution(t *testing.T) {
	h := newHarness(t, &stubAgents{pid: 4})
	var calls atomic.Int32
	h.bridge.OnProperties = func(string) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("%w: offline", adb.ErrDeviceUnreachable)
		}
		return nil
	}
	h.bridge.AddDevice(device("A"))
	sub := h.tracker.Subscribe()
	h.start()

	h.clock.WaitForTimers(1)
	if got := h.clock.PendingDurations(); len(got) != 1 || got[0] != InitialBackoff {
		t.Fatalf("retry delays = %v", got)
	}
	h.clock.Advance(InitialBackoff)
	h.await(sub, hasDevice("A"))
	if n := calls.Load(); n != 2 {
		t.Errorf("Properties called %d times", n)
	}
}

func TestTrackerForgetsRemovedDevices(t *testing.T) {
	h := newHarness(t, &stubAgents{pid: 1})
	sub := h.tracker.Subscribe()
	watch := h.start()

	for i := 0; i < 3; i++ {
		h.bridge.AddDevice(device("A"))
		watch.Emit(adb.DeviceEvent{Serial: "A", OldState: adb.StateDisconnected, NewState: adb.StateDevice})
		h.await(sub, hasDevice("A"))
		h.bridge.RemoveDevice("A")
		watch.Emit(adb.DeviceEvent{Serial: "A", OldState: adb.StateDevice, NewState: adb.StateDisconnected})
		h.await(sub, func(u Update) bool { return len(u.Devices) == 0 })
	}

	h.tracker.mu.Lock()
	n := len(h.tracker.devices)
	h.tracker.mu.Unlock()
	if n != 0 {
		t.Errorf("%d devices still tracked after removal", n)
	}
}

func TestTrackerBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.bridge.TrackErr = errors.New("adb server down")
	h.bridge.TrackFailures = 3

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.tracker.Run(ctx) }()
	t.Cleanup(h.stop)

	for _, want := range []time.Duration{1000, 1200, 1440} {
		h.clock.WaitForTimers(1)
		got := h.clock.PendingDurations()
		if len(got) != 1 || got[0] != want*time.Millisecond {
			t.Fatalf("pending delays = %v, want [%v]", got, want*time.Millisecond)
		}
		if s := h.tracker.State(); s != StateConnecting {
			t.Errorf("state while waiting = %v", s)
		}
		h.clock.Advance(want * time.Millisecond)
	}

	watch := h.nextWatch()
	watch.Fail()

	// Tracking succeeded in between, so the delay starts over.
	h.clock.WaitForTimers(1)
	if got := h.clock.PendingDurations(); len(got) != 1 || got[0] != InitialBackoff {
		t.Fatalf("delay after a successful subscription = %v", got)
	}
	h.clock.Advance(InitialBackoff)
	if w := h.nextWatch(); w.Closed() {
		t.Error("new watch already closed")
	}
}

func TestSubscriptionClose(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.tracker.Subscribe()
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Error("closed subscription delivered an update")
	}

	live := h.tracker.Subscribe()
	h.start()
	h.stop()
	if _, ok := <-live.C(); ok {
		t.Error("subscription still open after the tracker stopped")
	}
	live.Close()

	late := h.tracker.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("subscription to a stopped tracker should be closed")
	}
}
