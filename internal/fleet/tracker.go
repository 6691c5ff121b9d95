package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/clock"
	"github.com/avaropoint/devmirror/internal/supervisor"
)

// State is the tracker's upstream connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTracking:
		return "tracking"
	default:
		return "disconnected"
	}
}

// AgentManager starts or finds the agent on a device.
type AgentManager interface {
	Ensure(ctx context.Context, serial string) (*supervisor.AgentProcess, error)
}

// Update is delivered to subscribers after the cache changed. Devices is
// the full snapshot at delivery time; Changed and Removed list the UDIDs
// touched since the previous update.
type Update struct {
	Devices []DeviceDescriptor
	Changed []string
	Removed []string
	At      time.Time
}

// Options tune a Tracker. Zero values select the defaults.
type Options struct {
	Clock          clock.Clock
	Logger         *zap.Logger
	NotifyInterval time.Duration
	InitialBackoff time.Duration
	BackoffFactor  float64
	// ResolveTimeout bounds one device resolution, agent start included.
	ResolveTimeout time.Duration
}

// Tracker follows device connection events, resolves devices into
// descriptors and fans out updates. Each device resolves on its own
// goroutine so a stalled device never delays the others.
type Tracker struct {
	bridge  adb.Bridge
	agents  AgentManager
	clock   clock.Clock
	log     *zap.Logger
	cache   *Cache
	notify  *throttle
	backoff *Backoff
	timeout time.Duration

	retryBase   time.Duration
	retryFactor float64

	// ctx bounds every resolution. It is cancelled when Run returns, so
	// resolutions never depend on the context of whoever asked for them.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	seq     uint64
	devices map[string]*resolution
	changed map[string]bool
	subs    map[*Subscription]struct{}
	closed  bool

	resolvers sync.WaitGroup
}

// resolution tracks the resolutions of one present device. Generations
// come from a tracker-wide sequence, so a device that leaves and returns
// never reuses one.
type resolution struct {
	gen       uint64 // newest dispatched
	failed    bool   // the newest resolution failed
	committed uint64 // generation of the cached descriptor
	// fallback is the newest successful result that was superseded before
	// it could be committed.
	fallback    *DeviceDescriptor
	fallbackGen uint64
}

// maxResolveRetries bounds the retries after a failed resolution.
const maxResolveRetries = 5

// NewTracker returns a tracker. agents may be nil, in which case no agent
// is started and every PID is -1.
func NewTracker(bridge adb.Bridge, agents AgentManager, opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NotifyInterval == 0 {
		opts.NotifyInterval = NotifyInterval
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = InitialBackoff
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = BackoffFactor
	}
	if opts.ResolveTimeout == 0 {
		opts.ResolveTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		bridge:      bridge,
		agents:      agents,
		clock:       opts.Clock,
		log:         opts.Logger.Named("fleet"),
		cache:       NewCache(),
		backoff:     NewBackoff(opts.InitialBackoff, opts.BackoffFactor),
		timeout:     opts.ResolveTimeout,
		retryBase:   opts.InitialBackoff,
		retryFactor: opts.BackoffFactor,
		ctx:         ctx,
		cancel:      cancel,
		devices:     make(map[string]*resolution),
		changed:     make(map[string]bool),
		subs:        make(map[*Subscription]struct{}),
	}
	t.notify = newThrottle(opts.Clock, opts.NotifyInterval, t.broadcast)
	return t
}

// State returns the current connection state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		t.log.Debug("tracker state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Snapshot returns all cached descriptors.
func (t *Tracker) Snapshot() []DeviceDescriptor { return t.cache.Snapshot() }

// Device returns one cached descriptor.
func (t *Tracker) Device(udid string) (DeviceDescriptor, bool) { return t.cache.Get(udid) }

// Run tracks devices until ctx is done. Upstream failures move the
// tracker back to connecting after a backoff delay; a successful
// subscription resets the delay. On return pending resolutions are
// cancelled and every subscription is closed.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.shutdown()

	for {
		t.setState(StateConnecting)
		watch, err := t.bridge.Track(ctx)
		if err == nil {
			t.setState(StateTracking)
			t.backoff.Reset()
			err = t.track(ctx, watch)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := t.backoff.Next()
		t.log.Warn("device tracking interrupted", zap.Error(err), zap.Duration("retry_in", delay))
		t.setState(StateConnecting)
		if err := clock.Sleep(ctx, t.clock, delay); err != nil {
			return err
		}
	}
}

// track consumes one watch until it ends.
func (t *Tracker) track(ctx context.Context, watch adb.DeviceWatch) error {
	defer watch.Close()

	if err := t.Refresh(ctx); err != nil {
		t.log.Warn("initial device listing failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watch.C():
			if !ok {
				if err := watch.Err(); err != nil {
					return err
				}
				return errors.New("device tracking stream ended")
			}
			t.handle(ev.Serial, ev.NewState)
		}
	}
}

// Refresh lists attached devices, resolves every one of them again and
// drops cached devices that are gone. ctx bounds only the listing; the
// resolutions it starts run until the tracker stops.
func (t *Tracker) Refresh(ctx context.Context) error {
	devices, err := t.bridge.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	present := make(map[string]bool, len(devices))
	for _, d := range devices {
		present[d.Serial] = true
		t.handle(d.Serial, d.State)
	}
	for _, udid := range t.cache.UDIDs() {
		if !present[udid] {
			t.handle(udid, adb.StateDisconnected)
		}
	}
	return nil
}

func (t *Tracker) handle(udid string, state adb.State) {
	t.dispatch(udid, state, 0, 0)
}

// dispatch starts a resolution of udid, or removes it when disconnected.
// A retry passes the generation it replaces and is skipped when anything
// newer happened to the device meanwhile.
func (t *Tracker) dispatch(udid string, state adb.State, retryOf uint64, attempt int) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	r := t.devices[udid]
	if retryOf != 0 && (r == nil || r.gen != retryOf) {
		t.mu.Unlock()
		return
	}
	if state == adb.StateDisconnected {
		delete(t.devices, udid)
		removed := t.cache.Delete(udid)
		if removed {
			t.changed[udid] = true
		}
		t.mu.Unlock()
		if removed {
			t.log.Info("device removed", zap.String("udid", udid))
			t.notify.Schedule()
		}
		return
	}
	if r == nil {
		r = &resolution{}
		t.devices[udid] = r
	}
	t.seq++
	gen := t.seq
	r.gen = gen
	r.failed = false
	t.resolvers.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.resolvers.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()
		d, err := t.resolve(ctx, udid, state)
		if err != nil {
			t.fail(udid, state, gen, attempt, err)
			return
		}
		t.commit(gen, d)
	}()
}

// resolve builds the descriptor of a device in the given state.
func (t *Tracker) resolve(ctx context.Context, udid string, state adb.State) (DeviceDescriptor, error) {
	d := NewDescriptor(udid, state)
	if prev, ok := t.cache.Get(udid); ok {
		d.Manufacturer, d.Model, d.Release = prev.Manufacturer, prev.Model, prev.Release
		d.SDK, d.ABI, d.WifiInterface = prev.SDK, prev.ABI, prev.WifiInterface
	}
	if state != adb.StateDevice {
		d.LastUpdate = t.clock.Now()
		return d, nil
	}

	props, err := t.bridge.Properties(ctx, udid)
	if err != nil {
		return d, err
	}
	d.ApplyProperties(props)

	if out, err := t.bridge.Shell(ctx, udid, adb.InterfacesCommand); err != nil {
		t.log.Debug("interface listing failed", zap.String("udid", udid), zap.Error(err))
	} else {
		d.Interfaces = adb.ParseInterfaces(out)
	}

	if t.agents != nil {
		agent, err := t.agents.Ensure(ctx, udid)
		switch {
		case err == nil:
			d.PID = agent.PID()
		case errors.Is(err, supervisor.ErrAgentStartFailed):
			t.log.Warn("agent did not start", zap.String("udid", udid), zap.Error(err))
		case ctx.Err() != nil:
			return d, err
		default:
			t.log.Warn("agent check failed", zap.String("udid", udid), zap.Error(err))
		}
	}
	d.LastUpdate = t.clock.Now()
	return d, nil
}

// commit stores a resolved descriptor. A result superseded by a newer
// resolution is kept as a fallback in case the newer one fails; results
// for removed devices are dropped.
func (t *Tracker) commit(gen uint64, d DeviceDescriptor) {
	t.mu.Lock()
	r := t.devices[d.UDID]
	switch {
	case r == nil || gen <= r.committed:
		t.mu.Unlock()
		t.log.Debug("dropping stale resolution", zap.String("udid", d.UDID))
		return
	case gen != r.gen && !r.failed:
		if gen > r.fallbackGen {
			r.fallback, r.fallbackGen = &d, gen
		}
		t.mu.Unlock()
		t.log.Debug("holding superseded resolution", zap.String("udid", d.UDID))
		return
	}
	changed := t.store(r, gen, d)
	t.mu.Unlock()
	if changed {
		t.log.Info("device updated", zap.String("udid", d.UDID), zap.String("state", string(d.State)), zap.Int("pid", d.PID))
		t.notify.Schedule()
	}
}

// store upserts d as generation gen. The caller holds t.mu.
func (t *Tracker) store(r *resolution, gen uint64, d DeviceDescriptor) bool {
	r.committed = gen
	if r.fallbackGen <= gen {
		r.fallback, r.fallbackGen = nil, 0
	}
	changed := t.cache.Upsert(d)
	if changed {
		t.changed[d.UDID] = true
	}
	return changed
}

// fail handles a failed resolution. When it was the newest one, the best
// earlier result is committed and the device is resolved again after a
// backoff delay, so a device never goes missing while it stays attached.
func (t *Tracker) fail(udid string, state adb.State, gen uint64, attempt int, err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	r := t.devices[udid]
	if t.closed || r == nil || r.gen != gen {
		t.mu.Unlock()
		t.log.Debug("superseded resolution failed", zap.String("udid", udid), zap.Error(err))
		return
	}
	r.failed = true
	changed := false
	if fb := r.fallback; fb != nil && r.fallbackGen > r.committed {
		changed = t.store(r, r.fallbackGen, *fb)
	}
	t.mu.Unlock()

	if changed {
		t.notify.Schedule()
	}
	if attempt >= maxResolveRetries {
		t.log.Warn("device resolution failed, giving up until the next event",
			zap.String("udid", udid), zap.Int("attempts", attempt+1), zap.Error(err))
		return
	}
	delay := t.retryDelay(attempt)
	t.log.Warn("device resolution failed", zap.String("udid", udid), zap.Error(err), zap.Duration("retry_in", delay))
	t.clock.AfterFunc(delay, func() { t.dispatch(udid, state, gen, attempt+1) })
}

func (t *Tracker) retryDelay(attempt int) time.Duration {
	b := NewBackoff(t.retryBase, t.retryFactor)
	d := b.Next()
	for i := 0; i < attempt; i++ {
		d = b.Next()
	}
	return d
}

func (t *Tracker) broadcast() {
	t.mu.Lock()
	var u Update
	for udid := range t.changed {
		if _, ok := t.cache.Get(udid); ok {
			u.Changed = append(u.Changed, udid)
		} else {
			u.Removed = append(u.Removed, udid)
		}
	}
	slices.Sort(u.Changed)
	slices.Sort(u.Removed)
	t.changed = make(map[string]bool)
	u.Devices = t.cache.Snapshot()
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	u.At = t.clock.Now()
	for _, s := range subs {
		s.deliver(u)
	}
}

// Subscribe registers for updates. The subscription ends when Close is
// called or the tracker stops.
func (t *Tracker) Subscribe() *Subscription {
	s := &Subscription{tracker: t, ch: make(chan Update, subscriptionBuffer)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		s.end()
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

func (t *Tracker) unsubscribe(s *Subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func (t *Tracker) shutdown() {
	t.setState(StateDisconnected)
	t.cancel()

	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = make(map[*Subscription]struct{})
	t.mu.Unlock()

	t.resolvers.Wait()
	t.notify.Stop()
	for s := range subs {
		s.end()
	}
}

const subscriptionBuffer = 16

// Subscription receives tracker updates on C. A subscriber that falls
// more than the buffer behind loses its oldest update.
type Subscription struct {
	tracker *Tracker

	mu     sync.Mutex
	ch     chan Update
	closed bool
}

// C returns the update channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Update { return s.ch }

func (s *Subscription) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- u:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Close detaches the subscription. Closing twice is a no-op.
func (s *Subscription) Close() {
	s.tracker.unsubscribe(s)
	s.end()
}
