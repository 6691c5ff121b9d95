// Package adbtest provides an in-memory adb.Bridge for tests.
package adbtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/avaropoint/devmirror/internal/adb"
)

// Device is the simulated state of one attached device.
type Device struct {
	Serial     string
	State      adb.State
	Model      string
	Props      map[string]string
	Interfaces []adb.NetInterface
	// Procs maps pid to argv.
	Procs map[int][]string
	// Files maps remote path to size.
	Files map[string]int64
	Dirs  map[string][]adb.DirEntry
}

// Bridge is a concurrency-safe fake adb.Bridge.
type Bridge struct {
	mu       sync.Mutex
	devices  map[string]*Device
	commands []string
	pushes   int
	gates    map[string]chan struct{}
	nextPID  int

	// OnSpawn runs when a shell command launches a background process.
	// It is called without the bridge lock held.
	OnSpawn func(serial, command string)
	// TrackErr, when non-nil, is returned by the next TrackFailures
	// calls to Track.
	TrackErr      error
	TrackFailures int
	// OnProperties, when set, runs at the start of every Properties call
	// without the bridge lock held. A non-nil result fails the call.
	OnProperties func(serial string) error
	// DialService serves OpenService.
	DialService func(ctx context.Context, serial, service string) (net.Conn, error)

	// Tracked receives every watch handed out by Track.
	Tracked chan *Watch
}

// NewBridge returns an empty fake.
func NewBridge() *Bridge {
	return &Bridge{
		devices: make(map[string]*Device),
		gates:   make(map[string]chan struct{}),
		nextPID: 1000,
		Tracked: make(chan *Watch, 16),
	}
}

// AddDevice attaches d, filling nil maps.
func (b *Bridge) AddDevice(d *Device) {
	if d.Props == nil {
		d.Props = make(map[string]string)
	}
	if d.Procs == nil {
		d.Procs = make(map[int][]string)
	}
	if d.Files == nil {
		d.Files = make(map[string]int64)
	}
	if d.State == "" {
		d.State = adb.StateDevice
	}
	b.mu.Lock()
	b.devices[d.Serial] = d
	b.mu.Unlock()
}

// RemoveDevice detaches a device.
func (b *Bridge) RemoveDevice(serial string) {
	b.mu.Lock()
	delete(b.devices, serial)
	b.mu.Unlock()
}

// Update runs fn on a device under the bridge lock.
func (b *Bridge) Update(serial string, fn func(d *Device)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[serial]; ok {
		fn(d)
	}
}

// StartProcess adds a process to a device and returns its pid.
func (b *Bridge) StartProcess(serial string, argv ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPID++
	if d, ok := b.devices[serial]; ok {
		d.Procs[b.nextPID] = argv
	}
	return b.nextPID
}

// Gate makes Properties for serial block until the returned function is
// called.
func (b *Bridge) Gate(serial string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[serial] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Commands returns every shell command run so far as "serial: command".
func (b *Bridge) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// Pushes returns the number of completed pushes.
func (b *Bridge) Pushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushes
}

func (b *Bridge) lookup(serial string) (*Device, error) {
	d, ok := b.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: device %q not found", adb.ErrDeviceUnreachable, serial)
	}
	return d, nil
}

func (b *Bridge) ListDevices(ctx context.Context) ([]adb.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []adb.DeviceInfo
	for _, d := range b.devices {
		out = append(out, adb.DeviceInfo{Serial: d.Serial, State: d.State, Model: d.Model})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (b *Bridge) Properties(ctx context.Context, serial string) (map[string]string, error) {
	if b.OnProperties != nil {
		if err := b.OnProperties(serial); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	gate := b.gates[serial]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(serial)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string, len(d.Props))
	for k, v := range d.Props {
		props[k] = v
	}
	return props, nil
}

func (b *Bridge) Shell(ctx context.Context, serial, command string) (string, error) {
	b.mu.Lock()
	b.commands = append(b.commands, serial+": "+command)
	d, err := b.lookup(serial)
	if err != nil {
		b.mu.Unlock()
		return "", err
	}

	if strings.HasSuffix(command, "&") {
		hook := b.OnSpawn
		b.mu.Unlock()
		if hook != nil {
			hook(serial, command)
		}
		return "", nil
	}
	defer b.mu.Unlock()

	fields := strings.Fields(command)
	switch {
	case command == adb.InterfacesCommand:
		var sb strings.Builder
		for i, iface := range d.Interfaces {
			fmt.Fprintf(&sb, "%d: %s    inet %s/24 scope global %s\n", i+2, iface.Name, iface.IPv4, iface.Name)
		}
		return sb.String(), nil
	case len(fields) == 2 && fields[0] == "pidof":
		var pids []int
		for pid, argv := range d.Procs {
			if len(argv) > 0 && argv[0] == fields[1] {
				pids = append(pids, pid)
			}
		}
		sort.Ints(pids)
		parts := make([]string, len(pids))
		for i, pid := range pids {
			parts[i] = strconv.Itoa(pid)
		}
		return strings.Join(parts, " ") + "\n", nil
	case len(fields) == 2 && fields[0] == "cat" && strings.HasPrefix(fields[1], "/proc/"):
		pid, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fields[1], "/proc/"), "/cmdline"))
		argv, ok := d.Procs[pid]
		if !ok {
			return "", nil
		}
		return strings.Join(argv, "\x00") + "\x00", nil
	case len(fields) == 2 && fields[0] == "kill":
		pid, _ := strconv.Atoi(fields[1])
		delete(d.Procs, pid)
		return "", nil
	}
	return "", nil
}

func (b *Bridge) Stat(ctx context.Context, serial, path string) (*adb.DirEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(serial)
	if err != nil {
		return nil, err
	}
	size, ok := d.Files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such file", adb.ErrDeviceUnreachable, path)
	}
	return &adb.DirEntry{Name: path, Size: size}, nil
}

func (b *Bridge) Push(ctx context.Context, serial, localPath, remotePath string, mode os.FileMode) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(serial)
	if err != nil {
		return err
	}
	d.Files[remotePath] = info.Size()
	b.pushes++
	return nil
}

func (b *Bridge) ListDir(ctx context.Context, serial, path string) ([]adb.DirEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.lookup(serial)
	if err != nil {
		return nil, err
	}
	entries, ok := d.Dirs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such directory", adb.ErrDeviceUnreachable, path)
	}
	return append([]adb.DirEntry(nil), entries...), nil
}

func (b *Bridge) Track(ctx context.Context) (adb.DeviceWatch, error) {
	b.mu.Lock()
	if b.TrackFailures > 0 {
		b.TrackFailures--
		err := b.TrackErr
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	w := &Watch{events: make(chan adb.DeviceEvent, 64)}
	b.Tracked <- w
	return w, nil
}

func (b *Bridge) OpenService(ctx context.Context, serial, service string) (net.Conn, error) {
	if b.DialService == nil {
		return nil, fmt.Errorf("%w: no service %q", adb.ErrDeviceUnreachable, service)
	}
	return b.DialService(ctx, serial, service)
}

// ErrWatchFailed is what a Watch reports after Fail.
var ErrWatchFailed = errors.New("tracking stream failed")

// Watch is a fake adb.DeviceWatch driven by the test.
type Watch struct {
	mu     sync.Mutex
	events chan adb.DeviceEvent
	closed bool
	err    error
}

// Emit delivers an event unless the watch has ended.
func (w *Watch) Emit(ev adb.DeviceEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.events <- ev
	}
}

// Fail ends the watch with ErrWatchFailed.
func (w *Watch) Fail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.err = ErrWatchFailed
		close(w.events)
	}
}

// Closed reports whether the watch ended.
func (w *Watch) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watch) C() <-chan adb.DeviceEvent { return w.events }

func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watch) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
}
