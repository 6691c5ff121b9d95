package adb

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	goadb "github.com/zach-klippenstein/goadb"
	"go.uber.org/zap"
)

// Default adb server endpoint.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 5037
)

// GoADB implements Bridge on top of the goadb client library.
type GoADB struct {
	client *goadb.Adb
	addr   string
	log    *zap.Logger
}

// NewGoADB connects to the adb server at host:port. Empty host and zero
// port select the defaults.
func NewGoADB(host string, port int, log *zap.Logger) (*GoADB, error) {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := goadb.NewWithConfig(goadb.ServerConfig{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	return &GoADB{
		client: client,
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		log:    log,
	}, nil
}

// ServerVersion returns the adb server protocol version.
func (g *GoADB) ServerVersion(ctx context.Context) (int, error) {
	return call(ctx, g.client.ServerVersion)
}

// call runs a blocking goadb operation, giving up when ctx is done. The
// operation itself keeps running until goadb returns.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.v, fmt.Errorf("%w: %v", ErrDeviceUnreachable, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (g *GoADB) device(serial string) *goadb.Device {
	return g.client.Device(goadb.DeviceWithSerial(serial))
}

func (g *GoADB) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	return call(ctx, func() ([]DeviceInfo, error) {
		infos, err := g.client.ListDevices()
		if err != nil {
			return nil, err
		}
		devices := make([]DeviceInfo, 0, len(infos))
		for _, info := range infos {
			state, err := g.device(info.Serial).State()
			if err != nil {
				state = goadb.StateInvalid
			}
			devices = append(devices, DeviceInfo{
				Serial:  info.Serial,
				State:   ConvertState(state),
				Model:   info.Model,
				Product: info.Product,
			})
		}
		return devices, nil
	})
}

func (g *GoADB) Shell(ctx context.Context, serial, command string) (string, error) {
	return call(ctx, func() (string, error) {
		return g.device(serial).RunCommand(command)
	})
}

func (g *GoADB) Properties(ctx context.Context, serial string) (map[string]string, error) {
	out, err := g.Shell(ctx, serial, "getprop")
	if err != nil {
		return nil, err
	}
	return ParseProperties(out), nil
}

func (g *GoADB) Stat(ctx context.Context, serial, path string) (*DirEntry, error) {
	entry, err := call(ctx, func() (*goadb.DirEntry, error) {
		return g.device(serial).Stat(path)
	})
	if err != nil {
		return nil, err
	}
	e := convertEntry(entry)
	return &e, nil
}

func (g *GoADB) Push(ctx context.Context, serial, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	_, err = call(ctx, func() (int64, error) {
		dst, err := g.device(serial).OpenWrite(remotePath, mode, info.ModTime())
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return n, err
	})
	if err != nil {
		return fmt.Errorf("push %s to %s:%s: %w", localPath, serial, remotePath, err)
	}
	g.log.Debug("pushed file", zap.String("udid", serial), zap.String("path", remotePath), zap.Int64("size", info.Size()))
	return nil
}

func (g *GoADB) ListDir(ctx context.Context, serial, path string) ([]DirEntry, error) {
	return call(ctx, func() ([]DirEntry, error) {
		entries, err := g.device(serial).ListDirEntries(path)
		if err != nil {
			return nil, err
		}
		defer entries.Close()

		var out []DirEntry
		for entries.Next() {
			e := entries.Entry()
			if e.Name == "." || e.Name == ".." {
				continue
			}
			out = append(out, convertEntry(e))
		}
		return out, entries.Err()
	})
}

func convertEntry(e *goadb.DirEntry) DirEntry {
	return DirEntry{
		Name:       e.Name,
		Mode:       e.Mode,
		Size:       int64(e.Size),
		ModifiedAt: e.ModifiedAt,
		IsDir:      e.Mode.IsDir(),
	}
}

func (g *GoADB) Track(ctx context.Context) (DeviceWatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &deviceWatch{
		watcher: g.client.NewDeviceWatcher(),
		events:  make(chan DeviceEvent),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

type deviceWatch struct {
	watcher *goadb.DeviceWatcher
	events  chan DeviceEvent
	done    chan struct{}
	once    sync.Once
}

func (w *deviceWatch) run() {
	defer close(w.events)
	upstream := w.watcher.C()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-upstream:
			if !ok {
				return
			}
			select {
			case w.events <- DeviceEvent{
				Serial:   ev.Serial,
				OldState: ConvertState(ev.OldState),
				NewState: ConvertState(ev.NewState),
			}:
			case <-w.done:
				return
			}
		}
	}
}

func (w *deviceWatch) C() <-chan DeviceEvent { return w.events }

func (w *deviceWatch) Err() error {
	if err := w.watcher.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	return nil
}

func (w *deviceWatch) Close() {
	w.once.Do(func() {
		close(w.done)
		w.watcher.Shutdown()
	})
}

// ConvertState maps a goadb state to the state reported to clients.
func ConvertState(state goadb.DeviceState) State {
	switch state {
	case goadb.StateOnline:
		return StateDevice
	case goadb.StateOffline:
		return StateOffline
	case goadb.StateUnauthorized:
		return StateUnauthorized
	case goadb.StateDisconnected:
		return StateDisconnected
	default:
		return StateUnknown
	}
}

func (g *GoADB) OpenService(ctx context.Context, serial, service string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(serviceSetupTimeout))
	}
	if err := openService(conn, serial, service); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
