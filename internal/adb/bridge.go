// Package adb is the device-bridge collaborator: it lists attached
// devices, reads their properties, runs shell commands, pushes files,
// watches connection state and opens raw services on a device through
// the adb server.
package adb

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// ErrDeviceUnreachable wraps every failure to talk to the adb server or a
// device through it.
var ErrDeviceUnreachable = errors.New("device unreachable")

// State is a device connection state as reported to clients.
type State string

const (
	StateDevice       State = "device"
	StateOffline      State = "offline"
	StateUnauthorized State = "unauthorized"
	StateDisconnected State = "disconnected"
	StateUnknown      State = "unknown"
)

// DeviceInfo is one entry of the attached-device listing.
type DeviceInfo struct {
	Serial  string
	State   State
	Model   string
	Product string
}

// DeviceEvent is a connection state change of one device.
type DeviceEvent struct {
	Serial   string
	OldState State
	NewState State
}

// DeviceWatch delivers DeviceEvents until the upstream stream fails or
// Close is called. C is closed in both cases; Err reports the failure, if
// any. Close is idempotent.
type DeviceWatch interface {
	C() <-chan DeviceEvent
	Err() error
	Close()
}

// DirEntry is a file on a device.
type DirEntry struct {
	Name       string      `json:"name"`
	Mode       os.FileMode `json:"mode"`
	Size       int64       `json:"size"`
	ModifiedAt time.Time   `json:"modifiedAt"`
	IsDir      bool        `json:"isDir"`
}

// Bridge is the capability set the fleet components need from the
// device bridge.
type Bridge interface {
	ListDevices(ctx context.Context) ([]DeviceInfo, error)
	Properties(ctx context.Context, serial string) (map[string]string, error)
	Shell(ctx context.Context, serial, command string) (string, error)
	Stat(ctx context.Context, serial, path string) (*DirEntry, error)
	Push(ctx context.Context, serial, localPath, remotePath string, mode os.FileMode) error
	ListDir(ctx context.Context, serial, path string) ([]DirEntry, error)
	Track(ctx context.Context) (DeviceWatch, error)
	// OpenService connects to a device-side service such as "tcp:8886",
	// "localabstract:name" or "shell:logcat".
	OpenService(ctx context.Context, serial, service string) (net.Conn, error)
}
