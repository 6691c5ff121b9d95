// Package store defines the persistence interface for the server.
// All implementations satisfy the Store interface, allowing the server to
// swap backends without changing business logic.
package store

import (
	"context"
	"time"

	"github.com/avaropoint/devmirror/internal/adb"
)

// Store is the persistence interface for devices and API keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// Devices seen by the fleet tracker.
	UpsertDevice(ctx context.Context, d *DeviceRecord) error
	MarkDisconnected(ctx context.Context, udid string, at time.Time) error
	GetDevice(ctx context.Context, udid string) (*DeviceRecord, error)
	ListDevices(ctx context.Context) ([]*DeviceRecord, error)
	DeleteDevice(ctx context.Context, udid string) error

	// API keys.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Close releases database resources.
	Close() error
}

// StateDisconnected is stored for devices that left the fleet.
const StateDisconnected = string(adb.StateDisconnected)

// DeviceRecord is the persistent record of a device. FirstSeen is kept
// from the first insert.
type DeviceRecord struct {
	UDID         string    `json:"udid"`
	State        string    `json:"state"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	Release      string    `json:"release"`
	SDK          string    `json:"sdk"`
	ABI          string    `json:"abi"`
	AgentPID     int       `json:"agent_pid"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// APIKey grants access to the HTTP and WebSocket APIs.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Prefix    string     `json:"prefix"` // first 12 chars for identification
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
