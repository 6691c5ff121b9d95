package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		udid         TEXT PRIMARY KEY,
		state        TEXT NOT NULL,
		manufacturer TEXT NOT NULL DEFAULT '',
		model        TEXT NOT NULL DEFAULT '',
		os_release   TEXT NOT NULL DEFAULT '',
		sdk          TEXT NOT NULL DEFAULT '',
		abi          TEXT NOT NULL DEFAULT '',
		agent_pid    INTEGER NOT NULL DEFAULT -1,
		first_seen   TEXT NOT NULL,
		last_seen    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT UNIQUE NOT NULL,
		prefix     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used  TEXT
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Devices ---

const deviceColumns = `udid, state, manufacturer, model, os_release, sdk, abi, agent_pid, first_seen, last_seen`

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *DeviceRecord) error {
	firstSeen := d.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = d.LastSeen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(udid) DO UPDATE SET
			state = excluded.state,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			os_release = excluded.os_release,
			sdk = excluded.sdk,
			abi = excluded.abi,
			agent_pid = excluded.agent_pid,
			last_seen = excluded.last_seen`,
		d.UDID, d.State, d.Manufacturer, d.Model, d.Release, d.SDK, d.ABI, d.AgentPID,
		formatTime(firstSeen), formatTime(d.LastSeen))
	return err
}

func (s *SQLiteStore) MarkDisconnected(ctx context.Context, udid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET state = ?, agent_pid = -1, last_seen = ? WHERE udid = ?`,
		StateDisconnected, formatTime(at), udid)
	return err
}

func (s *SQLiteStore) GetDevice(ctx context.Context, udid string) (*DeviceRecord, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE udid = ?`, udid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY udid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var devices []*DeviceRecord
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, udid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE udid = ?`, udid)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*DeviceRecord, error) {
	var d DeviceRecord
	var first, last string
	if err := row.Scan(&d.UDID, &d.State, &d.Manufacturer, &d.Model, &d.Release, &d.SDK, &d.ABI,
		&d.AgentPID, &first, &last); err != nil {
		return nil, err
	}
	d.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
	d.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
	return &d, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, prefix, created_at, last_used`

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, prefix, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.Prefix, formatTime(k.CreatedAt))
	return err
}

// VerifyAPIKey returns the key with the given hash, or nil when none
// matches, and stamps its last use.
func (s *SQLiteStore) VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE id = ?`, formatTime(time.Now()), k.ID); err != nil {
		return k, fmt.Errorf("stamp key %s: %w", k.ID, err)
	}
	return k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

func scanAPIKey(row scanner) (*APIKey, error) {
	var k APIKey
	var created string
	var lastUsed sql.NullString
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		k.LastUsed = &t
	}
	return &k, nil
}
