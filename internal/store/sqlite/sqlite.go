// Package sqlite is the single-file store backend used for development
// and small installs. Schema is applied on open; DDL is idempotent.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

// Open opens (or creates) the database at path and returns the three
// collaborator stores backed by it. Pass ":memory:" for tests.
func Open(path string) (store.Stores, *sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return store.Stores{}, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return store.Stores{}, nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	slog.Info("sqlite store opened", "path", path)
	s := &Store{db: db}
	return store.Stores{Credentials: s, Devices: s, Events: s}, db, nil
}

func migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id    TEXT NOT NULL,
			provider   TEXT NOT NULL,
			blob       BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT NOT NULL,
			provider    TEXT NOT NULL,
			name        TEXT NOT NULL,
			external_id TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'offline',
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  INTEGER NOT NULL,
			UNIQUE (user_id, provider, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS device_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id  INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_user_provider ON devices(user_id, provider)`,
		`CREATE INDEX IF NOT EXISTS idx_device_events_device ON device_events(device_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Store implements all three collaborator interfaces on one handle.
type Store struct {
	db *sqlx.DB
}

func (s *Store) Upsert(ctx context.Context, userID, provider string, blob []byte) error {
	if err := store.ValidateUserID(userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, provider, blob, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		userID, provider, blob, time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) Find(ctx context.Context, userID, provider string) ([]byte, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		`SELECT blob FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return blob, err
}

func (s *Store) Create(ctx context.Context, d store.Device) (int64, error) {
	if err := store.ValidateUserID(d.UserID); err != nil {
		return 0, err
	}
	if len(d.Metadata) == 0 {
		d.Metadata = []byte(`{}`)
	}
	if d.Status == "" {
		d.Status = "offline"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (user_id, provider, name, external_id, status, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider, external_id) DO NOTHING`,
		d.UserID, d.Provider, d.Name, d.ExternalID, d.Status, string(d.Metadata), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.GetContext(ctx, &id,
		`SELECT id FROM devices WHERE user_id = ? AND provider = ? AND external_id = ?`,
		d.UserID, d.Provider, d.ExternalID)
	return id, err
}

func (s *Store) FindByProvider(ctx context.Context, userID, provider string) ([]store.Device, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, user_id, provider, name, external_id, status, metadata, created_at
		 FROM devices WHERE user_id = ? AND provider = ? ORDER BY id`,
		userID, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Device
	for rows.Next() {
		var (
			d        store.Device
			metadata string
			created  int64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.Provider, &d.Name, &d.ExternalID, &d.Status, &metadata, &created); err != nil {
			return nil, err
		}
		d.Metadata = []byte(metadata)
		d.CreatedAt = time.UnixMilli(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, deviceRowID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ? WHERE id = ?`, status, deviceRowID)
	return err
}

func (s *Store) Append(ctx context.Context, deviceRowID int64, eventType string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events (device_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		deviceRowID, eventType, string(payload), time.Now().UnixMilli(),
	)
	return err
}
