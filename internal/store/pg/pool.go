package pg

import (
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open connects to Postgres via the pgx stdlib driver and applies the
// schema. DDL is idempotent so repeated startups are safe.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	slog.Info("postgres connected")
	return db, nil
}

func migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id    VARCHAR(255) NOT NULL,
			provider   VARCHAR(32)  NOT NULL,
			blob       BYTEA        NOT NULL,
			updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id          BIGSERIAL PRIMARY KEY,
			user_id     VARCHAR(255) NOT NULL,
			provider    VARCHAR(32)  NOT NULL,
			name        TEXT         NOT NULL,
			external_id TEXT         NOT NULL,
			status      TEXT         NOT NULL DEFAULT 'offline',
			metadata    JSONB        NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
			UNIQUE (user_id, provider, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS device_events (
			id         BIGSERIAL PRIMARY KEY,
			device_id  BIGINT      NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			event_type VARCHAR(64) NOT NULL,
			payload    JSONB       NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
