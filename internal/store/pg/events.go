package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventStore implements store.EventStore on Postgres.
type EventStore struct {
	db *sqlx.DB
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Append(ctx context.Context, deviceRowID int64, eventType string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events (device_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		deviceRowID, eventType, payload, time.Now(),
	)
	return err
}
