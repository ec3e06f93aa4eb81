package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

// DeviceStore implements store.DeviceStore on Postgres.
type DeviceStore struct {
	db *sqlx.DB
}

func NewDeviceStore(db *sqlx.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// Create inserts the device if it is not already known. Re-discovering an
// existing device returns its row id without modifying it.
func (s *DeviceStore) Create(ctx context.Context, d store.Device) (int64, error) {
	if err := store.ValidateUserID(d.UserID); err != nil {
		return 0, err
	}
	if len(d.Metadata) == 0 {
		d.Metadata = []byte(`{}`)
	}
	if d.Status == "" {
		d.Status = "offline"
	}

	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO devices (user_id, provider, name, external_id, status, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, provider, external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		 RETURNING id`,
		d.UserID, d.Provider, d.Name, d.ExternalID, d.Status, d.Metadata, time.Now(),
	)
	return id, err
}

func (s *DeviceStore) FindByProvider(ctx context.Context, userID, provider string) ([]store.Device, error) {
	var rows []store.Device
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, provider, name, external_id, status, metadata, created_at
		 FROM devices WHERE user_id = $1 AND provider = $2 ORDER BY id`,
		userID, provider)
	return rows, err
}

func (s *DeviceStore) UpdateStatus(ctx context.Context, deviceRowID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = $1 WHERE id = $2`, status, deviceRowID)
	return err
}
