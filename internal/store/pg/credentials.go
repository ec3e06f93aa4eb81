package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

// CredentialStore implements store.CredentialStore on Postgres. Blobs are
// already vault-encrypted; this layer treats them as opaque bytes.
type CredentialStore struct {
	db *sqlx.DB
}

func NewCredentialStore(db *sqlx.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) Upsert(ctx context.Context, userID, provider string, blob []byte) error {
	if err := store.ValidateUserID(userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, provider, blob, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, provider) DO UPDATE SET blob = $3, updated_at = $4`,
		userID, provider, blob, time.Now(),
	)
	return err
}

func (s *CredentialStore) Find(ctx context.Context, userID, provider string) ([]byte, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		`SELECT blob FROM credentials WHERE user_id = $1 AND provider = $2`, userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return blob, err
}
