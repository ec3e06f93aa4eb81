// Package store defines the durable-storage collaborators the connectors
// write through: encrypted credentials, mirrored device rows, and the
// device event log. Backends live in the pg and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// MaxUserIDLength matches the VARCHAR(255) column constraint.
const MaxUserIDLength = 255

// ValidateUserID checks that a user identifier fits the schema.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user identifier is empty")
	}
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("user identifier too long: %d chars (max %d)", len(id), MaxUserIDLength)
	}
	return nil
}

// Device is a mirrored device row. ExternalID is the vendor's device id
// (duid for the vacuum vendor, camera id for the doorbell vendor) and is
// unique per (UserID, Provider).
type Device struct {
	ID         int64     `db:"id"`
	UserID     string    `db:"user_id"`
	Provider   string    `db:"provider"`
	Name       string    `db:"name"`
	ExternalID string    `db:"external_id"`
	Status     string    `db:"status"`
	Metadata   []byte    `db:"metadata"` // vendor-specific JSON, opaque here
	CreatedAt  time.Time `db:"created_at"`
}

// CredentialStore persists vault-encrypted vendor session blobs, one row
// per (user, provider). Rows are only removed by explicit user revocation,
// which is handled outside this layer.
type CredentialStore interface {
	Upsert(ctx context.Context, userID, provider string, blob []byte) error
	Find(ctx context.Context, userID, provider string) ([]byte, error)
}

// DeviceStore mirrors discovered devices. Create is a no-op for a device
// already known under the same (user, provider, external id).
type DeviceStore interface {
	Create(ctx context.Context, d Device) (int64, error)
	FindByProvider(ctx context.Context, userID, provider string) ([]Device, error)
	UpdateStatus(ctx context.Context, deviceRowID int64, status string) error
}

// EventStore appends device activity records (motion, ding, ...).
type EventStore interface {
	Append(ctx context.Context, deviceRowID int64, eventType string, payload []byte) error
}

// Stores bundles the three collaborators for injection.
type Stores struct {
	Credentials CredentialStore
	Devices     DeviceStore
	Events      EventStore
}
