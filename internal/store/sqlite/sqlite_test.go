package sqlite

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/hearth/internal/store"
)

func openTest(t *testing.T) store.Stores {
	t.Helper()
	stores, db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return stores
}

func TestCredentialUpsertFind(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.Credentials.Find(ctx, "u1", "ring"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("find before upsert: err = %v, want ErrNotFound", err)
	}

	if err := s.Credentials.Upsert(ctx, "u1", "ring", []byte("blob-v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Credentials.Upsert(ctx, "u1", "ring", []byte("blob-v2")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	blob, err := s.Credentials.Find(ctx, "u1", "ring")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !bytes.Equal(blob, []byte("blob-v2")) {
		t.Errorf("find returned %q, want rotated blob", blob)
	}

	// Other provider is untouched.
	if _, err := s.Credentials.Find(ctx, "u1", "roborock"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("find other provider: err = %v, want ErrNotFound", err)
	}
}

func TestDeviceCreateDedup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	d := store.Device{UserID: "u1", Provider: "roborock", Name: "S7", ExternalID: "duid-1", Status: "idle"}

	id1, err := s.Devices.Create(ctx, d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id2, err := s.Devices.Create(ctx, d) // re-discovery
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if id1 != id2 {
		t.Errorf("re-discovery created new row: %d vs %d", id1, id2)
	}

	rows, err := s.Devices.FindByProvider(ctx, "u1", "roborock")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].ExternalID != "duid-1" {
		t.Errorf("external id = %q", rows[0].ExternalID)
	}
}

func TestDeviceUpdateStatus(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.Devices.Create(ctx, store.Device{UserID: "u1", Provider: "roborock", Name: "S7", ExternalID: "duid-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Devices.UpdateStatus(ctx, id, "cleaning"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	rows, _ := s.Devices.FindByProvider(ctx, "u1", "roborock")
	if rows[0].Status != "cleaning" {
		t.Errorf("status = %q, want cleaning", rows[0].Status)
	}
}

func TestEventAppend(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.Devices.Create(ctx, store.Device{UserID: "u1", Provider: "ring", Name: "Front Door", ExternalID: "cam-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Events.Append(ctx, id, "motion", []byte(`{"recordingId":"r1"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Events.Append(ctx, id, "ding", nil); err != nil {
		t.Fatalf("append with nil payload: %v", err)
	}
}

func TestValidateUserID(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	long := make([]byte, store.MaxUserIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := s.Credentials.Upsert(ctx, string(long), "ring", []byte("x")); err == nil {
		t.Error("overlong user id accepted")
	}
	if _, err := s.Devices.Create(ctx, store.Device{UserID: "", Provider: "ring", ExternalID: "c"}); err == nil {
		t.Error("empty user id accepted")
	}
}
