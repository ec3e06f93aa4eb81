package connector

import (
	"testing"
	"time"
)

func TestPendingTTLBoundary(t *testing.T) {
	p := NewPending()
	now := time.Now()
	p.now = func() time.Time { return now }

	p.Create("u1", "a@example.com", "pw", nil)

	// Usable right up to the TTL.
	p.now = func() time.Time { return now.Add(PendingTTL) }
	if !p.Has("u1") {
		t.Error("session expired at exactly TTL; should still be usable")
	}

	// Gone one tick past it.
	p.now = func() time.Time { return now.Add(PendingTTL + time.Second) }
	if p.Has("u1") {
		t.Error("session usable past TTL")
	}

	// Lazy expiry removed it for good.
	p.now = func() time.Time { return now }
	if p.Has("u1") {
		t.Error("expired session resurrected")
	}
}

func TestPendingSupersede(t *testing.T) {
	p := NewPending()

	p.Create("u1", "a@example.com", "pw-old", map[string]string{"endpoint": "eu"})
	p.Create("u1", "a@example.com", "pw-new", map[string]string{"endpoint": "us"})

	s, ok := p.Get("u1")
	if !ok {
		t.Fatal("session missing")
	}
	if s.Password != "pw-new" || s.Meta["endpoint"] != "us" {
		t.Errorf("second Create did not supersede: %+v", s)
	}
}

func TestPendingRemove(t *testing.T) {
	p := NewPending()
	p.Create("u1", "a@example.com", "pw", nil)
	p.Remove("u1")
	if p.Has("u1") {
		t.Error("session present after Remove")
	}
	p.Remove("u1") // second remove is a no-op
}

func TestPendingPerUserIsolation(t *testing.T) {
	p := NewPending()
	p.Create("u1", "a@example.com", "pw", nil)
	if p.Has("u2") {
		t.Error("u2 has a session it never created")
	}
}
