package bus

import (
	"sync"
	"time"
)

type eventRef struct {
	userID  string
	eventID int64
}

// DedupeCache remembers which vendor event ids have already been
// published for each user. The doorbell activity poller can observe the
// same event on consecutive polls while it is live; the cache keeps one
// sighting from becoming several bus events. Entries age out after the
// window and the set is bounded, so an unbounded event stream cannot
// grow it without limit.
type DedupeCache struct {
	mu     sync.Mutex
	seen   map[eventRef]time.Time
	window time.Duration
	bound  int
}

func NewDedupeCache(window time.Duration, bound int) *DedupeCache {
	return &DedupeCache{
		seen:   make(map[eventRef]time.Time, 256),
		window: window,
		bound:  bound,
	}
}

// Seen reports whether the user's event id was already recorded within
// the window, and records it if not. First sighting wins: concurrent
// callers for the same event get exactly one false.
func (d *DedupeCache) Seen(userID string, eventID int64) bool {
	now := time.Now()
	ref := eventRef{userID: userID, eventID: eventID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[ref]; ok && now.Sub(at) <= d.window {
		return true
	}
	if len(d.seen) >= d.bound {
		d.prune(now)
	}
	d.seen[ref] = now
	return false
}

// Forget drops every recorded event for one user. Called when the user's
// session closes so a reconnect starts with a clean slate.
func (d *DedupeCache) Forget(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ref := range d.seen {
		if ref.userID == userID {
			delete(d.seen, ref)
		}
	}
}

// prune drops aged-out entries, then arbitrary ones if the set is still
// at the bound. Caller holds d.mu.
func (d *DedupeCache) prune(now time.Time) {
	for ref, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, ref)
		}
	}
	over := len(d.seen) - d.bound + 1
	for ref := range d.seen {
		if over <= 0 {
			break
		}
		delete(d.seen, ref)
		over--
	}
}
