// Package ring connects dashboard users to the video-doorbell vendor
// cloud: OAuth password login with a 2FA challenge, camera discovery,
// a short-interval activity poll that surfaces motion and button-press
// events, snapshots, light/siren control, and live-stream sessions.
package ring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/hearth/internal/bus"
	"github.com/nextlevelbuilder/hearth/internal/connector"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/ticker"
	"github.com/nextlevelbuilder/hearth/internal/vault"
)

// Provider is the credential/device row key for this connector.
const Provider = "ring"

const (
	defaultActivityInterval = 5 * time.Second

	authTimeout = 10 * time.Second
	apiTimeout  = 15 * time.Second

	// The same vendor event id shows up on consecutive activity polls
	// while the ding is live; the dedupe window must outlast that.
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 4096

	snapshotTTL       = 30 * time.Second
	snapshotCacheSize = 64
)

// DeviceState is the live normalized snapshot for one camera.
type DeviceState struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	LocationID     string    `json:"locationId"`
	IsDoorbell     bool      `json:"isDoorbell"`
	HasLight       bool      `json:"hasLight"`
	HasSiren       bool      `json:"hasSiren"`
	BatteryPowered bool      `json:"batteryPowered"`
	Battery        int       `json:"battery"`
	LastMotion     time.Time `json:"lastMotion,omitempty"`
	LastDing       time.Time `json:"lastDing,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// credentialBundle is what survives restarts: the rotating refresh token
// plus the hardware id the grant is pinned to.
type credentialBundle struct {
	RefreshToken string `json:"refreshToken"`
	HardwareID   string `json:"hardwareId"`
}

// session is one live vendor connection. Its presence in the connector's
// registry is the definition of "connected" for a user.
type session struct {
	accessToken string
	hardwareID  string

	mu      sync.Mutex
	devices map[string]*DeviceState // camera id → state
	rows    map[string]int64        // camera id → device row id
}

type snapshotEntry struct {
	data []byte
	at   time.Time
}

// Connector holds every user's doorbell session. Construct once at
// process start; Shutdown stops all background loops.
type Connector struct {
	vault  *vault.Vault
	stores store.Stores
	bus    *bus.Bus
	runner *ticker.Runner

	pending *connector.Pending
	client  *client
	dedupe  *bus.DedupeCache

	// Snapshot JPEGs are a few hundred KB each; the LRU bounds memory
	// across users while the TTL keeps images reasonably current.
	snapshots *lru.Cache[string, snapshotEntry]

	// Overridden in tests to point at a stub vendor.
	activityInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	streamMu   sync.Mutex
	streams    map[string]*StreamSession // session id → stream
	reaperOnce sync.Once
}

func New(v *vault.Vault, stores store.Stores, b *bus.Bus, runner *ticker.Runner) *Connector {
	snapshots, _ := lru.New[string, snapshotEntry](snapshotCacheSize)
	return &Connector{
		vault:            v,
		stores:           stores,
		bus:              b,
		runner:           runner,
		pending:          connector.NewPending(),
		client:           newClient(apiTimeout),
		dedupe:           bus.NewDedupeCache(dedupeTTL, dedupeMaxSize),
		snapshots:        snapshots,
		activityInterval: defaultActivityInterval,
		sessions:         make(map[string]*session),
		streams:          make(map[string]*StreamSession),
	}
}

// Authenticate begins a password login. Accounts with two-factor enabled
// get an HTTP challenge from the vendor; the captured credentials are
// parked in a pending session until VerifyCode completes the grant.
// Accounts without two-factor connect in this single call.
func (c *Connector) Authenticate(ctx context.Context, userID, email, password string) connector.AuthResult {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	hardwareID := uuid.NewString()
	tokens, err := c.client.passwordGrant(ctx, email, password, "", hardwareID)
	switch {
	case err == nil:
		return c.finishLogin(ctx, userID, tokens, hardwareID)
	case err == errTwoFactorRequired:
		c.pending.Create(userID, email, password, map[string]string{"hardwareId": hardwareID})
		return connector.AuthResult{RequiresTwoFactor: true}
	case err == errBadCredentials:
		return connector.AuthFail(connector.CodeAccountNotFound, "email or password rejected")
	default:
		slog.Warn("ring: password grant failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "doorbell service unreachable")
	}
}

// VerifyCode answers the two-factor challenge with the code the vendor
// sent out of band. A wrong code keeps the pending session so the user
// can retry without re-entering the password.
func (c *Connector) VerifyCode(ctx context.Context, userID, code string) connector.AuthResult {
	pend, ok := c.pending.Get(userID)
	if !ok {
		return connector.AuthFail(connector.CodeSessionExpired, "login session expired, start over")
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	tokens, err := c.client.passwordGrant(ctx, pend.Email, pend.Password, code, pend.Meta["hardwareId"])
	switch {
	case err == nil:
		c.pending.Remove(userID)
		return c.finishLogin(ctx, userID, tokens, pend.Meta["hardwareId"])
	case err == errInvalidCode, err == errTwoFactorRequired:
		return connector.AuthFail(connector.CodeInvalidCode, "invalid code, retry")
	case err == errBadCredentials:
		c.pending.Remove(userID)
		return connector.AuthFail(connector.CodeAccountNotFound, "email or password rejected")
	default:
		slog.Warn("ring: code verification failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "verification failed, try again")
	}
}

// CancelPending drops an in-flight two-factor session.
func (c *Connector) CancelPending(userID string) {
	c.pending.Remove(userID)
}

// HasPendingTwoFactor reports whether a live two-factor session exists.
func (c *Connector) HasPendingTwoFactor(userID string) bool {
	return c.pending.Has(userID)
}

// ConnectWithStoredCredentials reconnects from the persisted refresh
// token. The vendor rotates the token on every grant, so the rotated
// value is re-persisted before the session comes up.
func (c *Connector) ConnectWithStoredCredentials(ctx context.Context, userID string) error {
	blob, err := c.stores.Credentials.Find(ctx, userID, Provider)
	if err != nil {
		return fmt.Errorf("ring: no stored credential: %w", err)
	}
	plain, err := c.vault.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("ring: credential decrypt: %w", err)
	}
	var bundle credentialBundle
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return fmt.Errorf("ring: credential blob malformed: %w", err)
	}

	grantCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	tokens, err := c.client.refreshGrant(grantCtx, bundle.RefreshToken, bundle.HardwareID)
	if err != nil {
		return fmt.Errorf("ring: refresh grant: %w", err)
	}
	if err := c.persistBundle(ctx, userID, tokens.RefreshToken, bundle.HardwareID); err != nil {
		return fmt.Errorf("ring: rotated token persist: %w", err)
	}
	return c.establish(ctx, userID, tokens.AccessToken, bundle.HardwareID)
}

// finishLogin persists the grant and brings the session up. Runs for
// both the single-call and the post-2FA path.
func (c *Connector) finishLogin(ctx context.Context, userID string, tokens *tokenSet, hardwareID string) connector.AuthResult {
	if err := c.persistBundle(ctx, userID, tokens.RefreshToken, hardwareID); err != nil {
		slog.Error("ring: credential persist failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "could not store credentials")
	}
	if err := c.establish(ctx, userID, tokens.AccessToken, hardwareID); err != nil {
		slog.Warn("ring: discovery after login failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "connected but device discovery failed, retry")
	}
	return connector.AuthResult{Success: true}
}

func (c *Connector) persistBundle(ctx context.Context, userID, refreshToken, hardwareID string) error {
	plain, err := json.Marshal(credentialBundle{RefreshToken: refreshToken, HardwareID: hardwareID})
	if err != nil {
		return err
	}
	blob, err := c.vault.Encrypt(plain)
	if err != nil {
		return err
	}
	return c.stores.Credentials.Upsert(ctx, userID, Provider, blob)
}

// establish creates the in-memory session, runs discovery, and starts
// (or replaces) the activity poll for the user.
func (c *Connector) establish(ctx context.Context, userID, accessToken, hardwareID string) error {
	sess := &session{
		accessToken: accessToken,
		hardwareID:  hardwareID,
		devices:     make(map[string]*DeviceState),
		rows:        make(map[string]int64),
	}
	if err := c.discover(ctx, userID, sess); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[userID] = sess
	c.mu.Unlock()

	c.runner.Start(activityKey(userID), c.activityInterval, func(tickCtx context.Context) {
		c.pollActivity(tickCtx, userID)
	})
	slog.Info("ring: connected", "user", userID, "cameras", len(sess.devices))
	return nil
}

func activityKey(userID string) string { return "ring:activity:" + userID }

// SubscribeToEvents delivers this user's doorbell events (motion, ding)
// to fn until the returned handle is cancelled. Cancel is idempotent.
func (c *Connector) SubscribeToEvents(userID string, fn func(bus.Event)) *bus.Subscription {
	return c.bus.Subscribe(userID, func(ev bus.Event) {
		if ev.Service == Provider {
			fn(ev)
		}
	})
}

// pollActivity fetches the active dings, drops already-seen ids, and
// fans each new event out: in-memory state, durable event log, bus.
func (c *Connector) pollActivity(ctx context.Context, userID string) {
	sess := c.session(userID)
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	var dings []activeDing
	if err := c.client.getJSON(ctx, sess.accessToken, "/clients_api/dings/active", &dings); err != nil {
		slog.Warn("ring: activity poll failed", "user", userID, "error", err)
		return
	}

	for _, d := range dings {
		if c.dedupe.Seen(userID, d.ID) {
			continue
		}
		c.fireEvent(ctx, userID, sess, d)
	}
}

// fireEvent handles one fresh vendor event. Unknown cameras are skipped;
// they get picked up on the next discovery.
func (c *Connector) fireEvent(ctx context.Context, userID string, sess *session, d activeDing) {
	deviceID := fmt.Sprint(d.DoorbotID)
	now := time.Now()

	sess.mu.Lock()
	state, known := sess.devices[deviceID]
	var rowID int64
	if known {
		switch d.Kind {
		case "ding":
			state.LastDing = now
		default:
			state.LastMotion = now
		}
		state.UpdatedAt = now
		rowID = sess.rows[deviceID]
	}
	sess.mu.Unlock()
	if !known {
		return
	}

	payload, _ := json.Marshal(map[string]any{"dingId": fmt.Sprint(d.ID), "kind": d.Kind})
	if err := c.stores.Events.Append(ctx, rowID, d.Kind, payload); err != nil {
		slog.Warn("ring: event append failed", "device", deviceID, "error", err)
	}

	c.bus.Publish(bus.Event{
		UserID:   userID,
		Service:  Provider,
		Type:     d.Kind,
		DeviceID: deviceID,
		Payload: map[string]any{
			"dingId":   fmt.Sprint(d.ID),
			"kind":     d.Kind,
			"name":     state.Name,
			"deviceId": deviceID,
		},
	})
	slog.Info("ring: event", "user", userID, "device", deviceID, "kind", d.Kind)
}

// IsConnected reports whether a live vendor session exists for the user.
func (c *Connector) IsConnected(userID string) bool {
	return c.session(userID) != nil
}

// GetDevices returns a snapshot of the user's live camera state. Empty
// when not connected.
func (c *Connector) GetDevices(userID string) []DeviceState {
	sess := c.session(userID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]DeviceState, 0, len(sess.devices))
	for _, d := range sess.devices {
		out = append(out, *d)
	}
	return out
}

// Disconnect stops the activity poll, tears down the user's stream
// sessions, and drops the in-memory session. The stored credential is
// kept for later reconnection.
func (c *Connector) Disconnect(userID string) {
	c.runner.Stop(activityKey(userID))
	c.stopUserStreams(userID)
	c.dedupe.Forget(userID)

	c.mu.Lock()
	delete(c.sessions, userID)
	c.mu.Unlock()
	slog.Info("ring: disconnected", "user", userID)
}

// Shutdown disconnects every user. Used at process exit.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	users := make([]string, 0, len(c.sessions))
	for u := range c.sessions {
		users = append(users, u)
	}
	c.mu.Unlock()
	for _, u := range users {
		c.Disconnect(u)
	}
}

func (c *Connector) session(userID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[userID]
}
