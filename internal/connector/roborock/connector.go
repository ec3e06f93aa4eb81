// Package roborock connects dashboard users to the robot-vacuum vendor
// cloud: email-code login, signed device API calls, a 30-second status
// poll per user, and the command wrappers the route layer exposes.
package roborock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/nextlevelbuilder/hearth/internal/bus"
	"github.com/nextlevelbuilder/hearth/internal/connector"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/ticker"
	"github.com/nextlevelbuilder/hearth/internal/vault"
)

// Provider is the credential/device row key for this connector.
const Provider = "roborock"

const (
	defaultPollInterval = 30 * time.Second
	commandRefreshDelay = 2 * time.Second

	authTimeout   = 10 * time.Second
	statusTimeout = 15 * time.Second
)

// DeviceState is the live normalized snapshot for one vacuum.
type DeviceState struct {
	DUID       string    `json:"duid"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Battery    int       `json:"battery"`
	FanSpeed   string    `json:"fanSpeed"`
	WaterLevel string    `json:"waterLevel"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// session is one live vendor connection. Its presence in the connector's
// registry is the definition of "connected" for a user.
type session struct {
	bundle credentialBundle
	homeID int64

	mu      sync.Mutex
	devices map[string]*DeviceState // duid → state
	rows    map[string]int64        // duid → device row id
}

// Connector holds every user's vacuum session. Construct once at process
// start; Shutdown stops all polling.
type Connector struct {
	vault  *vault.Vault
	stores store.Stores
	bus    *bus.Bus
	runner *ticker.Runner

	pending *connector.Pending
	client  *client

	// Overridden in tests to point at a stub vendor.
	endpoints    []string
	pollInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func New(v *vault.Vault, stores store.Stores, b *bus.Bus, runner *ticker.Runner) *Connector {
	return &Connector{
		vault:        v,
		stores:       stores,
		bus:          b,
		runner:       runner,
		pending:      connector.NewPending(),
		client:       newClient(statusTimeout),
		endpoints:    defaultEndpoints,
		pollInterval: defaultPollInterval,
		sessions:     make(map[string]*session),
	}
}

// Authenticate begins a password login. The vendor requires an emailed
// verification code on every password login, so a successful call always
// reports RequiresTwoFactor and parks the resolved endpoint and locale in
// the pending session for the verify step.
func (c *Connector) Authenticate(ctx context.Context, userID, email, password string) connector.AuthResult {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	endpoint, country, err := c.resolveEndpoint(ctx, email)
	if err != nil {
		slog.Warn("roborock: endpoint probe failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "vacuum service unreachable")
	}

	c.pending.Create(userID, email, password, map[string]string{
		"endpoint": endpoint,
		"locale":   localeFor(country),
	})
	return connector.AuthResult{RequiresTwoFactor: true}
}

// resolveEndpoint probes the fixed default endpoints until one claims the
// account and returns the authoritative regional URL.
func (c *Connector) resolveEndpoint(ctx context.Context, email string) (endpoint, country string, err error) {
	var lastErr error
	for _, ep := range c.endpoints {
		resp, err := c.client.getJSON(ctx, ep+"/api/v1/getUrlByEmail?email="+url.QueryEscape(email), nil)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Code != vcOK {
			lastErr = fmt.Errorf("vendor code %d: %s", resp.Code, resp.Msg)
			continue
		}
		var data struct {
			URL     string `json:"url"`
			Country string `json:"country"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil || data.URL == "" {
			lastErr = fmt.Errorf("malformed getUrlByEmail payload")
			continue
		}
		return data.URL, data.Country, nil
	}
	return "", "", fmt.Errorf("no endpoint accepted the account: %w", lastErr)
}

// localeFor turns the vendor-reported country into a BCP 47 locale for
// the send-code and verify requests.
func localeFor(country string) string {
	reg, err := language.ParseRegion(country)
	if err != nil {
		return "en"
	}
	tag, err := language.Compose(language.English, reg)
	if err != nil {
		return "en"
	}
	return tag.String()
}

// SendCode asks the vendor to email a verification code. Requires a
// pending session from Authenticate.
func (c *Connector) SendCode(ctx context.Context, userID, email string) connector.AuthResult {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	pend, ok := c.pending.Get(userID)
	if !ok {
		return connector.AuthFail(connector.CodeSessionExpired, "login session expired, start over")
	}
	endpoint := pend.Meta["endpoint"]

	signKey, err := c.fetchSignKey(ctx, endpoint, email)
	if err != nil {
		slog.Warn("roborock: nonce fetch failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "could not request verification code")
	}

	form := url.Values{"username": {email}, "type": {"auth"}}
	resp, err := c.client.postForm(ctx, endpoint+"/api/v1/sendEmailCode", form,
		map[string]string{"X-Mercury-Sign": signKey})
	if err != nil {
		return connector.AuthFail(connector.CodeVendorError, "could not request verification code")
	}

	switch resp.Code {
	case vcOK:
		return connector.AuthResult{Success: true, RequiresTwoFactor: true}
	case vcAccountNotFound:
		return connector.AuthFail(connector.CodeAccountNotFound, "no vacuum account for this email")
	case vcRateLimited:
		return connector.AuthFail(connector.CodeRateLimited, "too many code requests, wait before retrying")
	default:
		return connector.AuthFail(connector.CodeVendorError, fmt.Sprintf("verification code request failed (%d)", resp.Code))
	}
}

// fetchSignKey requests a signing nonce and derives the one-time key the
// pre-login endpoints expect.
func (c *Connector) fetchSignKey(ctx context.Context, endpoint, email string) (string, error) {
	resp, err := c.client.getJSON(ctx, endpoint+"/api/v1/auth/nonce?email="+url.QueryEscape(email), nil)
	if err != nil {
		return "", err
	}
	if resp.Code != vcOK {
		return "", fmt.Errorf("nonce request refused: %d %s", resp.Code, resp.Msg)
	}
	var data struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Nonce == "" {
		return "", fmt.Errorf("malformed nonce payload")
	}
	return oneTimeSignKey(email, data.Nonce), nil
}

// VerifyCode submits the emailed code. On success the returned token
// bundle is encrypted and persisted, the user transitions to connected,
// devices are discovered, and the poll loop starts.
func (c *Connector) VerifyCode(ctx context.Context, userID, code string) connector.AuthResult {
	pend, ok := c.pending.Get(userID)
	if !ok {
		return connector.AuthFail(connector.CodeSessionExpired, "login session expired, start over")
	}
	endpoint := pend.Meta["endpoint"]

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	signKey, err := c.fetchSignKey(authCtx, endpoint, pend.Email)
	if err != nil {
		return connector.AuthFail(connector.CodeVendorError, "verification failed, try again")
	}

	form := url.Values{
		"username":       {pend.Email},
		"verifycode":     {code},
		"verifycodetype": {"AUTH_EMAIL_CODE"},
		"locale":         {pend.Meta["locale"]},
		"appver":         {appVersion},
	}
	resp, err := c.client.postForm(authCtx, endpoint+"/api/v1/loginWithCode", form,
		map[string]string{"X-Mercury-Sign": signKey})
	if err != nil {
		return connector.AuthFail(connector.CodeVendorError, "verification failed, try again")
	}

	switch resp.Code {
	case vcOK:
		// fall through to session setup below
	case vcInvalidCode:
		// Pending session stays; the user may retry with a fresh code.
		return connector.AuthFail(connector.CodeInvalidCode, "invalid code, retry")
	case vcTermsOutdated:
		c.pending.Remove(userID)
		return connector.AuthFail(connector.CodeTermsNotAccepted, "accept the updated terms in the vendor app, then reconnect")
	case vcAccountNotFound:
		c.pending.Remove(userID)
		return connector.AuthFail(connector.CodeAccountNotFound, "account not found in this region")
	default:
		return connector.AuthFail(connector.CodeVendorError, fmt.Sprintf("login failed (%d)", resp.Code))
	}

	var data struct {
		Token string `json:"token"`
		Rriot rriot  `json:"rriot"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Token == "" || data.Rriot.U == "" {
		return connector.AuthFail(connector.CodeVendorError, "login response malformed")
	}

	bundle := credentialBundle{Token: data.Token, Rriot: data.Rriot}
	if err := c.persistBundle(ctx, userID, bundle); err != nil {
		slog.Error("roborock: credential persist failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "could not store credentials")
	}
	c.pending.Remove(userID)

	if err := c.establish(ctx, userID, bundle); err != nil {
		slog.Warn("roborock: discovery after login failed", "user", userID, "error", err)
		return connector.AuthFail(connector.CodeVendorError, "connected but device discovery failed, retry")
	}
	return connector.AuthResult{Success: true}
}

// CancelPending drops an in-flight two-factor session.
func (c *Connector) CancelPending(userID string) {
	c.pending.Remove(userID)
}

// HasPendingTwoFactor reports whether a live two-factor session exists.
func (c *Connector) HasPendingTwoFactor(userID string) bool {
	return c.pending.Has(userID)
}

// ConnectWithStoredCredentials reconnects from the persisted token
// bundle without a fresh login. Vault failures are hard errors.
func (c *Connector) ConnectWithStoredCredentials(ctx context.Context, userID string) error {
	blob, err := c.stores.Credentials.Find(ctx, userID, Provider)
	if err != nil {
		return fmt.Errorf("roborock: no stored credential: %w", err)
	}
	plain, err := c.vault.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("roborock: credential decrypt: %w", err)
	}
	var bundle credentialBundle
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return fmt.Errorf("roborock: credential blob malformed: %w", err)
	}
	return c.establish(ctx, userID, bundle)
}

func (c *Connector) persistBundle(ctx context.Context, userID string, bundle credentialBundle) error {
	plain, err := json.Marshal(bundle)
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
// (or replaces) the poll loop for the user.
func (c *Connector) establish(ctx context.Context, userID string, bundle credentialBundle) error {
	sess := &session{
		bundle:  bundle,
		devices: make(map[string]*DeviceState),
		rows:    make(map[string]int64),
	}
	if err := c.discover(ctx, userID, sess); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[userID] = sess
	c.mu.Unlock()

	c.runner.Start(pollKey(userID), c.pollInterval, func(tickCtx context.Context) {
		c.pollOnce(tickCtx, userID)
	})
	slog.Info("roborock: connected", "user", userID, "devices", len(sess.devices))
	return nil
}

func pollKey(userID string) string { return "roborock:poll:" + userID }

// homePayload is the signed home fetch: the device list with DPS status.
type homePayload struct {
	Devices []struct {
		DUID         string         `json:"duid"`
		Name         string         `json:"name"`
		Online       bool           `json:"online"`
		DeviceStatus map[string]int `json:"deviceStatus"`
	} `json:"devices"`
}

// discover resolves the home id, fetches the device list, mirrors any
// unseen devices to durable storage, and decodes each DPS status.
func (c *Connector) discover(ctx context.Context, userID string, sess *session) error {
	home, err := c.fetchHome(ctx, sess)
	if err != nil {
		return err
	}

	for _, d := range home.Devices {
		rowID, err := c.stores.Devices.Create(ctx, store.Device{
			UserID:     userID,
			Provider:   Provider,
			Name:       d.Name,
			ExternalID: d.DUID,
			Status:     StatusOffline,
		})
		if err != nil {
			return fmt.Errorf("mirror device %s: %w", d.DUID, err)
		}

		state := decodeDevice(d.DUID, d.Name, d.Online, d.DeviceStatus)
		sess.mu.Lock()
		sess.devices[d.DUID] = state
		sess.rows[d.DUID] = rowID
		sess.mu.Unlock()

		if err := c.stores.Devices.UpdateStatus(ctx, rowID, state.Status); err != nil {
			slog.Warn("roborock: status mirror failed", "device", d.DUID, "error", err)
		}
	}
	return nil
}

func (c *Connector) fetchHome(ctx context.Context, sess *session) (*homePayload, error) {
	r := sess.bundle.Rriot

	if sess.homeID == 0 {
		resp, err := c.client.getJSON(ctx, r.R.API+"/api/v1/getHomeDetail",
			map[string]string{"Authorization": sess.bundle.Token})
		if err != nil {
			return nil, err
		}
		if resp.Code != vcOK {
			return nil, fmt.Errorf("getHomeDetail refused: %d %s", resp.Code, resp.Msg)
		}
		var detail struct {
			RRHomeID int64 `json:"rrHomeId"`
		}
		if err := json.Unmarshal(resp.Data, &detail); err != nil || detail.RRHomeID == 0 {
			return nil, fmt.Errorf("malformed home detail")
		}
		sess.homeID = detail.RRHomeID
	}

	resp, err := c.client.signedGet(ctx, r, fmt.Sprintf("%s/v2/user/homes/%d", r.R.API, sess.homeID))
	if err != nil {
		return nil, err
	}
	if resp.Code != vcOK {
		return nil, fmt.Errorf("home fetch refused: %d %s", resp.Code, resp.Msg)
	}
	var home homePayload
	if err := json.Unmarshal(resp.Data, &home); err != nil {
		return nil, fmt.Errorf("malformed home payload: %w", err)
	}
	return &home, nil
}

func decodeDevice(duid, name string, online bool, dps map[string]int) *DeviceState {
	state := &DeviceState{
		DUID:       duid,
		Name:       name,
		Status:     StatusOffline,
		Battery:    dps[dpsBattery],
		FanSpeed:   decodeFan(dps[dpsFanPower]),
		WaterLevel: decodeWater(dps[dpsWaterBox]),
		UpdatedAt:  time.Now(),
	}
	if online {
		state.Status = decodeState(dps[dpsState])
	}
	return state
}

// pollOnce refreshes every device of one user: re-fetch, decode, mirror
// to storage, publish on the bus. A vendor timeout marks the devices
// offline instead of leaving stale state.
func (c *Connector) pollOnce(ctx context.Context, userID string) {
	sess := c.session(userID)
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	home, err := c.fetchHome(ctx, sess)
	if err != nil {
		slog.Warn("roborock: poll failed, marking offline", "user", userID, "error", err)
		c.markAllOffline(ctx, userID, sess)
		return
	}

	for _, d := range home.Devices {
		state := decodeDevice(d.DUID, d.Name, d.Online, d.DeviceStatus)

		sess.mu.Lock()
		sess.devices[d.DUID] = state
		rowID, known := sess.rows[d.DUID]
		snapshot := *state
		sess.mu.Unlock()
		if !known {
			// Device added in the vendor app since discovery; pick it
			// up on the next explicit discovery rather than here.
			continue
		}

		if err := c.stores.Devices.UpdateStatus(ctx, rowID, snapshot.Status); err != nil {
			slog.Warn("roborock: status mirror failed", "device", d.DUID, "error", err)
		}
		c.publishStatus(userID, snapshot)
	}
}

func (c *Connector) markAllOffline(ctx context.Context, userID string, sess *session) {
	sess.mu.Lock()
	offline := make([]DeviceState, 0, len(sess.devices))
	for duid, state := range sess.devices {
		state.Status = StatusOffline
		state.UpdatedAt = time.Now()
		offline = append(offline, *state)
		if rowID, ok := sess.rows[duid]; ok {
			if err := c.stores.Devices.UpdateStatus(ctx, rowID, StatusOffline); err != nil {
				slog.Warn("roborock: offline mirror failed", "device", duid, "error", err)
			}
		}
	}
	sess.mu.Unlock()

	for _, state := range offline {
		c.publishStatus(userID, state)
	}
}

// publishStatus takes a value copy made under the session lock, so a
// concurrent offline sweep mutating the live state cannot tear the
// published payload.
func (c *Connector) publishStatus(userID string, state DeviceState) {
	c.bus.Publish(bus.Event{
		UserID:   userID,
		Service:  Provider,
		Type:     "status",
		DeviceID: state.DUID,
		Payload: map[string]any{
			"duid":       state.DUID,
			"name":       state.Name,
			"status":     state.Status,
			"battery":    state.Battery,
			"fanSpeed":   state.FanSpeed,
			"waterLevel": state.WaterLevel,
		},
	})
}

// IsConnected reports whether a live vendor session exists for the user.
func (c *Connector) IsConnected(userID string) bool {
	return c.session(userID) != nil
}

// GetDevices returns a snapshot of the user's live device state. Empty
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

// Disconnect stops polling and drops the in-memory session and device
// state. The stored credential is kept for later reconnection. Polling
// is stopped synchronously: no refresh for this user runs after return.
func (c *Connector) Disconnect(userID string) {
	c.runner.Stop(pollKey(userID))

	c.mu.Lock()
	delete(c.sessions, userID)
	c.mu.Unlock()
	slog.Info("roborock: disconnected", "user", userID)
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
