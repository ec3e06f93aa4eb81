package ring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/bus"
	"github.com/nextlevelbuilder/hearth/internal/connector"
	"github.com/nextlevelbuilder/hearth/internal/store/sqlite"
	"github.com/nextlevelbuilder/hearth/internal/ticker"
	"github.com/nextlevelbuilder/hearth/internal/vault"
)

const (
	stubEmail    = "a@example.com"
	stubPassword = "hunter2"
	stubCode     = "123456"
)

// vendorStub fakes the doorbell cloud: the OAuth token endpoint with a
// two-factor challenge and rotating refresh tokens, plus the device API.
type vendorStub struct {
	srv *httptest.Server

	mu          sync.Mutex
	accessToken string
	refresh     string
	rotations   int
	dings       []activeDing

	snapshots atomic.Int32
	sirenOps  atomic.Int32
	vodStarts atomic.Int32
}

func newVendorStub(t *testing.T) *vendorStub {
	t.Helper()
	vs := &vendorStub{accessToken: "at-0", refresh: "rt-0"}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", vs.handleToken)
	mux.HandleFunc("GET /devices/v1/locations", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"user_locations": []map[string]any{{"location_id": "loc-1", "name": "Home"}}})
	}))
	mux.HandleFunc("GET /clients_api/ring_devices", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"doorbots": []map[string]any{{
				"id": 101, "description": "Front Door", "kind": "doorbell_v4",
				"location_id": "loc-1", "battery_life": "88",
			}},
			"stickup_cams": []map[string]any{{
				"id": 202, "description": "Backyard", "kind": "floodlight_v2",
				"location_id": "loc-1", "led_status": "off",
				"siren_status": map[string]any{"seconds_remaining": 0},
			}},
		})
	}))
	mux.HandleFunc("GET /clients_api/dings/active", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		vs.mu.Lock()
		dings := append([]activeDing(nil), vs.dings...)
		vs.mu.Unlock()
		writeJSON(w, dings)
	}))
	mux.HandleFunc("GET /clients_api/snapshots/image/101", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		n := vs.snapshots.Add(1)
		fmt.Fprintf(w, "jpeg-%d", n)
	}))
	mux.HandleFunc("GET /clients_api/doorbots/101/history", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"id": 1, "kind": "ding", "created_at": time.Now().UTC().Format(time.RFC3339), "answered": true},
			{"id": 2, "kind": "motion", "created_at": time.Now().UTC().Format(time.RFC3339)},
		})
	}))
	mux.HandleFunc("PUT /clients_api/doorbots/202/siren_on", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		vs.sirenOps.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("POST /clients_api/doorbots/{id}/vod", vs.authed(func(w http.ResponseWriter, r *http.Request) {
		vs.vodStarts.Add(1)
	}))

	vs.srv = httptest.NewServer(mux)
	t.Cleanup(vs.srv.Close)
	return vs
}

func (vs *vendorStub) handleToken(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	vs.mu.Lock()
	defer vs.mu.Unlock()

	switch r.FormValue("grant_type") {
	case "password":
		if r.FormValue("username") != stubEmail || r.FormValue("password") != stubPassword {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"error": "invalid credentials"})
			return
		}
		switch r.Header.Get("2fa-code") {
		case "":
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		case stubCode:
			// fall through to issue
		default:
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"error": "verification code is invalid"})
			return
		}
	case "refresh_token":
		if r.FormValue("refresh_token") != vs.refresh {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"error": "invalid refresh token"})
			return
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	vs.rotations++
	vs.accessToken = fmt.Sprintf("at-%d", vs.rotations)
	vs.refresh = fmt.Sprintf("rt-%d", vs.rotations)
	writeJSON(w, map[string]any{
		"access_token": vs.accessToken, "refresh_token": vs.refresh, "expires_in": 3600,
	})
}

func (vs *vendorStub) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vs.mu.Lock()
		want := "Bearer " + vs.accessToken
		vs.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (vs *vendorStub) setDings(dings ...activeDing) {
	vs.mu.Lock()
	vs.dings = dings
	vs.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v)
}

func newTestConnector(t *testing.T) (*Connector, *vendorStub) {
	t.Helper()
	vs := newVendorStub(t)

	stores, db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v, _ := vault.New("test-passphrase")
	runner := ticker.New()
	t.Cleanup(runner.StopAll)

	c := New(v, stores, bus.New(), runner)
	c.client.oauthURL = vs.srv.URL
	c.client.apiURL = vs.srv.URL
	c.activityInterval = time.Hour // keep the loop quiet during tests
	return c, vs
}

func login(t *testing.T, c *Connector, userID string) {
	t.Helper()
	ctx := context.Background()

	res := c.Authenticate(ctx, userID, stubEmail, stubPassword)
	if !res.RequiresTwoFactor {
		t.Fatalf("authenticate: %+v, want RequiresTwoFactor", res)
	}
	if res = c.VerifyCode(ctx, userID, stubCode); !res.Success {
		t.Fatalf("verify code: %+v", res)
	}
}

func TestTwoFactorLoginFlow(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()

	res := c.Authenticate(ctx, "u1", stubEmail, "wrong-password")
	if res.Success || res.Code != connector.CodeAccountNotFound {
		t.Fatalf("bad password: %+v, want account_not_found", res)
	}

	res = c.Authenticate(ctx, "u1", stubEmail, stubPassword)
	if !res.RequiresTwoFactor || res.Success {
		t.Fatalf("authenticate: %+v, want RequiresTwoFactor", res)
	}

	// Wrong code: retryable, pending session intact.
	res = c.VerifyCode(ctx, "u1", "000000")
	if res.Success || res.Code != connector.CodeInvalidCode {
		t.Fatalf("wrong code: %+v, want invalid_code", res)
	}
	if !c.HasPendingTwoFactor("u1") {
		t.Fatal("pending session dropped after retryable failure")
	}

	if res = c.VerifyCode(ctx, "u1", stubCode); !res.Success {
		t.Fatalf("verify: %+v", res)
	}
	if c.HasPendingTwoFactor("u1") {
		t.Error("pending session survived successful login")
	}
	if !c.IsConnected("u1") {
		t.Error("not connected after login")
	}

	devices := c.GetDevices("u1")
	if len(devices) != 2 {
		t.Fatalf("got %d cameras, want 2", len(devices))
	}
	byID := map[string]DeviceState{}
	for _, d := range devices {
		byID[d.ID] = d
	}
	front := byID["101"]
	if !front.IsDoorbell || !front.BatteryPowered || front.Battery != 88 || front.HasSiren {
		t.Errorf("front door decoded wrong: %+v", front)
	}
	yard := byID["202"]
	if yard.IsDoorbell || !yard.HasLight || !yard.HasSiren || yard.BatteryPowered {
		t.Errorf("backyard decoded wrong: %+v", yard)
	}
}

func TestVerifyWithoutPendingSession(t *testing.T) {
	c, _ := newTestConnector(t)
	res := c.VerifyCode(context.Background(), "u1", stubCode)
	if res.Success || res.Code != connector.CodeSessionExpired {
		t.Errorf("verify without pending: %+v, want session_expired", res)
	}
}

func TestReconnectRotatesRefreshToken(t *testing.T) {
	c, vs := newTestConnector(t)
	ctx := context.Background()

	login(t, c, "u1")
	c.Disconnect("u1")

	// Each reconnect must present the refresh token rotated out by the
	// previous grant; a stale persisted token would be rejected.
	if err := c.ConnectWithStoredCredentials(ctx, "u1"); err != nil {
		t.Fatalf("first reconnect: %v", err)
	}
	c.Disconnect("u1")
	if err := c.ConnectWithStoredCredentials(ctx, "u1"); err != nil {
		t.Fatalf("second reconnect: %v", err)
	}

	vs.mu.Lock()
	rotations := vs.rotations
	vs.mu.Unlock()
	if rotations != 3 {
		t.Errorf("vendor issued %d grants, want 3 (login + 2 reconnects)", rotations)
	}

	rows, err := c.stores.Devices.FindByProvider(ctx, "u1", Provider)
	if err != nil {
		t.Fatalf("find devices: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("discovery ran three times and produced %d rows, want 2", len(rows))
	}
}

func TestActivityEventsDedupeAndFanOut(t *testing.T) {
	c, vs := newTestConnector(t)
	ctx := context.Background()
	login(t, c, "u1")

	var delivered atomic.Int32
	sub := c.SubscribeToEvents("u1", func(ev bus.Event) {
		if ev.Type == "ding" && ev.DeviceID == "101" {
			delivered.Add(1)
		}
	})

	// The same vendor event id stays in the active feed across polls;
	// it must fan out exactly once.
	vs.setDings(activeDing{ID: 9001, Kind: "ding", DoorbotID: 101})
	c.pollActivity(ctx, "u1")
	c.pollActivity(ctx, "u1")

	if got := delivered.Load(); got != 1 {
		t.Fatalf("event delivered %d times, want exactly 1", got)
	}

	devices := c.GetDevices("u1")
	for _, d := range devices {
		if d.ID == "101" && d.LastDing.IsZero() {
			t.Error("ding did not stamp LastDing")
		}
	}

	// Events from cameras we never discovered are dropped.
	vs.setDings(activeDing{ID: 9002, Kind: "motion", DoorbotID: 999})
	c.pollActivity(ctx, "u1")

	// Release is idempotent; a released handle gets nothing.
	sub.Cancel()
	sub.Cancel()
	vs.setDings(activeDing{ID: 9003, Kind: "ding", DoorbotID: 101})
	c.pollActivity(ctx, "u1")
	if got := delivered.Load(); got != 1 {
		t.Errorf("released subscription still delivered, count %d", got)
	}
}

func TestSnapshotServedFromCache(t *testing.T) {
	c, vs := newTestConnector(t)
	ctx := context.Background()
	login(t, c, "u1")

	first, res := c.Snapshot(ctx, "u1", "101")
	if !res.Success {
		t.Fatalf("snapshot: %+v", res)
	}
	second, res := c.Snapshot(ctx, "u1", "101")
	if !res.Success {
		t.Fatalf("snapshot: %+v", res)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached snapshot differs from the original")
	}
	if got := vs.snapshots.Load(); got != 1 {
		t.Errorf("vendor saw %d snapshot fetches, want 1", got)
	}
}

func TestCapabilityGuards(t *testing.T) {
	c, vs := newTestConnector(t)
	ctx := context.Background()

	res := c.SetSiren(ctx, "u1", "202", true)
	if res.Success || res.Code != connector.CodeNotConnected {
		t.Fatalf("command while disconnected: %+v", res)
	}

	login(t, c, "u1")

	// The doorbell has neither light nor siren.
	if res = c.SetLight(ctx, "u1", "101", true); res.Success || res.Code != connector.CodeNoCapability {
		t.Errorf("light on doorbell: %+v, want no_capability", res)
	}
	if res = c.SetSiren(ctx, "u1", "202", true); !res.Success {
		t.Errorf("siren on floodlight cam: %+v", res)
	}
	if got := vs.sirenOps.Load(); got != 1 {
		t.Errorf("vendor saw %d siren ops, want 1", got)
	}
	if res = c.SetLight(ctx, "u1", "404", true); res.Success || res.Code != connector.CodeNotConnected {
		t.Errorf("unknown camera: %+v, want not_connected", res)
	}
}

func TestHistory(t *testing.T) {
	c, _ := newTestConnector(t)
	login(t, c, "u1")

	res := c.History(context.Background(), "u1", "101", 20)
	if !res.Success {
		t.Fatalf("history: %+v", res)
	}
	events, ok := res.Data["events"].([]map[string]any)
	if !ok || len(events) != 2 {
		t.Fatalf("history payload wrong: %+v", res.Data)
	}
	if events[0]["kind"] != "ding" {
		t.Errorf("first history item: %+v", events[0])
	}
}

func TestStreamDedupAndStop(t *testing.T) {
	c, vs := newTestConnector(t)
	ctx := context.Background()
	login(t, c, "u1")

	first, res := c.StartStream(ctx, "u1", "101")
	if !res.Success {
		t.Fatalf("start stream: %+v", res)
	}
	again, res := c.StartStream(ctx, "u1", "101")
	if !res.Success {
		t.Fatalf("second start: %+v", res)
	}
	if again.ID != first.ID {
		t.Error("second start opened a parallel stream for the same camera")
	}
	if got := vs.vodStarts.Load(); got != 1 {
		t.Errorf("vendor saw %d stream starts, want 1", got)
	}

	if _, err := os.Stat(first.OutputDir); err != nil {
		t.Errorf("output dir missing while stream live: %v", err)
	}

	c.StopStream(first.ID)
	c.StopStream(first.ID) // idempotent
	if got := c.Streams("u1"); len(got) != 0 {
		t.Fatalf("streams after stop: %d, want 0", len(got))
	}
	if _, err := os.Stat(first.OutputDir); !os.IsNotExist(err) {
		t.Error("output dir survived stop")
	}

	fresh, res := c.StartStream(ctx, "u1", "101")
	if !res.Success {
		t.Fatalf("restart: %+v", res)
	}
	if fresh.ID == first.ID {
		t.Error("restart reused a stopped session id")
	}
	if got := vs.vodStarts.Load(); got != 2 {
		t.Errorf("vendor saw %d stream starts, want 2", got)
	}
}

func TestStreamReaper(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()
	login(t, c, "u1")

	idle, res := c.StartStream(ctx, "u1", "101")
	if !res.Success {
		t.Fatalf("start: %+v", res)
	}
	aged, res := c.StartStream(ctx, "u1", "202")
	if !res.Success {
		t.Fatalf("start: %+v", res)
	}
	if _, res := c.StartStream(ctx, "u2", "101"); res.Success {
		t.Fatal("stream for unconnected user succeeded")
	}

	idle.mu.Lock()
	idle.lastAccess = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()
	aged.StartedAt = time.Now().Add(-11 * time.Minute)

	c.reapStreams()

	if got := c.Streams("u1"); len(got) != 0 {
		t.Errorf("reaper left %d streams, want 0", len(got))
	}
}

func TestDisconnect(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()
	login(t, c, "u1")

	if _, res := c.StartStream(ctx, "u1", "101"); !res.Success {
		t.Fatalf("start stream: %+v", res)
	}

	c.Disconnect("u1")
	if c.IsConnected("u1") {
		t.Error("still connected after disconnect")
	}
	if got := c.GetDevices("u1"); len(got) != 0 {
		t.Errorf("devices after disconnect: %d, want 0", len(got))
	}
	if got := c.Streams("u1"); len(got) != 0 {
		t.Errorf("streams after disconnect: %d, want 0", len(got))
	}
	if c.runner.Running(activityKey("u1")) {
		t.Error("activity poll still running after disconnect")
	}

	// Credential survives for reconnection.
	if _, err := c.stores.Credentials.Find(context.Background(), "u1", Provider); err != nil {
		t.Errorf("stored credential gone after disconnect: %v", err)
	}
}
