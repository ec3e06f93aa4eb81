package ring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/connector"
	"github.com/nextlevelbuilder/hearth/internal/store"
)

// Vendor payload shapes. Only the fields the dashboard surfaces are
// decoded; the rest of the (large) payloads is ignored.

type locationList struct {
	UserLocations []struct {
		LocationID string `json:"location_id"`
		Name       string `json:"name"`
	} `json:"user_locations"`
}

type ringDevice struct {
	ID          int64        `json:"id"`
	Description string       `json:"description"`
	Kind        string       `json:"kind"`
	LocationID  string       `json:"location_id"`
	Battery     *json.Number `json:"battery_life"` // absent on wired models
	LEDStatus   string       `json:"led_status"`
	SirenStatus *struct {
		SecondsRemaining int `json:"seconds_remaining"`
	} `json:"siren_status"`
}

type deviceList struct {
	Doorbots    []ringDevice `json:"doorbots"`
	StickupCams []ringDevice `json:"stickup_cams"`
}

type activeDing struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"` // "ding" or "motion"
	DoorbotID int64  `json:"doorbot_id"`
}

type historyItem struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Answered  bool      `json:"answered"`
}

// discover fetches locations and cameras, mirrors any unseen cameras to
// durable storage, and seeds the in-memory state with capability flags.
func (c *Connector) discover(ctx context.Context, userID string, sess *session) error {
	var locations locationList
	if err := c.client.getJSON(ctx, sess.accessToken, "/devices/v1/locations", &locations); err != nil {
		return fmt.Errorf("fetch locations: %w", err)
	}

	var devices deviceList
	if err := c.client.getJSON(ctx, sess.accessToken, "/clients_api/ring_devices", &devices); err != nil {
		return fmt.Errorf("fetch devices: %w", err)
	}

	register := func(d ringDevice, isDoorbell bool) error {
		state := decodeCamera(d, isDoorbell)
		rowID, err := c.stores.Devices.Create(ctx, store.Device{
			UserID:     userID,
			Provider:   Provider,
			Name:       state.Name,
			ExternalID: state.ID,
			Status:     "online",
		})
		if err != nil {
			return fmt.Errorf("mirror camera %s: %w", state.ID, err)
		}
		sess.mu.Lock()
		sess.devices[state.ID] = state
		sess.rows[state.ID] = rowID
		sess.mu.Unlock()
		return nil
	}

	for _, d := range devices.Doorbots {
		if err := register(d, true); err != nil {
			return err
		}
	}
	for _, d := range devices.StickupCams {
		if err := register(d, false); err != nil {
			return err
		}
	}
	return nil
}

func decodeCamera(d ringDevice, isDoorbell bool) *DeviceState {
	state := &DeviceState{
		ID:         fmt.Sprint(d.ID),
		Name:       d.Description,
		Kind:       d.Kind,
		LocationID: d.LocationID,
		IsDoorbell: isDoorbell,
		HasLight:   d.LEDStatus != "",
		HasSiren:   d.SirenStatus != nil,
		UpdatedAt:  time.Now(),
	}
	if d.Battery != nil {
		state.BatteryPowered = true
		if n, err := d.Battery.Int64(); err == nil {
			state.Battery = int(n)
		}
	}
	return state
}

// Snapshot returns a recent still image from one camera. Images are
// served from a short-TTL cache so a dashboard full of camera tiles does
// not hammer the vendor.
func (c *Connector) Snapshot(ctx context.Context, userID, deviceID string) ([]byte, connector.CommandResult) {
	sess, _, res := c.camera(userID, deviceID)
	if !res.Success {
		return nil, res
	}

	cacheKey := userID + "/" + deviceID
	if entry, ok := c.snapshots.Get(cacheKey); ok && time.Since(entry.at) < snapshotTTL {
		return entry.data, connector.OK()
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	data, err := c.client.getBytes(ctx, sess.accessToken, "/clients_api/snapshots/image/"+deviceID)
	if err != nil {
		slog.Warn("ring: snapshot failed", "user", userID, "device", deviceID, "error", err)
		return nil, connector.Fail(connector.CodeVendorError, "snapshot unavailable")
	}

	c.snapshots.Add(cacheKey, snapshotEntry{data: data, at: time.Now()})
	return data, connector.OK()
}

// History returns the camera's recent event history, newest first.
func (c *Connector) History(ctx context.Context, userID, deviceID string, limit int) connector.CommandResult {
	sess, _, res := c.camera(userID, deviceID)
	if !res.Success {
		return res
	}
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	var items []historyItem
	path := fmt.Sprintf("/clients_api/doorbots/%s/history?limit=%d", deviceID, limit)
	if err := c.client.getJSON(ctx, sess.accessToken, path, &items); err != nil {
		slog.Warn("ring: history fetch failed", "user", userID, "device", deviceID, "error", err)
		return connector.Fail(connector.CodeVendorError, "history unavailable")
	}

	events := make([]map[string]any, len(items))
	for i, it := range items {
		events[i] = map[string]any{
			"id":        fmt.Sprint(it.ID),
			"kind":      it.Kind,
			"createdAt": it.CreatedAt,
			"answered":  it.Answered,
		}
	}
	out := connector.OK()
	out.Data = map[string]any{"events": events}
	return out
}

// SetLight switches the camera floodlight. Guarded on the discovered
// capability; most doorbells have no light.
func (c *Connector) SetLight(ctx context.Context, userID, deviceID string, on bool) connector.CommandResult {
	sess, state, res := c.camera(userID, deviceID)
	if !res.Success {
		return res
	}
	if !state.HasLight {
		return connector.Fail(connector.CodeNoCapability, "camera has no light")
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	action := "floodlight_light_off"
	if on {
		action = "floodlight_light_on"
	}
	if err := c.client.put(ctx, sess.accessToken, fmt.Sprintf("/clients_api/doorbots/%s/%s", deviceID, action), nil); err != nil {
		slog.Warn("ring: light command failed", "user", userID, "device", deviceID, "error", err)
		return connector.Fail(connector.CodeVendorError, "light command failed")
	}
	return connector.OK()
}

// SetSiren switches the camera siren, capability-guarded like SetLight.
func (c *Connector) SetSiren(ctx context.Context, userID, deviceID string, on bool) connector.CommandResult {
	sess, state, res := c.camera(userID, deviceID)
	if !res.Success {
		return res
	}
	if !state.HasSiren {
		return connector.Fail(connector.CodeNoCapability, "camera has no siren")
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	action := "siren_off"
	if on {
		action = "siren_on"
	}
	if err := c.client.put(ctx, sess.accessToken, fmt.Sprintf("/clients_api/doorbots/%s/%s", deviceID, action), nil); err != nil {
		slog.Warn("ring: siren command failed", "user", userID, "device", deviceID, "error", err)
		return connector.Fail(connector.CodeVendorError, "siren command failed")
	}
	return connector.OK()
}

// camera resolves the live session and camera state, failing closed when
// either is missing.
func (c *Connector) camera(userID, deviceID string) (*session, DeviceState, connector.CommandResult) {
	sess := c.session(userID)
	if sess == nil {
		return nil, DeviceState{}, connector.Fail(connector.CodeNotConnected, "doorbell service not connected")
	}
	sess.mu.Lock()
	state, ok := sess.devices[deviceID]
	var copied DeviceState
	if ok {
		copied = *state
	}
	sess.mu.Unlock()
	if !ok {
		return nil, DeviceState{}, connector.Fail(connector.CodeNotConnected, "unknown camera")
	}
	return sess, copied, connector.OK()
}
