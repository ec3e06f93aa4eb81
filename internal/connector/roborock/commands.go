package roborock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/connector"
)

// Vendor RPC method names for the write path.
const (
	cmdStart        = "app_start"
	cmdStop         = "app_stop"
	cmdPause        = "app_pause"
	cmdDock         = "app_charge"
	cmdLocate       = "find_me"
	cmdSetFan       = "set_custom_mode"
	cmdSetWater     = "set_water_box_custom_mode"
	cmdSegmentClean = "app_segment_clean"
)

const commandTimeout = 30 * time.Second

func (c *Connector) StartClean(ctx context.Context, userID, duid string) connector.CommandResult {
	return c.sendCommand(ctx, userID, duid, cmdStart, nil)
}

func (c *Connector) StopClean(ctx context.Context, userID, duid string) connector.CommandResult {
	return c.sendCommand(ctx, userID, duid, cmdStop, nil)
}

func (c *Connector) Pause(ctx context.Context, userID, duid string) connector.CommandResult {
	return c.sendCommand(ctx, userID, duid, cmdPause, nil)
}

func (c *Connector) Dock(ctx context.Context, userID, duid string) connector.CommandResult {
	return c.sendCommand(ctx, userID, duid, cmdDock, nil)
}

func (c *Connector) Locate(ctx context.Context, userID, duid string) connector.CommandResult {
	return c.sendCommand(ctx, userID, duid, cmdLocate, nil)
}

func (c *Connector) SetFanSpeed(ctx context.Context, userID, duid, level string) connector.CommandResult {
	code, ok := fanLevels[level]
	if !ok {
		return connector.Fail(connector.CodeVendorError, "unknown fan speed: "+level)
	}
	return c.sendCommand(ctx, userID, duid, cmdSetFan, []any{code})
}

func (c *Connector) SetWaterLevel(ctx context.Context, userID, duid, level string) connector.CommandResult {
	code, ok := waterLevels[level]
	if !ok {
		return connector.Fail(connector.CodeVendorError, "unknown water level: "+level)
	}
	return c.sendCommand(ctx, userID, duid, cmdSetWater, []any{code})
}

// CleanRooms starts a clean limited to the given vendor segment ids. The
// ids are opaque here; the dashboard gets them from the vendor map.
func (c *Connector) CleanRooms(ctx context.Context, userID, duid string, segments []int) connector.CommandResult {
	if len(segments) == 0 {
		return connector.Fail(connector.CodeVendorError, "no room segments given")
	}
	params := make([]any, len(segments))
	for i, s := range segments {
		params[i] = s
	}
	return c.sendCommand(ctx, userID, duid, cmdSegmentClean, params)
}

// sendCommand dispatches a signed write to one device. Fails closed when
// no connection or no such device. A vendor-acknowledged command
// schedules a short-delay status refresh so the UI sees the new state
// before the next regular poll.
func (c *Connector) sendCommand(ctx context.Context, userID, duid, method string, params []any) connector.CommandResult {
	sess := c.session(userID)
	if sess == nil {
		return connector.Fail(connector.CodeNotConnected, "vacuum service not connected")
	}
	sess.mu.Lock()
	_, known := sess.devices[duid]
	sess.mu.Unlock()
	if !known {
		return connector.Fail(connector.CodeNotConnected, "unknown device")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	r := sess.bundle.Rriot
	body := map[string]any{"method": method, "params": params}
	resp, err := c.client.signedPost(ctx, r, fmt.Sprintf("%s/v2/user/devices/%s/command", r.R.API, duid), body)
	if err != nil {
		slog.Warn("roborock: command failed", "user", userID, "device", duid, "method", method, "error", err)
		return connector.Fail(connector.CodeVendorError, "command failed, retry")
	}
	if resp.Code != vcOK {
		return connector.Fail(connector.CodeVendorError, fmt.Sprintf("vendor rejected command (%d)", resp.Code))
	}

	c.refreshSoon(userID)
	return connector.OK()
}

// refreshSoon schedules one out-of-band poll shortly after a command. The
// connection is re-checked at fire time; a disconnect in between wins.
func (c *Connector) refreshSoon(userID string) {
	time.AfterFunc(commandRefreshDelay, func() {
		if !c.IsConnected(userID) {
			return
		}
		c.pollOnce(context.Background(), userID)
	})
}
