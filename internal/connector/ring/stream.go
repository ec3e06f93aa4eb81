package ring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hearth/internal/connector"
)

const (
	reapInterval    = 10 * time.Second
	streamIdleLimit = 60 * time.Second
	streamMaxAge    = 10 * time.Minute
)

// StreamSession is one live view from one camera. OutputDir holds the
// relayed segments the route layer serves; it is removed when the
// session ends. The route layer calls TouchStream on every segment
// fetch; a session nobody watches gets reaped.
type StreamSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	OutputDir string    `json:"outputDir"`
	StartedAt time.Time `json:"startedAt"`

	mu         sync.Mutex
	lastAccess time.Time
}

func (s *StreamSession) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *StreamSession) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastAccess)
}

// StartStream asks the vendor to begin on-demand video for the camera
// and registers a session. One stream per (user, camera): a second start
// while one is live returns the existing session instead of opening a
// parallel vendor stream.
func (c *Connector) StartStream(ctx context.Context, userID, deviceID string) (*StreamSession, connector.CommandResult) {
	sess, _, res := c.camera(userID, deviceID)
	if !res.Success {
		return nil, res
	}

	c.streamMu.Lock()
	for _, st := range c.streams {
		if st.UserID == userID && st.DeviceID == deviceID {
			st.touch()
			c.streamMu.Unlock()
			return st, connector.OK()
		}
	}
	c.streamMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := c.client.post(ctx, sess.accessToken, fmt.Sprintf("/clients_api/doorbots/%s/vod", deviceID), nil); err != nil {
		slog.Warn("ring: stream start failed", "user", userID, "device", deviceID, "error", err)
		return nil, connector.Fail(connector.CodeVendorError, "could not start stream")
	}

	dir, err := os.MkdirTemp("", "hearth-stream-")
	if err != nil {
		return nil, connector.Fail(connector.CodeVendorError, "could not allocate stream output")
	}
	st := &StreamSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  deviceID,
		OutputDir: dir,
		StartedAt: time.Now(),
	}
	st.touch()

	c.streamMu.Lock()
	c.streams[st.ID] = st
	c.streamMu.Unlock()

	c.ensureReaper()
	slog.Info("ring: stream started", "user", userID, "device", deviceID, "stream", st.ID)
	return st, connector.OK()
}

// TouchStream marks a stream as actively watched. Unknown ids are a
// no-op; the stream may have been reaped between segment fetches.
func (c *Connector) TouchStream(sessionID string) {
	c.streamMu.Lock()
	st := c.streams[sessionID]
	c.streamMu.Unlock()
	if st != nil {
		st.touch()
	}
}

// StopStream ends a stream session. Safe to call for an already-stopped
// or unknown id, and to race with the reaper.
func (c *Connector) StopStream(sessionID string) {
	c.streamMu.Lock()
	st, ok := c.streams[sessionID]
	delete(c.streams, sessionID)
	c.streamMu.Unlock()
	if ok {
		releaseOutput(st)
		slog.Info("ring: stream stopped", "user", st.UserID, "device", st.DeviceID, "stream", sessionID)
	}
}

// Streams returns the live stream sessions for one user.
func (c *Connector) Streams(userID string) []*StreamSession {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	var out []*StreamSession
	for _, st := range c.streams {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out
}

func (c *Connector) stopUserStreams(userID string) {
	c.streamMu.Lock()
	var dropped []*StreamSession
	for id, st := range c.streams {
		if st.UserID == userID {
			delete(c.streams, id)
			dropped = append(dropped, st)
		}
	}
	c.streamMu.Unlock()
	for _, st := range dropped {
		releaseOutput(st)
	}
}

// releaseOutput removes the session's segment directory. Removal of an
// already-removed directory is a no-op, which is what makes StopStream
// and the reaper safe to race.
func releaseOutput(st *StreamSession) {
	if st.OutputDir == "" {
		return
	}
	if err := os.RemoveAll(st.OutputDir); err != nil {
		slog.Warn("ring: stream output cleanup failed", "stream", st.ID, "dir", st.OutputDir, "error", err)
	}
}

// ensureReaper starts the shared reaper loop the first time a stream is
// opened. The loop enforces the idle and absolute lifetime limits so an
// abandoned browser tab cannot hold a vendor stream open indefinitely.
func (c *Connector) ensureReaper() {
	c.reaperOnce.Do(func() {
		c.runner.Start("ring:stream-reaper", reapInterval, func(context.Context) {
			c.reapStreams()
		})
	})
}

func (c *Connector) reapStreams() {
	now := time.Now()

	c.streamMu.Lock()
	var dead []*StreamSession
	for id, st := range c.streams {
		if st.idleFor() > streamIdleLimit || now.Sub(st.StartedAt) > streamMaxAge {
			delete(c.streams, id)
			dead = append(dead, st)
		}
	}
	c.streamMu.Unlock()

	for _, st := range dead {
		releaseOutput(st)
		slog.Info("ring: stream reaped", "user", st.UserID, "device", st.DeviceID, "stream", st.ID,
			"age", now.Sub(st.StartedAt).Round(time.Second))
	}
}
