package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hearth/internal/bus"
)

const (
	maxFrameSize  = 64 * 1024
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendQueueSize = 256
)

// frame is the single wire shape in both directions. Which fields are
// set depends on Type.
type frame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Service string `json:"service,omitempty"`
	Message string `json:"message,omitempty"`
}

// Conn is a single WebSocket connection. Until the connect frame is
// accepted it belongs to nobody and can do nothing else.
type Conn struct {
	id    string
	relay *Relay
	ws    *websocket.Conn
	send  chan []byte

	userID        string
	authenticated bool

	mu   sync.Mutex
	subs map[string]*bus.Subscription // service → fan-out handle

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, r *Relay) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		relay: r,
		ws:    ws,
		send:  make(chan []byte, sendQueueSize),
		subs:  make(map[string]*bus.Subscription),
	}
}

// readPump reads frames until the connection dies, then tears down.
func (c *Conn) readPump(ctx context.Context) {
	defer c.teardown()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("relay: read error", "conn", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if !c.handleFrame(ctx, data) {
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. A slow consumer gets frames dropped, never a blocked publisher.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Returns false when the
// connection must close.
func (c *Conn) handleFrame(_ context.Context, data []byte) bool {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError("malformed frame")
		return c.authenticated
	}

	if !c.authenticated {
		// First frame must be a valid connect; anything else ends it.
		if f.Type != "connect" || !c.relay.verifier.Verify(f.Token, f.UserID) || f.UserID == "" {
			c.sendError("unauthorized")
			return false
		}
		c.connect(f.UserID)
		return true
	}

	if lim := c.relay.limiter; lim != nil && !lim.Allow(c.userID) {
		c.sendError("rate limited")
		return true
	}

	switch {
	case f.Type == "ping":
		c.sendFrame(frame{Type: "pong"})
	case strings.HasPrefix(f.Type, "subscribe:"):
		c.subscribe(strings.TrimPrefix(f.Type, "subscribe:"))
	case strings.HasPrefix(f.Type, "unsubscribe:"):
		c.unsubscribe(strings.TrimPrefix(f.Type, "unsubscribe:"))
	default:
		c.sendError("unknown frame type: " + f.Type)
	}
	return true
}

func (c *Conn) connect(userID string) {
	c.userID = userID
	c.authenticated = true
	c.relay.register(c)
	c.sendFrame(frame{Type: "connected", UserID: userID})
	slog.Info("relay: client connected", "conn", c.id, "user", userID)

	// A user with a live doorbell session wants its events immediately,
	// before the dashboard gets around to subscribing.
	if f := c.relay.DoorbellConnected; f != nil && f(userID) {
		c.subscribe("ring")
	}
}

// subscribe wires this connection to one service's events. Repeat
// subscriptions are acknowledged without adding a second listener.
func (c *Conn) subscribe(service string) {
	if service == "" {
		c.sendError("empty service")
		return
	}

	c.mu.Lock()
	_, exists := c.subs[service]
	if !exists {
		c.subs[service] = c.relay.bus.Subscribe(c.userID, func(ev bus.Event) {
			if ev.Service == service {
				c.sendEvent(ev)
			}
		})
	}
	c.mu.Unlock()

	if exists {
		c.sendFrame(frame{Type: "subscribed", Service: service, Message: "already subscribed"})
		return
	}
	c.sendFrame(frame{Type: "subscribed", Service: service})
}

// unsubscribe releases the service's fan-out handle. Idempotent.
func (c *Conn) unsubscribe(service string) {
	c.mu.Lock()
	sub, ok := c.subs[service]
	delete(c.subs, service)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
	c.sendFrame(frame{Type: "unsubscribed", Service: service})
}

// sendEvent marshals a bus event as "<service>:<type>" with the payload
// flattened alongside.
func (c *Conn) sendEvent(ev bus.Event) {
	msg := make(map[string]any, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		msg[k] = v
	}
	msg["type"] = ev.Service + ":" + ev.Type
	msg["deviceId"] = ev.DeviceID
	msg["at"] = ev.At
	c.enqueue(msg)
}

func (c *Conn) sendFrame(f frame) { c.enqueue(f) }

func (c *Conn) sendError(message string) {
	c.enqueue(frame{Type: "error", Message: message})
}

// enqueue hands a message to the write pump. Dropped, not blocked, when
// the client cannot keep up or is already gone.
func (c *Conn) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("relay: marshal failed", "error", err)
		return
	}
	defer func() {
		// Send on a closed queue races with teardown; losing the frame
		// to a dead connection is the correct outcome.
		recover()
	}()
	select {
	case c.send <- data:
	default:
		slog.Warn("relay: send queue full, dropping frame", "conn", c.id, "user", c.userID)
	}
}

// teardown releases every fan-out handle and removes the connection.
// Runs exactly once regardless of how the connection ended.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := make([]*bus.Subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.subs = make(map[string]*bus.Subscription)
		c.mu.Unlock()

		for _, s := range subs {
			s.Cancel()
		}
		c.relay.unregister(c)
		// Closing the queue, not the socket: the write pump drains any
		// frames still queued (an error reply, most importantly), writes
		// the close frame, and closes the socket itself.
		close(c.send)
		if c.authenticated {
			slog.Info("relay: client disconnected", "conn", c.id, "user", c.userID)
		}
	})
}

// close ends the connection from the server side.
func (c *Conn) close() { c.teardown() }
