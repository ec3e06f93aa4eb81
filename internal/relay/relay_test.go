package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hearth/internal/bus"
)

const testToken = "relay-secret"

func newTestRelay(t *testing.T, limiter *RateLimiter) (*Relay, *bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New()
	r := New(b, NewStaticTokenVerifier(testToken), limiter)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		r.Shutdown()
	})
	return r, b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// expectNoEvents asserts nothing is queued for this connection by
// round-tripping a ping: frames are delivered in order, so anything
// published before the ping would arrive ahead of the pong. Reading
// with a short deadline instead would poison the connection once the
// deadline expired.
func expectNoEvents(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, map[string]string{"type": "ping"})
	if msg := recv(t, ws); msg["type"] != "pong" {
		t.Fatalf("unexpected frame before pong: %v", msg)
	}
}

func connect(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	send(t, ws, map[string]string{"type": "connect", "token": testToken, "userId": userID})
	msg := recv(t, ws)
	if msg["type"] != "connected" || msg["userId"] != userID {
		t.Fatalf("connect reply: %v", msg)
	}
}

func subscribe(t *testing.T, ws *websocket.Conn, service string) {
	t.Helper()
	send(t, ws, map[string]string{"type": "subscribe:" + service})
	if msg := recv(t, ws); msg["type"] != "subscribed" || msg["service"] != service {
		t.Fatalf("subscribe reply: %v", msg)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	_, _, srv := newTestRelay(t, nil)
	ws := dial(t, srv)

	send(t, ws, map[string]string{"type": "connect", "token": "wrong", "userId": "u1"})
	if msg := recv(t, ws); msg["type"] != "error" {
		t.Fatalf("bad token reply: %v", msg)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection stayed open after rejected token")
	}
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	_, _, srv := newTestRelay(t, nil)
	ws := dial(t, srv)

	send(t, ws, map[string]string{"type": "ping"})
	if msg := recv(t, ws); msg["type"] != "error" {
		t.Fatalf("pre-auth ping reply: %v", msg)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection stayed open after pre-auth frame")
	}
}

func TestPingPongAndUnknownType(t *testing.T) {
	_, _, srv := newTestRelay(t, nil)
	ws := dial(t, srv)
	connect(t, ws, "u1")

	send(t, ws, map[string]string{"type": "ping"})
	if msg := recv(t, ws); msg["type"] != "pong" {
		t.Errorf("ping reply: %v", msg)
	}

	send(t, ws, map[string]string{"type": "frobnicate"})
	if msg := recv(t, ws); msg["type"] != "error" {
		t.Errorf("unknown type reply: %v", msg)
	}
}

func TestFanOutIsUserAndServiceScoped(t *testing.T) {
	_, b, srv := newTestRelay(t, nil)
	ws := dial(t, srv)
	connect(t, ws, "u1")
	subscribe(t, ws, "roborock")

	// Other user, other service: neither reaches this connection.
	b.Publish(bus.Event{UserID: "u2", Service: "roborock", Type: "status", DeviceID: "d1"})
	b.Publish(bus.Event{UserID: "u1", Service: "ring", Type: "ding", DeviceID: "d2"})
	expectNoEvents(t, ws)

	b.Publish(bus.Event{
		UserID: "u1", Service: "roborock", Type: "status", DeviceID: "d1",
		Payload: map[string]any{"status": "cleaning", "battery": 80},
	})
	msg := recv(t, ws)
	if msg["type"] != "roborock:status" || msg["deviceId"] != "d1" {
		t.Fatalf("event frame: %v", msg)
	}
	if msg["status"] != "cleaning" || msg["battery"] != float64(80) {
		t.Errorf("payload not flattened: %v", msg)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	_, b, srv := newTestRelay(t, nil)
	ws := dial(t, srv)
	connect(t, ws, "u1")
	subscribe(t, ws, "roborock")
	subscribe(t, ws, "roborock") // acked again, no second listener

	b.Publish(bus.Event{UserID: "u1", Service: "roborock", Type: "status", DeviceID: "d1"})
	if msg := recv(t, ws); msg["type"] != "roborock:status" {
		t.Fatalf("event frame: %v", msg)
	}
	expectNoEvents(t, ws)
}

func TestUnsubscribe(t *testing.T) {
	_, b, srv := newTestRelay(t, nil)
	ws := dial(t, srv)
	connect(t, ws, "u1")
	subscribe(t, ws, "roborock")

	send(t, ws, map[string]string{"type": "unsubscribe:roborock"})
	if msg := recv(t, ws); msg["type"] != "unsubscribed" {
		t.Fatalf("unsubscribe reply: %v", msg)
	}
	// Idempotent.
	send(t, ws, map[string]string{"type": "unsubscribe:roborock"})
	if msg := recv(t, ws); msg["type"] != "unsubscribed" {
		t.Fatalf("second unsubscribe reply: %v", msg)
	}

	b.Publish(bus.Event{UserID: "u1", Service: "roborock", Type: "status", DeviceID: "d1"})
	expectNoEvents(t, ws)
}

func TestTeardownLeavesOthersIntact(t *testing.T) {
	r, b, srv := newTestRelay(t, nil)

	wsA := dial(t, srv)
	connect(t, wsA, "u1")
	subscribe(t, wsA, "roborock")

	wsB := dial(t, srv)
	connect(t, wsB, "u1")
	subscribe(t, wsB, "roborock")

	wsA.Close()
	deadline := time.Now().Add(2 * time.Second)
	for r.ConnCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := r.ConnCount(); got != 1 {
		t.Fatalf("conn count after close: %d, want 1", got)
	}

	b.Publish(bus.Event{UserID: "u1", Service: "roborock", Type: "status", DeviceID: "d1"})
	if msg := recv(t, wsB); msg["type"] != "roborock:status" {
		t.Fatalf("surviving connection got: %v", msg)
	}
	expectNoEvents(t, wsB)
}

func TestAutoSubscribeDoorbell(t *testing.T) {
	r, b, srv := newTestRelay(t, nil)
	r.DoorbellConnected = func(userID string) bool { return userID == "u1" }

	ws := dial(t, srv)
	connect(t, ws, "u1")
	if msg := recv(t, ws); msg["type"] != "subscribed" || msg["service"] != "ring" {
		t.Fatalf("auto-subscribe reply: %v", msg)
	}

	b.Publish(bus.Event{UserID: "u1", Service: "ring", Type: "ding", DeviceID: "101"})
	if msg := recv(t, ws); msg["type"] != "ring:ding" {
		t.Fatalf("doorbell event: %v", msg)
	}
}

func TestRateLimit(t *testing.T) {
	_, _, srv := newTestRelay(t, NewRateLimiter(60, 2))
	ws := dial(t, srv)
	connect(t, ws, "u1")

	send(t, ws, map[string]string{"type": "ping"})
	send(t, ws, map[string]string{"type": "ping"})
	send(t, ws, map[string]string{"type": "ping"})

	var pongs, errs int
	for i := 0; i < 3; i++ {
		switch msg := recv(t, ws); msg["type"] {
		case "pong":
			pongs++
		case "error":
			errs++
		}
	}
	if pongs != 2 || errs != 1 {
		t.Errorf("got %d pongs and %d errors, want 2 and 1", pongs, errs)
	}
}
