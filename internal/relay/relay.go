// Package relay is the WebSocket fan-out layer: browsers connect to
// /ws, authenticate with an identity token, subscribe to services, and
// receive that user's device events as they happen.
package relay

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hearth/internal/bus"
)

// TokenVerifier authenticates the identity presented in the connect
// frame. Implementations must not leak timing about the token.
type TokenVerifier interface {
	Verify(token, userID string) bool
}

// StaticTokenVerifier accepts one shared secret for every user. The
// secret can be rotated at runtime (config reload); existing
// connections stay up, new connects use the current value.
type StaticTokenVerifier struct {
	mu    sync.RWMutex
	token []byte
}

func NewStaticTokenVerifier(token string) *StaticTokenVerifier {
	return &StaticTokenVerifier{token: []byte(token)}
}

func (v *StaticTokenVerifier) SetToken(token string) {
	v.mu.Lock()
	v.token = []byte(token)
	v.mu.Unlock()
}

func (v *StaticTokenVerifier) Verify(token, _ string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.token) > 0 && subtle.ConstantTimeCompare(v.token, []byte(token)) == 1
}

// Relay upgrades WebSocket connections and routes bus events to them.
type Relay struct {
	bus      *bus.Bus
	verifier TokenVerifier
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	// Reports whether the user has a live doorbell session; such users
	// are auto-subscribed to doorbell events on connect. Optional.
	DoorbellConnected func(userID string) bool

	mu    sync.Mutex
	conns map[string]*Conn
}

func New(b *bus.Bus, verifier TokenVerifier, limiter *RateLimiter) *Relay {
	return &Relay{
		bus:      b,
		verifier: verifier,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard may be served from a different origin than
			// the daemon; auth happens in the connect frame instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP is the /ws endpoint.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("relay: upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	c := newConn(ws, r)
	go c.writePump()
	c.readPump(req.Context())
}

func (r *Relay) register(c *Conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *Relay) unregister(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
}

// ConnCount reports the number of registered authenticated connections.
func (r *Relay) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown closes every connection. Used at process exit.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
