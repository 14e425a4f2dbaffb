// Package livefeed streams dispatch notifications to websocket subscribers.
package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

const (
	// DefaultBuffer is the per-subscriber queue depth. A subscriber whose
	// queue is full misses notifications rather than stalling dispatch.
	DefaultBuffer = 16

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type subscriber struct {
	id   uuid.UUID
	send chan []byte
	done chan struct{}
}

// Hub fans dispatch notifications out to connected websocket clients.
type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader
	buffer   int

	mu     sync.RWMutex
	subs   map[uuid.UUID]*subscriber
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue depth.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithAllowedOrigins accepts browser connections from the listed origins in
// addition to the same origin. "*" accepts any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(origins, "*") {
				return true
			}
			if slices.ContainsFunc(origins, func(o string) bool { return strings.EqualFold(o, origin) }) {
				return true
			}
			return sameOrigin(origin, r.Host)
		}
	}
}

func sameOrigin(origin, host string) bool {
	_, rest, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(rest, host)
}

// New creates a Hub. Without WithAllowedOrigins only same-origin browser
// connections are accepted.
func New(logger log.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		buffer: DefaultBuffer,
		subs:   make(map[uuid.UUID]*subscriber),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name identifies the notifier in logs and metrics.
func (h *Hub) Name() string { return "livefeed" }

// RegisterRoutes attaches the feed endpoint to the router.
func (h *Hub) RegisterRoutes(r chi.Router) {
	r.Get("/v1/dispatch/feed", h.ServeHTTP)
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Notify broadcasts a notification to every connected client. Slow clients
// drop the message.
func (h *Hub) Notify(ctx context.Context, n incident.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("livefeed: marshal notification: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for _, s := range h.subs {
		select {
		case s.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn(ctx, "livefeed subscribers lagging, notification dropped",
			"incident_id", n.IncidentID, "dropped", dropped)
	}
	return nil
}

// ServeHTTP upgrades the request and streams notifications until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		h.logger.Warn(r.Context(), "livefeed upgrade failed", "error", err)
		return
	}

	s, ok := h.register()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer func() {
		h.unregister(s.id)
		_ = conn.Close()
	}()

	h.logger.Info(r.Context(), "livefeed subscriber connected", "subscriber", s.id.String())

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.done)
		delete(h.subs, id)
	}
	return nil
}

func (h *Hub) register() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &subscriber{
		id:   uuid.New(),
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	h.subs[s.id] = s
	return s, true
}

func (h *Hub) unregister(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}
