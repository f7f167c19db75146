package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jgirmay/activity-agent/internal/logging"
)

// Hub accepts WebSocket connections from page probes and feeds their
// envelopes into the capturer. The channel is best-effort: malformed frames
// and unreachable probes are dropped silently.
type Hub struct {
	capturer *Capturer
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates a capture hub feeding the given capturer
func NewHub(capturer *Capturer, log *logging.Logger) *Hub {
	return &Hub{
		capturer: capturer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Probes connect from arbitrary page origins.
				return true
			},
		},
		log:   log,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and pumps envelopes until the probe
// disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("capture upgrade failed")
		return
	}

	// Probes hold the connection open indefinitely; any server-level read
	// deadline set before the upgrade must not apply here.
	_ = conn.SetReadDeadline(time.Time{})

	h.register(conn)
	defer h.unregister(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			h.log.Debug("dropping malformed capture frame")
			continue
		}
		if envelope.Type != EnvelopeTypeActivityEvent {
			continue
		}

		h.capturer.Observe(r.Context(), envelope.Event)
	}
}

// ConnCount returns the number of connected probes
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects all probes
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
	_ = conn.Close()
}
