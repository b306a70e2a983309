// Package hub serves live websocket sessions: it fans engine events out to
// every connected browser and routes session requests back into the engine.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/config"
	"github.com/sosnow/sosrelay/internal/coverage"
	"github.com/sosnow/sosrelay/internal/engine"
	"github.com/sosnow/sosrelay/internal/geo"
	"github.com/sosnow/sosrelay/internal/metrics"
)

// Event names used in the websocket envelope.
const (
	EventInitialState    = "initial_state"
	EventAlertAdded      = "alert_added"
	EventAlertRemoved    = "alert_removed"
	EventCoverageChanged = "coverage_changed"
	EventAcknowledge     = "acknowledge"
	EventUpdateCoverage  = "update_coverage"
)

const maxMessageSize = 4096

// Message is the JSON envelope exchanged with sessions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Controller is the engine surface a session may drive.
type Controller interface {
	Join(ctx context.Context, fn func(engine.Snapshot)) error
	Acknowledge(id string) error
	UpdateCoverage(u coverage.Update) geo.Circle
}

// Hub tracks connected sessions and implements engine.Broadcaster.
type Hub struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
	conf     config.SessionConf
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates an empty hub.
func New(conf config.SessionConf, logger *slog.Logger) *Hub {
	if conf.SendBuffer <= 0 {
		conf.SendBuffer = 64
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = 10 * time.Second
	}
	if conf.PingInterval <= 0 {
		conf.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[*session]struct{}),
		conf:     conf,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from other origins during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) AlertAdded(a alert.Alert) {
	h.broadcast(EventAlertAdded, a)
}

func (h *Hub) AlertRemoved(id string) {
	h.broadcast(EventAlertRemoved, id)
}

func (h *Hub) CoverageChanged(c geo.Circle) {
	h.broadcast(EventCoverageChanged, c)
}

// Len returns the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		h.removeLocked(s)
	}
}

// Handler upgrades requests to websocket sessions driven by ctrl.
func (h *Hub) Handler(ctrl Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		s := &session{
			conn: conn,
			send: make(chan []byte, h.conf.SendBuffer),
			done: make(chan struct{}),
		}
		err = ctrl.Join(r.Context(), func(snap engine.Snapshot) { h.register(s, snap) })
		if err != nil {
			h.logger.Warn("session join failed", "remote", r.RemoteAddr, "err", err)
		}
		if err != nil || s.closed() {
			h.remove(s)
			conn.Close()
			return
		}
		h.logger.Info("session connected", "remote", r.RemoteAddr, "sessions", h.Len())

		go s.writeLoop(h.conf)
		s.readLoop(h, ctrl)

		h.remove(s)
		h.logger.Info("session disconnected", "remote", r.RemoteAddr, "sessions", h.Len())
	})
}

// register queues the initial state and adds s to the broadcast set in one
// step. It runs on the engine's dispatcher, so broadcasts before the snapshot
// never reach s and every later one does.
func (h *Hub) register(s *session, snap engine.Snapshot) {
	msg, err := encode(EventInitialState, snap)
	if err != nil {
		h.logger.Error("encode initial state", "err", err)
		s.close()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed() {
		return
	}
	s.send <- msg
	h.sessions[s] = struct{}{}
	metrics.Sessions.Set(float64(len(h.sessions)))
}

func (h *Hub) broadcast(event string, v interface{}) {
	msg, err := encode(event, v)
	if err != nil {
		h.logger.Error("encode broadcast", "event", event, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		if !s.enqueue(msg) {
			metrics.SessionsDropped.Inc()
			h.logger.Warn("session send buffer full, disconnecting", "remote", s.conn.RemoteAddr().String())
			h.removeLocked(s)
		}
	}
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *session) {
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		metrics.Sessions.Set(float64(len(h.sessions)))
	}
	s.close()
}

func encode(event string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: data})
}
