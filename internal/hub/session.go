package hub

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/config"
	"github.com/sosnow/sosrelay/internal/coverage"
)

type session struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue never blocks; false means the session is too slow to keep up.
func (s *session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) writeLoop(conf config.SessionConf) {
	ticker := time.NewTicker(conf.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(conf.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(conf.WriteTimeout)); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *session) readLoop(h *Hub, ctrl Controller) {
	pongWait := 2 * h.conf.PingInterval
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("session read failed", "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring undecodable session message", "err", err)
			continue
		}
		s.handle(h, ctrl, msg)
	}
}

func (s *session) handle(h *Hub, ctrl Controller, msg Message) {
	switch msg.Event {
	case EventAcknowledge:
		id := alertID(msg.Data)
		if id == "" {
			h.logger.Debug("acknowledge without alert id")
			return
		}
		if err := ctrl.Acknowledge(id); err != nil && !errors.Is(err, alert.ErrNotFound) {
			h.logger.Error("acknowledge failed", "alert_id", id, "err", err)
		}
	case EventUpdateCoverage:
		u, err := coverage.ParseUpdate(msg.Data)
		if err != nil {
			h.logger.Debug("ignoring coverage update", "err", err)
			return
		}
		ctrl.UpdateCoverage(u)
	default:
		h.logger.Debug("ignoring unknown session event", "event", msg.Event)
	}
}

// alertID accepts either a bare JSON string or {"id": "..."}.
func alertID(data json.RawMessage) string {
	var id string
	if json.Unmarshal(data, &id) == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &obj) == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
