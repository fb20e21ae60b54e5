package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSSE streams replay then live events as server-sent events until the
// client goes away or the subscription ends
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, Result{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.svc.Subscribe()
	defer sub.Unsubscribe()

	logger := s.logger.WithFields(logrus.Fields{"subscription": sub.ID(), "remote": r.RemoteAddr})
	logger.Debug("SSE client attached")
	defer logger.Debug("SSE client detached")

	fmt.Fprint(w, ": ok\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(s.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.WithField("error", err).Warn("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket sends a snapshot first, then replay and live events
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("error", err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribing before the snapshot is built means nothing published in
	// between is lost; the client may see such an event in both.
	sub := s.svc.Subscribe()
	defer sub.Unsubscribe()

	logger := s.logger.WithFields(logrus.Fields{"subscription": sub.ID(), "remote": r.RemoteAddr})
	logger.Debug("WebSocket client attached")
	defer logger.Debug("WebSocket client detached")

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	if err := writeEvent(conn, s.svc.Snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(s.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.WithField("error", err).Debug("WebSocket write failed")
				return
			}
		}
	}
}

// readPump discards client messages and closes done when the peer goes away
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
