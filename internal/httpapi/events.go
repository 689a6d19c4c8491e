package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, 100, 500)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv,
		"events":          s.hub.History(conv, limit),
	})
}

// handleEventsWS streams live progress updates for one conversation. Clients only read;
// inbound frames are drained to keep pong handling alive.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conv, ok := conversationParam(w, r)
	if !ok {
		return
	}

	// Subscribe before the handshake completes so no update slips between the two.
	updates, unsubscribe := s.hub.Subscribe(conv)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		conn.SetReadLimit(64 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
