package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tracking-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamMessage struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

// websocket streams the caller's order, position and risk events.
func (s *Server) websocket(c *gin.Context) {
	userID := CurrentUserID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan streamMessage, 100)
	done := make(chan struct{})
	defer close(done)
	for _, e := range events.Streamed {
		ch, unsub := s.Bus.Subscribe(e, 100)
		defer unsub()
		go func(e events.Event, ch <-chan any) {
			for payload := range ch {
				if events.UserOf(payload) != userID {
					continue
				}
				select {
				case merged <- streamMessage{Event: e, Payload: payload}:
				case <-done:
					return
				}
			}
		}(e, ch)
	}

	// A reader is needed to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
