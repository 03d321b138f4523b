package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

// websocket streams fills and price ticks. ?player= narrows fills to one
// player; ticks are always sent.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}
	player := c.Query("player")

	fills, unsubFills := s.Bus.Subscribe(events.EventOrderFilled, 100)
	defer unsubFills()
	ticks, unsubTicks := s.Bus.Subscribe(events.EventPriceTick, 100)
	defer unsubTicks()

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var msg wsMessage
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case v, ok := <-fills:
			if !ok {
				return
			}
			if f, isFill := v.(events.Fill); isFill && player != "" && f.PlayerUUID != player {
				continue
			}
			msg = wsMessage{Type: events.EventOrderFilled, Data: v}
		case v, ok := <-ticks:
			if !ok {
				return
			}
			msg = wsMessage{Type: events.EventPriceTick, Data: v}
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.Logger.Debug("ws write failed", zap.Error(err))
			return
		}
	}
}
