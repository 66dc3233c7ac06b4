package httpapi

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/waifuos/waifud/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket carries the same turn events as the HTTP stream, one
// JSON object per websocket message. Each received message is a turn
// request; turns on one connection run sequentially.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Writes can come from concurrent synthesis slots via the reorder
	// buffer's emit path.
	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var req protocol.TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if err := req.Validate(); err != nil {
			if err := send(protocol.TurnEvent{
				Type:      protocol.EventError,
				SessionID: req.SessionID,
				UserID:    req.UserID,
				Text:      err.Error(),
			}); err != nil {
				return
			}
			continue
		}
		err := s.deps.Pipeline.RunTurn(c.Request.Context(), req, func(ev protocol.TurnEvent) error {
			return send(ev)
		})
		if err != nil {
			s.log.Warn("websocket turn failed", slog.String("error", err.Error()))
			return
		}
	}
}
