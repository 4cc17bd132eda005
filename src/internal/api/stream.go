package api

import (
	"log/slog"
	"net/http"
	"strings"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/gateway"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// handleEventStream pushes engine events to a WebSocket client as JSON.
// The optional conversation_id and type query parameters filter them.
func (s *Server) handleEventStream(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	conversationID := c.Query("conversation_id")
	var types map[events.Type]bool
	if t := c.Query("type"); t != "" {
		types = make(map[events.Type]bool)
		for _, part := range strings.Split(t, ",") {
			types[events.Type(strings.TrimSpace(part))] = true
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if _, ok := c.Get("troupe_ws_key"); ok {
		// Browser sends multiple sub-protocols, we must split them
		// to satisfy the handshake, as we already verified it in authMiddleware
		requested := c.GetHeader("Sec-WebSocket-Protocol")
		if requested != "" {
			parts := strings.Split(requested, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			upgrader.Subprotocols = parts
		}
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	stream, unsubscribe := gw.Bus.Subscribe()
	defer unsubscribe()
	s.streams.Add(1)
	defer s.streams.Add(-1)
	slog.Info("event stream connected", "remote", c.ClientIP(), "conversation_id", conversationID)

	// the client sends nothing; reading only notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if conversationID != "" && evt.ConversationID != conversationID {
				continue
			}
			if types != nil && !types[evt.Type] {
				continue
			}
			if err := ws.WriteJSON(evt); err != nil {
				slog.Warn("event stream write failed", "error", err)
				return
			}
		}
	}
}
