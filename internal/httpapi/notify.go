package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const notifyWriteTimeout = 10 * time.Second

// handleNotifications streams the user's change events as JSON messages
// until the client goes away. Clients only read.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket accept failed", "user", user, "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.store.Subscribe(user)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "store closed")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, notifyWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				s.logger.Debug(ctx, "notification write failed", "user", user, "error", err)
				return
			}
		}
	}
}
