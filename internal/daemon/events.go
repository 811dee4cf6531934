package daemon

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/slippi-broadcast/internal/app"
	"github.com/weiawesome/slippi-broadcast/pkg/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	eventBuffer  = 64
	frameBuffer  = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamEvents upgrades to a websocket and forwards every status event as a
// JSON text message until the client goes away.
func (s *Server) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade event stream")
		return
	}

	ch, unsubscribe := s.app.Events(eventBuffer)
	defer unsubscribe()

	pump(conn, ch, func() (int, string) {
		return websocket.CloseGoingAway, "shutting down"
	})
}

// StreamFrames opens (or joins) the watch on a broadcast and forwards its
// frames as JSON text messages. The socket is closed with the watch's end
// reason. Leaving the socket does not close the watch; use the DELETE route.
func (s *Server) StreamFrames(c *gin.Context) {
	id := c.Param("id")
	h, err := s.app.WatchBroadcast(id).Wait(c.Request.Context())
	if err != nil {
		writeError(c, app.CmdWatchBroadcast, err)
		return
	}
	frames := h.Tap(frameBuffer)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldBroadcastID, id).Msg("failed to upgrade frame stream")
		return
	}

	pump(conn, frames, func() (int, string) {
		return websocket.CloseNormalClosure, h.Reason()
	})
}

// pump writes every value of ch to conn until ch closes or the peer goes
// away, pinging to keep the socket alive.
func pump[T any](conn *websocket.Conn, ch <-chan T, closing func() (int, string)) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return

		case v, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, text := closing()
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := conn.WriteJSON(v); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
