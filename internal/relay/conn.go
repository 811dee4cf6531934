package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/slippi-broadcast/internal/protocol"
)

// conn is one live websocket plus its outbound queue.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		close(cn.done)
		cn.ws.Close()
	})
}

// readPump pumps messages from the relay to the client until the socket
// fails or is closed.
func (c *Client) readPump(cn *conn, epoch context.Context) {
	var cause error
	defer func() {
		c.connectionLost(cn, epoch, cause)
	}()

	cn.ws.SetReadLimit(c.cfg.MaxMessageSize)
	cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := cn.ws.ReadMessage()
		if err != nil {
			cause = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		env, err := protocol.Parse(message)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed relay message")
			continue
		}
		c.route(env)
	}
}

// writePump pumps queued messages to the relay and keeps the connection
// alive with pings.
func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		cn.close()
	}()

	for {
		select {
		case <-cn.done:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			cn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			w, err := cn.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
