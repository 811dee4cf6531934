package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/slippi-broadcast/internal/server/config"
	"github.com/weiawesome/slippi-broadcast/internal/server/domain"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// DisconnectHandler is called when a client disconnects.
type DisconnectHandler func(*Client)

// Client represents a connected relay client.
type Client struct {
	ID                string
	Hub               *Hub
	Conn              *websocket.Conn
	Send              chan []byte
	Session           *domain.Session
	disconnectHandler DisconnectHandler
}

// NewClient wraps an upgraded websocket.
func NewClient(id string, h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:      id,
		Hub:     h,
		Conn:    conn,
		Send:    make(chan []byte, h.config.SendBuffer),
		Session: domain.NewSession(id),
	}
}

// SetDisconnectHandler sets the handler to be called on disconnect.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// Hub tracks every connected client and the viewers of each broadcast.
type Hub struct {
	clients    map[string]*Client
	viewers    map[string]map[string]*Client // broadcastID -> clientID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *ViewerMessage
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	config     config.WebSocketConfig
}

// ViewerMessage is a message for every viewer of one broadcast.
type ViewerMessage struct {
	BroadcastID string
	Message     []byte
	// Final drops the viewer set once the message is queued.
	Final bool
}

// NewHub creates a new Hub.
func NewHub(cfg config.WebSocketConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		clients:    make(map[string]*Client),
		viewers:    make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ViewerMessage, 256),
		done:       make(chan struct{}),
		config:     cfg,
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	l := pkglog.L()
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l.Debug().Str(pkglog.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for broadcastID, set := range h.viewers {
					delete(set, client.ID)
					if len(set) == 0 {
						delete(h.viewers, broadcastID)
					}
				}
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			l.Debug().Str(pkglog.FieldClientID, client.ID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			set := h.viewers[msg.BroadcastID]
			for _, client := range set {
				select {
				case client.Send <- msg.Message:
				default:
					// slow viewer
					l.Warn().Str(pkglog.FieldClientID, client.ID).
						Str(pkglog.FieldBroadcastID, msg.BroadcastID).
						Msg("viewer send buffer full, disconnecting")
					go h.removeClient(client)
				}
				if msg.Final {
					client.Session.Unwatch(msg.BroadcastID)
				}
			}
			if msg.Final {
				delete(h.viewers, msg.BroadcastID)
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Watch adds a client to the viewers of a broadcast.
func (h *Hub) Watch(client *Client, broadcastID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if _, ok := h.viewers[broadcastID]; !ok {
		h.viewers[broadcastID] = make(map[string]*Client)
	}
	h.viewers[broadcastID][client.ID] = client
	client.Session.Watch(broadcastID)
	l := pkglog.L()
	l.Debug().Str(pkglog.FieldClientID, client.ID).Str(pkglog.FieldBroadcastID, broadcastID).Msg("viewer joined")
}

// Unwatch removes a client from the viewers of a broadcast.
func (h *Hub) Unwatch(client *Client, broadcastID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.viewers[broadcastID]; ok {
		delete(set, client.ID)
		if len(set) == 0 {
			delete(h.viewers, broadcastID)
		}
	}
	client.Session.Unwatch(broadcastID)
	l := pkglog.L()
	l.Debug().Str(pkglog.FieldClientID, client.ID).Str(pkglog.FieldBroadcastID, broadcastID).Msg("viewer left")
}

// SendToViewers queues a message for every viewer of a broadcast. A final
// message also ends every viewer's subscription.
func (h *Hub) SendToViewers(broadcastID string, message interface{}, final bool) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- &ViewerMessage{BroadcastID: broadcastID, Message: data, Final: final}:
	case <-h.done:
	}
	return nil
}

// SendToClient sends a message to a specific client.
func (h *Hub) SendToClient(clientID string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Send is only closed under the write lock, so holding the read lock
	// keeps the channel open for the duration of the send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	select {
	case client.Send <- data:
	default:
		go h.removeClient(client)
	}
	return nil
}

// ViewerCount returns the number of local viewers of a broadcast.
func (h *Hub) ViewerCount(broadcastID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers[broadcastID])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll drops every connection. Clients see an abnormal closure.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.Conn.Close()
	}
}

func (h *Hub) removeClient(client *Client) {
	client.Conn.Close()
	h.Unregister(client)
}

// ReadPump pumps messages from the WebSocket connection to the handler.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l := pkglog.L()
				l.Debug().Err(err).Str(pkglog.FieldClientID, c.ID).Msg("websocket read error")
			}
			break
		}
		// Any traffic proves the peer is alive.
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.PongWait))
		c.Session.UpdateActivity()

		handler(c, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage sends a message to the client.
func (c *Client) SendMessage(message interface{}) error {
	return c.Hub.SendToClient(c.ID, message)
}
