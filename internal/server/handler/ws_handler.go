package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/server/hub"
	"github.com/weiawesome/slippi-broadcast/internal/server/service"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles relay websocket connections.
type WSHandler struct {
	hub     *hub.Hub
	service service.RelayService
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(h *hub.Hub, svc service.RelayService) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := pkglog.L()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn)
	client.SetDisconnectHandler(func(c *hub.Client) {
		if err := h.service.HandleDisconnect(context.Background(), c); err != nil {
			l.Error().Err(err).Str(pkglog.FieldClientID, c.ID).Msg("disconnect handler error")
		}
	})

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

// decode unmarshals message into v, answering malformed input with an
// error reply.
func decode(client *hub.Client, message []byte, requestID string, v interface{}) bool {
	if err := json.Unmarshal(message, v); err != nil {
		client.SendMessage(protocol.NewErrorMessage(requestID, protocol.ErrCodeBadRequest, "Invalid message format"))
		return false
	}
	return true
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	l := pkglog.L()

	var base protocol.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(protocol.NewErrorMessage("", protocol.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	ctx := context.Background()
	var err error

	switch base.Type {
	case protocol.MsgTypeAuth:
		var msg protocol.AuthMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleAuth(ctx, client, &msg)
		}

	case protocol.MsgTypeStartBroadcast:
		var msg protocol.StartBroadcastMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleStartBroadcast(ctx, client, &msg)
		}

	case protocol.MsgTypeFrame:
		var msg protocol.FrameMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleFrame(ctx, client, &msg)
		}

	case protocol.MsgTypeStopBroadcast:
		var msg protocol.StopBroadcastMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleStopBroadcast(ctx, client, &msg)
		}

	case protocol.MsgTypeListBroadcasts:
		var msg protocol.ListBroadcastsMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleListBroadcasts(ctx, client, &msg)
		}

	case protocol.MsgTypeWatchBroadcast:
		var msg protocol.WatchBroadcastMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleWatch(ctx, client, &msg)
		}

	case protocol.MsgTypeUnwatchBroadcast:
		var msg protocol.UnwatchBroadcastMessage
		if decode(client, message, base.RequestID, &msg) {
			err = h.service.HandleUnwatch(ctx, client, &msg)
		}

	case protocol.MsgTypePing:
		client.SendMessage(&protocol.BaseMessage{Type: protocol.MsgTypePong, RequestID: base.RequestID})

	default:
		client.SendMessage(protocol.NewErrorMessage(base.RequestID, protocol.ErrCodeBadRequest, "Unknown message type"))
	}

	if err != nil {
		l.Warn().Err(err).Str(pkglog.FieldClientID, client.ID).
			Str(pkglog.FieldMessageType, base.Type).Msg("relay request failed")
	}
}
