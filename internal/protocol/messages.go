package protocol

import (
	"encoding/json"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
)

// Message types sent by relay clients.
const (
	MsgTypeAuth             = "auth"
	MsgTypeStartBroadcast   = "start_broadcast"
	MsgTypeStopBroadcast    = "stop_broadcast"
	MsgTypeFrame            = "frame"
	MsgTypeListBroadcasts   = "list_broadcasts"
	MsgTypeWatchBroadcast   = "watch_broadcast"
	MsgTypeUnwatchBroadcast = "unwatch_broadcast"
	MsgTypePing             = "ping"
)

// Message types sent by the relay.
const (
	MsgTypeAuthResult       = "auth_result"
	MsgTypeBroadcastStarted = "broadcast_started"
	MsgTypeBroadcastStopped = "broadcast_stopped"
	MsgTypeBroadcastList    = "broadcast_list"
	MsgTypeWatchStarted     = "watch_started"
	MsgTypeWatchStopped     = "watch_stopped"
	MsgTypeBroadcastEnded   = "broadcast_ended"
	MsgTypeError            = "error"
	MsgTypePong             = "pong"
)

// BaseMessage is the common header of every relay message.
type BaseMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Envelope is a received message: its header plus the raw JSON body.
type Envelope struct {
	BaseMessage
	Raw json.RawMessage
}

// Parse decodes the header of a raw message.
func Parse(data []byte) (Envelope, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return Envelope{}, err
	}
	return Envelope{BaseMessage: base, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the full message into v.
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Client -> Relay messages

// AuthMessage authenticates a connection with a password. ResumeToken is set
// on reconnects to recover the previous connection identity.
type AuthMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	Password    string `json:"password"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// StartBroadcastMessage announces a broadcast. BroadcastID is set when
// resuming a broadcast after a reconnect.
type StartBroadcastMessage struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id,omitempty"`
	BroadcastID     string `json:"broadcast_id,omitempty"`
	Name            string `json:"name"`
	BroadcasterName string `json:"broadcaster_name"`
}

// StopBroadcastMessage ends a broadcast.
type StopBroadcastMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
}

// FrameMessage carries one chunk of game-state data, in both directions.
type FrameMessage struct {
	Type        string `json:"type"`
	BroadcastID string `json:"broadcast_id"`
	Seq         uint64 `json:"seq"`
	Data        []byte `json:"data"`
}

// ListBroadcastsMessage requests the viewable broadcasts.
type ListBroadcastsMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// WatchBroadcastMessage subscribes to a broadcast's frames.
type WatchBroadcastMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
}

// UnwatchBroadcastMessage drops a subscription.
type UnwatchBroadcastMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
}

// Relay -> Client messages

// AuthResultMessage answers an AuthMessage.
type AuthResultMessage struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id,omitempty"`
	Success      bool   `json:"success"`
	ConnectionID string `json:"connection_id,omitempty"`
	ResumeToken  string `json:"resume_token,omitempty"`
	Message      string `json:"message,omitempty"`
}

// BroadcastStartedMessage confirms a broadcast announcement.
type BroadcastStartedMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
	Resumed     bool   `json:"resumed,omitempty"`
}

// BroadcastStoppedMessage confirms a StopBroadcastMessage.
type BroadcastStoppedMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
}

// BroadcastListMessage answers a ListBroadcastsMessage.
type BroadcastListMessage struct {
	Type       string                   `json:"type"`
	RequestID  string                   `json:"request_id,omitempty"`
	Broadcasts []domain.BroadcastRecord `json:"broadcasts"`
}

// WatchStartedMessage confirms a WatchBroadcastMessage.
type WatchStartedMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
}

// WatchStoppedMessage confirms an UnwatchBroadcastMessage.
type WatchStoppedMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	BroadcastID string `json:"broadcast_id"`
}

// BroadcastEndedMessage tells viewers a broadcast is over.
type BroadcastEndedMessage struct {
	Type        string `json:"type"`
	BroadcastID string `json:"broadcast_id"`
	Reason      string `json:"reason,omitempty"`
}

// ErrorMessage is sent when a request fails.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Error codes
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeUnknownBroadcast = "UNKNOWN_BROADCAST"
)

// NewErrorMessage creates a new error message.
func NewErrorMessage(requestID, code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:      MsgTypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
}

// Requester is implemented by messages that expect a correlated reply.
type Requester interface {
	SetRequestID(id string)
}

func (m *StartBroadcastMessage) SetRequestID(id string)   { m.RequestID = id }
func (m *StopBroadcastMessage) SetRequestID(id string)    { m.RequestID = id }
func (m *ListBroadcastsMessage) SetRequestID(id string)   { m.RequestID = id }
func (m *WatchBroadcastMessage) SetRequestID(id string)   { m.RequestID = id }
func (m *UnwatchBroadcastMessage) SetRequestID(id string) { m.RequestID = id }
