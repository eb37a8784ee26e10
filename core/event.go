//go:generate go run go.uber.org/mock/mockgen -source=event.go -destination=../mocks/mock_transport.go -package=mocks

package core

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Websocket keepalive parameters shared by both ends of the realtime channel.
const (
	// Time allowed to write a message to the peer.
	WriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	PongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod = (PongWait * 9) / 10

	// Maximum message size allowed from peer.
	MaxMessageSize = 64 << 10
)

// Realtime event types.
const (
	JoinGroupEvent      = "join-group"
	LeaveGroupEvent     = "leave-group"
	TypingStartEvent    = "typing-start"
	TypingStopEvent     = "typing-stop"
	NewMessageEvent     = "new-message"
	UserTypingEvent     = "user-typing"
	UserStopTypingEvent = "user-stop-typing"

	// ConnectEvent and DisconnectEvent are dispatched locally by the transport
	// when the underlying connection comes up or goes away. They never travel
	// over the wire.
	ConnectEvent    = "connect"
	DisconnectEvent = "disconnect"
)

// Event is the wire envelope of the realtime channel.
type Event struct {
	// Dispatcher is the user id of the sender. It is set by the server on
	// events it receives and is never trusted from the wire.
	Dispatcher string          `json:"-"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s, Type: %s, Payload.Size: %d}", e.Dispatcher, e.Type, len(e.Payload))
}

// NewEvent marshals payload into an event of type t.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// RoomPayload is the payload of join-group and leave-group.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// TypingPayload is the payload of typing-start, typing-stop, user-typing and
// user-stop-typing. UserName is empty on stop events.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ConnectPayload is dispatched with ConnectEvent and DisconnectEvent.
type ConnectPayload struct {
	ConnectionID string `json:"connectionId"`
}

// Listener receives the raw payload of an event.
type Listener func(payload json.RawMessage)

// Transport is the process-wide realtime connection as seen by a chat session.
// The session never owns its lifecycle; it only emits and listens.
type Transport interface {
	// ConnectionID identifies the live connection. It is empty while down and
	// changes on every reconnect.
	ConnectionID() string
	// Emit sends an event. It returns ErrNotConnected when there is no live connection.
	Emit(eventType string, payload any) error
	// Subscribe registers l for eventType and returns a function that removes it.
	Subscribe(eventType string, l Listener) (unsubscribe func())
}
