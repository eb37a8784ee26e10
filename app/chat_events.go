package groupchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peerlearn/groupchat/core"
	"github.com/peerlearn/groupchat/hub"
)

var (
	errMissingRoom = errors.New("missing roomId")
	errNotJoined   = errors.New("connection has not joined the room")
)

func decodeRoom(e *core.Event) (string, error) {
	var p core.RoomPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	if p.RoomID == "" {
		return "", errMissingRoom
	}
	return p.RoomID, nil
}

func (app *App) JoinGroupHandler(ctx context.Context, req *hub.Request) error {
	roomID, err := decodeRoom(req.Event)
	if err != nil {
		return err
	}
	app.hub.Join(req.Conn, roomID)
	return nil
}

func (app *App) LeaveGroupHandler(ctx context.Context, req *hub.Request) error {
	roomID, err := decodeRoom(req.Event)
	if err != nil {
		return err
	}
	app.hub.Leave(req.Conn, roomID)
	return nil
}

// relayTyping forwards a typing signal to the other members of the room as
// eventType. The user identity is taken from the connection, not the payload.
func (app *App) relayTyping(req *hub.Request, eventType string) error {
	var typing core.TypingPayload
	if err := json.Unmarshal(req.Event.Payload, &typing); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", req.Event.Type, err)
	}
	if typing.RoomID == "" {
		return errMissingRoom
	}
	if !req.Conn.InRoom(typing.RoomID) {
		return errNotJoined
	}

	typing.UserID = req.Event.Dispatcher
	if eventType == core.UserStopTypingEvent {
		typing.UserName = ""
	} else if typing.UserName == "" {
		typing.UserName = req.Conn.Client().Name
	}

	app.metrics.typingEvents.WithLabelValues(eventType).Inc()
	return app.hub.Emit(typing.RoomID, eventType, typing, req.Conn.ID())
}

func (app *App) TypingStartHandler(ctx context.Context, req *hub.Request) error {
	return app.relayTyping(req, core.UserTypingEvent)
}

func (app *App) TypingStopHandler(ctx context.Context, req *hub.Request) error {
	return app.relayTyping(req, core.UserStopTypingEvent)
}
