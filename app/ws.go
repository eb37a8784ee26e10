package groupchat

import (
	"log/slog"
	"net/http"

	"github.com/peerlearn/groupchat/hub"
)

// WSHandler upgrades an authenticated request to the realtime channel.
func (app *App) WSHandler(w http.ResponseWriter, r *http.Request) error {
	session := SessionFromRequest(r)
	client := hub.Client{UserID: session.UserID, Name: session.Name}
	if err := app.hub.Connect(client, w, r); err != nil {
		// The upgrader has already answered the request.
		app.logger.Debug("websocket upgrade", slog.String("error", err.Error()))
	}
	return nil
}
