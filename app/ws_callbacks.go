package groupchat

import (
	"log/slog"

	"github.com/peerlearn/groupchat/hub"
)

func (app *App) onConnectionOpen(c *hub.Conn) {
	app.metrics.connections.Inc()
	app.logger.Debug("connection opened",
		slog.String("conn", c.ID()), slog.String("user", c.Client().UserID))
}

func (app *App) onConnectionClose(c *hub.Conn) {
	app.metrics.connections.Dec()
	app.logger.Debug("connection closed",
		slog.String("conn", c.ID()), slog.String("user", c.Client().UserID))
}

func (app *App) onRoomJoin(c *hub.Conn, roomID string) {
	app.metrics.roomJoins.Inc()
	app.logger.Debug("room joined",
		slog.String("conn", c.ID()), slog.String("room", roomID))
}
