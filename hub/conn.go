package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerlearn/groupchat/core"
)

// Client is the authenticated user behind a connection.
type Client struct {
	UserID string
	Name   string
}

// Conn is one websocket connection of a client.
type Conn struct {
	id      string
	client  Client
	conn    *websocket.Conn
	context context.Context
	hub     *Hub
	ticker  *time.Ticker
	logger  *slog.Logger

	mu          sync.Mutex
	closed      bool
	writeStream chan *core.Event
	rooms       map[string]struct{}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Client() Client { return c.client }

// enqueue schedules e for writing. A connection whose buffer is full is
// considered stalled and reported as not accepting.
func (c *Conn) enqueue(e *core.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.writeStream <- e:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.writeStream)
}

func (c *Conn) joinRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Conn) leaveRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// Rooms returns the rooms the connection has joined.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(core.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(core.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(core.PongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event core.Event
		if err := core.DecodeEvent(r, &event); err != nil {
			c.logger.Warn(err.Error())
			continue
		}
		event.Dispatcher = c.client.UserID
		c.logger.Debug(event.String())

		select {
		case c.hub.received <- &Request{Conn: c, Event: &event}:
		case <-c.context.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	defer func() {
		c.ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(core.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Warn(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := core.EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Warn(fmt.Sprintf("flushing frame: %v", err))
				return
			}
		case <-c.context.Done():
			c.conn.SetWriteDeadline(time.Now().Add(core.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(core.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
