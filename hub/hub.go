// Package hub is the server side of the realtime channel: it owns websocket
// connections, tracks which rooms each connection joined and fans events out
// to room members.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/peerlearn/groupchat/core"
)

// Request is an event received from a connection.
type Request struct {
	Conn  *Conn
	Event *core.Event
}

type Handler func(ctx context.Context, req *Request) error

type Hub struct {
	context context.Context
	wg      *sync.WaitGroup
	logger  *slog.Logger

	upgrader websocket.Upgrader
	conns    *SyncMap[string, *Conn]
	// rooms maps a room id to the connections joined to it, keyed by connection id.
	rooms    *SyncMap[string, map[string]*Conn]
	handlers map[string]Handler
	received chan *Request

	onConnectionOpened func(*Conn)
	onConnectionClosed func(*Conn)
	onRoomJoined       func(*Conn, string)
	onRoomLeft         func(*Conn, string)

	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Option func(*Hub)

func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

func NewHub(ctx context.Context, wg *sync.WaitGroup, opts ...Option) *Hub {
	h := &Hub{
		context:            ctx,
		wg:                 wg,
		logger:             slog.Default(),
		upgrader:           defaultUpgrader,
		conns:              NewSyncMap[string, *Conn](),
		rooms:              NewSyncMap[string, map[string]*Conn](),
		handlers:           make(map[string]Handler),
		onConnectionOpened: func(*Conn) {},
		onConnectionClosed: func(*Conn) {},
		onRoomJoined:       func(*Conn, string) {},
		onRoomLeft:         func(*Conn, string) {},
		ReadStreamSize:     100,
		WriteStreamSize:    100,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.received = make(chan *Request, h.ReadStreamSize)
	return h
}

func (h *Hub) OnConnectionOpened(f func(*Conn)) { h.onConnectionOpened = f }

func (h *Hub) OnConnectionClosed(f func(*Conn)) { h.onConnectionClosed = f }

func (h *Hub) OnRoomJoined(f func(*Conn, string)) { h.onRoomJoined = f }

func (h *Hub) OnRoomLeft(f func(*Conn, string)) { h.onRoomLeft = f }

// On registers the handler for eventType. It must be called before Listen.
func (h *Hub) On(eventType string, handler Handler) {
	h.handlers[eventType] = handler
}

// Listen dispatches received events to their handlers in arrival order until
// the hub context is done.
func (h *Hub) Listen() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case req := <-h.received:
				handler, ok := h.handlers[req.Event.Type]
				if !ok {
					h.logger.Debug("no handler", slog.String("event", req.Event.Type))
					continue
				}
				if err := handler(h.context, req); err != nil {
					h.logger.Warn(fmt.Sprintf("%s handler: %v", req.Event.Type, err),
						slog.String("conn", req.Conn.id))
				}
			case <-h.context.Done():
				return
			}
		}
	}()
}

// Connect upgrades the request and starts serving the connection for client.
func (h *Hub) Connect(client Client, w http.ResponseWriter, r *http.Request) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	id := uuid.NewString()
	c := &Conn{
		id:          id,
		client:      client,
		conn:        ws,
		context:     h.context,
		hub:         h,
		ticker:      time.NewTicker(core.PingPeriod),
		writeStream: make(chan *core.Event, h.WriteStreamSize),
		rooms:       make(map[string]struct{}),
		logger:      h.logger.With(slog.String("conn", id), slog.String("user", client.UserID)),
	}
	h.conns.Store(id, c)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()

	h.onConnectionOpened(c)
	return nil
}

// disconnect forgets c and every room membership it held.
func (h *Hub) disconnect(c *Conn) {
	if _, ok := h.conns.LoadAndDelete(c.id); !ok {
		return
	}
	for _, room := range c.Rooms() {
		h.Leave(c, room)
	}
	c.close()
	h.onConnectionClosed(c)
}

// Join subscribes c to roomID. It reports false if c already joined it.
func (h *Hub) Join(c *Conn, roomID string) bool {
	if !c.joinRoom(roomID) {
		return false
	}
	h.rooms.Update(roomID, func(members map[string]*Conn, ok bool) (map[string]*Conn, bool) {
		if !ok {
			members = make(map[string]*Conn)
		}
		members[c.id] = c
		return members, true
	})
	h.onRoomJoined(c, roomID)
	return true
}

// Leave unsubscribes c from roomID. It reports false if c was not joined.
func (h *Hub) Leave(c *Conn, roomID string) bool {
	if !c.leaveRoom(roomID) {
		return false
	}
	h.rooms.Update(roomID, func(members map[string]*Conn, ok bool) (map[string]*Conn, bool) {
		if !ok {
			return nil, false
		}
		delete(members, c.id)
		return members, len(members) > 0
	})
	h.onRoomLeft(c, roomID)
	return true
}

// BroadcastToRoom writes e to every connection joined to roomID except the
// connection with id except. Stalled connections are dropped. It returns the
// number of connections e was queued for.
func (h *Hub) BroadcastToRoom(roomID string, e *core.Event, except string) int {
	var (
		delivered int
		stalled   []*Conn
	)
	h.rooms.View(roomID, func(members map[string]*Conn, _ bool) {
		for connID, c := range members {
			if connID == except {
				continue
			}
			if c.enqueue(e) {
				delivered++
			} else {
				stalled = append(stalled, c)
			}
		}
	})
	for _, c := range stalled {
		c.logger.Warn("dropping stalled connection")
		h.disconnect(c)
	}
	return delivered
}

// Emit marshals payload and broadcasts it to roomID.
func (h *Hub) Emit(roomID, eventType string, payload any, except string) error {
	e, err := core.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	h.BroadcastToRoom(roomID, e, except)
	return nil
}

// Send writes an event to a single connection.
func (h *Hub) Send(c *Conn, eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if !c.enqueue(&core.Event{Type: eventType, Payload: b}) {
		return fmt.Errorf("connection %s is not writable", c.id)
	}
	return nil
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	return h.conns.Len()
}

// RoomSize returns the number of connections joined to roomID.
func (h *Hub) RoomSize(roomID string) int {
	var n int
	h.rooms.Range(func(id string, members map[string]*Conn) bool {
		if id == roomID {
			n = len(members)
			return false
		}
		return true
	})
	return n
}

// CloseAll closes every connection. Their loops exit once the peers are gone
// or the hub context is done.
func (h *Hub) CloseAll() {
	var conns []*Conn
	h.conns.Range(func(_ string, c *Conn) bool {
		conns = append(conns, c)
		return true
	})
	for _, c := range conns {
		h.disconnect(c)
	}
}
