package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerlearn/groupchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const baseTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type hubFixture struct {
	t      *testing.T
	hub    *Hub
	server *httptest.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newHubFixture starts a hub behind a test server. setup runs before the
// server accepts connections.
func newHubFixture(t *testing.T, setup ...func(*Hub)) *hubFixture {
	ctx, cancel := context.WithCancel(context.Background())
	f := &hubFixture{t: t, cancel: cancel}
	f.hub = NewHub(ctx, &f.wg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for _, fn := range setup {
		fn(f.hub)
	}

	f.hub.On(core.JoinGroupEvent, func(ctx context.Context, req *Request) error {
		var p core.RoomPayload
		if err := json.Unmarshal(req.Event.Payload, &p); err != nil {
			return err
		}
		f.hub.Join(req.Conn, p.RoomID)
		return nil
	})
	f.hub.On(core.LeaveGroupEvent, func(ctx context.Context, req *Request) error {
		var p core.RoomPayload
		if err := json.Unmarshal(req.Event.Payload, &p); err != nil {
			return err
		}
		f.hub.Leave(req.Conn, p.RoomID)
		return nil
	})
	f.hub.On(core.TypingStartEvent, func(ctx context.Context, req *Request) error {
		var p core.TypingPayload
		if err := json.Unmarshal(req.Event.Payload, &p); err != nil {
			return err
		}
		p.UserID = req.Event.Dispatcher
		return f.hub.Emit(p.RoomID, core.UserTypingEvent, p, req.Conn.ID())
	})
	f.hub.Listen()

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := Client{UserID: r.URL.Query().Get("user"), Name: r.URL.Query().Get("user")}
		if err := f.hub.Connect(client, w, r); err != nil {
			t.Logf("connect: %v", err)
		}
	}))

	t.Cleanup(func() {
		f.cancel()
		f.wg.Wait()
		f.server.Close()
	})
	return f
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan core.Event
	done   chan struct{}
}

func (f *hubFixture) dial(user string) *testClient {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)

	c := &testClient{t: f.t, conn: conn, events: make(chan core.Event, 32), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			var e core.Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			c.events <- e
		}
	}()
	f.t.Cleanup(c.close)
	return c
}

func (c *testClient) send(eventType string, payload any) {
	e, err := core.NewEvent(eventType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(e))
}

func (c *testClient) close() {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
	<-c.done
}

func (c *testClient) expect(eventType string) core.Event {
	select {
	case e := <-c.events:
		require.Equal(c.t, eventType, e.Type)
		return e
	case <-time.After(baseTimeout):
		require.FailNowf(c.t, "timeout", "waiting for %s", eventType)
		return core.Event{}
	}
}

func (c *testClient) expectNothing() {
	select {
	case e := <-c.events:
		assert.Failf(c.t, "unexpected event", "%s", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_BroadcastToRoomMembers(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, carol := f.dial("alice"), f.dial("bob"), f.dial("carol")

	alice.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	bob.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	carol.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-2"})
	require.Eventually(t, func() bool {
		return f.hub.RoomSize("room-1") == 2 && f.hub.RoomSize("room-2") == 1
	}, baseTimeout, 10*time.Millisecond)

	msg := core.ChatMessage{ID: "m1", RoomID: "room-1", Body: "hello"}
	require.NoError(t, f.hub.Emit("room-1", core.NewMessageEvent, msg, ""))

	for _, c := range []*testClient{alice, bob} {
		e := c.expect(core.NewMessageEvent)
		var got core.ChatMessage
		require.NoError(t, json.Unmarshal(e.Payload, &got))
		assert.Equal(t, "m1", got.ID)
	}
	carol.expectNothing()
}

func TestHub_TypingExcludesSender(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.dial("alice"), f.dial("bob")
	alice.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	bob.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	require.Eventually(t, func() bool { return f.hub.RoomSize("room-1") == 2 }, baseTimeout, 10*time.Millisecond)

	// The user id on the wire is replaced by the authenticated one.
	alice.send(core.TypingStartEvent, core.TypingPayload{RoomID: "room-1", UserID: "mallory", UserName: "Alice"})

	e := bob.expect(core.UserTypingEvent)
	var p core.TypingPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	assert.Equal(t, core.TypingPayload{RoomID: "room-1", UserID: "alice", UserName: "Alice"}, p)
	alice.expectNothing()
}

func TestHub_LeaveAndDisconnectForgetMemberships(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := f.dial("alice"), f.dial("bob")
	alice.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	alice.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	bob.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-1"})
	require.Eventually(t, func() bool { return f.hub.RoomSize("room-1") == 2 }, baseTimeout, 10*time.Millisecond)

	bob.send(core.LeaveGroupEvent, core.RoomPayload{RoomID: "room-1"})
	require.Eventually(t, func() bool { return f.hub.RoomSize("room-1") == 1 }, baseTimeout, 10*time.Millisecond)

	require.NoError(t, f.hub.Emit("room-1", core.NewMessageEvent, core.ChatMessage{ID: "m1"}, ""))
	alice.expect(core.NewMessageEvent)
	bob.expectNothing()

	alice.close()
	require.Eventually(t, func() bool {
		return f.hub.RoomSize("room-1") == 0 && f.hub.Connections() == 1
	}, baseTimeout, 10*time.Millisecond)
}

func TestHub_ConnectionHooks(t *testing.T) {
	var (
		mu             sync.Mutex
		opened, closed []string
		joined         []string
	)
	f := newHubFixture(t, func(h *Hub) {
		h.OnConnectionOpened(func(c *Conn) {
			mu.Lock()
			defer mu.Unlock()
			opened = append(opened, c.Client().UserID)
		})
		h.OnConnectionClosed(func(c *Conn) {
			mu.Lock()
			defer mu.Unlock()
			closed = append(closed, c.Client().UserID)
		})
		h.OnRoomJoined(func(c *Conn, room string) {
			mu.Lock()
			defer mu.Unlock()
			joined = append(joined, room)
		})
	})

	alice := f.dial("alice")
	alice.send(core.JoinGroupEvent, core.RoomPayload{RoomID: "room-9"})
	require.Eventually(t, func() bool { return f.hub.RoomSize("room-9") == 1 }, baseTimeout, 10*time.Millisecond)
	alice.close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1
	}, baseTimeout, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice"}, opened)
	assert.Equal(t, []string{"room-9"}, joined)
}
