// Package realtime is the websocket side of a chat session: a reconnecting
// client that implements core.Transport, and a pool that shares one client
// between every session of a process.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/peerlearn/groupchat/core"
	"github.com/sethvargo/go-retry"
)

var errSendBufferFull = errors.New("realtime send buffer is full")

// closeGrace is how long the reader waits for the peer to answer a close frame.
const closeGrace = time.Second

type options struct {
	token       string
	logger      *slog.Logger
	dialer      *websocket.Dialer
	backoffBase time.Duration
	backoffCap  time.Duration
	attempts    uint64
	bufferSize  int
}

type Option func(*options)

// WithToken sets the bearer token sent on the handshake.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithBackoff sets the first reconnect delay and how many attempts are made
// before the client gives up. Delays double up to a cap of 30 base delays.
func WithBackoff(base time.Duration, attempts uint64) Option {
	return func(o *options) {
		o.backoffBase = base
		o.backoffCap = 30 * base
		o.attempts = attempts
	}
}

// Client is a websocket connection to the chat hub that redials when the
// connection drops. Listeners run on the client's own goroutine, never inside
// Emit or Subscribe.
type Client struct {
	url  string
	opts options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	connID    string
	send      chan *core.Event
	listeners map[string]map[uint64]core.Listener
	nextID    uint64
	err       error
}

var _ core.Transport = (*Client)(nil)

// NewClient returns a client for the websocket endpoint at url. Call Start to
// connect.
func NewClient(url string, opts ...Option) *Client {
	o := options{
		logger:      slog.Default(),
		dialer:      websocket.DefaultDialer,
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
		attempts:    5,
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       url,
		opts:      o,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[string]map[uint64]core.Listener),
	}
}

// Start connects in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		c.run()
	}()
}

// Close drops the connection and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// Done is closed once the client stopped, either through Close or because it
// gave up reconnecting. Err reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Emit queues an event for the live connection.
func (c *Client) Emit(eventType string, payload any) error {
	e, err := core.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return core.ErrNotConnected
	}
	select {
	case c.send <- e:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Client) Subscribe(eventType string, l core.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.listeners[eventType] == nil {
		c.listeners[eventType] = make(map[uint64]core.Listener)
	}
	c.listeners[eventType][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[eventType], id)
		})
	}
}

// dispatch calls the listeners of eventType without holding the lock.
func (c *Client) dispatch(eventType string, payload []byte) {
	c.mu.Lock()
	ls := make([]core.Listener, 0, len(c.listeners[eventType]))
	for _, l := range c.listeners[eventType] {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		l(payload)
	}
}

func (c *Client) dispatchLifecycle(eventType, connID string) {
	e, err := core.NewEvent(eventType, core.ConnectPayload{ConnectionID: connID})
	if err != nil {
		return
	}
	c.dispatch(e.Type, e.Payload)
}

func (c *Client) run() {
	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() == nil {
				c.opts.logger.Warn("giving up reconnecting", slog.String("error", err.Error()))
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		c.serve(conn)
		if c.ctx.Err() != nil {
			c.mu.Lock()
			c.err = c.ctx.Err()
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.token != "" {
		header.Set("Authorization", "Bearer "+c.opts.token)
	}

	b := retry.NewExponential(c.opts.backoffBase)
	b = retry.WithCappedDuration(c.opts.backoffCap, b)
	b = retry.WithMaxRetries(c.opts.attempts, b)

	var conn *websocket.Conn
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		ws, res, err := c.opts.dialer.DialContext(ctx, c.url, header)
		if err != nil {
			// An authentication failure will not heal by retrying.
			if res != nil && res.StatusCode == http.StatusUnauthorized {
				return &core.AuthExpiredError{Err: err}
			}
			c.opts.logger.Debug("dial failed", slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		conn = ws
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// serve runs one connection until it drops or the client is closed.
func (c *Client) serve(conn *websocket.Conn) {
	connID := uuid.NewString()
	send := make(chan *core.Event, c.opts.bufferSize)
	logger := c.opts.logger.With(slog.String("conn", connID))

	c.mu.Lock()
	c.connID = connID
	c.send = send
	c.mu.Unlock()
	logger.Debug("connected")
	c.dispatchLifecycle(core.ConnectEvent, connID)

	detach := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.send == send {
			c.send = nil
			c.connID = ""
			close(send)
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn, send, logger)
		conn.SetReadDeadline(time.Now().Add(closeGrace))
	}()
	stop := context.AfterFunc(c.ctx, detach)

	c.readLoop(conn, logger)

	stop()
	detach()
	<-writerDone
	conn.Close()
	logger.Debug("disconnected")
	c.dispatchLifecycle(core.DisconnectEvent, connID)
}

func (c *Client) readLoop(conn *websocket.Conn, logger *slog.Logger) {
	conn.SetReadLimit(core.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(core.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(core.PongWait))
		return nil
	})
	for {
		format, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn(fmt.Sprintf("unexpected close: %v", err))
			}
			return
		}
		if format != websocket.TextMessage {
			continue
		}
		var e core.Event
		if err := core.DecodeEvent(r, &e); err != nil {
			logger.Warn(err.Error())
			continue
		}
		c.dispatch(e.Type, e.Payload)
	}
}

// writeLoop writes queued events and pings. It sends a close frame once send
// is closed.
func (c *Client) writeLoop(conn *websocket.Conn, send <-chan *core.Event, logger *slog.Logger) {
	ticker := time.NewTicker(core.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(core.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				logger.Warn(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := core.EncodeEvent(w, e); err != nil {
				logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				logger.Warn(fmt.Sprintf("flushing frame: %v", err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(core.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
