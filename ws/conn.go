package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered before Send starts dropping.
	sendBuffer = 16
)

// URL derives the chat socket endpoint for a room from an HTTP base URL:
// the scheme is upgraded (http to ws, https to wss) and the bearer token is
// carried as a query parameter.
func URL(base, roomID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/ws/chat/%s/", roomID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn is a live socket subscription to one conversation. It owns the
// underlying websocket exclusively: callers interact only through Send,
// Events and Close. A Conn is not reusable after Close; room changes are
// handled by closing the old Conn and dialing a new one.
type Conn struct {
	conn      *websocket.Conn
	out       chan *Outbound
	events    chan Inbound
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

type Option func(*options)

type options struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Dial opens the socket for roomID against base and starts the read and
// write loops. The returned Conn is connected until the peer closes, a
// transport error occurs, or Close is called.
func Dial(ctx context.Context, base, roomID, token string, opts ...Option) (*Conn, error) {
	o := options{
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := URL(base, roomID, token)
	if err != nil {
		return nil, err
	}

	wsConn, _, err := o.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	c := &Conn{
		conn:   wsConn,
		out:    make(chan *Outbound, sendBuffer),
		events: make(chan Inbound),
		done:   make(chan struct{}),
		logger: o.logger.With(slog.String("room.id", roomID)),
	}
	c.connected.Store(true)

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// Connected reports whether the socket is still open. It flips to false as
// soon as either loop observes a transport failure.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Events returns the stream of decoded inbound events, in the order frames
// arrive from the transport. The channel is closed when the read loop
// exits, which is the caller's signal that the connection is gone.
func (c *Conn) Events() <-chan Inbound {
	return c.events
}

// Send queues one outbound frame. If the connection is not open, or the
// writer cannot keep up, the frame is dropped silently: the protocol's
// outbound events are all safe to lose (the composer's message send is the
// exception, and the UI disables the composer while disconnected).
func (c *Conn) Send(out *Outbound) {
	if !c.connected.Load() {
		return
	}
	select {
	case c.out <- out:
	case <-c.done:
	default:
		c.logger.Debug("send buffer full, dropping frame", slog.String("type", out.Type))
	}
}

// Close shuts the connection down. It is idempotent and non-blocking; the
// write loop sends the close frame and the read loop tears down the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	defer func() {
		c.connected.Store(false)
		c.conn.Close()
		close(c.events)
		c.logger.Debug("exited read loop")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if mt != websocket.TextMessage {
			c.logger.Debug(fmt.Sprintf("unexpected message type: %d", mt))
			continue
		}

		// A corrupt or unrecognized frame is dropped without touching the
		// connection; one bad frame must never kill the stream.
		event, err := DecodeInbound(r)
		if err != nil {
			c.logger.Debug(fmt.Sprintf("DecodeInbound: %v", err))
			continue
		}

		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	var err error
	defer func() {
		ticker.Stop()
		c.connected.Store(false)
		if err != nil {
			c.conn.Close()
		}
		c.logger.Debug("exited write loop")
	}()

	for {
		select {
		case out := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, werr := c.conn.NextWriter(websocket.TextMessage)
			if werr != nil {
				err = werr
				c.logger.Error(fmt.Sprintf("NextWriter: %v", werr))
				return
			}
			if werr := EncodeOutbound(w, out); werr != nil {
				c.logger.Error(fmt.Sprintf("EncodeOutbound: %v", werr))
			}
			w.Close()
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("WritePing: %v", err))
				return
			}
		}
	}
}
