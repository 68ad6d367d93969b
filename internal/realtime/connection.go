// Package realtime serves live chat connections over websockets.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 128
)

var (
	errConnectionClosed = errors.New("connection closed")
	errBufferExceeded   = errors.New("connection buffer exceeded")
)

// Connection wraps one device's websocket. Outbound frames go through a
// buffered channel drained by a single write loop, so Send never blocks.
type Connection struct {
	id   string
	user model.Identity

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection constructs a Connection for the given user.
func NewConnection(user model.Identity, ws *websocket.Conn) *Connection {
	return &Connection{
		id:     uuid.NewString(),
		user:   user,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// ID returns the connection handle.
func (c *Connection) ID() string { return c.id }

// User returns the authenticated identity behind the connection.
func (c *Connection) User() model.Identity { return c.user }

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues a frame. A client that cannot keep up is disconnected rather
// than allowed to stall publishers.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case <-c.closed:
		return errConnectionClosed
	case c.send <- frame:
		return nil
	default:
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return errBufferExceeded
	}
}

// Close terminates the connection and stops the write loop.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// ReadLoop delivers text frames to handle until the peer goes away or stops
// answering pings. It returns the read error that ended the loop.
func (c *Connection) ReadLoop(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
