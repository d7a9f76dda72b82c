package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	authWait       = 10 * time.Second
	defaultSendBuf = 64
)

var (
	// ErrSendBufferFull means the connection's outbound queue is
	// saturated; the registry treats this as a dead connection.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed means the connection is already torn down.
	ErrConnectionClosed = errors.New("connection closed")
)

// client owns the write side of one WebSocket. It satisfies
// registry.Sink: Send never blocks, it queues or fails fast so one slow
// consumer cannot stall a room broadcast.
type client struct {
	sock *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(sock *websocket.Conn, buffer int) *client {
	if buffer <= 0 {
		buffer = defaultSendBuf
	}
	return &client{
		sock: sock,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues a payload for the write pump.
func (c *client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which closes the socket.
func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump serializes all writes to the socket and keeps the connection
// alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
