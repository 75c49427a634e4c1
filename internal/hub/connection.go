package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the per-connection outbound queue size.
const DefaultSendBuffer = 256

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection represents a single live connection of an authenticated user.
type Connection struct {
	ID     string
	UserID int64
	Conn   *websocket.Conn

	send   chan []byte
	sendMu sync.Mutex
	closed bool

	writeMu sync.Mutex
}

// NewConnection creates a connection for userID. ws may be nil for
// connections that are drained by something other than a websocket pump.
func NewConnection(userID int64, ws *websocket.Conn) *Connection {
	return NewConnectionWithBuffer(userID, ws, DefaultSendBuffer)
}

// NewConnectionWithBuffer creates a connection with a custom outbound queue size.
func NewConnectionWithBuffer(userID int64, ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   ws,
		send:   make(chan []byte, buffer),
	}
}

// Outbound returns the queue drained by the connection's writer.
// It is closed when the connection is unregistered.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Enqueue queues data without blocking.
func (c *Connection) Enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// closeSend closes the outbound queue once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
