package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is one live connection as tracked by the registry. A user with
// several tabs or devices open holds several Conns.
//
// Outbound frames go through a buffered channel drained by a single
// transport write loop, so frames pushed to one Conn keep their push
// order on the wire.
type Conn struct {
	ID     string
	UserID string
	Role   string

	send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewConn builds a connection owned by the given verified user identity.
// buffer is the outbound frame buffer size.
func NewConn(userID, role string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		send:   make(chan []byte, buffer),
	}
}

// Push enqueues a serialized frame for delivery. Returns false when the
// frame was not enqueued: the connection is closed (skipped without
// error, per fire-and-forget semantics) or its buffer is full (slow
// consumer, frame dropped).
func (c *Conn) Push(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound exposes the frame channel to the transport write loop.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Close marks the connection closed and releases the write loop. Safe to
// call more than once and concurrently with Push.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
