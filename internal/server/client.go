package server

import (
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Client is one websocket connection. It owns the set of in-flight command
// ids for duplicate detection and the outbound send queue drained by the
// write pump. All responses and events for the connection flow through the
// same queue, so the wire sees one serialized stream.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	closed     bool
	inflight   map[int64]struct{}
	subscribed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, 64),
		inflight:   make(map[int64]struct{}),
		subscribed: true,
	}
}

// ID returns the connection's opaque identity.
func (c *Client) ID() string { return c.id }

// beginCommand claims a message id. dup reports an id already outstanding
// on this connection; ok is false with dup false when the connection is
// closed, so a dead client is not mistaken for a duplicate.
func (c *Client) beginCommand(id int64) (ok, dup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	if _, exists := c.inflight[id]; exists {
		return false, true
	}
	c.inflight[id] = struct{}{}
	return true, false
}

// endCommand releases a message id once its single response has been built.
func (c *Client) endCommand(id int64) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// trySend queues data for the write pump. Returns false when the connection
// is closed or its queue is full; a full queue marks the client as too slow
// and the caller evicts it.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend marks the client dead and closes the send queue. Only the hub
// calls this; in-flight command ids are forgotten with the client.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.inflight = nil
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setSubscribed toggles event delivery for this connection.
func (c *Client) setSubscribed(on bool) {
	c.mu.Lock()
	c.subscribed = on
	c.mu.Unlock()
}

func (c *Client) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && !c.closed
}
