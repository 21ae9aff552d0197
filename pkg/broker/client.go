package broker

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection roles. A connection starts unassigned and binds to exactly
// one role for its lifetime; it never switches.
const (
	roleSharer = "sharer"
	roleViewer = "viewer"
)

// outbound is one queued write together with its WebSocket message type,
// so a single send channel can carry both JSON control messages and
// binary frames in order.
type outbound struct {
	messageType int
	data        []byte
}

// Client represents a connected WebSocket endpoint and its role state.
// role and code are written only from the connection's own read loop;
// other goroutines interact with a Client through the registry or the
// send queue.
type Client struct {
	id     string
	conn   *websocket.Conn
	role   string // "" until bound, then "sharer" or "viewer"
	code   string // session code once bound
	send   chan outbound
	server *Server

	sendMu sync.Mutex
	closed bool
}

func newClient(server *Server, conn *websocket.Conn) *Client {
	c := &Client{
		id:     uuid.NewString()[:8],
		conn:   conn,
		send:   make(chan outbound, sendQueueSize),
		server: server,
	}
	return c
}

// readPump reads messages from the WebSocket and hands them to the
// router. Units from one connection are processed strictly in order.
func (c *Client) readPump() {
	// shutdown runs before the registry unwind so a join racing the
	// teardown sees the sharer as closed and is refused.
	defer func() {
		c.shutdown()
		c.server.removeClient(c)
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("websocket read error", "conn", c.id, "err", err)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			c.server.handleFrame(c, data)
			continue
		}
		c.server.handleControl(c, data)
	}
}

// writePump drains the send queue onto the WebSocket. It exits when the
// queue is closed (after draining what was already queued) or when a
// write fails.
func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
			return
		}
	}
}

// enqueue queues a write without blocking. Returns false if the client is
// shut down or its buffer is full; a sharer is never held up by a slow
// viewer.
func (c *Client) enqueue(messageType int, data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue exactly once. writePump finishes
// delivering whatever was queued, then closes the connection, which in
// turn unblocks the peer's read loop.
func (c *Client) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// isClosed reports whether the connection has been shut down. The
// registry uses this to refuse joins to a session whose sharer is gone.
func (c *Client) isClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed
}
