// Package client speaks the broker's wire protocol for both roles. A
// sharer calls StartSharing and pushes frames; a viewer calls Join,
// consumes Frames, and may request remote control and forward input.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrJoinFailed is returned when the broker rejects a join-session
// request (bad code or the sharer is gone).
var ErrJoinFailed = errors.New("join rejected by broker")

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("client closed")

// Event is one decoded control message from the broker. Fields are
// populated according to the message type; Payload carries the original
// viewer message for forwarded input events.
type Event struct {
	Type    string          `json:"type"`
	Code    string          `json:"code,omitempty"`
	Success bool            `json:"success,omitempty"`
	Allowed bool            `json:"allowed,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InputEvent is a remote-control input message. Zero-valued fields are
// omitted on the wire.
type InputEvent struct {
	Type      string `json:"type"`
	InputType string `json:"inputType"` // "mouse" or "keyboard"
	Event     string `json:"event"`     // move, click, keydown, keyup
	X         int    `json:"x,omitempty"`
	Y         int    `json:"y,omitempty"`
	Button    string `json:"button,omitempty"` // left, right, middle
	Key       string `json:"key,omitempty"`
}

// Client is one connection to the broker.
type Client struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	events chan Event
	frames chan []byte
	done   chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// Dial connects to the broker's /ws endpoint. The connection starts
// unassigned; follow with StartSharing or Join.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		close(c.frames)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if messageType == websocket.BinaryMessage {
			select {
			case c.frames <- data:
			case <-c.done:
				return
			default:
				// Frame backlog; drop. Latest state wins.
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// StartSharing registers this connection as a sharer and returns the
// session code to hand to viewers.
func (c *Client) StartSharing(ctx context.Context) (string, error) {
	if err := c.writeJSON(Event{Type: "start-sharing"}); err != nil {
		return "", err
	}
	ev, err := c.awaitEvent(ctx, "session-created")
	if err != nil {
		return "", err
	}
	return ev.Code, nil
}

// Join attaches this connection as a viewer of the session identified by
// code. Returns ErrJoinFailed on a negative acknowledgment.
func (c *Client) Join(ctx context.Context, code string) error {
	if err := c.writeJSON(Event{Type: "join-session", Code: code}); err != nil {
		return err
	}
	ev, err := c.awaitEvent(ctx, "viewer-joined")
	if err != nil {
		return err
	}
	if !ev.Success {
		return ErrJoinFailed
	}
	return nil
}

// SendFrame sends one encoded still image to the broker for fan-out.
func (c *Client) SendFrame(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

// RequestControl asks the sharer for remote control (viewer role).
func (c *Client) RequestControl() error {
	return c.writeJSON(Event{Type: "control-request"})
}

// GrantControl opens the session's input gate (sharer role).
func (c *Client) GrantControl() error {
	return c.writeJSON(Event{Type: "control-granted"})
}

// RevokeControl closes the session's input gate (sharer role).
func (c *Client) RevokeControl() error {
	return c.writeJSON(Event{Type: "control-revoke"})
}

// SendInput forwards one input event (viewer role). The broker relays it
// to the sharer only while control is granted.
func (c *Client) SendInput(ev InputEvent) error {
	ev.Type = "input"
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Events returns the stream of control messages from the broker. Closed
// when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Frames returns the stream of received screen frames (viewer role).
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.conn.Close()
}

// awaitEvent consumes events until one of the wanted type arrives.
// Intended for the handshake step, before the caller starts draining
// Events itself.
func (c *Client) awaitEvent(ctx context.Context, wanted string) (Event, error) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, ErrClosed
			}
			if ev.Type == wanted {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return ErrClosed
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}
