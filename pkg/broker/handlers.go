package broker

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// handleFrame broadcasts a binary screen frame from the sharer to every
// viewer in its session. Frames from any other role are dropped: this is
// the fail-closed policy for out-of-protocol traffic.
func (s *Server) handleFrame(c *Client, frame []byte) {
	if c.role != roleSharer || c.code == "" {
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		return
	}

	for _, viewer := range s.registry.Viewers(c.code) {
		if viewer.enqueue(websocket.BinaryMessage, frame) {
			s.metrics.framesRelayed.Inc()
			s.metrics.frameBytes.Add(float64(len(frame)))
		} else {
			s.metrics.messagesDropped.WithLabelValues(dropBackpressure).Inc()
		}
	}
}

// handleControl routes one structured control message. Malformed or
// out-of-protocol messages are dropped without reply; nothing a client
// sends may crash the broker or leak state.
func (s *Server) handleControl(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.metrics.messagesDropped.WithLabelValues(dropMalformed).Inc()
		s.logger.Warn("malformed control message", "conn", c.id, "err", err)
		return
	}

	switch env.Type {
	case TypeStartSharing:
		s.handleStartSharing(c)
	case TypeJoinSession:
		s.handleJoinSession(c, env.Code)
	case TypeControlRequest:
		s.handleControlRequest(c)
	case TypeControlGranted:
		s.handleControlToggle(c, true)
	case TypeControlRevoke:
		s.handleControlToggle(c, false)
	case TypeInput:
		s.handleInput(c, raw)
	default:
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		s.logger.Debug("unknown message type", "conn", c.id, "type", env.Type)
	}
}

// handleStartSharing creates a session and binds the connection as its
// sharer. Only unassigned connections may start sharing.
func (s *Server) handleStartSharing(c *Client) {
	if c.role != "" {
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		return
	}

	code, err := s.registry.Create(c)
	if err != nil {
		// Registry-level exhaustion is the one condition reported as a
		// hard failure rather than absorbed.
		s.logger.Error("session create failed", "conn", c.id, "err", err)
		c.shutdown()
		return
	}

	c.role = roleSharer
	c.code = code
	s.metrics.sessionsActive.Inc()
	s.metrics.sessionsCreated.Inc()
	s.logger.Info("session created", "conn", c.id, "code", code)

	data, _ := json.Marshal(sessionCreatedMsg{Type: TypeSessionCreated, Code: code})
	c.enqueue(websocket.TextMessage, data)
}

// handleJoinSession attaches the connection as a viewer. Bad codes and
// offline sharers both surface to the caller as a generic join failure;
// the distinction is kept internally for logs and metrics.
func (s *Server) handleJoinSession(c *Client, rawCode string) {
	code := NormalizeSessionCode(rawCode)

	// A viewer repeating the join for its own session is acknowledged
	// again without duplicating membership. Anything else from a bound
	// connection is a role violation.
	if c.role != "" && !(c.role == roleViewer && c.code == code) {
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		return
	}

	err := s.registry.AttachViewer(code, c)
	if err != nil {
		reason := "not_found"
		if errors.Is(err, ErrSharerUnavailable) {
			reason = "sharer_offline"
		}
		s.metrics.joinFailures.WithLabelValues(reason).Inc()
		s.logger.Info("join rejected", "conn", c.id, "code", code, "reason", reason)

		data, _ := json.Marshal(viewerJoinedMsg{Type: TypeViewerJoined, Success: false})
		c.enqueue(websocket.TextMessage, data)
		return
	}

	rejoin := c.role == roleViewer
	c.role = roleViewer
	c.code = code
	if !rejoin {
		s.metrics.viewersActive.Inc()
	}
	s.logger.Info("viewer joined", "conn", c.id, "code", code)

	data, _ := json.Marshal(viewerJoinedMsg{Type: TypeViewerJoined, Success: true})
	c.enqueue(websocket.TextMessage, data)

	if !rejoin {
		if sharer := s.registry.Sharer(code); sharer != nil {
			notify, _ := json.Marshal(noticeMsg{Type: TypeViewerConnected})
			sharer.enqueue(websocket.TextMessage, notify)
		}
	}
}

// handleControlRequest relays a viewer's request for remote control to
// the sharer. Requests are one-shot notifications: nothing durable
// changes until the sharer grants.
func (s *Server) handleControlRequest(c *Client) {
	if c.role != roleViewer || c.code == "" {
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		return
	}

	sharer := s.registry.Sharer(c.code)
	if sharer == nil {
		return
	}
	data, _ := json.Marshal(noticeMsg{Type: TypeControlRequest})
	sharer.enqueue(websocket.TextMessage, data)
}

// handleControlToggle applies a grant or revoke from the sharer and
// broadcasts the new control state to every viewer in the session. The
// gate is session-wide: while allowed, any viewer's input is forwarded.
func (s *Server) handleControlToggle(c *Client, allowed bool) {
	if c.role != roleSharer || c.code == "" {
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		return
	}

	s.registry.SetControl(c.code, allowed)
	s.logger.Info("control state changed", "code", c.code, "allowed", allowed)

	data, _ := json.Marshal(controlStatusMsg{Type: TypeControlStatus, Allowed: allowed})
	for _, viewer := range s.registry.Viewers(c.code) {
		viewer.enqueue(websocket.TextMessage, data)
	}
}

// handleInput forwards a viewer's input event to the sharer, wrapped so
// the sharer sees the original message verbatim as the payload. When the
// control gate is closed the event is dropped silently: this drop is the
// authorization boundary.
func (s *Server) handleInput(c *Client, raw []byte) {
	if c.role != roleViewer || c.code == "" {
		s.metrics.messagesDropped.WithLabelValues(dropViolation).Inc()
		return
	}
	if !s.registry.ControlAllowed(c.code) {
		s.metrics.messagesDropped.WithLabelValues(dropGateClosed).Inc()
		return
	}

	sharer := s.registry.Sharer(c.code)
	if sharer == nil {
		return
	}
	data, _ := json.Marshal(inputForwardMsg{Type: TypeInput, Payload: raw})
	if sharer.enqueue(websocket.TextMessage, data) {
		s.metrics.inputsForwarded.Inc()
	} else {
		s.metrics.messagesDropped.WithLabelValues(dropBackpressure).Inc()
	}
}
