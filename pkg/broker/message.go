package broker

import "encoding/json"

// Control message types exchanged over the WebSocket.
// Binary messages are screen frames and carry no type field.
const (
	TypeStartSharing       = "start-sharing"       // sharer -> broker
	TypeSessionCreated     = "session-created"     // broker -> sharer, carries code
	TypeJoinSession        = "join-session"        // viewer -> broker, carries code
	TypeViewerJoined       = "viewer-joined"       // broker -> viewer, carries success
	TypeViewerConnected    = "viewer-connected"    // broker -> sharer
	TypeControlRequest     = "control-request"     // viewer -> broker -> sharer
	TypeControlGranted     = "control-granted"     // sharer -> broker
	TypeControlRevoke      = "control-revoke"      // sharer -> broker
	TypeControlStatus      = "control-status"      // broker -> viewers, carries allowed
	TypeInput              = "input"               // viewer -> broker; broker -> sharer (wrapped)
	TypeSharerDisconnected = "sharer-disconnected" // broker -> viewers
)

// Envelope is the decoded form of an inbound control message. Only the
// fields the broker routes on are decoded; input events keep their full
// payload as raw bytes so they can be forwarded verbatim.
type Envelope struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

type sessionCreatedMsg struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type viewerJoinedMsg struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type controlStatusMsg struct {
	Type    string `json:"type"`
	Allowed bool   `json:"allowed"`
}

type inputForwardMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type noticeMsg struct {
	Type string `json:"type"`
}
