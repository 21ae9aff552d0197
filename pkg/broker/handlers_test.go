package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recvOutbound pops the next queued write for a client, failing the test
// if nothing arrives promptly.
func recvOutbound(t *testing.T, c *Client) outbound {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send queue closed while a message was expected")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
	return outbound{}
}

// recvControl decodes the next queued text message for a client.
func recvControl(t *testing.T, c *Client) map[string]any {
	t.Helper()
	msg := recvOutbound(t, c)
	if msg.messageType != websocket.TextMessage {
		t.Fatalf("expected text message, got type %d", msg.messageType)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.data, &decoded); err != nil {
		t.Fatalf("outbound message is not JSON: %v", err)
	}
	return decoded
}

// assertQuiet verifies nothing is queued for the client.
func assertQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected outbound message: %s", msg.data)
	default:
	}
}

func control(t *testing.T, s *Server, c *Client, format string, args ...any) {
	t.Helper()
	s.handleControl(c, []byte(fmt.Sprintf(format, args...)))
}

// startSession drives a start-sharing exchange and returns the code.
func startSession(t *testing.T, s *Server, sharer *Client) string {
	t.Helper()
	control(t, s, sharer, `{"type":"start-sharing"}`)
	reply := recvControl(t, sharer)
	if reply["type"] != TypeSessionCreated {
		t.Fatalf("expected session-created, got %v", reply["type"])
	}
	code, _ := reply["code"].(string)
	if !ValidateSessionCode(code) {
		t.Fatalf("session-created carried malformed code %q", code)
	}
	return code
}

// joinSession drives a successful join and drains the sharer's
// viewer-connected notification.
func joinSession(t *testing.T, s *Server, viewer, sharer *Client, code string) {
	t.Helper()
	control(t, s, viewer, `{"type":"join-session","code":%q}`, code)
	reply := recvControl(t, viewer)
	if reply["type"] != TypeViewerJoined || reply["success"] != true {
		t.Fatalf("expected successful viewer-joined, got %v", reply)
	}
	notify := recvControl(t, sharer)
	if notify["type"] != TypeViewerConnected {
		t.Fatalf("expected viewer-connected at sharer, got %v", notify["type"])
	}
}

func TestStartSharingBindsSharer(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)

	code := startSession(t, s, sharer)

	if sharer.role != roleSharer || sharer.code != code {
		t.Errorf("connection not bound: role=%q code=%q", sharer.role, sharer.code)
	}
	if _, ok := s.registry.Lookup(code); !ok {
		t.Error("session missing from registry")
	}
}

func TestStartSharingTwiceDropped(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	startSession(t, s, sharer)

	control(t, s, sharer, `{"type":"start-sharing"}`)
	assertQuiet(t, sharer)
	if got := s.registry.SessionCount(); got != 1 {
		t.Errorf("session count = %d, want 1", got)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	s := newTestServer()
	viewer := fakeClient(s)

	control(t, s, viewer, `{"type":"join-session","code":"WRONGCODE"}`)
	reply := recvControl(t, viewer)
	if reply["type"] != TypeViewerJoined || reply["success"] != false {
		t.Fatalf("expected negative viewer-joined, got %v", reply)
	}
	if viewer.role != "" {
		t.Errorf("failed join must not bind a role, got %q", viewer.role)
	}
}

func TestJoinNormalizesCode(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)

	viewer := fakeClient(s)
	control(t, s, viewer, `{"type":"join-session","code":%q}`, "  "+string(bytes.ToLower([]byte(code)))+" ")
	reply := recvControl(t, viewer)
	if reply["success"] != true {
		t.Fatalf("lowercased code rejected: %v", reply)
	}
	if viewer.code != code {
		t.Errorf("viewer bound to %q, want %q", viewer.code, code)
	}
}

func TestJoinIdempotentPerConnection(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)

	viewer := fakeClient(s)
	joinSession(t, s, viewer, sharer, code)

	// Repeat join: acked again, no duplicate membership, no second
	// notification to the sharer.
	control(t, s, viewer, `{"type":"join-session","code":%q}`, code)
	reply := recvControl(t, viewer)
	if reply["success"] != true {
		t.Fatalf("re-join rejected: %v", reply)
	}
	assertQuiet(t, sharer)
	if got := len(s.registry.Viewers(code)); got != 1 {
		t.Errorf("viewer registered %d times, want 1", got)
	}
}

func TestJoinFromBoundConnectionDropped(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)

	other := fakeClient(s)
	otherCode := startSession(t, s, other)

	// A sharer asking to join is a protocol violation: silence.
	control(t, s, sharer, `{"type":"join-session","code":%q}`, otherCode)
	assertQuiet(t, sharer)

	// A viewer of one session asking to join another: silence too.
	viewer := fakeClient(s)
	joinSession(t, s, viewer, sharer, code)
	control(t, s, viewer, `{"type":"join-session","code":%q}`, otherCode)
	assertQuiet(t, viewer)
	if viewer.code != code {
		t.Errorf("viewer rebound to %q", viewer.code)
	}
}

func TestFrameBroadcast(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)

	v1 := fakeClient(s)
	v2 := fakeClient(s)
	joinSession(t, s, v1, sharer, code)
	joinSession(t, s, v2, sharer, code)

	bystander := fakeClient(s)
	otherSharer := fakeClient(s)
	otherCode := startSession(t, s, otherSharer)
	joinSession(t, s, bystander, otherSharer, otherCode)

	frame := []byte{0xff, 0xd8, 0x01, 0x02, 0x03, 0xff, 0xd9}
	s.handleFrame(sharer, frame)

	for _, v := range []*Client{v1, v2} {
		msg := recvOutbound(t, v)
		if msg.messageType != websocket.BinaryMessage {
			t.Fatalf("frame delivered as message type %d", msg.messageType)
		}
		if !bytes.Equal(msg.data, frame) {
			t.Errorf("frame corrupted in transit: %x", msg.data)
		}
	}
	assertQuiet(t, bystander)
	assertQuiet(t, sharer)
}

func TestFrameFromViewerDropped(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	viewer := fakeClient(s)
	joinSession(t, s, viewer, sharer, code)

	s.handleFrame(viewer, []byte{0x01})
	assertQuiet(t, sharer)

	s.handleFrame(fakeClient(s), []byte{0x01})
	assertQuiet(t, sharer)
}

func TestControlRequestForwardedToSharerOnly(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	v1 := fakeClient(s)
	v2 := fakeClient(s)
	joinSession(t, s, v1, sharer, code)
	joinSession(t, s, v2, sharer, code)

	control(t, s, v1, `{"type":"control-request"}`)

	msg := recvControl(t, sharer)
	if msg["type"] != TypeControlRequest {
		t.Fatalf("sharer got %v, want control-request", msg["type"])
	}
	assertQuiet(t, v1)
	assertQuiet(t, v2)
}

func TestControlGrantBroadcastsStatus(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	v1 := fakeClient(s)
	v2 := fakeClient(s)
	joinSession(t, s, v1, sharer, code)
	joinSession(t, s, v2, sharer, code)

	control(t, s, sharer, `{"type":"control-granted"}`)
	for _, v := range []*Client{v1, v2} {
		msg := recvControl(t, v)
		if msg["type"] != TypeControlStatus || msg["allowed"] != true {
			t.Fatalf("viewer got %v, want control-status allowed", msg)
		}
	}
	if !s.registry.ControlAllowed(code) {
		t.Error("registry gate not opened by grant")
	}

	control(t, s, sharer, `{"type":"control-revoke"}`)
	for _, v := range []*Client{v1, v2} {
		msg := recvControl(t, v)
		if msg["type"] != TypeControlStatus || msg["allowed"] != false {
			t.Fatalf("viewer got %v, want control-status revoked", msg)
		}
	}
	if s.registry.ControlAllowed(code) {
		t.Error("registry gate still open after revoke")
	}
}

func TestControlGrantFromViewerDropped(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	viewer := fakeClient(s)
	joinSession(t, s, viewer, sharer, code)

	control(t, s, viewer, `{"type":"control-granted"}`)
	assertQuiet(t, viewer)
	if s.registry.ControlAllowed(code) {
		t.Error("viewer opened the control gate")
	}
}

func TestInputGatedOnControl(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	viewer := fakeClient(s)
	joinSession(t, s, viewer, sharer, code)

	original := `{"type":"input","inputType":"mouse","event":"move","x":120,"y":45}`

	// Gate closed: dropped with no reply and no forward.
	control(t, s, viewer, "%s", original)
	assertQuiet(t, sharer)
	assertQuiet(t, viewer)

	// Gate open: exactly one wrapped forward, payload verbatim.
	control(t, s, sharer, `{"type":"control-granted"}`)
	recvControl(t, viewer) // control-status

	control(t, s, viewer, "%s", original)
	msg := recvOutbound(t, sharer)
	var wrapped inputForwardMsg
	if err := json.Unmarshal(msg.data, &wrapped); err != nil {
		t.Fatalf("forwarded input not JSON: %v", err)
	}
	if wrapped.Type != TypeInput {
		t.Fatalf("forward type = %q, want input", wrapped.Type)
	}
	if string(wrapped.Payload) != original {
		t.Errorf("payload altered in transit:\n got %s\nwant %s", wrapped.Payload, original)
	}
	assertQuiet(t, sharer)
}

func TestInputFromSharerDropped(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	viewer := fakeClient(s)
	joinSession(t, s, viewer, sharer, code)
	control(t, s, sharer, `{"type":"control-granted"}`)
	recvControl(t, viewer)

	control(t, s, sharer, `{"type":"input","inputType":"keyboard","event":"keydown","key":"a"}`)
	assertQuiet(t, sharer)
	assertQuiet(t, viewer)
}

func TestMalformedMessageIgnored(t *testing.T) {
	s := newTestServer()
	c := fakeClient(s)

	s.handleControl(c, []byte(`{not json`))
	s.handleControl(c, []byte(``))
	s.handleControl(c, []byte(`{"type":"no-such-kind"}`))
	assertQuiet(t, c)

	// The connection remains usable afterwards.
	startSession(t, s, c)
}

func TestSharerDisconnectTearsDownSession(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	v1 := fakeClient(s)
	v2 := fakeClient(s)
	joinSession(t, s, v1, sharer, code)
	joinSession(t, s, v2, sharer, code)

	s.removeClient(sharer)

	for _, v := range []*Client{v1, v2} {
		msg := recvControl(t, v)
		if msg["type"] != TypeSharerDisconnected {
			t.Fatalf("viewer got %v, want sharer-disconnected", msg["type"])
		}
		// Exactly one notification, then the queue is closed.
		if _, ok := <-v.send; ok {
			t.Error("viewer received more than one message after teardown")
		}
		if !v.isClosed() {
			t.Error("viewer not closed after sharer disconnect")
		}
	}

	if _, ok := s.registry.Lookup(code); ok {
		t.Error("session still resolvable after sharer disconnect")
	}

	// The code is unresolvable by a later join.
	late := fakeClient(s)
	control(t, s, late, `{"type":"join-session","code":%q}`, code)
	reply := recvControl(t, late)
	if reply["success"] != false {
		t.Errorf("join after teardown succeeded: %v", reply)
	}

	// Cleanup races are benign: the viewers' own close handlers run
	// after the session is already gone.
	s.removeClient(v1)
	s.removeClient(v2)
}

// TestJoinDuringSharerTeardownRejected covers the window between a
// sharer's read loop exiting and its registry state being unwound. The
// read loop marks the connection closed first, so a join landing in
// that window is refused instead of being acked into a session that is
// about to vanish.
func TestJoinDuringSharerTeardownRejected(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)

	sharer.shutdown()

	late := fakeClient(s)
	control(t, s, late, `{"type":"join-session","code":%q}`, code)
	reply := recvControl(t, late)
	if reply["type"] != TypeViewerJoined || reply["success"] != false {
		t.Fatalf("join mid-teardown acked: %v", reply)
	}
	if late.role != "" || late.code != "" {
		t.Errorf("late viewer bound mid-teardown: role=%q code=%q", late.role, late.code)
	}

	s.removeClient(sharer)
	if _, ok := s.registry.Lookup(code); ok {
		t.Error("session still resolvable after teardown")
	}
	if late.isClosed() {
		t.Error("rejected viewer was closed; it never joined the session")
	}
}

func TestViewerDisconnectLeavesSessionIntact(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	code := startSession(t, s, sharer)
	v1 := fakeClient(s)
	v2 := fakeClient(s)
	joinSession(t, s, v1, sharer, code)
	joinSession(t, s, v2, sharer, code)
	control(t, s, sharer, `{"type":"control-granted"}`)
	recvControl(t, v1)
	recvControl(t, v2)

	v1.shutdown()
	s.removeClient(v1)

	frame := []byte{0xca, 0xfe}
	s.handleFrame(sharer, frame)

	msg := recvOutbound(t, v2)
	if !bytes.Equal(msg.data, frame) {
		t.Errorf("remaining viewer got wrong frame: %x", msg.data)
	}
	if !s.registry.ControlAllowed(code) {
		t.Error("viewer departure cleared the control gate")
	}
	if got := len(s.registry.Viewers(code)); got != 1 {
		t.Errorf("viewer count = %d, want 1", got)
	}
}

// TestScenarioFullSession walks the whole protocol end to end at the
// router level: create, failed join, join, control handoff, input.
func TestScenarioFullSession(t *testing.T) {
	s := newTestServer()
	sharer := fakeClient(s)
	viewer := fakeClient(s)

	code := startSession(t, s, sharer)

	control(t, s, viewer, `{"type":"join-session","code":"WRONGCODE"}`)
	if reply := recvControl(t, viewer); reply["success"] != false {
		t.Fatalf("join with wrong code succeeded: %v", reply)
	}

	joinSession(t, s, viewer, sharer, code)

	control(t, s, viewer, `{"type":"control-request"}`)
	if msg := recvControl(t, sharer); msg["type"] != TypeControlRequest {
		t.Fatalf("sharer got %v, want control-request", msg["type"])
	}

	control(t, s, sharer, `{"type":"control-granted"}`)
	if msg := recvControl(t, viewer); msg["allowed"] != true {
		t.Fatalf("viewer got %v, want control-status allowed", msg)
	}

	move := `{"type":"input","inputType":"mouse","event":"move","x":10,"y":20}`
	control(t, s, viewer, "%s", move)
	msg := recvControl(t, sharer)
	if msg["type"] != TypeInput {
		t.Fatalf("sharer got %v, want input", msg["type"])
	}
	payload, _ := json.Marshal(msg["payload"])
	var got, want map[string]any
	json.Unmarshal(payload, &got)
	json.Unmarshal([]byte(move), &want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("payload mismatch:\n got %v\nwant %v", got, want)
	}
}
