package broker

// Session pairs one sharer connection with its attached viewers. A
// session cannot outlive its sharer; viewers come and go independently.
// All fields are guarded by the owning Registry's mutex.
type Session struct {
	code           string
	sharer         *Client
	viewers        []*Client // join order; iterated via snapshots
	controlAllowed bool
}

// Code returns the session's identifying code.
func (s *Session) Code() string {
	return s.code
}
