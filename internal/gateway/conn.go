package gateway

import "sync"

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateRegistered
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one client connection. Its user is fixed at authentication and
// is the only identity frames from this connection may act as.
type Conn struct {
	SessionID string
	UserID    string

	mu    sync.Mutex
	state State
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// advance moves from one state to another and reports whether it did.
func (c *Conn) advance(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}
