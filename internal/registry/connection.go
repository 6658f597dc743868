package registry

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odin-stream/streamgate/internal/auth"
)

// State is the connection lifecycle position.
type State int32

const (
	StateAccepted State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rateWindow is the lazy fixed-window message limiter. The window
// start only ever advances; a limit change recorded in nextLimit
// takes effect at the next reset, not retroactively.
type rateWindow struct {
	count       int
	windowStart time.Time
	limit       int
	nextLimit   int
}

// Connection is one live session. Owned exclusively by the Registry;
// the transport is write-only from the core's view (the writer pump
// owns actual socket writes).
type Connection struct {
	id        string
	transport net.Conn
	out       *Outbound

	connectedAt  time.Time
	lastActivity int64 // unix nanos, atomic

	state   int32 // State, atomic
	strikes int32 // consecutive outbound overflows, atomic

	mu      sync.Mutex
	session *auth.Identity
	window  rateWindow
}

// newConnectionID returns a 128-bit random id rendered hex. Unique by
// generation; no registry lookup needed.
func newConnectionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; fall back to a time-derived id rather than panic.
		now := time.Now().UnixNano()
		for i := 0; i < 8; i++ {
			b[i] = byte(now >> (8 * i))
		}
	}
	return hex.EncodeToString(b[:])
}

func (c *Connection) ID() string             { return c.id }
func (c *Connection) Transport() net.Conn    { return c.transport }
func (c *Connection) Out() *Outbound         { return c.out }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Touch records activity. Called on every inbound frame and every
// successful send.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Connection) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// BeginAuthenticating records the accepted→authenticating transition
// when the first authenticate frame arrives. A connection already past
// accepted keeps its state, so a failed attempt can be retried and an
// authenticated session never regresses.
func (c *Connection) BeginAuthenticating() {
	atomic.CompareAndSwapInt32(&c.state, int32(StateAccepted), int32(StateAuthenticating))
}

// MarkDisconnecting flips the connection into the terminal path.
// Returns false if it was already past authenticated states.
func (c *Connection) MarkDisconnecting() bool {
	for {
		cur := atomic.LoadInt32(&c.state)
		if State(cur) == StateDisconnecting || State(cur) == StateClosed {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, cur, int32(StateDisconnecting)) {
			return true
		}
	}
}

// Authenticated reports whether a user is attached.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Session returns a copy of the attached identity.
func (c *Connection) Session() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return auth.Identity{}, false
	}
	return *c.session, true
}

// UserID returns the attached user id, empty when unauthenticated.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.UserID
}

// AllowFrame applies the lazy fixed-window rate limit to one inbound
// frame. When the window has elapsed the counter resets and any
// pending limit change takes effect. Returns the wait until the next
// window when rejected.
func (c *Connection) AllowFrame(now time.Time, window time.Duration) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.window.windowStart) >= window {
		c.window.count = 0
		c.window.windowStart = now
		c.window.limit = c.window.nextLimit
	}
	if c.window.count >= c.window.limit {
		retry := c.window.windowStart.Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}
	c.window.count++
	return true, 0
}

// RateLimit returns the limit active in the current window.
func (c *Connection) RateLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.limit
}

// Strikes returns the consecutive outbound overflow count.
func (c *Connection) Strikes() int32 {
	return atomic.LoadInt32(&c.strikes)
}

func (c *Connection) addStrike() int32 {
	return atomic.AddInt32(&c.strikes, 1)
}

func (c *Connection) resetStrikes() {
	atomic.StoreInt32(&c.strikes, 0)
}
