package registry

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/wire"
)

// Config tunes the registry and the connections it creates.
type Config struct {
	// OutboundQueueSize bounds each connection's outbound FIFO.
	OutboundQueueSize int
	// RateWindow is the fixed window for inbound frame limits.
	RateWindow time.Duration
	// DefaultRateLimit applies to unauthenticated connections.
	DefaultRateLimit int
	// RoleRateLimits overrides the limit per role on attach. The new
	// limit takes effect at the next window reset.
	RoleRateLimits map[auth.Role]int
	// SlowConsumerStrikes is the consecutive overflow count after
	// which a connection is reported as a slow consumer.
	SlowConsumerStrikes int32
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.OutboundQueueSize <= 0 {
		out.OutboundQueueSize = 256
	}
	if out.RateWindow <= 0 {
		out.RateWindow = time.Minute
	}
	if out.DefaultRateLimit <= 0 {
		out.DefaultRateLimit = 100
	}
	if out.SlowConsumerStrikes <= 0 {
		out.SlowConsumerStrikes = 3
	}
	return out
}

// Hooks are the registry's observer callbacks, composed by the
// supervisor at construction. The registry never calls back into its
// caller through any other path.
type Hooks struct {
	OnRegister     func(*Connection)
	OnUnregister   func(*Connection, string)
	OnSlowConsumer func(*Connection)
}

// Registry owns every live connection. It keeps the primary index by
// connection id and a secondary index user id → connection ids,
// maintained atomically with attach and unregister.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}

	cfg    Config
	hooks  Hooks
	logger zerolog.Logger
}

func New(cfg Config, hooks Hooks, logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register creates a Connection for an accepted transport.
func (r *Registry) Register(transport net.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		id:          newConnectionID(),
		transport:   transport,
		out:         NewOutbound(r.cfg.OutboundQueueSize),
		connectedAt: now,
	}
	c.Touch()
	c.window = rateWindow{
		windowStart: now,
		limit:       r.cfg.DefaultRateLimit,
		nextLimit:   r.cfg.DefaultRateLimit,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	total := len(r.conns)
	r.mu.Unlock()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(total))

	r.logger.Debug().
		Str("conn_id", c.id).
		Int("active", total).
		Msg("Connection registered")

	if r.hooks.OnRegister != nil {
		r.hooks.OnRegister(c)
	}
	return c
}

// AttachUser binds an authenticated identity to a connection and
// updates the user index. The role-derived rate limit is recorded as
// the next-window limit; the current window keeps its limit.
func (r *Registry) AttachUser(connID string, identity auth.Identity) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return wire.NewError(wire.CodeInternalError, "connection not found")
	}

	c.mu.Lock()
	prev := c.session
	c.session = &identity
	if limit, ok := r.cfg.RoleRateLimits[identity.Role]; ok && limit > 0 {
		c.window.nextLimit = limit
	}
	c.mu.Unlock()
	c.setState(StateAuthenticated)

	if prev != nil {
		r.detachUserLocked(prev.UserID, connID)
	}
	set, ok := r.byUser[identity.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[identity.UserID] = set
	}
	set[connID] = struct{}{}
	r.mu.Unlock()

	r.logger.Info().
		Str("conn_id", connID).
		Str("user_id", identity.UserID).
		Str("role", string(identity.Role)).
		Msg("User attached to connection")
	return nil
}

// detachUserLocked removes one conn id from the user index. Caller
// holds r.mu.
func (r *Registry) detachUserLocked(userID, connID string) {
	if set, ok := r.byUser[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// Unregister removes a connection from both indexes and closes its
// outbound queue, which terminates the writer pump. Idempotent.
func (r *Registry) Unregister(connID, reason string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	c.mu.Lock()
	if c.session != nil {
		r.detachUserLocked(c.session.UserID, connID)
	}
	c.mu.Unlock()
	total := len(r.conns)
	r.mu.Unlock()

	c.setState(StateClosed)
	c.out.Close()

	monitoring.ConnectionsActive.Set(float64(total))

	r.logger.Info().
		Str("conn_id", connID).
		Str("reason", reason).
		Int("active", total).
		Msg("Connection unregistered")

	if r.hooks.OnUnregister != nil {
		r.hooks.OnUnregister(c, reason)
	}
}

// Get looks up a live connection.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// IsLive reports whether the connection id is registered.
func (r *Registry) IsLive(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// IsAuthenticated reports whether the connection exists and has a
// user attached.
func (r *Registry) IsAuthenticated(connID string) bool {
	c, ok := r.Get(connID)
	return ok && c.Authenticated()
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConnections returns the live connections of a user.
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(set))
	for id := range set {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// UserOnline reports whether the user has at least one live
// connection.
func (r *Registry) UserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Send enqueues a shared buffer onto a connection's outbound path.
// Returns false when the message was not admitted (connection gone,
// queue closed, or the message itself dropped). Never blocks and
// never panics; a dead target only schedules cleanup via hooks.
func (r *Registry) Send(connID string, buf *wire.Buffer) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	return r.sendTo(c, buf)
}

func (r *Registry) sendTo(c *Connection, buf *wire.Buffer) bool {
	if c.State() == StateDisconnecting || c.State() == StateClosed {
		return false
	}

	switch c.out.Push(buf.Retain()) {
	case PushOK:
		c.resetStrikes()
		c.Touch()
		return true

	case PushDroppedOldest:
		// New message admitted at the cost of the oldest queued one.
		monitoring.DroppedSends.WithLabelValues("overflow_evict").Inc()
		r.noteOverflow(c)
		return true

	case PushDroppedIncoming:
		monitoring.DroppedSends.WithLabelValues("overflow_reject").Inc()
		r.noteOverflow(c)
		return false

	case PushRejectedCritical:
		monitoring.DroppedSends.WithLabelValues("critical_overflow").Inc()
		r.logger.Warn().
			Str("conn_id", c.id).
			Msg("Critical message hit full outbound queue, disconnecting")
		if r.hooks.OnSlowConsumer != nil {
			r.hooks.OnSlowConsumer(c)
		}
		return false

	default: // PushClosed
		return false
	}
}

func (r *Registry) noteOverflow(c *Connection) {
	strikes := c.addStrike()
	if strikes == 1 {
		r.logger.Warn().
			Str("conn_id", c.id).
			Int("queue_cap", r.cfg.OutboundQueueSize).
			Msg("Slow consumer: outbound queue overflow")
	}
	if strikes >= r.cfg.SlowConsumerStrikes {
		monitoring.SlowConsumerDisconnects.Inc()
		r.logger.Warn().
			Str("conn_id", c.id).
			Int32("strikes", strikes).
			Msg("Slow consumer exceeded strike limit")
		if r.hooks.OnSlowConsumer != nil {
			r.hooks.OnSlowConsumer(c)
		}
	}
}

// SendToUser fans a buffer out to every live connection of a user.
// Returns the number of connections the message was admitted to.
func (r *Registry) SendToUser(userID string, buf *wire.Buffer) int {
	delivered := 0
	for _, c := range r.UserConnections(userID) {
		if r.sendTo(c, buf) {
			delivered++
		}
	}
	return delivered
}

// Range calls fn for every connection matching pred. A nil pred
// matches all. fn must not call back into the registry's write paths.
func (r *Registry) Range(pred func(*Connection) bool, fn func(*Connection)) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if pred == nil || pred(c) {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range conns {
		fn(c)
	}
}

// SweepInactive unregisters connections idle past the threshold and
// returns how many were swept.
func (r *Registry) SweepInactive(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)
	var stale []*Connection
	r.mu.RLock()
	for _, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		monitoring.InactivitySweeps.Inc()
		r.Unregister(c.id, "inactive")
	}
	return len(stale)
}
