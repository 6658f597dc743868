package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/wire"
)

// Kind categorizes a channel's traffic.
type Kind string

const (
	KindMarketData        Kind = "market-data"
	KindUserNotifications Kind = "user-notifications"
	KindPortfolioUpdates  Kind = "portfolio-updates"
	KindAlerts            Kind = "alerts"
	KindSystem            Kind = "system"
	KindCustom            Kind = "custom"
)

// State is the channel lifecycle position.
type State int32

const (
	// StateOpen accepts new subscriptions.
	StateOpen State = iota
	// StateClosed rejects new subscriptions, existing ones survive.
	StateClosed
	// StateRemoved: subscriptions were force-removed.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Spec defines a channel. Channels are created from configuration at
// startup; dynamic definition uses the same shape.
type Spec struct {
	ID             string
	Kind           Kind
	Public         bool
	RequiresAuth   bool
	MaxSubscribers int
	HistorySize    int
	// RateLimits is the per-role message rate policy table for
	// publishes into this channel. Empty means the connection-level
	// limits alone apply.
	RateLimits map[auth.Role]int
}

func (s Spec) equal(other Spec) bool {
	if s.ID != other.ID || s.Kind != other.Kind ||
		s.Public != other.Public || s.RequiresAuth != other.RequiresAuth ||
		s.MaxSubscribers != other.MaxSubscribers || s.HistorySize != other.HistorySize ||
		len(s.RateLimits) != len(other.RateLimits) {
		return false
	}
	for role, limit := range s.RateLimits {
		if other.RateLimits[role] != limit {
			return false
		}
	}
	return true
}

// Subscription is the (connection, channel, filter) relation.
type Subscription struct {
	ConnID       string
	ChannelID    string
	Filter       *Filter
	SubscribedAt time.Time
}

// Channel is a named topic with its subscriber set and history ring.
// The subscriber map is guarded by a per-channel lock; a copy-on-write
// snapshot serves the publish hot path without taking it.
type Channel struct {
	spec  Spec
	state int32

	mu       sync.RWMutex
	subs     map[string]*Subscription
	snapshot atomic.Value // []*Subscription, immutable

	pubMu      sync.Mutex
	pubWindows map[auth.Role]*publishWindow

	history *historyRing
}

func newChannel(spec Spec) *Channel {
	ch := &Channel{
		spec:       spec,
		subs:       make(map[string]*Subscription),
		pubWindows: make(map[auth.Role]*publishWindow),
		history:    newHistoryRing(spec.HistorySize),
	}
	ch.snapshot.Store([]*Subscription{})
	return ch
}

// publishWindow counts client publishes per role within the current
// fixed window.
type publishWindow struct {
	count int
	start time.Time
}

// AllowPublish applies the channel's per-role publish rate policy.
// Roles without an entry in the policy table are unlimited here; the
// connection-level window still applies.
func (ch *Channel) AllowPublish(role auth.Role, now time.Time, window time.Duration) bool {
	limit, ok := ch.spec.RateLimits[role]
	if !ok || limit <= 0 {
		return true
	}

	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()

	w := ch.pubWindows[role]
	if w == nil {
		w = &publishWindow{start: now}
		ch.pubWindows[role] = w
	}
	if now.Sub(w.start) >= window {
		w.count = 0
		w.start = now
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

func (ch *Channel) Spec() Spec { return ch.spec }
func (ch *Channel) ID() string { return ch.spec.ID }

func (ch *Channel) State() State {
	return State(atomic.LoadInt32(&ch.state))
}

func (ch *Channel) setState(s State) {
	atomic.StoreInt32(&ch.state, int32(s))
}

// Subscribers returns the immutable subscriber snapshot. Safe to
// iterate without locks; must not be modified.
func (ch *Channel) Subscribers() []*Subscription {
	return ch.snapshot.Load().([]*Subscription)
}

// SubscriberCount returns the current subscriber count.
func (ch *Channel) SubscriberCount() int {
	return len(ch.Subscribers())
}

// rebuildSnapshotLocked refreshes the copy-on-write snapshot. Caller
// holds ch.mu.
func (ch *Channel) rebuildSnapshotLocked() {
	snap := make([]*Subscription, 0, len(ch.subs))
	for _, sub := range ch.subs {
		snap = append(snap, sub)
	}
	ch.snapshot.Store(snap)
}

// Record appends a published message to the history ring.
func (ch *Channel) Record(msg *wire.Message) {
	ch.history.Append(msg)
}

// History returns up to n most recent messages, oldest first.
func (ch *Channel) History(n int) []*wire.Message {
	return ch.history.Last(n)
}

// HistoryLen returns the number of retained messages.
func (ch *Channel) HistoryLen() int {
	return ch.history.Len()
}

// historyRing is a bounded ring buffer of recent messages. Eviction
// copies the retained window so previously returned slices stay
// valid.
type historyRing struct {
	mu   sync.RWMutex
	msgs []*wire.Message
	cap  int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity < 0 {
		capacity = 0
	}
	return &historyRing{cap: capacity}
}

func (r *historyRing) Append(msg *wire.Message) {
	if r.cap == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) >= r.cap {
		// Copy-on-evict: never mutate the backing array in place.
		trimmed := make([]*wire.Message, len(r.msgs)-1, r.cap)
		copy(trimmed, r.msgs[1:])
		r.msgs = trimmed
	}
	r.msgs = append(r.msgs, msg)
}

func (r *historyRing) Last(n int) []*wire.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || len(r.msgs) == 0 {
		return nil
	}
	if n > len(r.msgs) {
		n = len(r.msgs)
	}
	out := make([]*wire.Message, n)
	copy(out, r.msgs[len(r.msgs)-n:])
	return out
}

func (r *historyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}
