package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/wire"
)

// QueuedMessage is one store-and-forward entry awaiting its user's
// reconnection.
type QueuedMessage struct {
	Message     *wire.Message `json:"message"`
	UserID      string        `json:"userId"`
	ChannelID   string        `json:"channelId"`
	QueuedAt    time.Time     `json:"queuedAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	Priority    wire.Priority `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`

	// nextAttempt gates retries after a failed delivery.
	nextAttempt time.Time
}

// Expired reports whether the entry's queue TTL has elapsed.
func (q *QueuedMessage) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Config tunes the offline queue.
type Config struct {
	// MaxPerUser bounds each user's queue; overflow evicts the
	// lowest-priority oldest entry.
	MaxPerUser int
	// TTL is the default retention for queued messages. A message's
	// own TTL takes precedence when shorter.
	TTL time.Duration
	// BatchSize bounds how many messages one processor pass moves
	// per user.
	BatchSize int
	// MaxAttempts bounds delivery retries before the entry is
	// dropped.
	MaxAttempts int
	// RetryDelay is the minimum wait between attempts for one entry.
	RetryDelay time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxPerUser <= 0 {
		out.MaxPerUser = 1000
	}
	if out.TTL <= 0 {
		out.TTL = 24 * time.Hour
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Second
	}
	return out
}

// Hooks connect the queue to the rest of the core without reverse
// pointers: delivery goes through the dispatcher, subscription and
// liveness checks through the supervisor's composition.
type Hooks struct {
	// Deliver sends to every live connection of the user, returning
	// the admitted count.
	Deliver func(userID string, msg *wire.Message) int
	// Subscribed reports whether any live connection of the user
	// subscribes to the channel.
	Subscribed func(userID, channelID string) bool
	// Online reports whether the user has at least one live
	// connection.
	Online func(userID string) bool
}

// Stats is a point-in-time queue summary.
type Stats struct {
	Users    int
	Messages int
}

// OfflineQueue holds per-user priority-ordered bounded queues of
// messages awaiting reconnection. Lists stay sorted by
// (priority desc, queued-at asc) via stable insertion; at the
// per-user cap a heap buys nothing.
type OfflineQueue struct {
	mu    sync.Mutex
	users map[string][]*QueuedMessage

	cfg    Config
	hooks  Hooks
	store  Store
	logger zerolog.Logger
}

func New(cfg Config, hooks Hooks, store Store, logger zerolog.Logger) *OfflineQueue {
	return &OfflineQueue{
		users:  make(map[string][]*QueuedMessage),
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		store:  store,
		logger: logger.With().Str("component", "offline_queue").Logger(),
	}
}

// Enqueue stores a message for an offline user. On overflow the
// lowest-priority oldest entry is evicted until the queue fits.
func (oq *OfflineQueue) Enqueue(userID, channelID string, msg *wire.Message) {
	now := time.Now()
	expires := now.Add(oq.cfg.TTL)
	if msg.Metadata.TTLSeconds > 0 {
		msgExpiry := msg.Timestamp.Add(time.Duration(msg.Metadata.TTLSeconds) * time.Second)
		if msgExpiry.Before(expires) {
			expires = msgExpiry
		}
	}

	qm := &QueuedMessage{
		Message:     msg,
		UserID:      userID,
		ChannelID:   channelID,
		QueuedAt:    now,
		ExpiresAt:   expires,
		Priority:    msg.Metadata.Priority,
		MaxAttempts: oq.cfg.MaxAttempts,
	}

	oq.mu.Lock()
	list := oq.users[userID]
	list = insertSorted(list, qm)

	var evicted []*QueuedMessage
	for len(list) > oq.cfg.MaxPerUser {
		var victim *QueuedMessage
		list, victim = evictLowest(list)
		evicted = append(evicted, victim)
	}
	oq.users[userID] = list
	oq.mu.Unlock()

	monitoring.OfflineEnqueued.Inc()
	for range evicted {
		monitoring.OfflineDropped.WithLabelValues("overflow").Inc()
	}
	oq.updateGauges()

	if oq.store != nil {
		oq.store.Save(qm)
		for _, v := range evicted {
			oq.store.Delete(v.UserID, v.Message.ID)
		}
	}

	oq.logger.Debug().
		Str("user_id", userID).
		Str("channel", channelID).
		Str("priority", qm.Priority.String()).
		Int("evicted", len(evicted)).
		Msg("Message queued for offline user")
}

// insertSorted places qm at the stable position for
// (priority desc, queued-at asc): after every entry of equal or
// higher priority.
func insertSorted(list []*QueuedMessage, qm *QueuedMessage) []*QueuedMessage {
	i := len(list)
	for i > 0 && list[i-1].Priority < qm.Priority {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = qm
	return list
}

// evictLowest removes the oldest entry of the lowest priority: the
// first element of the tail block sharing the list's last priority.
func evictLowest(list []*QueuedMessage) ([]*QueuedMessage, *QueuedMessage) {
	lowest := list[len(list)-1].Priority
	i := len(list) - 1
	for i > 0 && list[i-1].Priority == lowest {
		i--
	}
	victim := list[i]
	return append(list[:i], list[i+1:]...), victim
}

// ProcessUser drains up to one batch of a user's queue to their live
// connections. Returns the number delivered.
func (oq *OfflineQueue) ProcessUser(userID string) int {
	if oq.hooks.Online == nil || !oq.hooks.Online(userID) {
		return 0
	}

	now := time.Now()

	// Snapshot a batch outside delivery so Deliver can run without
	// holding the queue lock (delivery may re-enter Enqueue if the
	// user drops offline mid-drain).
	oq.mu.Lock()
	list := oq.users[userID]
	n := len(list)
	if n > oq.cfg.BatchSize {
		n = oq.cfg.BatchSize
	}
	batch := make([]*QueuedMessage, n)
	copy(batch, list[:n])
	oq.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	type outcome struct {
		id        string
		delivered bool
		reason    string
		failed    bool
	}
	outcomes := make([]outcome, 0, len(batch))

	for _, qm := range batch {
		switch {
		case qm.Expired(now):
			outcomes = append(outcomes, outcome{id: qm.Message.ID, reason: "expired"})
		case oq.hooks.Subscribed != nil && !oq.hooks.Subscribed(userID, qm.ChannelID):
			// Subscription state changed while the user was away.
			outcomes = append(outcomes, outcome{id: qm.Message.ID, reason: "unsubscribed"})
		case now.Before(qm.nextAttempt):
			// Retry delay not elapsed.
		default:
			if oq.hooks.Deliver(userID, qm.Message) > 0 {
				outcomes = append(outcomes, outcome{id: qm.Message.ID, delivered: true})
			} else {
				outcomes = append(outcomes, outcome{id: qm.Message.ID, failed: true})
			}
		}
	}

	delivered := 0
	var removed []outcome

	oq.mu.Lock()
	list = oq.users[userID]
	for _, o := range outcomes {
		idx := indexOf(list, o.id)
		if idx < 0 {
			continue
		}
		qm := list[idx]
		switch {
		case o.delivered:
			list = append(list[:idx], list[idx+1:]...)
			delivered++
			removed = append(removed, o)
		case o.reason != "":
			list = append(list[:idx], list[idx+1:]...)
			removed = append(removed, o)
		case o.failed:
			qm.Attempts++
			qm.nextAttempt = now.Add(oq.cfg.RetryDelay)
			if qm.Attempts >= qm.MaxAttempts {
				list = append(list[:idx], list[idx+1:]...)
				removed = append(removed, outcome{id: o.id, reason: "delivery_failed"})
				oq.logger.Warn().
					Str("user_id", userID).
					Str("message_id", o.id).
					Int("attempts", qm.Attempts).
					Msg("Offline message dropped: delivery failed")
			}
		}
	}
	if len(list) == 0 {
		delete(oq.users, userID)
	} else {
		oq.users[userID] = list
	}
	oq.mu.Unlock()

	for _, o := range removed {
		if o.delivered {
			monitoring.OfflineDelivered.Inc()
		} else {
			monitoring.OfflineDropped.WithLabelValues(o.reason).Inc()
		}
		if oq.store != nil {
			oq.store.Delete(userID, o.id)
		}
	}
	oq.updateGauges()
	return delivered
}

func indexOf(list []*QueuedMessage, messageID string) int {
	for i, qm := range list {
		if qm.Message.ID == messageID {
			return i
		}
	}
	return -1
}

// ProcessAll runs one processor pass over every non-empty queue.
func (oq *OfflineQueue) ProcessAll() int {
	oq.mu.Lock()
	userIDs := make([]string, 0, len(oq.users))
	for userID := range oq.users {
		userIDs = append(userIDs, userID)
	}
	oq.mu.Unlock()

	total := 0
	for _, userID := range userIDs {
		total += oq.ProcessUser(userID)
	}
	return total
}

// CleanupExpired drops expired entries and empty queues.
func (oq *OfflineQueue) CleanupExpired() int {
	now := time.Now()
	type victim struct{ userID, messageID string }
	var victims []victim

	oq.mu.Lock()
	for userID, list := range oq.users {
		kept := list[:0]
		for _, qm := range list {
			if qm.Expired(now) {
				victims = append(victims, victim{userID, qm.Message.ID})
			} else {
				kept = append(kept, qm)
			}
		}
		if len(kept) == 0 {
			delete(oq.users, userID)
		} else {
			oq.users[userID] = kept
		}
	}
	oq.mu.Unlock()

	for _, v := range victims {
		monitoring.OfflineDropped.WithLabelValues("expired").Inc()
		if oq.store != nil {
			oq.store.Delete(v.userID, v.messageID)
		}
	}
	oq.updateGauges()

	if len(victims) > 0 {
		oq.logger.Debug().Int("expired", len(victims)).Msg("Cleaned up expired offline messages")
	}
	return len(victims)
}

// Remove deletes a queued message by id wherever it is queued.
func (oq *OfflineQueue) Remove(messageID string) bool {
	oq.mu.Lock()
	var owner string
	for userID, list := range oq.users {
		if idx := indexOf(list, messageID); idx >= 0 {
			list = append(list[:idx], list[idx+1:]...)
			if len(list) == 0 {
				delete(oq.users, userID)
			} else {
				oq.users[userID] = list
			}
			owner = userID
			break
		}
	}
	oq.mu.Unlock()

	if owner == "" {
		return false
	}
	if oq.store != nil {
		oq.store.Delete(owner, messageID)
	}
	oq.updateGauges()
	return true
}

// ClearUser discards a user's entire queue.
func (oq *OfflineQueue) ClearUser(userID string) int {
	oq.mu.Lock()
	list := oq.users[userID]
	delete(oq.users, userID)
	oq.mu.Unlock()

	for _, qm := range list {
		if oq.store != nil {
			oq.store.Delete(userID, qm.Message.ID)
		}
	}
	oq.updateGauges()
	return len(list)
}

// Pending returns the queued messages of one user in delivery order.
// Test hook.
func (oq *OfflineQueue) Pending(userID string) []*QueuedMessage {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	list := oq.users[userID]
	out := make([]*QueuedMessage, len(list))
	copy(out, list)
	return out
}

// GetStats summarizes queue occupancy.
func (oq *OfflineQueue) GetStats() Stats {
	oq.mu.Lock()
	defer oq.mu.Unlock()
	s := Stats{Users: len(oq.users)}
	for _, list := range oq.users {
		s.Messages += len(list)
	}
	return s
}

func (oq *OfflineQueue) updateGauges() {
	s := oq.GetStats()
	monitoring.OfflineQueueDepth.Set(float64(s.Messages))
	monitoring.OfflineQueueUsers.Set(float64(s.Users))
}
