package channel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/wire"
)

// ConnectionView is the slice of the registry the index needs to
// validate subscriptions. Keeps the dependency arrow pointing from
// index to registry without importing it.
type ConnectionView interface {
	IsLive(connID string) bool
	IsAuthenticated(connID string) bool
}

// Config tunes the index.
type Config struct {
	// MaxSubscriptionsPerConn caps subscriptions across all channels
	// for one connection.
	MaxSubscriptionsPerConn int
	// DefaultMaxSubscribers applies to specs that leave the cap zero.
	DefaultMaxSubscribers int
	// DefaultHistorySize applies to specs that leave the ring size
	// zero.
	DefaultHistorySize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxSubscriptionsPerConn <= 0 {
		out.MaxSubscriptionsPerConn = 50
	}
	if out.DefaultMaxSubscribers <= 0 {
		out.DefaultMaxSubscribers = 10000
	}
	if out.DefaultHistorySize <= 0 {
		out.DefaultHistorySize = 100
	}
	return out
}

// Index owns the channel directory and the bidirectional subscription
// maps. channel→connections lives on each Channel (with a snapshot
// for the publish path); connection→channels lives here. The two are
// mutated together under the directory lock so they stay mutual
// inverses.
type Index struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	byConn   map[string]map[string]struct{}

	cfg    Config
	conns  ConnectionView
	logger zerolog.Logger
}

func NewIndex(cfg Config, conns ConnectionView, logger zerolog.Logger) *Index {
	return &Index{
		channels: make(map[string]*Channel),
		byConn:   make(map[string]map[string]struct{}),
		cfg:      cfg.withDefaults(),
		conns:    conns,
		logger:   logger.With().Str("component", "channel_index").Logger(),
	}
}

// Define creates a channel in the open state. Defining the same spec
// twice is a no-op returning the existing channel; a different spec
// under an existing id is a conflict.
func (idx *Index) Define(spec Spec) (*Channel, error) {
	if spec.ID == "" {
		return nil, wire.NewError(wire.CodeInvalidMessageFormat, "channel id required")
	}
	if spec.Kind == "" {
		spec.Kind = KindCustom
	}
	if spec.MaxSubscribers <= 0 {
		spec.MaxSubscribers = idx.cfg.DefaultMaxSubscribers
	}
	if spec.HistorySize <= 0 {
		spec.HistorySize = idx.cfg.DefaultHistorySize
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.channels[spec.ID]; ok {
		if existing.spec.equal(spec) {
			return existing, nil
		}
		return nil, wire.NewError(wire.CodeInternalError, "channel already defined with different spec")
	}

	ch := newChannel(spec)
	idx.channels[spec.ID] = ch
	idx.logger.Info().
		Str("channel", spec.ID).
		Str("kind", string(spec.Kind)).
		Bool("requires_auth", spec.RequiresAuth).
		Int("max_subscribers", spec.MaxSubscribers).
		Msg("Channel defined")
	return ch, nil
}

// Get looks up a channel that has not been removed.
func (idx *Index) Get(channelID string) (*Channel, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ch, ok := idx.channels[channelID]
	if !ok || ch.State() == StateRemoved {
		return nil, false
	}
	return ch, true
}

// Subscribe validates caps and access, then inserts the subscription
// into both maps. Re-subscribing updates the stored filter without
// consuming additional cap.
func (idx *Index) Subscribe(connID, channelID string, filter *Filter) (*Subscription, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ch, ok := idx.channels[channelID]
	if !ok || ch.State() == StateRemoved {
		return nil, wire.NewError(wire.CodeChannelNotFound, "channel not found: "+channelID)
	}
	if ch.State() == StateClosed {
		return nil, wire.NewError(wire.CodeChannelAccessDenied, "channel closed to new subscriptions")
	}
	if ch.spec.RequiresAuth && !idx.conns.IsAuthenticated(connID) {
		return nil, wire.NewError(wire.CodeChannelAccessDenied, "channel requires authentication")
	}
	if !idx.conns.IsLive(connID) {
		return nil, wire.NewError(wire.CodeInternalError, "connection not live")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if existing, ok := ch.subs[connID]; ok {
		existing.Filter = filter
		ch.rebuildSnapshotLocked()
		return existing, nil
	}

	if len(idx.byConn[connID]) >= idx.cfg.MaxSubscriptionsPerConn {
		return nil, wire.NewError(wire.CodeSubscriptionLimitExceeded, "subscription limit reached for connection")
	}
	if len(ch.subs) >= ch.spec.MaxSubscribers {
		return nil, wire.NewError(wire.CodeSubscriptionLimitExceeded, "channel subscriber cap reached")
	}

	sub := &Subscription{
		ConnID:       connID,
		ChannelID:    channelID,
		Filter:       filter,
		SubscribedAt: time.Now(),
	}
	ch.subs[connID] = sub
	ch.rebuildSnapshotLocked()

	set, ok := idx.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		idx.byConn[connID] = set
	}
	set[channelID] = struct{}{}

	monitoring.SubscriptionsActive.Inc()
	idx.logger.Debug().
		Str("conn_id", connID).
		Str("channel", channelID).
		Bool("filtered", filter != nil).
		Msg("Subscribed")
	return sub, nil
}

// Unsubscribe removes the relation from both maps. A no-op when the
// subscription does not exist.
func (idx *Index) Unsubscribe(connID, channelID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unsubscribeLocked(connID, channelID)
}

func (idx *Index) unsubscribeLocked(connID, channelID string) {
	ch, ok := idx.channels[channelID]
	if !ok {
		return
	}

	ch.mu.Lock()
	_, subscribed := ch.subs[connID]
	if subscribed {
		delete(ch.subs, connID)
		ch.rebuildSnapshotLocked()
	}
	ch.mu.Unlock()

	if !subscribed {
		return
	}

	if set, ok := idx.byConn[connID]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(idx.byConn, connID)
		}
	}
	monitoring.SubscriptionsActive.Dec()
}

// Cleanup removes every subscription of a connection. Called on
// disconnect.
func (idx *Index) Cleanup(connID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for channelID := range idx.byConn[connID] {
		idx.unsubscribeLocked(connID, channelID)
	}
	delete(idx.byConn, connID)
}

// Subscribers returns the channel's subscriber snapshot.
func (idx *Index) Subscribers(channelID string) []*Subscription {
	ch, ok := idx.Get(channelID)
	if !ok {
		return nil
	}
	return ch.Subscribers()
}

// SubscriptionsOf returns the channel ids a connection subscribes to.
func (idx *Index) SubscriptionsOf(connID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.byConn[connID]
	out := make([]string, 0, len(set))
	for channelID := range set {
		out = append(out, channelID)
	}
	return out
}

// IsSubscribed reports whether the connection subscribes to the
// channel.
func (idx *Index) IsSubscribed(connID, channelID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byConn[connID][channelID]
	return ok
}

// Record appends a message to a channel's history ring.
func (idx *Index) Record(channelID string, msg *wire.Message) {
	if ch, ok := idx.Get(channelID); ok {
		ch.Record(msg)
	}
}

// History returns up to n recent messages for a channel.
func (idx *Index) History(channelID string, n int) []*wire.Message {
	ch, ok := idx.Get(channelID)
	if !ok {
		return nil
	}
	return ch.History(n)
}

// Close stops a channel accepting new subscriptions. Existing
// subscriptions are preserved.
func (idx *Index) Close(channelID string) bool {
	ch, ok := idx.Get(channelID)
	if !ok {
		return false
	}
	ch.setState(StateClosed)
	idx.logger.Info().Str("channel", channelID).Msg("Channel closed")
	return true
}

// Remove force-unsubscribes every subscriber and retires the channel.
// Returns the removed subscriptions so the caller can notify them.
func (idx *Index) Remove(channelID string) []*Subscription {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ch, ok := idx.channels[channelID]
	if !ok || ch.State() == StateRemoved {
		return nil
	}

	removed := ch.Subscribers()
	for _, sub := range removed {
		idx.unsubscribeLocked(sub.ConnID, channelID)
	}
	ch.setState(StateRemoved)
	delete(idx.channels, channelID)

	idx.logger.Info().
		Str("channel", channelID).
		Int("subscribers_removed", len(removed)).
		Msg("Channel removed")
	return removed
}

// ChannelIDs returns the ids of all live channels.
func (idx *Index) ChannelIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.channels))
	for id := range idx.channels {
		out = append(out, id)
	}
	return out
}

// SubscriptionCount returns the total number of live subscriptions.
func (idx *Index) SubscriptionCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := 0
	for _, set := range idx.byConn {
		total += len(set)
	}
	return total
}

// DefaultChannels is the fixed set defined at startup.
func DefaultChannels(maxSubscribers, historySize int) []Spec {
	return []Spec{
		{ID: "market-data", Kind: KindMarketData, Public: true, MaxSubscribers: maxSubscribers, HistorySize: historySize},
		{ID: "system", Kind: KindSystem, Public: true, MaxSubscribers: maxSubscribers, HistorySize: historySize},
		{ID: "user-notifications", Kind: KindUserNotifications, RequiresAuth: true, MaxSubscribers: maxSubscribers, HistorySize: historySize},
		{ID: "portfolio-updates", Kind: KindPortfolioUpdates, RequiresAuth: true, MaxSubscribers: maxSubscribers, HistorySize: historySize},
		{ID: "alerts", Kind: KindAlerts, RequiresAuth: true, MaxSubscribers: maxSubscribers, HistorySize: historySize},
	}
}
