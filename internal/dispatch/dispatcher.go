package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odin-stream/streamgate/internal/channel"
	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/registry"
	"github.com/odin-stream/streamgate/internal/wire"
)

// OfflineSink receives messages targeted at users with no live
// connections. Wired to the offline queue when store-and-forward is
// enabled.
type OfflineSink interface {
	Enqueue(userID, channelID string, msg *wire.Message)
}

// Predicate is an optional caller-supplied filter applied on top of
// each subscription's stored filter.
type Predicate func(*wire.Message) bool

// Dispatcher resolves publishes to target connections and enqueues
// one shared serialized buffer per recipient. It never returns
// per-recipient errors to callers; failures are counted and the
// registry schedules cleanup of dead targets.
type Dispatcher struct {
	channels *channel.Index
	conns    *registry.Registry
	offline  OfflineSink
	logger   zerolog.Logger
}

func New(channels *channel.Index, conns *registry.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		conns:    conns,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SetOfflineSink wires store-and-forward. Called once during startup
// before any traffic flows.
func (d *Dispatcher) SetOfflineSink(sink OfflineSink) {
	d.offline = sink
}

// stamp assigns id and timestamp at publish time. Messages are
// immutable afterwards.
func (d *Dispatcher) stamp(channelID string, msg *wire.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Channel = channelID
}

// Publish fans a message out to the channel's subscribers and records
// it in the channel history. Returns the number of connections the
// message was admitted to.
func (d *Dispatcher) Publish(channelID string, msg *wire.Message, pred Predicate) int {
	d.stamp(channelID, msg)

	ch, ok := d.channels.Get(channelID)
	if !ok {
		d.logger.Debug().Str("channel", channelID).Msg("Publish to unknown channel dropped")
		return 0
	}

	monitoring.PublishesTotal.WithLabelValues(channelID).Inc()

	subscribers := ch.Subscribers()
	delivered := 0
	if len(subscribers) > 0 {
		buf, err := wire.EncodeMessage(msg)
		if err != nil {
			d.logger.Error().
				Err(err).
				Str("channel", channelID).
				Int("subscribers", len(subscribers)).
				Msg("Failed to serialize message, affects all subscribers")
			return 0
		}
		monitoring.SerializationPasses.Inc()

		for _, sub := range subscribers {
			if pred != nil && !pred(msg) {
				continue
			}
			if !d.matches(sub, msg) {
				continue
			}
			if d.conns.Send(sub.ConnID, buf) {
				delivered++
			}
		}
		buf.Release()
	}

	ch.Record(msg)
	monitoring.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// matches evaluates a subscription filter, treating a panicking
// filter as a non-match.
func (d *Dispatcher) matches(sub *channel.Subscription, msg *wire.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn().
				Str("conn_id", sub.ConnID).
				Str("channel", sub.ChannelID).
				Interface("panic_value", r).
				Msg("Subscription filter panicked, treated as non-match")
			ok = false
		}
	}()
	return sub.Filter.Match(msg)
}

// SendToUser delivers directly to every live connection of a user.
// When the user has no live connections the message is handed to the
// offline sink instead.
func (d *Dispatcher) SendToUser(userID string, msg *wire.Message) int {
	d.stamp(msg.Channel, msg)

	conns := d.conns.UserConnections(userID)
	if len(conns) == 0 {
		if d.offline != nil {
			d.offline.Enqueue(userID, msg.Channel, msg)
		}
		return 0
	}

	buf, err := wire.EncodeMessage(msg)
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to serialize user message")
		return 0
	}
	monitoring.SerializationPasses.Inc()

	delivered := 0
	for _, c := range conns {
		if d.conns.Send(c.ID(), buf) {
			delivered++
		}
	}
	buf.Release()
	monitoring.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// SendToConnection delivers a message to one connection.
func (d *Dispatcher) SendToConnection(connID string, msg *wire.Message) bool {
	d.stamp(msg.Channel, msg)

	buf, err := wire.EncodeMessage(msg)
	if err != nil {
		d.logger.Error().Err(err).Str("conn_id", connID).Msg("Failed to serialize message")
		return false
	}
	monitoring.SerializationPasses.Inc()

	ok := d.conns.Send(connID, buf)
	buf.Release()
	if ok {
		monitoring.DeliveriesTotal.Inc()
	}
	return ok
}
