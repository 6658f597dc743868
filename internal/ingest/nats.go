package ingest

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-stream/streamgate/internal/dispatch"
	"github.com/odin-stream/streamgate/internal/wire"
)

// Publisher is the slice of the dispatcher the ingest bridge needs.
type Publisher interface {
	Publish(channelID string, msg *wire.Message, pred dispatch.Predicate) int
}

// Config holds NATS source settings.
type Config struct {
	// URL of the NATS server. Empty disables the bridge.
	URL string
	// SubjectPrefix maps subjects to channels:
	// "<prefix>.market-data" publishes into channel "market-data".
	SubjectPrefix string
	// Name identifies the connection to the server.
	Name string
}

// envelope is the producer-side message shape. Producers may send a
// bare payload instead; it is wrapped as a stream_event.
type envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata *wire.Metadata  `json:"metadata"`
}

// Source subscribes to the producer subject tree and republishes each
// event into the dispatcher. Producers stay decoupled from the core:
// they publish to NATS and never link the fan-out service.
type Source struct {
	cfg       Config
	publisher Publisher
	logger    zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

func NewSource(cfg Config, publisher Publisher, logger zerolog.Logger) *Source {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "odin.stream"
	}
	if cfg.Name == "" {
		cfg.Name = "streamgate"
	}
	return &Source{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With().Str("component", "nats_ingest").Logger(),
	}
}

// Start connects and subscribes to "<prefix>.>".
func (s *Source) Start() error {
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return err
	}
	s.conn = conn

	subject := s.cfg.SubjectPrefix + ".>"
	sub, err := conn.Subscribe(subject, s.handle)
	if err != nil {
		conn.Close()
		return err
	}
	s.sub = sub

	s.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Str("subject", subject).
		Msg("NATS ingest started")
	return nil
}

func (s *Source) handle(m *nats.Msg) {
	channelID := strings.TrimPrefix(m.Subject, s.cfg.SubjectPrefix+".")
	if channelID == "" || channelID == m.Subject {
		s.logger.Debug().Str("subject", m.Subject).Msg("Ignoring message outside subject prefix")
		return
	}

	msg := &wire.Message{Type: "stream_event"}
	var env envelope
	if err := json.Unmarshal(m.Data, &env); err == nil && env.Type != "" && len(env.Data) > 0 {
		msg.Type = env.Type
		msg.Data = env.Data
		if env.Metadata != nil {
			msg.Metadata = *env.Metadata
		}
	} else {
		msg.Data = m.Data
	}
	if msg.Metadata.Source == "" {
		msg.Metadata.Source = "nats"
	}

	delivered := s.publisher.Publish(channelID, msg, nil)
	s.logger.Debug().
		Str("channel", channelID).
		Int("delivered", delivered).
		Msg("Ingested producer event")
}

// Stop drains the subscription and closes the connection.
func (s *Source) Stop() {
	if s.sub != nil {
		s.sub.Drain()
	}
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
	s.logger.Info().Msg("NATS ingest stopped")
}
