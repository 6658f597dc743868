package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/channel"
	"github.com/odin-stream/streamgate/internal/dispatch"
	"github.com/odin-stream/streamgate/internal/ingest"
	"github.com/odin-stream/streamgate/internal/limits"
	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/queue"
	"github.com/odin-stream/streamgate/internal/registry"
	"github.com/odin-stream/streamgate/internal/wire"
)

// WebSocket keepalive timing. The read deadline is refreshed on every
// inbound frame; pings go out well inside the deadline.
const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Server is the supervisor: it owns every component, composes their
// callbacks at construction, and is the only place protocol errors are
// translated into client error frames.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	registry   *registry.Registry
	channels   *channel.Index
	dispatcher *dispatch.Dispatcher
	queue      *queue.OfflineQueue
	store      *queue.RedisStore
	verifier   auth.TokenVerifier
	admission  *limits.AdmissionLimiter
	ingest     *ingest.Source
	sysmon     *monitoring.SystemMonitor

	httpServer *http.Server
	listener   net.Listener

	shuttingDown atomic.Bool
	startedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the full component graph. Dependency arrows run strictly
// leaf to root; everything pointing the other way goes through the
// hooks composed here.
func New(cfg Config, verifier auth.TokenVerifier, logger zerolog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		verifier: verifier,
		sysmon:   monitoring.NewSystemMonitor(logger),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.registry = registry.New(registry.Config{
		OutboundQueueSize:   cfg.OutboundQueueSize,
		RateWindow:          cfg.RateWindow,
		DefaultRateLimit:    cfg.RateLimitDefault,
		RoleRateLimits:      cfg.RoleRateLimits,
		SlowConsumerStrikes: 3,
	}, registry.Hooks{
		OnUnregister: s.onUnregister,
		OnSlowConsumer: func(c *registry.Connection) {
			s.disconnect(c, "slow_consumer", "server")
		},
	}, logger)

	s.channels = channel.NewIndex(channel.Config{
		MaxSubscriptionsPerConn: cfg.MaxSubscriptionsPerConn,
		DefaultMaxSubscribers:   cfg.MaxSubscribersPerChannel,
		DefaultHistorySize:      cfg.HistorySize,
	}, s.registry, logger)

	specs := cfg.Channels
	if len(specs) == 0 {
		specs = channel.DefaultChannels(cfg.MaxSubscribersPerChannel, cfg.HistorySize)
	}
	for _, spec := range specs {
		if _, err := s.channels.Define(spec); err != nil {
			cancel()
			return nil, err
		}
	}

	s.dispatcher = dispatch.New(s.channels, s.registry, logger)

	if cfg.QueueEnabled {
		var store queue.Store
		if cfg.RedisAddr != "" {
			s.store = queue.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
			store = s.store
		}
		s.queue = queue.New(cfg.Queue, queue.Hooks{
			Deliver:    s.deliverToUser,
			Subscribed: s.userSubscribed,
			Online:     s.registry.UserOnline,
		}, store, logger)
		s.dispatcher.SetOfflineSink(s.queue)
	}

	if cfg.AdmissionEnabled {
		s.admission = limits.NewAdmissionLimiter(limits.AdmissionConfig{
			IPBurst:     cfg.AdmissionIPBurst,
			IPRate:      cfg.AdmissionIPRate,
			GlobalBurst: cfg.AdmissionBurst,
			GlobalRate:  cfg.AdmissionRate,
			Logger:      logger,
		})
	}

	if cfg.NATSURL != "" {
		s.ingest = ingest.NewSource(ingest.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, s.dispatcher, logger)
	}

	return s, nil
}

// deliverToUser serializes once and fans out to the user's live
// connections without the offline fallback. The queue processor uses
// this so a user dropping offline mid-drain does not re-enqueue the
// entry it is already tracking.
func (s *Server) deliverToUser(userID string, msg *wire.Message) int {
	buf, err := wire.EncodeMessage(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to serialize queued message")
		return 0
	}
	monitoring.SerializationPasses.Inc()
	delivered := s.registry.SendToUser(userID, buf)
	buf.Release()
	monitoring.DeliveriesTotal.Add(float64(delivered))
	return delivered
}

// userSubscribed reports whether any live connection of the user still
// subscribes to the channel. Direct user messages carry no channel and
// always qualify.
func (s *Server) userSubscribed(userID, channelID string) bool {
	if channelID == "" {
		return true
	}
	for _, c := range s.registry.UserConnections(userID) {
		if s.channels.IsSubscribed(c.ID(), channelID) {
			return true
		}
	}
	return false
}

// onUnregister tears down everything keyed by the connection id.
func (s *Server) onUnregister(c *registry.Connection, reason string) {
	s.channels.Cleanup(c.ID())
}

// disconnect is the single server-initiated teardown path. Safe to
// call multiple times; only the first transition records metrics and
// unregisters.
func (s *Server) disconnect(c *registry.Connection, reason, initiatedBy string) {
	if !c.MarkDisconnecting() {
		return
	}
	monitoring.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	monitoring.ConnectionDuration.WithLabelValues(reason).Observe(time.Since(c.ConnectedAt()).Seconds())
	s.registry.Unregister(c.ID(), reason)
}

// sendFrame serializes a server frame and enqueues it on one
// connection's outbound path. Best effort.
func (s *Server) sendFrame(c *registry.Connection, frameType string, payload any, priority wire.Priority) {
	data, err := wire.EncodeServerFrame(frameType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("frame_type", frameType).Msg("Failed to serialize server frame")
		return
	}
	buf := wire.NewBuffer(data, priority)
	s.registry.Send(c.ID(), buf)
	buf.Release()
}

func (s *Server) sendError(c *registry.Connection, code wire.ErrorCode, message string, retryAfter time.Duration) {
	frame := wire.ErrorFrame{Code: code, Message: message}
	if retryAfter > 0 {
		frame.RetryAfterMS = retryAfter.Milliseconds()
	}
	s.sendFrame(c, wire.FrameError, frame, wire.PriorityHigh)
}

// Start binds the listener and launches the HTTP surface and the
// periodic tasks. Returns once the server is accepting.
func (s *Server) Start() error {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Redis unreachable, offline queue runs memory-only until it recovers")
		}
	}

	if s.ingest != nil {
		if err := s.ingest.Start(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.startedAt = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.startPeriodicTasks()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Bool("auth_required", s.cfg.AuthRequired).
		Bool("offline_queue", s.cfg.QueueEnabled).
		Bool("nats_ingest", s.ingest != nil).
		Msg("Server started")
	return nil
}

// Shutdown drains gracefully: stop accepting, notify clients, give
// writer pumps a grace period to flush, then force-close the
// remainder.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("Shutdown started")

	if s.ingest != nil {
		s.ingest.Stop()
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}

	s.notifyShutdown()
	s.awaitDrain(ctx)

	s.registry.Range(nil, func(c *registry.Connection) {
		s.disconnect(c, "server_shutdown", "server")
	})

	s.cancel()
	s.wg.Wait()

	if s.admission != nil {
		s.admission.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}

	s.logger.Info().Msg("Shutdown complete")
	return nil
}

func (s *Server) notifyShutdown() {
	s.registry.Range(nil, func(c *registry.Connection) {
		s.sendFrame(c, wire.FrameConnectionStatus, wire.ConnectionStatus{
			ConnectionID: c.ID(),
			Status:       "shutting_down",
			AuthRequired: s.cfg.AuthRequired,
		}, wire.PriorityCritical)
	})
}

// awaitDrain waits until every outbound queue is empty, the grace
// period elapses, or the caller's context expires.
func (s *Server) awaitDrain(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		pending := 0
		s.registry.Range(nil, func(c *registry.Connection) {
			pending += c.Out().Len()
		})
		if pending == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// healthStatus is the /health response body.
type healthStatus struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Connections   int     `json:"connections"`
	Subscriptions int     `json:"subscriptions"`
	Channels      int     `json:"channels"`
	QueuedUsers   int     `json:"queuedUsers,omitempty"`
	QueuedMsgs    int     `json:"queuedMessages,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Connections:   s.registry.Count(),
		Subscriptions: s.channels.SubscriptionCount(),
		Channels:      len(s.channels.ChannelIDs()),
	}
	if s.shuttingDown.Load() {
		status.Status = "shutting_down"
	}
	if s.queue != nil {
		qs := s.queue.GetStats()
		status.QueuedUsers = qs.Users
		status.QueuedMsgs = qs.Messages
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Registry exposes the connection registry. Test hook.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Channels exposes the channel index. Test hook.
func (s *Server) Channels() *channel.Index { return s.channels }

// Dispatcher exposes the dispatcher for in-process producers.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Queue exposes the offline queue, nil when disabled.
func (s *Server) Queue() *queue.OfflineQueue { return s.queue }

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
