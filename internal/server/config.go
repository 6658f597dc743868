package server

import (
	"fmt"
	"time"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/channel"
	"github.com/odin-stream/streamgate/internal/queue"
)

// Config is the full runtime configuration of the fan-out core.
type Config struct {
	// Addr is the TCP listen address.
	Addr string

	// Authentication.
	AuthRequired      bool
	AuthTimeout       time.Duration // budget to authenticate before force-disconnect
	AuthVerifyTimeout time.Duration // budget for one token verification

	// Admission.
	MaxConnections   int
	AdmissionEnabled bool
	AdmissionIPBurst int
	AdmissionIPRate  float64
	AdmissionBurst   int
	AdmissionRate    float64
	AllowedOrigins   []string

	// Per-connection inbound rate limiting (lazy fixed window).
	RateWindow       time.Duration
	RateLimitDefault int
	RoleRateLimits   map[auth.Role]int

	// Subscriptions.
	MaxSubscriptionsPerConn  int
	MaxSubscribersPerChannel int
	HistorySize              int
	ReplayOnSubscribe        bool
	ReplayDepth              int
	Channels                 []channel.Spec

	// Outbound path.
	OutboundQueueSize int
	WriteTimeout      time.Duration

	// Offline queue.
	QueueEnabled         bool
	Queue                queue.Config
	QueueInterval        time.Duration
	QueueCleanupInterval time.Duration
	RedisAddr            string
	RedisPassword        string
	RedisDB              int

	// Periodic housekeeping.
	InactivitySweepInterval time.Duration
	InactivityThreshold     time.Duration
	MetricsInterval         time.Duration
	ShutdownGrace           time.Duration

	// Ingest.
	NATSURL           string
	NATSSubjectPrefix string

	// Logging.
	LogLevel  string
	LogFormat string
}

// withDefaults fills unset durations and caps with service defaults.
func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3002"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.AuthVerifyTimeout <= 0 {
		c.AuthVerifyTimeout = 3 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.RateLimitDefault <= 0 {
		c.RateLimitDefault = 100
	}
	if c.MaxSubscriptionsPerConn <= 0 {
		c.MaxSubscriptionsPerConn = 50
	}
	if c.MaxSubscribersPerChannel <= 0 {
		c.MaxSubscribersPerChannel = 10000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.ReplayDepth <= 0 {
		c.ReplayDepth = 50
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = 5 * time.Second
	}
	if c.QueueCleanupInterval <= 0 {
		c.QueueCleanupInterval = 5 * time.Minute
	}
	if c.InactivitySweepInterval <= 0 {
		c.InactivitySweepInterval = time.Minute
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = 5 * time.Minute
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.RoleRateLimits == nil {
		c.RoleRateLimits = DefaultRoleRateLimits(c.RateLimitDefault)
	}
	return c
}

// DefaultRoleRateLimits derives the tier table from the base limit:
// institutional gets 5x, admin 20x.
func DefaultRoleRateLimits(base int) map[auth.Role]int {
	return map[auth.Role]int{
		auth.RoleUser:          base,
		auth.RoleInstitutional: base * 5,
		auth.RoleAdmin:         base * 20,
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections must be > 0, got %d", c.MaxConnections)
	}
	if c.QueueEnabled && c.Queue.MaxPerUser < 0 {
		return fmt.Errorf("queue max size must be >= 0")
	}
	if c.ReplayOnSubscribe && c.ReplayDepth < 1 {
		return fmt.Errorf("replay depth must be > 0 when replay is enabled")
	}
	return nil
}
