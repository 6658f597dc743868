package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the environment-driven configuration surface.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Server basics
	Addr string `env:"WS_ADDR" envDefault:":3002"`

	// Authentication
	AuthRequired bool          `env:"AUTH_REQUIRED" envDefault:"true"`
	AuthTimeout  time.Duration `env:"AUTH_TIMEOUT" envDefault:"30s"`
	JWTSecret    string        `env:"JWT_SECRET"`

	// Capacity
	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`

	// Per-connection inbound rate limiting (fixed window)
	RateWindow        time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
	RateLimitDefault  int           `env:"RATE_LIMIT_DEFAULT" envDefault:"100"`
	OutboundQueueSize int           `env:"OUTBOUND_QUEUE_SIZE" envDefault:"256"`

	// Admission limiting
	AdmissionEnabled bool    `env:"ADMISSION_ENABLED" envDefault:"true"`
	AdmissionIPBurst int     `env:"ADMISSION_IP_BURST" envDefault:"10"`
	AdmissionIPRate  float64 `env:"ADMISSION_IP_RATE" envDefault:"1.0"`
	AdmissionBurst   int     `env:"ADMISSION_GLOBAL_BURST" envDefault:"300"`
	AdmissionRate    float64 `env:"ADMISSION_GLOBAL_RATE" envDefault:"50.0"`

	// Subscriptions
	MaxSubscriptionsPerConn  int    `env:"MAX_SUBSCRIPTIONS_PER_CONN" envDefault:"50"`
	MaxSubscribersPerChannel int    `env:"MAX_SUBSCRIBERS_PER_CHANNEL" envDefault:"10000"`
	HistorySize              int    `env:"CHANNEL_HISTORY_SIZE" envDefault:"100"`
	ReplayOnSubscribe        bool   `env:"REPLAY_ON_SUBSCRIBE" envDefault:"false"`
	ReplayDepth              int    `env:"REPLAY_DEPTH" envDefault:"50"`
	AllowedOrigins           string `env:"ALLOWED_ORIGINS"` // comma-separated, empty allows all

	// Offline queue
	QueueEnabled    bool          `env:"OFFLINE_QUEUE_ENABLED" envDefault:"true"`
	QueueMaxPerUser int           `env:"OFFLINE_QUEUE_MAX_PER_USER" envDefault:"1000"`
	QueueTTL        time.Duration `env:"OFFLINE_QUEUE_TTL" envDefault:"24h"`
	QueueBatchSize  int           `env:"OFFLINE_QUEUE_BATCH_SIZE" envDefault:"100"`
	QueueInterval   time.Duration `env:"OFFLINE_QUEUE_INTERVAL" envDefault:"5s"`
	QueueMaxRetries int           `env:"OFFLINE_QUEUE_MAX_RETRIES" envDefault:"3"`
	QueueRetryDelay time.Duration `env:"OFFLINE_QUEUE_RETRY_DELAY" envDefault:"5s"`

	// Redis persistence for the offline queue (empty disables)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// NATS ingest (empty disables)
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"odin.stream"`

	// Housekeeping
	InactivityThreshold time.Duration `env:"INACTIVITY_THRESHOLD" envDefault:"5m"`
	MetricsInterval     time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`
	ShutdownGrace       time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from the optional .env file and the
// environment.
func LoadConfig() (*Config, error) {
	// .env is a development convenience; production sets the
	// environment directly.
	godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RateLimitDefault < 1 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT must be > 0, got %d", c.RateLimitDefault)
	}
	if c.AuthRequired && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_REQUIRED is true")
	}
	if c.QueueEnabled && c.QueueMaxRetries < 1 {
		return fmt.Errorf("OFFLINE_QUEUE_MAX_RETRIES must be > 0, got %d", c.QueueMaxRetries)
	}
	if c.QueueEnabled && c.QueueRetryDelay < 0 {
		return fmt.Errorf("OFFLINE_QUEUE_RETRY_DELAY must be >= 0, got %s", c.QueueRetryDelay)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Origins splits the comma-separated allow-list.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	out := []string{}
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs the effective configuration at startup. Secrets stay
// out of the log.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Bool("auth_required", c.AuthRequired).
		Dur("auth_timeout", c.AuthTimeout).
		Int("max_connections", c.MaxConnections).
		Dur("rate_window", c.RateWindow).
		Int("rate_limit_default", c.RateLimitDefault).
		Int("outbound_queue_size", c.OutboundQueueSize).
		Int("max_subscriptions_per_conn", c.MaxSubscriptionsPerConn).
		Bool("replay_on_subscribe", c.ReplayOnSubscribe).
		Bool("offline_queue", c.QueueEnabled).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
