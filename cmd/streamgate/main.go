package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/queue"
	"github.com/odin-stream/streamgate/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		// Logger is not up yet.
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	var verifier auth.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret, logger)
	} else {
		logger.Warn().Msg("JWT_SECRET unset, running with an empty static token table")
		verifier = &auth.StaticVerifier{}
	}

	srv, err := server.New(server.Config{
		Addr:                     cfg.Addr,
		AuthRequired:             cfg.AuthRequired,
		AuthTimeout:              cfg.AuthTimeout,
		MaxConnections:           cfg.MaxConnections,
		AdmissionEnabled:         cfg.AdmissionEnabled,
		AdmissionIPBurst:         cfg.AdmissionIPBurst,
		AdmissionIPRate:          cfg.AdmissionIPRate,
		AdmissionBurst:           cfg.AdmissionBurst,
		AdmissionRate:            cfg.AdmissionRate,
		AllowedOrigins:           cfg.Origins(),
		RateWindow:               cfg.RateWindow,
		RateLimitDefault:         cfg.RateLimitDefault,
		RoleRateLimits:           server.DefaultRoleRateLimits(cfg.RateLimitDefault),
		OutboundQueueSize:        cfg.OutboundQueueSize,
		MaxSubscriptionsPerConn:  cfg.MaxSubscriptionsPerConn,
		MaxSubscribersPerChannel: cfg.MaxSubscribersPerChannel,
		HistorySize:              cfg.HistorySize,
		ReplayOnSubscribe:        cfg.ReplayOnSubscribe,
		ReplayDepth:              cfg.ReplayDepth,
		QueueEnabled:             cfg.QueueEnabled,
		Queue: queue.Config{
			MaxPerUser:  cfg.QueueMaxPerUser,
			TTL:         cfg.QueueTTL,
			BatchSize:   cfg.QueueBatchSize,
			MaxAttempts: cfg.QueueMaxRetries,
			RetryDelay:  cfg.QueueRetryDelay,
		},
		QueueInterval:       cfg.QueueInterval,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		RedisDB:             cfg.RedisDB,
		NATSURL:             cfg.NATSURL,
		NATSSubjectPrefix:   cfg.NATSSubjectPrefix,
		InactivityThreshold: cfg.InactivityThreshold,
		MetricsInterval:     cfg.MetricsInterval,
		ShutdownGrace:       cfg.ShutdownGrace,
	}, verifier, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Signal received, shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
