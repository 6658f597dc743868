package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store mirrors queue mutations into a durable backend so queued
// messages survive a process restart. All operations are best-effort;
// the in-memory queue remains authoritative.
type Store interface {
	Save(qm *QueuedMessage)
	Delete(userID, messageID string)
	Close() error
}

// RedisStore persists queued messages under
// ws:queue:{userId}:{messageId} with a native TTL matching the
// entry's expiry.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRedisStore(addr, password string, db int, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		timeout: 2 * time.Second,
		logger:  logger.With().Str("component", "queue_store").Logger(),
	}
}

func queueKey(userID, messageID string) string {
	return fmt.Sprintf("ws:queue:%s:%s", userID, messageID)
}

func (s *RedisStore) Save(qm *QueuedMessage) {
	data, err := json.Marshal(qm)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", qm.Message.ID).Msg("Failed to serialize queued message")
		return
	}
	ttl := time.Until(qm.ExpiresAt)
	if ttl <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, queueKey(qm.UserID, qm.Message.ID), data, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("message_id", qm.Message.ID).Msg("Failed to persist queued message")
	}
}

func (s *RedisStore) Delete(userID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, queueKey(userID, messageID)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to delete persisted queued message")
	}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
