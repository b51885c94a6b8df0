/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/seqworker/internal/events"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel receives every mirrored event.
	Channel string

	PoolSize     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Channel:      "seqworker:events",
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// RedisMirror publishes bus events on a Redis pub/sub channel.
type RedisMirror struct {
	client *redis.Client
	mirror *mirror
	logger zerolog.Logger
}

// NewRedisMirror connects to Redis and starts mirroring bus events. The
// connection is verified with PING so misconfiguration surfaces at startup.
func NewRedisMirror(ctx context.Context, cfg RedisConfig, bus *events.Bus, nodeID string, logger zerolog.Logger) (*RedisMirror, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisConfig().Channel
	}
	logger = logger.With().Str("component", "redis_mirror").Str("channel", cfg.Channel).Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	rm := &RedisMirror{client: client, logger: logger}
	rm.mirror = newMirror("redis", bus, nodeID, cfg.WriteTimeout, func(ctx context.Context, _ events.EventType, data []byte) error {
		return client.Publish(ctx, cfg.Channel, data).Err()
	}, logger)
	rm.mirror.start()

	logger.Info().Str("addr", cfg.Addr).Msg("mirroring events to Redis")
	return rm, nil
}

// Close stops mirroring and closes the Redis client.
func (rm *RedisMirror) Close() error {
	rm.mirror.stop()
	return rm.client.Close()
}
