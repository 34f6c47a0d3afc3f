package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/config"
)

const redisStartupPingTimeout = 3 * time.Second

// Redis carries the client the engine callback subscriber listens on.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds the callback client. An empty address yields a disabled
// Redis. An unreachable server is only logged; readiness reports it.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR not provided; redis callback subscription disabled")
		return &Redis{}
	}

	client := redis.NewClient(callbackRedisOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), redisStartupPingTimeout)
	defer cancel()
	fields := []zap.Field{zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB)}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", append(fields, zap.Error(err))...)
	} else {
		logger.Info("connected to redis", fields...)
	}

	return &Redis{Client: client}
}

func callbackRedisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: clientName,
	}
}

// Enabled reports whether a client was configured.
func (r *Redis) Enabled() bool {
	return r != nil && r.Client != nil
}

// Close closes the client.
func (r *Redis) Close() {
	if r.Enabled() {
		_ = r.Client.Close()
	}
}

// Ping checks Redis for readiness.
func (r *Redis) Ping(ctx context.Context) error {
	if !r.Enabled() {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}
