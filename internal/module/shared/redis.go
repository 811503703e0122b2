package shared

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisClient struct {
	Client           *redis.Client
	url              string
	options          *redis.Options
	retryCount       int
	keepliveInterval time.Duration
	logger           zerolog.Logger
	done             chan struct{}
}

func NewRedisClient(cfg *koanf.Koanf, logger zerolog.Logger) *RedisClient {
	url := cfg.String("redis.url")
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Panic().Err(err).Msg("invalid redis.url")
	}

	return &RedisClient{
		Client:           nil,
		options:          opts,
		logger:           logger,
		url:              url,
		retryCount:       cfg.Int("redis.retry-count"),
		keepliveInterval: cfg.Duration("redis.keeplive-interval"),
		done:             make(chan struct{}),
	}
}

// NewRedisClientWithClient wraps an existing client, skipping url parsing and keeplive.
func NewRedisClientWithClient(client *redis.Client, logger zerolog.Logger) *RedisClient {
	return &RedisClient{Client: client, logger: logger, done: make(chan struct{})}
}

// keeplive pings redis every keepliveInterval. The client's pool redials on
// its own, so a failing ping is only logged.
func (r *RedisClient) keeplive() {
	ticker := time.NewTicker(r.keepliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		if err := r.Client.Ping(context.Background()).Err(); err != nil {
			failures++
			if failures >= r.retryCount {
				r.logger.Error().Err(err).Msgf("Redis unreachable for %d checks", failures)
			} else {
				r.logger.Warn().Err(err).Msg("Failed to ping Redis")
			}
			continue
		}
		if failures > 0 {
			r.logger.Info().Msg("Reconnected to Redis succesfully!")
		}
		failures = 0
	}
}

func (r *RedisClient) Connect() {
	r.Client = redis.NewClient(r.options)
	if r.keepliveInterval > 0 {
		go r.keeplive()
	}
}

func (r *RedisClient) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	if r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// GetCache returns the cached value of key. Misses and errors are both reported as not found.
func (r *RedisClient) GetCache(ctx context.Context, key string) (string, bool) {
	if r == nil || r.Client == nil {
		return "", false
	}
	val, err := r.Client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Msgf("读取缓存失败 key: %s", key)
		}
		return "", false
	}
	return val, true
}

func (r *RedisClient) SetCache(ctx context.Context, key string, value string, ttl time.Duration) {
	if r == nil || r.Client == nil {
		return
	}
	if err := r.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Msgf("写入缓存失败 key: %s", key)
	}
}
