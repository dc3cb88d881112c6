package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

// Logger is the subset of logrus used by the Redis cache.
type Logger interface {
	Warnf(format string, args ...interface{})
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Redis shares cached instances between replicas. Errors degrade to cache
// misses because the store remains authoritative.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger Logger
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", cfg.Addr)
	}
	return NewRedisWithClient(client, cfg, logger), nil
}

func NewRedisWithClient(client *redis.Client, cfg RedisConfig, logger Logger) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "workflow:instance:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *Redis) key(id string) string {
	return c.prefix + id
}

func (c *Redis) Get(ctx context.Context, id string) (models.WorkflowInstance, bool) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warnf("Failed to read instance %s from Redis: %v", id, err)
		}
		return models.WorkflowInstance{}, false
	}
	var inst models.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		c.logger.Warnf("Dropping undecodable cache entry for instance %s: %v", id, err)
		c.Invalidate(ctx, id)
		return models.WorkflowInstance{}, false
	}
	return inst, true
}

func (c *Redis) Set(ctx context.Context, inst models.WorkflowInstance) {
	data, err := json.Marshal(inst)
	if err != nil {
		c.logger.Warnf("Failed to encode instance %s for Redis: %v", inst.ID, err)
		return
	}
	if err := c.client.Set(ctx, c.key(inst.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warnf("Failed to cache instance %s in Redis: %v", inst.ID, err)
	}
}

func (c *Redis) Invalidate(ctx context.Context, id string) {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		c.logger.Warnf("Failed to invalidate instance %s in Redis: %v", id, err)
	}
}

func (c *Redis) Close() error {
	return c.client.Close()
}
