package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"github.com/redis/go-redis/v9"
)

const gateKeyPrefix = "tradeflow:gate:" // tradeflow:gate:{project_id}:{gate}

// Redis is the shared token store visible to every instance and browser tab.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps a client. ttl bounds token lifetime; zero keeps tokens forever.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// NewRedisFromURL parses a redis:// URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, ttl), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(k domain.GateKey) string {
	return gateKeyPrefix + k.String()
}

func (r *Redis) Get(ctx context.Context, key domain.GateKey) (*domain.GateToken, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gate token: %w", err)
	}

	var tok domain.GateToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gate token: %w", err)
	}
	return &tok, nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, key domain.GateKey, token domain.GateToken) (bool, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return false, fmt.Errorf("failed to marshal gate token: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(key), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set gate token: %w", err)
	}
	return ok, nil
}

func (r *Redis) Set(ctx context.Context, key domain.GateKey, token domain.GateToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal gate token: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set gate token: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key domain.GateKey) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete gate token: %w", err)
	}
	return nil
}
