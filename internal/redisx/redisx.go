// Package redisx owns the go-redis client construction and the narrow
// pub/sub surface the event bus consumes. Queue code takes the *redis.Client
// directly; everything else should depend on the small interfaces here.
package redisx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepbin/backend/internal/config"
)

// New connects to Redis and verifies the connection with a ping. Callers
// decide whether a failure means fallback or fatal.
func New(cfg config.RedisConfig) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 20
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	slog.Info("Redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}

// PubSubClient is the minimal pub/sub surface. Kept separate from the full
// client because subscriptions own a long-lived connection.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Adapter implements PubSubClient over a live go-redis client.
type Adapter struct {
	rdb *redis.Client
}

var _ PubSubClient = (*Adapter)(nil)

func NewAdapter(rdb *redis.Client) *Adapter {
	return &Adapter{rdb: rdb}
}

func (a *Adapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

func (a *Adapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed before reporting success.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
