package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/logger"
)

// RedisConfig holds the connection options for the redis fabric.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisFabric carries events over redis PUBLISH/SUBSCRIBE so every API node
// sees every group, regardless of which node hosts the session runner.
type RedisFabric struct {
	client *redis.Client
}

// NewRedisFabric connects to redis and verifies the connection before
// returning.
func NewRedisFabric(cfg RedisConfig) (*RedisFabric, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("connected to redis fabric", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisFabric{client: client}, nil
}

func (f *RedisFabric) Publish(ctx context.Context, group string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event for %q: %w", group, err)
	}
	if err := f.client.Publish(ctx, group, data).Err(); err != nil {
		return fmt.Errorf("publish to %q: %w", group, err)
	}
	return nil
}

func (f *RedisFabric) Subscribe(ctx context.Context, group string) (Subscription, error) {
	ps := f.client.Subscribe(ctx, group)

	// Force the SUBSCRIBE round trip so a dead connection fails here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", group, err)
	}

	ch := make(chan Event, subscriptionBuffer)
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("dropping undecodable fabric event",
					zap.String("group", group), zap.Error(err))
				continue
			}
			ch <- ev
		}
	}()

	return &redisSub{ps: ps, ch: ch}, nil
}

// Close releases the underlying client connection pool.
func (f *RedisFabric) Close() error {
	return f.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
	ch chan Event
}

func (s *redisSub) C() <-chan Event {
	return s.ch
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}

var _ Fabric = (*RedisFabric)(nil)
