package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink republishes relayed records on redis pub/sub, one redis channel
// per broadcast channel key.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(cfg RedisSinkConfig) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,

			// Honor the per-record deadline the hub puts on Deliver.
			ContextTimeoutEnabled: true,
		}),
		prefix: cfg.ChannelPrefix,
	}
}

func (s *RedisSink) Channel(channelKey string) string {
	return s.prefix + channelKey
}

func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis sink ping: %w", err)
	}
	return nil
}

func (s *RedisSink) Deliver(ctx context.Context, rec Record) error {
	return s.client.Publish(ctx, s.Channel(rec.ChannelKey), rec.Data).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
