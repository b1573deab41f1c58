package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/relay-api/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// Connect opens a client from cfg.URL and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 10
	}
	opts.MinIdleConns = 2
	opts.PoolTimeout = 5 * time.Second

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
