// Package redis connects to the shared Redis instance that holds rate-limit
// and lockout state when more than one auth process serves the same tenants.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tableside/auth-core/internal/infrastructure/config"
)

const pingTimeout = 5 * time.Second

// Client wraps a go-redis client with the configured key prefix.
type Client struct {
	*goredis.Client
	prefix string
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: rdb, prefix: cfg.KeyPrefix}, nil
}

// Prefix is the namespace all keys of this service live under.
func (c *Client) Prefix() string {
	return c.prefix
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
