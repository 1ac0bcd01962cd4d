// utils/redis.go
package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared key-value store plus the key prefix scoping this
// deployment's keys. Every coordinator builds its keys through Key.
type Cache struct {
	Client redis.UniversalClient
	Prefix string
}

// NewCache connects to the redis instance at rawURL and verifies it answers.
func NewCache(ctx context.Context, rawURL, prefix string) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return &Cache{Client: client, Prefix: prefix}, nil
}

// Key formats a key and scopes it with the deployment prefix.
func (c *Cache) Key(format string, args ...any) string {
	return c.Prefix + fmt.Sprintf(format, args...)
}

// Unscoped strips the deployment prefix from a key returned by SCAN.
func (c *Cache) Unscoped(key string) string {
	if len(key) >= len(c.Prefix) && key[:len(c.Prefix)] == c.Prefix {
		return key[len(c.Prefix):]
	}
	return key
}

func (c *Cache) Close() error {
	return c.Client.Close()
}
