// Package store implements the Redis-backed persistence layer behind
// the forming-candle store, indicator cache, strategy state store, and
// risk-limit store, in the shape of alanyoungcy-polymarketbot's
// internal/cache/redis package: a shared *redis.Client wrapper, one
// file per domain cache, and JSON values stored under plain string keys
// (with a TTL where the domain has one). A missing key is reported as a
// nil value with a nil error, not as a not-found error.
package store

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds Redis connection parameters.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis Client with connectivity helpers shared by
// every domain-specific store in this package.
type Client struct {
	rdb *redis.Client
}

// New creates a Client, pinging Redis to verify connectivity before
// returning.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Underlying returns the raw *redis.Client for sub-stores.
func (c *Client) Underlying() *redis.Client { return c.rdb }
