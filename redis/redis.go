// Package redis wraps the go-redis client with lazy connection and
// rate-limited reconnects for the dedupe reservation cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/backoff"
)

// ErrNilClient is returned when a client receiver is nil.
var ErrNilClient = errors.New("redis client is nil")

const reconnectBackoffCap = 30 * time.Second

// Client wraps a redis.UniversalClient with reconnection handling. Reconnect
// attempts are rate-limited with exponential backoff so a down server is not
// hammered by every request that needs the cache.
type Client struct {
	mu        sync.RWMutex
	url       string
	logger    *zap.Logger
	client    redis.UniversalClient
	connected bool

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New connects to Redis using a redis:// URL and returns a ready client.
func New(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{url: url, logger: logger}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes the connection, replacing any existing one.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("redis connect: parse url: %w", err)
	}

	if c.client != nil {
		if err := c.closeLocked(); err != nil {
			c.logger.Warn("close before reconnect failed", zap.Error(err))
		}
	}

	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		c.connected = false

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true

	c.logger.Info("connected to redis")

	return nil
}

// GetClient returns a connected client, reconnecting on demand.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++
		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}

// IsConnected reports whether the client currently holds a connection.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}
