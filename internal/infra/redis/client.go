package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the node heartbeat fast path.
// Runtime agents publish liveness here at high frequency; the health
// monitor folds the freshest timestamp into the durable node record.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func heartbeatKey(nodeID string) string {
	return fmt.Sprintf("node:heartbeat:%s", nodeID)
}

// RecordHeartbeat stores a liveness signal for a node. The TTL bounds how
// long a dead agent's last signal lingers; 0 keeps it forever.
func (c *Client) RecordHeartbeat(
	ctx context.Context,
	nodeID string,
	at time.Time,
	ttl time.Duration,
) error {
	key := heartbeatKey(nodeID)
	value := strconv.FormatInt(at.Unix(), 10)

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// LastHeartbeat returns the most recent liveness signal for a node.
func (c *Client) LastHeartbeat(
	ctx context.Context,
	nodeID string,
) (at time.Time, found bool, err error) {
	key := heartbeatKey(nodeID)

	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get failed: %w", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid heartbeat value: %w", err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}
