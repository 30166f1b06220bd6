package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"unichat-realtime/internal/models"
)

const membershipChannelPrefix = "membership:"

type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient parses redisURL and verifies the connection with a ping.
func NewClient(ctx context.Context, redisURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("[REDIS] Connected to Redis", "addr", opt.Addr, "db", opt.DB)
	return &Client{rdb: rdb, logger: logger.With("component", "redis")}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetList reads a JSON-encoded string list. A missing key reports ok=false.
func (c *Client) GetList(ctx context.Context, key string) ([]string, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return values, true, nil
}

func (c *Client) SetList(ctx context.Context, key string, values []string, ttl time.Duration) error {
	if values == nil {
		values = []string{}
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

// PublishMembershipChanged tells every gateway subscribed to membership:*
// that a user's course enrollment or group membership changed.
func (c *Client) PublishMembershipChanged(ctx context.Context, change models.MembershipChange) error {
	if change.UserID == "" {
		return errors.New("membership change without userId")
	}

	payload, err := json.Marshal(change)
	if err != nil {
		c.logger.Error("[REDIS] Failed to marshal membership change", "user", change.UserID, "error", err)
		return err
	}

	channel := membershipChannel(change.UserID)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Error("[REDIS] Failed to publish membership change", "channel", channel, "error", err)
		return err
	}
	return nil
}

func membershipChannel(userID string) string {
	return membershipChannelPrefix + userID
}
