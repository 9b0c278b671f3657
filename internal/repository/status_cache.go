package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"datasync/internal/models"
)

// StatusIdle is reported for shops without a mirrored job status.
const StatusIdle = "idle"

// StatusCache mirrors the latest job status of each shop into Redis so the
// polling surface can answer without touching the database. A nil client turns
// every write into a no-op and every read into StatusIdle.
type StatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StatusCache{
		client: client,
		prefix: "syncJobStatus",
		ttl:    ttl,
	}
}

func (c *StatusCache) key(shopID uint) string {
	return c.prefix + ":" + strconv.FormatUint(uint64(shopID), 10)
}

// SetStatus stores a job status for a shop.
func (c *StatusCache) SetStatus(ctx context.Context, shopID uint, status models.JobStatus) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key(shopID), string(status), c.ttl).Err()
}

// GetStatus returns the mirrored status or StatusIdle.
func (c *StatusCache) GetStatus(ctx context.Context, shopID uint) (string, error) {
	if c == nil || c.client == nil {
		return StatusIdle, nil
	}
	val, err := c.client.Get(ctx, c.key(shopID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusIdle, nil
		}
		return "", err
	}
	return val, nil
}

// Clear drops the mirrored status of a shop.
func (c *StatusCache) Clear(ctx context.Context, shopID uint) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(shopID)).Err()
}
