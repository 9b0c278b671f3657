package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SyncLimiter caps how many syncs a shop may start per window. A shop that uses
// up its points is blocked for the block duration.
type SyncLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type LimiterOptions struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

func (o *LimiterOptions) withDefaults() {
	if o.Points <= 0 {
		o.Points = 3
	}
	if o.Window <= 0 {
		o.Window = 24 * time.Hour
	}
	if o.Block <= 0 {
		o.Block = 3 * time.Hour
	}
}

type redisSyncLimiter struct {
	client *redis.Client
	prefix string
	opts   LimiterOptions
}

func (l *redisSyncLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	blockKey := l.prefix + ":blocked:" + key
	ttl, err := l.client.PTTL(ctx, blockKey).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl > 0 {
		return false, ttl, nil
	}

	countKey := l.prefix + ":" + key
	count, err := l.client.Incr(ctx, countKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, countKey, l.opts.Window).Err(); err != nil {
			return false, 0, err
		}
	}

	if count > int64(l.opts.Points) {
		if err := l.client.Set(ctx, blockKey, "1", l.opts.Block).Err(); err != nil {
			return false, 0, err
		}
		return false, l.opts.Block, nil
	}
	return true, 0, nil
}

type limiterEntry struct {
	count        int
	windowEnds   time.Time
	blockedUntil time.Time
}

type memorySyncLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	opts    LimiterOptions
	now     func() time.Time
	nextGC  time.Time
}

func newMemorySyncLimiter(opts LimiterOptions) *memorySyncLimiter {
	return &memorySyncLimiter{
		entries: make(map[string]*limiterEntry),
		opts:    opts,
		now:     time.Now,
		nextGC:  time.Now().Add(opts.Window),
	}
}

func (l *memorySyncLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || (now.After(e.windowEnds) && now.After(e.blockedUntil)) {
		e = &limiterEntry{windowEnds: now.Add(l.opts.Window)}
		l.entries[key] = e
	}
	if now.Before(e.blockedUntil) {
		return false, e.blockedUntil.Sub(now), nil
	}

	e.count++
	allowed := e.count <= l.opts.Points
	if !allowed {
		e.blockedUntil = now.Add(l.opts.Block)
	}

	if now.After(l.nextGC) {
		for k, v := range l.entries {
			if now.After(v.windowEnds) && now.After(v.blockedUntil) {
				delete(l.entries, k)
			}
		}
		l.nextGC = now.Add(l.opts.Window)
	}

	if !allowed {
		return false, l.opts.Block, nil
	}
	return true, 0, nil
}

// NewSyncLimiter uses Redis when a client is given and an in-memory limiter
// otherwise.
func NewSyncLimiter(client *redis.Client, opts LimiterOptions) SyncLimiter {
	opts.withDefaults()
	if client == nil {
		return newMemorySyncLimiter(opts)
	}
	return &redisSyncLimiter{
		client: client,
		prefix: "sync:limit",
		opts:   opts,
	}
}
