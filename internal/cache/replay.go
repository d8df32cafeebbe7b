package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard marks status callbacks as seen in Redis so several engine
// instances behind one webhook apply each callback once.
type ReplayGuard struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewReplayGuard(rdb *redis.Client, ttl time.Duration, prefix string) *ReplayGuard {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	if prefix == "" {
		prefix = "deliveryd:status:"
	}
	return &ReplayGuard{rdb: rdb, ttl: ttl, prefix: prefix}
}

// FirstSeen sets the key if absent and reports whether it was set.
func (g *ReplayGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	return g.rdb.SetNX(ctx, g.prefix+key, time.Now().UTC().Unix(), g.ttl).Result()
}

func (g *ReplayGuard) Forget(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, g.prefix+key).Err()
}

// Ping checks connectivity; used at startup and by /healthz.
func (g *ReplayGuard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

func (g *ReplayGuard) Close() error { return g.rdb.Close() }

// Options builds client options for addr.
func Options(addr, password string, db int) *redis.Options {
	return &redis.Options{Addr: addr, Password: password, DB: db}
}
