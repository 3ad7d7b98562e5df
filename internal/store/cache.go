package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wopr/platform/internal/credit"
)

// BalanceCache caches tenant balances so the hot gateway path does not
// sum the ledger on every request. A miss is not an error; a cache
// outage degrades to DB reads.
type BalanceCache interface {
	Get(ctx context.Context, tenantID string) (credit.Credit, bool)
	Set(ctx context.Context, tenantID string, balance credit.Credit)
	Invalidate(ctx context.Context, tenantID string)
	Close() error
}

// RedisBalanceCache stores raw balances under balance:<tenant> with a
// short TTL. Writers invalidate after every ledger commit, the TTL only
// bounds staleness if an invalidation is lost.
type RedisBalanceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBalanceCache connects and pings; the caller decides whether a
// connection failure is fatal or means running without a cache.
func NewRedisBalanceCache(addr, password string, db int, ttl time.Duration) (*RedisBalanceCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisBalanceCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisBalanceCache) key(tenantID string) string {
	return "balance:" + tenantID
}

func (c *RedisBalanceCache) Get(ctx context.Context, tenantID string) (credit.Credit, bool) {
	val, err := c.rdb.Get(ctx, c.key(tenantID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("balance cache read failed", "tenant", tenantID, "error", err)
		}
		return credit.Zero, false
	}
	raw, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return credit.Zero, false
	}
	bal, err := credit.FromRaw(raw)
	if err != nil {
		return credit.Zero, false
	}
	return bal, true
}

func (c *RedisBalanceCache) Set(ctx context.Context, tenantID string, balance credit.Credit) {
	if err := c.rdb.Set(ctx, c.key(tenantID), strconv.FormatInt(balance.Raw(), 10), c.ttl).Err(); err != nil {
		slog.Warn("balance cache write failed", "tenant", tenantID, "error", err)
	}
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, tenantID string) {
	if err := c.rdb.Del(ctx, c.key(tenantID)).Err(); err != nil {
		slog.Warn("balance cache invalidate failed", "tenant", tenantID, "error", err)
	}
}

func (c *RedisBalanceCache) Close() error {
	return c.rdb.Close()
}

// NopBalanceCache is used when Redis is not configured.
type NopBalanceCache struct{}

func (NopBalanceCache) Get(context.Context, string) (credit.Credit, bool) { return credit.Zero, false }
func (NopBalanceCache) Set(context.Context, string, credit.Credit)       {}
func (NopBalanceCache) Invalidate(context.Context, string)               {}
func (NopBalanceCache) Close() error                                     { return nil }

var (
	_ BalanceCache = (*RedisBalanceCache)(nil)
	_ BalanceCache = NopBalanceCache{}
)
