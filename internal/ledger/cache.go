package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearthhq/hearth/internal/retry"
	"github.com/hearthhq/hearth/internal/txn"
)

// BalanceCache caches wallet accounts between appends.
//
// Lookup returns the cached account (nil on miss) and a token that Put must be
// given. Invalidate makes every token handed out earlier stale, so a reader
// that raced a writer can never publish a pre-commit balance.
type BalanceCache interface {
	Lookup(ctx context.Context, userID string) (*Account, string, error)
	Put(ctx context.Context, token string, acct *Account) error
	Invalidate(ctx context.Context, userID string) error
}

// RedisBalanceCache stores accounts under generation-versioned keys.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisBalanceCache creates a cache with the given entry TTL.
func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBalanceCache{client: client, ttl: ttl, prefix: "hearth:wallet:"}
}

func (c *RedisBalanceCache) genKey(userID string) string {
	return c.prefix + "gen:" + userID
}

func (c *RedisBalanceCache) Lookup(ctx context.Context, userID string) (*Account, string, error) {
	gen, err := c.client.Get(ctx, c.genKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", err
	}
	key := c.prefix + "acct:" + userID + ":" + strconv.FormatInt(gen, 10)

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, key, nil
	}
	if err != nil {
		return nil, "", err
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, key, nil
	}
	return &acct, key, nil
}

func (c *RedisBalanceCache) Put(ctx context.Context, token string, acct *Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, token, raw, c.ttl).Err()
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Incr(ctx, c.genKey(userID)).Err()
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// CachedStore decorates a Store with a read-through balance cache. Writes
// invalidate the user's entry once the surrounding unit of work commits.
//
// An invalidation that keeps failing leaves the user dirty: this process reads
// them from the store until a later invalidation goes through.
type CachedStore struct {
	Store
	cache  BalanceCache
	logger *slog.Logger
	policy retry.Policy

	mu    sync.Mutex
	dirty map[string]struct{}
}

// invalidatePolicy runs in the commit path, so it stays short.
var invalidatePolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    100 * time.Millisecond,
}

// NewCachedStore wraps store with cache.
func NewCachedStore(store Store, cache BalanceCache, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		Store:  store,
		cache:  cache,
		logger: logger,
		policy: invalidatePolicy,
		dirty:  make(map[string]struct{}),
	}
}

func (c *CachedStore) Append(ctx context.Context, tx *Transaction) error {
	if err := c.Store.Append(ctx, tx); err != nil {
		return err
	}
	c.invalidateAfterCommit(ctx, tx.UserID)
	return nil
}

func (c *CachedStore) Settle(ctx context.Context, id string, status Status) (*Transaction, error) {
	tx, err := c.Store.Settle(ctx, id, status)
	if err != nil {
		return nil, err
	}
	c.invalidateAfterCommit(ctx, tx.UserID)
	return tx, nil
}

func (c *CachedStore) invalidateAfterCommit(ctx context.Context, userID string) {
	bg := context.WithoutCancel(ctx)
	txn.AfterCommit(ctx, func() {
		err := c.policy.Do(bg, func(ctx context.Context) error {
			return c.cache.Invalidate(ctx, userID)
		})
		if err != nil {
			c.markDirty(userID)
			cacheInvalidationFailures.Inc()
			c.logger.Error("balance cache invalidation failed, bypassing cache for user",
				"userId", userID, "error", err)
		}
	})
}

func (c *CachedStore) markDirty(userID string) {
	c.mu.Lock()
	c.dirty[userID] = struct{}{}
	c.mu.Unlock()
}

// clean reports whether userID may be served from cache, retrying a pending
// invalidation first.
func (c *CachedStore) clean(ctx context.Context, userID string) bool {
	c.mu.Lock()
	_, dirty := c.dirty[userID]
	c.mu.Unlock()
	if !dirty {
		return true
	}
	if err := c.cache.Invalidate(ctx, userID); err != nil {
		return false
	}
	c.mu.Lock()
	delete(c.dirty, userID)
	c.mu.Unlock()
	return true
}

// GetAccount serves from cache outside units of work. Inside a unit it always
// reads the store so the caller sees its own uncommitted writes.
func (c *CachedStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	if txn.InUnit(ctx) {
		return c.Store.GetAccount(ctx, userID)
	}
	if !c.clean(ctx, userID) {
		cacheLookups.WithLabelValues("bypass").Inc()
		return c.Store.GetAccount(ctx, userID)
	}

	acct, token, err := c.cache.Lookup(ctx, userID)
	if err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("balance cache lookup failed", "userId", userID, "error", err)
		return c.Store.GetAccount(ctx, userID)
	}
	if acct != nil {
		cacheLookups.WithLabelValues("hit").Inc()
		return acct, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	acct, err = c.Store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, token, acct); err != nil {
		c.logger.Warn("balance cache fill failed", "userId", userID, "error", err)
	}
	return acct, nil
}

var _ Store = (*CachedStore)(nil)
