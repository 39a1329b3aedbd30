package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "rbac:version"
	cacheKeyPrefix  = "rbac:perms:"
)

// PermissionCache stores resolutions between requests. Every RBAC mutation
// must call Invalidate; entries written before it are never served again.
type PermissionCache interface {
	// Get returns the version current at lookup time alongside any hit. A
	// miss must be filled with Put using that version.
	Get(ctx context.Context, userID uuid.UUID) (Resolution, int64, bool, error)
	Put(ctx context.Context, version int64, res Resolution, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// RedisCache is a PermissionCache using versioned Redis keys.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Version returns the current cache version, initialising when missing.
func (c *RedisCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so a concurrent bump is not overwritten.
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func entryKey(userID uuid.UUID, version int64) string {
	return cacheKeyPrefix + userID.String() + ":" + strconv.FormatInt(version, 10)
}

// Get loads the cached resolution of userID for the current version.
func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID) (Resolution, int64, bool, error) {
	if c == nil || c.client == nil {
		return Resolution{}, 0, false, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return Resolution{}, 0, false, err
	}
	payload, err := c.client.Get(ctx, entryKey(userID, ver)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Resolution{}, ver, false, nil
	}
	if err != nil {
		return Resolution{}, ver, false, err
	}
	var res Resolution
	if err := json.Unmarshal(payload, &res); err != nil {
		return Resolution{}, ver, false, err
	}
	if res.Permissions == nil {
		res.Permissions = PermissionSet{}
	}
	return res, ver, true, nil
}

// Put stores res under version for ttl. Entries written under a superseded
// version are unreachable.
func (c *RedisCache) Put(ctx context.Context, version int64, res Resolution, ttl time.Duration) error {
	if c == nil || c.client == nil || ttl <= 0 || version <= 0 {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(res.UserID, version), raw, ttl).Err()
}

// Invalidate bumps the global version. Every instance reads the version on
// each lookup, so the bump is visible to all of them at once.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
