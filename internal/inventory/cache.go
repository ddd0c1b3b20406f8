package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// BalanceCache keeps short-lived balance snapshots in Redis so hot
// balance reads do not hammer the primary. Entries are invalidated on
// movement commit; the TTL bounds staleness if an invalidation is lost.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewBalanceCache instantiates the cache helper.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl}
}

type balanceLoader func(ctx context.Context) (int64, error)

func productKey(orgID, productID int64) string {
	return fmt.Sprintf("inventory:balance:%d:%d", orgID, productID)
}

func locationKey(orgID, productID, locationID int64) string {
	return fmt.Sprintf("inventory:balance:%d:%d:%d", orgID, productID, locationID)
}

// ProductBalance reads through the cache for a product-level balance.
func (c *BalanceCache) ProductBalance(ctx context.Context, orgID, productID int64, load balanceLoader) (int64, error) {
	return c.get(ctx, productKey(orgID, productID), load)
}

// LocationBalance reads through the cache for a location balance.
func (c *BalanceCache) LocationBalance(ctx context.Context, orgID, productID, locationID int64, load balanceLoader) (int64, error) {
	return c.get(ctx, locationKey(orgID, productID, locationID), load)
}

func (c *BalanceCache) get(ctx context.Context, key string, load balanceLoader) (int64, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	val, err := c.client.Get(ctx, key).Int64()
	if err == nil {
		return val, nil
	}
	if err != redis.Nil {
		return load(ctx)
	}
	result, err, _ := c.group.Do(key, func() (any, error) {
		fresh, err := load(ctx)
		if err != nil {
			return int64(0), err
		}
		_ = c.client.Set(ctx, key, fresh, c.ttl).Err()
		return fresh, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Invalidate drops the snapshot for a product and any location legs a
// movement touched. Best effort; the TTL covers delivery failures.
func (c *BalanceCache) Invalidate(ctx context.Context, orgID, productID int64, locationIDs ...*int64) {
	if c == nil || c.client == nil {
		return
	}
	keys := []string{productKey(orgID, productID)}
	for _, id := range locationIDs {
		if id != nil {
			keys = append(keys, locationKey(orgID, productID, *id))
		}
	}
	_ = c.client.Del(ctx, keys...).Err()
}
