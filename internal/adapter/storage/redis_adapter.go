package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix = "stock:"
	sweepLockKey   = "reconcile:sweep-lock"
	stockKeyTTL    = time.Hour
)

// RedisAdapter caches the per-product aggregate stock. The cache is a read
// fast-path only; reconciliation overwrites it from the batch sum.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) GetStock(ctx context.Context, productID string) (float64, bool, error) {
	qty, err := r.client.Get(ctx, stockKeyPrefix+productID).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func (r *RedisAdapter) SetStock(ctx context.Context, productID string, qty float64) error {
	return r.client.Set(ctx, stockKeyPrefix+productID, qty, stockKeyTTL).Err()
}

func (r *RedisAdapter) InvalidateStock(ctx context.Context, productID string) error {
	return r.client.Del(ctx, stockKeyPrefix+productID).Err()
}

// AcquireSweepLock takes the fleet-wide reconciliation lock so overlapping
// sweeps don't fight over the same products.
func (r *RedisAdapter) AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, sweepLockKey, 1, ttl).Result()
}

func (r *RedisAdapter) ReleaseSweepLock(ctx context.Context) error {
	return r.client.Del(ctx, sweepLockKey).Err()
}
