package port

import (
	"context"
	"time"
)

// StockCache fronts the product aggregate stock for availability fast-paths.
// The cache is advisory only; the guarded batch write is the real gate.
type StockCache interface {
	// GetStock returns the cached aggregate, found=false on a miss
	GetStock(ctx context.Context, productID string) (qty float64, found bool, err error)

	// SetStock overwrites the cached aggregate
	SetStock(ctx context.Context, productID string, qty float64) error

	// InvalidateStock drops the cached aggregate
	InvalidateStock(ctx context.Context, productID string) error

	// AcquireSweepLock takes the fleet-wide reconciliation lock, returning
	// false if another sweep holds it
	AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error)

	// ReleaseSweepLock releases the fleet-wide reconciliation lock
	ReleaseSweepLock(ctx context.Context) error
}
