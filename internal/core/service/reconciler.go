package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/harborfoods/batch-ledger/internal/core/domain"
	"github.com/harborfoods/batch-ledger/internal/port"
)

const (
	// absorbs floating-point noise in fractional-unit products
	stockTolerance = 0.001

	sweepLockTTL = 5 * time.Minute
)

var ErrSweepInProgress = errors.New("reconciliation sweep already running")

// StockReconciler corrects the cached per-product aggregate stock from the
// batch set, the source of truth. Runs reactively after consumption and as a
// scheduled fleet-wide sweep: batches lapse past expiry and operators write
// stock off out-of-band, so the cache drifts silently.
type StockReconciler struct {
	store port.BatchStore
	cache port.StockCache
}

func NewStockReconciler(store port.BatchStore, cache port.StockCache) *StockReconciler {
	return &StockReconciler{store: store, cache: cache}
}

// SyncProductCurrentStock recomputes one product's aggregate from its
// non-consumed batches and overwrites the cached value. Returns the new value.
func (r *StockReconciler) SyncProductCurrentStock(ctx context.Context, productID string) (float64, error) {
	sum, err := r.batchSum(ctx, productID)
	if err != nil {
		return 0, err
	}
	if err := r.store.UpdateProductStock(ctx, productID, sum); err != nil {
		return 0, err
	}
	r.setCache(ctx, productID, sum)
	return sum, nil
}

// SyncCurrentStock sweeps every top-level product: where the cached stock
// diverges from the recomputed batch sum beyond the tolerance, it records a
// discrepancy and overwrites the cache. The recomputed base quantity always
// cascades to derived products, even when the parent did not change, because
// dependents drift independently. Returns all discrepancies found.
func (r *StockReconciler) SyncCurrentStock(ctx context.Context) ([]domain.StockDiscrepancy, error) {
	if r.cache != nil {
		ok, err := r.cache.AcquireSweepLock(ctx, sweepLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := r.cache.ReleaseSweepLock(ctx); err != nil {
				log.Printf("release sweep lock: %v", err)
			}
		}()
	}

	products, err := r.store.ListTopLevelProducts(ctx)
	if err != nil {
		return nil, err
	}

	var discrepancies []domain.StockDiscrepancy
	for _, p := range products {
		sum, err := r.batchSum(ctx, p.ID)
		if err != nil {
			return discrepancies, err
		}

		if math.Abs(p.CurrentStock-sum) > stockTolerance {
			discrepancies = append(discrepancies, domain.StockDiscrepancy{
				ProductID:     p.ID,
				PreviousStock: p.CurrentStock,
				NewStock:      sum,
				Delta:         sum - p.CurrentStock,
			})
			if err := r.store.UpdateProductStock(ctx, p.ID, sum); err != nil {
				return discrepancies, err
			}
			log.Printf("stock drift on product %s: cached %.3f, recomputed %.3f", p.ID, p.CurrentStock, sum)
		}
		r.setCache(ctx, p.ID, sum)

		if err := r.cascadeDerived(ctx, p.ID, sum); err != nil {
			return discrepancies, err
		}
	}
	return discrepancies, nil
}

// cascadeDerived pushes the recomputed base quantity onto every product whose
// available quantity is a yield-adjusted fraction of the parent's stock.
func (r *StockReconciler) cascadeDerived(ctx context.Context, parentID string, parentStock float64) error {
	derived, err := r.store.ListDerivedProducts(ctx, parentID)
	if err != nil {
		return err
	}
	for _, d := range derived {
		stock := parentStock * d.YieldRatio
		if err := r.store.UpdateProductStock(ctx, d.ID, stock); err != nil {
			return err
		}
		r.setCache(ctx, d.ID, stock)
	}
	return nil
}

func (r *StockReconciler) batchSum(ctx context.Context, productID string) (float64, error) {
	batches, err := r.store.SelectAvailableBatches(ctx, productID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, b := range batches {
		sum += b.QuantityRemaining
	}
	return sum, nil
}

func (r *StockReconciler) setCache(ctx context.Context, productID string, qty float64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetStock(ctx, productID, qty); err != nil {
		log.Printf("stock cache update failed for product %s: %v", productID, err)
	}
}
