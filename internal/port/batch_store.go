package port

import (
	"context"
	"errors"
	"time"

	"github.com/harborfoods/batch-ledger/internal/core/domain"
)

// ErrOptimisticLock is returned by ConsumeBatch when the guarded update
// matched no row: the batch changed under a concurrent consumer.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// BatchStore is the durable storage handle the ledger operates through. The
// executor takes the handle explicitly: callers pass either the default
// non-transactional store or one bound to their ambient transaction, so a
// mid-operation failure rolls back every batch mutation of that attempt.
type BatchStore interface {
	// GetBatch retrieves one batch by id, nil when absent
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)

	// SelectAvailableBatches returns all batches with quantity remaining and
	// not consumed, oldest received first. Expired batches are included.
	SelectAvailableBatches(ctx context.Context, productID string) ([]domain.Batch, error)

	// ConsumeBatch decrements quantity remaining by qty, guarded by the
	// previously read remaining value and the not-consumed flag. Marks the
	// batch consumed when the new remaining is exactly zero. Returns
	// ErrOptimisticLock when the guard matches no row.
	ConsumeBatch(ctx context.Context, batchID string, expectedRemaining, qty float64, now time.Time) error

	// InsertConsumptionRecord appends one immutable ledger entry
	InsertConsumptionRecord(ctx context.Context, rec domain.ConsumptionRecord) error

	// InsertBatch creates a received lot (initial == remaining)
	InsertBatch(ctx context.Context, batch domain.Batch) error

	// SumConsumedQuantity returns the total quantity recorded against a batch
	SumConsumedQuantity(ctx context.Context, batchID string) (float64, error)

	// GetProduct retrieves one product by id, nil when absent
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// ListTopLevelProducts returns every product without a parent
	ListTopLevelProducts(ctx context.Context) ([]domain.Product, error)

	// ListDerivedProducts returns the products whose stock derives from parentID
	ListDerivedProducts(ctx context.Context, parentID string) ([]domain.Product, error)

	// UpdateProductStock overwrites the cached aggregate stock
	UpdateProductStock(ctx context.Context, productID string, stock float64) error
}

// TxBeginner is implemented by stores that can mint transaction-bound handles.
type TxBeginner interface {
	// BeginTx starts a transaction and returns a BatchStore bound to it plus
	// commit/rollback controls
	BeginTx(ctx context.Context) (BatchStore, Tx, error)
}

// Tx finalizes a transaction-bound store handle.
type Tx interface {
	Commit() error
	Rollback() error
}
