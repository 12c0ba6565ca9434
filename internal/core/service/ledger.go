package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/harborfoods/batch-ledger/internal/core/domain"
	"github.com/harborfoods/batch-ledger/internal/port"
)

const (
	maxConsumeAttempts   = 3
	conflictBackoffStep  = 50 * time.Millisecond
	expiryWarningHorizon = 7 * 24 * time.Hour

	// quantities are DECIMAL(20,3) at rest; anything below this is noise
	qtyEpsilon = 1e-9
)

var (
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInternalShortfall   = errors.New("internal shortfall")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrBatchConsumed       = errors.New("batch already consumed")
	ErrBatchInsufficient   = errors.New("batch has insufficient quantity")
)

// ConsumeRequest identifies what to draw and the business event causing it.
// OrderID and OrderNumber are optional traceability fields copied onto every
// consumption record of the call.
type ConsumeRequest struct {
	ProductID     string
	Quantity      float64
	TransactionID string
	OrderID       string
	OrderNumber   string
}

// BatchLedger decides which stock batches satisfy a withdrawal, oldest
// received first, and records every draw for COGS. Batch mutations are
// optimistic: a guarded conditional update per batch, with the whole
// operation retried from a fresh read on any conflict.
type BatchLedger struct {
	store port.BatchStore
	cache port.StockCache

	reconcileQueue chan string

	// injectable for deterministic tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewBatchLedger(store port.BatchStore, cache port.StockCache, reconcileQueueSize int) *BatchLedger {
	return &BatchLedger{
		store:          store,
		cache:          cache,
		reconcileQueue: make(chan string, reconcileQueueSize),
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// SelectBatches builds the FIFO plan for a product: every batch with quantity
// remaining and not consumed, ascending by received timestamp. Expired batches
// are included; expiry produces a warning at draw time, never an exclusion.
// The total available quantity is returned alongside for sufficiency checks.
func (l *BatchLedger) SelectBatches(ctx context.Context, store port.BatchStore, productID string) ([]domain.Batch, float64, error) {
	batches, err := store.SelectAvailableBatches(ctx, productID)
	if err != nil {
		return nil, 0, err
	}
	var total float64
	for _, b := range batches {
		total += b.QuantityRemaining
	}
	return batches, total, nil
}

// Consume draws the requested quantity from the product's batches in FIFO
// order. Each attempt runs in its own transaction; on an optimistic conflict
// the attempt is rolled back and the whole operation restarts from a fresh
// read, because the conflict may have invalidated the FIFO plan itself.
// Up to 3 attempts with escalating backoff, then ErrConcurrencyConflict.
func (l *BatchLedger) Consume(ctx context.Context, req ConsumeRequest) (*domain.ConsumeResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: got %.3f", ErrInvalidQuantity, req.Quantity)
	}

	for attempt := 1; ; attempt++ {
		res, err := l.consumeAttempt(ctx, req)
		if err == nil {
			l.enqueueReconcile(req.ProductID)
			return res, nil
		}
		if !errors.Is(err, port.ErrOptimisticLock) {
			return nil, err
		}

		log.Printf("consume conflict on product %s (attempt %d/%d)", req.ProductID, attempt, maxConsumeAttempts)
		if attempt >= maxConsumeAttempts {
			return nil, fmt.Errorf("%w: product %s after %d attempts",
				ErrConcurrencyConflict, req.ProductID, attempt)
		}
		l.sleep(conflictBackoffStep * time.Duration(attempt))
	}
}

// ConsumeTx is Consume inside a caller-supplied transactional handle, for
// callers that need batch mutations atomic with their own writes (e.g. order
// status). Single attempt: on conflict the caller must roll back its whole
// business transaction and retry it, since draws already applied inside the
// transaction cannot be individually undone.
func (l *BatchLedger) ConsumeTx(ctx context.Context, store port.BatchStore, req ConsumeRequest) (*domain.ConsumeResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: got %.3f", ErrInvalidQuantity, req.Quantity)
	}
	res, err := l.consumeOnce(ctx, store, req)
	if errors.Is(err, port.ErrOptimisticLock) {
		return nil, fmt.Errorf("%w: product %s", ErrConcurrencyConflict, req.ProductID)
	}
	if err != nil {
		return nil, err
	}
	l.enqueueReconcile(req.ProductID)
	return res, nil
}

func (l *BatchLedger) consumeAttempt(ctx context.Context, req ConsumeRequest) (*domain.ConsumeResult, error) {
	tb, ok := l.store.(port.TxBeginner)
	if !ok {
		return l.consumeOnce(ctx, l.store, req)
	}

	txStore, tx, err := tb.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	res, err := l.consumeOnce(ctx, txStore, req)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return res, nil
}

// consumeOnce is one full attempt: plan, sufficiency check, guarded walk.
func (l *BatchLedger) consumeOnce(ctx context.Context, store port.BatchStore, req ConsumeRequest) (*domain.ConsumeResult, error) {
	batches, total, err := l.SelectBatches(ctx, store, req.ProductID)
	if err != nil {
		return nil, err
	}

	// advisory: the per-batch guarded write is the authoritative check
	if total+qtyEpsilon < req.Quantity {
		return nil, fmt.Errorf("%w: product %s has %.3f available, requested %.3f",
			ErrInsufficientStock, req.ProductID, total, req.Quantity)
	}

	now := l.now()
	remaining := req.Quantity
	result := &domain.ConsumeResult{}

	for _, batch := range batches {
		if remaining <= qtyEpsilon {
			break
		}

		qty := math.Min(batch.QuantityRemaining, remaining)
		// round per draw, not per unit, so many small draws don't drift
		cost := int64(math.Round(qty * float64(batch.CostPerUnit)))

		if warning, ok := expiryWarning(&batch, now); ok {
			result.ExpiryWarnings = append(result.ExpiryWarnings, warning)
		}

		if err := store.ConsumeBatch(ctx, batch.ID, batch.QuantityRemaining, qty, now); err != nil {
			return nil, err
		}

		rec := domain.ConsumptionRecord{
			ID:               uuid.New().String(),
			BatchID:          batch.ID,
			TransactionID:    req.TransactionID,
			QuantityConsumed: qty,
			CostPerUnit:      batch.CostPerUnit,
			TotalCost:        cost,
			OrderID:          req.OrderID,
			OrderNumber:      req.OrderNumber,
			CreatedAt:        now,
		}
		if err := store.InsertConsumptionRecord(ctx, rec); err != nil {
			return nil, err
		}

		result.BatchesUsed = append(result.BatchesUsed, rec)
		result.TotalCost += cost
		result.QuantityDrawn += qty
		remaining -= qty
	}

	if remaining > qtyEpsilon {
		// sufficiency passed but the plan ran dry: structural invariant broken
		log.Printf("CRITICAL: fifo plan exhausted for product %s, %.3f undrawn", req.ProductID, remaining)
		return nil, fmt.Errorf("%w: product %s, %.3f undrawn", ErrInternalShortfall, req.ProductID, remaining)
	}

	return result, nil
}

// ConsumeFromBatch draws from one specific batch, bypassing FIFO selection,
// for operator-directed draws (e.g. clearing a soon-to-expire lot). Same
// guarded update, single attempt: the caller decides whether to retry.
func (l *BatchLedger) ConsumeFromBatch(ctx context.Context, batchID string, quantity float64, transactionID string) (*domain.ConsumeResult, error) {
	return l.ConsumeFromBatchTx(ctx, l.store, batchID, quantity, transactionID)
}

// ConsumeFromBatchTx is ConsumeFromBatch against a caller-supplied handle.
func (l *BatchLedger) ConsumeFromBatchTx(ctx context.Context, store port.BatchStore, batchID string, quantity float64, transactionID string) (*domain.ConsumeResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: got %.3f", ErrInvalidQuantity, quantity)
	}

	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if batch.IsConsumed {
		return nil, fmt.Errorf("%w: %s", ErrBatchConsumed, batchID)
	}
	if batch.QuantityRemaining+qtyEpsilon < quantity {
		return nil, fmt.Errorf("%w: batch %s has %.3f remaining, requested %.3f",
			ErrBatchInsufficient, batchID, batch.QuantityRemaining, quantity)
	}

	now := l.now()
	cost := int64(math.Round(quantity * float64(batch.CostPerUnit)))

	if err := store.ConsumeBatch(ctx, batch.ID, batch.QuantityRemaining, quantity, now); err != nil {
		if errors.Is(err, port.ErrOptimisticLock) {
			return nil, fmt.Errorf("%w: batch %s", ErrConcurrencyConflict, batchID)
		}
		return nil, err
	}

	rec := domain.ConsumptionRecord{
		ID:               uuid.New().String(),
		BatchID:          batch.ID,
		TransactionID:    transactionID,
		QuantityConsumed: quantity,
		CostPerUnit:      batch.CostPerUnit,
		TotalCost:        cost,
		CreatedAt:        now,
	}
	if err := store.InsertConsumptionRecord(ctx, rec); err != nil {
		return nil, err
	}

	result := &domain.ConsumeResult{
		TotalCost:     cost,
		QuantityDrawn: quantity,
		BatchesUsed:   []domain.ConsumptionRecord{rec},
	}
	if warning, ok := expiryWarning(batch, now); ok {
		result.ExpiryWarnings = append(result.ExpiryWarnings, warning)
	}

	l.enqueueReconcile(batch.ProductID)
	return result, nil
}

// ReceiveBatchRequest describes one incoming lot from the receiving workflow.
type ReceiveBatchRequest struct {
	ProductID   string
	Quantity    float64
	CostPerUnit int64
	ReceivedAt  time.Time
	ExpiryDate  *time.Time
}

// ReceiveBatch records a received lot. Initial quantity equals quantity
// remaining; negative quantities and costs are rejected.
func (l *BatchLedger) ReceiveBatch(ctx context.Context, req ReceiveBatchRequest) (*domain.Batch, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: got %.3f", ErrInvalidQuantity, req.Quantity)
	}
	if req.CostPerUnit < 0 {
		return nil, fmt.Errorf("cost per unit must not be negative: got %d", req.CostPerUnit)
	}

	now := l.now()
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	batch := domain.Batch{
		ID:                uuid.New().String(),
		ProductID:         req.ProductID,
		InitialQuantity:   req.Quantity,
		QuantityRemaining: req.Quantity,
		CostPerUnit:       req.CostPerUnit,
		ReceivedAt:        receivedAt,
		ExpiryDate:        req.ExpiryDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.store.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}

	l.enqueueReconcile(req.ProductID)
	return &batch, nil
}

// HasAvailableStock reports whether the batch sum covers the needed quantity.
// Advisory only; the guarded write in Consume is the real gate.
func (l *BatchLedger) HasAvailableStock(ctx context.Context, productID string, quantityNeeded float64) (bool, error) {
	available, err := l.GetAvailableStockQuantity(ctx, productID)
	if err != nil {
		return false, err
	}
	return available+qtyEpsilon >= quantityNeeded, nil
}

// GetAvailableStockQuantity returns the sum of non-consumed batch quantities,
// serving from the cache when warm and refreshing it on a miss.
func (l *BatchLedger) GetAvailableStockQuantity(ctx context.Context, productID string) (float64, error) {
	if l.cache != nil {
		if qty, found, err := l.cache.GetStock(ctx, productID); err == nil && found {
			return qty, nil
		}
	}

	_, total, err := l.SelectBatches(ctx, l.store, productID)
	if err != nil {
		return 0, err
	}
	if l.cache != nil {
		if err := l.cache.SetStock(ctx, productID, total); err != nil {
			log.Printf("stock cache refresh failed for product %s: %v", productID, err)
		}
	}
	return total, nil
}

// ReconcileQueue exposes product ids touched by consumption, for the
// reactive reconciliation workers.
func (l *BatchLedger) ReconcileQueue() <-chan string {
	return l.reconcileQueue
}

func (l *BatchLedger) Close() {
	close(l.reconcileQueue)
}

// enqueueReconcile is best-effort: a full queue drops the hint and the
// scheduled sweep catches the drift instead.
func (l *BatchLedger) enqueueReconcile(productID string) {
	select {
	case l.reconcileQueue <- productID:
	default:
		log.Printf("reconcile queue full, dropping product %s", productID)
	}
}

func expiryWarning(batch *domain.Batch, now time.Time) (domain.ExpiryWarning, bool) {
	if batch.ExpiryDate == nil || batch.ExpiryDate.After(now.Add(expiryWarningHorizon)) {
		return domain.ExpiryWarning{}, false
	}
	days, _ := batch.DaysUntilExpiry(now)
	return domain.ExpiryWarning{
		BatchID:         batch.ID,
		ProductID:       batch.ProductID,
		ExpiryDate:      *batch.ExpiryDate,
		DaysUntilExpiry: days,
	}, true
}
