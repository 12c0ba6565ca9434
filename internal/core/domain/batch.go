package domain

import (
	"math"
	"time"
)

// Batch is one received lot of a product. QuantityRemaining never exceeds
// InitialQuantity, and once IsConsumed is set the batch is never mutated again.
type Batch struct {
	ID                string
	ProductID         string
	InitialQuantity   float64
	QuantityRemaining float64
	CostPerUnit       int64 // minor currency units (cents)
	ReceivedAt        time.Time
	ExpiryDate        *time.Time
	IsConsumed        bool
	ConsumedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsExpired reports whether the batch lapsed past its expiry date.
// Batches with no expiry date never expire.
func (b *Batch) IsExpired(now time.Time) bool {
	if b.ExpiryDate == nil {
		return false
	}
	return b.ExpiryDate.Before(now)
}

// DaysUntilExpiry returns the number of whole days until expiry, rounded to
// the nearest day. Negative for already-expired batches. The boolean is false
// when the batch has no expiry date.
func (b *Batch) DaysUntilExpiry(now time.Time) (int, bool) {
	if b.ExpiryDate == nil {
		return 0, false
	}
	return int(math.Round(b.ExpiryDate.Sub(now).Hours() / 24)), true
}

// ConsumptionRecord is one immutable ledger entry of a draw from one batch.
// Records are append-only: never updated or deleted, they are the COGS audit
// trail.
type ConsumptionRecord struct {
	ID               string
	BatchID          string
	TransactionID    string
	QuantityConsumed float64
	CostPerUnit      int64
	TotalCost        int64
	OrderID          string
	OrderNumber      string
	CreatedAt        time.Time
}

// ExpiryWarning is surfaced to the caller when a draw touches a batch within
// the warning horizon of its expiry date. Derived per call, never persisted.
type ExpiryWarning struct {
	BatchID         string
	ProductID       string
	ExpiryDate      time.Time
	DaysUntilExpiry int // may be negative
}

// ConsumeResult aggregates one successful consume call.
type ConsumeResult struct {
	TotalCost      int64
	QuantityDrawn  float64
	BatchesUsed    []ConsumptionRecord
	ExpiryWarnings []ExpiryWarning
}
