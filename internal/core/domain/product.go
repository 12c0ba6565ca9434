package domain

import "time"

// Product carries the cached aggregate stock. The cache is not the source of
// truth; the sum of non-consumed batch quantities is. Derived products expose
// a yield-adjusted fraction of their parent's stock and never own batches.
type Product struct {
	ID           string
	Name         string
	CurrentStock float64
	ParentID     string  // empty for top-level products
	YieldRatio   float64 // derived stock = parent stock * yield ratio
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsDerived reports whether the product's stock is computed from a parent.
func (p *Product) IsDerived() bool {
	return p.ParentID != ""
}

// StockDiscrepancy records one cached-vs-recomputed divergence found by the
// reconciliation sweep.
type StockDiscrepancy struct {
	ProductID     string
	PreviousStock float64
	NewStock      float64
	Delta         float64
}
