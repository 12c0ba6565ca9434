package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfoods/batch-ledger/internal/core/domain"
	"github.com/harborfoods/batch-ledger/internal/port"
)

// memStore is an in-memory BatchStore with compare-and-swap semantics
// matching the MySQL adapter's guarded update.
type memStore struct {
	mu       sync.Mutex
	batches  map[string]*domain.Batch
	records  []domain.ConsumptionRecord
	products map[string]*domain.Product

	failNext     int // inject this many optimistic conflicts
	consumeCalls int
}

func newMemStore() *memStore {
	return &memStore{
		batches:  make(map[string]*domain.Batch),
		products: make(map[string]*domain.Product),
	}
}

func (s *memStore) addBatch(b domain.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := b
	s.batches[b.ID] = &copied
}

func (s *memStore) addProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := p
	s.products[p.ID] = &copied
}

func (s *memStore) batch(id string) domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.batches[id]
}

func (s *memStore) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (s *memStore) SelectAvailableBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Batch
	for _, b := range s.batches {
		if b.ProductID == productID && !b.IsConsumed && b.QuantityRemaining > 0 {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *memStore) ConsumeBatch(ctx context.Context, batchID string, expectedRemaining, qty float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumeCalls++

	if s.failNext > 0 {
		s.failNext--
		return port.ErrOptimisticLock
	}

	b, ok := s.batches[batchID]
	if !ok || b.IsConsumed || b.QuantityRemaining != expectedRemaining {
		return port.ErrOptimisticLock
	}
	b.QuantityRemaining -= qty
	b.UpdatedAt = now
	if b.QuantityRemaining <= 1e-9 {
		b.QuantityRemaining = 0
		b.IsConsumed = true
		b.ConsumedAt = &now
	}
	return nil
}

func (s *memStore) InsertConsumptionRecord(ctx context.Context, rec domain.ConsumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) InsertBatch(ctx context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := batch
	s.batches[batch.ID] = &copied
	return nil
}

func (s *memStore) SumConsumedQuantity(ctx context.Context, batchID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, r := range s.records {
		if r.BatchID == batchID {
			sum += r.QuantityConsumed
		}
	}
	return sum, nil
}

func (s *memStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) ListTopLevelProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Product
	for _, p := range s.products {
		if p.ParentID == "" {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListDerivedProducts(ctx context.Context, parentID string) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Product
	for _, p := range s.products {
		if p.ParentID == parentID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateProductStock(ctx context.Context, productID string, stock float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return errors.New("product not found")
	}
	p.CurrentStock = stock
	return nil
}

// mockCache is an in-memory StockCache.
type mockCache struct {
	mu       sync.Mutex
	stocks   map[string]float64
	lockHeld bool
}

func newMockCache() *mockCache {
	return &mockCache{stocks: make(map[string]float64)}
}

func (c *mockCache) GetStock(ctx context.Context, productID string) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qty, ok := c.stocks[productID]
	return qty, ok, nil
}

func (c *mockCache) SetStock(ctx context.Context, productID string, qty float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stocks[productID] = qty
	return nil
}

func (c *mockCache) InvalidateStock(ctx context.Context, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stocks, productID)
	return nil
}

func (c *mockCache) AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockHeld {
		return false, nil
	}
	c.lockHeld = true
	return true, nil
}

func (c *mockCache) ReleaseSweepLock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockHeld = false
	return nil
}

var testNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func newTestLedger(store *memStore, cache port.StockCache) (*BatchLedger, *[]time.Duration) {
	ledger := NewBatchLedger(store, cache, 100)
	ledger.now = func() time.Time { return testNow }

	var sleeps []time.Duration
	ledger.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	// drain reactive reconcile hints
	go func() {
		for range ledger.ReconcileQueue() {
		}
	}()
	return ledger, &sleeps
}

func seedBatch(store *memStore, id, productID string, qty float64, cost int64, receivedAt time.Time, expiry *time.Time) {
	store.addBatch(domain.Batch{
		ID:                id,
		ProductID:         productID,
		InitialQuantity:   qty,
		QuantityRemaining: qty,
		CostPerUnit:       cost,
		ReceivedAt:        receivedAt,
		ExpiryDate:        expiry,
		CreatedAt:         receivedAt,
		UpdatedAt:         receivedAt,
	})
}

func TestConsume_FIFOOrdering(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	t1 := testNow.Add(-72 * time.Hour)
	seedBatch(store, "b1", "p1", 10, 100, t1, nil)
	seedBatch(store, "b2", "p1", 5, 100, t1.Add(24*time.Hour), nil)
	seedBatch(store, "b3", "p1", 5, 100, t1.Add(48*time.Hour), nil)

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 8, TransactionID: "txn-1",
	})
	require.NoError(t, err)

	// satisfiable by the oldest batch alone: only b1 is drawn
	require.Len(t, result.BatchesUsed, 1)
	assert.Equal(t, "b1", result.BatchesUsed[0].BatchID)
	assert.Equal(t, 2.0, store.batch("b1").QuantityRemaining)
	assert.Equal(t, 5.0, store.batch("b2").QuantityRemaining)
	assert.Equal(t, 5.0, store.batch("b3").QuantityRemaining)
}

func TestConsume_PartialDrawAcrossBatches(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	old := testNow.Add(-48 * time.Hour)
	seedBatch(store, "a", "p1", 5, 100, old, nil)
	seedBatch(store, "b", "p1", 10, 100, old.Add(24*time.Hour), nil)

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 8, TransactionID: "txn-1",
	})
	require.NoError(t, err)

	require.Len(t, result.BatchesUsed, 2)
	assert.Equal(t, "a", result.BatchesUsed[0].BatchID)
	assert.Equal(t, 5.0, result.BatchesUsed[0].QuantityConsumed)
	assert.Equal(t, "b", result.BatchesUsed[1].BatchID)
	assert.Equal(t, 3.0, result.BatchesUsed[1].QuantityConsumed)

	a := store.batch("a")
	assert.True(t, a.IsConsumed)
	assert.Equal(t, 0.0, a.QuantityRemaining)
	assert.NotNil(t, a.ConsumedAt)

	b := store.batch("b")
	assert.False(t, b.IsConsumed)
	assert.Equal(t, 7.0, b.QuantityRemaining)

	assert.Equal(t, 8.0, result.QuantityDrawn)
}

func TestConsume_InsufficientStock(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 5, 100, testNow.Add(-48*time.Hour), nil)
	seedBatch(store, "b", "p1", 7, 100, testNow.Add(-24*time.Hour), nil)

	_, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 13, TransactionID: "txn-1",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// nothing mutated
	assert.Equal(t, 5.0, store.batch("a").QuantityRemaining)
	assert.Equal(t, 7.0, store.batch("b").QuantityRemaining)
	assert.Empty(t, store.records)
}

func TestConsume_InvalidQuantity(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	for _, qty := range []float64{0, -3} {
		_, err := ledger.Consume(context.Background(), ConsumeRequest{
			ProductID: "p1", Quantity: qty, TransactionID: "txn-1",
		})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
}

func TestConsume_CostAccumulation(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 3, 150, testNow.Add(-48*time.Hour), nil)
	seedBatch(store, "b", "p1", 10, 200, testNow.Add(-24*time.Hour), nil)

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 4.5, TransactionID: "txn-1",
	})
	require.NoError(t, err)

	// 3 * 150 + 1.5 * 200
	require.Len(t, result.BatchesUsed, 2)
	assert.Equal(t, int64(450), result.BatchesUsed[0].TotalCost)
	assert.Equal(t, int64(300), result.BatchesUsed[1].TotalCost)
	assert.Equal(t, int64(750), result.TotalCost)

	var sum int64
	for _, rec := range result.BatchesUsed {
		sum += rec.TotalCost
	}
	assert.Equal(t, result.TotalCost, sum)
}

func TestConsume_CostRoundsPerDraw(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 1, 150, testNow.Add(-time.Hour), nil)

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 0.333, TransactionID: "txn-1",
	})
	require.NoError(t, err)

	// 0.333 * 150 = 49.95, rounded once per draw
	assert.Equal(t, int64(50), result.TotalCost)
}

func TestConsume_ExpiryWarning(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	soon := testNow.Add(3 * 24 * time.Hour)
	past := testNow.Add(-2 * 24 * time.Hour)
	far := testNow.Add(30 * 24 * time.Hour)

	seedBatch(store, "soon", "p1", 2, 100, testNow.Add(-72*time.Hour), &soon)
	seedBatch(store, "past", "p1", 2, 100, testNow.Add(-48*time.Hour), &past)
	seedBatch(store, "far", "p1", 2, 100, testNow.Add(-24*time.Hour), &far)
	seedBatch(store, "none", "p1", 2, 100, testNow.Add(-12*time.Hour), nil)

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 8, TransactionID: "txn-1",
	})
	require.NoError(t, err)

	// expired stock is still drawn; it only warns
	assert.Equal(t, 8.0, result.QuantityDrawn)

	require.Len(t, result.ExpiryWarnings, 2)
	byBatch := map[string]int{}
	for _, warning := range result.ExpiryWarnings {
		byBatch[warning.BatchID] = warning.DaysUntilExpiry
	}
	assert.Equal(t, 3, byBatch["soon"])
	assert.Equal(t, -2, byBatch["past"])
}

func TestConsume_NoExpiryNeverWarns(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 5, 100, testNow.Add(-time.Hour), nil)

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 5, TransactionID: "txn-1",
	})
	require.NoError(t, err)
	assert.Empty(t, result.ExpiryWarnings)
}

func TestConsume_ConflictRetrySucceeds(t *testing.T) {
	store := newMemStore()
	ledger, sleeps := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 10, 100, testNow.Add(-time.Hour), nil)
	store.failNext = 1

	result, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 4, TransactionID: "txn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result.QuantityDrawn)

	// one conflict, one backoff, then success from a fresh read
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, *sleeps)
	assert.Equal(t, 6.0, store.batch("a").QuantityRemaining)
}

func TestConsume_ConflictRetryExhausted(t *testing.T) {
	store := newMemStore()
	ledger, sleeps := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 10, 100, testNow.Add(-time.Hour), nil)
	store.failNext = 3

	_, err := ledger.Consume(context.Background(), ConsumeRequest{
		ProductID: "p1", Quantity: 4, TransactionID: "txn-1",
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	// escalating backoff between the three attempts
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, *sleeps)
	// failed attempts leave no ledger entries
	assert.Empty(t, store.records)
	assert.Equal(t, 10.0, store.batch("a").QuantityRemaining)
}

func TestConsume_ConcurrentNoOversell(t *testing.T) {
	store := newMemStore()
	ledger := NewBatchLedger(store, nil, 100)
	defer ledger.Close()
	go func() {
		for range ledger.ReconcileQueue() {
		}
	}()

	// exactly enough stock for one of the two calls
	seedBatch(store, "a", "p1", 10, 100, time.Now().Add(-time.Hour), nil)

	results := make([]*domain.ConsumeResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ledger.Consume(context.Background(), ConsumeRequest{
				ProductID: "p1", Quantity: 10, TransactionID: "txn",
			})
		}(i)
	}
	wg.Wait()

	var drawn float64
	successes := 0
	for i := 0; i < 2; i++ {
		if errs[i] == nil {
			successes++
			drawn += results[i].QuantityDrawn
		} else if !errors.Is(errs[i], ErrInsufficientStock) && !errors.Is(errs[i], ErrConcurrencyConflict) {
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}

	assert.Equal(t, 1, successes)
	assert.LessOrEqual(t, drawn, 10.0)
	assert.Equal(t, 0.0, store.batch("a").QuantityRemaining)
}

func TestConsume_RecordInvariant(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	old := testNow.Add(-48 * time.Hour)
	seedBatch(store, "a", "p1", 6, 100, old, nil)
	seedBatch(store, "b", "p1", 9, 120, old.Add(time.Hour), nil)

	ctx := context.Background()
	for _, qty := range []float64{2, 3.5, 4} {
		_, err := ledger.Consume(ctx, ConsumeRequest{ProductID: "p1", Quantity: qty, TransactionID: "txn"})
		require.NoError(t, err)
	}

	for _, id := range []string{"a", "b"} {
		b := store.batch(id)
		sum, err := store.SumConsumedQuantity(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, b.InitialQuantity-b.QuantityRemaining, sum, 1e-9, "batch %s", id)
	}
}

func TestConsumeFromBatch_Success(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	// newest batch drawn directly, out of FIFO order
	seedBatch(store, "old", "p1", 5, 100, testNow.Add(-48*time.Hour), nil)
	soon := testNow.Add(2 * 24 * time.Hour)
	seedBatch(store, "new", "p1", 5, 130, testNow.Add(-time.Hour), &soon)

	result, err := ledger.ConsumeFromBatch(context.Background(), "new", 3, "txn-1")
	require.NoError(t, err)

	require.Len(t, result.BatchesUsed, 1)
	assert.Equal(t, "new", result.BatchesUsed[0].BatchID)
	assert.Equal(t, int64(390), result.TotalCost)
	assert.Equal(t, 2.0, store.batch("new").QuantityRemaining)
	assert.Equal(t, 5.0, store.batch("old").QuantityRemaining)

	require.Len(t, result.ExpiryWarnings, 1)
	assert.Equal(t, 2, result.ExpiryWarnings[0].DaysUntilExpiry)
}

func TestConsumeFromBatch_Errors(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 5, 100, testNow.Add(-time.Hour), nil)
	consumedAt := testNow
	store.addBatch(domain.Batch{
		ID: "done", ProductID: "p1", InitialQuantity: 5,
		ReceivedAt: testNow.Add(-time.Hour), IsConsumed: true, ConsumedAt: &consumedAt,
	})

	ctx := context.Background()

	_, err := ledger.ConsumeFromBatch(ctx, "missing", 1, "txn")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = ledger.ConsumeFromBatch(ctx, "done", 1, "txn")
	assert.ErrorIs(t, err, ErrBatchConsumed)

	_, err = ledger.ConsumeFromBatch(ctx, "a", 6, "txn")
	assert.ErrorIs(t, err, ErrBatchInsufficient)

	_, err = ledger.ConsumeFromBatch(ctx, "a", 0, "txn")
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	// nothing mutated by any failed path
	assert.Equal(t, 5.0, store.batch("a").QuantityRemaining)
	assert.Empty(t, store.records)
}

func TestConsumeFromBatch_SingleAttemptOnConflict(t *testing.T) {
	store := newMemStore()
	ledger, sleeps := newTestLedger(store, nil)
	defer ledger.Close()

	seedBatch(store, "a", "p1", 5, 100, testNow.Add(-time.Hour), nil)
	store.failNext = 1

	_, err := ledger.ConsumeFromBatch(context.Background(), "a", 2, "txn")
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	// no internal retry: the caller decides
	assert.Empty(t, *sleeps)
	assert.Equal(t, 1, store.consumeCalls)
}

func TestReceiveBatch(t *testing.T) {
	store := newMemStore()
	ledger, _ := newTestLedger(store, nil)
	defer ledger.Close()

	ctx := context.Background()
	expiry := testNow.Add(10 * 24 * time.Hour)

	batch, err := ledger.ReceiveBatch(ctx, ReceiveBatchRequest{
		ProductID:   "p1",
		Quantity:    12.5,
		CostPerUnit: 80,
		ExpiryDate:  &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, batch.InitialQuantity, batch.QuantityRemaining)
	assert.Equal(t, testNow, batch.ReceivedAt)
	assert.False(t, batch.IsConsumed)

	stored := store.batch(batch.ID)
	assert.Equal(t, 12.5, stored.QuantityRemaining)

	_, err = ledger.ReceiveBatch(ctx, ReceiveBatchRequest{ProductID: "p1", Quantity: -1, CostPerUnit: 80})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ledger.ReceiveBatch(ctx, ReceiveBatchRequest{ProductID: "p1", Quantity: 1, CostPerUnit: -80})
	assert.Error(t, err)
}

func TestAvailability(t *testing.T) {
	store := newMemStore()
	cache := newMockCache()
	ledger, _ := newTestLedger(store, cache)
	defer ledger.Close()

	old := testNow.Add(-48 * time.Hour)
	expired := testNow.Add(-24 * time.Hour)
	seedBatch(store, "a", "p1", 5, 100, old, nil)
	seedBatch(store, "b", "p1", 7, 100, old.Add(time.Hour), &expired)

	ctx := context.Background()

	// expired stock counts as available
	qty, err := ledger.GetAvailableStockQuantity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, qty)

	// the miss populated the cache
	cached, found, _ := cache.GetStock(ctx, "p1")
	assert.True(t, found)
	assert.Equal(t, 12.0, cached)

	ok, err := ledger.HasAvailableStock(ctx, "p1", 12)
	require.NoError(t, err)
	assert.True(t, ok)

	// served from cache even though the store changed underneath
	cache.SetStock(ctx, "p1", 3)
	ok, err = ledger.HasAvailableStock(ctx, "p1", 12)
	require.NoError(t, err)
	assert.False(t, ok)
}
