package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/harborfoods/batch-ledger/internal/core/domain"
	"github.com/harborfoods/batch-ledger/internal/port"
)

// querier is satisfied by both *sql.DB and *sql.Tx so one adapter serves as
// the default store and as a transaction-bound handle.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB // nil when bound to a transaction
	q  querier
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, q: db}
}

// BeginTx returns a store handle bound to a fresh transaction. Every write
// issued through the handle commits or rolls back together.
func (m *MySQLAdapter) BeginTx(ctx context.Context) (port.BatchStore, port.Tx, error) {
	if m.db == nil {
		return nil, nil, errors.New("store already bound to a transaction")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	return &MySQLAdapter{q: tx}, tx, nil
}

func (m *MySQLAdapter) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	row := m.q.QueryRowContext(ctx, `
		SELECT id, product_id, initial_quantity, quantity_remaining, cost_per_unit,
		       received_at, expiry_date, is_consumed, consumed_at, created_at, updated_at
		FROM batches WHERE id = ?`, batchID)

	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	return batch, nil
}

func (m *MySQLAdapter) SelectAvailableBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	rows, err := m.q.QueryContext(ctx, `
		SELECT id, product_id, initial_quantity, quantity_remaining, cost_per_unit,
		       received_at, expiry_date, is_consumed, consumed_at, created_at, updated_at
		FROM batches
		WHERE product_id = ? AND is_consumed = 0 AND quantity_remaining > 0
		ORDER BY received_at ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, *batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// ConsumeBatch applies one guarded decrement. The WHERE clause re-checks the
// quantity read when the FIFO plan was built; zero rows affected means a
// concurrent consumer got there first.
func (m *MySQLAdapter) ConsumeBatch(ctx context.Context, batchID string, expectedRemaining, qty float64, now time.Time) error {
	newRemaining := expectedRemaining - qty
	fullyConsumed := newRemaining <= 1e-9

	var consumedAt sql.NullTime
	if fullyConsumed {
		consumedAt = sql.NullTime{Time: now, Valid: true}
	}

	result, err := m.q.ExecContext(ctx, `
		UPDATE batches
		SET quantity_remaining = quantity_remaining - ?,
		    is_consumed = ?, consumed_at = ?, updated_at = ?
		WHERE id = ? AND quantity_remaining = ? AND is_consumed = 0`,
		qty, fullyConsumed, consumedAt, now, batchID, expectedRemaining,
	)
	if err != nil {
		return fmt.Errorf("consume batch: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrOptimisticLock
	}
	return nil
}

func (m *MySQLAdapter) InsertConsumptionRecord(ctx context.Context, rec domain.ConsumptionRecord) error {
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO consumption_records
			(id, batch_id, transaction_id, quantity_consumed, cost_per_unit,
			 total_cost, order_id, order_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BatchID, rec.TransactionID, rec.QuantityConsumed, rec.CostPerUnit,
		rec.TotalCost, nullString(rec.OrderID), nullString(rec.OrderNumber), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consumption record: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) InsertBatch(ctx context.Context, batch domain.Batch) error {
	var expiry sql.NullTime
	if batch.ExpiryDate != nil {
		expiry = sql.NullTime{Time: *batch.ExpiryDate, Valid: true}
	}
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO batches
			(id, product_id, initial_quantity, quantity_remaining, cost_per_unit,
			 received_at, expiry_date, is_consumed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		batch.ID, batch.ProductID, batch.InitialQuantity, batch.QuantityRemaining,
		batch.CostPerUnit, batch.ReceivedAt, expiry, batch.CreatedAt, batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) SumConsumedQuantity(ctx context.Context, batchID string) (float64, error) {
	var sum float64
	err := m.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_consumed), 0)
		FROM consumption_records WHERE batch_id = ?`, batchID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum consumed quantity: %w", err)
	}
	return sum, nil
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var (
		p        domain.Product
		parentID sql.NullString
	)
	err := m.q.QueryRowContext(ctx, `
		SELECT id, name, current_stock, parent_id, yield_ratio, created_at, updated_at
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Name, &p.CurrentStock, &parentID, &p.YieldRatio, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	p.ParentID = parentID.String
	return &p, nil
}

func (m *MySQLAdapter) ListTopLevelProducts(ctx context.Context) ([]domain.Product, error) {
	return m.listProducts(ctx, `
		SELECT id, name, current_stock, parent_id, yield_ratio, created_at, updated_at
		FROM products WHERE parent_id IS NULL ORDER BY id`)
}

func (m *MySQLAdapter) ListDerivedProducts(ctx context.Context, parentID string) ([]domain.Product, error) {
	return m.listProducts(ctx, `
		SELECT id, name, current_stock, parent_id, yield_ratio, created_at, updated_at
		FROM products WHERE parent_id = ? ORDER BY id`, parentID)
}

func (m *MySQLAdapter) listProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := m.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var (
			p        domain.Product
			parentID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.CurrentStock, &parentID, &p.YieldRatio,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.ParentID = parentID.String
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func (m *MySQLAdapter) UpdateProductStock(ctx context.Context, productID string, stock float64) error {
	result, err := m.q.ExecContext(ctx, `
		UPDATE products SET current_stock = ?, updated_at = NOW() WHERE id = ?`,
		stock, productID,
	)
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// zero affected rows also happens when the value is unchanged,
		// so only a missing row is an error
		var exists int
		if scanErr := m.q.QueryRowContext(ctx,
			`SELECT 1 FROM products WHERE id = ?`, productID).Scan(&exists); scanErr != nil {
			return fmt.Errorf("product %s: %w", productID, sql.ErrNoRows)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var (
		b          domain.Batch
		expiry     sql.NullTime
		consumedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.ProductID, &b.InitialQuantity, &b.QuantityRemaining,
		&b.CostPerUnit, &b.ReceivedAt, &expiry, &b.IsConsumed, &consumedAt,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		b.ExpiryDate = &expiry.Time
	}
	if consumedAt.Valid {
		b.ConsumedAt = &consumedAt.Time
	}
	// out-of-band corrections can leave tiny negative remainders
	b.QuantityRemaining = math.Max(b.QuantityRemaining, 0)
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
