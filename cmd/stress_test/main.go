package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/harborfoods/batch-ledger/internal/adapter/storage"
	"github.com/harborfoods/batch-ledger/internal/core/service"
)

// Contention driver: many concurrent withdrawals against one product with
// exactly enough stock for a fraction of them. Verifies no oversell and
// counts how the rest split between retried conflicts and sold-out.
const (
	productID     = "stress-product"
	initialStock  = 20.0
	batchCount    = 4 // initial stock spread over this many batches
	totalRequests = 50
	queueSize     = 100
)

func main() {
	ctx := context.Background()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/batchledger?parseTime=true"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}

	// Clear previous run
	db.ExecContext(ctx, `DELETE FROM consumption_records WHERE batch_id IN
		(SELECT id FROM batches WHERE product_id = ?)`, productID)
	db.ExecContext(ctx, `DELETE FROM batches WHERE product_id = ?`, productID)
	db.ExecContext(ctx, `INSERT INTO products (id, name, current_stock, yield_ratio, created_at, updated_at)
		VALUES (?, 'stress product', 0, 1, NOW(), NOW())
		ON DUPLICATE KEY UPDATE current_stock = 0`, productID)

	store := storage.NewMySQLAdapter(db)
	ledger := service.NewBatchLedger(store, nil, queueSize)
	defer ledger.Close()

	// Drain the reconcile queue in background
	go func() {
		for range ledger.ReconcileQueue() {
		}
	}()

	// Seed batches, oldest first
	perBatch := initialStock / batchCount
	for i := 0; i < batchCount; i++ {
		_, err := ledger.ReceiveBatch(ctx, service.ReceiveBatchRequest{
			ProductID:   productID,
			Quantity:    perBatch,
			CostPerUnit: 150,
			ReceivedAt:  time.Now().Add(time.Duration(i-batchCount) * time.Hour),
		})
		if err != nil {
			log.Fatalf("failed to seed batch: %v", err)
		}
	}

	var successCount, conflictCount, soldOutCount atomic.Int32
	var totalDrawn atomic.Int64 // in thousandths

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := ledger.Consume(ctx, service.ConsumeRequest{
				ProductID:     productID,
				Quantity:      1,
				TransactionID: uuid.New().String(),
			})
			switch {
			case err == nil:
				successCount.Add(1)
				totalDrawn.Add(int64(result.QuantityDrawn * 1000))
			case errors.Is(err, service.ErrConcurrencyConflict):
				conflictCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				log.Printf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	drawn := float64(totalDrawn.Load()) / 1000

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %.0f\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if drawn > initialStock {
		fmt.Printf("FAIL: drew %.3f units from %.0f of stock (oversell)\n", drawn, initialStock)
		return
	}
	fmt.Printf("PASS: drew %.3f units, never exceeding stock\n", drawn)

	// Final ground truth from the batch set
	var remaining float64
	db.QueryRowContext(ctx, `SELECT COALESCE(SUM(quantity_remaining), 0)
		FROM batches WHERE product_id = ? AND is_consumed = 0`, productID).Scan(&remaining)
	fmt.Printf("Final batch stock: %.3f\n", remaining)
	if remaining+drawn == initialStock {
		fmt.Println("PASS: consumed + remaining equals initial stock")
	} else {
		fmt.Printf("FAIL: consumed %.3f + remaining %.3f != %.0f\n", drawn, remaining, initialStock)
	}
}
