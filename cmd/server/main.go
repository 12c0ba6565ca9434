package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/harborfoods/batch-ledger/internal/adapter/handler"
	"github.com/harborfoods/batch-ledger/internal/adapter/storage"
	"github.com/harborfoods/batch-ledger/internal/core/service"
)

const (
	reconcileWorkers   = 4
	reconcileQueueSize = 1000
	sweepInterval      = 15 * time.Minute
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpAddr := envOr("HTTP_ADDR", ":8080")
	mysqlDSN := envOr("MYSQL_DSN", "root:root@tcp(localhost:3306)/batchledger?parseTime=true")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")

	// Initialize MySQL
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	log.Println("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	log.Println("connected to redis")

	// Initialize adapters and services
	store := storage.NewMySQLAdapter(db)
	cache := storage.NewRedisAdapter(rdb)
	ledger := service.NewBatchLedger(store, cache, reconcileQueueSize)
	reconciler := service.NewStockReconciler(store, cache)

	// Reactive reconciliation: drain product ids touched by consumption
	var wg sync.WaitGroup
	for i := 0; i < reconcileWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			reconcileLoop(id, ledger.ReconcileQueue(), reconciler)
		}(i)
	}
	log.Printf("started %d reconcile workers", reconcileWorkers)

	// Scheduled fleet-wide sweep
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runSweep(ctx, reconciler)
			}
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(ledger, reconciler)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpHandler.HealthCheck)
	mux.HandleFunc("/api/consume", httpHandler.Consume)
	mux.HandleFunc("/api/consume-from-batch", httpHandler.ConsumeFromBatch)
	mux.HandleFunc("/api/batches", httpHandler.ReceiveBatch)
	mux.HandleFunc("/api/stock/availability", httpHandler.Availability)
	mux.HandleFunc("/api/stock/reconcile", httpHandler.Reconcile)

	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	cancel()
	<-sweepDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Println("HTTP server stopped")

	ledger.Close()
	wg.Wait()
	log.Println("reconcile workers stopped")

	rdb.Close()
	db.Close()
	log.Println("connections closed")
}

func reconcileLoop(id int, queue <-chan string, reconciler *service.StockReconciler) {
	for productID := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		if stock, err := reconciler.SyncProductCurrentStock(ctx, productID); err != nil {
			log.Printf("worker %d: failed to reconcile product %s: %v", id, productID, err)
		} else {
			log.Printf("worker %d: reconciled product %s to %.3f", id, productID, stock)
		}

		cancel()
	}
}

func runSweep(ctx context.Context, reconciler *service.StockReconciler) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	discrepancies, err := reconciler.SyncCurrentStock(sweepCtx)
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			log.Println("sweep skipped: already running")
			return
		}
		log.Printf("sweep failed: %v", err)
		return
	}
	log.Printf("sweep complete: %d discrepancies", len(discrepancies))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
