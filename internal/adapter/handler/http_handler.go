package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/harborfoods/batch-ledger/internal/core/domain"
	"github.com/harborfoods/batch-ledger/internal/core/service"
)

type HTTPHandler struct {
	ledger     *service.BatchLedger
	reconciler *service.StockReconciler
}

func NewHTTPHandler(ledger *service.BatchLedger, reconciler *service.StockReconciler) *HTTPHandler {
	return &HTTPHandler{ledger: ledger, reconciler: reconciler}
}

type consumeRequest struct {
	ProductID     string  `json:"product_id"`
	Quantity      float64 `json:"quantity"`
	TransactionID string  `json:"transaction_id"`
	OrderID       string  `json:"order_id,omitempty"`
	OrderNumber   string  `json:"order_number,omitempty"`
}

type consumeFromBatchRequest struct {
	BatchID       string  `json:"batch_id"`
	Quantity      float64 `json:"quantity"`
	TransactionID string  `json:"transaction_id"`
}

type receiveBatchRequest struct {
	ProductID   string     `json:"product_id"`
	Quantity    float64    `json:"quantity"`
	CostPerUnit int64      `json:"cost_per_unit"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type consumeResponse struct {
	TotalCost      int64                   `json:"total_cost"`
	QuantityDrawn  float64                 `json:"quantity_drawn"`
	BatchesUsed    []consumptionRecordJSON `json:"batches_used"`
	ExpiryWarnings []expiryWarningJSON     `json:"expiry_warnings"`
}

type consumptionRecordJSON struct {
	ID               string  `json:"id"`
	BatchID          string  `json:"batch_id"`
	TransactionID    string  `json:"transaction_id"`
	QuantityConsumed float64 `json:"quantity_consumed"`
	CostPerUnit      int64   `json:"cost_per_unit"`
	TotalCost        int64   `json:"total_cost"`
	OrderID          string  `json:"order_id,omitempty"`
	OrderNumber      string  `json:"order_number,omitempty"`
}

type expiryWarningJSON struct {
	BatchID         string    `json:"batch_id"`
	ProductID       string    `json:"product_id"`
	ExpiryDate      time.Time `json:"expiry_date"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

type discrepancyJSON struct {
	ProductID     string  `json:"product_id"`
	PreviousStock float64 `json:"previous_stock"`
	NewStock      float64 `json:"new_stock"`
	Delta         float64 `json:"delta"`
}

func toConsumeResponse(result *domain.ConsumeResult) consumeResponse {
	resp := consumeResponse{
		TotalCost:      result.TotalCost,
		QuantityDrawn:  result.QuantityDrawn,
		BatchesUsed:    []consumptionRecordJSON{},
		ExpiryWarnings: []expiryWarningJSON{},
	}
	for _, rec := range result.BatchesUsed {
		resp.BatchesUsed = append(resp.BatchesUsed, consumptionRecordJSON{
			ID:               rec.ID,
			BatchID:          rec.BatchID,
			TransactionID:    rec.TransactionID,
			QuantityConsumed: rec.QuantityConsumed,
			CostPerUnit:      rec.CostPerUnit,
			TotalCost:        rec.TotalCost,
			OrderID:          rec.OrderID,
			OrderNumber:      rec.OrderNumber,
		})
	}
	for _, warning := range result.ExpiryWarnings {
		resp.ExpiryWarnings = append(resp.ExpiryWarnings, expiryWarningJSON{
			BatchID:         warning.BatchID,
			ProductID:       warning.ProductID,
			ExpiryDate:      warning.ExpiryDate,
			DaysUntilExpiry: warning.DaysUntilExpiry,
		})
	}
	return resp
}

func (h *HTTPHandler) Consume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.ProductID == "" || req.TransactionID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing required fields"})
		return
	}

	result, err := h.ledger.Consume(r.Context(), service.ConsumeRequest{
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		TransactionID: req.TransactionID,
		OrderID:       req.OrderID,
		OrderNumber:   req.OrderNumber,
	})
	if err != nil {
		writeConsumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumeResponse(result))
}

func (h *HTTPHandler) ConsumeFromBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req consumeFromBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.BatchID == "" || req.TransactionID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing required fields"})
		return
	}

	result, err := h.ledger.ConsumeFromBatch(r.Context(), req.BatchID, req.Quantity, req.TransactionID)
	if err != nil {
		writeConsumeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumeResponse(result))
}

func (h *HTTPHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req receiveBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.ProductID == "" || req.Quantity <= 0 || req.CostPerUnit < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or invalid fields"})
		return
	}

	receivedAt := time.Time{}
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}
	batch, err := h.ledger.ReceiveBatch(r.Context(), service.ReceiveBatchRequest{
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		CostPerUnit: req.CostPerUnit,
		ReceivedAt:  receivedAt,
		ExpiryDate:  req.ExpiryDate,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidQuantity) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "quantity must be positive"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                 batch.ID,
		"product_id":         batch.ProductID,
		"quantity_remaining": batch.QuantityRemaining,
		"received_at":        batch.ReceivedAt,
	})
}

func (h *HTTPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "product_id required"})
		return
	}

	available, err := h.ledger.GetAvailableStockQuantity(r.Context(), productID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"available":  available,
	})
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	discrepancies, err := h.reconciler.SyncCurrentStock(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "sweep already running"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	out := []discrepancyJSON{}
	for _, d := range discrepancies {
		out = append(out, discrepancyJSON{
			ProductID:     d.ProductID,
			PreviousStock: d.PreviousStock,
			NewStock:      d.NewStock,
			Delta:         d.Delta,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": out})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Distinct statuses let callers tell "retry" from "out of stock" apart.
func writeConsumeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "quantity must be positive"})
	case errors.Is(err, service.ErrInsufficientStock):
		writeJSON(w, http.StatusGone, errorResponse{Error: "insufficient stock"})
	case errors.Is(err, service.ErrBatchInsufficient):
		writeJSON(w, http.StatusGone, errorResponse{Error: "batch has insufficient quantity"})
	case errors.Is(err, service.ErrConcurrencyConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "concurrent modification, please retry"})
	case errors.Is(err, service.ErrBatchConsumed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "batch already consumed"})
	case errors.Is(err, service.ErrBatchNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "batch not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
