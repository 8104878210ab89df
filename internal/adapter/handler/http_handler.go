package handler

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reconciler/internal/core/domain"
	"github.com/rl1809/stock-reconciler/internal/port"
)

// Readiness is flipped by the bus supervisor as sessions come and go.
type Readiness struct {
	ready atomic.Bool
}

func (r *Readiness) Set(ready bool) { r.ready.Store(ready) }

func (r *Readiness) Ready() bool { return r.ready.Load() }

type HTTPHandler struct {
	readiness *Readiness
	cache     port.StockCache
	ledger    port.StockLedger
	metrics   http.Handler
	logger    *zap.Logger
}

type StockResponse struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Version  int64  `json:"version"`
	Source   string `json:"source"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPHandler builds the ops handler. cache may be nil.
func NewHTTPHandler(readiness *Readiness, cache port.StockCache, ledger port.StockLedger, metrics http.Handler, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		readiness: readiness,
		cache:     cache,
		ledger:    ledger,
		metrics:   metrics,
		logger:    logger,
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/ready", h.ReadinessCheck)
	mux.HandleFunc("/api/stock", h.GetStock)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	return mux
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !h.readiness.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// GetStock serves a SKU's quantity from the cache, falling back to the
// ledger on a miss or cache error.
func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	sku := r.URL.Query().Get("sku")
	if sku == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing sku"})
		return
	}

	if h.cache != nil {
		item, err := h.cache.GetStock(r.Context(), sku)
		if err != nil {
			h.logger.Warn("stock cache read failed", zap.String("sku", sku), zap.Error(err))
		} else if item != nil {
			writeJSON(w, http.StatusOK, stockResponse(item, "cache"))
			return
		}
	}

	item, err := h.ledger.GetStock(r.Context(), sku)
	if err != nil {
		h.logger.Error("stock ledger read failed", zap.String("sku", sku), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if item == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrUnknownSKU.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stockResponse(item, "ledger"))
}

func stockResponse(item *domain.StockItem, source string) StockResponse {
	return StockResponse{
		SKU:      item.SKU,
		Quantity: item.Quantity,
		Version:  item.Version,
		Source:   source,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
