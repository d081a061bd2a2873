// Package api is the REST surface: order placement, portfolio reads, the
// market snapshot, and the admin reconciliation hook. The market stream
// WebSocket is mounted on the same server but lives in internal/stream.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"papertrade/internal/ledger"
	"papertrade/internal/positions"
	"papertrade/internal/snapshot"
	"papertrade/internal/symbols"
	"papertrade/internal/trading"
	"papertrade/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	svc    *trading.Service
	led    *ledger.Ledger
	book   *positions.Book
	cache  *snapshot.Cache
	logger *slog.Logger
}

// NewHandlers creates the handlers.
func NewHandlers(svc *trading.Service, led *ledger.Ledger, book *positions.Book,
	cache *snapshot.Cache, logger *slog.Logger) *Handlers {
	return &Handlers{
		svc:    svc,
		led:    led,
		book:   book,
		cache:  cache,
		logger: logger.With("component", "api-handlers"),
	}
}

// envelope is the uniform response body.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Reason: reason, Message: message}})
}

// userID resolves the acting user from the X-User-ID header or the userId
// query parameter.
func userID(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.URL.Query().Get("userId")
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// snapshotQuote is one entry in the snapshot response.
type snapshotQuote struct {
	InstrumentKey string  `json:"instrumentKey"`
	Symbol        string  `json:"symbol,omitempty"`
	Key           string  `json:"key"`
	Price         float64 `json:"price"`
	Close         float64 `json:"close"`
	Timestamp     int64   `json:"timestamp"`
}

// HandleSnapshot serves GET /api/v1/market/snapshot?symbols=a,b,c from the
// cache, falling through to the broker for misses.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "symbols query parameter required")
		return
	}

	var keys []string
	for _, s := range strings.Split(raw, ",") {
		key, err := symbols.ToInstrumentKey(s)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}

	quotes, err := h.cache.GetSnapshot(r.Context(), keys)
	if err != nil {
		h.logger.Error("snapshot fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "SNAPSHOT_UNAVAILABLE", err.Error())
		return
	}

	out := make([]snapshotQuote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, snapshotQuote{
			InstrumentKey: q.InstrumentKey,
			Symbol:        q.Symbol,
			Key:           q.InstrumentKey,
			Price:         q.Price,
			Close:         q.PrevClose,
			Timestamp:     q.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
		"symbols": keys,
		"quotes":  out,
	}})
}

// placeOrderBody accepts both symbol and instrumentKey spellings.
type placeOrderBody struct {
	trading.PlaceOrderRequest
	InstrumentKey string `json:"instrumentKey"`
}

// HandlePlaceOrder serves POST /api/v1/orders. 201 on accept, 400 on a
// failed pretrade check, 409 with the original order on a duplicate.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	req := body.PlaceOrderRequest
	if req.Symbol == "" {
		req.Symbol = body.InstrumentKey
	}
	if req.UserID == "" {
		req.UserID = userID(r)
	}

	order, err := h.svc.PlaceOrder(r.Context(), req)
	if errors.Is(err, trading.ErrDuplicateOrder) {
		writeJSON(w, http.StatusConflict, envelope{
			Success: false,
			Data:    order,
			Error:   &apiError{Reason: "DUPLICATE_ORDER", Message: "order already placed"},
		})
		return
	}
	var rej *trading.RejectionError
	if errors.As(err, &rej) {
		writeError(w, http.StatusBadRequest, rej.Reason, rej.Detail)
		return
	}
	if err != nil {
		h.logger.Error("order placement failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "order placement failed")
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: order})
}

// HandleListOrders serves GET /api/v1/orders.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user required")
		return
	}
	orders, err := h.svc.ListOrders(r.Context(), user, 100)
	if err != nil {
		h.logger.Error("list orders failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not list orders")
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: orders})
}

// HandleGetOrder serves GET /api/v1/orders/{id}.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such order")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: order})
}

// HandleCancelOrder serves DELETE /api/v1/orders/{id}.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user required")
		return
	}
	order, err := h.svc.CancelOrder(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, "CANNOT_CANCEL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: order})
}

// HandlePositions serves GET /api/v1/positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user required")
		return
	}
	open, err := h.book.ListByUser(r.Context(), user)
	if err != nil {
		h.logger.Error("list positions failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not list positions")
		return
	}
	if open == nil {
		open = []types.Position{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: open})
}

// HandleWallet serves GET /api/v1/wallet.
func (h *Handlers) HandleWallet(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user required")
		return
	}
	wallet, err := h.led.GetWallet(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no wallet for user")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: wallet})
}

// HandleReconcile serves POST /api/v1/admin/reconcile/{userID}: rebuilds
// the wallet from the full ledger history.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("userID")
	wallet, err := h.led.Recalculate(r.Context(), user)
	if err != nil {
		h.logger.Error("reconcile failed", "user", user, "error", err)
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no wallet for user")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: wallet})
}
