package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"riskwatch/internal/bus"
	"riskwatch/internal/directory"
	"riskwatch/internal/engine"
	"riskwatch/internal/state"
	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	engine   *engine.Engine
	registry *directory.Memory
	adapters map[types.Venue]venue.Adapter
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(eng *engine.Engine, registry *directory.Memory,
	adapters map[types.Venue]venue.Adapter, b *bus.Bus, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine:   eng,
		registry: registry,
		adapters: adapters,
		bus:      b,
		logger:   logger.With("component", "api-handlers"),
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: code, Message: message})
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	ClientID       string           `json:"clientId"`
	APIKey         string           `json:"apiKey"`
	APISecret      string           `json:"apiSecret"`
	InitialBalance decimal.Decimal  `json:"initialBalance"`
	DailyRisk      *types.RiskLimit `json:"dailyRisk"`
	MaxRisk        *types.RiskLimit `json:"maxRisk"`
	Venue          string           `json:"venue"`
}

// HandleMonitoringStart registers the client and starts a monitoring session.
func (h *Handlers) HandleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.ClientID == "" || req.APIKey == "" || req.APISecret == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "clientId, apiKey and apiSecret are required")
		return
	}
	if req.DailyRisk == nil || req.MaxRisk == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "dailyRisk and maxRisk are required")
		return
	}
	v, err := types.ParseVenue(req.Venue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_VENUE", err.Error())
		return
	}

	h.registry.Register(directory.Client{
		ClientID:   req.ClientID,
		Venue:      v,
		DailyLimit: *req.DailyRisk,
		MaxLimit:   *req.MaxRisk,
	}, venue.Credentials{APIKey: req.APIKey, APISecret: req.APISecret})

	var baseline *decimal.Decimal
	if req.InitialBalance.IsPositive() {
		baseline = &req.InitialBalance
	}
	if err := h.engine.StartMonitoring(r.Context(), req.ClientID, baseline); err != nil {
		h.logger.Error("start monitoring failed", "client_id", req.ClientID, "error", err)
		writeError(w, http.StatusBadGateway, "START_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMonitoringStop ends the client's monitoring session.
func (h *Handlers) HandleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	if err := h.engine.StopMonitoring(r.Context(), clientID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "client is not monitored")
			return
		}
		h.logger.Error("stop monitoring failed", "client_id", clientID, "error", err)
		writeError(w, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type statusResponse struct {
	ClientID          string          `json:"clientId"`
	Venue             types.Venue     `json:"venue"`
	Status            string          `json:"status"`
	MonitoringActive  bool            `json:"monitoringActive"`
	CurrentBalance    decimal.Decimal `json:"currentBalance"`
	InitialBalance    decimal.Decimal `json:"initialBalance"`
	DailyStartBalance decimal.Decimal `json:"dailyStartBalance"`
	TotalLoss         decimal.Decimal `json:"totalLoss"`
	DailyLoss         decimal.Decimal `json:"dailyLoss"`
	DailyLimit        types.RiskLimit `json:"dailyRiskLimit"`
	MaxLimit          types.RiskLimit `json:"maxRiskLimit"`
	SessionEpoch      int64           `json:"sessionEpoch"`

	DailyBlockedAt       string `json:"dailyBlockedAt,omitempty"`
	DailyBlockReason     string `json:"dailyBlockReason,omitempty"`
	PermanentBlockedAt   string `json:"permanentBlockedAt,omitempty"`
	PermanentBlockReason string `json:"permanentBlockReason,omitempty"`

	LastUpdateAt string `json:"lastUpdateAt"`
	DailyResetAt string `json:"dailyResetAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// blockTime formats a block timestamp, leaving unset ones out of the
// projection entirely.
func blockTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// HandleMonitoringStatus returns the account state projection.
func (h *Handlers) HandleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	st, err := h.engine.Status(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown client")
			return
		}
		h.logger.Error("status load failed", "client_id", clientID, "error", err)
		writeError(w, http.StatusInternalServerError, "STATUS_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ClientID:          st.ClientID,
		Venue:             st.Venue,
		Status:            string(st.Status),
		MonitoringActive:  st.MonitoringActive,
		CurrentBalance:    st.CurrentBalance,
		InitialBalance:    st.InitialBalance,
		DailyStartBalance: st.DailyStartBalance,
		TotalLoss:         st.TotalLoss(),
		DailyLoss:         st.DailyLoss(),
		DailyLimit:        st.DailyLimit,
		MaxLimit:          st.MaxLimit,
		SessionEpoch:      st.SessionEpoch,

		DailyBlockedAt:       blockTime(st.DailyBlockedAt),
		DailyBlockReason:     st.DailyBlockReason,
		PermanentBlockedAt:   blockTime(st.PermanentBlockedAt),
		PermanentBlockReason: st.PermanentBlockReason,

		LastUpdateAt: st.LastUpdateAt.UTC().Format(time.RFC3339),
		DailyResetAt: st.DailyResetAt.UTC().Format(time.RFC3339),
		UpdatedAt:    st.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

type limitsRequest struct {
	DailyRisk *types.RiskLimit `json:"dailyRisk"`
	MaxRisk   *types.RiskLimit `json:"maxRisk"`
}

// HandleUpdateLimits replaces the client's risk limits and restarts the
// session so the new limits apply against a fresh baseline.
func (h *Handlers) HandleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req limitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.DailyRisk == nil || req.MaxRisk == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "dailyRisk and maxRisk are required")
		return
	}

	if err := h.registry.UpdateLimits(clientID, *req.DailyRisk, *req.MaxRisk); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if err := h.engine.RestartSession(r.Context(), clientID); err != nil {
		h.logger.Error("session restart failed", "client_id", clientID, "error", err)
		writeError(w, http.StatusBadGateway, "RESTART_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleNotificationHistory returns delivered notifications for a client,
// newest first. ?limit caps the page size (default 50, max 500).
func (h *Handlers) HandleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	history, err := h.bus.History(r.Context(), clientID, limit)
	if err != nil {
		h.logger.Error("history query failed", "client_id", clientID, "error", err)
		writeError(w, http.StatusInternalServerError, "HISTORY_FAILED", err.Error())
		return
	}
	if history == nil {
		history = []types.Notification{}
	}

	writeJSON(w, http.StatusOK, history)
}

type canTradeResponse struct {
	CanTrade bool   `json:"canTrade"`
	Reason   string `json:"reason,omitempty"`
}

// HandleCanTrade reports whether the gateway may submit orders for the client.
func (h *Handlers) HandleCanTrade(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	ok, reason, err := h.engine.CanTrade(r.Context(), clientID)
	if err != nil {
		h.logger.Error("can-trade check failed", "client_id", clientID, "error", err)
		writeError(w, http.StatusInternalServerError, "CHECK_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, canTradeResponse{CanTrade: ok, Reason: reason})
}

type webhookRequest struct {
	ClientID string          `json:"clientId"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	OrderQty decimal.Decimal `json:"orderQty"`
	Strategy string          `json:"strategy,omitempty"`
}

type riskBlockResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// HandleWebhook is the order gateway: every submission is checked against
// the client's risk status before it reaches the venue.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	v, err := types.ParseVenue(chi.URLParam(r, "venueTag"))
	if err != nil {
		writeError(w, http.StatusNotFound, "INVALID_VENUE", err.Error())
		return
	}
	adapter, ok := h.adapters[v]
	if !ok {
		writeError(w, http.StatusNotFound, "INVALID_VENUE", "no adapter for venue")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.ClientID == "" || req.Symbol == "" || !req.OrderQty.IsPositive() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "clientId, symbol and a positive orderQty are required")
		return
	}
	var side types.Side
	switch strings.ToLower(req.Side) {
	case "buy":
		side = types.BUY
	case "sell":
		side = types.SELL
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "side must be buy or sell")
		return
	}

	allowed, reason, err := h.engine.CanTrade(r.Context(), req.ClientID)
	if err != nil {
		h.logger.Error("can-trade check failed", "client_id", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, "CHECK_FAILED", err.Error())
		return
	}
	if !allowed {
		h.logger.Warn("order rejected by risk status",
			"client_id", req.ClientID,
			"symbol", req.Symbol,
			"reason", reason,
		)
		writeJSON(w, http.StatusForbidden, riskBlockResponse{Error: "RISK_BLOCK", Reason: reason})
		return
	}

	creds, err := h.registry.GetCredentials(r.Context(), req.ClientID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	result, err := adapter.PlaceOrder(r.Context(), creds, types.OrderSpec{
		Symbol: req.Symbol,
		Side:   side,
		Qty:    req.OrderQty,
		Type:   types.OrderMarket,
	})
	if err != nil {
		h.logger.Error("order submit failed",
			"client_id", req.ClientID,
			"symbol", req.Symbol,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "ORDER_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"orderId": result.OrderID,
	})
}
