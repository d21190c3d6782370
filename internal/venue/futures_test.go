package venue

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"riskwatch/internal/config"
	"riskwatch/pkg/types"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCreds() Credentials {
	return Credentials{APIKey: "k", APISecret: "s"}
}

func TestFuturesGetBalance(t *testing.T) {
	t.Parallel()

	var gotAuth struct {
		key, nonce, sig string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/account/balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth.key = r.Header.Get("X-API-KEY")
		gotAuth.nonce = r.Header.Get("X-NONCE")
		gotAuth.sig = r.Header.Get("X-SIGNATURE")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"balance": "1050.25"})
	}))
	defer srv.Close()

	f := NewFutures(config.VenueConfig{BaseURL: srv.URL}, testLogger())
	bal, err := f.GetBalance(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("1050.25")) {
		t.Errorf("balance = %s, want 1050.25", bal)
	}

	if gotAuth.key != "k" {
		t.Errorf("X-API-KEY = %q", gotAuth.key)
	}
	if gotAuth.nonce == "" || gotAuth.sig == "" {
		t.Error("missing auth headers")
	}
	want := SignRequest(testCreds(), "GET", "/api/v1/account/balance", gotAuth.nonce, "")
	if gotAuth.sig != want {
		t.Error("signature does not verify")
	}
}

func TestFuturesGetBalanceAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"code": 401, "message": "bad signature"})
	}))
	defer srv.Close()

	f := NewFutures(config.VenueConfig{BaseURL: srv.URL}, testLogger())
	_, err := f.GetBalance(context.Background(), testCreds())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthFailure(err) {
		t.Errorf("expected auth failure, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("auth failure must not be retryable")
	}
}

func TestFuturesDemoRouting(t *testing.T) {
	t.Parallel()

	demo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"balance": "1"})
	}))
	defer demo.Close()

	f := NewFutures(config.VenueConfig{
		BaseURL: "http://live.invalid",
		DemoURL: demo.URL,
		UseDemo: true,
	}, testLogger())

	if _, err := f.GetBalance(context.Background(), testCreds()); err != nil {
		t.Fatalf("demo routing failed: %v", err)
	}
}

func TestFuturesCloseAllPositions(t *testing.T) {
	t.Parallel()

	positions := []types.Position{
		{ID: "p1", Symbol: "BTCUSDT", Side: types.BUY, Qty: decimal.NewFromInt(2), MarkPrice: decimal.NewFromInt(100)},
		{ID: "p2", Symbol: "ETHUSDT", Side: types.SELL, Qty: decimal.NewFromInt(5), MarkPrice: decimal.NewFromInt(10)},
	}

	var mu sync.Mutex
	var placed []types.OrderSpec
	cancelHit := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/orders":
			mu.Lock()
			cancelHit = true
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string][]string{"cancelled": {"o1"}})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/account/positions":
			json.NewEncoder(w).Encode(positions)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/order":
			var spec types.OrderSpec
			json.NewDecoder(r.Body).Decode(&spec)
			mu.Lock()
			placed = append(placed, spec)
			mu.Unlock()
			json.NewEncoder(w).Encode(OrderResult{OrderID: "ord", Status: "FILLED"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFutures(config.VenueConfig{BaseURL: srv.URL}, testLogger())
	outcome, err := f.CloseAllPositions(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("CloseAllPositions: %v", err)
	}

	if !cancelHit {
		t.Error("working orders were not cancelled first")
	}
	if outcome.ClosedCount() != 2 || outcome.FailedCount() != 0 {
		t.Fatalf("closed=%d failed=%d, want 2/0", outcome.ClosedCount(), outcome.FailedCount())
	}
	if len(outcome.CancelledOrderIDs) != 1 {
		t.Errorf("cancelled orders = %v", outcome.CancelledOrderIDs)
	}
	// 2*100 + 5*10
	if !outcome.TotalClosedValue.Equal(decimal.NewFromInt(250)) {
		t.Errorf("TotalClosedValue = %s, want 250", outcome.TotalClosedValue)
	}

	if len(placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(placed))
	}
	for i, spec := range placed {
		if spec.Side != positions[i].Side.Opposite() {
			t.Errorf("order %d side = %s, want opposite of %s", i, spec.Side, positions[i].Side)
		}
		if spec.Type != types.OrderMarket {
			t.Errorf("order %d type = %s, want MARKET", i, spec.Type)
		}
		if !spec.ReduceOnly {
			t.Errorf("order %d not reduce-only", i)
		}
	}
}

func TestFuturesCloseAllPositionsPartialFailure(t *testing.T) {
	t.Parallel()

	positions := []types.Position{
		{ID: "p1", Symbol: "BTCUSDT", Side: types.BUY, Qty: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(100)},
		{ID: "p2", Symbol: "BADSYM", Side: types.BUY, Qty: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(50)},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodDelete:
			json.NewEncoder(w).Encode(map[string][]string{"cancelled": {}})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(positions)
		case r.Method == http.MethodPost:
			var spec types.OrderSpec
			json.NewDecoder(r.Body).Decode(&spec)
			if spec.Symbol == "BADSYM" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"code": 400, "message": "unknown symbol"})
				return
			}
			json.NewEncoder(w).Encode(OrderResult{OrderID: "ord", Status: "FILLED"})
		}
	}))
	defer srv.Close()

	f := NewFutures(config.VenueConfig{BaseURL: srv.URL}, testLogger())
	outcome, err := f.CloseAllPositions(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("CloseAllPositions: %v", err)
	}

	if outcome.ClosedCount() != 1 {
		t.Errorf("ClosedCount = %d, want 1", outcome.ClosedCount())
	}
	if outcome.FailedCount() != 1 {
		t.Errorf("FailedCount = %d, want 1", outcome.FailedCount())
	}
	if len(outcome.FailedPositionIDs) != 1 || outcome.FailedPositionIDs[0] != "p2" {
		t.Errorf("FailedPositionIDs = %v, want [p2]", outcome.FailedPositionIDs)
	}
}

func TestSpotCloseAllPositions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("spot close should only cancel orders, got %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"cancelled": {"o1", "o2"}})
	}))
	defer srv.Close()

	s := NewSpot(config.VenueConfig{BaseURL: srv.URL}, testLogger())
	outcome, err := s.CloseAllPositions(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("CloseAllPositions: %v", err)
	}
	if outcome.ClosedCount() != 0 {
		t.Errorf("spot close should report no positions, got %d", outcome.ClosedCount())
	}
	if len(outcome.CancelledOrderIDs) != 2 {
		t.Errorf("cancelled = %v, want 2 IDs", outcome.CancelledOrderIDs)
	}

	positions, err := s.GetOpenPositions(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("spot positions = %v, want empty", positions)
	}
}
