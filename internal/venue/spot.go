package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"riskwatch/internal/config"
	"riskwatch/pkg/types"
)

// Spot is the spot-venue adapter. Spot accounts hold no leveraged positions,
// so liquidation reduces to cancelling working orders.
type Spot struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	wsURL  string
	logger *slog.Logger
}

// NewSpot creates a spot adapter from venue config.
func NewSpot(cfg config.VenueConfig, logger *slog.Logger) *Spot {
	return &Spot{
		http:   newHTTPClient(cfg),
		signer: NewSigner(),
		rl:     NewRateLimiter(),
		wsURL:  cfg.WSURL,
		logger: logger.With("component", "venue_spot"),
	}
}

func (s *Spot) Venue() types.Venue { return types.VenueSpot }

// GetBalance returns the account's total balance in the quote currency.
func (s *Spot) GetBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	if err := s.rl.Account.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	const path = "/api/v1/account/balance"
	var result balanceResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeaders(s.signer.AuthHeaders(creds, "GET", path, "")).
		SetResult(&result).
		SetError(&apiError{}).
		Get(path)
	if err := checkResponse(resp, err); err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return result.Balance, nil
}

// GetOpenPositions always returns an empty slice for spot accounts.
func (s *Spot) GetOpenPositions(ctx context.Context, creds Credentials) ([]types.Position, error) {
	return []types.Position{}, nil
}

// PlaceOrder submits a single order.
func (s *Spot) PlaceOrder(ctx context.Context, creds Credentials, spec types.OrderSpec) (*OrderResult, error) {
	if err := s.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v1/order"
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var result OrderResult
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeaders(s.signer.AuthHeaders(creds, "POST", path, string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		SetError(&apiError{}).
		Post(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	return &result, nil
}

// CancelAllOrders cancels every working order.
func (s *Spot) CancelAllOrders(ctx context.Context, creds Credentials) ([]string, error) {
	if err := s.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v1/orders"
	var result cancelResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeaders(s.signer.AuthHeaders(creds, "DELETE", path, "")).
		SetResult(&result).
		SetError(&apiError{}).
		Delete(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("cancel all orders: %w", err)
	}

	s.logger.Info("orders cancelled", "count", len(result.Cancelled))
	return result.Cancelled, nil
}

// CloseAllPositions cancels working orders. There are no positions to close
// on a spot account; the outcome carries only the cancelled order IDs.
func (s *Spot) CloseAllPositions(ctx context.Context, creds Credentials) (types.ActionOutcome, error) {
	outcome := types.ActionOutcome{
		Venue:     types.VenueSpot,
		Timestamp: time.Now().UTC(),
	}

	cancelled, err := s.CancelAllOrders(ctx, creds)
	if err != nil {
		return outcome, fmt.Errorf("close positions: %w", err)
	}
	outcome.CancelledOrderIDs = cancelled
	return outcome, nil
}
