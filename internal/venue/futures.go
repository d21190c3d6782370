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

// Futures is the derivatives-venue adapter. Positions are liquidated with
// reduce-only market orders on the opposite side.
type Futures struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	wsURL  string
	logger *slog.Logger
}

// NewFutures creates a futures adapter from venue config.
func NewFutures(cfg config.VenueConfig, logger *slog.Logger) *Futures {
	return &Futures{
		http:   newHTTPClient(cfg),
		signer: NewSigner(),
		rl:     NewRateLimiter(),
		wsURL:  cfg.WSURL,
		logger: logger.With("component", "venue_futures"),
	}
}

func (f *Futures) Venue() types.Venue { return types.VenueFutures }

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// GetBalance returns the account's total margin balance.
func (f *Futures) GetBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	if err := f.rl.Account.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	const path = "/api/v1/account/balance"
	var result balanceResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetHeaders(f.signer.AuthHeaders(creds, "GET", path, "")).
		SetResult(&result).
		SetError(&apiError{}).
		Get(path)
	if err := checkResponse(resp, err); err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return result.Balance, nil
}

// GetOpenPositions lists all open positions.
func (f *Futures) GetOpenPositions(ctx context.Context, creds Credentials) ([]types.Position, error) {
	if err := f.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v1/account/positions"
	var result []types.Position
	resp, err := f.http.R().
		SetContext(ctx).
		SetHeaders(f.signer.AuthHeaders(creds, "GET", path, "")).
		SetResult(&result).
		SetError(&apiError{}).
		Get(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return result, nil
}

// PlaceOrder submits a single order.
func (f *Futures) PlaceOrder(ctx context.Context, creds Credentials, spec types.OrderSpec) (*OrderResult, error) {
	if err := f.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v1/order"
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var result OrderResult
	resp, err := f.http.R().
		SetContext(ctx).
		SetHeaders(f.signer.AuthHeaders(creds, "POST", path, string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		SetError(&apiError{}).
		Post(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	return &result, nil
}

type cancelResponse struct {
	Cancelled []string `json:"cancelled"`
}

// CancelAllOrders cancels every working order.
func (f *Futures) CancelAllOrders(ctx context.Context, creds Credentials) ([]string, error) {
	if err := f.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/api/v1/orders"
	var result cancelResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetHeaders(f.signer.AuthHeaders(creds, "DELETE", path, "")).
		SetResult(&result).
		SetError(&apiError{}).
		Delete(path)
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("cancel all orders: %w", err)
	}

	f.logger.Info("orders cancelled", "count", len(result.Cancelled))
	return result.Cancelled, nil
}

// CloseAllPositions cancels working orders, snapshots open positions, and
// liquidates each with a reduce-only market order on the opposite side.
// Per-position failures are recorded in the outcome and do not abort the
// remaining closes.
func (f *Futures) CloseAllPositions(ctx context.Context, creds Credentials) (types.ActionOutcome, error) {
	outcome := types.ActionOutcome{
		Venue:     types.VenueFutures,
		Timestamp: time.Now().UTC(),
	}

	cancelled, err := f.CancelAllOrders(ctx, creds)
	if err != nil {
		return outcome, fmt.Errorf("close positions: %w", err)
	}
	outcome.CancelledOrderIDs = cancelled

	positions, err := f.GetOpenPositions(ctx, creds)
	if err != nil {
		return outcome, fmt.Errorf("close positions: %w", err)
	}

	for _, pos := range positions {
		spec := types.OrderSpec{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Qty:        pos.Qty,
			Type:       types.OrderMarket,
			ReduceOnly: true,
		}
		if _, err := f.PlaceOrder(ctx, creds, spec); err != nil {
			f.logger.Error("close position failed",
				"position", pos.ID,
				"symbol", pos.Symbol,
				"error", err,
			)
			outcome.FailedPositionIDs = append(outcome.FailedPositionIDs, pos.ID)
			continue
		}
		outcome.ClosedPositionIDs = append(outcome.ClosedPositionIDs, pos.ID)
		outcome.TotalClosedValue = outcome.TotalClosedValue.Add(pos.Notional())
	}

	f.logger.Warn("positions liquidated",
		"closed", outcome.ClosedCount(),
		"failed", outcome.FailedCount(),
		"value", outcome.TotalClosedValue,
	)
	return outcome, nil
}
