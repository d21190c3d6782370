// Package venue implements exchange adapters behind a single interface.
//
// Two adapters are provided:
//   - Futures: balance, open positions, order placement, cancellation, and
//     market-order liquidation of every open position.
//   - Spot: balance and working-order cancellation; spot accounts hold no
//     positions, so liquidation reduces to cancelling orders.
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with HMAC-SHA512 headers. All
// failures are classified into the Error taxonomy in errors.go.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"riskwatch/pkg/types"
)

// OrderResult is the venue acknowledgement for a placed order.
type OrderResult struct {
	OrderID string          `json:"orderId"`
	Symbol  string          `json:"symbol"`
	Status  string          `json:"status"`
	FillQty decimal.Decimal `json:"fillQty"`
}

// Adapter is the uniform surface over one exchange. Credentials are supplied
// per call; an adapter instance holds no client identity.
type Adapter interface {
	// Venue identifies the exchange this adapter talks to.
	Venue() types.Venue

	// GetBalance returns the account's current total balance.
	GetBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error)

	// GetOpenPositions lists all open positions. Spot adapters return an
	// empty slice.
	GetOpenPositions(ctx context.Context, creds Credentials) ([]types.Position, error)

	// PlaceOrder submits a single order.
	PlaceOrder(ctx context.Context, creds Credentials, spec types.OrderSpec) (*OrderResult, error)

	// CancelAllOrders cancels every working order and returns their IDs.
	CancelAllOrders(ctx context.Context, creds Credentials) ([]string, error)

	// CloseAllPositions cancels working orders and liquidates every open
	// position with reduce-only market orders. The outcome records per
	// position success and failure; a non-nil error means the venue could
	// not even be asked (the outcome is still returned with whatever was
	// achieved).
	CloseAllPositions(ctx context.Context, creds Credentials) (types.ActionOutcome, error)
}

// Streamer is implemented by adapters whose venue offers a websocket account
// stream. Callers discover it with a type assertion and fall back to polling
// when it is absent.
type Streamer interface {
	// OpenStream connects the account stream for one client. The returned
	// Stream delivers balance events until the connection drops; the caller
	// owns reconnection.
	OpenStream(ctx context.Context, creds Credentials) (*Stream, error)
}
