package feed

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

type scriptedAdapter struct {
	mu       sync.Mutex
	balances []decimal.Decimal
	i        int
}

func (a *scriptedAdapter) Venue() types.Venue { return types.VenueFutures }

func (a *scriptedAdapter) GetBalance(ctx context.Context, creds venue.Credentials) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.i < len(a.balances)-1 {
		a.i++
		return a.balances[a.i-1], nil
	}
	return a.balances[len(a.balances)-1], nil
}

func (a *scriptedAdapter) GetOpenPositions(ctx context.Context, creds venue.Credentials) ([]types.Position, error) {
	return nil, nil
}

func (a *scriptedAdapter) PlaceOrder(ctx context.Context, creds venue.Credentials, spec types.OrderSpec) (*venue.OrderResult, error) {
	return nil, nil
}

func (a *scriptedAdapter) CancelAllOrders(ctx context.Context, creds venue.Credentials) ([]string, error) {
	return nil, nil
}

func (a *scriptedAdapter) CloseAllPositions(ctx context.Context, creds venue.Credentials) (types.ActionOutcome, error) {
	return types.ActionOutcome{}, nil
}

type collector struct {
	mu      sync.Mutex
	updates []types.BalanceUpdate
}

func (c *collector) sink(u types.BalanceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *collector) snapshot() []types.BalanceUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.BalanceUpdate, len(c.updates))
	copy(out, c.updates)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPollingEmitsOnChange(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{balances: []decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(100), // duplicate, must be dropped
		decimal.NewFromInt(105),
	}}
	col := &collector{}

	m := NewMonitor("c1", adapter, venue.Credentials{}, Config{
		PollInterval:   5 * time.Millisecond,
		StaleThreshold: time.Second,
		StreamEnabled:  false,
	}, col.sink, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	got := col.snapshot()
	if len(got) != 2 {
		t.Fatalf("updates = %d, want 2 (duplicates dropped)", len(got))
	}

	if !got[0].NewBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("first balance = %s, want 100", got[0].NewBalance)
	}
	if !got[1].NewBalance.Equal(decimal.NewFromInt(105)) {
		t.Errorf("second balance = %s, want 105", got[1].NewBalance)
	}
	if !got[1].PreviousBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("second previous = %s, want 100", got[1].PreviousBalance)
	}

	for i, u := range got {
		if u.Source != types.SourcePoll {
			t.Errorf("update %d source = %s, want POLL", i, u.Source)
		}
		if u.ClientID != "c1" || u.Venue != types.VenueFutures {
			t.Errorf("update %d identity = %s/%s", i, u.ClientID, u.Venue)
		}
	}
	if got[1].EventID <= got[0].EventID {
		t.Errorf("event ids not increasing: %d then %d", got[0].EventID, got[1].EventID)
	}
}

func TestEmitDropsConsecutiveDuplicates(t *testing.T) {
	t.Parallel()

	col := &collector{}
	m := NewMonitor("c1", &scriptedAdapter{balances: []decimal.Decimal{decimal.Zero}},
		venue.Credentials{}, Config{}, col.sink, testLogger())

	now := time.Now().UTC()
	m.emit(decimal.NewFromInt(50), types.SourceStream, now)
	m.emit(decimal.NewFromInt(50), types.SourceStream, now)
	m.emit(decimal.NewFromInt(60), types.SourceStream, now)
	m.emit(decimal.NewFromInt(50), types.SourcePoll, now)

	got := col.snapshot()
	if len(got) != 3 {
		t.Fatalf("updates = %d, want 3", len(got))
	}
	if got[0].Source != types.SourceStream || got[2].Source != types.SourcePoll {
		t.Error("sources not stamped per observation")
	}
	if !got[2].PreviousBalance.Equal(decimal.NewFromInt(60)) {
		t.Errorf("previous = %s, want 60", got[2].PreviousBalance)
	}
}
