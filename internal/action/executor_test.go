package action

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/bus"
	"riskwatch/internal/directory"
	"riskwatch/internal/risk"
	"riskwatch/internal/state"
	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

type fakeAdapter struct {
	mu       sync.Mutex
	venueTag types.Venue
	outcome  types.ActionOutcome
	errs     []error // per-call errors, nil entries succeed
	calls    int
}

func (f *fakeAdapter) Venue() types.Venue { return f.venueTag }

func (f *fakeAdapter) GetBalance(ctx context.Context, creds venue.Credentials) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeAdapter) GetOpenPositions(ctx context.Context, creds venue.Credentials) ([]types.Position, error) {
	return nil, nil
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, creds venue.Credentials, spec types.OrderSpec) (*venue.OrderResult, error) {
	return &venue.OrderResult{}, nil
}

func (f *fakeAdapter) CancelAllOrders(ctx context.Context, creds venue.Credentials) ([]string, error) {
	return nil, nil
}

func (f *fakeAdapter) CloseAllPositions(ctx context.Context, creds venue.Credentials) (types.ActionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	if call < len(f.errs) && f.errs[call] != nil {
		return f.outcome, f.errs[call]
	}
	return f.outcome, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store   *state.Store
	bus     *bus.Bus
	dir     *directory.Memory
	adapter *fakeAdapter
	exec    *Executor

	mu        sync.Mutex
	delivered []types.Notification
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, adapter *fakeAdapter) *fixture {
	t.Helper()

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b, err := bus.New(store.DB(), bus.Options{MaxAttempts: 3, DispatchInterval: time.Millisecond}, testLogger(), testLogger())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	fx := &fixture{store: store, bus: b, dir: directory.NewMemory(), adapter: adapter}
	b.Subscribe(func(ctx context.Context, n types.Notification) error {
		fx.mu.Lock()
		fx.delivered = append(fx.delivered, n)
		fx.mu.Unlock()
		return nil
	})

	fx.exec = New(store, fx.dir, map[types.Venue]venue.Adapter{adapter.venueTag: adapter},
		b, 3, time.Millisecond, testLogger())
	return fx
}

func (fx *fixture) register(t *testing.T, clientID string, status types.AccountStatus) {
	t.Helper()
	bal := decimal.NewFromInt(1000)
	err := fx.store.Register(context.Background(), &state.AccountState{
		ClientID:          clientID,
		Venue:             fx.adapter.venueTag,
		Status:            status,
		CurrentBalance:    decimal.NewFromInt(700),
		InitialBalance:    bal,
		DailyStartBalance: bal,
		DailyLimit:        types.Absolute(decimal.NewFromInt(200)),
		MaxLimit:          types.Absolute(decimal.NewFromInt(500)),
		SessionEpoch:      1,
		MonitoringActive:  true,
		LastUpdateAt:      time.Now().UTC(),
		DailyResetAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	fx.dir.Register(directory.Client{ClientID: clientID, Venue: fx.adapter.venueTag},
		venue.Credentials{APIKey: "k", APISecret: "s"})
}

// eval reproduces the verdict the engine would hand to the executor for the
// client's current state.
func (fx *fixture) eval(t *testing.T, clientID string) risk.Evaluation {
	t.Helper()
	st, err := fx.store.Load(context.Background(), clientID)
	if err != nil {
		t.Fatalf("load %s: %v", clientID, err)
	}
	return risk.Evaluate(st, risk.DefaultWarningFactor)
}

func (fx *fixture) kinds(t *testing.T) map[types.EventKind]int {
	t.Helper()
	if err := fx.bus.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	out := make(map[types.EventKind]int)
	for _, n := range fx.delivered {
		out[n.Kind]++
	}
	return out
}

func TestExecuteDailyViolation(t *testing.T) {
	adapter := &fakeAdapter{
		venueTag: types.VenueFutures,
		outcome: types.ActionOutcome{
			Venue:             types.VenueFutures,
			ClosedPositionIDs: []string{"p1", "p2"},
			TotalClosedValue:  decimal.NewFromInt(300),
		},
	}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)

	if err := fx.exec.Execute(context.Background(), "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	st, err := fx.store.Load(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != types.StatusDailyBlocked {
		t.Errorf("status = %s, want DAILY_BLOCKED", st.Status)
	}
	if adapter.callCount() != 1 {
		t.Errorf("close calls = %d, want 1", adapter.callCount())
	}
	if st.DailyBlockedAt.IsZero() {
		t.Error("daily block timestamp not recorded")
	}
	if st.DailyBlockReason != "loss 300 exceeded limit 200" {
		t.Errorf("daily block reason = %q", st.DailyBlockReason)
	}

	kinds := fx.kinds(t)
	for _, want := range []types.EventKind{
		types.EventDailyRiskTriggered,
		types.EventPositionClosed,
		types.EventAccountBlocked,
	} {
		if kinds[want] != 1 {
			t.Errorf("kind %s published %d times, want 1", want, kinds[want])
		}
	}
	if kinds[types.EventMonitoringError] != 0 {
		t.Error("clean close must not raise MONITORING_ERROR")
	}

	fx.mu.Lock()
	defer fx.mu.Unlock()
	for _, n := range fx.delivered {
		if n.Kind != types.EventDailyRiskTriggered {
			continue
		}
		if n.Payload["loss"] != "300" || n.Payload["threshold"] != "200" {
			t.Errorf("violation payload loss/threshold = %v/%v, want 300/200",
				n.Payload["loss"], n.Payload["threshold"])
		}
	}
}

func TestExecuteMaxViolationBlocksPermanently(t *testing.T) {
	adapter := &fakeAdapter{venueTag: types.VenueFutures}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)

	if err := fx.exec.Execute(context.Background(), "c1", 1, types.ViolationMaxRisk, fx.eval(t, "c1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	st, _ := fx.store.Load(context.Background(), "c1")
	if st.Status != types.StatusPermanentBlocked {
		t.Errorf("status = %s, want PERMANENT_BLOCKED", st.Status)
	}
	kinds := fx.kinds(t)
	if kinds[types.EventMaxRiskTriggered] != 1 {
		t.Errorf("MAX_RISK_TRIGGERED published %d times", kinds[types.EventMaxRiskTriggered])
	}
}

func TestExecuteAtMostOncePerEpoch(t *testing.T) {
	adapter := &fakeAdapter{venueTag: types.VenueFutures}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)
	ctx := context.Background()

	if err := fx.exec.Execute(ctx, "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatal(err)
	}
	// second report for the same session is already covered by the committed
	// block status
	if err := fx.exec.Execute(ctx, "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatal(err)
	}

	if adapter.callCount() != 1 {
		t.Errorf("close calls = %d, want 1 (at-most-once)", adapter.callCount())
	}
}

func TestExecuteSkipsCoveredViolation(t *testing.T) {
	adapter := &fakeAdapter{venueTag: types.VenueFutures}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusDailyBlocked)

	if err := fx.exec.Execute(context.Background(), "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatal(err)
	}
	if adapter.callCount() != 0 {
		t.Error("daily violation on a DAILY_BLOCKED account must be a no-op")
	}
}

func TestExecuteMaxEscalatesDailyBlockSameEpoch(t *testing.T) {
	adapter := &fakeAdapter{venueTag: types.VenueFutures}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)
	ctx := context.Background()

	if err := fx.exec.Execute(ctx, "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatal(err)
	}

	// The losses keep growing within the same session until the max limit is
	// breached too. The daily block must not swallow the escalation.
	_, err := fx.store.Update(ctx, "c1", "balance update", func(s *state.AccountState) error {
		s.CurrentBalance = decimal.NewFromInt(450)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := fx.exec.Execute(ctx, "c1", 1, types.ViolationMaxRisk, fx.eval(t, "c1")); err != nil {
		t.Fatal(err)
	}

	st, _ := fx.store.Load(ctx, "c1")
	if st.Status != types.StatusPermanentBlocked {
		t.Errorf("status = %s, want escalation to PERMANENT_BLOCKED", st.Status)
	}
	if st.PermanentBlockedAt.IsZero() || st.PermanentBlockReason == "" {
		t.Errorf("permanent block fields not recorded: %q at %s",
			st.PermanentBlockReason, st.PermanentBlockedAt)
	}
	if adapter.callCount() != 2 {
		t.Errorf("close calls = %d, want 2 (one per enforcement)", adapter.callCount())
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	adapter := &fakeAdapter{
		venueTag: types.VenueFutures,
		errs: []error{
			&venue.Error{Kind: venue.KindTransient, Code: 503},
			&venue.Error{Kind: venue.KindThrottled, Code: 429},
			nil,
		},
	}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)

	if err := fx.exec.Execute(context.Background(), "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if adapter.callCount() != 3 {
		t.Errorf("close calls = %d, want 3 (two retries)", adapter.callCount())
	}
	st, _ := fx.store.Load(context.Background(), "c1")
	if st.Status != types.StatusDailyBlocked {
		t.Errorf("status = %s, want DAILY_BLOCKED", st.Status)
	}
	if fx.kinds(t)[types.EventMonitoringError] != 0 {
		t.Error("recovered close must not raise MONITORING_ERROR")
	}
}

func TestExecuteAuthFailureStillBlocks(t *testing.T) {
	adapter := &fakeAdapter{
		venueTag: types.VenueFutures,
		errs:     []error{&venue.Error{Kind: venue.KindAuthFailure, Code: 401}},
	}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)

	if err := fx.exec.Execute(context.Background(), "c1", 1, types.ViolationMaxRisk, fx.eval(t, "c1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if adapter.callCount() != 1 {
		t.Errorf("auth failures must not be retried, calls = %d", adapter.callCount())
	}
	st, _ := fx.store.Load(context.Background(), "c1")
	if st.Status != types.StatusPermanentBlocked {
		t.Errorf("status = %s, block must stand even when the close fails", st.Status)
	}
	kinds := fx.kinds(t)
	if kinds[types.EventMonitoringError] != 1 {
		t.Errorf("MONITORING_ERROR published %d times, want 1", kinds[types.EventMonitoringError])
	}
}

func TestExecutePartialCloseStillBlocks(t *testing.T) {
	adapter := &fakeAdapter{
		venueTag: types.VenueFutures,
		outcome: types.ActionOutcome{
			Venue:             types.VenueFutures,
			ClosedPositionIDs: []string{"p1"},
			FailedPositionIDs: []string{"p2"},
		},
	}
	fx := newFixture(t, adapter)
	fx.register(t, "c1", types.StatusNormal)

	if err := fx.exec.Execute(context.Background(), "c1", 1, types.ViolationDailyRisk, fx.eval(t, "c1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	st, _ := fx.store.Load(context.Background(), "c1")
	if st.Status != types.StatusDailyBlocked {
		t.Errorf("status = %s, partial close must still block", st.Status)
	}

	if err := fx.bus.DispatchOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	found := false
	for _, n := range fx.delivered {
		if n.Kind == types.EventPositionClosed {
			found = true
			if n.Payload["failedCount"] != float64(1) {
				t.Errorf("failedCount = %v, want 1", n.Payload["failedCount"])
			}
		}
	}
	if !found {
		t.Error("POSITION_CLOSED not published")
	}
}

func TestWaitIdle(t *testing.T) {
	adapter := &fakeAdapter{venueTag: types.VenueFutures}
	fx := newFixture(t, adapter)

	if !fx.exec.WaitIdle(100 * time.Millisecond) {
		t.Error("idle executor should drain immediately")
	}
}
