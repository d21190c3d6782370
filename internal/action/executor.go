// Package action runs the enforcement workflow for a risk violation:
// liquidate the client's positions, commit the account block, and publish
// the resulting notifications.
//
// Enforcement is at-most-once per (client, session epoch): a slot is taken
// before any venue call and held while the workflow is in flight, so
// concurrent re-evaluations of the same session cannot double-liquidate.
// The slot is released on completion; once the block status is committed,
// repeats of the same violation are absorbed by the status check, while a
// more severe violation in the same session can still escalate the block.
// Blocking is a local decision: venue failures during liquidation never
// prevent the block from being committed.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/bus"
	"riskwatch/internal/directory"
	"riskwatch/internal/risk"
	"riskwatch/internal/state"
	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

// Executor drives the enforcement workflow.
type Executor struct {
	store    *state.Store
	dir      directory.Directory
	adapters map[types.Venue]venue.Adapter
	bus      *bus.Bus

	retryMax     int
	retryBackoff time.Duration

	slots    sync.Map // "clientID#epoch" -> struct{}, held while enforcement is in flight
	inFlight sync.WaitGroup

	logger *slog.Logger
}

// New creates an Executor.
func New(store *state.Store, dir directory.Directory, adapters map[types.Venue]venue.Adapter,
	b *bus.Bus, retryMax int, retryBackoff time.Duration, logger *slog.Logger) *Executor {
	if retryMax < 1 {
		retryMax = 1
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	return &Executor{
		store:        store,
		dir:          dir,
		adapters:     adapters,
		bus:          b,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
		logger:       logger.With("component", "executor"),
	}
}

func slotKey(clientID string, epoch int64) string {
	return fmt.Sprintf("%s#%d", clientID, epoch)
}

// Execute enforces a violation for one client session. Concurrent calls for
// the same (client, epoch) and violations already covered by the current
// account status are no-ops.
func (e *Executor) Execute(ctx context.Context, clientID string, epoch int64, violation types.ViolationType, ev risk.Evaluation) error {
	st, err := e.store.Load(ctx, clientID)
	if err != nil {
		return fmt.Errorf("execute %s: %w", clientID, err)
	}
	if covered(st.Status, violation) {
		e.logger.Debug("violation already enforced",
			"client_id", clientID,
			"status", st.Status,
			"violation", violation,
		)
		return nil
	}

	key := slotKey(clientID, epoch)
	if _, taken := e.slots.LoadOrStore(key, struct{}{}); taken {
		e.logger.Debug("enforcement slot already taken",
			"client_id", clientID,
			"epoch", epoch,
		)
		return nil
	}
	defer e.slots.Delete(key)

	e.inFlight.Add(1)
	defer e.inFlight.Done()

	loss, threshold := ev.DailyLoss, ev.DailyThreshold
	if violation == types.ViolationMaxRisk {
		loss, threshold = ev.TotalLoss, ev.MaxThreshold
	}
	reason := fmt.Sprintf("loss %s exceeded limit %s", loss, threshold)

	e.logger.Warn("enforcing violation",
		"client_id", clientID,
		"epoch", epoch,
		"violation", violation,
		"loss", loss,
		"threshold", threshold,
	)

	outcome, closeErr := e.closePositions(ctx, st, clientID)

	blocked := blockStatus(violation)
	now := time.Now().UTC()
	updated, err := e.store.Update(ctx, clientID, fmt.Sprintf("violation %s: %s", violation, reason), func(s *state.AccountState) error {
		s.Status = blocked
		if violation == types.ViolationMaxRisk {
			s.PermanentBlockedAt = now
			s.PermanentBlockReason = reason
		} else {
			s.DailyBlockedAt = now
			s.DailyBlockReason = reason
		}
		return nil
	})
	if err != nil {
		e.publish(ctx, types.Notification{
			Kind:     types.EventSystem,
			ClientID: clientID,
			Priority: types.PriorityCritical,
			Payload: map[string]any{
				"error":     fmt.Sprintf("block commit failed: %v", err),
				"violation": string(violation),
			},
		})
		return fmt.Errorf("commit block %s: %w", clientID, err)
	}

	e.publishViolation(ctx, updated, violation, loss, threshold)
	e.publish(ctx, types.Notification{
		Kind:     types.EventPositionClosed,
		ClientID: clientID,
		Priority: types.PriorityHigh,
		Payload: map[string]any{
			"closedCount":       outcome.ClosedCount(),
			"failedCount":       outcome.FailedCount(),
			"cancelledOrders":   len(outcome.CancelledOrderIDs),
			"failedPositionIds": outcome.FailedPositionIDs,
			"totalClosedValue":  outcome.TotalClosedValue.String(),
		},
	})
	e.publish(ctx, types.Notification{
		Kind:     types.EventAccountBlocked,
		ClientID: clientID,
		Priority: types.PriorityHigh,
		Payload: map[string]any{
			"status":    string(blocked),
			"violation": string(violation),
			"reason":    reason,
		},
	})

	if closeErr != nil {
		// The block stands; flag the account so an operator reconciles the
		// positions the venue would not close.
		e.markMonitoringError(ctx, clientID, closeErr)
	}
	return nil
}

// WaitIdle blocks until all in-flight enforcements finish or the timeout
// elapses. Reports whether the executor drained in time.
func (e *Executor) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Executor) closePositions(ctx context.Context, st *state.AccountState, clientID string) (types.ActionOutcome, error) {
	adapter, ok := e.adapters[st.Venue]
	if !ok {
		return types.ActionOutcome{ClientID: clientID, Venue: st.Venue},
			fmt.Errorf("no adapter for venue %s", st.Venue)
	}

	creds, err := e.dir.GetCredentials(ctx, clientID)
	if err != nil {
		return types.ActionOutcome{ClientID: clientID, Venue: st.Venue},
			fmt.Errorf("credentials: %w", err)
	}

	var outcome types.ActionOutcome
	backoff := e.retryBackoff
	for attempt := 1; ; attempt++ {
		outcome, err = adapter.CloseAllPositions(ctx, creds)
		outcome.ClientID = clientID
		if err == nil {
			return outcome, nil
		}
		if !venue.IsRetryable(err) || attempt >= e.retryMax {
			return outcome, err
		}

		e.logger.Warn("close positions retry",
			"client_id", clientID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (e *Executor) markMonitoringError(ctx context.Context, clientID string, cause error) {
	if _, err := e.store.Update(ctx, clientID, "close positions failed", func(s *state.AccountState) error {
		// Blocks outrank the error marker.
		if !s.Status.Blocked() {
			s.Status = types.StatusMonitoringError
		}
		return nil
	}); err != nil {
		e.logger.Error("mark monitoring error failed", "client_id", clientID, "error", err)
	}

	e.publish(ctx, types.Notification{
		Kind:     types.EventMonitoringError,
		ClientID: clientID,
		Priority: types.PriorityCritical,
		Payload: map[string]any{
			"error":       cause.Error(),
			"authFailure": venue.IsAuthFailure(cause),
		},
	})
}

func (e *Executor) publishViolation(ctx context.Context, st *state.AccountState, violation types.ViolationType, loss, threshold decimal.Decimal) {
	kind := types.EventDailyRiskTriggered
	priority := types.PriorityHigh
	if violation == types.ViolationMaxRisk {
		kind = types.EventMaxRiskTriggered
		priority = types.PriorityCritical
	}
	e.publish(ctx, types.Notification{
		Kind:     kind,
		ClientID: st.ClientID,
		Priority: priority,
		Payload: map[string]any{
			"venue":          string(st.Venue),
			"currentBalance": st.CurrentBalance.String(),
			"totalLoss":      st.TotalLoss().String(),
			"dailyLoss":      st.DailyLoss().String(),
			"loss":           loss.String(),
			"threshold":      threshold.String(),
		},
	})
}

func (e *Executor) publish(ctx context.Context, n types.Notification) {
	if _, err := e.bus.Publish(ctx, n); err != nil {
		e.logger.Error("publish failed", "kind", n.Kind, "client_id", n.ClientID, "error", err)
	}
}

// covered reports whether the current status already enforces the violation.
func covered(status types.AccountStatus, violation types.ViolationType) bool {
	switch violation {
	case types.ViolationMaxRisk:
		return status == types.StatusPermanentBlocked
	case types.ViolationDailyRisk:
		return status.Blocked()
	default:
		return false
	}
}

func blockStatus(violation types.ViolationType) types.AccountStatus {
	if violation == types.ViolationMaxRisk {
		return types.StatusPermanentBlocked
	}
	return types.StatusDailyBlocked
}
