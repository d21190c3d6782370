// Package scheduler runs the time-driven maintenance jobs: the daily risk
// reset and the stale-feed detector.
//
// The daily reset runs on a cron schedule in UTC. Accounts that missed a
// reset while the process was down are caught up on Start, so a restart
// shortly after the boundary still unblocks daily-blocked accounts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"riskwatch/internal/bus"
	"riskwatch/internal/config"
	"riskwatch/internal/state"
	"riskwatch/pkg/types"
)

// Scheduler owns the cron instance and the stale detector loop.
type Scheduler struct {
	cfg    config.Config
	store  *state.Store
	bus    *bus.Bus
	cron   *cron.Cron
	logger *slog.Logger

	resetHour   int
	resetMinute int

	// staleMarks tracks clients already flagged in the current stall
	// window so MONITORING_ERROR fires once per stall, not per tick.
	mu         sync.Mutex
	staleMarks map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Call Start to begin running jobs.
func New(cfg config.Config, store *state.Store, b *bus.Bus, logger *slog.Logger) (*Scheduler, error) {
	hour, minute, err := config.ParseResetTime(cfg.Scheduler.ResetTime)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{
		cfg:         cfg,
		store:       store,
		bus:         b,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		logger:      logger.With("component", "scheduler"),
		resetHour:   hour,
		resetMinute: minute,
		staleMarks:  make(map[string]struct{}),
	}, nil
}

// Start registers the cron jobs, catches up any missed daily reset, and
// launches the stale detector.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	spec := fmt.Sprintf("%d %d * * *", s.resetMinute, s.resetHour)
	if _, err := s.cron.AddFunc(spec, func() { s.runDailyReset(runCtx, time.Now().UTC()) }); err != nil {
		cancel()
		return fmt.Errorf("scheduler: register daily reset: %w", err)
	}
	s.cron.Start()

	// Catch up a reset that fell into downtime.
	s.runDailyReset(runCtx, time.Now().UTC())

	go s.runStaleDetector(runCtx)

	s.logger.Info("scheduler started",
		"reset_schedule", spec,
		"stale_interval", s.cfg.Scheduler.StaleInterval,
	)
	return nil
}

// Stop halts the cron jobs and the stale detector.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if s.done != nil {
		<-s.done
	}
	s.logger.Info("scheduler stopped")
}

// lastResetBoundary returns the most recent daily reset instant at or
// before now.
func (s *Scheduler) lastResetBoundary(now time.Time) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), s.resetHour, s.resetMinute, 0, 0, time.UTC)
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// runDailyReset resets every account whose last reset predates the current
// boundary. Re-running within the same window is a no-op, so the catch-up
// call on Start is safe.
func (s *Scheduler) runDailyReset(ctx context.Context, now time.Time) {
	boundary := s.lastResetBoundary(now)

	accounts, err := s.store.QueryNeedingDailyReset(ctx, boundary)
	if err != nil {
		s.logger.Error("daily reset query failed", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	s.logger.Info("daily reset starting", "accounts", len(accounts), "boundary", boundary)
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		s.resetAccount(ctx, acct.ClientID, now)
	}
}

func (s *Scheduler) resetAccount(ctx context.Context, clientID string, now time.Time) {
	st, err := s.store.Update(ctx, clientID, "daily reset", func(a *state.AccountState) error {
		a.DailyStartBalance = a.CurrentBalance
		a.DailyResetAt = now
		a.DailyBlockedAt = time.Time{}
		a.DailyBlockReason = ""
		if a.Status == types.StatusDailyBlocked || a.Status == types.StatusWarning {
			a.Status = types.StatusNormal
		}
		return nil
	})
	if err != nil {
		s.logger.Error("daily reset failed", "client_id", clientID, "error", err)
		return
	}

	s.publish(ctx, types.Notification{
		Kind:     types.EventDailyReset,
		ClientID: clientID,
		Priority: types.PriorityNormal,
		Payload: map[string]any{
			"dailyStartBalance": st.DailyStartBalance.String(),
			"status":            string(st.Status),
		},
	})
	s.logger.Info("daily reset applied",
		"client_id", clientID,
		"status", st.Status,
		"daily_start_balance", st.DailyStartBalance,
	)
}

// runStaleDetector flags active accounts whose feed has gone silent past
// the stale threshold.
func (s *Scheduler) runStaleDetector(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Scheduler.StaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStale(ctx, time.Now().UTC())
		}
	}
}

func (s *Scheduler) checkStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.Feed.StaleThreshold)
	stale, err := s.store.QueryStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale query failed", "error", err)
		return
	}

	current := make(map[string]struct{}, len(stale))
	for _, acct := range stale {
		current[acct.ClientID] = struct{}{}
	}

	s.mu.Lock()
	// Clear marks for clients whose feed recovered.
	for clientID := range s.staleMarks {
		if _, still := current[clientID]; !still {
			delete(s.staleMarks, clientID)
			s.logger.Info("feed recovered", "client_id", clientID)
		}
	}
	fresh := make([]*state.AccountState, 0, len(stale))
	for _, acct := range stale {
		if _, seen := s.staleMarks[acct.ClientID]; !seen {
			s.staleMarks[acct.ClientID] = struct{}{}
			fresh = append(fresh, acct)
		}
	}
	s.mu.Unlock()

	for _, acct := range fresh {
		s.flagStale(ctx, acct, now)
	}
}

// flagStale emits the stall notification. The account record is left alone:
// a silent feed is an observation problem, not a state transition, and the
// next balance update clears the stall without any bookkeeping.
func (s *Scheduler) flagStale(ctx context.Context, acct *state.AccountState, now time.Time) {
	s.logger.Warn("balance feed stale",
		"client_id", acct.ClientID,
		"last_update", acct.LastUpdateAt,
	)

	s.publish(ctx, types.Notification{
		Kind:     types.EventMonitoringError,
		ClientID: acct.ClientID,
		Priority: types.PriorityCritical,
		Payload: map[string]any{
			"reason":     "BALANCE_FEED_STALE",
			"lastUpdate": acct.LastUpdateAt.Format(time.RFC3339),
			"detectedAt": now.Format(time.RFC3339),
		},
	})
}

func (s *Scheduler) publish(ctx context.Context, n types.Notification) {
	if _, err := s.bus.Publish(ctx, n); err != nil && ctx.Err() == nil {
		s.logger.Error("publish failed", "kind", n.Kind, "client_id", n.ClientID, "error", err)
	}
}
