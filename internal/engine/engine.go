// Package engine coordinates monitoring sessions: it owns the per-client
// feed monitors, routes balance updates through bounded queues to a worker
// pool, evaluates risk on every update, and hands violations to the action
// executor.
//
// Each client maps to exactly one worker (FNV hash of the client ID), so
// updates for a client are processed in production order with no cross-client
// interference. A monitoring session is identified by (clientID,
// sessionEpoch); restarting monitoring bumps the epoch, which invalidates
// enforcement slots from the previous session.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/action"
	"riskwatch/internal/bus"
	"riskwatch/internal/config"
	"riskwatch/internal/directory"
	"riskwatch/internal/feed"
	"riskwatch/internal/risk"
	"riskwatch/internal/state"
	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

const workerQueueLen = 1024

// Reasons returned by CanTrade alongside a false verdict.
const (
	ReasonNotMonitored = "NOT_MONITORED"
	ReasonMaxRisk      = "MAX_RISK"
	ReasonDailyRisk    = "DAILY_RISK"
)

// clientSlot represents one actively-monitored client session.
// Each slot runs a dedicated feed goroutine and a bounded update queue
// drained by the client's assigned worker.
type clientSlot struct {
	clientID  string
	epoch     int64
	queue     *updateQueue
	scheduled atomic.Bool
	halted    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type worker struct {
	ch chan string
}

// Engine is the monitoring coordinator.
type Engine struct {
	cfg      config.Config
	store    *state.Store
	dir      directory.Directory
	adapters map[types.Venue]venue.Adapter
	exec     *action.Executor
	bus      *bus.Bus

	warningFactor decimal.Decimal

	// slots maps clientID → running session. Protected by mu.
	mu    sync.RWMutex
	slots map[string]*clientSlot

	workers []*worker
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	logger     *slog.Logger
	rootLogger *slog.Logger
}

// New creates an Engine. Call Start before using it.
func New(cfg config.Config, store *state.Store, dir directory.Directory,
	adapters map[types.Venue]venue.Adapter, exec *action.Executor, b *bus.Bus,
	logger *slog.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		store:         store,
		dir:           dir,
		adapters:      adapters,
		exec:          exec,
		bus:           b,
		warningFactor: decimal.NewFromFloat(cfg.Risk.WarningFactor),
		slots:         make(map[string]*clientSlot),
		logger:        logger.With("component", "engine"),
		rootLogger:    logger,
	}
}

// Start launches the worker pool and resumes sessions that were active
// before the last shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.workers = make([]*worker, e.cfg.Engine.Workers)
	for i := range e.workers {
		w := &worker{ch: make(chan string, workerQueueLen)}
		e.workers[i] = w
		e.wg.Add(1)
		go e.runWorker(w)
	}

	resumed, err := e.store.QueryActive(e.ctx)
	if err != nil {
		return fmt.Errorf("query active sessions: %w", err)
	}
	for _, st := range resumed {
		if err := e.resumeSession(e.ctx, st); err != nil {
			e.logger.Error("resume session failed", "client_id", st.ClientID, "error", err)
			continue
		}
		e.logger.Info("session resumed", "client_id", st.ClientID)
	}

	e.logger.Info("engine started",
		"workers", len(e.workers),
		"resumed_sessions", len(resumed),
	)
	return nil
}

// Stop cancels all sessions and waits for in-flight work up to the
// configured grace period.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.Lock()
	for _, slot := range e.slots {
		slot.queue.Close()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Engine.StopGrace):
		e.logger.Error("engine stop grace period exceeded, abandoning sessions")
	}

	if !e.exec.WaitIdle(e.cfg.Engine.StopGrace) {
		e.logger.Error("enforcement still in flight at shutdown")
	}
	e.logger.Info("engine stopped")
}

// StartMonitoring begins a fresh monitoring session for a registered client.
// The session baseline is the venue balance at start, or the caller-supplied
// baseline when non-nil; any previous session for the client is replaced.
// A permanent block survives restarts.
func (e *Engine) StartMonitoring(ctx context.Context, clientID string, baselineOverride *decimal.Decimal) error {
	client, err := e.dir.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("start monitoring %s: %w", clientID, err)
	}
	adapter, ok := e.adapters[client.Venue]
	if !ok {
		return fmt.Errorf("start monitoring %s: no adapter for venue %s", clientID, client.Venue)
	}
	creds, err := e.dir.GetCredentials(ctx, clientID)
	if err != nil {
		return fmt.Errorf("start monitoring %s: %w", clientID, err)
	}

	var baseline decimal.Decimal
	if baselineOverride != nil && baselineOverride.IsPositive() {
		baseline = *baselineOverride
	} else {
		baseline, err = adapter.GetBalance(ctx, creds)
		if err != nil {
			return fmt.Errorf("start monitoring %s: baseline balance: %w", clientID, err)
		}
	}

	now := time.Now().UTC()
	var st *state.AccountState
	_, err = e.store.Load(ctx, clientID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		st = &state.AccountState{
			ClientID:          clientID,
			Venue:             client.Venue,
			Status:            types.StatusNormal,
			CurrentBalance:    baseline,
			InitialBalance:    baseline,
			DailyStartBalance: baseline,
			DailyLimit:        client.DailyLimit,
			MaxLimit:          client.MaxLimit,
			SessionEpoch:      1,
			MonitoringActive:  true,
			LastUpdateAt:      now,
			DailyResetAt:      now,
		}
		if err := e.store.Register(ctx, st); err != nil {
			return fmt.Errorf("start monitoring %s: %w", clientID, err)
		}
	case err != nil:
		return fmt.Errorf("start monitoring %s: %w", clientID, err)
	default:
		st, err = e.store.Update(ctx, clientID, "monitoring started", func(s *state.AccountState) error {
			s.Venue = client.Venue
			s.SessionEpoch++
			s.MonitoringActive = true
			s.CurrentBalance = baseline
			s.InitialBalance = baseline
			s.DailyStartBalance = baseline
			s.DailyLimit = client.DailyLimit
			s.MaxLimit = client.MaxLimit
			s.LastUpdateAt = now
			s.DailyResetAt = now
			s.DailyBlockedAt = time.Time{}
			s.DailyBlockReason = ""
			if s.Status != types.StatusPermanentBlocked {
				s.Status = types.StatusNormal
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("start monitoring %s: %w", clientID, err)
		}
	}

	e.startSlot(clientID, st.SessionEpoch, adapter, creds)
	e.logger.Info("monitoring started",
		"client_id", clientID,
		"venue", client.Venue,
		"epoch", st.SessionEpoch,
		"baseline", baseline,
	)
	return nil
}

// resumeSession restarts the feed for a session that survived a shutdown.
// The epoch is bumped so enforcement slots from the previous process cannot
// collide, but the session baselines are preserved.
func (e *Engine) resumeSession(ctx context.Context, st *state.AccountState) error {
	adapter, ok := e.adapters[st.Venue]
	if !ok {
		return fmt.Errorf("no adapter for venue %s", st.Venue)
	}
	creds, err := e.dir.GetCredentials(ctx, st.ClientID)
	if err != nil {
		return err
	}

	updated, err := e.store.Update(ctx, st.ClientID, "session resumed", func(s *state.AccountState) error {
		s.SessionEpoch++
		return nil
	})
	if err != nil {
		return err
	}

	e.startSlot(st.ClientID, updated.SessionEpoch, adapter, creds)
	return nil
}

// StopMonitoring ends the client's session and marks the account inactive.
func (e *Engine) StopMonitoring(ctx context.Context, clientID string) error {
	e.mu.Lock()
	slot := e.slots[clientID]
	delete(e.slots, clientID)
	e.mu.Unlock()

	if slot != nil {
		slot.cancel()
		slot.queue.Close()
		select {
		case <-slot.done:
		case <-time.After(e.cfg.Engine.StopGrace):
			e.logger.Error("feed did not stop within grace period", "client_id", clientID)
		}
	}

	_, err := e.store.Update(ctx, clientID, "monitoring stopped", func(s *state.AccountState) error {
		s.MonitoringActive = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("stop monitoring %s: %w", clientID, err)
	}

	e.logger.Info("monitoring stopped", "client_id", clientID)
	return nil
}

// RestartSession stops and restarts monitoring, picking up the directory's
// current limits and a fresh baseline.
func (e *Engine) RestartSession(ctx context.Context, clientID string) error {
	if err := e.StopMonitoring(ctx, clientID); err != nil {
		return err
	}
	return e.StartMonitoring(ctx, clientID, nil)
}

// Status returns the account state projection.
func (e *Engine) Status(ctx context.Context, clientID string) (*state.AccountState, error) {
	return e.store.Load(ctx, clientID)
}

// CanTrade reports whether new orders are allowed for the client. The reason
// is one of the Reason constants when the verdict is false.
func (e *Engine) CanTrade(ctx context.Context, clientID string) (bool, string, error) {
	st, err := e.store.Load(ctx, clientID)
	if errors.Is(err, state.ErrNotFound) {
		return false, ReasonNotMonitored, nil
	}
	if err != nil {
		return false, "", err
	}
	if !st.MonitoringActive {
		return false, ReasonNotMonitored, nil
	}
	switch st.Status {
	case types.StatusPermanentBlocked:
		return false, ReasonMaxRisk, nil
	case types.StatusDailyBlocked:
		return false, ReasonDailyRisk, nil
	default:
		return true, "", nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// internals
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) startSlot(clientID string, epoch int64, adapter venue.Adapter, creds venue.Credentials) {
	slotCtx, cancel := context.WithCancel(e.ctx)
	slot := &clientSlot{
		clientID: clientID,
		epoch:    epoch,
		queue:    newUpdateQueue(e.cfg.Engine.QueueDepth),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if old := e.slots[clientID]; old != nil {
		old.cancel()
		old.queue.Close()
	}
	e.slots[clientID] = slot
	e.mu.Unlock()

	monitor := feed.NewMonitor(clientID, adapter, creds, feed.Config{
		PollInterval:   e.cfg.Feed.PollInterval,
		StaleThreshold: e.cfg.Feed.StaleThreshold,
		StreamEnabled:  e.cfg.Feed.StreamEnabled,
	}, func(u types.BalanceUpdate) { e.enqueue(slot, u) }, e.rootLogger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(slot.done)
		if err := monitor.Run(slotCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("feed terminated", "client_id", clientID, "error", err)
		}
	}()
}

func (e *Engine) enqueue(slot *clientSlot, u types.BalanceUpdate) {
	if slot.halted.Load() {
		return
	}
	if !slot.queue.Push(u) {
		return
	}
	if slot.scheduled.CompareAndSwap(false, true) {
		e.signal(e.workerFor(slot.clientID), slot.clientID)
	}
}

// signal hands a client to its worker without blocking the caller. A full
// worker channel falls back to an async send, so a worker re-arming itself
// can never deadlock on its own queue.
func (e *Engine) signal(w *worker, clientID string) {
	select {
	case w.ch <- clientID:
	default:
		go func() {
			select {
			case w.ch <- clientID:
			case <-e.ctx.Done():
			}
		}()
	}
}

func (e *Engine) workerFor(clientID string) *worker {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return e.workers[h.Sum32()%uint32(len(e.workers))]
}

func (e *Engine) slot(clientID string) *clientSlot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slots[clientID]
}

func (e *Engine) runWorker(w *worker) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case clientID := <-w.ch:
			slot := e.slot(clientID)
			if slot == nil {
				continue
			}
			slot.scheduled.Store(false)
			for {
				u, ok := slot.queue.Pop()
				if !ok {
					break
				}
				e.process(slot, u)
			}
			// Re-arm if a producer slipped in between the final Pop and
			// clearing the scheduled flag.
			if slot.queue.Len() > 0 && slot.scheduled.CompareAndSwap(false, true) {
				e.signal(w, clientID)
			}
		}
	}
}

func (e *Engine) process(slot *clientSlot, u types.BalanceUpdate) {
	if slot.halted.Load() {
		return
	}
	ctx := e.ctx

	var ev risk.Evaluation
	st, err := e.store.Update(ctx, slot.clientID, "balance update", func(s *state.AccountState) error {
		s.CurrentBalance = u.NewBalance
		s.LastEventID = u.EventID
		s.LastUpdateAt = u.Timestamp
		ev = risk.Evaluate(s, e.warningFactor)

		// Block transitions are committed by the executor after positions
		// are closed; only the benign statuses move here.
		if !s.Status.Blocked() && !ev.Violated() {
			if ev.Warning {
				s.Status = types.StatusWarning
			} else {
				s.Status = types.StatusNormal
			}
		}
		return nil
	})
	if errors.Is(err, state.ErrInvariant) {
		slot.halted.Store(true)
		e.logger.Error("invariant violation, halting client",
			"client_id", slot.clientID,
			"error", err,
		)
		e.publish(ctx, types.Notification{
			Kind:     types.EventSystem,
			ClientID: slot.clientID,
			Priority: types.PriorityCritical,
			Payload: map[string]any{
				"error":  err.Error(),
				"halted": true,
			},
		})
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("state update failed", "client_id", slot.clientID, "error", err)
		}
		return
	}

	e.publish(ctx, types.Notification{
		Kind:     types.EventBalanceUpdate,
		ClientID: slot.clientID,
		Priority: types.PriorityLow,
		Payload: map[string]any{
			"eventId":         u.EventID,
			"balance":         u.NewBalance.String(),
			"previousBalance": u.PreviousBalance.String(),
			"source":          string(u.Source),
			"status":          string(st.Status),
		},
	})

	if violation, ok := ev.Violation(); ok {
		if err := e.exec.Execute(ctx, slot.clientID, slot.epoch, violation, ev); err != nil {
			e.logger.Error("enforcement failed",
				"client_id", slot.clientID,
				"violation", violation,
				"error", err,
			)
		}
	}
}

func (e *Engine) publish(ctx context.Context, n types.Notification) {
	if _, err := e.bus.Publish(ctx, n); err != nil && ctx.Err() == nil {
		e.logger.Error("publish failed", "kind", n.Kind, "client_id", n.ClientID, "error", err)
	}
}
