// Package feed observes account balances and normalizes them into
// BalanceUpdate events.
//
// One Monitor serves one monitoring session. When the venue offers an
// account stream it is preferred, with exponential reconnect backoff
// (1s → 30s cap); while the stream is down or silent past the stale
// threshold, the monitor falls back to polling so enforcement never depends
// on the stream being healthy. Consecutive identical balances are dropped,
// and every event is stamped with its source.
package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// eventSeq numbers BalanceUpdates across all monitors in the process.
var eventSeq atomic.Int64

// Sink receives normalized balance updates. It may block to apply
// backpressure to the feed.
type Sink func(types.BalanceUpdate)

// Monitor produces balance updates for one client session.
type Monitor struct {
	clientID string
	adapter  venue.Adapter
	creds    venue.Credentials

	pollInterval   time.Duration
	staleThreshold time.Duration
	streamEnabled  bool

	sink   Sink
	logger *slog.Logger

	last    decimal.Decimal
	hasLast bool
}

// Config carries the monitor tuning knobs.
type Config struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	StreamEnabled  bool
}

// NewMonitor creates a monitor for one client session.
func NewMonitor(clientID string, adapter venue.Adapter, creds venue.Credentials,
	cfg Config, sink Sink, logger *slog.Logger) *Monitor {
	return &Monitor{
		clientID:       clientID,
		adapter:        adapter,
		creds:          creds,
		pollInterval:   cfg.PollInterval,
		staleThreshold: cfg.StaleThreshold,
		streamEnabled:  cfg.StreamEnabled,
		sink:           sink,
		logger: logger.With(
			"component", "feed",
			"client_id", clientID,
		),
	}
}

// Run observes balances until ctx is cancelled. An initial poll seeds the
// session baseline before any stream is attempted.
func (m *Monitor) Run(ctx context.Context) error {
	m.pollOnce(ctx)

	streamer, ok := m.adapter.(venue.Streamer)
	if m.streamEnabled && ok {
		return m.runStreaming(ctx, streamer)
	}
	return m.runPolling(ctx)
}

// runPolling fetches the balance on a fixed interval.
func (m *Monitor) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// runStreaming consumes the account stream, polling whenever the stream is
// down or silent for longer than the stale threshold.
func (m *Monitor) runStreaming(ctx context.Context, streamer venue.Streamer) error {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stream, err := streamer.OpenStream(ctx, m.creds)
		if err != nil {
			m.logger.Warn("stream connect failed, polling until retry",
				"backoff", backoff,
				"error", err,
			)
			m.pollOnce(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		err = m.consumeStream(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("stream disconnected, reconnecting", "error", err)
	}
}

func (m *Monitor) consumeStream(ctx context.Context, stream *venue.Stream) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- stream.Run(streamCtx) }()

	stale := time.NewTimer(m.staleThreshold)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			<-errCh
			return ctx.Err()

		case err := <-errCh:
			return err

		case evt, ok := <-stream.Balances():
			if !ok {
				return <-errCh
			}
			m.emit(evt.Balance, types.SourceStream, evt.Timestamp)
			if !stale.Stop() {
				select {
				case <-stale.C:
				default:
				}
			}
			stale.Reset(m.staleThreshold)

		case <-stale.C:
			// Stream is up but silent; cross-check via REST.
			m.logger.Warn("stream silent past stale threshold, polling")
			m.pollOnce(ctx)
			stale.Reset(m.staleThreshold)
		}
	}
}

// pollOnce fetches the balance once over REST and emits it.
func (m *Monitor) pollOnce(ctx context.Context) {
	bal, err := m.adapter.GetBalance(ctx, m.creds)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("balance poll failed", "error", err)
		}
		return
	}
	m.emit(bal, types.SourcePoll, time.Now().UTC())
}

// emit forwards a balance observation, dropping consecutive duplicates.
func (m *Monitor) emit(balance decimal.Decimal, source types.UpdateSource, ts time.Time) {
	if m.hasLast && balance.Equal(m.last) {
		return
	}

	update := types.BalanceUpdate{
		EventID:         eventSeq.Add(1),
		ClientID:        m.clientID,
		Venue:           m.adapter.Venue(),
		NewBalance:      balance,
		PreviousBalance: m.last,
		Source:          source,
		Timestamp:       ts,
	}
	m.last = balance
	m.hasLast = true

	m.sink(update)
}
