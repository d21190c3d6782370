// Package state persists per-client account state in SQLite.
//
// Every mutation runs inside a transaction through Store.Update, which
// serializes writers per client, appends an audit row to the event log, and
// rejects mutations that would corrupt the account record.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/pkg/types"
)

// ErrNotFound is returned when no account exists for a client.
var ErrNotFound = errors.New("account not found")

// ErrInvariant marks a mutation that would corrupt the account record.
// Callers halt processing for the client and escalate.
var ErrInvariant = errors.New("account invariant violated")

// AccountState is the authoritative record for one monitored client.
type AccountState struct {
	ClientID string
	Venue    types.Venue
	Status   types.AccountStatus

	CurrentBalance    decimal.Decimal
	InitialBalance    decimal.Decimal // session baseline, set when monitoring starts
	DailyStartBalance decimal.Decimal // reset to CurrentBalance at each daily reset

	DailyLimit types.RiskLimit
	MaxLimit   types.RiskLimit

	SessionEpoch     int64 // bumped on every monitoring (re)start
	MonitoringActive bool

	DailyBlockedAt       time.Time
	DailyBlockReason     string
	PermanentBlockedAt   time.Time
	PermanentBlockReason string

	LastEventID  int64
	LastUpdateAt time.Time
	DailyResetAt time.Time
	UpdatedAt    time.Time
}

// TotalLoss is the loss against the session baseline. Positive means the
// account is down.
func (s *AccountState) TotalLoss() decimal.Decimal {
	return s.InitialBalance.Sub(s.CurrentBalance)
}

// DailyLoss is the loss since the last daily reset.
func (s *AccountState) DailyLoss() decimal.Decimal {
	return s.DailyStartBalance.Sub(s.CurrentBalance)
}

// CheckInvariants verifies structural consistency. A failure means the
// record must not be written back.
func (s *AccountState) CheckInvariants() error {
	if s.ClientID == "" {
		return fmt.Errorf("%w: empty client id", ErrInvariant)
	}
	if s.SessionEpoch < 0 {
		return fmt.Errorf("%w: negative session epoch %d", ErrInvariant, s.SessionEpoch)
	}
	if s.CurrentBalance.IsNegative() {
		return fmt.Errorf("%w: negative balance %s", ErrInvariant, s.CurrentBalance)
	}
	switch s.Status {
	case types.StatusNormal, types.StatusWarning, types.StatusDailyBlocked,
		types.StatusPermanentBlocked, types.StatusMonitoringError:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, s.Status)
	}
	if err := s.DailyLimit.Validate(); err != nil {
		return fmt.Errorf("%w: daily limit: %v", ErrInvariant, err)
	}
	if err := s.MaxLimit.Validate(); err != nil {
		return fmt.Errorf("%w: max limit: %v", ErrInvariant, err)
	}
	return nil
}
