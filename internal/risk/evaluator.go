// Package risk evaluates account losses against configured limits.
//
// Evaluation is pure: it reads a state snapshot and produces a verdict with
// no side effects, so every boundary case is directly testable. Thresholds
// are inclusive (loss equal to the limit triggers). When both limits are
// breached by the same update, MAX_RISK wins.
package risk

import (
	"github.com/shopspring/decimal"

	"riskwatch/internal/state"
	"riskwatch/pkg/types"
)

// DefaultWarningFactor is the fraction of a threshold at which an account
// enters WARNING status.
var DefaultWarningFactor = decimal.NewFromFloat(0.8)

// Evaluation is the verdict for one account snapshot.
type Evaluation struct {
	TotalLoss decimal.Decimal
	DailyLoss decimal.Decimal

	MaxThreshold   decimal.Decimal
	DailyThreshold decimal.Decimal

	// A percentage limit over a zero or negative base resolves to a
	// threshold that can never trigger.
	MaxTriggerable   bool
	DailyTriggerable bool

	MaxViolated   bool
	DailyViolated bool
	Warning       bool
}

// Violated reports whether any limit was breached.
func (e Evaluation) Violated() bool {
	return e.MaxViolated || e.DailyViolated
}

// Violation returns the violation to act on. MAX_RISK takes precedence over
// DAILY_RISK when both are breached.
func (e Evaluation) Violation() (types.ViolationType, bool) {
	switch {
	case e.MaxViolated:
		return types.ViolationMaxRisk, true
	case e.DailyViolated:
		return types.ViolationDailyRisk, true
	default:
		return "", false
	}
}

// Evaluate checks the account's losses against its limits.
//
// The max limit measures loss against the session baseline (InitialBalance);
// the daily limit measures loss since the last daily reset
// (DailyStartBalance). Percentage limits resolve against the same baselines.
func Evaluate(st *state.AccountState, warningFactor decimal.Decimal) Evaluation {
	ev := Evaluation{
		TotalLoss: st.TotalLoss(),
		DailyLoss: st.DailyLoss(),
	}

	ev.MaxThreshold, ev.MaxTriggerable = st.MaxLimit.Threshold(st.InitialBalance)
	ev.DailyThreshold, ev.DailyTriggerable = st.DailyLimit.Threshold(st.DailyStartBalance)

	if ev.MaxTriggerable && ev.TotalLoss.GreaterThanOrEqual(ev.MaxThreshold) {
		ev.MaxViolated = true
	}
	if ev.DailyTriggerable && ev.DailyLoss.GreaterThanOrEqual(ev.DailyThreshold) {
		ev.DailyViolated = true
	}

	if !ev.Violated() {
		ev.Warning = nearThreshold(ev.TotalLoss, ev.MaxThreshold, ev.MaxTriggerable, warningFactor) ||
			nearThreshold(ev.DailyLoss, ev.DailyThreshold, ev.DailyTriggerable, warningFactor)
	}
	return ev
}

// StatusFor maps an evaluation onto the account status it implies for a
// still-unblocked account.
func StatusFor(ev Evaluation) types.AccountStatus {
	switch {
	case ev.MaxViolated:
		return types.StatusPermanentBlocked
	case ev.DailyViolated:
		return types.StatusDailyBlocked
	case ev.Warning:
		return types.StatusWarning
	default:
		return types.StatusNormal
	}
}

func nearThreshold(loss, threshold decimal.Decimal, triggerable bool, factor decimal.Decimal) bool {
	if !triggerable || threshold.LessThanOrEqual(decimal.Zero) {
		return false
	}
	return loss.GreaterThanOrEqual(threshold.Mul(factor))
}
