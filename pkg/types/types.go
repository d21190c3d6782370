// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the risk engine — venues, account
// statuses, risk limits, balance events, and notification payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies an external exchange.
type Venue string

const (
	VenueFutures Venue = "FUTURES"
	VenueSpot    Venue = "SPOT"
)

// ParseVenue converts a venue tag (case-insensitive) to a Venue.
func ParseVenue(s string) (Venue, error) {
	switch strings.ToUpper(s) {
	case "FUTURES":
		return VenueFutures, nil
	case "SPOT":
		return VenueSpot, nil
	default:
		return "", fmt.Errorf("unknown venue %q", s)
	}
}

// AccountStatus is the monitoring state of a client account.
type AccountStatus string

const (
	StatusNormal           AccountStatus = "NORMAL"
	StatusWarning          AccountStatus = "WARNING"
	StatusDailyBlocked     AccountStatus = "DAILY_BLOCKED"
	StatusPermanentBlocked AccountStatus = "PERMANENT_BLOCKED"
	StatusMonitoringError  AccountStatus = "MONITORING_ERROR"
)

// Blocked reports whether the status forbids new orders.
func (s AccountStatus) Blocked() bool {
	return s == StatusDailyBlocked || s == StatusPermanentBlocked
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the closing side for a position held on this side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// UpdateSource records where a balance observation came from.
type UpdateSource string

const (
	SourceStream UpdateSource = "STREAM"
	SourcePoll   UpdateSource = "POLL"
	SourceManual UpdateSource = "MANUAL"
)

// ViolationType distinguishes the two loss limits. MAX_RISK is the more
// severe of the two and wins when both are breached at once.
type ViolationType string

const (
	ViolationDailyRisk ViolationType = "DAILY_RISK"
	ViolationMaxRisk   ViolationType = "MAX_RISK"
)

// ————————————————————————————————————————————————————————————————————————
// Risk limits
// ————————————————————————————————————————————————————————————————————————

// RiskLimitType tags the two RiskLimit variants.
type RiskLimitType string

const (
	LimitPercentage RiskLimitType = "percentage"
	LimitAbsolute   RiskLimitType = "absolute"
)

// RiskLimit is an upper bound on loss, expressed either as a percentage of a
// base balance or as an absolute amount. Limits are immutable for the
// duration of a monitoring session; edits restart the session.
//
// Wire format: {"type":"percentage"|"absolute","value":<number>}.
type RiskLimit struct {
	Type  RiskLimitType
	Value decimal.Decimal
}

// Percentage builds a percentage-of-base limit. p must be in (0, 100].
func Percentage(p decimal.Decimal) RiskLimit {
	return RiskLimit{Type: LimitPercentage, Value: p}
}

// Absolute builds an absolute-amount limit. a must be > 0.
func Absolute(a decimal.Decimal) RiskLimit {
	return RiskLimit{Type: LimitAbsolute, Value: a}
}

// Validate checks the value range for the limit's variant.
func (l RiskLimit) Validate() error {
	switch l.Type {
	case LimitPercentage:
		if l.Value.LessThanOrEqual(decimal.Zero) || l.Value.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("percentage limit must be in (0, 100], got %s", l.Value)
		}
	case LimitAbsolute:
		if l.Value.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("absolute limit must be > 0, got %s", l.Value)
		}
	default:
		return fmt.Errorf("unknown risk limit type %q", l.Type)
	}
	return nil
}

// Threshold resolves the limit against a base balance. The second return
// value reports whether the threshold can trigger at all: a percentage of a
// zero or negative base cannot, so evaluation skips it rather than erroring.
func (l RiskLimit) Threshold(base decimal.Decimal) (decimal.Decimal, bool) {
	switch l.Type {
	case LimitPercentage:
		if base.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, false
		}
		return base.Mul(l.Value).Div(decimal.NewFromInt(100)), true
	case LimitAbsolute:
		return l.Value, true
	default:
		return decimal.Zero, false
	}
}

type riskLimitJSON struct {
	Type  RiskLimitType   `json:"type"`
	Value decimal.Decimal `json:"value"`
}

func (l RiskLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(riskLimitJSON{Type: l.Type, Value: l.Value})
}

func (l *RiskLimit) UnmarshalJSON(data []byte) error {
	var raw riskLimitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := RiskLimit{Type: raw.Type, Value: raw.Value}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Venue data
// ————————————————————————————————————————————————————————————————————————

// Position is an open position reported by a venue. Spot venues have no
// positions; their adapters always report an empty list.
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Notional returns the mark value of the position.
func (p Position) Notional() decimal.Decimal {
	return p.Qty.Mul(p.MarkPrice)
}

// OrderSpec is the order request handed to a venue adapter.
type OrderSpec struct {
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Qty        decimal.Decimal  `json:"qty"`
	Type       OrderType        `json:"type"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	ReduceOnly bool             `json:"reduceOnly"`
}

// ActionOutcome is the aggregate result of closing one client's positions
// during a violation workflow. A partial failure (FailedPositionIDs
// non-empty) never prevents the account block from being committed.
type ActionOutcome struct {
	ClientID          string          `json:"clientId"`
	Venue             Venue           `json:"venue"`
	ClosedPositionIDs []string        `json:"closedPositionIds"`
	FailedPositionIDs []string        `json:"failedPositionIds"`
	CancelledOrderIDs []string        `json:"cancelledOrderIds"`
	TotalClosedValue  decimal.Decimal `json:"totalClosedValue"`
	Timestamp         time.Time       `json:"timestamp"`
}

// ClosedCount returns the number of positions successfully closed.
func (o ActionOutcome) ClosedCount() int { return len(o.ClosedPositionIDs) }

// FailedCount returns the number of positions that could not be closed.
func (o ActionOutcome) FailedCount() int { return len(o.FailedPositionIDs) }

// ————————————————————————————————————————————————————————————————————————
// Balance events
// ————————————————————————————————————————————————————————————————————————

// BalanceUpdate is the normalized balance event produced by the feed layer.
// Updates for a given client are delivered in production order; no ordering
// is promised across clients.
type BalanceUpdate struct {
	EventID         int64           `json:"eventId"`
	ClientID        string          `json:"clientId"`
	Venue           Venue           `json:"venue"`
	NewBalance      decimal.Decimal `json:"newBalance"`
	PreviousBalance decimal.Decimal `json:"previousBalance"`
	Source          UpdateSource    `json:"source"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Notifications
// ————————————————————————————————————————————————————————————————————————

// EventKind enumerates the notification event types on the bus.
type EventKind string

const (
	EventMaxRiskTriggered   EventKind = "MAX_RISK_TRIGGERED"
	EventDailyRiskTriggered EventKind = "DAILY_RISK_TRIGGERED"
	EventBalanceUpdate      EventKind = "BALANCE_UPDATE"
	EventMonitoringError    EventKind = "MONITORING_ERROR"
	EventPositionClosed     EventKind = "POSITION_CLOSED"
	EventAccountBlocked     EventKind = "ACCOUNT_BLOCKED"
	EventDailyReset         EventKind = "DAILY_RESET"
	EventSystem             EventKind = "SYSTEM_EVENT"
)

// Priority orders notification urgency.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Notification is the single event schema published on the bus.
//
// EventID is assigned monotonically by the bus at publish time. MessageID is
// a stable identifier assigned at construction, so subscribers can recognize
// redeliveries of the same message (delivery is at-least-once).
type Notification struct {
	EventID   int64          `json:"eventId"`
	MessageID string         `json:"messageId"`
	Kind      EventKind      `json:"eventType"`
	ClientID  string         `json:"clientId"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}
