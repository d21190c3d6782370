package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"riskwatch/pkg/types"
)

const lockStripes = 64

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	client_id           TEXT PRIMARY KEY,
	venue               TEXT NOT NULL,
	status              TEXT NOT NULL,
	current_balance     TEXT NOT NULL,
	initial_balance     TEXT NOT NULL,
	daily_start_balance TEXT NOT NULL,
	daily_limit         TEXT NOT NULL,
	max_limit           TEXT NOT NULL,
	session_epoch       INTEGER NOT NULL DEFAULT 0,
	monitoring_active   INTEGER NOT NULL DEFAULT 0,
	daily_blocked_at    INTEGER NOT NULL DEFAULT 0,
	daily_block_reason  TEXT NOT NULL DEFAULT '',
	perm_blocked_at     INTEGER NOT NULL DEFAULT 0,
	perm_block_reason   TEXT NOT NULL DEFAULT '',
	last_event_id       INTEGER NOT NULL DEFAULT 0,
	last_update_at      INTEGER NOT NULL DEFAULT 0,
	daily_reset_at      INTEGER NOT NULL DEFAULT 0,
	updated_at          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS event_log (
	event_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id     TEXT NOT NULL,
	reason        TEXT NOT NULL,
	status_before TEXT NOT NULL,
	status_after  TEXT NOT NULL,
	balance       TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_log_client ON event_log(client_id, event_id);
`

// Store is the SQLite-backed account state store. Writers for the same client
// are serialized through striped mutexes; the database itself provides
// durability and the audit trail.
type Store struct {
	db     *sql.DB
	locks  [lockStripes]sync.Mutex
	logger *slog.Logger
}

// Open opens (creating if needed) the store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "state_store")}, nil
}

// DB exposes the underlying handle so other components can share the same
// database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(clientID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Register inserts a fresh account record. Fails if the client already exists.
func (s *Store) Register(ctx context.Context, st *AccountState) error {
	if err := st.CheckInvariants(); err != nil {
		return err
	}

	mu := s.lockFor(st.ClientID)
	mu.Lock()
	defer mu.Unlock()

	dailyJSON, maxJSON, err := marshalLimits(st)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (client_id, venue, status, current_balance, initial_balance,
			daily_start_balance, daily_limit, max_limit, session_epoch, monitoring_active,
			daily_blocked_at, daily_block_reason, perm_blocked_at, perm_block_reason,
			last_event_id, last_update_at, daily_reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ClientID, string(st.Venue), string(st.Status),
		st.CurrentBalance.String(), st.InitialBalance.String(), st.DailyStartBalance.String(),
		dailyJSON, maxJSON, st.SessionEpoch, boolToInt(st.MonitoringActive),
		timeToMilli(st.DailyBlockedAt), st.DailyBlockReason,
		timeToMilli(st.PermanentBlockedAt), st.PermanentBlockReason,
		st.LastEventID, st.LastUpdateAt.UnixMilli(), st.DailyResetAt.UnixMilli(),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("register account %s: %w", st.ClientID, err)
	}

	if err := s.appendEvent(ctx, s.db, st, st.Status, "registered"); err != nil {
		return err
	}
	return nil
}

// Load fetches one account. Returns ErrNotFound if the client is unknown.
func (s *Store) Load(ctx context.Context, clientID string) (*AccountState, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM accounts WHERE client_id = ?", clientID)
	st, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", clientID, err)
	}
	return st, nil
}

// Update applies mutate to the current record inside a transaction and
// appends an audit row. The mutated record is validated before commit; an
// invariant failure rolls everything back.
func (s *Store) Update(ctx context.Context, clientID, reason string, mutate func(*AccountState) error) (*AccountState, error) {
	mu := s.lockFor(clientID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectColumns+" FROM accounts WHERE client_id = ?", clientID)
	st, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load for update %s: %w", clientID, err)
	}

	before := st.Status
	if err := mutate(st); err != nil {
		return nil, err
	}
	if err := st.CheckInvariants(); err != nil {
		return nil, err
	}

	dailyJSON, maxJSON, err := marshalLimits(st)
	if err != nil {
		return nil, err
	}

	st.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET venue = ?, status = ?, current_balance = ?, initial_balance = ?,
			daily_start_balance = ?, daily_limit = ?, max_limit = ?, session_epoch = ?,
			monitoring_active = ?, daily_blocked_at = ?, daily_block_reason = ?,
			perm_blocked_at = ?, perm_block_reason = ?, last_event_id = ?, last_update_at = ?,
			daily_reset_at = ?, updated_at = ?
		WHERE client_id = ?`,
		string(st.Venue), string(st.Status),
		st.CurrentBalance.String(), st.InitialBalance.String(), st.DailyStartBalance.String(),
		dailyJSON, maxJSON, st.SessionEpoch, boolToInt(st.MonitoringActive),
		timeToMilli(st.DailyBlockedAt), st.DailyBlockReason,
		timeToMilli(st.PermanentBlockedAt), st.PermanentBlockReason,
		st.LastEventID, st.LastUpdateAt.UnixMilli(), st.DailyResetAt.UnixMilli(),
		st.UpdatedAt.UnixMilli(), clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("update account %s: %w", clientID, err)
	}

	if err := s.appendEvent(ctx, tx, st, before, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", clientID, err)
	}
	return st, nil
}

// QueryActive lists all accounts with monitoring enabled.
func (s *Store) QueryActive(ctx context.Context) ([]*AccountState, error) {
	return s.query(ctx, selectColumns+" FROM accounts WHERE monitoring_active = 1")
}

// QueryNeedingDailyReset lists active accounts whose last daily reset is
// before cutoff. PERMANENT_BLOCKED accounts are excluded; a daily reset
// never clears a permanent block.
func (s *Store) QueryNeedingDailyReset(ctx context.Context, cutoff time.Time) ([]*AccountState, error) {
	return s.query(ctx,
		selectColumns+` FROM accounts
		WHERE monitoring_active = 1 AND status != ? AND daily_reset_at < ?`,
		string(types.StatusPermanentBlocked), cutoff.UnixMilli())
}

// QueryStale lists active accounts with no balance update since cutoff.
func (s *Store) QueryStale(ctx context.Context, cutoff time.Time) ([]*AccountState, error) {
	return s.query(ctx,
		selectColumns+` FROM accounts
		WHERE monitoring_active = 1 AND last_update_at < ?`,
		cutoff.UnixMilli())
}

// EventCount returns the number of audit rows for a client.
func (s *Store) EventCount(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM event_log WHERE client_id = ?", clientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// internals
// ————————————————————————————————————————————————————————————————————————

const selectColumns = `SELECT client_id, venue, status, current_balance, initial_balance,
	daily_start_balance, daily_limit, max_limit, session_epoch, monitoring_active,
	daily_blocked_at, daily_block_reason, perm_blocked_at, perm_block_reason,
	last_event_id, last_update_at, daily_reset_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*AccountState, error) {
	var (
		st                             AccountState
		venue, status                  string
		current, initial, daily        string
		dailyLimitJSON, maxLimitJSON   string
		active                         int
		dailyBlockedAt, permBlockedAt  int64
		lastUpdate, resetAt, updatedAt int64
	)
	err := row.Scan(&st.ClientID, &venue, &status, &current, &initial, &daily,
		&dailyLimitJSON, &maxLimitJSON, &st.SessionEpoch, &active,
		&dailyBlockedAt, &st.DailyBlockReason, &permBlockedAt, &st.PermanentBlockReason,
		&st.LastEventID, &lastUpdate, &resetAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	st.Venue = types.Venue(venue)
	st.Status = types.AccountStatus(status)
	st.MonitoringActive = active != 0
	st.DailyBlockedAt = timeFromMilli(dailyBlockedAt)
	st.PermanentBlockedAt = timeFromMilli(permBlockedAt)
	st.LastUpdateAt = time.UnixMilli(lastUpdate).UTC()
	st.DailyResetAt = time.UnixMilli(resetAt).UTC()
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if st.CurrentBalance, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("parse current_balance: %w", err)
	}
	if st.InitialBalance, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("parse initial_balance: %w", err)
	}
	if st.DailyStartBalance, err = decimal.NewFromString(daily); err != nil {
		return nil, fmt.Errorf("parse daily_start_balance: %w", err)
	}
	if err := json.Unmarshal([]byte(dailyLimitJSON), &st.DailyLimit); err != nil {
		return nil, fmt.Errorf("parse daily_limit: %w", err)
	}
	if err := json.Unmarshal([]byte(maxLimitJSON), &st.MaxLimit); err != nil {
		return nil, fmt.Errorf("parse max_limit: %w", err)
	}
	return &st, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*AccountState, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []*AccountState
	for rows.Next() {
		st, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) appendEvent(ctx context.Context, db execer, st *AccountState, before types.AccountStatus, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_log (client_id, reason, status_before, status_after, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.ClientID, reason, string(before), string(st.Status),
		st.CurrentBalance.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func marshalLimits(st *AccountState) (daily, max string, err error) {
	d, err := json.Marshal(st.DailyLimit)
	if err != nil {
		return "", "", fmt.Errorf("marshal daily limit: %w", err)
	}
	m, err := json.Marshal(st.MaxLimit)
	if err != nil {
		return "", "", fmt.Errorf("marshal max limit: %w", err)
	}
	return string(d), string(m), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Block timestamps are unset for most accounts; zero in the column means
// "never", not the unix epoch.
func timeToMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
