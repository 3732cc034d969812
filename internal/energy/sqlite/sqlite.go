package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ventureforge/energy-gateway/internal/energy"
)

// Store implements energy.Store backed by SQLite. Writes are serialized on a
// single connection, which makes the guarded balance update behave the same
// as the PostgreSQL store under concurrent reservations.
type Store struct {
	db     *sql.DB
	policy energy.CostPolicy
}

// New opens (or creates) a SQLite store at the given path.
func New(path string, policy energy.CostPolicy) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create energy directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	if policy == nil {
		policy = energy.StandardCostPolicy{}
	}
	s := &Store{db: db, policy: policy}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	credits INTEGER NOT NULL DEFAULT 0 CHECK(credits >= 0),
	role TEXT NOT NULL DEFAULT 'USER',
	subscription_status TEXT NOT NULL DEFAULT '',
	subscription_tier TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS energy_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	delta INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('SPEND','REFUND','GRANT')),
	status TEXT NOT NULL CHECK(status IN ('RESERVED','SETTLED','REFUNDED')),
	feature TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	request_id TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	related_id TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_energy_tx_request ON energy_transactions(request_id) WHERE request_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_energy_tx_user_created ON energy_transactions(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, acct energy.Account) (*energy.Account, error) {
	if acct.ID == "" {
		return nil, errors.New("account id required")
	}
	if acct.Role == "" {
		acct.Role = energy.RoleUser
	}
	if acct.Credits < 0 {
		acct.Credits = 0
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, credits, role, subscription_status, subscription_tier, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		acct.ID, acct.Credits, string(acct.Role), acct.SubscriptionStatus, acct.SubscriptionTier, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if affected == 0 {
		return nil, energy.ErrAccountExists
	}
	acct.CreatedAt = now
	acct.UpdatedAt = now
	return &acct, nil
}

// GetAccount returns the account for the given user id.
func (s *Store) GetAccount(ctx context.Context, userID string) (*energy.Account, error) {
	return getAccount(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q querier, userID string) (*energy.Account, error) {
	var acct energy.Account
	var role string
	err := q.QueryRowContext(ctx, `
SELECT id, credits, role, subscription_status, subscription_tier, created_at, updated_at
FROM accounts WHERE id = ?`, userID).Scan(
		&acct.ID, &acct.Credits, &role, &acct.SubscriptionStatus, &acct.SubscriptionTier,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, energy.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	acct.Role = energy.Role(role)
	return &acct, nil
}

// Reserve places a hold on the user's balance inside a single transaction:
// idempotency lookup, guarded decrement, and the ledger write commit together.
func (s *Store) Reserve(ctx context.Context, in energy.ReserveInput) (*energy.ReserveResult, error) {
	amount := energy.NormalizeAmount(in.Amount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	if in.RequestID != "" {
		var (
			id           string
			delta        int64
			balanceAfter int64
			status       string
			metaJSON     sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
SELECT id, delta, balance_after, status, metadata FROM energy_transactions WHERE request_id = ?`,
			in.RequestID).Scan(&id, &delta, &balanceAfter, &status, &metaJSON)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if err == nil {
			reserved := delta
			if reserved < 0 {
				reserved = -reserved
			}
			if reserved == 0 && metaJSON.Valid {
				// Bypass reservations store a zero delta; the nominal hold
				// lives in metadata so a replay reports the original figure.
				reserved = reservedFromMetadata([]byte(metaJSON.String))
			}
			return &energy.ReserveResult{
				ReservationID:   id,
				ReservedCredits: reserved,
				BalanceAfter:    balanceAfter,
				Status:          energy.EntryStatus(status),
				Reused:          true,
			}, nil
		}
	}

	acct, err := getAccount(ctx, tx, in.UserID)
	if errors.Is(err, energy.ErrAccountNotFound) {
		return nil, &energy.InsufficientEnergyError{RequiredCredits: amount, CreditsAvailable: 0}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if s.policy.Bypass(acct) {
		meta := energy.MergeMetadata(in.Metadata, map[string]any{
			"reservedCredits": amount,
			"bypass":          "admin",
		})
		id := uuid.NewString()
		if err := insertEntry(ctx, tx, entryRow{
			id: id, userID: in.UserID, delta: 0, balanceAfter: acct.Credits,
			entryType: energy.TypeSpend, status: energy.StatusReserved,
			feature: in.Feature, provider: in.Provider, model: in.Model,
			requestID: in.RequestID, metadata: meta, createdAt: now,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit reserve: %w", err)
		}
		return &energy.ReserveResult{
			ReservationID:   id,
			ReservedCredits: amount,
			BalanceAfter:    acct.Credits,
			Status:          energy.StatusReserved,
		}, nil
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
UPDATE accounts SET credits = credits - ?, updated_at = ?
WHERE id = ? AND credits >= ?
RETURNING credits`, amount, now, in.UserID, amount).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &energy.InsufficientEnergyError{RequiredCredits: amount, CreditsAvailable: acct.Credits}
	}
	if err != nil {
		return nil, fmt.Errorf("decrement balance: %w", err)
	}

	id := uuid.NewString()
	meta := energy.MergeMetadata(in.Metadata, map[string]any{"reservedCredits": amount})
	if err := insertEntry(ctx, tx, entryRow{
		id: id, userID: in.UserID, delta: -amount, balanceAfter: newBalance,
		entryType: energy.TypeSpend, status: energy.StatusReserved,
		feature: in.Feature, provider: in.Provider, model: in.Model,
		requestID: in.RequestID, metadata: meta, createdAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return &energy.ReserveResult{
		ReservationID:   id,
		ReservedCredits: amount,
		BalanceAfter:    newBalance,
		Status:          energy.StatusReserved,
	}, nil
}

// Settle finalizes a reservation at its actual cost, clamped to the reserved
// amount; any unused remainder is refunded through a new linked entry. Calls
// on already settled or refunded reservations return the current balance.
func (s *Store) Settle(ctx context.Context, in energy.SettleInput) (*energy.SettleResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	res, err := getReservation(ctx, tx, in.ReservationID)
	if err != nil {
		return nil, err
	}

	acct, err := getAccount(ctx, tx, res.userID)
	if err != nil {
		return nil, err
	}

	if res.status == energy.StatusRefunded || res.status == energy.StatusSettled {
		return &energy.SettleResult{CreditsRemaining: acct.Credits}, nil
	}

	reserved := res.delta
	if reserved < 0 {
		reserved = -reserved
	}
	finalCost := in.FinalCost
	if finalCost <= 0 {
		finalCost = reserved
	}
	finalCost = energy.NormalizeAmount(finalCost)
	if finalCost > reserved {
		finalCost = reserved
	}
	refund := reserved - finalCost

	settleMeta := map[string]any{"finalCredits": finalCost}
	if refund > 0 {
		settleMeta["refundCredits"] = refund
	}
	meta := energy.MergeMetadata(res.metadata, energy.MergeMetadata(settleMeta, in.Metadata))

	var prompt, completion, total int64
	if in.Usage != nil {
		prompt, completion, total = in.Usage.PromptTokens, in.Usage.CompletionTokens, in.Usage.TotalTokens
	}
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	flip, err := tx.ExecContext(ctx, `
UPDATE energy_transactions
SET status = 'SETTLED',
    provider = CASE WHEN ? != '' THEN ? ELSE provider END,
    model = CASE WHEN ? != '' THEN ? ELSE model END,
    prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
    metadata = ?
WHERE id = ? AND status = 'RESERVED'`,
		in.Provider, in.Provider, in.Model, in.Model,
		prompt, completion, total, metaJSON, res.id,
	)
	if err != nil {
		return nil, fmt.Errorf("settle reservation: %w", err)
	}
	if n, err := flip.RowsAffected(); err != nil {
		return nil, fmt.Errorf("settle reservation: %w", err)
	} else if n == 0 {
		return &energy.SettleResult{CreditsRemaining: acct.Credits}, nil
	}

	if refund <= 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit settle: %w", err)
		}
		return &energy.SettleResult{CreditsRemaining: acct.Credits}, nil
	}

	now := time.Now().UTC()
	var newBalance int64
	if err := tx.QueryRowContext(ctx, `
UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE id = ?
RETURNING credits`, refund, now, res.userID).Scan(&newBalance); err != nil {
		return nil, fmt.Errorf("refund remainder: %w", err)
	}
	if err := insertEntry(ctx, tx, entryRow{
		id: uuid.NewString(), userID: res.userID, delta: refund, balanceAfter: newBalance,
		entryType: energy.TypeRefund, status: energy.StatusSettled,
		feature: res.feature, relatedID: res.id,
		metadata:  map[string]any{"reason": "reserve-adjustment"},
		createdAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settle: %w", err)
	}
	return &energy.SettleResult{CreditsRemaining: newBalance, RefundedCredits: refund}, nil
}

// Refund reverses a reservation in full. A second refund on the same id
// returns (nil, nil) without touching the balance.
func (s *Store) Refund(ctx context.Context, reservationID, reason string) (*energy.RefundResult, error) {
	if reason == "" {
		reason = "provider-failed"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback()

	res, err := getReservation(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.status == energy.StatusRefunded {
		return nil, nil
	}

	refund := res.delta
	if refund < 0 {
		refund = -refund
	}

	// Flip the status before touching the balance; the guard makes a racing
	// duplicate refund a no-op instead of a double credit.
	flip, err := tx.ExecContext(ctx, `
UPDATE energy_transactions SET status = 'REFUNDED' WHERE id = ? AND status != 'REFUNDED'`, res.id)
	if err != nil {
		return nil, fmt.Errorf("mark refunded: %w", err)
	}
	if n, err := flip.RowsAffected(); err != nil {
		return nil, fmt.Errorf("mark refunded: %w", err)
	} else if n == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var newBalance int64
	if err := tx.QueryRowContext(ctx, `
UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE id = ?
RETURNING credits`, refund, now, res.userID).Scan(&newBalance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, energy.ErrAccountNotFound
		}
		return nil, fmt.Errorf("restore balance: %w", err)
	}
	if err := insertEntry(ctx, tx, entryRow{
		id: uuid.NewString(), userID: res.userID, delta: refund, balanceAfter: newBalance,
		entryType: energy.TypeRefund, status: energy.StatusSettled,
		feature: res.feature, relatedID: res.id,
		metadata:  map[string]any{"reason": reason},
		createdAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	return &energy.RefundResult{CreditsRemaining: newBalance}, nil
}

// Grant unconditionally tops up the balance.
func (s *Store) Grant(ctx context.Context, userID string, amount int64, reason string) (*energy.GrantResult, error) {
	amount = energy.NormalizeAmount(amount)
	if reason == "" {
		reason = "grant"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var newBalance int64
	err = tx.QueryRowContext(ctx, `
UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE id = ?
RETURNING credits`, amount, now, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, energy.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	if err := insertEntry(ctx, tx, entryRow{
		id: uuid.NewString(), userID: userID, delta: amount, balanceAfter: newBalance,
		entryType: energy.TypeGrant, status: energy.StatusSettled,
		feature:   "system",
		metadata:  map[string]any{"reason": reason},
		createdAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grant: %w", err)
	}
	return &energy.GrantResult{CreditsRemaining: newBalance}, nil
}

// ListEntries returns the latest ledger entries for a user.
func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]energy.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, delta, balance_after, type, status, feature, provider, model,
       COALESCE(request_id, ''), prompt_tokens, completion_tokens, total_tokens,
       COALESCE(related_id, ''), metadata, created_at
FROM energy_transactions
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []energy.Entry
	for rows.Next() {
		var (
			e                 energy.Entry
			entryType, status string
			metaJSON          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &entryType, &status,
			&e.Feature, &e.Provider, &e.Model, &e.RequestID,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens,
			&e.RelatedID, &metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = energy.EntryType(entryType)
		e.Status = energy.EntryStatus(status)
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type reservationRow struct {
	id       string
	userID   string
	delta    int64
	status   energy.EntryStatus
	feature  string
	metadata map[string]any
}

func getReservation(ctx context.Context, q querier, id string) (*reservationRow, error) {
	var (
		r        reservationRow
		status   string
		metaJSON sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT id, user_id, delta, status, feature, metadata
FROM energy_transactions WHERE id = ?`, id).Scan(
		&r.id, &r.userID, &r.delta, &status, &r.feature, &metaJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, energy.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	r.status = energy.EntryStatus(status)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &r.metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &r, nil
}

type entryRow struct {
	id           string
	userID       string
	delta        int64
	balanceAfter int64
	entryType    energy.EntryType
	status       energy.EntryStatus
	feature      string
	provider     string
	model        string
	requestID    string
	relatedID    string
	metadata     map[string]any
	createdAt    time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, e execer, row entryRow) error {
	metaJSON, err := marshalMetadata(row.metadata)
	if err != nil {
		return err
	}
	var requestID, relatedID any
	if row.requestID != "" {
		requestID = row.requestID
	}
	if row.relatedID != "" {
		relatedID = row.relatedID
	}
	_, err = e.ExecContext(ctx, `
INSERT INTO energy_transactions(id, user_id, delta, balance_after, type, status,
	feature, provider, model, request_id, related_id, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.id, row.userID, row.delta, row.balanceAfter,
		string(row.entryType), string(row.status),
		row.feature, row.provider, row.model, requestID, relatedID, metaJSON, row.createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func reservedFromMetadata(raw []byte) int64 {
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return 0
	}
	if v, ok := meta["reservedCredits"].(float64); ok {
		return int64(v)
	}
	return 0
}

func marshalMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}
