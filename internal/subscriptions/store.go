// Package subscriptions persists subscription intent: which instruments
// should be streamed, at what mode, and which account has been assigned to
// stream them. All filtering happens at the storage layer so callers never
// scan a full table in process.
package subscriptions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/marketstream/internal/database"
	"github.com/aristath/marketstream/internal/domain"
)

// Store wraps a subscriptions.db connection. Writes are serialized per row
// by SQLite's own row-level locking; reads may observe a value that is
// stale by at most one concurrent write.
type Store struct {
	db *database.DB
}

// New wraps db, which must already have had Migrate() applied.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts a new subscription row or updates an existing one's mode
// and assignment, activating it. accountID may be empty if the orchestrator
// has not assigned it yet.
func (s *Store) Upsert(token int64, mode domain.SubscriptionMode, accountID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (instrument_token, requested_mode, status, assigned_account_id, created_at, updated_at)
		VALUES (?, ?, 'active', ?, ?, ?)
		ON CONFLICT(instrument_token) DO UPDATE SET
			requested_mode = excluded.requested_mode,
			status = 'active',
			assigned_account_id = excluded.assigned_account_id,
			updated_at = excluded.updated_at
	`, token, string(mode), accountID, now, now)
	if err != nil {
		return fmt.Errorf("upsert subscription %d: %w", token, err)
	}
	return nil
}

// Deactivate marks a subscription inactive without deleting its row, so
// the requested mode is retained if it is reactivated later.
func (s *Store) Deactivate(token int64) error {
	res, err := s.db.Exec(`
		UPDATE subscriptions SET status = 'inactive', updated_at = ? WHERE instrument_token = ?
	`, time.Now().UnixMilli(), token)
	if err != nil {
		return fmt.Errorf("deactivate subscription %d: %w", token, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deactivate subscription %d: %w", token, domain.ErrNotFound)
	}
	return nil
}

// AssignAccount records which account owns streaming this token, called by
// the orchestrator after (re)computing an AccountAssignment.
func (s *Store) AssignAccount(token int64, accountID string) error {
	_, err := s.db.Exec(`
		UPDATE subscriptions SET assigned_account_id = ?, updated_at = ? WHERE instrument_token = ?
	`, accountID, time.Now().UnixMilli(), token)
	if err != nil {
		return fmt.Errorf("assign account for subscription %d: %w", token, err)
	}
	return nil
}

func scanSubscription(row interface {
	Scan(dest ...any) error
}) (domain.Subscription, error) {
	var sub domain.Subscription
	var createdMS, updatedMS int64
	err := row.Scan(&sub.InstrumentToken, &sub.RequestedMode, &sub.Status, &sub.AssignedAccountID, &createdMS, &updatedMS)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub.CreatedAt = time.UnixMilli(createdMS)
	sub.UpdatedAt = time.UnixMilli(updatedMS)
	return sub, nil
}

// List returns subscriptions filtered by status (pass "" for all statuses),
// paginated by limit/offset, ordered by instrument_token for stable paging.
func (s *Store) List(status domain.SubscriptionStatus, limit, offset int) ([]domain.Subscription, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`
			SELECT instrument_token, requested_mode, status, assigned_account_id, created_at, updated_at
			FROM subscriptions ORDER BY instrument_token LIMIT ? OFFSET ?
		`, limit, offset)
	} else {
		rows, err = s.db.Query(`
			SELECT instrument_token, requested_mode, status, assigned_account_id, created_at, updated_at
			FROM subscriptions WHERE status = ? ORDER BY instrument_token LIMIT ? OFFSET ?
		`, string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListActive returns every active subscription with no pagination limit,
// the set MultiAccountTickerLoop.start() reconciles against the registry.
func (s *Store) ListActive() ([]domain.Subscription, error) {
	rows, err := s.db.Query(`
		SELECT instrument_token, requested_mode, status, assigned_account_id, created_at, updated_at
		FROM subscriptions WHERE status = 'active' ORDER BY instrument_token
	`)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Get returns a single subscription by token.
func (s *Store) Get(token int64) (domain.Subscription, error) {
	row := s.db.QueryRow(`
		SELECT instrument_token, requested_mode, status, assigned_account_id, created_at, updated_at
		FROM subscriptions WHERE instrument_token = ?
	`, token)
	sub, err := scanSubscription(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("get subscription %d: %w", token, err)
	}
	return sub, nil
}
