// Package orders is the OrderExecutor: a bounded, persistent SQLite-backed
// task queue that submits broker order operations, retries them with
// backoff behind a per-account circuit breaker, and drains exhausted
// tasks to a dead-letter table instead of losing them.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketstream/internal/database"
	"github.com/aristath/marketstream/internal/domain"
)

// store is the SQLite persistence layer for order_tasks. All state
// transitions happen in SQL statements, and picking the next task is a
// single claimNextDue transaction; the executor's in-memory mutex guards
// only its breaker map and completed-task LRU, never the actual broker call.
type store struct {
	db *database.DB
}

func newStore(db *database.DB) *store {
	return &store{db: db}
}

func (s *store) insert(ctx context.Context, task domain.OrderTask) error {
	paramsJSON, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_tasks
			(id, operation, params, account_id, idempotency_key, status,
			 attempt_count, max_attempts, last_error, result, next_attempt_at,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Operation), string(paramsJSON), task.AccountID, task.IdempotencyKey,
		string(task.Status), task.AttemptCount, task.MaxAttempts, task.LastError, task.Result,
		task.NextAttemptAt.Unix(), task.CreatedAt.Unix(), task.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert order task: %w", err)
	}
	return nil
}

// findByIdempotencyKey returns the most recent task with key created within
// the window [since, now], or sql.ErrNoRows if none exists.
func (s *store) findByIdempotencyKey(ctx context.Context, key string, since time.Time) (domain.OrderTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation, params, account_id, idempotency_key, status,
		       attempt_count, max_attempts, last_error, result, next_attempt_at,
		       created_at, updated_at
		FROM order_tasks
		WHERE idempotency_key = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1`, key, since.Unix())
	return scanTask(row)
}

func (s *store) get(ctx context.Context, id string) (domain.OrderTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation, params, account_id, idempotency_key, status,
		       attempt_count, max_attempts, last_error, result, next_attempt_at,
		       created_at, updated_at
		FROM order_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// claimNextDue atomically selects the oldest pending task due now and
// moves it to running, returning sql.ErrNoRows if nothing is due.
func (s *store) claimNextDue(ctx context.Context, now time.Time) (domain.OrderTask, error) {
	var task domain.OrderTask
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, operation, params, account_id, idempotency_key, status,
			       attempt_count, max_attempts, last_error, result, next_attempt_at,
			       created_at, updated_at
			FROM order_tasks
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC
			LIMIT 1`, now.Unix())

		var err error
		task, err = scanTask(row)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE order_tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
			now.Unix(), task.ID)
		if err != nil {
			return fmt.Errorf("claim order task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		task.Status = domain.OrderStatusRunning
		return nil
	})
	return task, err
}

func (s *store) markCompleted(ctx context.Context, id, result string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE order_tasks SET status = 'completed', result = ?, updated_at = ? WHERE id = ?`,
		result, now.Unix(), id)
	return err
}

func (s *store) markFailedForRetry(ctx context.Context, id string, attemptCount int, lastErr string, nextAttemptAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_tasks
		SET status = 'pending', attempt_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`, attemptCount, lastErr, nextAttemptAt.Unix(), now.Unix(), id)
	return err
}

func (s *store) markDeadLetter(ctx context.Context, id, lastErr string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_tasks SET status = 'dead_letter', last_error = ?, updated_at = ? WHERE id = ?`,
		lastErr, now.Unix(), id)
	return err
}

// requeueWithoutAttempt returns a task claimed as running back to pending
// without incrementing attempt_count, used when the broker circuit is OPEN
// so a rate-limited account never burns through its retry budget.
func (s *store) requeueWithoutAttempt(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE order_tasks SET status = 'pending', updated_at = ? WHERE id = ?`, now.Unix(), id)
	return err
}

func (s *store) insertDeadLetterBlob(ctx context.Context, id string, payload []byte, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO order_tasks_dead_letter (id, payload, created_at) VALUES (?, ?, ?)`,
		id, payload, now.Unix())
	return err
}

func (s *store) getDeadLetterBlob(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM order_tasks_dead_letter WHERE id = ?`, id).Scan(&payload)
	return payload, err
}

func (s *store) deleteCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM order_tasks WHERE id = ? AND status = 'completed'`, id)
	return err
}

// countByStatus returns the number of rows currently in status, used by the
// metrics surface to report queue depth without pulling full task rows.
func (s *store) countByStatus(ctx context.Context, status domain.OrderTaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_tasks WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.OrderTask, error) {
	var task domain.OrderTask
	var operation, status, paramsJSON string
	var nextAttemptAt, createdAt, updatedAt int64

	err := row.Scan(&task.ID, &operation, &paramsJSON, &task.AccountID, &task.IdempotencyKey, &status,
		&task.AttemptCount, &task.MaxAttempts, &task.LastError, &task.Result, &nextAttemptAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderTask{}, sql.ErrNoRows
		}
		return domain.OrderTask{}, fmt.Errorf("scan order task: %w", err)
	}

	task.Operation = domain.OrderOperation(operation)
	task.Status = domain.OrderTaskStatus(status)
	task.NextAttemptAt = time.Unix(nextAttemptAt, 0)
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)

	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &task.Params); err != nil {
			return domain.OrderTask{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}

	return task, nil
}
