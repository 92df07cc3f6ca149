// Package pendingops queues user-initiated provider-side mutations so
// the façade never has to wait on a remote round trip. Enqueue applies
// cancellation and coalescing rules so rapid UI actions (mark read,
// then trash, then restore) converge to the minimal set of provider
// calls; Drain applies the queued set during the next sync cycle.
package pendingops

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// maxAttempts is the number of drain failures tolerated before an
// operation is marked failed and stops retrying.
const maxAttempts = 3

// drainBatchSize is the maximum number of pending rows processed per
// drain call.
const drainBatchSize = 50

// inverses maps each cancelable op to its inverse. permanent_delete has
// no inverse and is absent from this table.
var inverses = map[string]string{
	"mark_read":   "mark_unread",
	"mark_unread": "mark_read",
	"trash":       "restore",
	"restore":     "trash",
}

// ProviderCaller performs the provider-side effect of a drained
// operation. Implementations are expected to wrap a provider.Provider;
// kept as a narrow interface here to avoid an import cycle with the
// provider package's Message Store wiring.
type ProviderCaller interface {
	// Apply performs the provider call for the named op (one of
	// mark_read, mark_unread, trash, restore, permanent_delete)
	// against the message identified by its store ID.
	Apply(ctx context.Context, accountID, messageID, op string) error
}

// Queue manages pending operations against a SQLite-backed store.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Queue over an already-migrated database handle (the
// pending_operations table is created by store.Store's migration).
func New(db *sql.DB, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue applies the cancellation/coalescing contract and inserts a
// new pending row when neither rule fires. Returns true if a new row
// was inserted, false if the enqueue was absorbed by cancellation or
// coalescing.
func (q *Queue) Enqueue(ctx context.Context, accountID, messageID, op string) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Step 1: cancellation against the inverse op.
	if inverse, ok := inverses[op]; ok {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_operations
			WHERE account_id = ? AND message_id = ? AND op = ? AND status = 'pending'
		`, accountID, messageID, inverse)
		if err != nil {
			return false, fmt.Errorf("cancel inverse: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return false, tx.Commit()
		}
	}

	// Step 2: idempotent coalescing against an identical pending op.
	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM pending_operations
		WHERE account_id = ? AND message_id = ? AND op = ? AND status = 'pending'
	`, accountID, messageID, op).Scan(&exists)
	if err == nil {
		return false, tx.Commit() // already pending, nothing to do
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("check coalesce: %w", err)
	}

	// Step 3/4: insert. A distinct pending op on the same message is
	// left in place (FIFO preserved by created_at ordering in Drain).
	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_operations (id, account_id, message_id, op, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, '', ?, ?)
	`, id.String(), accountID, messageID, op, now, now)
	if err != nil {
		return false, fmt.Errorf("insert pending op: %w", err)
	}

	return true, tx.Commit()
}

// row mirrors one pending_operations record for draining.
type row struct {
	id        string
	messageID string
	op        string
	attempts  int
}

// Drain fetches up to 50 pending rows for the account (oldest first)
// and applies each via caller. Successes delete the row; failures
// increment attempts and mark the row failed at maxAttempts. A single
// row's error never aborts the batch. Returns the count of rows
// successfully applied and the count that transitioned to failed.
func (q *Queue) Drain(ctx context.Context, accountID string, caller ProviderCaller) (applied, failed int, err error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, message_id, op, attempts FROM pending_operations
		WHERE account_id = ? AND status = 'pending'
		ORDER BY created_at ASC LIMIT ?
	`, accountID, drainBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("query pending: %w", err)
	}

	var batch []row
	for rows.Next() {
		var r row
		if scanErr := rows.Scan(&r.id, &r.messageID, &r.op, &r.attempts); scanErr != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan pending: %w", scanErr)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, r := range batch {
		callErr := caller.Apply(ctx, accountID, r.messageID, r.op)
		if callErr == nil {
			if _, delErr := q.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, r.id); delErr != nil {
				q.logger.Warn("failed to delete drained op", "id", r.id, "error", delErr)
			}
			applied++
			continue
		}

		attempts := r.attempts + 1
		status := "pending"
		if attempts >= maxAttempts {
			status = "failed"
			failed++
			q.logger.Warn("pending op exhausted retries", "id", r.id, "op", r.op, "account_id", accountID, "error", callErr)
		}
		_, updErr := q.db.ExecContext(ctx, `
			UPDATE pending_operations SET attempts = ?, last_error = ?, status = ?, updated_at = ?
			WHERE id = ?
		`, attempts, callErr.Error(), status, time.Now().UTC().Format(time.RFC3339Nano), r.id)
		if updErr != nil {
			q.logger.Warn("failed to record drain failure", "id", r.id, "error", updErr)
		}
	}

	return applied, failed, nil
}

// FailedOp describes a pending operation that exhausted its retries.
type FailedOp struct {
	ID        string
	MessageID string
	Op        string
	LastError string
}

// HasPending reports whether any pending_operations row still targets
// (accountID, messageID), used by the sync engine's provider-wins
// conflict policy: a provider-observed flag/folder change is only
// adopted when nothing is still in flight for that message.
func (q *Queue) HasPending(ctx context.Context, accountID, messageID string) (bool, error) {
	var exists int
	err := q.db.QueryRowContext(ctx, `
		SELECT 1 FROM pending_operations
		WHERE account_id = ? AND message_id = ? AND status = 'pending' LIMIT 1
	`, accountID, messageID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FailedRows returns pending_operations rows that transitioned to
// status=failed, used to publish pending_failed events after a drain.
func (q *Queue) FailedRows(ctx context.Context, accountID string) ([]FailedOp, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, message_id, op, last_error FROM pending_operations
		WHERE account_id = ? AND status = 'failed'
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedOp
	for rows.Next() {
		var r FailedOp
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Op, &r.LastError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
