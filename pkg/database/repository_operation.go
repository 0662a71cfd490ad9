package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationRepository is the authoritative operation store: the single
// source of truth for the lifecycle of every blockchain-bound action. Its
// unique index on (operation_type, fingerprint) is the idempotency gate the
// whole coordinator depends on.
type OperationRepository struct {
	client *Client
}

// NewOperationRepository creates a new operation repository.
func NewOperationRepository(client *Client) *OperationRepository {
	return &OperationRepository{client: client}
}

const operationColumns = `id, operation_type, fingerprint, signature, status, attempts,
	last_error, submitted_at, confirmed_at, expires_at, last_attempt_at, created_at`

func scanOperation(row *sql.Row) (*BlockchainOperation, error) {
	op := &BlockchainOperation{}
	err := row.Scan(&op.ID, &op.OperationType, &op.Fingerprint, &op.Signature, &op.Status,
		&op.Attempts, &op.LastError, &op.SubmittedAt, &op.ConfirmedAt, &op.ExpiresAt, &op.LastAttemptAt, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	return op, nil
}

// Create inserts a new pending operation for (opType, fingerprint). If an
// operation with the same (operation_type, fingerprint) already exists, in
// any status, it returns that existing operation and ErrOperationDuplicate
// — the caller treats this as success with the existing id, per the
// coordinator's idempotent-submit contract. The unique index covers every
// status, so a confirmed or failed row is returned the same way; no new
// row is created beside it.
func (r *OperationRepository) Create(ctx context.Context, opType OperationType, fingerprint []byte, expiresIn time.Duration) (*BlockchainOperation, error) {
	op := &BlockchainOperation{
		ID:            uuid.New(),
		OperationType: opType,
		Fingerprint:   fingerprint,
		Status:        OpPending,
		CreatedAt:     time.Now(),
	}

	query := `
		INSERT INTO blockchain_operations (id, operation_type, fingerprint, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.client.ExecContext(ctx, query, op.ID, op.OperationType, op.Fingerprint, op.Status, op.CreatedAt)
	if isUniqueViolation(err) {
		existing, getErr := r.GetByFingerprint(ctx, opType, fingerprint)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Status == OpConfirmed || existing.Status == OpFailed {
			// A terminal row with this fingerprint already exists; a fresh
			// attempt with the same fingerprint can never coexist with it
			// under the unique index, so the terminal row is surfaced the
			// same way as a live one.
			return existing, ErrOperationDuplicate
		}
		return existing, ErrOperationDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	return op, nil
}

// GetByFingerprint retrieves an operation by its (operation_type,
// fingerprint) key.
func (r *OperationRepository) GetByFingerprint(ctx context.Context, opType OperationType, fingerprint []byte) (*BlockchainOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM blockchain_operations WHERE operation_type = $1 AND fingerprint = $2`
	return scanOperation(r.client.QueryRowContext(ctx, query, opType, fingerprint))
}

// Get retrieves an operation by id.
func (r *OperationRepository) Get(ctx context.Context, id uuid.UUID) (*BlockchainOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM blockchain_operations WHERE id = $1`
	return scanOperation(r.client.QueryRowContext(ctx, query, id))
}

// MarkSubmitted atomically transitions pending -> submitted and records the
// signature and expiry. Signature is unique across the table.
func (r *OperationRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, signature string, expiresAt time.Time) error {
	query := `
		UPDATE blockchain_operations
		SET status = 'submitted', signature = $2, submitted_at = now(), expires_at = $3, last_attempt_at = now()
		WHERE id = $1 AND status = 'pending'`
	res, err := r.client.ExecContext(ctx, query, id, signature, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to mark operation submitted: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("operation %s is not pending", id)
	}
	return nil
}

// MarkConfirmed transitions submitted -> confirmed; a no-op if already
// confirmed with the same signature, so the monitor's re-reconciliation by
// signature is always safe to call twice.
func (r *OperationRepository) MarkConfirmed(ctx context.Context, tx *sql.Tx, id uuid.UUID, signature string) error {
	query := `
		UPDATE blockchain_operations
		SET status = 'confirmed', confirmed_at = now()
		WHERE id = $1 AND signature = $2 AND status != 'confirmed'`
	if _, err := tx.ExecContext(ctx, query, id, signature); err != nil {
		return fmt.Errorf("failed to mark operation confirmed: %w", err)
	}
	return nil
}

// RecordFailure increments attempts and transitions the operation to failed
// if retryable is false or attempts has reached maxAttempts; otherwise
// returns it to pending so it can be retried with a fresh blockhash.
func (r *OperationRepository) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, maxAttempts int) error {
	op, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	attempts := op.Attempts + 1
	status := OpPending
	if !retryable || attempts >= maxAttempts {
		status = OpFailed
	}

	query := `
		UPDATE blockchain_operations
		SET attempts = $2, last_error = $3, status = $4, last_attempt_at = now()
		WHERE id = $1`
	if _, err := r.client.ExecContext(ctx, query, id, attempts, errMsg, status); err != nil {
		return fmt.Errorf("failed to record operation failure: %w", err)
	}
	return nil
}

// ExpireDue marks every submitted operation whose expires_at has passed as
// expired and returns their ids, so the coordinator can make them eligible
// for retry with a fresh blockhash.
func (r *OperationRepository) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE blockchain_operations
		SET status = 'expired'
		WHERE status = 'submitted' AND expires_at < $1
		RETURNING id`
	rows, err := r.client.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire due operations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired operation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPendingSubmitted returns the next batch of submitted operations for
// the monitor to poll, oldest first.
func (r *OperationRepository) ListPendingSubmitted(ctx context.Context, limit int) ([]*BlockchainOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM blockchain_operations WHERE status = 'submitted' ORDER BY submitted_at ASC LIMIT $1`
	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending submitted operations: %w", err)
	}
	defer rows.Close()

	var ops []*BlockchainOperation
	for rows.Next() {
		op := &BlockchainOperation{}
		if err := rows.Scan(&op.ID, &op.OperationType, &op.Fingerprint, &op.Signature, &op.Status,
			&op.Attempts, &op.LastError, &op.SubmittedAt, &op.ConfirmedAt, &op.ExpiresAt, &op.LastAttemptAt, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListRetryable returns the next batch of an operation type's pending or
// expired operations, oldest attempt first, for a domain service's own
// retry loop to drive through Retry. Unlike ListPendingSubmitted (which the
// coordinator's own monitor uses for operations already on-chain), these
// operations have no usable signature to reconcile and can only move
// forward through a fresh Build-Sign-Submit cycle the coordinator cannot
// originate itself.
func (r *OperationRepository) ListRetryable(ctx context.Context, opType OperationType, limit int) ([]*BlockchainOperation, error) {
	query := `SELECT ` + operationColumns + `
		FROM blockchain_operations
		WHERE operation_type = $1 AND status IN ('pending', 'expired')
		ORDER BY last_attempt_at ASC NULLS FIRST
		LIMIT $2`
	rows, err := r.client.QueryContext(ctx, query, opType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable %s operations: %w", opType, err)
	}
	defer rows.Close()

	var ops []*BlockchainOperation
	for rows.Next() {
		op := &BlockchainOperation{}
		if err := rows.Scan(&op.ID, &op.OperationType, &op.Fingerprint, &op.Signature, &op.Status,
			&op.Attempts, &op.LastError, &op.SubmittedAt, &op.ConfirmedAt, &op.ExpiresAt, &op.LastAttemptAt, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CountPending returns the number of operations not yet in a terminal
// status, used for the backpressure high-water mark.
func (r *OperationRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.client.QueryRowContext(ctx,
		`SELECT count(*) FROM blockchain_operations WHERE status IN ('pending', 'submitted')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// BeginTx exposes the underlying *sql.DB's transaction starter, for the
// coordinator's confirmation hook which must run within the same
// transaction as the domain-state update it triggers.
func (r *OperationRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.client.DB().BeginTx(ctx, nil)
}
