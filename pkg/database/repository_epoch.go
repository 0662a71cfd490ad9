package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EpochRepository handles the epoch state machine.
type EpochRepository struct {
	client *Client
}

// NewEpochRepository creates a new epoch repository.
func NewEpochRepository(client *Client) *EpochRepository {
	return &EpochRepository{client: client}
}

// CreateEpoch materializes a new epoch with the given sequential id and
// interval. It is a no-op (returns the existing row) if the epoch already
// exists, since the scheduler's "materialize missing future epochs" step
// may race with itself across restarts.
func (r *EpochRepository) CreateEpoch(ctx context.Context, id int64, start, end time.Time) (*Epoch, error) {
	query := `
		INSERT INTO market_epochs (id, start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.client.ExecContext(ctx, query, id, start, end, EpochPendingStatus); err != nil {
		return nil, fmt.Errorf("failed to create epoch %d: %w", id, err)
	}
	return r.GetEpoch(ctx, id)
}

const epochColumns = `id, start_time, end_time, status, clearing_price, matched_kwh, match_count, created_at, updated_at`

func scanEpoch(row *sql.Row) (*Epoch, error) {
	e := &Epoch{}
	err := row.Scan(&e.ID, &e.StartTime, &e.EndTime, &e.Status, &e.ClearingPrice, &e.MatchedKWh, &e.MatchCount, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEpochNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan epoch: %w", err)
	}
	return e, nil
}

// GetEpoch retrieves an epoch by id.
func (r *EpochRepository) GetEpoch(ctx context.Context, id int64) (*Epoch, error) {
	query := `SELECT ` + epochColumns + ` FROM market_epochs WHERE id = $1`
	return scanEpoch(r.client.QueryRowContext(ctx, query, id))
}

// GetActiveEpoch returns the single epoch currently in status active, if
// any.
func (r *EpochRepository) GetActiveEpoch(ctx context.Context) (*Epoch, error) {
	query := `SELECT ` + epochColumns + ` FROM market_epochs WHERE status = 'active' ORDER BY id DESC LIMIT 1`
	return scanEpoch(r.client.QueryRowContext(ctx, query))
}

// LatestEpochID returns the highest materialized epoch id, or -1 if none
// exist yet.
func (r *EpochRepository) LatestEpochID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.client.QueryRowContext(ctx, `SELECT MAX(id) FROM market_epochs`).Scan(&id)
	if err != nil {
		return -1, fmt.Errorf("failed to get latest epoch id: %w", err)
	}
	if !id.Valid {
		return -1, nil
	}
	return id.Int64, nil
}

// ListByStatus returns every epoch currently in the given status, oldest
// first.
func (r *EpochRepository) ListByStatus(ctx context.Context, status EpochStatus) ([]*Epoch, error) {
	query := `SELECT ` + epochColumns + ` FROM market_epochs WHERE status = $1 ORDER BY id ASC`
	rows, err := r.client.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list epochs by status: %w", err)
	}
	defer rows.Close()

	var epochs []*Epoch
	for rows.Next() {
		e := &Epoch{}
		if err := rows.Scan(&e.ID, &e.StartTime, &e.EndTime, &e.Status, &e.ClearingPrice, &e.MatchedKWh, &e.MatchCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// Activate transitions an epoch from pending to active.
func (r *EpochRepository) Activate(ctx context.Context, id int64) error {
	return r.transition(ctx, id, EpochPendingStatus, EpochActiveStatus)
}

// Expire transitions an epoch from active to expired.
func (r *EpochRepository) Expire(ctx context.Context, id int64) error {
	return r.transition(ctx, id, EpochActiveStatus, EpochExpiredStatus)
}

func (r *EpochRepository) transition(ctx context.Context, id int64, from, to EpochStatus) error {
	query := `UPDATE market_epochs SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`
	res, err := r.client.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition epoch %d from %s to %s: %w", id, from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("epoch %d is not in status %s", id, from)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a transaction-scoped PostgreSQL
// advisory lock keyed on the epoch id, released when tx commits or rolls
// back, serializing the one matcher invocation this epoch is allowed.
// Returns false, nil if another process already holds it.
func (r *EpochRepository) TryAdvisoryLock(ctx context.Context, tx *sql.Tx, epochID int64) (bool, error) {
	var acquired bool
	err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, epochID).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to acquire advisory lock for epoch %d: %w", epochID, err)
	}
	return acquired, nil
}

// RecordClearing sets the clearing result and transitions the epoch to
// cleared, inside the caller's transaction (the same one that persisted the
// matches and settlements).
func (r *EpochRepository) RecordClearing(ctx context.Context, tx *sql.Tx, id int64, clearingPrice *float64, matchedKWh float64, matchCount int) error {
	query := `
		UPDATE market_epochs
		SET status = $2, clearing_price = $3, matched_kwh = $4, match_count = $5, updated_at = now()
		WHERE id = $1 AND status = $6`
	res, err := tx.ExecContext(ctx, query, id, EpochClearedStatus, nullableFloat(clearingPrice), matchedKWh, matchCount, EpochExpiredStatus)
	if err != nil {
		return fmt.Errorf("failed to record clearing for epoch %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("epoch %d is not in status %s", id, EpochExpiredStatus)
	}
	return nil
}

// SetSettled transitions an epoch from cleared to settled, once every
// settlement it produced reaches a terminal status.
func (r *EpochRepository) SetSettled(ctx context.Context, id int64) error {
	return r.transition(ctx, id, EpochClearedStatus, EpochSettledStatus)
}

// AllSettlementsTerminal reports whether every settlement belonging to the
// epoch is confirmed or failed.
func (r *EpochRepository) AllSettlementsTerminal(ctx context.Context, id int64) (bool, error) {
	var pending int
	err := r.client.QueryRowContext(ctx,
		`SELECT count(*) FROM settlements WHERE epoch_id = $1 AND status NOT IN ('confirmed', 'failed')`, id,
	).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("failed to check settlement terminality for epoch %d: %w", id, err)
	}
	return pending == 0, nil
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// BeginTx exposes the underlying *sql.DB's transaction starter.
func (r *EpochRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.client.DB().BeginTx(ctx, nil)
}
