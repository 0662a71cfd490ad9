package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReadingRepository handles meter reading ingestion.
type ReadingRepository struct {
	client *Client
}

// NewReadingRepository creates a new reading repository.
func NewReadingRepository(client *Client) *ReadingRepository {
	return &ReadingRepository{client: client}
}

// InsertReading inserts a reading inside tx, the same transaction that
// increments the meter's counters, so a crash between the two never leaves
// one without the other. Returns ErrReadingDuplicate on the (meter,
// timestamp) unique index violation.
func (r *ReadingRepository) InsertReading(ctx context.Context, tx *sql.Tx, meterID uuid.UUID, ts time.Time, kwh float64, readingType ReadingType, sig []byte, impersonatedBy string) (*MeterReading, error) {
	reading := &MeterReading{
		ID:        uuid.New(),
		MeterID:   meterID,
		Timestamp: ts,
		KWh:       kwh,
		Type:      readingType,
		Signature: sig,
		CreatedAt: time.Now(),
	}
	if impersonatedBy != "" {
		reading.ImpersonatedBy = sql.NullString{String: impersonatedBy, Valid: true}
	}

	query := `
		INSERT INTO meter_readings (
			id, meter_id, reading_timestamp, kwh, reading_type, signature,
			impersonated_by, minted, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)`

	_, err := tx.ExecContext(ctx, query,
		reading.ID, reading.MeterID, reading.Timestamp, reading.KWh, reading.Type,
		reading.Signature, reading.ImpersonatedBy, reading.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrReadingDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}
	return reading, nil
}

const readingColumns = `id, meter_id, reading_timestamp, kwh, reading_type, signature,
	impersonated_by, minted, mint_signature, operation_id, created_at`

func scanReadingRow(row *sql.Row) (*MeterReading, error) {
	reading := &MeterReading{}
	err := row.Scan(
		&reading.ID, &reading.MeterID, &reading.Timestamp, &reading.KWh, &reading.Type,
		&reading.Signature, &reading.ImpersonatedBy, &reading.Minted, &reading.MintSignature,
		&reading.OperationID, &reading.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrReadingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}
	return reading, nil
}

// GetReading retrieves a reading by id.
func (r *ReadingRepository) GetReading(ctx context.Context, id uuid.UUID) (*MeterReading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE id = $1`
	return scanReadingRow(r.client.QueryRowContext(ctx, query, id))
}

// SetOperationID links a reading to the coordinator operation enqueued to
// mint it, so the mint worker's confirmation hook (which only receives the
// generic BlockchainOperation) can find its way back to the reading.
func (r *ReadingRepository) SetOperationID(ctx context.Context, id, operationID uuid.UUID) error {
	query := `UPDATE meter_readings SET operation_id = $2 WHERE id = $1`
	if _, err := r.client.ExecContext(ctx, query, id, operationID); err != nil {
		return fmt.Errorf("failed to set reading operation id: %w", err)
	}
	return nil
}

// ListByOperationID retrieves every reading enqueued against the given
// coordinator operation, inside tx, for use from the mint confirmation
// hook. More than one reading can share an operation id when two readings
// for the same meter raced the same (meter, settled_net_generation_before)
// fingerprint and the coordinator folded them into a single submission.
func (r *ReadingRepository) ListByOperationID(ctx context.Context, tx *sql.Tx, operationID uuid.UUID) ([]*MeterReading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE operation_id = $1`
	rows, err := tx.QueryContext(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings for operation %s: %w", operationID, err)
	}
	defer rows.Close()

	var out []*MeterReading
	for rows.Next() {
		reading := &MeterReading{}
		if err := rows.Scan(
			&reading.ID, &reading.MeterID, &reading.Timestamp, &reading.KWh, &reading.Type,
			&reading.Signature, &reading.ImpersonatedBy, &reading.Minted, &reading.MintSignature,
			&reading.OperationID, &reading.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrReadingNotFound
	}
	return out, nil
}

// MarkMinted records the mint outcome for a reading. signature may be the
// literal "none" when the reading produced no new tokens (unsettled <= 0).
func (r *ReadingRepository) MarkMinted(ctx context.Context, tx *sql.Tx, id uuid.UUID, signature string) error {
	query := `UPDATE meter_readings SET minted = true, mint_signature = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, signature); err != nil {
		return fmt.Errorf("failed to mark reading minted: %w", err)
	}
	return nil
}

// ListUnminted returns readings not yet processed by the mint pipeline,
// oldest first.
func (r *ReadingRepository) ListUnminted(ctx context.Context, limit int) ([]*MeterReading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE minted = false AND operation_id IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unminted readings: %w", err)
	}
	defer rows.Close()

	var readings []*MeterReading
	for rows.Next() {
		reading := &MeterReading{}
		if err := rows.Scan(
			&reading.ID, &reading.MeterID, &reading.Timestamp, &reading.KWh, &reading.Type,
			&reading.Signature, &reading.ImpersonatedBy, &reading.Minted, &reading.MintSignature,
			&reading.OperationID, &reading.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// BeginTx exposes the underlying *sql.DB's transaction starter.
func (r *ReadingRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.client.DB().BeginTx(ctx, nil)
}
