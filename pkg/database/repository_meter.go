package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MeterRepository handles meter registration and the generation/consumption
// ratchets.
type MeterRepository struct {
	client *Client
}

// NewMeterRepository creates a new meter repository.
func NewMeterRepository(client *Client) *MeterRepository {
	return &MeterRepository{client: client}
}

// RegisterMeter inserts a new meter in pending verification status.
func (r *MeterRepository) RegisterMeter(ctx context.Context, owner uuid.UUID, serial string, kind MeterType, location string, publicKey []byte) (*Meter, error) {
	m := &Meter{
		ID:                 uuid.New(),
		OwnerUserID:        owner,
		Serial:             serial,
		Type:               kind,
		VerificationStatus: MeterPending,
		PublicKey:          publicKey,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if location != "" {
		m.Location = sql.NullString{String: location, Valid: true}
	}

	query := `
		INSERT INTO meter_registry (
			id, owner_user_id, serial, type, location, verification_status,
			public_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.client.ExecContext(ctx, query,
		m.ID, m.OwnerUserID, m.Serial, m.Type, m.Location, m.VerificationStatus,
		m.PublicKey, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register meter: %w", err)
	}
	return m, nil
}

const meterColumns = `id, owner_user_id, serial, type, location, verification_status,
	public_key, total_generation_wh, total_consumption_wh,
	settled_net_generation_wh, claimed_erc_generation_wh, created_at, updated_at`

func scanMeter(row *sql.Row) (*Meter, error) {
	m := &Meter{}
	err := row.Scan(
		&m.ID, &m.OwnerUserID, &m.Serial, &m.Type, &m.Location, &m.VerificationStatus,
		&m.PublicKey, &m.TotalGenerationWh, &m.TotalConsumptionWh,
		&m.SettledNetGenerationWh, &m.ClaimedERCGenerationWh, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMeterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meter: %w", err)
	}
	return m, nil
}

// GetMeter retrieves a meter by id.
func (r *MeterRepository) GetMeter(ctx context.Context, id uuid.UUID) (*Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meter_registry WHERE id = $1`
	return scanMeter(r.client.QueryRowContext(ctx, query, id))
}

// GetMeterBySerial retrieves a meter by its serial number.
func (r *MeterRepository) GetMeterBySerial(ctx context.Context, serial string) (*Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meter_registry WHERE serial = $1`
	return scanMeter(r.client.QueryRowContext(ctx, query, serial))
}

// GetMeterForUpdate retrieves a meter with a row lock, for use inside a
// transaction that is about to mutate its counters or ratchets.
func (r *MeterRepository) GetMeterForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meter_registry WHERE id = $1 FOR UPDATE`
	return scanMeter(tx.QueryRowContext(ctx, query, id))
}

// IncrementCounters bumps total_generation_wh or total_consumption_wh for a
// reading, inside the caller's transaction.
func (r *MeterRepository) IncrementCounters(ctx context.Context, tx *sql.Tx, id uuid.UUID, readingType ReadingType, wh int64) error {
	var column string
	switch readingType {
	case ReadingProduction:
		column = "total_generation_wh"
	case ReadingConsumption:
		column = "total_consumption_wh"
	default:
		return fmt.Errorf("unknown reading type %q", readingType)
	}

	query := fmt.Sprintf(`UPDATE meter_registry SET %s = %s + $2, updated_at = now() WHERE id = $1`, column, column)
	if _, err := tx.ExecContext(ctx, query, id, wh); err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return nil
}

// ApplySettledNetGeneration advances the settled_net_generation ratchet by
// delta, enforced by the table's check constraint
// (settled_net_generation_wh <= total_generation_wh - total_consumption_wh).
func (r *MeterRepository) ApplySettledNetGeneration(ctx context.Context, tx *sql.Tx, id uuid.UUID, delta int64) error {
	query := `UPDATE meter_registry SET settled_net_generation_wh = settled_net_generation_wh + $2, updated_at = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, delta); err != nil {
		return fmt.Errorf("failed to advance settled net generation: %w", err)
	}
	return nil
}

// ApplyClaimedERCGeneration advances the claimed_erc_generation ratchet by
// delta, enforced by the table's check constraint
// (claimed_erc_generation_wh <= total_generation_wh).
func (r *MeterRepository) ApplyClaimedERCGeneration(ctx context.Context, tx *sql.Tx, id uuid.UUID, delta int64) error {
	query := `UPDATE meter_registry SET claimed_erc_generation_wh = claimed_erc_generation_wh + $2, updated_at = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, delta); err != nil {
		return fmt.Errorf("failed to advance claimed ERC generation: %w", err)
	}
	return nil
}

// SetVerificationStatus transitions a meter's verification status.
func (r *MeterRepository) SetVerificationStatus(ctx context.Context, id uuid.UUID, status MeterVerificationStatus) error {
	query := `UPDATE meter_registry SET verification_status = $2, updated_at = now() WHERE id = $1`
	res, err := r.client.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to set verification status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrMeterNotFound
	}
	return nil
}

// BeginTx exposes the underlying *sql.DB's transaction starter for
// repositories that need to coordinate multiple tables atomically.
func (r *MeterRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.client.DB().BeginTx(ctx, nil)
}
