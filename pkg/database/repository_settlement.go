package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SettlementRepository persists settlement records and their lifecycle.
type SettlementRepository struct {
	client *Client
}

// NewSettlementRepository creates a new settlement repository.
func NewSettlementRepository(client *Client) *SettlementRepository {
	return &SettlementRepository{client: client}
}

// InsertSettlement inserts a settlement row in status pending, inside tx.
// gross, fee and net are integer platform-currency units; the caller has
// already computed gross = kwh*price, fee = round(gross*fee_bps/10000,
// ties-to-even), net = gross-fee.
func (r *SettlementRepository) InsertSettlement(ctx context.Context, tx *sql.Tx, matchID uuid.UUID, epochID int64, buyerID, sellerID uuid.UUID, kwh, pricePerKWh float64, gross, fee, net int64) (*Settlement, error) {
	s := &Settlement{
		ID:          uuid.New(),
		MatchID:     matchID,
		EpochID:     epochID,
		BuyerID:     buyerID,
		SellerID:    sellerID,
		KWh:         kwh,
		PricePerKWh: pricePerKWh,
		Gross:       gross,
		Fee:         fee,
		Net:         net,
		Status:      SettlementPending,
		CreatedAt:   time.Now(),
	}

	query := `
		INSERT INTO settlements (
			id, match_id, epoch_id, buyer_id, seller_id, kwh, price_per_kwh,
			gross, fee, net, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := tx.ExecContext(ctx, query,
		s.ID, s.MatchID, s.EpochID, s.BuyerID, s.SellerID, s.KWh, s.PricePerKWh,
		s.Gross, s.Fee, s.Net, s.Status, s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert settlement: %w", err)
	}
	return s, nil
}

const settlementColumns = `id, match_id, epoch_id, buyer_id, seller_id, kwh, price_per_kwh,
	gross, fee, net, status, operation_id, signature, slot, created_at, confirmed_at`

func scanSettlement(row *sql.Row) (*Settlement, error) {
	s := &Settlement{}
	err := row.Scan(
		&s.ID, &s.MatchID, &s.EpochID, &s.BuyerID, &s.SellerID, &s.KWh, &s.PricePerKWh,
		&s.Gross, &s.Fee, &s.Net, &s.Status, &s.OperationID, &s.Signature, &s.Slot, &s.CreatedAt, &s.ConfirmedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan settlement: %w", err)
	}
	return s, nil
}

// GetSettlement retrieves a settlement by id.
func (r *SettlementRepository) GetSettlement(ctx context.Context, id uuid.UUID) (*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`
	return scanSettlement(r.client.QueryRowContext(ctx, query, id))
}

// SetOperationID links a settlement to the coordinator operation enqueued
// for it, so the confirmation hook (which only receives the generic
// BlockchainOperation, never the original payload) can find its way back to
// the settlement it belongs to.
func (r *SettlementRepository) SetOperationID(ctx context.Context, id, operationID uuid.UUID) error {
	query := `UPDATE settlements SET operation_id = $2 WHERE id = $1`
	if _, err := r.client.ExecContext(ctx, query, id, operationID); err != nil {
		return fmt.Errorf("failed to set settlement operation id: %w", err)
	}
	return nil
}

// FindByOperationID retrieves the settlement enqueued as the given
// coordinator operation, inside tx, for use from a confirmation hook.
func (r *SettlementRepository) FindByOperationID(ctx context.Context, tx *sql.Tx, operationID uuid.UUID) (*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE operation_id = $1`
	return scanSettlement(tx.QueryRowContext(ctx, query, operationID))
}

// Confirm transitions a settlement to confirmed, inside tx, as part of the
// coordinator's confirmation hook.
func (r *SettlementRepository) Confirm(ctx context.Context, tx *sql.Tx, id uuid.UUID, signature string, slot int64) error {
	query := `
		UPDATE settlements
		SET status = 'confirmed', signature = $2, slot = $3, confirmed_at = now()
		WHERE id = $1 AND status != 'confirmed'`
	if _, err := tx.ExecContext(ctx, query, id, signature, slot); err != nil {
		return fmt.Errorf("failed to confirm settlement: %w", err)
	}
	return nil
}

// Fail transitions a settlement to failed, inside tx.
func (r *SettlementRepository) Fail(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	query := `UPDATE settlements SET status = 'failed' WHERE id = $1 AND status != 'confirmed'`
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to fail settlement: %w", err)
	}
	return nil
}

// ListByEpoch returns every settlement produced for an epoch.
func (r *SettlementRepository) ListByEpoch(ctx context.Context, epochID int64) ([]*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE epoch_id = $1 ORDER BY created_at ASC`
	rows, err := r.client.QueryContext(ctx, query, epochID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements for epoch %d: %w", epochID, err)
	}
	defer rows.Close()

	var out []*Settlement
	for rows.Next() {
		s := &Settlement{}
		if err := rows.Scan(&s.ID, &s.MatchID, &s.EpochID, &s.BuyerID, &s.SellerID, &s.KWh, &s.PricePerKWh,
			&s.Gross, &s.Fee, &s.Net, &s.Status, &s.OperationID, &s.Signature, &s.Slot, &s.CreatedAt, &s.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// BeginTx exposes the underlying *sql.DB's transaction starter.
func (r *SettlementRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.client.DB().BeginTx(ctx, nil)
}
