package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MatchRepository persists matcher output.
type MatchRepository struct {
	client *Client
}

// NewMatchRepository creates a new match repository.
func NewMatchRepository(client *Client) *MatchRepository {
	return &MatchRepository{client: client}
}

// InsertMatch inserts a match row inside tx, the same transaction the
// matcher uses to write every match and settlement for a clearing run.
func (r *MatchRepository) InsertMatch(ctx context.Context, tx *sql.Tx, epochID int64, buyOrderID, sellOrderID uuid.UUID, matchedKWh, matchPrice float64) (*Match, error) {
	m := &Match{
		ID:          uuid.New(),
		EpochID:     epochID,
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		MatchedKWh:  matchedKWh,
		MatchPrice:  matchPrice,
		Status:      MatchPending,
		CreatedAt:   time.Now(),
	}

	query := `
		INSERT INTO order_matches (id, epoch_id, buy_order_id, sell_order_id, matched_kwh, match_price, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.ExecContext(ctx, query, m.ID, m.EpochID, m.BuyOrderID, m.SellOrderID, m.MatchedKWh, m.MatchPrice, m.Status, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert match: %w", err)
	}
	return m, nil
}

const matchColumns = `id, epoch_id, buy_order_id, sell_order_id, matched_kwh, match_price, status, settlement_ref, created_at`

// GetMatch retrieves a match by id.
func (r *MatchRepository) GetMatch(ctx context.Context, id uuid.UUID) (*Match, error) {
	query := `SELECT ` + matchColumns + ` FROM order_matches WHERE id = $1`
	m := &Match{}
	err := r.client.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.EpochID, &m.BuyOrderID, &m.SellOrderID, &m.MatchedKWh, &m.MatchPrice, &m.Status, &m.SettlementRef, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return m, nil
}

// ListByEpoch returns every match produced for an epoch.
func (r *MatchRepository) ListByEpoch(ctx context.Context, epochID int64) ([]*Match, error) {
	query := `SELECT ` + matchColumns + ` FROM order_matches WHERE epoch_id = $1 ORDER BY created_at ASC`
	rows, err := r.client.QueryContext(ctx, query, epochID)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches for epoch %d: %w", epochID, err)
	}
	defer rows.Close()

	var matches []*Match
	for rows.Next() {
		m := &Match{}
		if err := rows.Scan(&m.ID, &m.EpochID, &m.BuyOrderID, &m.SellOrderID, &m.MatchedKWh, &m.MatchPrice, &m.Status, &m.SettlementRef, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// SetSettlementRef links a match to its settlement and moves it to
// settled, inside tx.
func (r *MatchRepository) SetSettlementRef(ctx context.Context, tx *sql.Tx, id, settlementID uuid.UUID) error {
	query := `UPDATE order_matches SET settlement_ref = $2, status = 'settled' WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, settlementID.String()); err != nil {
		return fmt.Errorf("failed to set settlement ref: %w", err)
	}
	return nil
}

// MarkFailed transitions a match to failed.
func (r *MatchRepository) MarkFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	query := `UPDATE order_matches SET status = 'failed' WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark match failed: %w", err)
	}
	return nil
}
