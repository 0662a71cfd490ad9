package database

import (
	"context"
	"database/sql"
	"fmt"
)

// MarketParamsRepository reads and updates the single-row governance
// record.
type MarketParamsRepository struct {
	client *Client
}

// NewMarketParamsRepository creates a new market parameters repository.
func NewMarketParamsRepository(client *Client) *MarketParamsRepository {
	return &MarketParamsRepository{client: client}
}

// Get retrieves the single market parameters row.
func (r *MarketParamsRepository) Get(ctx context.Context) (*MarketParameters, error) {
	query := `SELECT id, fee_bps, paused, epoch_duration_minutes, updated_at FROM market_parameters WHERE id = 1`
	p := &MarketParameters{}
	err := r.client.QueryRowContext(ctx, query).Scan(&p.ID, &p.FeeBps, &p.Paused, &p.EpochDuration, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMarketParamsMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market parameters: %w", err)
	}
	return p, nil
}

// SetPaused flips the market's pause flag. When true, place_order rejects
// with precondition_failed. The epoch scheduler does not read the flag, so
// epochs keep being activated, expired and cleared while the market is
// paused.
func (r *MarketParamsRepository) SetPaused(ctx context.Context, paused bool) error {
	query := `UPDATE market_parameters SET paused = $1, updated_at = now() WHERE id = 1`
	if _, err := r.client.ExecContext(ctx, query, paused); err != nil {
		return fmt.Errorf("failed to set paused: %w", err)
	}
	return nil
}
