package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderRepository handles order placement and lifecycle.
type OrderRepository struct {
	client *Client
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(client *Client) *OrderRepository {
	return &OrderRepository{client: client}
}

// PlaceOrder inserts a new order in status active, inside tx. The caller is
// responsible for row-locking the epoch first and rejecting placement if
// its status has already advanced past active.
func (r *OrderRepository) PlaceOrder(ctx context.Context, tx *sql.Tx, userID uuid.UUID, epochID int64, side OrderSide, kwh, pricePerKWh float64) (*Order, error) {
	o := &Order{
		ID:          uuid.New(),
		UserID:      userID,
		EpochID:     epochID,
		Side:        side,
		KWh:         kwh,
		PricePerKWh: pricePerKWh,
		Status:      OrderActive,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	query := `
		INSERT INTO trading_orders (
			id, user_id, epoch_id, side, kwh, filled_kwh, price_per_kwh, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)`

	_, err := tx.ExecContext(ctx, query, o.ID, o.UserID, o.EpochID, o.Side, o.KWh, o.PricePerKWh, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	return o, nil
}

const orderColumns = `id, user_id, epoch_id, side, kwh, filled_kwh, price_per_kwh, status, created_at, updated_at`

func scanOrder(row *sql.Row) (*Order, error) {
	o := &Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.EpochID, &o.Side, &o.KWh, &o.FilledKWh, &o.PricePerKWh, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

// GetOrder retrieves an order by id.
func (r *OrderRepository) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM trading_orders WHERE id = $1`
	return scanOrder(r.client.QueryRowContext(ctx, query, id))
}

// ListActiveByEpoch returns every order in the given epoch whose status is
// active or partially_filled — the snapshot the matcher clears against.
func (r *OrderRepository) ListActiveByEpoch(ctx context.Context, epochID int64) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM trading_orders
		WHERE epoch_id = $1 AND status IN ('active', 'partially_filled')
		ORDER BY created_at ASC, id ASC`

	rows, err := r.client.QueryContext(ctx, query, epochID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders for epoch %d: %w", epochID, err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o := &Order{}
		if err := rows.Scan(&o.ID, &o.UserID, &o.EpochID, &o.Side, &o.KWh, &o.FilledKWh, &o.PricePerKWh, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Cancel transitions an order to cancelled. Only legal from pending or
// active.
func (r *OrderRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE trading_orders SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'active')`
	res, err := r.client.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("order %s is not cancellable from its current status", id)
	}
	return nil
}

// SetStatus updates an order's status unconditionally, inside tx. Used by
// the matcher to mark residual/unmatched orders expired and by the
// settlement engine to advance fill status.
func (r *OrderRepository) SetStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status OrderStatus) error {
	query := `UPDATE trading_orders SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to set order status: %w", err)
	}
	return nil
}

// IncrementFilled bumps filled_kwh by delta and sets status to filled or
// partially_filled accordingly, inside tx. A settlement can confirm after
// the epoch scheduler has already expired its order's residual (the order's
// fill and its settlement's on-chain confirmation are not the same
// transaction), so the status transition is guarded to never move an order
// out of a terminal status once it has reached one.
func (r *OrderRepository) IncrementFilled(ctx context.Context, tx *sql.Tx, id uuid.UUID, delta float64) error {
	query := `
		UPDATE trading_orders
		SET filled_kwh = filled_kwh + $2,
		    status = CASE
		        WHEN status IN ('expired', 'cancelled') THEN status
		        WHEN filled_kwh + $2 >= kwh THEN 'filled'
		        ELSE 'partially_filled'
		    END,
		    updated_at = now()
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, delta); err != nil {
		return fmt.Errorf("failed to increment filled kwh: %w", err)
	}
	return nil
}

// BeginTx exposes the underlying *sql.DB's transaction starter.
func (r *OrderRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.client.DB().BeginTx(ctx, nil)
}
