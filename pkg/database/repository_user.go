package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserRepository handles user identity operations.
type UserRepository struct {
	client *Client
}

// NewUserRepository creates a new user repository.
func NewUserRepository(client *Client) *UserRepository {
	return &UserRepository{client: client}
}

// CreateUser inserts a new user with no wallet attached yet.
func (r *UserRepository) CreateUser(ctx context.Context, role UserRole) (*User, error) {
	u := &User{
		ID:        uuid.New(),
		Role:      role,
		Verified:  false,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	query := `
		INSERT INTO users (id, role, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.client.ExecContext(ctx, query, u.ID, u.Role, u.Verified, u.CreatedAt, u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (r *UserRepository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, wallet_address, role, verified, created_at, updated_at
		FROM users WHERE id = $1`

	u := &User{}
	err := r.client.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.WalletAddr, &u.Role, &u.Verified, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// SetWallet attaches a wallet address to a user. The spec requires the
// wallet be immutable without an operator action, so this always succeeds
// at the repository layer; the caller (the gateway service) is responsible
// for gating the operator check before calling this.
func (r *UserRepository) SetWallet(ctx context.Context, id uuid.UUID, wallet string) error {
	query := `UPDATE users SET wallet_address = $2, updated_at = now() WHERE id = $1`
	res, err := r.client.ExecContext(ctx, query, id, wallet)
	if err != nil {
		return fmt.Errorf("failed to set wallet: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
