package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitdesk/permitdesk/internal/access"
)

// Repository defines persistence operations for the auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByIdentity(ctx context.Context, identity access.Identity) (*Account, error)
}

// PGRepository implements Repository on the users table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `identity, COALESCE(email, ''), name, COALESCE(password_hash, ''), is_active, created_at, updated_at`

// FindByEmail fetches an account by case-insensitive email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE lower(email) = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanAccount(row)
}

// FindByIdentity fetches an account by its identity key.
func (r *PGRepository) FindByIdentity(ctx context.Context, identity access.Identity) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE identity = $1`, string(identity))
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		acc      Account
		identity string
	)
	if err := row.Scan(&identity, &acc.Email, &acc.Name, &acc.PasswordHash, &acc.IsActive, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	acc.Identity = access.Identity(identity)
	return &acc, nil
}

var _ Repository = (*PGRepository)(nil)
