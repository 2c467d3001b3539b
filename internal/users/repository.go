package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitdesk/permitdesk/internal/access"
)

// Repository provides PostgreSQL backed persistence for the users table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `identity, COALESCE(email, ''), name, role, is_active, created_at, updated_at`

// ListUsers returns all users ordered by name.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser returns access.ErrNotFound for unknown identities.
func (r *Repository) GetUser(ctx context.Context, identity access.Identity) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE identity = $1`, string(identity)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, access.ErrNotFound
	}
	return user, err
}

// FetchProfile implements access.ProfileStore.
func (r *Repository) FetchProfile(ctx context.Context, identity access.Identity) (access.UserProfile, error) {
	user, err := r.GetUser(ctx, identity)
	if err != nil {
		return access.UserProfile{}, err
	}
	return access.UserProfile{
		Identity:    user.Identity,
		DisplayName: user.Name,
		Email:       user.Email,
		Role:        user.Role,
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}, nil
}

// UpdateRole changes the stored role only. Permission rows are untouched.
func (r *Repository) UpdateRole(ctx context.Context, identity access.Identity, role access.Role) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE identity = $1`, string(identity), string(role))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return access.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user     User
		identity string
		role     string
	)
	if err := row.Scan(&identity, &user.Email, &user.Name, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	user.Identity = access.Identity(identity)
	user.Role = access.ParseRole(role)
	return user, nil
}

var _ access.ProfileStore = (*Repository)(nil)
