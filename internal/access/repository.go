package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitdesk/permitdesk/internal/platform/db"
)

// Store persists page access rows and capability flags keyed by identity.
// Upserts overwrite and serve administrators. Seeds only insert what is
// absent, so a seed racing an administrator never replaces their rows. Both
// kinds of write are idempotent.
type Store interface {
	FetchAccess(ctx context.Context, identity Identity) ([]PageAccessEntry, error)
	FetchCapabilities(ctx context.Context, identity Identity) (CapabilityFlags, error)
	UpsertAccess(ctx context.Context, identity Identity, entries []PageAccessEntry) error
	UpsertCapabilities(ctx context.Context, identity Identity, flags CapabilityFlags) error
	SeedAccess(ctx context.Context, identity Identity, entries []PageAccessEntry) error
	SeedCapabilities(ctx context.Context, identity Identity, flags CapabilityFlags) error
}

// ProfileStore loads account profiles.
type ProfileStore interface {
	FetchProfile(ctx context.Context, identity Identity) (UserProfile, error)
}

// Repository provides PostgreSQL backed persistence for user_page_access and
// user_permissions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FetchAccess returns the stored page rows. An identity without rows yields an
// empty slice and no error.
func (r *Repository) FetchAccess(ctx context.Context, identity Identity) ([]PageAccessEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT page, can_view, can_edit, can_delete, can_create
FROM user_page_access WHERE identity = $1 ORDER BY page`, string(identity))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]PageAccessEntry, 0, len(Pages()))
	for rows.Next() {
		var entry PageAccessEntry
		var page string
		if err := rows.Scan(&page, &entry.CanView, &entry.CanEdit, &entry.CanDelete, &entry.CanCreate); err != nil {
			return nil, err
		}
		entry.Page = PageID(page)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// FetchCapabilities returns ErrNotFound when no row exists.
func (r *Repository) FetchCapabilities(ctx context.Context, identity Identity) (CapabilityFlags, error) {
	var flags CapabilityFlags
	err := r.pool.QueryRow(ctx, `SELECT can_export_data, can_import_data, can_manage_users, can_view_reports,
       can_manage_settings, can_approve_requests, can_bulk_operations
FROM user_permissions WHERE identity = $1`, string(identity)).Scan(
		&flags.CanExportData,
		&flags.CanImportData,
		&flags.CanManageUsers,
		&flags.CanViewReports,
		&flags.CanManageSettings,
		&flags.CanApproveRequests,
		&flags.CanBulkOperations,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CapabilityFlags{}, ErrNotFound
		}
		return CapabilityFlags{}, err
	}
	return flags, nil
}

// UpsertAccess writes every entry keyed on (identity, page) in one transaction.
func (r *Repository) UpsertAccess(ctx context.Context, identity Identity, entries []PageAccessEntry) error {
	for _, entry := range entries {
		if !entry.Page.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidPage, entry.Page)
		}
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, entry := range entries {
			_, err := tx.Exec(ctx, `INSERT INTO user_page_access (identity, page, can_view, can_edit, can_delete, can_create, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (identity, page) DO UPDATE SET
    can_view = EXCLUDED.can_view,
    can_edit = EXCLUDED.can_edit,
    can_delete = EXCLUDED.can_delete,
    can_create = EXCLUDED.can_create,
    updated_at = NOW()`,
				string(identity), string(entry.Page), entry.CanView, entry.CanEdit, entry.CanDelete, entry.CanCreate)
			if err != nil {
				return fmt.Errorf("access: upsert page %s: %w", entry.Page, err)
			}
		}
		return nil
	})
}

// UpsertCapabilities writes the capability row keyed on identity.
func (r *Repository) UpsertCapabilities(ctx context.Context, identity Identity, flags CapabilityFlags) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_permissions (identity, can_export_data, can_import_data, can_manage_users,
    can_view_reports, can_manage_settings, can_approve_requests, can_bulk_operations, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (identity) DO UPDATE SET
    can_export_data = EXCLUDED.can_export_data,
    can_import_data = EXCLUDED.can_import_data,
    can_manage_users = EXCLUDED.can_manage_users,
    can_view_reports = EXCLUDED.can_view_reports,
    can_manage_settings = EXCLUDED.can_manage_settings,
    can_approve_requests = EXCLUDED.can_approve_requests,
    can_bulk_operations = EXCLUDED.can_bulk_operations,
    updated_at = NOW()`,
		string(identity),
		flags.CanExportData,
		flags.CanImportData,
		flags.CanManageUsers,
		flags.CanViewReports,
		flags.CanManageSettings,
		flags.CanApproveRequests,
		flags.CanBulkOperations,
	)
	return err
}

// SeedAccess inserts the entries whose (identity, page) row does not exist yet.
func (r *Repository) SeedAccess(ctx context.Context, identity Identity, entries []PageAccessEntry) error {
	for _, entry := range entries {
		if !entry.Page.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidPage, entry.Page)
		}
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, entry := range entries {
			_, err := tx.Exec(ctx, `INSERT INTO user_page_access (identity, page, can_view, can_edit, can_delete, can_create, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (identity, page) DO NOTHING`,
				string(identity), string(entry.Page), entry.CanView, entry.CanEdit, entry.CanDelete, entry.CanCreate)
			if err != nil {
				return fmt.Errorf("access: seed page %s: %w", entry.Page, err)
			}
		}
		return nil
	})
}

// SeedCapabilities inserts the capability row unless one exists.
func (r *Repository) SeedCapabilities(ctx context.Context, identity Identity, flags CapabilityFlags) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_permissions (identity, can_export_data, can_import_data, can_manage_users,
    can_view_reports, can_manage_settings, can_approve_requests, can_bulk_operations, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (identity) DO NOTHING`,
		string(identity),
		flags.CanExportData,
		flags.CanImportData,
		flags.CanManageUsers,
		flags.CanViewReports,
		flags.CanManageSettings,
		flags.CanApproveRequests,
		flags.CanBulkOperations,
	)
	return err
}

var _ Store = (*Repository)(nil)
