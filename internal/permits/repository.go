package permits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitdesk/permitdesk/internal/platform/db"
)

// Repository is the typed persistence boundary for permits.
type Repository interface {
	StatusWriter
	Create(ctx context.Context, p Permit) error
	CreateBatch(ctx context.Context, batch []Permit) (created []Permit, skipped []string, err error)
	Get(ctx context.Context, id uuid.UUID) (Permit, error)
	List(ctx context.Context, filters ListFilters) ([]Permit, error)
	ListDepartingBetween(ctx context.Context, from, to time.Time) ([]Permit, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

var permitColumns = []string{
	"id", "permit_code", "guest_name", "arrival_date", "departure_date",
	"status", "uploaded", "last_updated_at", "updated_by", "created_at",
}

const returningPermit = ` RETURNING id, permit_code, guest_name, arrival_date, departure_date, status, uploaded, last_updated_at, updated_by, created_at`

// PGRepository stores permits in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a permit.
func (r *PGRepository) Create(ctx context.Context, p Permit) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO permits (id, permit_code, guest_name, arrival_date, departure_date, status, uploaded, last_updated_at, updated_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Code, p.GuestName, p.ArrivalDate, p.DepartureDate, string(p.Status), p.Uploaded, p.LastUpdatedAt, p.UpdatedBy, p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

// CreateBatch inserts every permit in one transaction. Rows whose code already
// exists are skipped and reported rather than failing the batch.
func (r *PGRepository) CreateBatch(ctx context.Context, batch []Permit) ([]Permit, []string, error) {
	var (
		created []Permit
		skipped []string
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		created, skipped = nil, nil
		for _, p := range batch {
			row := tx.QueryRow(ctx, `INSERT INTO permits (id, permit_code, guest_name, arrival_date, departure_date, status, uploaded, last_updated_at, updated_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (permit_code) DO NOTHING`+returningPermit,
				p.ID, p.Code, p.GuestName, p.ArrivalDate, p.DepartureDate, string(p.Status), p.Uploaded, p.LastUpdatedAt, p.UpdatedBy, p.CreatedAt)
			stored, err := scanPermit(row)
			if errors.Is(err, ErrNotFound) {
				skipped = append(skipped, p.Code)
				continue
			}
			if err != nil {
				return fmt.Errorf("permits: insert %s: %w", p.Code, err)
			}
			created = append(created, stored)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, skipped, nil
}

// Get loads one permit.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Permit, error) {
	query, args, err := sq.Select(permitColumns...).From("permits").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return Permit{}, err
	}
	return scanPermit(r.pool.QueryRow(ctx, query, args...))
}

// List returns permits ordered by departure date.
func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Permit, error) {
	stmt := sq.Select(permitColumns...).From("permits").
		OrderBy("departure_date ASC", "permit_code ASC").
		PlaceholderFormat(sq.Dollar)
	if filters.Status != "" {
		stmt = stmt.Where(sq.Eq{"status": string(filters.Status)})
	}
	if term := strings.TrimSpace(filters.Search); term != "" {
		like := "%" + term + "%"
		stmt = stmt.Where(sq.Or{sq.ILike{"permit_code": like}, sq.ILike{"guest_name": like}})
	}
	if filters.Limit > 0 {
		stmt = stmt.Limit(uint64(filters.Limit))
	}
	if filters.Offset > 0 {
		stmt = stmt.Offset(uint64(filters.Offset))
	}
	return r.query(ctx, stmt)
}

// ListDepartingBetween returns permits not yet uploaded whose departure date
// falls in the inclusive range.
func (r *PGRepository) ListDepartingBetween(ctx context.Context, from, to time.Time) ([]Permit, error) {
	stmt := sq.Select(permitColumns...).From("permits").
		Where(sq.NotEq{"status": string(StatusUploaded)}).
		Where(sq.GtOrEq{"departure_date": from}).
		Where(sq.LtOrEq{"departure_date": to}).
		OrderBy("departure_date ASC").
		PlaceholderFormat(sq.Dollar)
	return r.query(ctx, stmt)
}

// UpdateStatus writes a transition and returns the stored row. The update is
// conditional on the row still holding update.From; when another writer got
// there first it fails with ErrInvalidTransition.
func (r *PGRepository) UpdateStatus(ctx context.Context, update StatusUpdate) (Permit, error) {
	row := r.pool.QueryRow(ctx, `UPDATE permits
SET status = $2, uploaded = $3, last_updated_at = $4, updated_by = $5
WHERE id = $1 AND status = $6`+returningPermit,
		update.ID, string(update.Status), update.Uploaded, update.UpdatedAt, update.UpdatedBy, string(update.From))
	stored, err := scanPermit(row)
	if !errors.Is(err, ErrNotFound) {
		return stored, err
	}
	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM permits WHERE id = $1`, update.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permit{}, ErrNotFound
		}
		return Permit{}, err
	}
	return Permit{}, staleStatusError(update.From, Status(current))
}

func staleStatusError(expected, current Status) error {
	return fmt.Errorf("%w: permit is %s, no longer %s", ErrInvalidTransition, current, expected)
}

// Delete removes a permit together with its history.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM permit_history WHERE permit_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM permits WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *PGRepository) query(ctx context.Context, stmt sq.SelectBuilder) ([]Permit, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("permits: build query: %w", err)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Permit, 0)
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPermit(row pgx.Row) (Permit, error) {
	var (
		p      Permit
		status string
	)
	err := row.Scan(&p.ID, &p.Code, &p.GuestName, &p.ArrivalDate, &p.DepartureDate,
		&status, &p.Uploaded, &p.LastUpdatedAt, &p.UpdatedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permit{}, ErrNotFound
		}
		return Permit{}, err
	}
	p.Status = Status(status)
	return p, nil
}

var _ Repository = (*PGRepository)(nil)
