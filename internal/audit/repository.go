package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permitdesk/permitdesk/internal/platform/db"
)

// Repository is the append-only history sink.
type Repository interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, params ListParams) ([]Entry, error)
}

// ListParams is a filtered window over the combined history.
type ListParams struct {
	Filters TimelineFilters
	Limit   uint64
	Offset  uint64
}

// historyView merges permit_history and user_activity into one shape.
const historyView = `(SELECT id, 'permit' AS kind, permit_id::text AS subject_id, action, action_by AS actor, action_at AS at, metadata
    FROM permit_history
  UNION ALL
  SELECT id, 'user' AS kind, entity_id AS subject_id, action, user_id AS actor, created_at AS at, metadata
    FROM user_activity) AS h`

// PGRepository stores history in PostgreSQL. Permit subjects land in
// permit_history, user subjects in user_activity (plus user_login for sign-in
// attempts).
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Append inserts the entry. Inserts are keyed on the entry id so a retried
// append of the same entry is a no-op.
func (r *PGRepository) Append(ctx context.Context, entry Entry) error {
	meta, err := encodeMeta(entry.Metadata)
	if err != nil {
		return err
	}
	switch entry.Subject.Kind {
	case SubjectPermit:
		permitID, err := uuid.Parse(entry.Subject.ID)
		if err != nil {
			return fmt.Errorf("audit: permit subject: %w", err)
		}
		_, err = r.pool.Exec(ctx, `INSERT INTO permit_history (id, permit_id, action, action_by, action_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, entry.ID, permitID, entry.Action, entry.Actor, entry.At, meta)
		return err
	case SubjectUser:
		return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			actor := entry.Actor
			if actor == "" {
				actor = entry.Subject.ID
			}
			if _, err := tx.Exec(ctx, `INSERT INTO user_activity (id, user_id, action, entity_type, entity_id, metadata, created_at)
VALUES ($1, $2, $3, 'user', $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, entry.ID, actor, entry.Action, entry.Subject.ID, meta, entry.At); err != nil {
				return err
			}
			if entry.Action != ActionLogin && entry.Action != ActionLoginFailed {
				return nil
			}
			_, err := tx.Exec(ctx, `INSERT INTO user_login (id, user_id, login_at, success)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, entry.ID, entry.Subject.ID, entry.At, entry.Action == ActionLogin)
			return err
		})
	default:
		return fmt.Errorf("audit: unknown subject kind %q", entry.Subject.Kind)
	}
}

// List returns entries newest first.
func (r *PGRepository) List(ctx context.Context, params ListParams) ([]Entry, error) {
	stmt := sq.Select("id", "kind", "subject_id", "action", "actor", "at", "metadata").
		From(historyView).
		OrderBy("at DESC", "id DESC").
		PlaceholderFormat(sq.Dollar)
	stmt = applyTimelineFilters(stmt, params.Filters)
	if params.Limit > 0 {
		stmt = stmt.Limit(params.Limit)
	}
	if params.Offset > 0 {
		stmt = stmt.Offset(params.Offset)
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("audit: build query: %w", err)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			entry Entry
			kind  string
			raw   []byte
		)
		if err := rows.Scan(&entry.ID, &kind, &entry.Subject.ID, &entry.Action, &entry.Actor, &entry.At, &raw); err != nil {
			return nil, err
		}
		entry.Subject.Kind = SubjectKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func applyTimelineFilters(stmt sq.SelectBuilder, f TimelineFilters) sq.SelectBuilder {
	if f.Kind != "" {
		stmt = stmt.Where(sq.Eq{"kind": string(f.Kind)})
	}
	if id := strings.TrimSpace(f.SubjectID); id != "" {
		stmt = stmt.Where(sq.Eq{"subject_id": id})
	}
	if actor := strings.TrimSpace(f.Actor); actor != "" {
		stmt = stmt.Where(sq.Eq{"actor": actor})
	}
	if action := strings.TrimSpace(f.Action); action != "" {
		stmt = stmt.Where(sq.ILike{"action": "%" + action + "%"})
	}
	if !f.From.IsZero() {
		stmt = stmt.Where(sq.GtOrEq{"at": f.From})
	}
	if !f.To.IsZero() {
		stmt = stmt.Where(sq.Lt{"at": endOfDay(f.To)})
	}
	return stmt
}

// endOfDay turns an inclusive date bound into an exclusive timestamp bound.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("audit: encode metadata: %w", err)
	}
	return payload, nil
}

var _ Repository = (*PGRepository)(nil)
