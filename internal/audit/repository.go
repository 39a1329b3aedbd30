package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/charitydesk/charitydesk/internal/shared"
)

// PGRepository reads audit_logs joined with the acting user.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// TimelineWindow implements Repository.
func (r *PGRepository) TimelineWindow(ctx context.Context, arg WindowParams) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.occurred_at, a.actor_id, COALESCE(u.email, ''), a.action, a.entity, a.entity_id, a.meta
		FROM audit_logs a
		LEFT JOIN users u ON u.id = a.actor_id
		WHERE ($1::timestamptz IS NULL OR a.occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR a.occurred_at < $2)
		  AND ($3::text IS NULL OR lower(u.email) LIKE '%' || lower($3) || '%')
		  AND ($4::text IS NULL OR a.entity = $4)
		  AND ($5::text IS NULL OR a.action = $5)
		ORDER BY a.occurred_at DESC, a.id DESC
		OFFSET $6 LIMIT $7`,
		arg.FromAt, arg.ToAt, arg.Actor, arg.Entity, arg.Action, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, storeError("timeline", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			actor *uuid.UUID
		)
		if err := rows.Scan(&e.At, &actor, &e.ActorEmail, &e.Action, &e.Entity, &e.EntityID, &e.Meta); err != nil {
			return nil, storeError("timeline scan", err)
		}
		e.ActorID = actor
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("timeline", err)
	}
	return out, nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("audit: %s: %w: %w", op, shared.ErrUnavailable, err)
}
