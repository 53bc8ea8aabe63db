package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps pool.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// TimelineWindow applies the filters and returns up to params.Limit rows.
func (r *PGRepository) TimelineWindow(ctx context.Context, params WindowParams) ([]TimelineRow, error) {
	query, args := timelineQuery(params)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var (
			tr        TimelineRow
			ip, reqID *string
			meta      []byte
		)
		if err := row.Scan(&tr.ID, &tr.At, &tr.ActorID, &ip, &reqID, &tr.Action, &tr.Entity, &tr.EntityID, &meta); err != nil {
			return TimelineRow{}, err
		}
		if ip != nil {
			tr.IP = *ip
		}
		if reqID != nil {
			tr.RequestID = *reqID
		}
		if len(meta) > 0 && string(meta) != "null" {
			tr.Meta = meta
		}
		return tr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	return out, nil
}

func timelineQuery(params WindowParams) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	f := params.Filters
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.ActorID > 0 {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Entity != "" {
		add("entity = $%d", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	var sb strings.Builder
	sb.WriteString("SELECT id, occurred_at, actor_id, ip, request_id, action, entity, entity_id, meta FROM audit_logs")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, params.Limit, params.Offset)
	fmt.Fprintf(&sb, " ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return sb.String(), args
}
