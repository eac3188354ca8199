package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, case_id, entity_type, entity_id, action, reason,
	old_value, new_value, actor, request_id, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var oldV, newV []byte
	err := row.Scan(&e.ID, &e.CaseID, &e.EntityType, &e.EntityID, &e.Action, &e.Reason,
		&oldV, &newV, &e.Actor, &e.RequestID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.OldValue, e.NewValue = oldV, newV
	return &e, nil
}

// jsonArg passes a raw snapshot as jsonb, or NULL when empty.
func jsonArg(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (r *RepoPG) Append(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO audit_log (id, case_id, entity_type, entity_id, action, reason,
				old_value, new_value, actor, request_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,$10,$11)`,
			e.ID, e.CaseID, e.EntityType, e.EntityID, e.Action, e.Reason,
			jsonArg(e.OldValue), jsonArg(e.NewValue), e.Actor, e.RequestID, e.CreatedAt)
	}
	br := r.conn(ctx).SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return br.Close()
}

func (r *RepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	if f.CaseID != nil {
		where = append(where, fmt.Sprintf("case_id = $%d", idx))
		args = append(args, *f.CaseID)
		idx++
	}
	if f.EntityType != "" {
		where = append(where, fmt.Sprintf("entity_type = $%d", idx))
		args = append(args, f.EntityType)
		idx++
	}
	if f.EntityID != nil {
		where = append(where, fmt.Sprintf("entity_id = $%d", idx))
		args = append(args, *f.EntityID)
		idx++
	}
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, f.Action)
		idx++
	}
	if f.Actor != "" {
		where = append(where, fmt.Sprintf("actor = $%d", idx))
		args = append(args, f.Actor)
		idx++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM audit_log "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM audit_log %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d",
		entryCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
