package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
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

type pgStore struct{ pool *pgxpool.Pool }

func (s pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// NewRepositoriesPG wires every billing store to one pool. Calls made with
// a transaction in ctx run inside it.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	st := pgStore{pool: pool}
	return Repositories{
		Cases:        &caseRepoPG{st},
		Invoices:     &invoiceRepoPG{st},
		Lines:        &lineRepoPG{st},
		Receipts:     &receiptRepoPG{st},
		Advances:     &advanceRepoPG{st},
		Insurance:    &insuranceRepoPG{st},
		EditRequests: &editRequestRepoPG{st},
	}
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// execBatch sends queued statements and reports the first failure.
func execBatch(ctx context.Context, q queryable, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := q.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

func affectedOne(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// -- Cases --

type caseRepoPG struct{ pgStore }

const caseCols = `id, patient_ref, encounter_ref, payer_mode, status, version, created_by, created_at, updated_at`

func scanCase(row pgx.Row) (*BillingCase, error) {
	var c BillingCase
	err := row.Scan(&c.ID, &c.PatientRef, &c.EncounterRef, &c.PayerMode, &c.Status, &c.Version,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *caseRepoPG) Create(ctx context.Context, c *BillingCase) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO billing_case (id, patient_ref, encounter_ref, payer_mode, status, version,
			created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.PatientRef, c.EncounterRef, c.PayerMode, c.Status, c.Version,
		c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BillingCase, error) {
	return scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM billing_case WHERE id = $1`, id))
}

func (r *caseRepoPG) Lock(ctx context.Context, id uuid.UUID) (*BillingCase, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, fmt.Errorf("lock billing case %s: no transaction in context", id)
	}
	return scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM billing_case WHERE id = $1 FOR UPDATE`, id))
}

func (r *caseRepoPG) BumpVersion(ctx context.Context, id uuid.UUID, from int) (int, error) {
	var v int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE billing_case SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version`, id, from).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, staleErr(entityCase, id, strconv.Itoa(from), "", "case version moved on")
	}
	return v, err
}

func (r *caseRepoPG) UpdatePayerMode(ctx context.Context, id uuid.UUID, mode PayerMode) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE billing_case SET payer_mode = $2, updated_at = NOW() WHERE id = $1`, id, mode)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *caseRepoPG) List(ctx context.Context, limit, offset int) ([]*BillingCase, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing_case`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+caseCols+` FROM billing_case ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	items, err := collect(rows, err, scanCase)
	return items, total, err
}

// -- Invoices --

type invoiceRepoPG struct{ pgStore }

const invoiceCols = `id, case_id, module_code, invoice_type, status, subtotal, discount_total, tax_total,
	grand_total, superseded, superseded_at, parent_invoice_id, void_reason, approved_at, posted_at,
	voided_at, created_by, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var i Invoice
	err := row.Scan(&i.ID, &i.CaseID, &i.ModuleCode, &i.InvoiceType, &i.Status, &i.Subtotal,
		&i.DiscountTotal, &i.TaxTotal, &i.GrandTotal, &i.Superseded, &i.SupersededAt,
		&i.ParentInvoiceID, &i.VoidReason, &i.ApprovedAt, &i.PostedAt, &i.VoidedAt,
		&i.CreatedBy, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, i *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice (`+invoiceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		i.ID, i.CaseID, i.ModuleCode, i.InvoiceType, i.Status, i.Subtotal,
		i.DiscountTotal, i.TaxTotal, i.GrandTotal, i.Superseded, i.SupersededAt,
		i.ParentInvoiceID, i.VoidReason, i.ApprovedAt, i.PostedAt, i.VoidedAt,
		i.CreatedBy, i.CreatedAt, i.UpdatedAt)
	return err
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
}

func (r *invoiceRepoPG) Update(ctx context.Context, i *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status=$2, subtotal=$3, discount_total=$4, tax_total=$5, grand_total=$6,
			superseded=$7, superseded_at=$8, void_reason=$9, approved_at=$10, posted_at=$11,
			voided_at=$12, updated_at=$13
		WHERE id = $1`,
		i.ID, i.Status, i.Subtotal, i.DiscountTotal, i.TaxTotal, i.GrandTotal,
		i.Superseded, i.SupersededAt, i.VoidReason, i.ApprovedAt, i.PostedAt,
		i.VoidedAt, i.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *invoiceRepoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Invoice, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	return collect(rows, err, scanInvoice)
}

// -- Lines --

type lineRepoPG struct{ pgStore }

const lineCols = `id, invoice_id, kind, source_module, source_ref, service_code, description, category,
	qty, unit_price, discount_amount, gst_rate, tax_amount, net_amount, metadata, is_covered,
	insurer_pay_amount, parent_line_id, deleted_at, delete_reason, created_by, created_at, updated_at`

func scanLine(row pgx.Row) (*InvoiceLine, error) {
	var l InvoiceLine
	var meta []byte
	err := row.Scan(&l.ID, &l.InvoiceID, &l.Kind, &l.SourceModule, &l.SourceRef, &l.ServiceCode,
		&l.Description, &l.Category, &l.Qty, &l.UnitPrice, &l.DiscountAmount, &l.GSTRate,
		&l.TaxAmount, &l.NetAmount, &meta, &l.IsCovered, &l.InsurerPayAmount, &l.ParentLineID,
		&l.DeletedAt, &l.DeleteReason, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		l.Metadata = &LineMetadata{}
		if err := json.Unmarshal(meta, l.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of line %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

func metadataArg(m *LineMetadata) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *lineRepoPG) Create(ctx context.Context, l *InvoiceLine) error {
	meta, err := metadataArg(l.Metadata)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice_line (`+lineCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15::jsonb,$16,$17,$18,$19,$20,$21,$22,$23)`,
		l.ID, l.InvoiceID, l.Kind, l.SourceModule, l.SourceRef, l.ServiceCode,
		l.Description, l.Category, l.Qty, l.UnitPrice, l.DiscountAmount, l.GSTRate,
		l.TaxAmount, l.NetAmount, meta, l.IsCovered, l.InsurerPayAmount, l.ParentLineID,
		l.DeletedAt, l.DeleteReason, l.CreatedBy, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r *lineRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InvoiceLine, error) {
	return scanLine(r.conn(ctx).QueryRow(ctx, `SELECT `+lineCols+` FROM invoice_line WHERE id = $1`, id))
}

func (r *lineRepoPG) Update(ctx context.Context, l *InvoiceLine) error {
	meta, err := metadataArg(l.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice_line SET description=$2, category=$3, qty=$4, unit_price=$5,
			discount_amount=$6, gst_rate=$7, tax_amount=$8, net_amount=$9, metadata=$10::jsonb,
			is_covered=$11, insurer_pay_amount=$12, deleted_at=$13, delete_reason=$14, updated_at=$15
		WHERE id = $1`,
		l.ID, l.Description, l.Category, l.Qty, l.UnitPrice,
		l.DiscountAmount, l.GSTRate, l.TaxAmount, l.NetAmount, meta,
		l.IsCovered, l.InsurerPayAmount, l.DeletedAt, l.DeleteReason, l.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *lineRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+lineCols+` FROM invoice_line
		WHERE invoice_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`, invoiceID)
	return collect(rows, err, scanLine)
}
