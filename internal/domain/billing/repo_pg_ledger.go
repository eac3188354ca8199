package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// -- Receipts --

type receiptRepoPG struct{ pgStore }

const receiptCols = `id, case_id, mode, txn_ref, amount, source, notes, voided_at, void_reason, created_by, created_at`

const allocationCols = `id, receipt_id, invoice_id, amount, created_at`

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	err := row.Scan(&r.ID, &r.CaseID, &r.Mode, &r.TxnRef, &r.Amount, &r.Source, &r.Notes,
		&r.VoidedAt, &r.VoidReason, &r.CreatedBy, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanAllocation(row pgx.Row) (*Allocation, error) {
	var a Allocation
	if err := row.Scan(&a.ID, &a.ReceiptID, &a.InvoiceID, &a.Amount, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func queueAllocation(b *pgx.Batch, a *Allocation) {
	b.Queue(`INSERT INTO payment_allocation (`+allocationCols+`) VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.ReceiptID, a.InvoiceID, a.Amount, a.CreatedAt)
}

func (r *receiptRepoPG) Create(ctx context.Context, rc *Receipt) error {
	b := &pgx.Batch{}
	b.Queue(`INSERT INTO receipt (`+receiptCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rc.ID, rc.CaseID, rc.Mode, rc.TxnRef, rc.Amount, rc.Source, rc.Notes,
		rc.VoidedAt, rc.VoidReason, rc.CreatedBy, rc.CreatedAt)
	for _, a := range rc.Allocations {
		queueAllocation(b, a)
	}
	return execBatch(ctx, r.conn(ctx), b)
}

func (r *receiptRepoPG) attachAllocations(ctx context.Context, receipts []*Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(receipts))
	byID := make(map[uuid.UUID]*Receipt, len(receipts))
	for i, rc := range receipts {
		ids[i] = rc.ID
		rc.Allocations = []*Allocation{}
		byID[rc.ID] = rc
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+allocationCols+` FROM payment_allocation
		WHERE receipt_id = ANY($1) ORDER BY created_at, id`, ids)
	allocs, err := collect(rows, err, scanAllocation)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		byID[a.ReceiptID].Allocations = append(byID[a.ReceiptID].Allocations, a)
	}
	return nil
}

func (r *receiptRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Receipt, error) {
	rc, err := scanReceipt(r.conn(ctx).QueryRow(ctx, `SELECT `+receiptCols+` FROM receipt WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.attachAllocations(ctx, []*Receipt{rc}); err != nil {
		return nil, err
	}
	return rc, nil
}

func (r *receiptRepoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Receipt, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+receiptCols+` FROM receipt WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	items, err := collect(rows, err, scanReceipt)
	if err != nil {
		return nil, err
	}
	return items, r.attachAllocations(ctx, items)
}

func (r *receiptRepoPG) Void(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE receipt SET voided_at = $2, void_reason = $3 WHERE id = $1 AND voided_at IS NULL`, id, at, reason)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *receiptRepoPG) PaidByInvoice(ctx context.Context, caseID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.invoice_id, SUM(a.amount)
		FROM payment_allocation a
		JOIN receipt r ON r.id = a.receipt_id
		WHERE r.case_id = $1 AND r.voided_at IS NULL
		GROUP BY a.invoice_id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	paid := map[uuid.UUID]decimal.Decimal{}
	for rows.Next() {
		var id uuid.UUID
		var sum decimal.Decimal
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		paid[id] = sum
	}
	return paid, rows.Err()
}

func (r *receiptRepoPG) AllocationsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Allocation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.receipt_id, a.invoice_id, a.amount, a.created_at
		FROM payment_allocation a
		JOIN receipt r ON r.id = a.receipt_id
		WHERE a.invoice_id = $1 AND r.voided_at IS NULL
		ORDER BY a.created_at, a.id`, invoiceID)
	return collect(rows, err, scanAllocation)
}

func (r *receiptRepoPG) ReplaceAllocation(ctx context.Context, old *Allocation, parts []*Allocation) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM payment_allocation WHERE id = $1`, old.ID)
	for _, a := range parts {
		queueAllocation(b, a)
	}
	return execBatch(ctx, r.conn(ctx), b)
}

// -- Advances --

type advanceRepoPG struct{ pgStore }

const advanceCols = `id, case_id, entry_type, amount, mode, txn_ref, reason, created_by, created_at`

const applicationCols = `id, case_id, receipt_id, applied_amount, notes, reversed_at, created_by, created_at`

func scanAdvance(row pgx.Row) (*AdvanceEntry, error) {
	var e AdvanceEntry
	err := row.Scan(&e.ID, &e.CaseID, &e.EntryType, &e.Amount, &e.Mode, &e.TxnRef, &e.Reason,
		&e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanApplication(row pgx.Row) (*AdvanceApplication, error) {
	var a AdvanceApplication
	err := row.Scan(&a.ID, &a.CaseID, &a.ReceiptID, &a.AppliedAmount, &a.Notes, &a.ReversedAt,
		&a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanConsumption(row pgx.Row) (*Consumption, error) {
	var c Consumption
	if err := row.Scan(&c.ApplicationID, &c.AdvanceEntryID, &c.Amount); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *advanceRepoPG) CreateEntry(ctx context.Context, e *AdvanceEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO advance_entry (`+advanceCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.CaseID, e.EntryType, e.Amount, e.Mode, e.TxnRef, e.Reason, e.CreatedBy, e.CreatedAt)
	return err
}

func (r *advanceRepoPG) ListEntries(ctx context.Context, caseID uuid.UUID) ([]*AdvanceEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+advanceCols+` FROM advance_entry WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	return collect(rows, err, scanAdvance)
}

func (r *advanceRepoPG) CreateApplication(ctx context.Context, a *AdvanceApplication) error {
	b := &pgx.Batch{}
	b.Queue(`INSERT INTO advance_application (`+applicationCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.CaseID, a.ReceiptID, a.AppliedAmount, a.Notes, a.ReversedAt, a.CreatedBy, a.CreatedAt)
	for _, c := range a.Consumptions {
		b.Queue(`INSERT INTO advance_consumption (application_id, advance_entry_id, amount) VALUES ($1,$2,$3)`,
			c.ApplicationID, c.AdvanceEntryID, c.Amount)
	}
	return execBatch(ctx, r.conn(ctx), b)
}

func (r *advanceRepoPG) attachConsumptions(ctx context.Context, apps []*AdvanceApplication) error {
	if len(apps) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(apps))
	byID := make(map[uuid.UUID]*AdvanceApplication, len(apps))
	for i, a := range apps {
		ids[i] = a.ID
		a.Consumptions = []*Consumption{}
		byID[a.ID] = a
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT application_id, advance_entry_id, amount FROM advance_consumption
		WHERE application_id = ANY($1)`, ids)
	cons, err := collect(rows, err, scanConsumption)
	if err != nil {
		return err
	}
	for _, c := range cons {
		byID[c.ApplicationID].Consumptions = append(byID[c.ApplicationID].Consumptions, c)
	}
	return nil
}

func (r *advanceRepoPG) GetApplicationByReceipt(ctx context.Context, receiptID uuid.UUID) (*AdvanceApplication, error) {
	a, err := scanApplication(r.conn(ctx).QueryRow(ctx,
		`SELECT `+applicationCols+` FROM advance_application WHERE receipt_id = $1`, receiptID))
	if err != nil {
		return nil, err
	}
	if err := r.attachConsumptions(ctx, []*AdvanceApplication{a}); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *advanceRepoPG) ListApplications(ctx context.Context, caseID uuid.UUID) ([]*AdvanceApplication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+applicationCols+` FROM advance_application WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	apps, err := collect(rows, err, scanApplication)
	if err != nil {
		return nil, err
	}
	return apps, r.attachConsumptions(ctx, apps)
}

func (r *advanceRepoPG) ReverseApplication(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE advance_application SET reversed_at = $2 WHERE id = $1 AND reversed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}
