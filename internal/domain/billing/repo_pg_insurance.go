package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type insuranceRepoPG struct{ pgStore }

const policyCols = `id, case_id, payer_kind, payer_name, policy_number, member_id, tpa_name,
	valid_from, valid_to, created_by, created_at, updated_at`

func scanPolicy(row pgx.Row) (*InsurancePolicy, error) {
	var p InsurancePolicy
	err := row.Scan(&p.ID, &p.CaseID, &p.PayerKind, &p.PayerName, &p.PolicyNumber, &p.MemberID,
		&p.TPAName, &p.ValidFrom, &p.ValidTo, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *insuranceRepoPG) UpsertPolicy(ctx context.Context, p *InsurancePolicy) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_policy (`+policyCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (case_id) DO UPDATE SET
			payer_kind = EXCLUDED.payer_kind, payer_name = EXCLUDED.payer_name,
			policy_number = EXCLUDED.policy_number, member_id = EXCLUDED.member_id,
			tpa_name = EXCLUDED.tpa_name, valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to, updated_at = EXCLUDED.updated_at`,
		p.ID, p.CaseID, p.PayerKind, p.PayerName, p.PolicyNumber, p.MemberID, p.TPAName,
		p.ValidFrom, p.ValidTo, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *insuranceRepoPG) GetPolicy(ctx context.Context, caseID uuid.UUID) (*InsurancePolicy, error) {
	return scanPolicy(r.conn(ctx).QueryRow(ctx, `SELECT `+policyCols+` FROM insurance_policy WHERE case_id = $1`, caseID))
}

const splitCols = `id, case_id, original_invoice_id, patient_invoice_id, insurer_invoice_id, created_by, created_at`

func scanSplit(row pgx.Row) (*InvoiceSplit, error) {
	var s InvoiceSplit
	err := row.Scan(&s.ID, &s.CaseID, &s.OriginalInvoiceID, &s.PatientInvoiceID, &s.InsurerInvoiceID,
		&s.CreatedBy, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *insuranceRepoPG) CreateSplit(ctx context.Context, s *InvoiceSplit) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice_split (`+splitCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.CaseID, s.OriginalInvoiceID, s.PatientInvoiceID, s.InsurerInvoiceID, s.CreatedBy, s.CreatedAt)
	return err
}

func (r *insuranceRepoPG) GetSplitByOriginal(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSplit, error) {
	return scanSplit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+splitCols+` FROM invoice_split WHERE original_invoice_id = $1`, invoiceID))
}

func (r *insuranceRepoPG) GetSplitByDerived(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSplit, error) {
	return scanSplit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+splitCols+` FROM invoice_split WHERE patient_invoice_id = $1 OR insurer_invoice_id = $1`, invoiceID))
}

func (r *insuranceRepoPG) ListSplits(ctx context.Context, caseID uuid.UUID) ([]*InvoiceSplit, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+splitCols+` FROM invoice_split WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	return collect(rows, err, scanSplit)
}

const preauthCols = `id, case_id, policy_id, status, requested_amount, approved_amount, reference, notes,
	created_by, created_at, updated_at`

func scanPreauth(row pgx.Row) (*Preauth, error) {
	var p Preauth
	err := row.Scan(&p.ID, &p.CaseID, &p.PolicyID, &p.Status, &p.RequestedAmount, &p.ApprovedAmount,
		&p.Reference, &p.Notes, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *insuranceRepoPG) CreatePreauth(ctx context.Context, p *Preauth) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO preauth (`+preauthCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.CaseID, p.PolicyID, p.Status, p.RequestedAmount, p.ApprovedAmount,
		p.Reference, p.Notes, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *insuranceRepoPG) GetPreauth(ctx context.Context, id uuid.UUID) (*Preauth, error) {
	return scanPreauth(r.conn(ctx).QueryRow(ctx, `SELECT `+preauthCols+` FROM preauth WHERE id = $1`, id))
}

func (r *insuranceRepoPG) UpdatePreauth(ctx context.Context, p *Preauth) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE preauth SET status=$2, approved_amount=$3, reference=$4, notes=$5, updated_at=$6
		WHERE id = $1`,
		p.ID, p.Status, p.ApprovedAmount, p.Reference, p.Notes, p.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *insuranceRepoPG) ListPreauths(ctx context.Context, caseID uuid.UUID) ([]*Preauth, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+preauthCols+` FROM preauth WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	return collect(rows, err, scanPreauth)
}

const claimCols = `id, case_id, policy_id, invoice_id, status, claim_amount, approved_amount,
	settled_amount, reference, notes, created_by, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.CaseID, &c.PolicyID, &c.InvoiceID, &c.Status, &c.ClaimAmount,
		&c.ApprovedAmount, &c.SettledAmount, &c.Reference, &c.Notes, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *insuranceRepoPG) CreateClaim(ctx context.Context, c *Claim) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim (`+claimCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.CaseID, c.PolicyID, c.InvoiceID, c.Status, c.ClaimAmount, c.ApprovedAmount,
		c.SettledAmount, c.Reference, c.Notes, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *insuranceRepoPG) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *insuranceRepoPG) UpdateClaim(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET status=$2, approved_amount=$3, settled_amount=$4, reference=$5, notes=$6,
			updated_at=$7
		WHERE id = $1`,
		c.ID, c.Status, c.ApprovedAmount, c.SettledAmount, c.Reference, c.Notes, c.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *insuranceRepoPG) ListClaims(ctx context.Context, caseID uuid.UUID) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+claimCols+` FROM claim WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	return collect(rows, err, scanClaim)
}

// -- Edit requests --

type editRequestRepoPG struct{ pgStore }

const editRequestCols = `id, case_id, invoice_id, status, reason, unlock_minutes, requested_by, decided_by,
	decision_reason, decided_at, relock_at, relocked_at, created_at, updated_at`

func scanEditRequest(row pgx.Row) (*EditRequest, error) {
	var e EditRequest
	err := row.Scan(&e.ID, &e.CaseID, &e.InvoiceID, &e.Status, &e.Reason, &e.UnlockMinutes,
		&e.RequestedBy, &e.DecidedBy, &e.DecisionReason, &e.DecidedAt, &e.RelockAt, &e.RelockedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *editRequestRepoPG) Create(ctx context.Context, e *EditRequest) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO edit_request (`+editRequestCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.CaseID, e.InvoiceID, e.Status, e.Reason, e.UnlockMinutes,
		e.RequestedBy, e.DecidedBy, e.DecisionReason, e.DecidedAt, e.RelockAt, e.RelockedAt,
		e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *editRequestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*EditRequest, error) {
	return scanEditRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+editRequestCols+` FROM edit_request WHERE id = $1`, id))
}

func (r *editRequestRepoPG) Update(ctx context.Context, e *EditRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE edit_request SET status=$2, decided_by=$3, decision_reason=$4, decided_at=$5,
			relock_at=$6, relocked_at=$7, updated_at=$8
		WHERE id = $1`,
		e.ID, e.Status, e.DecidedBy, e.DecisionReason, e.DecidedAt, e.RelockAt, e.RelockedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	return affectedOne(tag)
}

func (r *editRequestRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*EditRequest, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+editRequestCols+` FROM edit_request WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	return collect(rows, err, scanEditRequest)
}

func (r *editRequestRepoPG) ListAwaitingRelock(ctx context.Context) ([]*EditRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+editRequestCols+` FROM edit_request
		WHERE status = 'APPROVED' AND relocked_at IS NULL
		ORDER BY relock_at`)
	return collect(rows, err, scanEditRequest)
}
