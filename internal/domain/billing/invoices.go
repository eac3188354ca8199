package billing

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type InvoiceInput struct {
	ModuleCode  string      `json:"module_code"`
	InvoiceType InvoiceType `json:"invoice_type,omitempty"`
}

func (s *Service) CreateInvoice(ctx context.Context, op Op, caseID uuid.UUID, in InvoiceInput) (*Invoice, error) {
	if strings.TrimSpace(in.ModuleCode) == "" {
		return nil, validationErr("module_code", "module_code is required")
	}
	if in.InvoiceType == "" {
		in.InvoiceType = InvoicePatient
	}
	if in.InvoiceType != InvoicePatient && in.InvoiceType != InvoiceInsurer {
		return nil, validationErr("invoice_type", "invoice_type must be PATIENT or INSURER")
	}

	var inv *Invoice
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		if u.kase.Status != CaseOpen {
			return invalidStateErr(entityCase, caseID, "CREATE_INVOICE", string(u.kase.Status))
		}
		inv = &Invoice{
			ID:          uuid.New(),
			CaseID:      caseID,
			ModuleCode:  strings.ToUpper(strings.TrimSpace(in.ModuleCode)),
			InvoiceType: in.InvoiceType,
			Status:      StatusDraft,
			CreatedBy:   u.actor.ID,
			CreatedAt:   u.now,
			UpdatedAt:   u.now,
		}
		if err := s.repos.Invoices.Create(ctx, inv); err != nil {
			return err
		}
		u.record(entityInvoice, inv.ID, "create", "invoice created", nil, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoice returns the invoice with its active lines and live position.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*InvoiceView, error) {
	inv, err := s.repos.Invoices.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(entityInvoice, id, err)
	}
	l, err := s.loadLedger(ctx, inv.CaseID)
	if err != nil {
		return nil, err
	}
	v := l.view(inv)
	if v.Lines, err = s.repos.Lines.ListByInvoice(ctx, id); err != nil {
		return nil, err
	}
	return v, nil
}

// ListInvoices returns every invoice of the case, superseded and void ones
// included, with their live positions.
func (s *Service) ListInvoices(ctx context.Context, caseID uuid.UUID) ([]*InvoiceView, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	l, err := s.loadLedger(ctx, caseID)
	if err != nil {
		return nil, err
	}
	out := make([]*InvoiceView, 0, len(l.invoices))
	for _, inv := range l.invoices {
		out = append(out, l.view(inv))
	}
	return out, nil
}

// caseOfInvoice resolves the owning case so the case lock can be taken
// before the invoice is read again under it.
func (s *Service) caseOfInvoice(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	inv, err := s.repos.Invoices.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, mapStoreErr(entityInvoice, id, err)
	}
	return inv.CaseID, nil
}

// lockedInvoice re-reads an invoice inside the case transaction.
func (s *Service) lockedInvoice(ctx context.Context, u *unitOfWork, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repos.Invoices.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(entityInvoice, id, err)
	}
	if inv.CaseID != u.kase.ID {
		return nil, notFoundErr(entityInvoice, id)
	}
	return inv, nil
}

// transition moves inv to `to` if the lifecycle allows it.
func transition(inv *Invoice, to InvoiceStatus, attempted string) error {
	if inv.Superseded {
		return invalidStateErr(entityInvoice, inv.ID, attempted, "SUPERSEDED")
	}
	if !CanTransition(inv.Status, to) {
		return invalidStateErr(entityInvoice, inv.ID, attempted, string(inv.Status))
	}
	inv.Status = to
	return nil
}

func (s *Service) invoiceMutation(ctx context.Context, op Op, id uuid.UUID, fn func(ctx context.Context, u *unitOfWork, inv *Invoice) error) (*Invoice, error) {
	caseID, err := s.caseOfInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *Invoice
	err = s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		inv, err := s.lockedInvoice(ctx, u, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, u, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveInvoice locks a DRAFT invoice that has at least one active line.
// An open edit window on the invoice is closed.
func (s *Service) ApproveInvoice(ctx context.Context, op Op, id uuid.UUID) (*Invoice, error) {
	return s.invoiceMutation(ctx, op, id, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		return s.approve(ctx, u, inv, "invoice approved")
	})
}

func (s *Service) approve(ctx context.Context, u *unitOfWork, inv *Invoice, reason string) error {
	before := *inv
	lines, err := s.repos.Lines.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	if inv.Status == StatusDraft && len(lines) == 0 {
		return &Error{
			Kind:      ErrInvalidState,
			Entity:    entityInvoice,
			EntityID:  inv.ID.String(),
			Attempted: "APPROVE",
			Current:   string(inv.Status),
			Message:   "cannot approve an invoice without active lines",
		}
	}
	if err := transition(inv, StatusApproved, "APPROVE"); err != nil {
		return err
	}
	// totals are re-derived on every lock so a stale column never survives
	inv.applyTotals(SumLines(lines))
	at := u.now
	inv.ApprovedAt = &at
	inv.UpdatedAt = u.now
	if err := s.repos.Invoices.Update(ctx, inv); err != nil {
		return err
	}
	u.record(entityInvoice, inv.ID, "approve", reason, before, inv)
	return s.closeEditWindows(ctx, u, inv.ID)
}

func (s *Service) PostInvoice(ctx context.Context, op Op, id uuid.UUID) (*Invoice, error) {
	return s.invoiceMutation(ctx, op, id, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		before := *inv
		if err := transition(inv, StatusPosted, "POST"); err != nil {
			return err
		}
		at := u.now
		inv.PostedAt = &at
		inv.UpdatedAt = u.now
		if err := s.repos.Invoices.Update(ctx, inv); err != nil {
			return err
		}
		u.record(entityInvoice, inv.ID, "post", "invoice posted", before, inv)
		return nil
	})
}

// VoidInvoice removes a DRAFT or APPROVED invoice from all due and balance
// math. Existing allocations stay on record.
func (s *Service) VoidInvoice(ctx context.Context, op Op, id uuid.UUID, reason string) (*Invoice, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	return s.invoiceMutation(ctx, op, id, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		before := *inv
		if err := transition(inv, StatusVoid, "VOID"); err != nil {
			return err
		}
		at := u.now
		r := strings.TrimSpace(reason)
		inv.VoidedAt = &at
		inv.VoidReason = &r
		inv.UpdatedAt = u.now
		if err := s.repos.Invoices.Update(ctx, inv); err != nil {
			return err
		}
		u.record(entityInvoice, inv.ID, "void", r, before, inv)
		return s.closeEditWindows(ctx, u, inv.ID)
	})
}

// ReopenInvoice returns an APPROVED invoice to DRAFT. It needs an elevated
// role. Payments already allocated stay; if later edits drop the total below
// them the invoice is reported as overpaid.
func (s *Service) ReopenInvoice(ctx context.Context, op Op, id uuid.UUID, reason string) (*Invoice, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op.Actor, ActionReopen); err != nil {
		return nil, err
	}
	return s.invoiceMutation(ctx, op, id, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		return s.reopen(ctx, u, inv, strings.TrimSpace(reason))
	})
}

func (s *Service) reopen(ctx context.Context, u *unitOfWork, inv *Invoice, reason string) error {
	before := *inv
	if inv.Status != StatusApproved {
		return invalidStateErr(entityInvoice, inv.ID, "REOPEN", string(inv.Status))
	}
	if err := transition(inv, StatusDraft, "REOPEN"); err != nil {
		return err
	}
	inv.ApprovedAt = nil
	inv.UpdatedAt = u.now
	if err := s.repos.Invoices.Update(ctx, inv); err != nil {
		return err
	}
	paid, err := s.repos.Receipts.PaidByInvoice(ctx, inv.CaseID)
	if err != nil {
		return err
	}
	if p := paid[inv.ID]; p.IsPositive() {
		s.log(ctx).Warn().
			Str("invoice_id", inv.ID.String()).
			Str("paid", p.StringFixed(2)).
			Msg("invoice reopened with allocated payments")
	}
	u.record(entityInvoice, inv.ID, "reopen", reason, before, inv)
	return nil
}
