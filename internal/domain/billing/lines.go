package billing

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LineInput struct {
	Kind             LineKind         `json:"kind"`
	SourceModule     *SourceModule    `json:"source_module,omitempty"`
	SourceRef        *string          `json:"source_ref,omitempty"`
	ServiceCode      *string          `json:"service_code,omitempty"`
	Description      string           `json:"description"`
	Category         *string          `json:"category,omitempty"`
	Qty              decimal.Decimal  `json:"qty"`
	UnitPrice        *decimal.Decimal `json:"unit_price,omitempty"`
	DiscountAmount   decimal.Decimal  `json:"discount_amount"`
	GSTRate          *decimal.Decimal `json:"gst_rate,omitempty"`
	Metadata         *LineMetadata    `json:"metadata,omitempty"`
	IsCovered        Coverage         `json:"is_covered,omitempty"`
	InsurerPayAmount decimal.Decimal  `json:"insurer_pay_amount"`
}

// LinePatch changes billing fields of a line. Nil fields are kept. The
// line kind and its source reference never change.
type LinePatch struct {
	Description    *string          `json:"description,omitempty"`
	Category       *string          `json:"category,omitempty"`
	Qty            *decimal.Decimal `json:"qty,omitempty"`
	UnitPrice      *decimal.Decimal `json:"unit_price,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	GSTRate        *decimal.Decimal `json:"gst_rate,omitempty"`
	Metadata       *LineMetadata    `json:"metadata,omitempty"`
}

// fillFromCatalog snapshots catalog defaults into fields the caller left
// empty. The line keeps the copied values even if the catalog changes.
func (s *Service) fillFromCatalog(ctx context.Context, in *LineInput) error {
	if in.ServiceCode == nil || *in.ServiceCode == "" || s.catalog == nil {
		return nil
	}
	item, ok, err := s.catalog.Lookup(ctx, *in.ServiceCode)
	if err != nil {
		return err
	}
	if !ok {
		if in.UnitPrice == nil {
			return validationErr("service_code", "unknown service_code %q", *in.ServiceCode)
		}
		return nil
	}
	if in.UnitPrice == nil {
		p := item.UnitPrice
		in.UnitPrice = &p
	}
	if in.GSTRate == nil {
		g := item.GSTRate
		in.GSTRate = &g
	}
	if in.Category == nil && item.Category != "" {
		c := item.Category
		in.Category = &c
	}
	if strings.TrimSpace(in.Description) == "" {
		in.Description = item.Description
	}
	return nil
}

func (s *Service) AddLine(ctx context.Context, op Op, invoiceID uuid.UUID, in LineInput, reason string) (*InvoiceLine, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	if err := s.fillFromCatalog(ctx, &in); err != nil {
		return nil, err
	}
	if in.UnitPrice == nil {
		return nil, validationErr("unit_price", "unit_price is required")
	}
	gst := decimal.Zero
	if in.GSTRate != nil {
		gst = *in.GSTRate
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, validationErr("description", "description is required")
	}
	if in.Kind == "" {
		in.Kind = LineManual
	}
	if err := ValidateAmounts(in.Qty, *in.UnitPrice, in.DiscountAmount, gst); err != nil {
		return nil, err
	}
	if err := validateLineSource(in.Kind, in.SourceModule, in.SourceRef, in.Metadata); err != nil {
		return nil, err
	}
	if in.IsCovered == "" {
		in.IsCovered = CoveredNo
	}
	if !in.IsCovered.Valid() {
		return nil, validationErr("is_covered", "is_covered must be NO, YES or PARTIAL")
	}

	var line *InvoiceLine
	_, err := s.invoiceMutation(ctx, op, invoiceID, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		if err := requireEditable(inv, "ADD_LINE"); err != nil {
			return err
		}
		amounts := ComputeLine(in.Qty, *in.UnitPrice, in.DiscountAmount, gst)
		line = &InvoiceLine{
			ID:               uuid.New(),
			InvoiceID:        inv.ID,
			Kind:             in.Kind,
			SourceModule:     in.SourceModule,
			SourceRef:        in.SourceRef,
			ServiceCode:      in.ServiceCode,
			Description:      strings.TrimSpace(in.Description),
			Category:         in.Category,
			Qty:              in.Qty,
			UnitPrice:        *in.UnitPrice,
			DiscountAmount:   in.DiscountAmount,
			GSTRate:          gst,
			TaxAmount:        amounts.Tax,
			NetAmount:        amounts.Net,
			Metadata:         in.Metadata,
			IsCovered:        in.IsCovered,
			InsurerPayAmount: clampInsurerShare(in.IsCovered, in.InsurerPayAmount, amounts.Net),
			CreatedBy:        u.actor.ID,
			CreatedAt:        u.now,
			UpdatedAt:        u.now,
		}
		if err := s.repos.Lines.Create(ctx, line); err != nil {
			return err
		}
		u.record(entityLine, line.ID, "create", strings.TrimSpace(reason), nil, line)
		return s.recalcTotals(ctx, u, inv)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (s *Service) UpdateLine(ctx context.Context, op Op, lineID uuid.UUID, patch LinePatch, reason string) (*InvoiceLine, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	if patch.Description != nil && strings.TrimSpace(*patch.Description) == "" {
		return nil, validationErr("description", "description must not be empty")
	}
	var line *InvoiceLine
	err := s.lineMutation(ctx, op, lineID, func(ctx context.Context, u *unitOfWork, inv *Invoice, l *InvoiceLine) error {
		if err := requireEditable(inv, "UPDATE_LINE"); err != nil {
			return err
		}
		before := *l
		if patch.Description != nil {
			l.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Category != nil {
			l.Category = patch.Category
		}
		if patch.Qty != nil {
			l.Qty = *patch.Qty
		}
		if patch.UnitPrice != nil {
			l.UnitPrice = *patch.UnitPrice
		}
		if patch.DiscountAmount != nil {
			l.DiscountAmount = *patch.DiscountAmount
		}
		if patch.GSTRate != nil {
			l.GSTRate = *patch.GSTRate
		}
		if patch.Metadata != nil {
			l.Metadata = patch.Metadata
		}
		if err := ValidateAmounts(l.Qty, l.UnitPrice, l.DiscountAmount, l.GSTRate); err != nil {
			return err
		}
		if err := validateLineSource(l.Kind, l.SourceModule, l.SourceRef, l.Metadata); err != nil {
			return err
		}
		amounts := ComputeLine(l.Qty, l.UnitPrice, l.DiscountAmount, l.GSTRate)
		l.TaxAmount = amounts.Tax
		l.NetAmount = amounts.Net
		l.InsurerPayAmount = clampInsurerShare(l.IsCovered, l.InsurerPayAmount, l.NetAmount)
		l.UpdatedAt = u.now
		if err := s.repos.Lines.Update(ctx, l); err != nil {
			return err
		}
		u.record(entityLine, l.ID, "update", strings.TrimSpace(reason), before, l)
		line = l
		return s.recalcTotals(ctx, u, inv)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// DeleteLine soft-deletes a line. Deleted lines stay on record for the
// audit history and drop out of the invoice totals.
func (s *Service) DeleteLine(ctx context.Context, op Op, lineID uuid.UUID, reason string) error {
	if err := checkReason(reason); err != nil {
		return err
	}
	return s.lineMutation(ctx, op, lineID, func(ctx context.Context, u *unitOfWork, inv *Invoice, l *InvoiceLine) error {
		if err := requireEditable(inv, "DELETE_LINE"); err != nil {
			return err
		}
		before := *l
		at := u.now
		r := strings.TrimSpace(reason)
		l.DeletedAt = &at
		l.DeleteReason = &r
		l.UpdatedAt = u.now
		if err := s.repos.Lines.Update(ctx, l); err != nil {
			return err
		}
		u.record(entityLine, l.ID, "delete", r, before, l)
		return s.recalcTotals(ctx, u, inv)
	})
}

type CoverageInput struct {
	IsCovered        Coverage        `json:"is_covered"`
	InsurerPayAmount decimal.Decimal `json:"insurer_pay_amount"`
}

// SetLineCoverage records the insurer decision for a line. The insurer
// share is clamped to [0, net_amount]; the patient share is derived.
func (s *Service) SetLineCoverage(ctx context.Context, op Op, lineID uuid.UUID, in CoverageInput) (*InvoiceLine, error) {
	if !in.IsCovered.Valid() {
		return nil, validationErr("is_covered", "is_covered must be NO, YES or PARTIAL")
	}
	if exceedsScale(in.InsurerPayAmount) {
		return nil, validationErr("insurer_pay_amount", "amounts allow at most 2 decimal places")
	}
	var line *InvoiceLine
	err := s.lineMutation(ctx, op, lineID, func(ctx context.Context, u *unitOfWork, inv *Invoice, l *InvoiceLine) error {
		if inv.Superseded || (inv.Status != StatusDraft && inv.Status != StatusApproved) {
			current := string(inv.Status)
			if inv.Superseded {
				current = "SUPERSEDED"
			}
			return invalidStateErr(entityInvoice, inv.ID, "SET_COVERAGE", current)
		}
		before := *l
		l.IsCovered = in.IsCovered
		l.InsurerPayAmount = clampInsurerShare(in.IsCovered, in.InsurerPayAmount, l.NetAmount)
		l.UpdatedAt = u.now
		if err := s.repos.Lines.Update(ctx, l); err != nil {
			return err
		}
		u.record(entityLine, l.ID, "set_coverage", "insurance coverage decision", before, l)
		line = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (s *Service) ListLines(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceLine, error) {
	if _, err := s.caseOfInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repos.Lines.ListByInvoice(ctx, invoiceID)
}

func (s *Service) lineMutation(ctx context.Context, op Op, lineID uuid.UUID, fn func(ctx context.Context, u *unitOfWork, inv *Invoice, l *InvoiceLine) error) error {
	l, err := s.repos.Lines.GetByID(ctx, lineID)
	if err != nil {
		return mapStoreErr(entityLine, lineID, err)
	}
	_, err = s.invoiceMutation(ctx, op, l.InvoiceID, func(ctx context.Context, u *unitOfWork, inv *Invoice) error {
		l, err := s.repos.Lines.GetByID(ctx, lineID)
		if err != nil {
			return mapStoreErr(entityLine, lineID, err)
		}
		if !l.Active() {
			return notFoundErr(entityLine, lineID)
		}
		return fn(ctx, u, inv, l)
	})
	return err
}

// requireEditable allows line changes on DRAFT invoices only. The error for
// an APPROVED or POSTED invoice is recognised by IsLocked.
func requireEditable(inv *Invoice, attempted string) error {
	if inv.Superseded {
		return invalidStateErr(entityInvoice, inv.ID, attempted, "SUPERSEDED")
	}
	if inv.Status != StatusDraft {
		return invalidStateErr(entityInvoice, inv.ID, attempted, string(inv.Status))
	}
	return nil
}

// recalcTotals re-derives the invoice totals from its active lines.
func (s *Service) recalcTotals(ctx context.Context, u *unitOfWork, inv *Invoice) error {
	lines, err := s.repos.Lines.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.applyTotals(SumLines(lines))
	inv.UpdatedAt = u.now
	if err := s.repos.Invoices.Update(ctx, inv); err != nil {
		return err
	}
	paid, err := s.repos.Receipts.PaidByInvoice(ctx, inv.CaseID)
	if err != nil {
		return err
	}
	if _, over := position(inv.GrandTotal, paid[inv.ID]); over.IsPositive() {
		caseID, invoiceID := inv.CaseID, inv.ID
		u.afterCommit(func() {
			s.log(ctx).Warn().
				Str("case_id", caseID.String()).
				Str("invoice_id", invoiceID.String()).
				Str("overpaid", over.StringFixed(2)).
				Msg("invoice overpaid after edit, manual reconciliation required")
		})
	}
	return nil
}
