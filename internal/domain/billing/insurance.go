package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type PolicyInput struct {
	PayerKind    PayerKind  `json:"payer_kind"`
	PayerName    string     `json:"payer_name"`
	PolicyNumber string     `json:"policy_number"`
	MemberID     *string    `json:"member_id,omitempty"`
	TPAName      *string    `json:"tpa_name,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

func policyMissing(caseID uuid.UUID) error {
	return &Error{
		Kind:     ErrPolicyMissing,
		Entity:   entityCase,
		EntityID: caseID.String(),
		Message:  "configure an insurance policy on the case first",
	}
}

// SetInsurancePolicy creates or replaces the policy of a case. The case
// payer mode follows the payer kind.
func (s *Service) SetInsurancePolicy(ctx context.Context, op Op, caseID uuid.UUID, in PolicyInput) (*InsurancePolicy, error) {
	if !in.PayerKind.Valid() {
		return nil, validationErr("payer_kind", "payer_kind must be INSURANCE, TPA or CORPORATE")
	}
	if strings.TrimSpace(in.PayerName) == "" {
		return nil, validationErr("payer_name", "payer_name is required")
	}
	if strings.TrimSpace(in.PolicyNumber) == "" {
		return nil, validationErr("policy_number", "policy_number is required")
	}
	if in.ValidFrom != nil && in.ValidTo != nil && in.ValidTo.Before(*in.ValidFrom) {
		return nil, validationErr("valid_to", "valid_to is before valid_from")
	}

	var pol *InsurancePolicy
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		existing, err := s.repos.Insurance.GetPolicy(ctx, caseID)
		if err = mapStoreErr(entityPolicy, caseID, err); err != nil && !isNotFound(err) {
			return err
		}
		pol = &InsurancePolicy{
			ID:           uuid.New(),
			CaseID:       caseID,
			PayerKind:    in.PayerKind,
			PayerName:    strings.TrimSpace(in.PayerName),
			PolicyNumber: strings.TrimSpace(in.PolicyNumber),
			MemberID:     in.MemberID,
			TPAName:      in.TPAName,
			ValidFrom:    in.ValidFrom,
			ValidTo:      in.ValidTo,
			CreatedBy:    u.actor.ID,
			CreatedAt:    u.now,
			UpdatedAt:    u.now,
		}
		var before interface{}
		if existing != nil {
			pol.ID = existing.ID
			pol.CreatedBy = existing.CreatedBy
			pol.CreatedAt = existing.CreatedAt
			before = existing
		}
		if err := s.repos.Insurance.UpsertPolicy(ctx, pol); err != nil {
			return err
		}
		u.record(entityPolicy, pol.ID, "set", "insurance policy configured", before, pol)

		mode := PayerMode(in.PayerKind)
		if u.kase.PayerMode != mode {
			if err := s.repos.Cases.UpdatePayerMode(ctx, caseID, mode); err != nil {
				return err
			}
			before := *u.kase
			u.kase.PayerMode = mode
			u.record(entityCase, caseID, "set_payer_mode", "insurance policy configured", before, u.kase)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pol, nil
}

func (s *Service) GetInsurancePolicy(ctx context.Context, caseID uuid.UUID) (*InsurancePolicy, error) {
	p, err := s.repos.Insurance.GetPolicy(ctx, caseID)
	if err != nil {
		if err = mapStoreErr(entityPolicy, caseID, err); isNotFound(err) {
			return nil, policyMissing(caseID)
		}
		return nil, err
	}
	return p, nil
}

// requirePolicy loads the policy inside a case transaction.
func (s *Service) requirePolicy(ctx context.Context, caseID uuid.UUID) (*InsurancePolicy, error) {
	p, err := s.repos.Insurance.GetPolicy(ctx, caseID)
	if err != nil {
		if err = mapStoreErr(entityPolicy, caseID, err); isNotFound(err) {
			return nil, policyMissing(caseID)
		}
		return nil, err
	}
	return p, nil
}

type SplitInput struct {
	InvoiceIDs     []uuid.UUID `json:"invoice_ids"`
	AllowPaidSplit bool        `json:"allow_paid_split"`
}

// SplitResult is the derived pair of one original invoice.
type SplitResult struct {
	Split   *InvoiceSplit `json:"split"`
	Patient *Invoice      `json:"patient_invoice"`
	Insurer *Invoice      `json:"insurer_invoice"`
	Existed bool          `json:"existed"`
}

// SplitInvoices partitions each invoice into a PATIENT and an INSURER
// invoice from the per-line insurer shares. The original is superseded, not
// voided. Splitting an already split invoice, or one of its derived
// invoices, returns the existing pair.
func (s *Service) SplitInvoices(ctx context.Context, op Op, caseID uuid.UUID, in SplitInput) ([]*SplitResult, error) {
	if len(in.InvoiceIDs) == 0 {
		return nil, validationErr("invoice_ids", "select at least one invoice")
	}
	var out []*SplitResult
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		if _, err := s.requirePolicy(ctx, caseID); err != nil {
			return err
		}
		paid, err := s.repos.Receipts.PaidByInvoice(ctx, caseID)
		if err != nil {
			return err
		}
		for _, id := range lo.Uniq(in.InvoiceIDs) {
			res, err := s.splitOne(ctx, u, id, paid, in.AllowPaidSplit)
			if err != nil {
				return err
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) existingSplit(ctx context.Context, u *unitOfWork, sp *InvoiceSplit) (*SplitResult, error) {
	patient, err := s.lockedInvoice(ctx, u, sp.PatientInvoiceID)
	if err != nil {
		return nil, err
	}
	insurer, err := s.lockedInvoice(ctx, u, sp.InsurerInvoiceID)
	if err != nil {
		return nil, err
	}
	return &SplitResult{Split: sp, Patient: patient, Insurer: insurer, Existed: true}, nil
}

func (s *Service) findSplit(ctx context.Context, id uuid.UUID) (*InvoiceSplit, error) {
	sp, err := s.repos.Insurance.GetSplitByOriginal(ctx, id)
	if err = mapStoreErr(entitySplit, id, err); err == nil {
		return sp, nil
	} else if !isNotFound(err) {
		return nil, err
	}
	sp, err = s.repos.Insurance.GetSplitByDerived(ctx, id)
	if err = mapStoreErr(entitySplit, id, err); err == nil {
		return sp, nil
	} else if !isNotFound(err) {
		return nil, err
	}
	return nil, nil
}

func (s *Service) splitOne(ctx context.Context, u *unitOfWork, id uuid.UUID, paid map[uuid.UUID]decimal.Decimal, allowPaid bool) (*SplitResult, error) {
	sp, err := s.findSplit(ctx, id)
	if err != nil {
		return nil, err
	}
	if sp != nil {
		return s.existingSplit(ctx, u, sp)
	}

	orig, err := s.lockedInvoice(ctx, u, id)
	if err != nil {
		return nil, err
	}
	if orig.Superseded || orig.Status == StatusVoid {
		current := string(orig.Status)
		if orig.Superseded {
			current = "SUPERSEDED"
		}
		return nil, invalidStateErr(entityInvoice, orig.ID, "SPLIT", current)
	}
	if p := paid[orig.ID]; p.IsPositive() && !allowPaid {
		return nil, policyErr(entityInvoice, orig.ID, "allow_paid_split", p, decimal.Zero,
			"invoice has payments, set allow_paid_split to split it")
	}
	lines, err := s.repos.Lines.ListByInvoice(ctx, orig.ID)
	if err != nil {
		return nil, err
	}

	patient := s.derivedInvoice(u, orig, InvoicePatient)
	insurer := s.derivedInvoice(u, orig, InvoiceInsurer)
	var patientLines, insurerLines []*InvoiceLine
	for _, l := range lines {
		pl, il := splitLine(l)
		if pl != nil {
			pl.ID, pl.InvoiceID, pl.CreatedBy, pl.CreatedAt, pl.UpdatedAt = uuid.New(), patient.ID, u.actor.ID, u.now, u.now
			patientLines = append(patientLines, pl)
		}
		if il != nil {
			il.ID, il.InvoiceID, il.CreatedBy, il.CreatedAt, il.UpdatedAt = uuid.New(), insurer.ID, u.actor.ID, u.now, u.now
			insurerLines = append(insurerLines, il)
		}
	}
	patient.applyTotals(SumLines(patientLines))
	insurer.applyTotals(SumLines(insurerLines))
	if !patient.GrandTotal.Add(insurer.GrandTotal).Equal(orig.GrandTotal) {
		return nil, fmt.Errorf("split of invoice %s does not conserve the total: %s + %s != %s",
			orig.ID, patient.GrandTotal.StringFixed(2), insurer.GrandTotal.StringFixed(2), orig.GrandTotal.StringFixed(2))
	}

	for _, inv := range []*Invoice{patient, insurer} {
		if err := s.repos.Invoices.Create(ctx, inv); err != nil {
			return nil, err
		}
	}
	for _, l := range append(patientLines, insurerLines...) {
		if err := s.repos.Lines.Create(ctx, l); err != nil {
			return nil, err
		}
	}

	before := *orig
	at := u.now
	orig.Superseded = true
	orig.SupersededAt = &at
	orig.UpdatedAt = u.now
	if err := s.repos.Invoices.Update(ctx, orig); err != nil {
		return nil, err
	}

	if paid[orig.ID].IsPositive() {
		if err := s.repointAllocations(ctx, orig.ID, patient, insurer); err != nil {
			return nil, err
		}
	}

	sp = &InvoiceSplit{
		ID:                uuid.New(),
		CaseID:            orig.CaseID,
		OriginalInvoiceID: orig.ID,
		PatientInvoiceID:  patient.ID,
		InsurerInvoiceID:  insurer.ID,
		CreatedBy:         u.actor.ID,
		CreatedAt:         u.now,
	}
	if err := s.repos.Insurance.CreateSplit(ctx, sp); err != nil {
		return nil, err
	}
	u.record(entityInvoice, orig.ID, "supersede", "invoice split for insurance", before, orig)
	u.record(entityInvoice, patient.ID, "create", "invoice split for insurance", nil, patient)
	u.record(entityInvoice, insurer.ID, "create", "invoice split for insurance", nil, insurer)
	u.record(entitySplit, sp.ID, "split", "invoice split for insurance", nil, sp)
	return &SplitResult{Split: sp, Patient: patient, Insurer: insurer}, nil
}

func (s *Service) derivedInvoice(u *unitOfWork, orig *Invoice, typ InvoiceType) *Invoice {
	parent := orig.ID
	return &Invoice{
		ID:              uuid.New(),
		CaseID:          orig.CaseID,
		ModuleCode:      orig.ModuleCode,
		InvoiceType:     typ,
		Status:          orig.Status,
		ParentInvoiceID: &parent,
		ApprovedAt:      orig.ApprovedAt,
		PostedAt:        orig.PostedAt,
		CreatedBy:       u.actor.ID,
		CreatedAt:       u.now,
		UpdatedAt:       u.now,
	}
}

// splitLine derives the patient and insurer lines of one original line.
// Tax follows the insurer share proportionally; the patient side takes the
// remainder, so rounding residue stays with the patient. A side with a
// zero amount yields nil. Every derived line satisfies ComputeLine for its
// own qty, unit_price and gst_rate.
func splitLine(l *InvoiceLine) (patient, insurer *InvoiceLine) {
	share := l.InsurerPayAmount
	insurerTax := decimal.Zero
	if l.NetAmount.IsPositive() && share.IsPositive() {
		insurerTax = round2(l.TaxAmount.Mul(share).Div(l.NetAmount))
	}
	parent := l.ID
	derive := func(net, tax decimal.Decimal, covered Coverage, insurerPay decimal.Decimal) (*InvoiceLine, decimal.Decimal) {
		if !net.IsPositive() {
			return nil, decimal.Zero
		}
		unit, tax, rate := derivedAmounts(net, tax, l.GSTRate)
		return &InvoiceLine{
			Kind:             l.Kind,
			SourceModule:     l.SourceModule,
			SourceRef:        l.SourceRef,
			ServiceCode:      l.ServiceCode,
			Description:      l.Description,
			Category:         l.Category,
			Qty:              decimal.NewFromInt(1),
			UnitPrice:        unit,
			DiscountAmount:   decimal.Zero,
			GSTRate:          rate,
			TaxAmount:        tax,
			NetAmount:        net,
			Metadata:         l.Metadata,
			IsCovered:        covered,
			InsurerPayAmount: insurerPay,
			ParentLineID:     &parent,
		}, tax
	}
	insurer, insurerTax = derive(share, insurerTax, CoveredYes, share)
	patient, _ = derive(l.NetAmount.Sub(share), l.TaxAmount.Sub(insurerTax), CoveredNo, decimal.Zero)
	return patient, insurer
}

// derivedAmounts picks unit price, tax and rate for a qty 1 line whose net
// is fixed. It keeps the preferred tax when that is consistent with rate,
// then tries the unit prices adjacent to net/(1+rate/100), and only when no
// price at rate yields net exactly does it record the effective rate.
func derivedAmounts(net, preferredTax, rate decimal.Decimal) (unit, tax, effective decimal.Decimal) {
	fits := func(unit, tax, rate decimal.Decimal) bool {
		return !unit.IsNegative() && ComputeLine(decimal.NewFromInt(1), unit, decimal.Zero, rate).Tax.Equal(tax)
	}
	if unit := net.Sub(preferredTax); fits(unit, preferredTax, rate) {
		return unit, preferredTax, rate
	}
	cent := decimal.New(1, -2)
	guess := round2(net.Mul(hundred).Div(hundred.Add(rate)))
	for _, u := range []decimal.Decimal{guess, guess.Sub(cent), guess.Add(cent)} {
		if t := net.Sub(u); fits(u, t, rate) {
			return u, t, rate
		}
	}

	unit = net.Sub(preferredTax)
	if unit.IsPositive() && !preferredTax.IsNegative() {
		r := round2(preferredTax.Mul(hundred).Div(unit))
		for _, c := range []decimal.Decimal{r, r.Sub(cent), r.Add(cent)} {
			if !c.IsNegative() && !c.GreaterThan(hundred) && fits(unit, preferredTax, c) {
				return unit, preferredTax, c
			}
		}
	}
	return net, decimal.Zero, decimal.Zero
}

// repointAllocations moves the payments of a split invoice onto its derived
// pair: the patient invoice is filled first, the remainder goes to the
// insurer invoice.
func (s *Service) repointAllocations(ctx context.Context, origID uuid.UUID, patient, insurer *Invoice) error {
	allocs, err := s.repos.Receipts.AllocationsByInvoice(ctx, origID)
	if err != nil {
		return err
	}
	room := patient.GrandTotal
	for _, a := range allocs {
		toPatient := decimal.Min(a.Amount, room)
		if toPatient.IsNegative() {
			toPatient = decimal.Zero
		}
		room = room.Sub(toPatient)
		toInsurer := a.Amount.Sub(toPatient)

		var parts []*Allocation
		if toPatient.IsPositive() {
			parts = append(parts, &Allocation{ID: uuid.New(), ReceiptID: a.ReceiptID, InvoiceID: patient.ID, Amount: toPatient, CreatedAt: a.CreatedAt})
		}
		if toInsurer.IsPositive() {
			parts = append(parts, &Allocation{ID: uuid.New(), ReceiptID: a.ReceiptID, InvoiceID: insurer.ID, Amount: toInsurer, CreatedAt: a.CreatedAt})
		}
		if err := s.repos.Receipts.ReplaceAllocation(ctx, a, parts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ListSplits(ctx context.Context, caseID uuid.UUID) ([]*InvoiceSplit, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.Insurance.ListSplits(ctx, caseID)
}

// -- Preauth --

type PreauthInput struct {
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Reference       *string         `json:"reference,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
}

type PreauthTransition struct {
	Status         PreauthStatus    `json:"status"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
	Reference      *string          `json:"reference,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

func (s *Service) CreatePreauth(ctx context.Context, op Op, caseID uuid.UUID, in PreauthInput) (*Preauth, error) {
	if err := validateMoney("requested_amount", in.RequestedAmount); err != nil {
		return nil, err
	}
	var p *Preauth
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		pol, err := s.requirePolicy(ctx, caseID)
		if err != nil {
			return err
		}
		p = &Preauth{
			ID:              uuid.New(),
			CaseID:          caseID,
			PolicyID:        pol.ID,
			Status:          PreauthDraft,
			RequestedAmount: in.RequestedAmount,
			Reference:       in.Reference,
			Notes:           in.Notes,
			CreatedBy:       u.actor.ID,
			CreatedAt:       u.now,
			UpdatedAt:       u.now,
		}
		if err := s.repos.Insurance.CreatePreauth(ctx, p); err != nil {
			return err
		}
		u.record(entityPreauth, p.ID, "create", "preauthorization drafted", nil, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TransitionPreauth moves a preauth along its status machine. Amount
// inconsistencies are returned as warnings, never as errors.
func (s *Service) TransitionPreauth(ctx context.Context, op Op, id uuid.UUID, in PreauthTransition) (*Preauth, []string, error) {
	if in.ApprovedAmount != nil && (in.ApprovedAmount.IsNegative() || exceedsScale(*in.ApprovedAmount)) {
		return nil, nil, validationErr("approved_amount", "approved_amount must be a non-negative amount with at most 2 decimal places")
	}
	cur, err := s.repos.Insurance.GetPreauth(ctx, id)
	if err != nil {
		return nil, nil, mapStoreErr(entityPreauth, id, err)
	}
	var p *Preauth
	var warnings []string
	err = s.mutate(ctx, cur.CaseID, op, func(ctx context.Context, u *unitOfWork) error {
		var err error
		if p, err = s.repos.Insurance.GetPreauth(ctx, id); err != nil {
			return mapStoreErr(entityPreauth, id, err)
		}
		if !lo.Contains(preauthTransitions[p.Status], in.Status) {
			return invalidStateErr(entityPreauth, p.ID, string(in.Status), string(p.Status))
		}
		before := *p
		p.Status = in.Status
		if in.ApprovedAmount != nil {
			p.ApprovedAmount = in.ApprovedAmount
		}
		if in.Reference != nil {
			p.Reference = in.Reference
		}
		if in.Notes != nil {
			p.Notes = in.Notes
		}
		p.UpdatedAt = u.now
		warnings = preauthWarnings(p)
		if err := s.repos.Insurance.UpdatePreauth(ctx, p); err != nil {
			return err
		}
		u.record(entityPreauth, p.ID, "transition", "preauthorization "+strings.ToLower(string(p.Status)), before, p)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p, warnings, nil
}

func preauthWarnings(p *Preauth) []string {
	var w []string
	switch p.Status {
	case PreauthApproved, PreauthPartial:
		if p.ApprovedAmount == nil {
			w = append(w, "approved_amount not recorded")
			break
		}
		if p.ApprovedAmount.GreaterThan(p.RequestedAmount) {
			w = append(w, "approved_amount exceeds requested_amount")
		}
		if p.Status == PreauthPartial && p.ApprovedAmount.Equal(p.RequestedAmount) {
			w = append(w, "partial approval covers the full requested_amount")
		}
	}
	return w
}

func (s *Service) ListPreauths(ctx context.Context, caseID uuid.UUID) ([]*Preauth, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.Insurance.ListPreauths(ctx, caseID)
}

// -- Claim --

type ClaimInput struct {
	InvoiceID   *uuid.UUID      `json:"invoice_id,omitempty"`
	ClaimAmount decimal.Decimal `json:"claim_amount"`
	Reference   *string         `json:"reference,omitempty"`
	Notes       *string         `json:"notes,omitempty"`
}

type ClaimTransition struct {
	Status         ClaimStatus      `json:"status"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
	SettledAmount  *decimal.Decimal `json:"settled_amount,omitempty"`
	Reference      *string          `json:"reference,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

// CreateClaim drafts a claim. When it names an invoice and no amount, the
// invoice total is claimed.
func (s *Service) CreateClaim(ctx context.Context, op Op, caseID uuid.UUID, in ClaimInput) (*Claim, error) {
	if in.InvoiceID == nil {
		if err := validateMoney("claim_amount", in.ClaimAmount); err != nil {
			return nil, err
		}
	} else if in.ClaimAmount.IsNegative() || exceedsScale(in.ClaimAmount) {
		return nil, validationErr("claim_amount", "claim_amount must be a non-negative amount with at most 2 decimal places")
	}
	var cl *Claim
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		pol, err := s.requirePolicy(ctx, caseID)
		if err != nil {
			return err
		}
		amount := in.ClaimAmount
		if in.InvoiceID != nil {
			inv, err := s.lockedInvoice(ctx, u, *in.InvoiceID)
			if err != nil {
				return err
			}
			if !inv.Counts() {
				return invalidStateErr(entityInvoice, inv.ID, "CLAIM", string(inv.Status))
			}
			if amount.IsZero() {
				amount = inv.GrandTotal
			}
		}
		if !amount.IsPositive() {
			return validationErr("claim_amount", "claim_amount must be greater than 0")
		}
		cl = &Claim{
			ID:          uuid.New(),
			CaseID:      caseID,
			PolicyID:    pol.ID,
			InvoiceID:   in.InvoiceID,
			Status:      ClaimDraft,
			ClaimAmount: amount,
			Reference:   in.Reference,
			Notes:       in.Notes,
			CreatedBy:   u.actor.ID,
			CreatedAt:   u.now,
			UpdatedAt:   u.now,
		}
		if err := s.repos.Insurance.CreateClaim(ctx, cl); err != nil {
			return err
		}
		u.record(entityClaim, cl.ID, "create", "claim drafted", nil, cl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// TransitionClaim moves a claim along its status machine. The amounts are
// expected to satisfy settled <= approved <= claimed; violations come back
// as warnings.
func (s *Service) TransitionClaim(ctx context.Context, op Op, id uuid.UUID, in ClaimTransition) (*Claim, []string, error) {
	for field, v := range map[string]*decimal.Decimal{"approved_amount": in.ApprovedAmount, "settled_amount": in.SettledAmount} {
		if v != nil && (v.IsNegative() || exceedsScale(*v)) {
			return nil, nil, validationErr(field, "%s must be a non-negative amount with at most 2 decimal places", field)
		}
	}
	cur, err := s.repos.Insurance.GetClaim(ctx, id)
	if err != nil {
		return nil, nil, mapStoreErr(entityClaim, id, err)
	}
	var cl *Claim
	var warnings []string
	err = s.mutate(ctx, cur.CaseID, op, func(ctx context.Context, u *unitOfWork) error {
		var err error
		if cl, err = s.repos.Insurance.GetClaim(ctx, id); err != nil {
			return mapStoreErr(entityClaim, id, err)
		}
		if !lo.Contains(claimTransitions[cl.Status], in.Status) {
			return invalidStateErr(entityClaim, cl.ID, string(in.Status), string(cl.Status))
		}
		before := *cl
		cl.Status = in.Status
		if in.ApprovedAmount != nil {
			cl.ApprovedAmount = in.ApprovedAmount
		}
		if in.SettledAmount != nil {
			cl.SettledAmount = in.SettledAmount
		}
		if in.Reference != nil {
			cl.Reference = in.Reference
		}
		if in.Notes != nil {
			cl.Notes = in.Notes
		}
		cl.UpdatedAt = u.now
		warnings = claimWarnings(cl)
		if err := s.repos.Insurance.UpdateClaim(ctx, cl); err != nil {
			return err
		}
		u.record(entityClaim, cl.ID, "transition", "claim "+strings.ToLower(string(cl.Status)), before, cl)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cl, warnings, nil
}

func claimWarnings(c *Claim) []string {
	var w []string
	if c.ApprovedAmount != nil && c.ApprovedAmount.GreaterThan(c.ClaimAmount) {
		w = append(w, "approved_amount exceeds claim_amount")
	}
	if c.SettledAmount != nil {
		limit := c.ClaimAmount
		if c.ApprovedAmount != nil {
			limit = *c.ApprovedAmount
		}
		if c.SettledAmount.GreaterThan(limit) {
			w = append(w, "settled_amount exceeds approved_amount")
		}
	}
	if c.Status == ClaimSettled && c.SettledAmount == nil {
		w = append(w, "settled_amount not recorded")
	}
	if c.Status == ClaimApproved && c.ApprovedAmount == nil {
		w = append(w, "approved_amount not recorded")
	}
	return w
}

func (s *Service) ListClaims(ctx context.Context, caseID uuid.UUID) ([]*Claim, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.Insurance.ListClaims(ctx, caseID)
}
