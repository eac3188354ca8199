package billing

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type AdvanceInput struct {
	Amount decimal.Decimal `json:"amount"`
	Mode   PaymentMode     `json:"mode"`
	TxnRef *string         `json:"txn_ref,omitempty"`
	Reason *string         `json:"reason,omitempty"`
}

func validateMoney(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return validationErr(field, "%s must be greater than 0", field)
	}
	if exceedsScale(amount) {
		return validationErr(field, "amounts allow at most 2 decimal places")
	}
	return nil
}

func (s *Service) balance(ctx context.Context, caseID uuid.UUID) (AdvanceBalance, error) {
	entries, err := s.repos.Advances.ListEntries(ctx, caseID)
	if err != nil {
		return AdvanceBalance{}, err
	}
	apps, err := s.repos.Advances.ListApplications(ctx, caseID)
	if err != nil {
		return AdvanceBalance{}, err
	}
	return ComputeBalance(caseID, entries, apps), nil
}

// AdvanceBalance derives the balance of a case from its entries.
func (s *Service) AdvanceBalance(ctx context.Context, caseID uuid.UUID) (AdvanceBalance, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return AdvanceBalance{}, err
	}
	return s.balance(ctx, caseID)
}

func (s *Service) ListAdvanceEntries(ctx context.Context, caseID uuid.UUID) ([]*AdvanceEntry, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.Advances.ListEntries(ctx, caseID)
}

func (s *Service) ListAdvanceApplications(ctx context.Context, caseID uuid.UUID) ([]*AdvanceApplication, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.Advances.ListApplications(ctx, caseID)
}

// RecordAdvance appends a deposit.
func (s *Service) RecordAdvance(ctx context.Context, op Op, caseID uuid.UUID, in AdvanceInput) (*AdvanceEntry, error) {
	if err := validateMoney("amount", in.Amount); err != nil {
		return nil, err
	}
	if !in.Mode.Collectable() {
		return nil, validationErr("mode", "mode %q cannot be collected", in.Mode)
	}
	return s.appendEntry(ctx, op, caseID, EntryAdvance, in, "advance deposited")
}

// RefundAdvance pays part of the balance back. The amount may not exceed
// the live balance.
func (s *Service) RefundAdvance(ctx context.Context, op Op, caseID uuid.UUID, in AdvanceInput) (*AdvanceEntry, error) {
	if err := validateMoney("amount", in.Amount); err != nil {
		return nil, err
	}
	if !in.Mode.Collectable() {
		return nil, validationErr("mode", "mode %q cannot be refunded", in.Mode)
	}
	why := "advance refunded"
	if in.Reason != nil {
		if err := checkReason(*in.Reason); err != nil {
			return nil, err
		}
		why = strings.TrimSpace(*in.Reason)
	}
	return s.appendEntry(ctx, op, caseID, EntryRefund, in, why)
}

// AdjustAdvance writes off part of the balance. A reason is required.
func (s *Service) AdjustAdvance(ctx context.Context, op Op, caseID uuid.UUID, amount decimal.Decimal, reason string) (*AdvanceEntry, error) {
	if err := validateMoney("amount", amount); err != nil {
		return nil, err
	}
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	why := strings.TrimSpace(reason)
	return s.appendEntry(ctx, op, caseID, EntryAdjustment, AdvanceInput{Amount: amount, Reason: &why}, why)
}

func (s *Service) appendEntry(ctx context.Context, op Op, caseID uuid.UUID, typ AdvanceEntryType, in AdvanceInput, why string) (*AdvanceEntry, error) {
	var entry *AdvanceEntry
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		if typ != EntryAdvance {
			bal, err := s.balance(ctx, caseID)
			if err != nil {
				return err
			}
			if in.Amount.GreaterThan(bal.Balance) {
				return policyErr(entityCase, caseID, "amount", in.Amount, bal.Balance,
					"amount exceeds the advance balance")
			}
		}
		entry = &AdvanceEntry{
			ID:        uuid.New(),
			CaseID:    caseID,
			EntryType: typ,
			Amount:    in.Amount,
			TxnRef:    in.TxnRef,
			Reason:    in.Reason,
			CreatedBy: u.actor.ID,
			CreatedAt: u.now,
		}
		if in.Mode != "" {
			mode := in.Mode
			entry.Mode = &mode
		}
		if err := s.repos.Advances.CreateEntry(ctx, entry); err != nil {
			return err
		}
		u.record(entityAdvance, entry.ID, strings.ToLower(string(typ)), why, nil, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// InvoiceAmount is an explicit per-invoice share of an advance application.
type InvoiceAmount struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// ApplyAdvanceInput either names explicit Allocations, or InvoiceIDs and a
// total Amount spread by the waterfall. ExpectedBalance, when set, must
// match the live balance.
type ApplyAdvanceInput struct {
	InvoiceIDs      []uuid.UUID      `json:"invoice_ids,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Allocations     []InvoiceAmount  `json:"allocations,omitempty"`
	Notes           *string          `json:"notes,omitempty"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance,omitempty"`
}

type ApplyAdvanceResult struct {
	Application   *AdvanceApplication `json:"application"`
	Receipt       *Receipt            `json:"receipt"`
	AppliedAmount decimal.Decimal     `json:"applied_amount"`
	Allocations   []InvoiceAmount     `json:"allocations"`
	Balance       AdvanceBalance      `json:"balance"`
}

type invoiceDue struct {
	id  uuid.UUID
	due decimal.Decimal
}

// waterfall spreads amount over invoices, highest due first. Equal dues are
// ordered by ascending invoice id.
func waterfall(amount decimal.Decimal, dues []invoiceDue) []InvoiceAmount {
	sorted := append([]invoiceDue(nil), dues...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].due.Cmp(sorted[j].due); c != 0 {
			return c > 0
		}
		return sorted[i].id.String() < sorted[j].id.String()
	})
	var out []InvoiceAmount
	left := amount
	for _, d := range sorted {
		if !left.IsPositive() {
			break
		}
		if !d.due.IsPositive() {
			continue
		}
		take := decimal.Min(left, d.due)
		out = append(out, InvoiceAmount{InvoiceID: d.id, Amount: take})
		left = left.Sub(take)
	}
	return out
}

// consumeFIFO links an application to the oldest deposits with remaining
// value. Deposits are never modified.
func consumeFIFO(appID uuid.UUID, amount decimal.Decimal, entries []*AdvanceEntry, apps []*AdvanceApplication) []*Consumption {
	used := map[uuid.UUID]decimal.Decimal{}
	for _, a := range apps {
		if a.Reversed() {
			continue
		}
		for _, c := range a.Consumptions {
			used[c.AdvanceEntryID] = used[c.AdvanceEntryID].Add(c.Amount)
		}
	}
	deposits := lo.Filter(entries, func(e *AdvanceEntry, _ int) bool { return e.EntryType == EntryAdvance })
	sort.SliceStable(deposits, func(i, j int) bool { return deposits[i].CreatedAt.Before(deposits[j].CreatedAt) })

	var out []*Consumption
	left := amount
	for _, d := range deposits {
		if !left.IsPositive() {
			break
		}
		remaining := d.Amount.Sub(used[d.ID])
		if !remaining.IsPositive() {
			continue
		}
		take := decimal.Min(left, remaining)
		out = append(out, &Consumption{ApplicationID: appID, AdvanceEntryID: d.ID, Amount: take})
		left = left.Sub(take)
	}
	return out
}

// ApplyAdvance settles invoice dues from the advance balance. It writes a
// synthetic ADVANCE receipt that counts toward due like any other receipt,
// plus the application and its consumption links.
func (s *Service) ApplyAdvance(ctx context.Context, op Op, caseID uuid.UUID, in ApplyAdvanceInput) (*ApplyAdvanceResult, error) {
	explicit := len(in.Allocations) > 0
	if explicit {
		if len(in.InvoiceIDs) > 0 {
			return nil, validationErr("invoice_ids", "send either invoice_ids with amount or allocations, not both")
		}
		seen := map[uuid.UUID]bool{}
		sum := decimal.Zero
		for i, a := range in.Allocations {
			if err := validateMoney("amount", a.Amount); err != nil {
				return nil, err
			}
			if seen[a.InvoiceID] {
				return nil, validationErr("allocations", "allocation %d repeats invoice %s", i, a.InvoiceID)
			}
			seen[a.InvoiceID] = true
			sum = sum.Add(a.Amount)
		}
		// amount is optional with allocations but must agree when given
		if !in.Amount.IsZero() && !in.Amount.Equal(sum) {
			return nil, validationErr("amount", "amount %s does not match the allocation total %s",
				in.Amount.StringFixed(2), sum.StringFixed(2))
		}
	} else {
		if len(in.InvoiceIDs) == 0 {
			return nil, validationErr("invoice_ids", "select at least one invoice")
		}
		if err := validateMoney("amount", in.Amount); err != nil {
			return nil, err
		}
	}

	var res *ApplyAdvanceResult
	err := s.mutate(ctx, caseID, op, func(ctx context.Context, u *unitOfWork) error {
		entries, err := s.repos.Advances.ListEntries(ctx, caseID)
		if err != nil {
			return err
		}
		apps, err := s.repos.Advances.ListApplications(ctx, caseID)
		if err != nil {
			return err
		}
		bal := ComputeBalance(caseID, entries, apps)
		if in.ExpectedBalance != nil && !in.ExpectedBalance.Equal(bal.Balance) {
			return staleErr(entityCase, caseID, in.ExpectedBalance.StringFixed(2), bal.Balance.StringFixed(2),
				"advance balance changed since it was read")
		}

		l, err := s.loadLedger(ctx, caseID)
		if err != nil {
			return err
		}
		ids := in.InvoiceIDs
		if explicit {
			ids = lo.Map(in.Allocations, func(a InvoiceAmount, _ int) uuid.UUID { return a.InvoiceID })
		}
		ids = lo.Uniq(ids)
		dues := make([]invoiceDue, 0, len(ids))
		totalDue := decimal.Zero
		for _, id := range ids {
			inv, err := l.payableInvoice(caseID, id)
			if err != nil {
				return err
			}
			d := l.due(inv)
			dues = append(dues, invoiceDue{id: id, due: d})
			totalDue = totalDue.Add(d)
		}

		var allocs []InvoiceAmount
		amount := in.Amount
		if explicit {
			amount = decimal.Zero
			for i, a := range in.Allocations {
				if a.Amount.GreaterThan(dues[i].due) {
					return policyErr(entityInvoice, a.InvoiceID, "amount", a.Amount, dues[i].due,
						"allocation exceeds the invoice due")
				}
				amount = amount.Add(a.Amount)
			}
			allocs = in.Allocations
		}
		if amount.GreaterThan(bal.Balance) {
			return policyErr(entityCase, caseID, "amount", amount, bal.Balance, "amount exceeds the advance balance")
		}
		if amount.GreaterThan(totalDue) {
			return policyErr(entityCase, caseID, "amount", amount, totalDue, "amount exceeds the due of the selected invoices")
		}
		if !explicit {
			allocs = waterfall(amount, dues)
		}

		rcpt := &Receipt{
			ID:        uuid.New(),
			CaseID:    caseID,
			Mode:      ModeAdvance,
			Amount:    amount,
			Source:    SourceAdvance,
			Notes:     in.Notes,
			CreatedBy: u.actor.ID,
			CreatedAt: u.now,
		}
		for _, a := range allocs {
			rcpt.Allocations = append(rcpt.Allocations, &Allocation{
				ID:        uuid.New(),
				ReceiptID: rcpt.ID,
				InvoiceID: a.InvoiceID,
				Amount:    a.Amount,
				CreatedAt: u.now,
			})
		}
		if err := s.repos.Receipts.Create(ctx, rcpt); err != nil {
			return err
		}

		app := &AdvanceApplication{
			ID:            uuid.New(),
			CaseID:        caseID,
			ReceiptID:     rcpt.ID,
			AppliedAmount: amount,
			Notes:         in.Notes,
			CreatedBy:     u.actor.ID,
			CreatedAt:     u.now,
		}
		app.Consumptions = consumeFIFO(app.ID, amount, entries, apps)
		if err := s.repos.Advances.CreateApplication(ctx, app); err != nil {
			return err
		}
		u.record(entityReceipt, rcpt.ID, "create", "advance applied", nil, rcpt)
		u.record(entityApplication, app.ID, "apply", "advance applied", nil, app)

		res = &ApplyAdvanceResult{
			Application:   app,
			Receipt:       rcpt,
			AppliedAmount: amount,
			Allocations:   allocs,
			Balance:       ComputeBalance(caseID, entries, append(apps, app)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
