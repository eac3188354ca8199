package billing

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// PaymentRow is one line of a collect-payment intent.
type PaymentRow struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Mode      PaymentMode     `json:"mode"`
	Amount    decimal.Decimal `json:"amount"`
	TxnRef    *string         `json:"txn_ref,omitempty"`
}

type CollectPaymentInput struct {
	Rows  []PaymentRow `json:"rows"`
	Notes *string      `json:"notes,omitempty"`
}

// Adjustment reports an invoice whose rows were cut down to its live due.
type Adjustment struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Requested decimal.Decimal `json:"requested"`
	Accepted  decimal.Decimal `json:"accepted"`
}

// ReceiptOutcome is the result of persisting one receipt group. Exactly one
// of Receipt and Error is set.
type ReceiptOutcome struct {
	Mode    PaymentMode     `json:"mode"`
	TxnRef  *string         `json:"txn_ref,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Receipt *Receipt        `json:"receipt,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type PaymentResult struct {
	Receipts    []ReceiptOutcome `json:"receipts"`
	Adjustments []Adjustment     `json:"adjustments"`
	Skipped     []uuid.UUID      `json:"skipped"`
}

// Persisted counts receipts that were written.
func (r *PaymentResult) Persisted() int {
	return lo.CountBy(r.Receipts, func(o ReceiptOutcome) bool { return o.Receipt != nil })
}

type receiptKey struct {
	mode   PaymentMode
	txnRef string
}

type receiptPlan struct {
	key         receiptKey
	allocations []*Allocation
	amount      decimal.Decimal
}

func validateRows(rows []PaymentRow) error {
	if len(rows) == 0 {
		return validationErr("rows", "at least one payment row is required")
	}
	for i := range rows {
		r := &rows[i]
		if r.InvoiceID == uuid.Nil {
			return validationErr("invoice_id", "row %d: invoice_id is required", i)
		}
		if !r.Mode.Collectable() {
			return validationErr("mode", "row %d: mode %q cannot be collected", i, r.Mode)
		}
		if !r.Amount.IsPositive() {
			return validationErr("amount", "row %d: amount must be greater than 0", i)
		}
		if exceedsScale(r.Amount) {
			return validationErr("amount", "row %d: amounts allow at most 2 decimal places", i)
		}
		if r.TxnRef != nil {
			ref := strings.TrimSpace(*r.TxnRef)
			if ref == "" {
				r.TxnRef = nil
			} else {
				r.TxnRef = &ref
			}
		}
	}
	return nil
}

// clampRows cuts rows so no invoice receives more than its live due. The
// overflow is taken from the last-entered rows first. Rows of invoices with
// nothing due are dropped and their invoices reported as skipped.
func clampRows(rows []PaymentRow, dues map[uuid.UUID]decimal.Decimal) ([]PaymentRow, []Adjustment, []uuid.UUID) {
	out := make([]PaymentRow, len(rows))
	copy(out, rows)

	order := lo.Uniq(lo.Map(out, func(r PaymentRow, _ int) uuid.UUID { return r.InvoiceID }))
	var adjustments []Adjustment
	var skipped []uuid.UUID
	for _, id := range order {
		due := dues[id]
		if !due.IsPositive() {
			skipped = append(skipped, id)
			for i := range out {
				if out[i].InvoiceID == id {
					out[i].Amount = decimal.Zero
				}
			}
			continue
		}
		requested := decimal.Zero
		for _, r := range out {
			if r.InvoiceID == id {
				requested = requested.Add(r.Amount)
			}
		}
		excess := requested.Sub(due)
		if !excess.IsPositive() {
			continue
		}
		for i := len(out) - 1; i >= 0 && excess.IsPositive(); i-- {
			if out[i].InvoiceID != id {
				continue
			}
			cut := decimal.Min(excess, out[i].Amount)
			out[i].Amount = out[i].Amount.Sub(cut)
			excess = excess.Sub(cut)
		}
		adjustments = append(adjustments, Adjustment{InvoiceID: id, Requested: requested, Accepted: due})
	}
	kept := lo.Filter(out, func(r PaymentRow, _ int) bool { return r.Amount.IsPositive() })
	return kept, adjustments, skipped
}

// groupReceipts builds one receipt per distinct (mode, txn_ref) in the order
// the keys first appear. Rows for the same invoice within a group merge into
// one allocation.
func groupReceipts(rows []PaymentRow) []*receiptPlan {
	keyOf := func(r PaymentRow) receiptKey {
		return receiptKey{mode: r.Mode, txnRef: lo.FromPtr(r.TxnRef)}
	}
	groups := lo.GroupBy(rows, keyOf)
	keys := lo.Uniq(lo.Map(rows, func(r PaymentRow, _ int) receiptKey { return keyOf(r) }))

	plans := make([]*receiptPlan, 0, len(keys))
	for _, k := range keys {
		p := &receiptPlan{key: k}
		byInvoice := map[uuid.UUID]*Allocation{}
		for _, r := range groups[k] {
			if a, ok := byInvoice[r.InvoiceID]; ok {
				a.Amount = a.Amount.Add(r.Amount)
			} else {
				a = &Allocation{InvoiceID: r.InvoiceID, Amount: r.Amount}
				byInvoice[r.InvoiceID] = a
				p.allocations = append(p.allocations, a)
			}
			p.amount = p.amount.Add(r.Amount)
		}
		plans = append(plans, p)
	}
	return plans
}

// CollectPayment turns a payment intent into receipts. Dues are recomputed
// from the ledger and rows are clamped to them. Each receipt commits in its
// own transaction; a failed receipt is reported in its outcome and does not
// undo the others. The error is non-nil only when no receipt was written.
func (s *Service) CollectPayment(ctx context.Context, op Op, caseID uuid.UUID, in CollectPaymentInput) (*PaymentResult, error) {
	if strings.TrimSpace(op.Actor.ID) == "" {
		return nil, validationErr("actor", "an actor identity is required")
	}
	rows := make([]PaymentRow, len(in.Rows))
	copy(rows, in.Rows)
	if err := validateRows(rows); err != nil {
		return nil, err
	}

	var plans []*receiptPlan
	result := &PaymentResult{Receipts: []ReceiptOutcome{}, Adjustments: []Adjustment{}, Skipped: []uuid.UUID{}}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repos.Cases.Lock(ctx, caseID)
		if err != nil {
			return mapStoreErr(entityCase, caseID, err)
		}
		if op.ExpectedVersion != nil && *op.ExpectedVersion != c.Version {
			return staleErr(entityCase, caseID, strconv.Itoa(*op.ExpectedVersion), strconv.Itoa(c.Version), "case changed since it was read")
		}
		l, err := s.loadLedger(ctx, caseID)
		if err != nil {
			return err
		}
		dues := map[uuid.UUID]decimal.Decimal{}
		for _, r := range rows {
			inv, err := l.payableInvoice(caseID, r.InvoiceID)
			if err != nil {
				return err
			}
			dues[inv.ID] = l.due(inv)
		}
		kept, adjustments, skipped := clampRows(rows, dues)
		total := lo.Reduce(kept, func(acc decimal.Decimal, r PaymentRow, _ int) decimal.Decimal {
			return acc.Add(r.Amount)
		}, decimal.Zero)
		if !total.IsPositive() {
			return validationErr("rows", "nothing payable: selected invoices have no amount due")
		}
		result.Adjustments = append(result.Adjustments, adjustments...)
		result.Skipped = append(result.Skipped, skipped...)
		plans = groupReceipts(kept)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, p := range plans {
		outcome := ReceiptOutcome{Mode: p.key.mode, Amount: p.amount}
		if p.key.txnRef != "" {
			ref := p.key.txnRef
			outcome.TxnRef = &ref
		}
		rcpt, err := s.persistReceipt(ctx, op.Actor, caseID, p, outcome.TxnRef, in.Notes)
		if err != nil {
			s.log(ctx).Warn().Err(err).
				Str("case_id", caseID.String()).
				Str("mode", string(p.key.mode)).
				Str("amount", p.amount.StringFixed(2)).
				Msg("receipt not persisted")
			outcome.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		} else {
			outcome.Receipt = rcpt
		}
		result.Receipts = append(result.Receipts, outcome)
	}
	if result.Persisted() == 0 && firstErr != nil {
		return result, firstErr
	}
	return result, nil
}

// persistReceipt writes one receipt with all its allocations or nothing.
// Dues are checked again under the case lock; if another payment landed
// since planning the receipt is refused as stale instead of overshooting.
func (s *Service) persistReceipt(ctx context.Context, actor Actor, caseID uuid.UUID, p *receiptPlan, txnRef, notes *string) (*Receipt, error) {
	var rcpt *Receipt
	err := s.mutate(ctx, caseID, Op{Actor: actor}, func(ctx context.Context, u *unitOfWork) error {
		l, err := s.loadLedger(ctx, caseID)
		if err != nil {
			return err
		}
		for _, a := range p.allocations {
			inv, err := l.payableInvoice(caseID, a.InvoiceID)
			if err != nil {
				return err
			}
			if due := l.due(inv); a.Amount.GreaterThan(due) {
				return staleErr(entityInvoice, inv.ID, a.Amount.StringFixed(2), due.StringFixed(2),
					"due changed since the payment was planned")
			}
		}
		rcpt = &Receipt{
			ID:        uuid.New(),
			CaseID:    caseID,
			Mode:      p.key.mode,
			TxnRef:    txnRef,
			Amount:    p.amount,
			Source:    SourcePayment,
			Notes:     notes,
			CreatedBy: u.actor.ID,
			CreatedAt: u.now,
		}
		for _, a := range p.allocations {
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
		u.record(entityReceipt, rcpt.ID, "create", "payment collected", nil, rcpt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

func (s *Service) GetReceipt(ctx context.Context, id uuid.UUID) (*Receipt, error) {
	r, err := s.repos.Receipts.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(entityReceipt, id, err)
	}
	return r, nil
}

func (s *Service) ListReceipts(ctx context.Context, caseID uuid.UUID) ([]*Receipt, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.Receipts.ListByCase(ctx, caseID)
}

// CancelReceipt voids a receipt so its allocations stop counting toward
// due. An advance-backed receipt also reverses its application, which
// returns the consumed amount to the advance balance.
func (s *Service) CancelReceipt(ctx context.Context, op Op, id uuid.UUID, reason string) (*Receipt, error) {
	if err := checkReason(reason); err != nil {
		return nil, err
	}
	r, err := s.repos.Receipts.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(entityReceipt, id, err)
	}
	var out *Receipt
	err = s.mutate(ctx, r.CaseID, op, func(ctx context.Context, u *unitOfWork) error {
		r, err := s.repos.Receipts.GetByID(ctx, id)
		if err != nil {
			return mapStoreErr(entityReceipt, id, err)
		}
		if r.Voided() {
			return invalidStateErr(entityReceipt, r.ID, "CANCEL", "VOIDED")
		}
		before := *r
		why := strings.TrimSpace(reason)
		if err := s.repos.Receipts.Void(ctx, r.ID, u.now, why); err != nil {
			return err
		}
		at := u.now
		r.VoidedAt = &at
		r.VoidReason = &why
		u.record(entityReceipt, r.ID, "cancel", why, before, r)

		if r.Source == SourceAdvance {
			app, err := s.repos.Advances.GetApplicationByReceipt(ctx, r.ID)
			err = mapStoreErr(entityApplication, r.ID, err)
			if err != nil && !isNotFound(err) {
				return err
			}
			if err == nil && !app.Reversed() {
				appBefore := *app
				if err := s.repos.Advances.ReverseApplication(ctx, app.ID, u.now); err != nil {
					return err
				}
				app.ReversedAt = &at
				u.record(entityApplication, app.ID, "reverse", why, appBefore, app)
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
