package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/audit"
	"github.com/ehr/billing/internal/platform/db"
)

// DefaultUnlockWindow applies when an edit request does not name a window.
const DefaultUnlockWindow = 30 * time.Minute

// Op identifies the caller of a mutation and, optionally, the case version
// the caller last read.
type Op struct {
	Actor           Actor
	ExpectedVersion *int
}

type Service struct {
	repos        Repositories
	tx           TxRunner
	audit        AuditRecorder
	authz        Authorizer
	catalog      ChargeCatalog
	relocks      RelockScheduler
	logger       zerolog.Logger
	now          func() time.Time
	unlockWindow time.Duration
}

type Option func(*Service)

func WithAuthorizer(a Authorizer) Option { return func(s *Service) { s.authz = a } }

func WithCatalog(c ChargeCatalog) Option { return func(s *Service) { s.catalog = c } }

func WithRelockScheduler(r RelockScheduler) Option { return func(s *Service) { s.relocks = r } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithUnlockWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.unlockWindow = d
		}
	}
}

func NewService(repos Repositories, tx TxRunner, rec AuditRecorder, opts ...Option) *Service {
	s := &Service{
		repos:        repos,
		tx:           tx,
		audit:        rec,
		authz:        RoleAuthorizer{Roles: []string{"billing_supervisor"}},
		catalog:      NewStaticCatalog(),
		logger:       zerolog.Nop(),
		now:          time.Now,
		unlockWindow: DefaultUnlockWindow,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// unitOfWork collects what a mutation produces besides ledger rows: audit
// entries and hooks that must only run once the transaction committed.
type unitOfWork struct {
	kase    *BillingCase
	actor   Actor
	now     time.Time
	entries []*audit.Entry
	after   []func()
}

func (u *unitOfWork) record(entity string, id uuid.UUID, action, reason string, before, after interface{}) {
	caseID := u.kase.ID
	u.entries = append(u.entries, &audit.Entry{
		CaseID:     &caseID,
		EntityType: entity,
		EntityID:   id,
		Action:     action,
		Reason:     reason,
		OldValue:   audit.Snapshot(before),
		NewValue:   audit.Snapshot(after),
		Actor:      u.actor.ID,
		CreatedAt:  u.now,
	})
}

func (u *unitOfWork) afterCommit(fn func()) { u.after = append(u.after, fn) }

// mutate runs fn inside one transaction holding the case row lock. The case
// version is checked against op.ExpectedVersion and bumped on success. Audit
// entries are written after commit; a failed audit write is logged and never
// undoes the committed change.
func (s *Service) mutate(ctx context.Context, caseID uuid.UUID, op Op, fn func(ctx context.Context, u *unitOfWork) error) error {
	if strings.TrimSpace(op.Actor.ID) == "" {
		return validationErr("actor", "an actor identity is required")
	}
	u := &unitOfWork{actor: op.Actor, now: s.now().UTC()}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repos.Cases.Lock(ctx, caseID)
		if err != nil {
			return mapStoreErr(entityCase, caseID, err)
		}
		if op.ExpectedVersion != nil && *op.ExpectedVersion != c.Version {
			return staleErr(entityCase, caseID, strconv.Itoa(*op.ExpectedVersion), strconv.Itoa(c.Version),
				"case changed since it was read")
		}
		u.kase = c
		if err := fn(ctx, u); err != nil {
			return err
		}
		v, err := s.repos.Cases.BumpVersion(ctx, caseID, c.Version)
		if err != nil {
			return mapStoreErr(entityCase, caseID, err)
		}
		c.Version = v
		return nil
	})
	if err != nil {
		if db.IsConcurrencyConflict(err) {
			return staleErr(entityCase, caseID, "", "", "concurrent modification, retry the operation")
		}
		return err
	}

	s.flushAudit(ctx, u.entries)
	for _, fn := range u.after {
		fn()
	}
	return nil
}

func (s *Service) flushAudit(ctx context.Context, entries []*audit.Entry) {
	if len(entries) == 0 || s.audit == nil {
		return
	}
	reqID := audit.RequestIDFromContext(ctx)
	for _, e := range entries {
		if e.RequestID == "" {
			e.RequestID = reqID
		}
	}
	if err := s.audit.Record(ctx, entries...); err != nil {
		s.log(ctx).Warn().Err(err).
			Int("entries", len(entries)).
			Str("entity_type", entries[0].EntityType).
			Str("entity_id", entries[0].EntityID.String()).
			Msg("audit write failed, ledger change kept")
	}
}

// log prefers the request-scoped logger carried on ctx.
func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func (s *Service) authorize(ctx context.Context, actor Actor, action Action) error {
	if s.authz == nil {
		return permissionErr(string(action))
	}
	return s.authz.Authorize(ctx, actor, action)
}

// -- Cases --

type CaseInput struct {
	PatientRef   string    `json:"patient_ref"`
	EncounterRef *string   `json:"encounter_ref,omitempty"`
	PayerMode    PayerMode `json:"payer_mode,omitempty"`
}

func (s *Service) CreateCase(ctx context.Context, actor Actor, in CaseInput) (*BillingCase, error) {
	if strings.TrimSpace(in.PatientRef) == "" {
		return nil, validationErr("patient_ref", "patient_ref is required")
	}
	if in.PayerMode == "" {
		in.PayerMode = PayerSelf
	}
	if !in.PayerMode.Valid() {
		return nil, validationErr("payer_mode", "unknown payer_mode %q", in.PayerMode)
	}
	if strings.TrimSpace(actor.ID) == "" {
		return nil, validationErr("actor", "an actor identity is required")
	}

	now := s.now().UTC()
	c := &BillingCase{
		ID:           uuid.New(),
		PatientRef:   strings.TrimSpace(in.PatientRef),
		EncounterRef: in.EncounterRef,
		PayerMode:    in.PayerMode,
		Status:       CaseOpen,
		Version:      1,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repos.Cases.Create(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	caseID := c.ID
	s.flushAudit(ctx, []*audit.Entry{{
		CaseID:     &caseID,
		EntityType: entityCase,
		EntityID:   c.ID,
		Action:     "create",
		Reason:     "case opened",
		NewValue:   audit.Snapshot(c),
		Actor:      actor.ID,
		CreatedAt:  now,
	}})
	return c, nil
}

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*BillingCase, error) {
	c, err := s.repos.Cases.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(entityCase, id, err)
	}
	return c, nil
}

func (s *Service) ListCases(ctx context.Context, limit, offset int) ([]*BillingCase, int, error) {
	return s.repos.Cases.List(ctx, limit, offset)
}

// ledger is the due-relevant state of a case read at one point in time.
type ledger struct {
	invoices []*Invoice
	byID     map[uuid.UUID]*Invoice
	paid     map[uuid.UUID]decimal.Decimal
}

func (s *Service) loadLedger(ctx context.Context, caseID uuid.UUID) (*ledger, error) {
	invoices, err := s.repos.Invoices.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	paid, err := s.repos.Receipts.PaidByInvoice(ctx, caseID)
	if err != nil {
		return nil, err
	}
	l := &ledger{invoices: invoices, byID: make(map[uuid.UUID]*Invoice, len(invoices)), paid: paid}
	for _, inv := range invoices {
		l.byID[inv.ID] = inv
	}
	return l, nil
}

// due is the live outstanding amount of an invoice. Invoices that do not
// count toward balances have nothing due.
func (l *ledger) due(inv *Invoice) decimal.Decimal {
	if !inv.Counts() {
		return decimal.Zero
	}
	d, _ := position(inv.GrandTotal, l.paid[inv.ID])
	return d
}

func (l *ledger) view(inv *Invoice) *InvoiceView {
	paid := l.paid[inv.ID]
	due, over := position(inv.GrandTotal, paid)
	if !inv.Counts() {
		due = decimal.Zero
	}
	return &InvoiceView{Invoice: inv, Paid: paid, Due: due, Overpaid: over}
}

// payableInvoice returns an invoice of the case that may take receipts.
func (l *ledger) payableInvoice(caseID, id uuid.UUID) (*Invoice, error) {
	inv, ok := l.byID[id]
	if !ok {
		return nil, notFoundErr(entityInvoice, id)
	}
	if inv.CaseID != caseID {
		return nil, notFoundErr(entityInvoice, id)
	}
	if inv.Superseded {
		return nil, invalidStateErr(entityInvoice, id, "PAY", "SUPERSEDED")
	}
	if !inv.Status.Payable() {
		return nil, invalidStateErr(entityInvoice, id, "PAY", string(inv.Status))
	}
	return inv, nil
}

// CaseSummary recomputes every invoice position from the ledger.
func (s *Service) CaseSummary(ctx context.Context, caseID uuid.UUID) (*CaseSummary, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	l, err := s.loadLedger(ctx, caseID)
	if err != nil {
		return nil, err
	}
	bal, err := s.balance(ctx, caseID)
	if err != nil {
		return nil, err
	}

	sum := &CaseSummary{Case: c, Invoices: []*InvoiceView{}, AdvanceBalance: bal, Anomalies: []Anomaly{}}
	for _, inv := range l.invoices {
		if !inv.Counts() {
			continue
		}
		v := l.view(inv)
		sum.Invoices = append(sum.Invoices, v)
		sum.TotalBilled = sum.TotalBilled.Add(inv.GrandTotal)
		sum.TotalPaid = sum.TotalPaid.Add(v.Paid)
		sum.TotalDue = sum.TotalDue.Add(v.Due)
		if v.Overpaid.IsPositive() {
			sum.Anomalies = append(sum.Anomalies, Anomaly{
				InvoiceID: inv.ID,
				Kind:      AnomalyOverpaid,
				Amount:    v.Overpaid,
				Message:   "allocations exceed the invoice total, reconcile manually",
			})
		}
	}
	return sum, nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
