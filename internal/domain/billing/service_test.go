package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/billing/internal/domain/audit"
)

var (
	clerk      = Op{Actor: Actor{ID: "clerk-1", Roles: []string{"billing"}}}
	supervisor = Op{Actor: Actor{ID: "sup-1", Roles: []string{"billing_supervisor"}}}
	testNow    = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

type fixture struct {
	svc   *Service
	db    *memDB
	audit *memAudit
	sched *fakeScheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{db: newMemDB(), audit: &memAudit{}, sched: newFakeScheduler()}
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithRelockScheduler(f.sched),
	}, opts...)
	f.svc = NewService(f.db.repositories(), f.db, f.audit, opts...)
	return f
}

func (f *fixture) newCase(t *testing.T) *BillingCase {
	t.Helper()
	c, err := f.svc.CreateCase(context.Background(), clerk.Actor, CaseInput{PatientRef: "PAT-001"})
	require.NoError(t, err)
	return c
}

func (f *fixture) draftInvoice(t *testing.T, caseID uuid.UUID, prices ...string) *Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(context.Background(), clerk, caseID, InvoiceInput{ModuleCode: "opd"})
	require.NoError(t, err)
	for _, p := range prices {
		f.addLine(t, inv.ID, p)
	}
	return inv
}

func (f *fixture) approvedInvoice(t *testing.T, caseID uuid.UUID, prices ...string) *Invoice {
	t.Helper()
	inv := f.draftInvoice(t, caseID, prices...)
	approved, err := f.svc.ApproveInvoice(context.Background(), clerk, inv.ID)
	require.NoError(t, err)
	return approved
}

func (f *fixture) addLine(t *testing.T, invoiceID uuid.UUID, price string) *InvoiceLine {
	t.Helper()
	l, err := f.svc.AddLine(context.Background(), clerk, invoiceID, LineInput{
		Description: "consultation",
		Qty:         decimal.NewFromInt(1),
		UnitPrice:   ptr(d(price)),
	}, "initial charge")
	require.NoError(t, err)
	return l
}

func (f *fixture) due(t *testing.T, invoiceID uuid.UUID) decimal.Decimal {
	t.Helper()
	v, err := f.svc.GetInvoice(context.Background(), invoiceID)
	require.NoError(t, err)
	return v.Due
}

func assertKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.Truef(t, errors.Is(err, kind), "expected %v, got %v", kind, err)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "expected %s, got %s", want, got.StringFixed(2))
}

// -- Cases --

func TestCreateCase(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	assert.Equal(t, CaseOpen, c.Status)
	assert.Equal(t, PayerSelf, c.PayerMode)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, []string{"billing_case.create"}, f.audit.actions())
}

func TestCreateCase_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateCase(context.Background(), clerk.Actor, CaseInput{})
	assertKind(t, err, ErrValidation)

	_, err = f.svc.CreateCase(context.Background(), clerk.Actor, CaseInput{PatientRef: "P", PayerMode: "BARTER"})
	assertKind(t, err, ErrValidation)

	_, err = f.svc.CreateCase(context.Background(), Actor{}, CaseInput{PatientRef: "P"})
	assertKind(t, err, ErrValidation)
}

func TestGetCase_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetCase(context.Background(), uuid.New())
	assertKind(t, err, ErrNotFound)
}

func TestMutation_RequiresActor(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	_, err := f.svc.CreateInvoice(context.Background(), Op{}, c.ID, InvoiceInput{ModuleCode: "opd"})
	assertKind(t, err, ErrValidation)
}

func TestMutation_BumpsVersion(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	f.draftInvoice(t, c.ID, "100")

	got, err := f.svc.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestMutation_ExpectedVersionMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	stale := Op{Actor: clerk.Actor, ExpectedVersion: ptr(7)}

	_, err := f.svc.CreateInvoice(context.Background(), stale, c.ID, InvoiceInput{ModuleCode: "opd"})
	assertKind(t, err, ErrStaleState)

	invoices, err := f.svc.ListInvoices(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)

	fresh := Op{Actor: clerk.Actor, ExpectedVersion: ptr(1)}
	_, err = f.svc.CreateInvoice(context.Background(), fresh, c.ID, InvoiceInput{ModuleCode: "opd"})
	require.NoError(t, err)
}

// -- Lifecycle --

func TestInvoiceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID, "250.50")

	approved, err := f.svc.ApproveInvoice(ctx, clerk, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	posted, err := f.svc.PostInvoice(ctx, clerk, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
	assertDecimal(t, "250.50", posted.GrandTotal)

	_, err = f.svc.VoidInvoice(ctx, clerk, inv.ID, "duplicate bill")
	assertKind(t, err, ErrInvalidState)
}

func TestApprove_RequiresActiveLine(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)

	_, err := f.svc.ApproveInvoice(context.Background(), clerk, inv.ID)
	assertKind(t, err, ErrInvalidState)

	l := f.addLine(t, inv.ID, "10")
	require.NoError(t, f.svc.DeleteLine(context.Background(), clerk, l.ID, "entered twice"))
	_, err = f.svc.ApproveInvoice(context.Background(), clerk, inv.ID)
	assertKind(t, err, ErrInvalidState)
}

func TestPost_RequiresApproved(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID, "10")
	_, err := f.svc.PostInvoice(context.Background(), clerk, inv.ID)
	assertKind(t, err, ErrInvalidState)
}

func TestVoid_ExcludesFromDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	inv := f.approvedInvoice(t, c.ID, "400")
	other := f.approvedInvoice(t, c.ID, "100")

	voided, err := f.svc.VoidInvoice(ctx, clerk, inv.ID, "billed to wrong patient")
	require.NoError(t, err)
	assert.Equal(t, StatusVoid, voided.Status)
	require.NotNil(t, voided.VoidReason)
	assert.Equal(t, "billed to wrong patient", *voided.VoidReason)

	assert.True(t, f.due(t, inv.ID).IsZero())
	sum, err := f.svc.CaseSummary(ctx, c.ID)
	require.NoError(t, err)
	assertDecimal(t, "100", sum.TotalBilled)
	assertDecimal(t, "100", sum.TotalDue)
	require.Len(t, sum.Invoices, 1)
	assert.Equal(t, other.ID, sum.Invoices[0].ID)
}

func TestReopen_RequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.approvedInvoice(t, c.ID, "100")

	_, err := f.svc.ReopenInvoice(context.Background(), clerk, inv.ID, "price correction")
	assertKind(t, err, ErrPermissionDenied)

	reopened, err := f.svc.ReopenInvoice(context.Background(), supervisor, inv.ID, "price correction")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, reopened.Status)
	assert.Nil(t, reopened.ApprovedAt)
}

func TestReopen_OnlyFromApproved(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID, "100")
	_, err := f.svc.ReopenInvoice(context.Background(), supervisor, inv.ID, "price correction")
	assertKind(t, err, ErrInvalidState)
}

func TestReopen_CustomAuthorizer(t *testing.T) {
	deny := errors.New("policy engine unavailable")
	f := newFixture(t, WithAuthorizer(authorizerFunc(func(context.Context, Actor, Action) error { return deny })))
	c := f.newCase(t)
	inv := f.approvedInvoice(t, c.ID, "100")

	_, err := f.svc.ReopenInvoice(context.Background(), supervisor, inv.ID, "price correction")
	assert.ErrorIs(t, err, deny)
}

type authorizerFunc func(ctx context.Context, actor Actor, action Action) error

func (fn authorizerFunc) Authorize(ctx context.Context, actor Actor, action Action) error {
	return fn(ctx, actor, action)
}

func TestReopenAfterPayment_FlagsOverpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	inv := f.approvedInvoice(t, c.ID, "1000")
	_, err := f.svc.CollectPayment(ctx, clerk, c.ID, CollectPaymentInput{Rows: []PaymentRow{
		{InvoiceID: inv.ID, Mode: ModeCash, Amount: d("1000")},
	}})
	require.NoError(t, err)

	_, err = f.svc.ReopenInvoice(ctx, supervisor, inv.ID, "rate revised")
	require.NoError(t, err)
	lines, err := f.svc.ListLines(ctx, inv.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateLine(ctx, clerk, lines[0].ID, LinePatch{UnitPrice: ptr(d("600"))}, "rate revised")
	require.NoError(t, err)

	v, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, v.Due.IsZero())
	assertDecimal(t, "400", v.Overpaid)

	sum, err := f.svc.CaseSummary(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sum.Anomalies, 1)
	assert.Equal(t, AnomalyOverpaid, sum.Anomalies[0].Kind)
	assertDecimal(t, "400", sum.Anomalies[0].Amount)
	assert.True(t, sum.TotalDue.IsZero())
}

// -- Lines --

func TestLines_TotalsFollowActiveLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)

	a, err := f.svc.AddLine(ctx, clerk, inv.ID, LineInput{
		Description:    "ward charges",
		Qty:            d("2"),
		UnitPrice:      ptr(d("150")),
		DiscountAmount: d("20"),
		GSTRate:        ptr(d("12")),
	}, "room stay")
	require.NoError(t, err)
	assertDecimal(t, "33.60", a.TaxAmount)
	assertDecimal(t, "313.60", a.NetAmount)

	b := f.addLine(t, inv.ID, "99.99")

	v, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assertDecimal(t, "399.99", v.Subtotal)
	assertDecimal(t, "20", v.DiscountTotal)
	assertDecimal(t, "33.60", v.TaxTotal)
	assertDecimal(t, "413.59", v.GrandTotal)
	assert.True(t, v.GrandTotal.Equal(SumLines(v.Lines).GrandTotal))

	_, err = f.svc.UpdateLine(ctx, clerk, b.ID, LinePatch{Qty: ptr(d("3"))}, "qty corrected")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteLine(ctx, clerk, a.ID, "moved to room invoice"))

	v, err = f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, v.Lines, 1)
	assertDecimal(t, "299.97", v.GrandTotal)
}

func TestLines_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)

	cases := map[string]LineInput{
		"zero qty":        {Description: "x", Qty: d("0"), UnitPrice: ptr(d("1"))},
		"negative price":  {Description: "x", Qty: d("1"), UnitPrice: ptr(d("-1"))},
		"gst above 100":   {Description: "x", Qty: d("1"), UnitPrice: ptr(d("1")), GSTRate: ptr(d("101"))},
		"qty precision":   {Description: "x", Qty: d("1.2345"), UnitPrice: ptr(d("100"))},
		"qty under 0.001": {Description: "x", Qty: d("0.0001"), UnitPrice: ptr(d("100"))},
		"gst precision":   {Description: "x", Qty: d("1"), UnitPrice: ptr(d("100")), GSTRate: ptr(d("12.345"))},
		"missing price":   {Description: "x", Qty: d("1")},
		"auto no source":  {Kind: LineAuto, Description: "x", Qty: d("1"), UnitPrice: ptr(d("1"))},
		"meta mismatch": {
			Kind: LineAuto, SourceModule: ptr(SourceLab), SourceRef: ptr("ORD-9"),
			Description: "x", Qty: d("1"), UnitPrice: ptr(d("1")),
			Metadata: &LineMetadata{Pharmacy: &PharmacyMeta{Batch: "B1"}},
		},
	}
	before := f.audit.count()
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.AddLine(ctx, clerk, inv.ID, in, "some reason")
			assertKind(t, err, ErrValidation)
		})
	}
	assert.Equal(t, before, f.audit.count())

	l, err := f.svc.AddLine(ctx, clerk, inv.ID, LineInput{
		Description: "dressing", Qty: d("1.235"), UnitPrice: ptr(d("100")), GSTRate: ptr(d("12.35")),
	}, "some reason")
	require.NoError(t, err)
	want := ComputeLine(l.Qty.Round(3), l.UnitPrice, l.DiscountAmount, l.GSTRate.Round(2))
	assertDecimal(t, want.Net.String(), l.NetAmount)
	assertDecimal(t, "138.75", l.NetAmount)
}

func TestLines_AutoWithMetadata(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)

	l, err := f.svc.AddLine(context.Background(), clerk, inv.ID, LineInput{
		Kind:         LineAuto,
		SourceModule: ptr(SourcePharmacy),
		SourceRef:    ptr("RX-1001"),
		Description:  "paracetamol 500mg",
		Qty:          d("10"),
		UnitPrice:    ptr(d("2.50")),
		GSTRate:      ptr(d("5")),
		Metadata:     &LineMetadata{Pharmacy: &PharmacyMeta{Batch: "PCM24", HSNCode: "3004"}},
	}, "dispensed")
	require.NoError(t, err)
	assertDecimal(t, "26.25", l.NetAmount)
	require.NotNil(t, l.Metadata)
	assert.Equal(t, "PCM24", l.Metadata.Pharmacy.Batch)
}

func TestLines_LockedAfterApproval(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.approvedInvoice(t, c.ID, "100")

	_, err := f.svc.AddLine(context.Background(), clerk, inv.ID, LineInput{
		Description: "late charge", Qty: d("1"), UnitPrice: ptr(d("5")),
	}, "forgot earlier")
	assertKind(t, err, ErrInvalidState)
	assert.True(t, IsLocked(err))
}

func TestReasonEnforcement_NoStateNoAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	draft := f.draftInvoice(t, c.ID, "100")
	approved := f.approvedInvoice(t, c.ID, "200")
	lines, err := f.svc.ListLines(ctx, draft.ID)
	require.NoError(t, err)
	lineID := lines[0].ID

	before := f.audit.count()
	for name, call := range map[string]func() error{
		"update line": func() error {
			_, err := f.svc.UpdateLine(ctx, clerk, lineID, LinePatch{Qty: ptr(d("5"))}, "ok")
			return err
		},
		"delete line": func() error { return f.svc.DeleteLine(ctx, clerk, lineID, "  ") },
		"void": func() error {
			_, err := f.svc.VoidInvoice(ctx, clerk, draft.ID, "no")
			return err
		},
		"reopen": func() error {
			_, err := f.svc.ReopenInvoice(ctx, supervisor, approved.ID, "x")
			return err
		},
	} {
		assertKind(t, call(), ErrValidation)
		assert.Equal(t, before, f.audit.count(), name)
	}

	v, err := f.svc.GetInvoice(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, v.Status)
	require.Len(t, v.Lines, 1)
	assertDecimal(t, "1", v.Lines[0].Qty)
	got, err := f.svc.GetInvoice(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestAuditFailure_KeepsLedgerChange(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)
	f.audit.failErr = errors.New("audit store down")

	l := f.addLine(t, inv.ID, "80")

	lines, err := f.svc.ListLines(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, l.ID, lines[0].ID)
}

func TestAudit_CarriesReasonAndRequestID(t *testing.T) {
	f := newFixture(t)
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID, "100")

	ctx := audit.WithRequestID(context.Background(), "req-42")
	_, err := f.svc.VoidInvoice(ctx, clerk, inv.ID, "patient left")
	require.NoError(t, err)

	last := f.audit.entries[len(f.audit.entries)-1]
	assert.Equal(t, "void", last.Action)
	assert.Equal(t, "patient left", last.Reason)
	assert.Equal(t, "req-42", last.RequestID)
	assert.Equal(t, clerk.Actor.ID, last.Actor)
	require.NotNil(t, last.CaseID)
	assert.Equal(t, c.ID, *last.CaseID)
}

func TestCatalog_SnapshotsDefaults(t *testing.T) {
	catalog := NewStaticCatalog(ChargeItem{
		Code: "LAB-CBC", Description: "complete blood count", Category: "LAB",
		UnitPrice: d("350"), GSTRate: d("5"),
	})
	f := newFixture(t, WithCatalog(catalog))
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)

	l, err := f.svc.AddLine(context.Background(), clerk, inv.ID, LineInput{
		ServiceCode: ptr("lab-cbc"),
		Qty:         d("1"),
	}, "ordered test")
	require.NoError(t, err)
	assertDecimal(t, "350", l.UnitPrice)
	assertDecimal(t, "5", l.GSTRate)
	assert.Equal(t, "complete blood count", l.Description)
	require.NotNil(t, l.Category)
	assert.Equal(t, "LAB", *l.Category)

	catalog.Put(ChargeItem{Code: "LAB-CBC", Description: "complete blood count", UnitPrice: d("400")})
	lines, err := f.svc.ListLines(context.Background(), inv.ID)
	require.NoError(t, err)
	assertDecimal(t, "350", lines[0].UnitPrice)

	_, err = f.svc.AddLine(context.Background(), clerk, inv.ID, LineInput{ServiceCode: ptr("NOPE"), Qty: d("1")}, "ordered test")
	assertKind(t, err, ErrValidation)
}

func TestSetLineCoverage_Clamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCase(t)
	inv := f.draftInvoice(t, c.ID)
	l := f.addLine(t, inv.ID, "100")

	got, err := f.svc.SetLineCoverage(ctx, clerk, l.ID, CoverageInput{IsCovered: CoveredPartial, InsurerPayAmount: d("150")})
	require.NoError(t, err)
	assertDecimal(t, "100", got.InsurerPayAmount)
	assertDecimal(t, "0", got.PatientPayAmount())

	got, err = f.svc.SetLineCoverage(ctx, clerk, l.ID, CoverageInput{IsCovered: CoveredNo, InsurerPayAmount: d("40")})
	require.NoError(t, err)
	assert.True(t, got.InsurerPayAmount.IsZero())

	got, err = f.svc.SetLineCoverage(ctx, clerk, l.ID, CoverageInput{IsCovered: CoveredYes})
	require.NoError(t, err)
	assertDecimal(t, "100", got.InsurerPayAmount)
}
