package billing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MinReasonLength is the shortest accepted reason on reason-bearing calls.
const MinReasonLength = 3

const (
	entityCase        = "billing_case"
	entityInvoice     = "invoice"
	entityLine        = "invoice_line"
	entityReceipt     = "receipt"
	entityAdvance     = "advance_entry"
	entityApplication = "advance_application"
	entityPolicy      = "insurance_policy"
	entitySplit       = "invoice_split"
	entityPreauth     = "preauth"
	entityClaim       = "claim"
	entityEditRequest = "edit_request"
)

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	ID    string
	Roles []string
}

// SystemActor performs scheduled work such as the edit-window re-lock.
var SystemActor = Actor{ID: "system:relock"}

// -- Case --

type PayerMode string

const (
	PayerSelf      PayerMode = "SELF"
	PayerInsurance PayerMode = "INSURANCE"
	PayerTPA       PayerMode = "TPA"
	PayerCorporate PayerMode = "CORPORATE"
)

func (m PayerMode) Valid() bool {
	switch m {
	case PayerSelf, PayerInsurance, PayerTPA, PayerCorporate:
		return true
	}
	return false
}

type CaseStatus string

const (
	CaseOpen   CaseStatus = "OPEN"
	CaseClosed CaseStatus = "CLOSED"
)

// BillingCase is the aggregate root. Version increases on every committed
// mutation and backs optimistic stale-state detection.
type BillingCase struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientRef   string     `db:"patient_ref" json:"patient_ref"`
	EncounterRef *string    `db:"encounter_ref" json:"encounter_ref,omitempty"`
	PayerMode    PayerMode  `db:"payer_mode" json:"payer_mode"`
	Status       CaseStatus `db:"status" json:"status"`
	Version      int        `db:"version" json:"version"`
	CreatedBy    string     `db:"created_by" json:"created_by"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// -- Invoice --

type InvoiceStatus string

const (
	StatusDraft    InvoiceStatus = "DRAFT"
	StatusApproved InvoiceStatus = "APPROVED"
	StatusPosted   InvoiceStatus = "POSTED"
	StatusVoid     InvoiceStatus = "VOID"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:    {StatusApproved, StatusVoid},
	StatusApproved: {StatusPosted, StatusVoid, StatusDraft},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to InvoiceStatus) bool {
	for _, s := range invoiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payable reports whether receipts may be allocated to an invoice in s.
func (s InvoiceStatus) Payable() bool {
	return s == StatusApproved || s == StatusPosted
}

type InvoiceType string

const (
	InvoicePatient InvoiceType = "PATIENT"
	InvoiceInsurer InvoiceType = "INSURER"
)

type Invoice struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	CaseID          uuid.UUID       `db:"case_id" json:"case_id"`
	ModuleCode      string          `db:"module_code" json:"module_code"`
	InvoiceType     InvoiceType     `db:"invoice_type" json:"invoice_type"`
	Status          InvoiceStatus   `db:"status" json:"status"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountTotal   decimal.Decimal `db:"discount_total" json:"discount_total"`
	TaxTotal        decimal.Decimal `db:"tax_total" json:"tax_total"`
	GrandTotal      decimal.Decimal `db:"grand_total" json:"grand_total"`
	Superseded      bool            `db:"superseded" json:"superseded"`
	SupersededAt    *time.Time      `db:"superseded_at" json:"superseded_at,omitempty"`
	ParentInvoiceID *uuid.UUID      `db:"parent_invoice_id" json:"parent_invoice_id,omitempty"`
	VoidReason      *string         `db:"void_reason" json:"void_reason,omitempty"`
	ApprovedAt      *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	PostedAt        *time.Time      `db:"posted_at" json:"posted_at,omitempty"`
	VoidedAt        *time.Time      `db:"voided_at" json:"voided_at,omitempty"`
	CreatedBy       string          `db:"created_by" json:"created_by"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Counts reports whether the invoice takes part in due and balance math.
func (inv *Invoice) Counts() bool {
	return inv.Status != StatusVoid && !inv.Superseded
}

// Totals are the invoice figures derived from its active lines.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
}

// SumLines recomputes invoice totals from active lines.
func SumLines(lines []*InvoiceLine) Totals {
	var t Totals
	for _, l := range lines {
		if !l.Active() {
			continue
		}
		t.Subtotal = t.Subtotal.Add(l.Qty.Mul(l.UnitPrice))
		t.DiscountTotal = t.DiscountTotal.Add(l.DiscountAmount)
		t.TaxTotal = t.TaxTotal.Add(l.TaxAmount)
		t.GrandTotal = t.GrandTotal.Add(l.NetAmount)
	}
	t.Subtotal = round2(t.Subtotal)
	return t
}

func (inv *Invoice) applyTotals(t Totals) {
	inv.Subtotal = t.Subtotal
	inv.DiscountTotal = t.DiscountTotal
	inv.TaxTotal = t.TaxTotal
	inv.GrandTotal = t.GrandTotal
}

// InvoiceView is an invoice with its live payment position.
type InvoiceView struct {
	*Invoice
	Paid     decimal.Decimal `json:"paid"`
	Due      decimal.Decimal `json:"due"`
	Overpaid decimal.Decimal `json:"overpaid"`
	Lines    []*InvoiceLine  `json:"lines,omitempty"`
}

// position computes due and overpaid for total and paid. Due never goes
// negative; the excess is reported as overpaid.
func position(total, paid decimal.Decimal) (due, overpaid decimal.Decimal) {
	diff := total.Sub(paid)
	if diff.IsNegative() {
		return decimal.Zero, diff.Neg()
	}
	return diff, decimal.Zero
}

// -- Lines --

type LineKind string

const (
	LineManual LineKind = "MANUAL"
	LineAuto   LineKind = "AUTO"
)

type SourceModule string

const (
	SourcePharmacy  SourceModule = "PHARMACY"
	SourceLab       SourceModule = "LAB"
	SourceRadiology SourceModule = "RADIOLOGY"
	SourceRoom      SourceModule = "ROOM"
	SourceDoctor    SourceModule = "DOCTOR"
)

func (m SourceModule) Valid() bool {
	switch m {
	case SourcePharmacy, SourceLab, SourceRadiology, SourceRoom, SourceDoctor:
		return true
	}
	return false
}

type Coverage string

const (
	CoveredNo      Coverage = "NO"
	CoveredYes     Coverage = "YES"
	CoveredPartial Coverage = "PARTIAL"
)

func (c Coverage) Valid() bool {
	return c == CoveredNo || c == CoveredYes || c == CoveredPartial
}

type PharmacyMeta struct {
	Batch   string     `json:"batch"`
	Expiry  *time.Time `json:"expiry,omitempty"`
	HSNCode string     `json:"hsn_code,omitempty"`
}

type LabMeta struct {
	TestCode string `json:"test_code"`
	SampleID string `json:"sample_id,omitempty"`
}

type RadiologyMeta struct {
	Modality string `json:"modality"`
	StudyID  string `json:"study_id,omitempty"`
}

type RoomMeta struct {
	Bed  string `json:"bed"`
	Days int    `json:"days"`
}

type DoctorMeta struct {
	PractitionerRef string `json:"practitioner_ref"`
	VisitType       string `json:"visit_type,omitempty"`
}

// LineMetadata is a tagged variant. Exactly one member is set, and it must
// match the line's source module.
type LineMetadata struct {
	Pharmacy  *PharmacyMeta  `json:"pharmacy,omitempty"`
	Lab       *LabMeta       `json:"lab,omitempty"`
	Radiology *RadiologyMeta `json:"radiology,omitempty"`
	Room      *RoomMeta      `json:"room,omitempty"`
	Doctor    *DoctorMeta    `json:"doctor,omitempty"`
}

// Kind returns the module of the populated variant and how many are set.
func (m *LineMetadata) Kind() (SourceModule, int) {
	var kind SourceModule
	n := 0
	if m.Pharmacy != nil {
		kind, n = SourcePharmacy, n+1
	}
	if m.Lab != nil {
		kind, n = SourceLab, n+1
	}
	if m.Radiology != nil {
		kind, n = SourceRadiology, n+1
	}
	if m.Room != nil {
		kind, n = SourceRoom, n+1
	}
	if m.Doctor != nil {
		kind, n = SourceDoctor, n+1
	}
	return kind, n
}

type InvoiceLine struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	InvoiceID        uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Kind             LineKind        `db:"kind" json:"kind"`
	SourceModule     *SourceModule   `db:"source_module" json:"source_module,omitempty"`
	SourceRef        *string         `db:"source_ref" json:"source_ref,omitempty"`
	ServiceCode      *string         `db:"service_code" json:"service_code,omitempty"`
	Description      string          `db:"description" json:"description"`
	Category         *string         `db:"category" json:"category,omitempty"`
	Qty              decimal.Decimal `db:"qty" json:"qty"`
	UnitPrice        decimal.Decimal `db:"unit_price" json:"unit_price"`
	DiscountAmount   decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	GSTRate          decimal.Decimal `db:"gst_rate" json:"gst_rate"`
	TaxAmount        decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	NetAmount        decimal.Decimal `db:"net_amount" json:"net_amount"`
	Metadata         *LineMetadata   `db:"metadata" json:"metadata,omitempty"`
	IsCovered        Coverage        `db:"is_covered" json:"is_covered"`
	InsurerPayAmount decimal.Decimal `db:"insurer_pay_amount" json:"insurer_pay_amount"`
	ParentLineID     *uuid.UUID      `db:"parent_line_id" json:"parent_line_id,omitempty"`
	DeletedAt        *time.Time      `db:"deleted_at" json:"deleted_at,omitempty"`
	DeleteReason     *string         `db:"delete_reason" json:"delete_reason,omitempty"`
	CreatedBy        string          `db:"created_by" json:"created_by"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

func (l *InvoiceLine) Active() bool { return l.DeletedAt == nil }

// PatientPayAmount is always derived from the insurer share.
func (l *InvoiceLine) PatientPayAmount() decimal.Decimal {
	return l.NetAmount.Sub(l.InsurerPayAmount)
}

// MarshalJSON adds the derived patient_pay_amount to the line.
func (l InvoiceLine) MarshalJSON() ([]byte, error) {
	type alias InvoiceLine
	return json.Marshal(struct {
		alias
		PatientPayAmount decimal.Decimal `json:"patient_pay_amount"`
	}{alias(l), l.PatientPayAmount()})
}

var hundred = decimal.NewFromInt(100)

func round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// LineAmounts are the computed money fields of a line.
type LineAmounts struct {
	Gross decimal.Decimal
	Tax   decimal.Decimal
	Net   decimal.Decimal
}

// ComputeLine derives tax and net: gross = qty*price - discount,
// tax = gross*gst/100 and net = gross + tax, each rounded to 2 places.
func ComputeLine(qty, unitPrice, discount, gstRate decimal.Decimal) LineAmounts {
	gross := round2(qty.Mul(unitPrice).Sub(discount))
	tax := round2(gross.Mul(gstRate).Div(hundred))
	return LineAmounts{Gross: gross, Tax: tax, Net: gross.Add(tax)}
}

// Column precision of invoice_line: qty NUMERIC(12,3), gst_rate NUMERIC(5,2).
const (
	qtyPlaces = 3
	gstPlaces = 2
)

var maxQty = decimal.New(1, 9)

// ValidateAmounts checks the numeric inputs of a line. Inputs finer than
// the stored precision are rejected so the persisted line reproduces the
// computed tax and net exactly.
func ValidateAmounts(qty, unitPrice, discount, gstRate decimal.Decimal) error {
	if !qty.IsPositive() {
		return validationErr("qty", "qty must be greater than 0")
	}
	if exceedsPlaces(qty, qtyPlaces) {
		return validationErr("qty", "qty allows at most %d decimal places", qtyPlaces)
	}
	if !qty.LessThan(maxQty) {
		return validationErr("qty", "qty must be less than %s", maxQty.String())
	}
	if unitPrice.IsNegative() {
		return validationErr("unit_price", "unit_price must not be negative")
	}
	if exceedsScale(unitPrice) {
		return validationErr("unit_price", "unit_price allows at most 2 decimal places")
	}
	if gstRate.IsNegative() || gstRate.GreaterThan(hundred) {
		return validationErr("gst_rate", "gst_rate must be between 0 and 100")
	}
	if exceedsPlaces(gstRate, gstPlaces) {
		return validationErr("gst_rate", "gst_rate allows at most %d decimal places", gstPlaces)
	}
	if discount.IsNegative() {
		return validationErr("discount_amount", "discount_amount must not be negative")
	}
	if exceedsScale(discount) {
		return validationErr("discount_amount", "discount_amount allows at most 2 decimal places")
	}
	if discount.GreaterThan(qty.Mul(unitPrice)) {
		return validationErr("discount_amount", "discount_amount exceeds qty * unit_price")
	}
	return nil
}

// exceedsScale reports whether d has more than two decimal places.
func exceedsScale(d decimal.Decimal) bool {
	return exceedsPlaces(d, 2)
}

func exceedsPlaces(d decimal.Decimal, places int32) bool {
	return !d.Equal(d.Round(places))
}

// validateLineSource checks the kind, source and metadata rules of a line.
func validateLineSource(kind LineKind, module *SourceModule, ref *string, meta *LineMetadata) error {
	switch kind {
	case LineManual:
		if ref != nil && *ref != "" {
			return validationErr("source_ref", "manual lines do not carry a source reference")
		}
	case LineAuto:
		if module == nil || !module.Valid() {
			return validationErr("source_module", "auto lines require a valid source_module")
		}
		if ref == nil || *ref == "" {
			return validationErr("source_ref", "auto lines require a source_ref")
		}
	default:
		return validationErr("kind", "kind must be MANUAL or AUTO")
	}
	if module != nil && !module.Valid() {
		return validationErr("source_module", "unknown source_module %q", *module)
	}
	if meta == nil {
		return nil
	}
	metaKind, n := meta.Kind()
	if n != 1 {
		return validationErr("metadata", "metadata must carry exactly one variant")
	}
	if module == nil || *module != metaKind {
		return validationErr("metadata", "metadata variant %s does not match source_module", metaKind)
	}
	return nil
}

// clampInsurerShare keeps the insurer share in [0, net] and consistent with
// the coverage flag.
func clampInsurerShare(covered Coverage, requested, net decimal.Decimal) decimal.Decimal {
	switch covered {
	case CoveredNo:
		return decimal.Zero
	case CoveredYes:
		if requested.IsZero() {
			return net
		}
	}
	if requested.IsNegative() {
		return decimal.Zero
	}
	if requested.GreaterThan(net) {
		return net
	}
	return round2(requested)
}

// -- Payments --

type PaymentMode string

const (
	ModeCash         PaymentMode = "CASH"
	ModeCard         PaymentMode = "CARD"
	ModeUPI          PaymentMode = "UPI"
	ModeBankTransfer PaymentMode = "BANK_TRANSFER"
	ModeCheque       PaymentMode = "CHEQUE"
	// ModeAdvance is reserved for receipts created by advance application.
	ModeAdvance PaymentMode = "ADVANCE"
)

// Collectable reports whether m may be used for a direct payment or deposit.
func (m PaymentMode) Collectable() bool {
	switch m {
	case ModeCash, ModeCard, ModeUPI, ModeBankTransfer, ModeCheque:
		return true
	}
	return false
}

type ReceiptSource string

const (
	SourcePayment ReceiptSource = "PAYMENT"
	SourceAdvance ReceiptSource = "ADVANCE"
)

type Receipt struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	CaseID      uuid.UUID       `db:"case_id" json:"case_id"`
	Mode        PaymentMode     `db:"mode" json:"mode"`
	TxnRef      *string         `db:"txn_ref" json:"txn_ref,omitempty"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Source      ReceiptSource   `db:"source" json:"source"`
	Notes       *string         `db:"notes" json:"notes,omitempty"`
	VoidedAt    *time.Time      `db:"voided_at" json:"voided_at,omitempty"`
	VoidReason  *string         `db:"void_reason" json:"void_reason,omitempty"`
	CreatedBy   string          `db:"created_by" json:"created_by"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	Allocations []*Allocation   `json:"allocations"`
}

func (r *Receipt) Voided() bool { return r.VoidedAt != nil }

type Allocation struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	ReceiptID uuid.UUID       `db:"receipt_id" json:"receipt_id"`
	InvoiceID uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// -- Advances --

type AdvanceEntryType string

const (
	EntryAdvance    AdvanceEntryType = "ADVANCE"
	EntryRefund     AdvanceEntryType = "REFUND"
	EntryAdjustment AdvanceEntryType = "ADJUSTMENT"
)

type AdvanceEntry struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	CaseID    uuid.UUID        `db:"case_id" json:"case_id"`
	EntryType AdvanceEntryType `db:"entry_type" json:"entry_type"`
	Amount    decimal.Decimal  `db:"amount" json:"amount"`
	Mode      *PaymentMode     `db:"mode" json:"mode,omitempty"`
	TxnRef    *string          `db:"txn_ref" json:"txn_ref,omitempty"`
	Reason    *string          `db:"reason" json:"reason,omitempty"`
	CreatedBy string           `db:"created_by" json:"created_by"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// Consumption links an application to the ADVANCE entry it drew from.
type Consumption struct {
	ApplicationID  uuid.UUID       `db:"application_id" json:"application_id"`
	AdvanceEntryID uuid.UUID       `db:"advance_entry_id" json:"advance_entry_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
}

type AdvanceApplication struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	CaseID        uuid.UUID       `db:"case_id" json:"case_id"`
	ReceiptID     uuid.UUID       `db:"receipt_id" json:"receipt_id"`
	AppliedAmount decimal.Decimal `db:"applied_amount" json:"applied_amount"`
	Notes         *string         `db:"notes" json:"notes,omitempty"`
	ReversedAt    *time.Time      `db:"reversed_at" json:"reversed_at,omitempty"`
	CreatedBy     string          `db:"created_by" json:"created_by"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	Consumptions  []*Consumption  `json:"consumptions"`
}

func (a *AdvanceApplication) Reversed() bool { return a.ReversedAt != nil }

// AdvanceBalance is the derived advance position of a case.
type AdvanceBalance struct {
	CaseID    uuid.UUID       `json:"case_id"`
	Deposited decimal.Decimal `json:"deposited"`
	Refunded  decimal.Decimal `json:"refunded"`
	Adjusted  decimal.Decimal `json:"adjusted"`
	Consumed  decimal.Decimal `json:"consumed"`
	Balance   decimal.Decimal `json:"balance"`
}

// ComputeBalance derives the balance from entries and live applications:
// deposits - refunds - adjustments - consumed.
func ComputeBalance(caseID uuid.UUID, entries []*AdvanceEntry, apps []*AdvanceApplication) AdvanceBalance {
	b := AdvanceBalance{CaseID: caseID}
	for _, e := range entries {
		switch e.EntryType {
		case EntryAdvance:
			b.Deposited = b.Deposited.Add(e.Amount)
		case EntryRefund:
			b.Refunded = b.Refunded.Add(e.Amount)
		case EntryAdjustment:
			b.Adjusted = b.Adjusted.Add(e.Amount)
		}
	}
	for _, a := range apps {
		if !a.Reversed() {
			b.Consumed = b.Consumed.Add(a.AppliedAmount)
		}
	}
	b.Balance = b.Deposited.Sub(b.Refunded).Sub(b.Adjusted).Sub(b.Consumed)
	return b
}

// -- Insurance --

type PayerKind string

const (
	PayerKindInsurance PayerKind = "INSURANCE"
	PayerKindTPA       PayerKind = "TPA"
	PayerKindCorporate PayerKind = "CORPORATE"
)

func (k PayerKind) Valid() bool {
	return k == PayerKindInsurance || k == PayerKindTPA || k == PayerKindCorporate
}

type InsurancePolicy struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	CaseID       uuid.UUID  `db:"case_id" json:"case_id"`
	PayerKind    PayerKind  `db:"payer_kind" json:"payer_kind"`
	PayerName    string     `db:"payer_name" json:"payer_name"`
	PolicyNumber string     `db:"policy_number" json:"policy_number"`
	MemberID     *string    `db:"member_id" json:"member_id,omitempty"`
	TPAName      *string    `db:"tpa_name" json:"tpa_name,omitempty"`
	ValidFrom    *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidTo      *time.Time `db:"valid_to" json:"valid_to,omitempty"`
	CreatedBy    string     `db:"created_by" json:"created_by"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// InvoiceSplit records the derived pair produced from one original invoice.
type InvoiceSplit struct {
	ID                uuid.UUID `db:"id" json:"id"`
	CaseID            uuid.UUID `db:"case_id" json:"case_id"`
	OriginalInvoiceID uuid.UUID `db:"original_invoice_id" json:"original_invoice_id"`
	PatientInvoiceID  uuid.UUID `db:"patient_invoice_id" json:"patient_invoice_id"`
	InsurerInvoiceID  uuid.UUID `db:"insurer_invoice_id" json:"insurer_invoice_id"`
	CreatedBy         string    `db:"created_by" json:"created_by"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

type PreauthStatus string

const (
	PreauthDraft     PreauthStatus = "DRAFT"
	PreauthSubmitted PreauthStatus = "SUBMITTED"
	PreauthApproved  PreauthStatus = "APPROVED"
	PreauthPartial   PreauthStatus = "PARTIAL"
	PreauthRejected  PreauthStatus = "REJECTED"
)

var preauthTransitions = map[PreauthStatus][]PreauthStatus{
	PreauthDraft:     {PreauthSubmitted},
	PreauthSubmitted: {PreauthApproved, PreauthPartial, PreauthRejected},
}

type Preauth struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	CaseID          uuid.UUID        `db:"case_id" json:"case_id"`
	PolicyID        uuid.UUID        `db:"policy_id" json:"policy_id"`
	Status          PreauthStatus    `db:"status" json:"status"`
	RequestedAmount decimal.Decimal  `db:"requested_amount" json:"requested_amount"`
	ApprovedAmount  *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	Reference       *string          `db:"reference" json:"reference,omitempty"`
	Notes           *string          `db:"notes" json:"notes,omitempty"`
	CreatedBy       string           `db:"created_by" json:"created_by"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

type ClaimStatus string

const (
	ClaimDraft      ClaimStatus = "DRAFT"
	ClaimSubmitted  ClaimStatus = "SUBMITTED"
	ClaimApproved   ClaimStatus = "APPROVED"
	ClaimUnderQuery ClaimStatus = "UNDER_QUERY"
	ClaimSettled    ClaimStatus = "SETTLED"
	ClaimDenied     ClaimStatus = "DENIED"
)

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimDraft:      {ClaimSubmitted},
	ClaimSubmitted:  {ClaimApproved, ClaimUnderQuery, ClaimDenied},
	ClaimUnderQuery: {ClaimApproved, ClaimSettled, ClaimDenied},
	ClaimApproved:   {ClaimSettled},
}

type Claim struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	CaseID         uuid.UUID        `db:"case_id" json:"case_id"`
	PolicyID       uuid.UUID        `db:"policy_id" json:"policy_id"`
	InvoiceID      *uuid.UUID       `db:"invoice_id" json:"invoice_id,omitempty"`
	Status         ClaimStatus      `db:"status" json:"status"`
	ClaimAmount    decimal.Decimal  `db:"claim_amount" json:"claim_amount"`
	ApprovedAmount *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	SettledAmount  *decimal.Decimal `db:"settled_amount" json:"settled_amount,omitempty"`
	Reference      *string          `db:"reference" json:"reference,omitempty"`
	Notes          *string          `db:"notes" json:"notes,omitempty"`
	CreatedBy      string           `db:"created_by" json:"created_by"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// -- Edit requests --

type EditRequestStatus string

const (
	EditPending  EditRequestStatus = "PENDING"
	EditApproved EditRequestStatus = "APPROVED"
	EditRejected EditRequestStatus = "REJECTED"
	EditRelocked EditRequestStatus = "RELOCKED"
)

type EditRequest struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	CaseID         uuid.UUID         `db:"case_id" json:"case_id"`
	InvoiceID      uuid.UUID         `db:"invoice_id" json:"invoice_id"`
	Status         EditRequestStatus `db:"status" json:"status"`
	Reason         string            `db:"reason" json:"reason"`
	UnlockMinutes  int               `db:"unlock_minutes" json:"unlock_minutes"`
	RequestedBy    string            `db:"requested_by" json:"requested_by"`
	DecidedBy      *string           `db:"decided_by" json:"decided_by,omitempty"`
	DecisionReason *string           `db:"decision_reason" json:"decision_reason,omitempty"`
	DecidedAt      *time.Time        `db:"decided_at" json:"decided_at,omitempty"`
	RelockAt       *time.Time        `db:"relock_at" json:"relock_at,omitempty"`
	RelockedAt     *time.Time        `db:"relocked_at" json:"relocked_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// -- Summary --

// CaseSummary reports every invoice's position and the case totals.
type CaseSummary struct {
	Case           *BillingCase    `json:"case"`
	Invoices       []*InvoiceView  `json:"invoices"`
	TotalBilled    decimal.Decimal `json:"total_billed"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	TotalDue       decimal.Decimal `json:"total_due"`
	AdvanceBalance AdvanceBalance  `json:"advance_balance"`
	Anomalies      []Anomaly       `json:"anomalies"`
}

// Anomaly flags a ledger position that needs manual reconciliation.
type Anomaly struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message"`
}

const AnomalyOverpaid = "OVERPAID"
