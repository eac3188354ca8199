package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CaseRepository interface {
	Create(ctx context.Context, c *BillingCase) error
	GetByID(ctx context.Context, id uuid.UUID) (*BillingCase, error)
	// Lock reads the case row with a row lock held until the surrounding
	// transaction ends.
	Lock(ctx context.Context, id uuid.UUID) (*BillingCase, error)
	// BumpVersion moves the case from version `from` to from+1. It fails with
	// ErrStaleState if the stored version is no longer `from`.
	BumpVersion(ctx context.Context, id uuid.UUID, from int) (int, error)
	UpdatePayerMode(ctx context.Context, id uuid.UUID, mode PayerMode) error
	List(ctx context.Context, limit, offset int) ([]*BillingCase, int, error)
}

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Invoice, error)
}

type LineRepository interface {
	Create(ctx context.Context, l *InvoiceLine) error
	GetByID(ctx context.Context, id uuid.UUID) (*InvoiceLine, error)
	Update(ctx context.Context, l *InvoiceLine) error
	// ListByInvoice returns active lines in creation order.
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceLine, error)
}

type ReceiptRepository interface {
	// Create inserts the receipt and its allocations.
	Create(ctx context.Context, r *Receipt) error
	GetByID(ctx context.Context, id uuid.UUID) (*Receipt, error)
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Receipt, error)
	Void(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	// PaidByInvoice sums allocations of non-voided receipts per invoice.
	PaidByInvoice(ctx context.Context, caseID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
	// AllocationsByInvoice lists allocations of non-voided receipts.
	AllocationsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Allocation, error)
	// ReplaceAllocation swaps one allocation for parts that sum to its amount.
	ReplaceAllocation(ctx context.Context, old *Allocation, parts []*Allocation) error
}

type AdvanceRepository interface {
	CreateEntry(ctx context.Context, e *AdvanceEntry) error
	ListEntries(ctx context.Context, caseID uuid.UUID) ([]*AdvanceEntry, error)
	// CreateApplication inserts the application and its consumption links.
	CreateApplication(ctx context.Context, a *AdvanceApplication) error
	GetApplicationByReceipt(ctx context.Context, receiptID uuid.UUID) (*AdvanceApplication, error)
	ListApplications(ctx context.Context, caseID uuid.UUID) ([]*AdvanceApplication, error)
	ReverseApplication(ctx context.Context, id uuid.UUID, at time.Time) error
}

type InsuranceRepository interface {
	UpsertPolicy(ctx context.Context, p *InsurancePolicy) error
	GetPolicy(ctx context.Context, caseID uuid.UUID) (*InsurancePolicy, error)
	CreateSplit(ctx context.Context, s *InvoiceSplit) error
	GetSplitByOriginal(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSplit, error)
	GetSplitByDerived(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSplit, error)
	ListSplits(ctx context.Context, caseID uuid.UUID) ([]*InvoiceSplit, error)

	CreatePreauth(ctx context.Context, p *Preauth) error
	GetPreauth(ctx context.Context, id uuid.UUID) (*Preauth, error)
	UpdatePreauth(ctx context.Context, p *Preauth) error
	ListPreauths(ctx context.Context, caseID uuid.UUID) ([]*Preauth, error)

	CreateClaim(ctx context.Context, c *Claim) error
	GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error)
	UpdateClaim(ctx context.Context, c *Claim) error
	ListClaims(ctx context.Context, caseID uuid.UUID) ([]*Claim, error)
}

type EditRequestRepository interface {
	Create(ctx context.Context, r *EditRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*EditRequest, error)
	Update(ctx context.Context, r *EditRequest) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*EditRequest, error)
	// ListAwaitingRelock returns approved requests whose re-lock has not run.
	ListAwaitingRelock(ctx context.Context) ([]*EditRequest, error)
}

// Repositories bundles the stores the service works against.
type Repositories struct {
	Cases        CaseRepository
	Invoices     InvoiceRepository
	Lines        LineRepository
	Receipts     ReceiptRepository
	Advances     AdvanceRepository
	Insurance    InsuranceRepository
	EditRequests EditRequestRepository
}

// TxRunner runs fn in one transaction. Implementations join a transaction
// already present in ctx.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
