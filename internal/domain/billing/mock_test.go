package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/audit"
)

// -- In-memory store --

// memState is the whole store. Values are kept by value so callers never
// share memory with it.
type memState struct {
	seq          int
	order        map[uuid.UUID]int
	cases        map[uuid.UUID]BillingCase
	invoices     map[uuid.UUID]Invoice
	lines        map[uuid.UUID]InvoiceLine
	receipts     map[uuid.UUID]Receipt
	entries      map[uuid.UUID]AdvanceEntry
	apps         map[uuid.UUID]AdvanceApplication
	policies     map[uuid.UUID]InsurancePolicy
	splits       map[uuid.UUID]InvoiceSplit
	preauths     map[uuid.UUID]Preauth
	claims       map[uuid.UUID]Claim
	editRequests map[uuid.UUID]EditRequest
}

func newMemState() *memState {
	return &memState{
		order:        map[uuid.UUID]int{},
		cases:        map[uuid.UUID]BillingCase{},
		invoices:     map[uuid.UUID]Invoice{},
		lines:        map[uuid.UUID]InvoiceLine{},
		receipts:     map[uuid.UUID]Receipt{},
		entries:      map[uuid.UUID]AdvanceEntry{},
		apps:         map[uuid.UUID]AdvanceApplication{},
		policies:     map[uuid.UUID]InsurancePolicy{},
		splits:       map[uuid.UUID]InvoiceSplit{},
		preauths:     map[uuid.UUID]Preauth{},
		claims:       map[uuid.UUID]Claim{},
		editRequests: map[uuid.UUID]EditRequest{},
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone is safe as a snapshot because receipts and applications are deep
// copied on every write.
func (s *memState) clone() *memState {
	return &memState{
		seq:          s.seq,
		order:        copyMap(s.order),
		cases:        copyMap(s.cases),
		invoices:     copyMap(s.invoices),
		lines:        copyMap(s.lines),
		receipts:     copyMap(s.receipts),
		entries:      copyMap(s.entries),
		apps:         copyMap(s.apps),
		policies:     copyMap(s.policies),
		splits:       copyMap(s.splits),
		preauths:     copyMap(s.preauths),
		claims:       copyMap(s.claims),
		editRequests: copyMap(s.editRequests),
	}
}

func (s *memState) track(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

func cloneReceipt(r Receipt) Receipt {
	allocs := make([]*Allocation, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		cp := *a
		allocs = append(allocs, &cp)
	}
	r.Allocations = allocs
	return r
}

func cloneApplication(a AdvanceApplication) AdvanceApplication {
	cons := make([]*Consumption, 0, len(a.Consumptions))
	for _, c := range a.Consumptions {
		cp := *c
		cons = append(cons, &cp)
	}
	a.Consumptions = cons
	return a
}

type memTxKey struct{}

// memDB serializes transactions with one mutex, which stands in for the
// case row lock. A failed transaction restores the pre-transaction state.
type memDB struct {
	mu    sync.Mutex
	st    *memState
	fails map[string]error
}

func newMemDB() *memDB {
	return &memDB{st: newMemState(), fails: map[string]error{}}
}

func (m *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// guard locks the store for calls made outside a transaction.
func (m *memDB) guard(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// failNext makes the next call of op return err.
func (m *memDB) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[op] = err
}

func (m *memDB) injected(op string) error {
	if err, ok := m.fails[op]; ok {
		delete(m.fails, op)
		return err
	}
	return nil
}

func (m *memDB) repositories() Repositories {
	return Repositories{
		Cases:        &memCases{m},
		Invoices:     &memInvoices{m},
		Lines:        &memLines{m},
		Receipts:     &memReceipts{m},
		Advances:     &memAdvances{m},
		Insurance:    &memInsurance{m},
		EditRequests: &memEditRequests{m},
	}
}

// inOrder returns values of m filtered by keep in insertion order.
func inOrder[V any](db *memDB, m map[uuid.UUID]V, idOf func(V) uuid.UUID, keep func(V) bool) []*V {
	var out []*V
	for _, v := range m {
		if keep(v) {
			cp := v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return db.st.order[idOf(*out[i])] < db.st.order[idOf(*out[j])] })
	return out
}

// -- Cases --

type memCases struct{ db *memDB }

func (r *memCases) Create(ctx context.Context, c *BillingCase) error {
	defer r.db.guard(ctx)()
	r.db.st.cases[c.ID] = *c
	r.db.st.track(c.ID)
	return nil
}

func (r *memCases) GetByID(ctx context.Context, id uuid.UUID) (*BillingCase, error) {
	defer r.db.guard(ctx)()
	c, ok := r.db.st.cases[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &c, nil
}

func (r *memCases) Lock(ctx context.Context, id uuid.UUID) (*BillingCase, error) {
	if ctx.Value(memTxKey{}) == nil {
		return nil, errors.New("lock requires a transaction")
	}
	return r.GetByID(ctx, id)
}

func (r *memCases) BumpVersion(ctx context.Context, id uuid.UUID, from int) (int, error) {
	defer r.db.guard(ctx)()
	c, ok := r.db.st.cases[id]
	if !ok || c.Version != from {
		return 0, staleErr(entityCase, id, "", "", "case version moved")
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	r.db.st.cases[id] = c
	return c.Version, nil
}

func (r *memCases) UpdatePayerMode(ctx context.Context, id uuid.UUID, mode PayerMode) error {
	defer r.db.guard(ctx)()
	c, ok := r.db.st.cases[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.PayerMode = mode
	r.db.st.cases[id] = c
	return nil
}

func (r *memCases) List(ctx context.Context, limit, offset int) ([]*BillingCase, int, error) {
	defer r.db.guard(ctx)()
	all := inOrder(r.db, r.db.st.cases, func(c BillingCase) uuid.UUID { return c.ID }, func(BillingCase) bool { return true })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- Invoices --

type memInvoices struct{ db *memDB }

func (r *memInvoices) Create(ctx context.Context, inv *Invoice) error {
	defer r.db.guard(ctx)()
	if err := r.db.injected("invoices.create"); err != nil {
		return err
	}
	r.db.st.invoices[inv.ID] = *inv
	r.db.st.track(inv.ID)
	return nil
}

func (r *memInvoices) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	defer r.db.guard(ctx)()
	inv, ok := r.db.st.invoices[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &inv, nil
}

func (r *memInvoices) Update(ctx context.Context, inv *Invoice) error {
	defer r.db.guard(ctx)()
	if _, ok := r.db.st.invoices[inv.ID]; !ok {
		return pgx.ErrNoRows
	}
	r.db.st.invoices[inv.ID] = *inv
	return nil
}

func (r *memInvoices) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Invoice, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.invoices, func(i Invoice) uuid.UUID { return i.ID },
		func(i Invoice) bool { return i.CaseID == caseID }), nil
}

// -- Lines --

type memLines struct{ db *memDB }

func (r *memLines) Create(ctx context.Context, l *InvoiceLine) error {
	defer r.db.guard(ctx)()
	r.db.st.lines[l.ID] = *l
	r.db.st.track(l.ID)
	return nil
}

func (r *memLines) GetByID(ctx context.Context, id uuid.UUID) (*InvoiceLine, error) {
	defer r.db.guard(ctx)()
	l, ok := r.db.st.lines[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &l, nil
}

func (r *memLines) Update(ctx context.Context, l *InvoiceLine) error {
	defer r.db.guard(ctx)()
	if _, ok := r.db.st.lines[l.ID]; !ok {
		return pgx.ErrNoRows
	}
	r.db.st.lines[l.ID] = *l
	return nil
}

func (r *memLines) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceLine, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.lines, func(l InvoiceLine) uuid.UUID { return l.ID },
		func(l InvoiceLine) bool { return l.InvoiceID == invoiceID && l.Active() }), nil
}

// -- Receipts --

type memReceipts struct{ db *memDB }

func (r *memReceipts) Create(ctx context.Context, rc *Receipt) error {
	defer r.db.guard(ctx)()
	if err := r.db.injected("receipts.create"); err != nil {
		return err
	}
	r.db.st.receipts[rc.ID] = cloneReceipt(*rc)
	r.db.st.track(rc.ID)
	return nil
}

func (r *memReceipts) GetByID(ctx context.Context, id uuid.UUID) (*Receipt, error) {
	defer r.db.guard(ctx)()
	rc, ok := r.db.st.receipts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := cloneReceipt(rc)
	return &out, nil
}

func (r *memReceipts) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Receipt, error) {
	defer r.db.guard(ctx)()
	items := inOrder(r.db, r.db.st.receipts, func(rc Receipt) uuid.UUID { return rc.ID },
		func(rc Receipt) bool { return rc.CaseID == caseID })
	for i, rc := range items {
		cp := cloneReceipt(*rc)
		items[i] = &cp
	}
	return items, nil
}

func (r *memReceipts) Void(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	defer r.db.guard(ctx)()
	rc, ok := r.db.st.receipts[id]
	if !ok || rc.Voided() {
		return pgx.ErrNoRows
	}
	rc = cloneReceipt(rc)
	rc.VoidedAt = &at
	rc.VoidReason = &reason
	r.db.st.receipts[id] = rc
	return nil
}

func (r *memReceipts) PaidByInvoice(ctx context.Context, caseID uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	defer r.db.guard(ctx)()
	paid := map[uuid.UUID]decimal.Decimal{}
	for _, rc := range r.db.st.receipts {
		if rc.CaseID != caseID || rc.Voided() {
			continue
		}
		for _, a := range rc.Allocations {
			paid[a.InvoiceID] = paid[a.InvoiceID].Add(a.Amount)
		}
	}
	return paid, nil
}

func (r *memReceipts) AllocationsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Allocation, error) {
	defer r.db.guard(ctx)()
	var out []*Allocation
	for _, rc := range inOrder(r.db, r.db.st.receipts, func(rc Receipt) uuid.UUID { return rc.ID },
		func(rc Receipt) bool { return !rc.Voided() }) {
		for _, a := range rc.Allocations {
			if a.InvoiceID == invoiceID {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (r *memReceipts) ReplaceAllocation(ctx context.Context, old *Allocation, parts []*Allocation) error {
	defer r.db.guard(ctx)()
	rc, ok := r.db.st.receipts[old.ReceiptID]
	if !ok {
		return pgx.ErrNoRows
	}
	var allocs []*Allocation
	for _, a := range rc.Allocations {
		if a.ID != old.ID {
			allocs = append(allocs, a)
		}
	}
	rc.Allocations = append(allocs, parts...)
	r.db.st.receipts[rc.ID] = cloneReceipt(rc)
	return nil
}

// -- Advances --

type memAdvances struct{ db *memDB }

func (r *memAdvances) CreateEntry(ctx context.Context, e *AdvanceEntry) error {
	defer r.db.guard(ctx)()
	r.db.st.entries[e.ID] = *e
	r.db.st.track(e.ID)
	return nil
}

func (r *memAdvances) ListEntries(ctx context.Context, caseID uuid.UUID) ([]*AdvanceEntry, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.entries, func(e AdvanceEntry) uuid.UUID { return e.ID },
		func(e AdvanceEntry) bool { return e.CaseID == caseID }), nil
}

func (r *memAdvances) CreateApplication(ctx context.Context, a *AdvanceApplication) error {
	defer r.db.guard(ctx)()
	if err := r.db.injected("advances.create_application"); err != nil {
		return err
	}
	r.db.st.apps[a.ID] = cloneApplication(*a)
	r.db.st.track(a.ID)
	return nil
}

func (r *memAdvances) GetApplicationByReceipt(ctx context.Context, receiptID uuid.UUID) (*AdvanceApplication, error) {
	defer r.db.guard(ctx)()
	for _, a := range r.db.st.apps {
		if a.ReceiptID == receiptID {
			out := cloneApplication(a)
			return &out, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *memAdvances) ListApplications(ctx context.Context, caseID uuid.UUID) ([]*AdvanceApplication, error) {
	defer r.db.guard(ctx)()
	items := inOrder(r.db, r.db.st.apps, func(a AdvanceApplication) uuid.UUID { return a.ID },
		func(a AdvanceApplication) bool { return a.CaseID == caseID })
	for i, a := range items {
		cp := cloneApplication(*a)
		items[i] = &cp
	}
	return items, nil
}

func (r *memAdvances) ReverseApplication(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer r.db.guard(ctx)()
	a, ok := r.db.st.apps[id]
	if !ok || a.Reversed() {
		return pgx.ErrNoRows
	}
	a = cloneApplication(a)
	a.ReversedAt = &at
	r.db.st.apps[id] = a
	return nil
}

// -- Insurance --

type memInsurance struct{ db *memDB }

func (r *memInsurance) UpsertPolicy(ctx context.Context, p *InsurancePolicy) error {
	defer r.db.guard(ctx)()
	if _, ok := r.db.st.policies[p.CaseID]; !ok {
		r.db.st.track(p.ID)
	}
	r.db.st.policies[p.CaseID] = *p
	return nil
}

func (r *memInsurance) GetPolicy(ctx context.Context, caseID uuid.UUID) (*InsurancePolicy, error) {
	defer r.db.guard(ctx)()
	p, ok := r.db.st.policies[caseID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &p, nil
}

func (r *memInsurance) CreateSplit(ctx context.Context, s *InvoiceSplit) error {
	defer r.db.guard(ctx)()
	r.db.st.splits[s.ID] = *s
	r.db.st.track(s.ID)
	return nil
}

func (r *memInsurance) findSplit(match func(InvoiceSplit) bool) (*InvoiceSplit, error) {
	for _, s := range r.db.st.splits {
		if match(s) {
			cp := s
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *memInsurance) GetSplitByOriginal(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSplit, error) {
	defer r.db.guard(ctx)()
	return r.findSplit(func(s InvoiceSplit) bool { return s.OriginalInvoiceID == invoiceID })
}

func (r *memInsurance) GetSplitByDerived(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSplit, error) {
	defer r.db.guard(ctx)()
	return r.findSplit(func(s InvoiceSplit) bool {
		return s.PatientInvoiceID == invoiceID || s.InsurerInvoiceID == invoiceID
	})
}

func (r *memInsurance) ListSplits(ctx context.Context, caseID uuid.UUID) ([]*InvoiceSplit, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.splits, func(s InvoiceSplit) uuid.UUID { return s.ID },
		func(s InvoiceSplit) bool { return s.CaseID == caseID }), nil
}

func (r *memInsurance) CreatePreauth(ctx context.Context, p *Preauth) error {
	defer r.db.guard(ctx)()
	r.db.st.preauths[p.ID] = *p
	r.db.st.track(p.ID)
	return nil
}

func (r *memInsurance) GetPreauth(ctx context.Context, id uuid.UUID) (*Preauth, error) {
	defer r.db.guard(ctx)()
	p, ok := r.db.st.preauths[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &p, nil
}

func (r *memInsurance) UpdatePreauth(ctx context.Context, p *Preauth) error {
	defer r.db.guard(ctx)()
	r.db.st.preauths[p.ID] = *p
	return nil
}

func (r *memInsurance) ListPreauths(ctx context.Context, caseID uuid.UUID) ([]*Preauth, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.preauths, func(p Preauth) uuid.UUID { return p.ID },
		func(p Preauth) bool { return p.CaseID == caseID }), nil
}

func (r *memInsurance) CreateClaim(ctx context.Context, c *Claim) error {
	defer r.db.guard(ctx)()
	r.db.st.claims[c.ID] = *c
	r.db.st.track(c.ID)
	return nil
}

func (r *memInsurance) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	defer r.db.guard(ctx)()
	c, ok := r.db.st.claims[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &c, nil
}

func (r *memInsurance) UpdateClaim(ctx context.Context, c *Claim) error {
	defer r.db.guard(ctx)()
	r.db.st.claims[c.ID] = *c
	return nil
}

func (r *memInsurance) ListClaims(ctx context.Context, caseID uuid.UUID) ([]*Claim, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.claims, func(c Claim) uuid.UUID { return c.ID },
		func(c Claim) bool { return c.CaseID == caseID }), nil
}

// -- Edit requests --

type memEditRequests struct{ db *memDB }

func (r *memEditRequests) Create(ctx context.Context, e *EditRequest) error {
	defer r.db.guard(ctx)()
	r.db.st.editRequests[e.ID] = *e
	r.db.st.track(e.ID)
	return nil
}

func (r *memEditRequests) GetByID(ctx context.Context, id uuid.UUID) (*EditRequest, error) {
	defer r.db.guard(ctx)()
	e, ok := r.db.st.editRequests[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &e, nil
}

func (r *memEditRequests) Update(ctx context.Context, e *EditRequest) error {
	defer r.db.guard(ctx)()
	r.db.st.editRequests[e.ID] = *e
	return nil
}

func (r *memEditRequests) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*EditRequest, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.editRequests, func(e EditRequest) uuid.UUID { return e.ID },
		func(e EditRequest) bool { return e.InvoiceID == invoiceID }), nil
}

func (r *memEditRequests) ListAwaitingRelock(ctx context.Context) ([]*EditRequest, error) {
	defer r.db.guard(ctx)()
	return inOrder(r.db, r.db.st.editRequests, func(e EditRequest) uuid.UUID { return e.ID },
		func(e EditRequest) bool { return e.Status == EditApproved && e.RelockedAt == nil }), nil
}

// -- Collaborators --

type memAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
	failErr error
}

func (a *memAudit) Record(_ context.Context, entries ...*audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return a.failErr
	}
	a.entries = append(a.entries, entries...)
	return nil
}

func (a *memAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.EntityType+"."+e.Action)
	}
	return out
}

type scheduledTask struct {
	at   time.Time
	task func(ctx context.Context) error
}

type fakeScheduler struct {
	mu        sync.Mutex
	tasks     map[string]scheduledTask
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: map[string]scheduledTask{}}
}

func (f *fakeScheduler) Schedule(key string, at time.Time, task func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[key] = scheduledTask{at: at, task: task}
}

func (f *fakeScheduler) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[key]
	delete(f.tasks, key)
	f.cancelled = append(f.cancelled, key)
	return ok
}

// fire runs the task under key as the scheduler would when it comes due.
func (f *fakeScheduler) fire(ctx context.Context, key string) error {
	f.mu.Lock()
	t, ok := f.tasks[key]
	delete(f.tasks, key)
	f.mu.Unlock()
	if !ok {
		return errors.New("no task scheduled under " + key)
	}
	return t.task(ctx)
}

func (f *fakeScheduler) pending(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[key]
	return t.at, ok
}
