package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/audit"
	"github.com/ehr/billing/internal/platform/auth"
)

// AuditRecorder persists audit entries. Entries are handed over after the
// ledger change has committed.
type AuditRecorder interface {
	Record(ctx context.Context, entries ...*audit.Entry) error
}

// Action names a privileged operation.
type Action string

const (
	ActionReopen            Action = "invoice.reopen"
	ActionDecideEditRequest Action = "edit_request.decide"
)

// Authorizer decides privileged actions. It returns nil to allow.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, action Action) error
}

// RoleAuthorizer allows privileged actions to actors holding one of Roles.
type RoleAuthorizer struct {
	Roles []string
}

func (a RoleAuthorizer) Authorize(_ context.Context, actor Actor, action Action) error {
	if auth.HasAnyRole(actor.Roles, a.Roles...) {
		return nil
	}
	return permissionErr(string(action))
}

// ChargeItem is a service master entry.
type ChargeItem struct {
	Code        string
	Description string
	Category    string
	UnitPrice   decimal.Decimal
	GSTRate     decimal.Decimal
}

// ChargeCatalog looks up service master defaults by code.
type ChargeCatalog interface {
	Lookup(ctx context.Context, code string) (ChargeItem, bool, error)
}

// StaticCatalog is an in-memory ChargeCatalog.
type StaticCatalog struct {
	mu    sync.RWMutex
	items map[string]ChargeItem
}

func NewStaticCatalog(items ...ChargeItem) *StaticCatalog {
	c := &StaticCatalog{items: make(map[string]ChargeItem, len(items))}
	for _, it := range items {
		c.Put(it)
	}
	return c
}

func (c *StaticCatalog) Put(item ChargeItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[strings.ToUpper(item.Code)] = item
}

func (c *StaticCatalog) Lookup(_ context.Context, code string) (ChargeItem, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[strings.ToUpper(code)]
	return it, ok, nil
}

// RelockScheduler runs the delayed re-lock of an unlocked invoice.
type RelockScheduler interface {
	Schedule(key string, at time.Time, task func(ctx context.Context) error)
	Cancel(key string) bool
}
