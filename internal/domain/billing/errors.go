package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/db"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrInvalidState     = errors.New("invalid state")
	ErrPolicyViolation  = errors.New("policy violation")
	ErrNotFound         = errors.New("not found")
	ErrStaleState       = errors.New("stale state")
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPolicyMissing is raised when insurance work is attempted on a case
	// without a policy. It matches ErrPolicyViolation under errors.Is.
	ErrPolicyMissing = fmt.Errorf("%w: insurance policy missing", ErrPolicyViolation)
)

// Error carries the context a caller needs to explain a rejected operation.
type Error struct {
	Kind      error  `json:"-"`
	Entity    string `json:"entity,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Attempted string `json:"attempted,omitempty"`
	Current   string `json:"current,omitempty"`
	Message   string `json:"message"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Entity != "" {
		b.WriteString(": ")
		b.WriteString(e.Entity)
		if e.EntityID != "" {
			b.WriteString(" ")
			b.WriteString(e.EntityID)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func validationErr(field, format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func invalidStateErr(entity string, id uuid.UUID, attempted, current string) error {
	return &Error{
		Kind:      ErrInvalidState,
		Entity:    entity,
		EntityID:  id.String(),
		Attempted: attempted,
		Current:   current,
		Message:   fmt.Sprintf("cannot %s while %s", strings.ToLower(attempted), current),
	}
}

func policyErr(entity string, id uuid.UUID, field string, attempted, current decimal.Decimal, msg string) error {
	return &Error{
		Kind:      ErrPolicyViolation,
		Entity:    entity,
		EntityID:  id.String(),
		Field:     field,
		Attempted: attempted.StringFixed(2),
		Current:   current.StringFixed(2),
		Message:   msg,
	}
}

func notFoundErr(entity string, id uuid.UUID) error {
	return &Error{Kind: ErrNotFound, Entity: entity, EntityID: id.String(), Message: entity + " not found"}
}

func staleErr(entity string, id uuid.UUID, attempted, current, msg string) error {
	return &Error{
		Kind:      ErrStaleState,
		Entity:    entity,
		EntityID:  id.String(),
		Attempted: attempted,
		Current:   current,
		Message:   msg,
	}
}

func permissionErr(action string) error {
	return &Error{Kind: ErrPermissionDenied, Attempted: action, Message: action + " requires an elevated role"}
}

// mapStoreErr converts storage errors into the domain taxonomy.
func mapStoreErr(entity string, id uuid.UUID, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return notFoundErr(entity, id)
	case db.IsConcurrencyConflict(err):
		return staleErr(entity, id, "", "", "concurrent modification, retry the operation")
	}
	return err
}

// IsLocked reports whether err rejected an edit because the invoice is
// approved or posted. Callers should go through reopen or an edit request.
func IsLocked(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrInvalidState || e.Entity != entityInvoice {
		return false
	}
	return e.Current == string(StatusApproved) || e.Current == string(StatusPosted)
}

func checkReason(reason string) error {
	if len(strings.TrimSpace(reason)) < MinReasonLength {
		return validationErr("reason", "reason must be at least %d characters", MinReasonLength)
	}
	return nil
}
