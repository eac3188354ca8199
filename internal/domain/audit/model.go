package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MinReasonLength is the shortest reason accepted on a ledger mutation.
const MinReasonLength = 3

// Entry is one append-only audit record. OldValue and NewValue hold JSON
// snapshots of the entity before and after the change.
type Entry struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	CaseID     *uuid.UUID      `db:"case_id" json:"case_id,omitempty"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID       `db:"entity_id" json:"entity_id"`
	Action     string          `db:"action" json:"action"`
	Reason     string          `db:"reason" json:"reason"`
	OldValue   json.RawMessage `db:"old_value" json:"old_value,omitempty"`
	NewValue   json.RawMessage `db:"new_value" json:"new_value,omitempty"`
	Actor      string          `db:"actor" json:"actor"`
	RequestID  string          `db:"request_id" json:"request_id,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Validate checks the fields every entry must carry.
func (e *Entry) Validate() error {
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if e.EntityID == uuid.Nil {
		return fmt.Errorf("entity_id is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if len(strings.TrimSpace(e.Reason)) < MinReasonLength {
		return fmt.Errorf("reason must be at least %d characters", MinReasonLength)
	}
	return nil
}

// Snapshot marshals v for OldValue/NewValue. A nil value yields nil.
func Snapshot(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"snapshot_error":%q}`, err.Error()))
	}
	return b
}

// Filter narrows a listing. Zero fields are ignored.
type Filter struct {
	CaseID     *uuid.UUID
	EntityType string
	EntityID   *uuid.UUID
	Action     string
	Actor      string
}
