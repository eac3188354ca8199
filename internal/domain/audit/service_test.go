package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	mu      sync.Mutex
	entries []*Entry
	failErr error
}

func (m *mockRepo) Append(_ context.Context, entries ...*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if f.CaseID != nil && (e.CaseID == nil || *e.CaseID != *f.CaseID) {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != nil && e.EntityID != *f.EntityID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func validEntry() *Entry {
	caseID := uuid.New()
	return &Entry{
		CaseID:     &caseID,
		EntityType: "invoice",
		EntityID:   uuid.New(),
		Action:     "void",
		Reason:     "duplicate invoice",
		Actor:      "cashier-1",
	}
}

func TestRecord_AssignsIDAndTimestamp(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo)
	fixed := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	e := validEntry()
	require.NoError(t, svc.Record(context.Background(), e))
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, fixed, e.CreatedAt)
	assert.Len(t, repo.entries, 1)
}

func TestRecord_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"missing entity type", func(e *Entry) { e.EntityType = "" }},
		{"missing entity id", func(e *Entry) { e.EntityID = uuid.Nil }},
		{"missing action", func(e *Entry) { e.Action = "" }},
		{"missing actor", func(e *Entry) { e.Actor = "" }},
		{"short reason", func(e *Entry) { e.Reason = "ok" }},
		{"blank reason", func(e *Entry) { e.Reason = "     " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{}
			svc := NewService(repo)
			e := validEntry()
			tt.mutate(e)
			assert.Error(t, svc.Record(context.Background(), e))
			assert.Empty(t, repo.entries)
		})
	}
}

func TestRecord_BatchIsAllOrNothing(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo)
	bad := validEntry()
	bad.Reason = ""
	assert.Error(t, svc.Record(context.Background(), validEntry(), bad))
	assert.Empty(t, repo.entries)
}

func TestRecord_RepoFailure(t *testing.T) {
	repo := &mockRepo{failErr: errors.New("connection refused")}
	svc := NewService(repo)
	err := svc.Record(context.Background(), validEntry())
	assert.ErrorContains(t, err, "connection refused")
}

func TestSnapshot(t *testing.T) {
	assert.Nil(t, Snapshot(nil))
	raw := Snapshot(map[string]string{"status": "VOID"})
	assert.JSONEq(t, `{"status":"VOID"}`, string(raw))

	bad := Snapshot(make(chan int))
	assert.Contains(t, string(bad), "snapshot_error")
}

func TestList_FiltersByCase(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo)
	a, b := validEntry(), validEntry()
	require.NoError(t, svc.Record(context.Background(), a, b))

	items, total, err := svc.List(context.Background(), Filter{CaseID: a.CaseID}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, a.ID, items[0].ID)
}
