package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service appends and lists audit entries.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Record validates and appends entries, assigning ids and timestamps that
// are missing. Either all entries are written or none.
func (s *Service) Record(ctx context.Context, entries ...*Entry) error {
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now().UTC()
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("audit %s %s: %w", e.EntityType, e.Action, err)
		}
	}
	return s.repo.Append(ctx, entries...)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
