package audit

import (
	"context"
)

type Repository interface {
	Append(ctx context.Context, entries ...*Entry) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}
