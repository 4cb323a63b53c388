package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/dpichecker/internal/domain"
)

var ErrNotFound = errors.New("not found")

// RunStore persists runs. Create writes one result slot per target; later
// writes update a slot in place by its index.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	SaveResult(ctx context.Context, runID string, index int, r domain.CheckResult) error
	Finish(ctx context.Context, runID string, finishedAt time.Time, completed int, cancelled bool) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	// List returns the newest runs first. limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]domain.RunInfo, error)
}
