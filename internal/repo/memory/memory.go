package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/repo"
)

type Store struct {
	mu   sync.RWMutex
	runs map[string]*domain.Run
}

func New() *Store {
	return &Store{runs: make(map[string]*domain.Run)}
}

func (m *Store) Create(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Store) SaveResult(ctx context.Context, runID string, index int, r domain.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
	}
	if index < 0 || index >= len(run.Results) {
		return fmt.Errorf("run %s index %d: %w", runID, index, repo.ErrNotFound)
	}
	run.Results[index] = r.Clone()
	return nil
}

func (m *Store) Finish(ctx context.Context, runID string, finishedAt time.Time, completed int, cancelled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
	}
	run.FinishedAt = &finishedAt
	run.Completed = completed
	run.Cancelled = cancelled
	return nil
}

func (m *Store) Get(ctx context.Context, id string) (*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, repo.ErrNotFound)
	}
	return run.Clone(), nil
}

func (m *Store) List(ctx context.Context, limit int) ([]domain.RunInfo, error) {
	m.mu.RLock()
	out := make([]domain.RunInfo, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ repo.RunStore = (*Store)(nil)
