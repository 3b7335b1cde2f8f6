package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/promptflow/types"
)

// MemoryStorage keeps templates and run records in process memory.
type MemoryStorage struct {
	templates map[string]types.WorkflowTemplate
	runs      map[uint64]types.RunRecord
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		templates: make(map[string]types.WorkflowTemplate),
		runs:      make(map[uint64]types.RunRecord),
	}
}

func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveTemplate implements Storage.
func (s *MemoryStorage) SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.templates[tmpl.ID] = tmpl
		return nil
	})
}

// GetTemplate implements Storage.
func (s *MemoryStorage) GetTemplate(ctx context.Context, id string) (types.WorkflowTemplate, error) {
	return getItem(ctx, &s.mu, s.templates, id, ErrTemplateNotFound)
}

// ListTemplates implements Storage.
func (s *MemoryStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	return withContext(ctx, func() ([]types.WorkflowTemplate, error) {
		s.mu.RLock()
		out := make([]types.WorkflowTemplate, 0, len(s.templates))
		for _, tmpl := range s.templates {
			out = append(out, tmpl)
		}
		s.mu.RUnlock()

		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveRun implements Storage.
func (s *MemoryStorage) SaveRun(ctx context.Context, run types.RunRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = run
		return nil
	})
}

// GetRun implements Storage.
func (s *MemoryStorage) GetRun(ctx context.Context, id uint64) (types.RunRecord, error) {
	return getItem(ctx, &s.mu, s.runs, id, ErrRunNotFound)
}

// ListRuns implements Storage. Run ids grow over time, so newest first is
// descending id order.
func (s *MemoryStorage) ListRuns(ctx context.Context, templateID string, limit int) ([]types.RunRecord, error) {
	return withContext(ctx, func() ([]types.RunRecord, error) {
		s.mu.RLock()
		out := make([]types.RunRecord, 0)
		for _, run := range s.runs {
			if templateID == "" || run.TemplateID == templateID {
				out = append(out, run)
			}
		}
		s.mu.RUnlock()

		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		if n := runLimit(limit); len(out) > n {
			out = out[:n]
		}
		return out, nil
	})
}

// ClearFinished implements Storage.
func (s *MemoryStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, run := range s.runs {
			if finished(run) {
				delete(s.runs, id)
			}
		}
		return nil
	})
}
