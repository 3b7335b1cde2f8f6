package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/promptflow/types"
)

// Errors
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrRunNotFound      = errors.New("run not found")
)

// DefaultRunLimit caps ListRuns when the caller passes no limit.
const DefaultRunLimit = 50

// Storage persists workflow templates and run records.
type Storage interface {
	// SaveTemplate saves a workflow template, replacing one with the same ID.
	SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id string) (types.WorkflowTemplate, error)

	// ListTemplates returns every stored template ordered by ID.
	ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error)

	// SaveRun saves a run record.
	SaveRun(ctx context.Context, run types.RunRecord) error

	// GetRun retrieves a run record by ID.
	GetRun(ctx context.Context, id uint64) (types.RunRecord, error)

	// ListRuns returns up to limit run records of a template, newest first.
	// An empty templateID lists runs of all templates.
	ListRuns(ctx context.Context, templateID string, limit int) ([]types.RunRecord, error)

	// ClearFinished removes run records that are completed or failed.
	ClearFinished(ctx context.Context) error
}

func finished(run types.RunRecord) bool {
	return run.State == types.RunCompleted || run.State == types.RunFailed
}

func runLimit(limit int) int {
	if limit <= 0 {
		return DefaultRunLimit
	}
	return limit
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError is withContext for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
