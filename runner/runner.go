// Package runner manages workflow templates and runs on top of the engine:
// templates are validated and stored, runs get ids and persisted records, and
// progress is fanned out to subscribers through an event bus.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/promptflow/events"
	"github.com/songzhibin97/promptflow/storage"
	"github.com/songzhibin97/promptflow/telemetry"
	"github.com/songzhibin97/promptflow/types"
	"github.com/songzhibin97/promptflow/workflow"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrInvalidTemplate  = errors.New("invalid template")
)

// Runner registers templates and executes runs of them.
type Runner struct {
	engine   *workflow.Engine
	storage  storage.Storage
	eventBus *events.EventBus
	generate generator.Generator
	programs map[string]*workflow.Program
	mu       sync.RWMutex
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventBus replaces the default event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(r *Runner) {
		if bus != nil {
			r.eventBus = bus
		}
	}
}

// New creates a Runner. Run ids come from generate; store defaults to memory.
func New(engine *workflow.Engine, generate generator.Generator, store storage.Storage, opts ...Option) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	r := &Runner{
		engine:   engine,
		storage:  store,
		generate: generate,
		programs: make(map[string]*workflow.Program),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.eventBus == nil {
		r.eventBus = events.NewEventBus(events.WithBufferSize(1024))
	}
	return r, nil
}

// Subscribe subscribes a handler to the progress events of every run that
// match filter. Call the returned function to unsubscribe.
func (r *Runner) Subscribe(filter events.Filter, handler events.EventHandler) func() {
	return r.eventBus.Subscribe(filter, handler)
}

// GenerateID generates a run id.
func (r *Runner) GenerateID() (uint64, error) {
	return r.generate.NextID()
}

// RegisterTemplate validates and persists a template. Warnings describe
// references that will resolve as absent at run time.
func (r *Runner) RegisterTemplate(ctx context.Context, tmpl types.WorkflowTemplate) ([]string, error) {
	if tmpl.ID == "" {
		return nil, fmt.Errorf("%w: template id cannot be empty", ErrInvalidTemplate)
	}
	warnings, err := workflow.Validate(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	prog, err := workflow.Compile(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}

	if err := r.storage.SaveTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("failed to save template: %w", err)
	}

	r.mu.Lock()
	r.programs[tmpl.ID] = prog
	r.mu.Unlock()

	logger := telemetry.WithTemplateID(r.logger, tmpl.ID)
	for _, w := range warnings {
		logger.Warn("template warning", "warning", w)
	}
	logger.Info("template registered", "nodes", len(tmpl.Nodes))
	return warnings, nil
}

// GetTemplate returns a registered template.
func (r *Runner) GetTemplate(ctx context.Context, id string) (types.WorkflowTemplate, error) {
	prog, err := r.program(ctx, id)
	if err != nil {
		return types.WorkflowTemplate{}, err
	}
	return prog.Template(), nil
}

// ListTemplates returns every registered template ordered by id.
func (r *Runner) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	tmpls, err := r.storage.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return tmpls, nil
}

// program returns the compiled template, checking the cache first then storage.
func (r *Runner) program(ctx context.Context, id string) (*workflow.Program, error) {
	r.mu.RLock()
	prog, ok := r.programs[id]
	r.mu.RUnlock()
	if ok {
		return prog, nil
	}

	tmpl, err := r.storage.GetTemplate(ctx, id)
	if errors.Is(err, storage.ErrTemplateNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	prog, err = workflow.Compile(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}

	r.mu.Lock()
	r.programs[id] = prog
	r.mu.Unlock()
	return prog, nil
}

// RunRequest names a registered template and the inputs of one run.
type RunRequest struct {
	TemplateID    string         `json:"template_id"`
	InitialInputs map[string]any `json:"initial_inputs,omitempty"`
	QueryPrompt   string         `json:"query_prompt,omitempty"`
}

func (r *Runner) prepare(ctx context.Context, req RunRequest) (workflow.Request, types.RunRecord, error) {
	prog, err := r.program(ctx, req.TemplateID)
	if err != nil {
		return workflow.Request{}, types.RunRecord{}, err
	}

	id, err := r.GenerateID()
	if err != nil {
		return workflow.Request{}, types.RunRecord{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := time.Now().UnixMilli()
	rec := types.RunRecord{
		ID:          id,
		TemplateID:  req.TemplateID,
		State:       types.RunRunning,
		QueryPrompt: req.QueryPrompt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.storage.SaveRun(ctx, rec); err != nil {
		return workflow.Request{}, types.RunRecord{}, fmt.Errorf("failed to save run: %w", err)
	}

	return workflow.Request{
		Program:       prog,
		InitialInputs: req.InitialInputs,
		QueryPrompt:   req.QueryPrompt,
		RunID:         id,
	}, rec, nil
}

// Execute runs a template to completion. A run that aborts is not an error of
// Execute: the returned record is in the failed state and carries the cause.
func (r *Runner) Execute(ctx context.Context, req RunRequest, sinks ...events.Sink) (types.RunRecord, error) {
	wreq, rec, err := r.prepare(ctx, req)
	if err != nil {
		return types.RunRecord{}, err
	}

	sink := events.Multi(append([]events.Sink{r.eventBus}, sinks...)...)
	results, runErr := r.engine.Run(ctx, wreq, sink)
	return r.finish(context.WithoutCancel(ctx), rec, results, runErr)
}

// Start begins a run in the background and returns it; its record is
// updated when it ends. Stop waits for started runs.
func (r *Runner) Start(ctx context.Context, req RunRequest) (*workflow.Run, error) {
	wreq, rec, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	run := r.engine.Start(ctx, wreq, r.eventBus)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		results, runErr := run.Wait()
		if _, err := r.finish(context.WithoutCancel(ctx), rec, results, runErr); err != nil {
			telemetry.WithRunID(r.logger, rec.ID).Error("failed to save run", "error", err)
		}
	}()
	return run, nil
}

func (r *Runner) finish(ctx context.Context, rec types.RunRecord, results map[string]any, runErr error) (types.RunRecord, error) {
	rec.UpdatedAt = time.Now().UnixMilli()
	if runErr != nil {
		rec.State = types.RunFailed
		rec.Error = runErr.Error()
	} else {
		rec.State = types.RunCompleted
		rec.Results = results
	}
	if err := r.storage.SaveRun(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to save run: %w", err)
	}
	return rec, nil
}

// GetRun returns the record of a run, running or finished.
func (r *Runner) GetRun(ctx context.Context, id uint64) (types.RunRecord, error) {
	rec, err := r.storage.GetRun(ctx, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		return types.RunRecord{}, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	return rec, err
}

// ListRuns returns the newest run records of a template, or of all templates
// when templateID is empty. limit <= 0 uses storage.DefaultRunLimit.
func (r *Runner) ListRuns(ctx context.Context, templateID string, limit int) ([]types.RunRecord, error) {
	runs, err := r.storage.ListRuns(ctx, templateID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Stop waits for background runs and shuts the event bus down.
func (r *Runner) Stop() {
	r.wg.Wait()
	r.eventBus.Stop()
}
