// Package workflow executes workflow templates: an ordered list of prompt
// steps, each feeding on the run's initial inputs, the query prompt and the
// outputs of earlier steps.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/songzhibin97/promptflow/events"
	"github.com/songzhibin97/promptflow/llm"
	"github.com/songzhibin97/promptflow/metrics"
	"github.com/songzhibin97/promptflow/rules"
	"github.com/songzhibin97/promptflow/telemetry"
	"github.com/songzhibin97/promptflow/types"
)

// DefaultEventBuffer is the capacity of the event channel of a started run.
const DefaultEventBuffer = 256

// Engine runs workflow templates against a generative-text caller. It is safe
// for concurrent use; runs share nothing but the caller and the collectors.
type Engine struct {
	invoker     *invoker
	evaluator   rules.Evaluator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	eventBuffer int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records runs, steps and calls on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvaluator replaces the expression evaluator used for forEach filters
// and field paths.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithTokenCounter estimates the prompt tokens of every call, e.g. with
// llm.EstimateMessagesTokens. Counting is off by default.
func WithTokenCounter(count func([]llm.Message) int) Option {
	return func(e *Engine) { e.invoker.countTokens = count }
}

// WithEventBuffer sets the event channel capacity of runs created by Start.
func WithEventBuffer(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.eventBuffer = size
		}
	}
}

// NewEngine creates an Engine calling caller for every step.
func NewEngine(caller llm.Caller, opts ...Option) (*Engine, error) {
	if caller == nil {
		return nil, errors.New("caller is required")
	}
	e := &Engine{
		invoker:     &invoker{caller: caller},
		evaluator:   rules.NewExprEvaluator(),
		logger:      slog.Default(),
		eventBuffer: DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.invoker.metrics = e.metrics
	return e, nil
}

// Request is one workflow run.
type Request struct {
	Template      types.WorkflowTemplate
	Program       *Program // compiled Template; compiled on the fly when nil
	InitialInputs map[string]any
	QueryPrompt   string
	RunID         uint64 // stamped on events and log lines
}

// Run executes the nodes of the template in order and returns every node's
// output keyed by node id. Progress goes to sink, which may be nil.
//
// The first failing node aborts the run: no further node executes, no
// complete event is emitted and the error wraps ErrAborted. A failing forEach
// item only costs that item unless the forEach config is strict.
func (e *Engine) Run(ctx context.Context, req Request, sink events.Sink) (map[string]any, error) {
	logger := telemetry.WithRunID(e.logger, req.RunID)

	prog := req.Program
	if prog == nil {
		var err error
		if prog, err = Compile(req.Template); err != nil {
			logger.Error("failed to compile template", "template_id", req.Template.ID, "error", err)
			e.metrics.RunFinished(false)
			return nil, fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	logger = telemetry.WithTemplateID(logger, prog.template.ID)

	if sink == nil {
		sink = events.Discard
	}
	p := &progress{runID: req.RunID, sink: sink}

	inputs := req.InitialInputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	results := make(map[string]any, len(prog.nodes))
	snap := Snapshot{initialInputs: inputs, queryPrompt: req.QueryPrompt, results: results}

	start := time.Now()
	logger.Info("workflow run started", "nodes", len(prog.nodes))
	for i, node := range prog.nodes {
		final := i == len(prog.nodes)-1

		result, err := e.execNode(ctx, logger, node, snap, final, p)
		if err == nil {
			err = merge(results, node, result)
		}
		e.metrics.StepFinished(node.kind, err == nil)
		if err != nil {
			logger.Error("workflow run aborted", "node_id", node.id, "error", err)
			e.metrics.RunFinished(false)
			return nil, fmt.Errorf("%w at node %s: %w", ErrAborted, node.id, err)
		}
		logger.Debug("node merged", "node_id", node.id, "kind", node.kind)
	}

	p.emit("", types.StatusComplete, maps.Clone(results))
	logger.Info("workflow run completed", "elapsed", time.Since(start))
	e.metrics.RunFinished(true)
	return results, nil
}

func (e *Engine) execNode(ctx context.Context, logger *slog.Logger, node *compiledNode, snap Snapshot,
	final bool, p *progress) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, stepError(node, node.step, "", err)
	}

	if node.kind == types.StepForEach {
		items, err := e.expandForEach(ctx, logger, node, snap, final, p)
		if err != nil {
			return nil, err
		}
		return items, nil
	}

	inputs, err := resolveInputs(node, node.step, snap, nil)
	if err != nil {
		return nil, err
	}
	return e.invoker.invoke(ctx, logger, node, node.step, inputs, final, p)
}

// merge stores a node output. When the node expects JSON and still produced
// text, the text is decoded; objects are merged key by key into whatever the
// node already stored.
func merge(results map[string]any, node *compiledNode, result any) error {
	text, ok := result.(string)
	if !node.expectJSON || !ok {
		results[node.id] = result
		return nil
	}

	value, err := decodeJSON(stripCodeFence(text))
	if err != nil {
		return stepError(node, node.step, "", err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		results[node.id] = value
		return nil
	}
	existing, _ := results[node.id].(map[string]any)
	merged := make(map[string]any, len(existing)+len(obj))
	maps.Copy(merged, existing)
	maps.Copy(merged, obj)
	results[node.id] = merged
	return nil
}

// Run is a workflow run started in the background.
type Run struct {
	ID      uint64
	events  *events.Channel
	done    chan struct{}
	results map[string]any
	err     error
}

// Start runs req in a new goroutine. Progress events are delivered on
// Events and to every extra sink; events that do not fit in the channel
// buffer are dropped rather than slowing the run down.
func (e *Engine) Start(ctx context.Context, req Request, extra ...events.Sink) *Run {
	ch := events.NewChannel(e.eventBuffer, e.metrics.EventDropped)
	r := &Run{ID: req.RunID, events: ch, done: make(chan struct{})}
	sink := events.Multi(append([]events.Sink{ch}, extra...)...)

	go func() {
		defer close(r.done)
		defer ch.Close()
		r.results, r.err = e.Run(ctx, req, sink)
	}()
	return r
}

// Events returns the progress events of the run. The channel is closed when
// the run ends; a run that ends without a complete event was aborted.
func (r *Run) Events() <-chan types.ProgressEvent { return r.events.C() }

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} { return r.done }

// Dropped returns how many events did not fit in the channel.
func (r *Run) Dropped() int64 { return r.events.Dropped() }

// Wait blocks until the run ends and returns its outcome.
func (r *Run) Wait() (map[string]any, error) {
	<-r.done
	return r.results, r.err
}
