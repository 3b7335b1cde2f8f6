package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/promptflow/metrics"
	"github.com/songzhibin97/promptflow/telemetry"
)

// expandForEach runs the sub-step once per element of the source array, in
// order. A bad configuration fails the node; a failing item is skipped, or
// fails the node when the config is strict.
func (e *Engine) expandForEach(ctx context.Context, logger *slog.Logger, node *compiledNode, snap Snapshot,
	final bool, p *progress) ([]any, error) {
	if err := checkForEachConfig(node); err != nil {
		return nil, stepError(node, nil, "", err)
	}
	cfg := node.forEach
	logger = telemetry.WithNodeID(logger, node.id)

	source, ok := snap.StepResult(cfg.Source)
	if !ok {
		return nil, stepError(node, nil, "", fmt.Errorf("%w: source %q has no output", ErrConfig, cfg.Source))
	}
	items, err := e.selectItems(source, cfg.Field)
	if err != nil {
		return nil, stepError(node, nil, "", fmt.Errorf("%w: source %q: %v", ErrConfig, cfg.Source, err))
	}
	logger.Debug("expanding forEach", "source", cfg.Source, "field", cfg.Field, "items", len(items))

	results := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, stepError(node, node.step, "", err)
		}
		itemLogger := logger.With("item_index", i)

		if cfg.Filter != "" {
			keep, err := e.evaluator.Evaluate(cfg.Filter, map[string]interface{}{"item": item, "index": i})
			if err != nil {
				if cfg.Strict {
					return nil, stepError(node, node.step, "", fmt.Errorf("%w: filter: %v", ErrConfig, err))
				}
				itemLogger.Warn("forEach filter failed, skipping item", "error", err)
				e.metrics.ForEachItem(metrics.OutcomeSkipped)
				continue
			}
			if !keep {
				e.metrics.ForEachItem(metrics.OutcomeFiltered)
				continue
			}
		}

		result, err := e.runItem(ctx, itemLogger, node, snap, &itemScope{item: item, index: i}, final, p)
		if err != nil {
			if cfg.Strict {
				e.metrics.ForEachItem(metrics.OutcomeFailed)
				return nil, err
			}
			itemLogger.Warn("forEach item failed, skipping", "error", err)
			e.metrics.ForEachItem(metrics.OutcomeSkipped)
			continue
		}
		e.metrics.ForEachItem(metrics.OutcomeOK)
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) runItem(ctx context.Context, logger *slog.Logger, node *compiledNode, snap Snapshot,
	scope *itemScope, final bool, p *progress) (any, error) {
	step := node.step
	inputs, err := resolveInputs(node, step, snap, scope)
	if err != nil {
		return nil, err
	}
	if name := node.forEach.ItemInputParameterName; name != "" && !step.bound[name] {
		inputs[name] = scope.item
	}
	return e.invoker.invoke(ctx, logger, node, step, inputs, final, p)
}

// selectItems reads field from the source output. A key with exactly that
// name wins; otherwise field is evaluated as an expression over the output,
// so "data.sections" or "sections[1:]" work too.
func (e *Engine) selectItems(source any, field string) ([]any, error) {
	obj, ok := source.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("output is %T, not an object", source)
	}

	value, ok := obj[field]
	if !ok {
		var err error
		value, err = e.evaluator.Select(field, obj)
		if err != nil {
			return nil, fmt.Errorf("field %q: %v", field, err)
		}
	}

	switch v := value.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("field %q is missing", field)
	default:
		return nil, fmt.Errorf("field %q is %T, not an array", field, value)
	}
}
