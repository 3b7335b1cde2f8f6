package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/promptflow/events"
	"github.com/songzhibin97/promptflow/llm"
	"github.com/songzhibin97/promptflow/metrics"
	"github.com/songzhibin97/promptflow/telemetry"
	"github.com/songzhibin97/promptflow/types"
)

// progress stamps events with the run id before handing them to the sink.
type progress struct {
	runID uint64
	sink  events.Sink
}

func (p *progress) emit(nodeID string, status types.Status, data any) {
	p.sink.Emit(types.ProgressEvent{RunID: p.runID, NodeID: nodeID, Status: status, Data: data})
}

// invoker executes one step: validation, rendering, the call and parsing.
type invoker struct {
	caller      llm.Caller
	metrics     *metrics.Metrics
	countTokens func([]llm.Message) int
}

// invoke runs step with already resolved inputs. On the final node, chunks are
// reported as generating and the parsed output as complete; elsewhere chunks
// are reported as processing.
func (iv *invoker) invoke(ctx context.Context, logger *slog.Logger, node *compiledNode, step *compiledStep,
	inputs map[string]any, final bool, p *progress) (result any, err error) {
	logger = telemetry.WithNodeID(logger, node.id).With("step", step.data.Name)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("step panicked", "panic", r)
			result = nil
			err = stepError(node, step, "", fmt.Errorf("%w: panic: %v", ErrProvider, r))
		}
	}()

	if err := step.validate(inputs); err != nil {
		se := stepError(node, step, "", err)
		var missing *missingInputError
		if errors.As(err, &missing) {
			se.Key = missing.key
		}
		logger.Error("step validation failed", "error", err)
		return nil, se
	}

	messages, err := step.messages(inputs)
	if err != nil {
		logger.Error("failed to render prompts", "error", err)
		return nil, stepError(node, step, "", fmt.Errorf("%w: %v", ErrConfig, err))
	}
	if iv.countTokens != nil {
		n := iv.countTokens(messages)
		iv.metrics.AddPromptTokens(n)
		logger.Debug("prompt rendered", "prompt_tokens", n)
	}

	status := types.StatusProcessing
	if final {
		status = types.StatusGenerating
	}

	start := time.Now()
	var raw string
	if step.data.Stream {
		raw, err = iv.stream(ctx, step, messages, func(delta string) {
			p.emit(node.id, status, types.Content{Content: delta})
		})
		iv.metrics.ObserveCall("stream", time.Since(start))
	} else {
		raw, err = iv.caller.Invoke(ctx, messages, step.data.LLMParams)
		iv.metrics.ObserveCall("invoke", time.Since(start))
		if err == nil {
			p.emit(node.id, status, types.Content{Content: raw})
		}
	}
	if err != nil {
		logger.Error("generative-text call failed", "error", err, "elapsed", time.Since(start))
		return nil, stepError(node, step, "", fmt.Errorf("%w: %w", ErrProvider, err))
	}

	parsed, err := parseResponse(raw, step.data.ExpectJSON, step.schema)
	if err != nil {
		logger.Error("failed to parse step output", "error", err, "raw", raw)
		return nil, stepError(node, step, "", err)
	}

	if final {
		p.emit(node.id, types.StatusComplete, types.Content{Content: parsed})
	}
	logger.Debug("step finished", "elapsed", time.Since(start), "streamed", step.data.Stream)
	return parsed, nil
}

// stream accumulates the chunks of a streaming call in arrival order, calling
// onChunk for each.
func (iv *invoker) stream(ctx context.Context, step *compiledStep, messages []llm.Message, onChunk func(string)) (string, error) {
	s, err := iv.caller.Stream(ctx, messages, step.data.LLMParams)
	if err != nil {
		return "", err
	}
	text, err := llm.Collect(s, onChunk)
	if err != nil {
		return "", err
	}
	return text, nil
}

type missingInputError struct {
	key string
}

func (e *missingInputError) Error() string {
	return fmt.Sprintf("%v: %q", ErrMissingInput, e.key)
}

func (e *missingInputError) Unwrap() error { return ErrMissingInput }

// validate checks that the step is complete and every required variable has a value.
func (s *compiledStep) validate(inputs map[string]any) error {
	if err := s.checkPrompts(); err != nil {
		return err
	}
	for _, key := range s.required {
		if v, ok := inputs[key]; !ok || v == nil {
			return &missingInputError{key: key}
		}
	}
	return nil
}

// messages renders the system prompt without variables and the user prompt
// with the resolved inputs.
func (s *compiledStep) messages(inputs map[string]any) ([]llm.Message, error) {
	system, err := s.system.Render(nil)
	if err != nil {
		return nil, err
	}
	user, err := s.user.Render(inputs)
	if err != nil {
		return nil, err
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}, nil
}
