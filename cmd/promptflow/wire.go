package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/promptflow/events"
	"github.com/songzhibin97/promptflow/llm"
	"github.com/songzhibin97/promptflow/metrics"
	"github.com/songzhibin97/promptflow/runner"
	"github.com/songzhibin97/promptflow/storage"
	"github.com/songzhibin97/promptflow/types"
	"github.com/songzhibin97/promptflow/workflow"
)

// stack is the assembled runtime of one command.
type stack struct {
	runner  *runner.Runner
	store   storage.Storage
	metrics *prometheus.Registry
	close   func()
}

func (a *app) buildStack() (*stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(reg)
	opts := []workflow.Option{
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(m),
		workflow.WithEventBuffer(a.cfg.Engine.EventBuffer),
	}
	if a.cfg.Engine.CountTokens {
		opts = append(opts, workflow.WithTokenCounter(llm.EstimateMessagesTokens))
	}
	engine, err := workflow.NewEngine(llm.NewOpenAICaller(a.cfg.OpenAIOptions()), opts...)
	if err != nil {
		return nil, err
	}

	var store storage.Storage
	closeStore := func() {}
	if a.cfg.Redis.Enabled {
		rs, err := storage.NewRedisStorage(a.cfg.RedisOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store = rs
		closeStore = func() { _ = rs.Close() }
	} else {
		store = storage.NewMemoryStorage()
	}

	bus := events.NewEventBus(
		events.WithBufferSize(a.cfg.Engine.EventBuffer*4),
		events.WithDropHook(m.EventDropped),
		events.WithErrorHandler(func(ev types.ProgressEvent, err error) {
			a.logger.Error("progress subscriber failed", "run_id", ev.RunID, "node_id", ev.NodeID, "error", err)
		}),
	)
	r, err := runner.New(engine, generator.NewSnowflake(time.Now().Add(-time.Second), 1), store,
		runner.WithLogger(a.logger), runner.WithEventBus(bus))
	if err != nil {
		bus.Stop()
		closeStore()
		return nil, err
	}

	return &stack{
		runner:  r,
		store:   store,
		metrics: reg,
		close: func() {
			r.Stop()
			closeStore()
		},
	}, nil
}
