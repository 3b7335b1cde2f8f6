package events

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/promptflow/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrBusFull indicates the bus queue cannot take another event.
	ErrBusFull = errors.New("event bus queue is full")
	// ErrNoSubscriber indicates no subscription matches the event.
	ErrNoSubscriber = errors.New("no subscriber matches event")
)

// EventHandler handles progress events delivered by an EventBus.
type EventHandler interface {
	Handle(ctx context.Context, event types.ProgressEvent) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event types.ProgressEvent) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event types.ProgressEvent) error {
	return f(ctx, event)
}

// Filter selects progress events. Zero fields match anything.
type Filter struct {
	Status types.Status
	RunID  uint64
	NodeID string
}

// Match reports whether event passes the filter.
func (f Filter) Match(event types.ProgressEvent) bool {
	if f.Status != "" && f.Status != event.Status {
		return false
	}
	if f.RunID != 0 && f.RunID != event.RunID {
		return false
	}
	return f.NodeID == "" || f.NodeID == event.NodeID
}

type subscription struct {
	id      uint64
	filter  Filter
	handler EventHandler
}

// EventBus fans progress events of all runs out to subscribers. Events are
// queued and delivered by one goroutine, so every subscriber sees them in
// publish order.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	queue   chan types.ProgressEvent
	closed  bool
	wg      sync.WaitGroup
	timeout time.Duration
	dropped atomic.Int64
	onDrop  func()
	onError func(event types.ProgressEvent, err error)
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the queue capacity.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan types.ProgressEvent, size)
		}
	}
}

// WithErrorHandler sets the function receiving handler errors.
func WithErrorHandler(handler func(event types.ProgressEvent, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.onError = handler
		}
	}
}

// WithDropHook sets a function called for every event Emit could not queue.
func WithDropHook(hook func()) EventBusOption {
	return func(eb *EventBus) { eb.onDrop = hook }
}

// WithHandlerTimeout bounds the context each handler call receives.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.timeout = d
		}
	}
}

// NewEventBus creates an EventBus and starts its delivery goroutine.
// Defaults: queue of 100, 5s handler timeout, errors logged via slog.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		queue:   make(chan types.ProgressEvent, 100),
		timeout: 5 * time.Second,
		onError: logHandlerError,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.deliver()
	return eb
}

// Subscribe registers handler for events matching filter. The returned
// function removes the subscription; calling it more than once is harmless.
func (eb *EventBus) Subscribe(filter Filter, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, filter: filter, handler: handler})
	eb.mu.Unlock()

	return func() { eb.unsubscribe(id) }
}

// SubscribeFunc registers a function as a handler.
func (eb *EventBus) SubscribeFunc(filter Filter, fn func(ctx context.Context, event types.ProgressEvent) error) (unsubscribe func()) {
	return eb.Subscribe(filter, EventHandlerFunc(fn))
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns how many subscriptions would receive event.
func (eb *EventBus) Subscribers(event types.ProgressEvent) int {
	return len(eb.matching(event))
}

func (eb *EventBus) matching(event types.ProgressEvent) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []EventHandler
	for _, s := range eb.subs {
		if s.filter.Match(event) {
			out = append(out, s.handler)
		}
	}
	return out
}

// Publish queues event without blocking.
func (eb *EventBus) Publish(ctx context.Context, event types.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	matched := false
	for _, s := range eb.subs {
		if s.filter.Match(event) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrNoSubscriber
	}

	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrBusFull
	}
}

// Emit implements Sink. Events nobody subscribed to are ignored; events that
// do not fit in the queue are counted as dropped.
func (eb *EventBus) Emit(event types.ProgressEvent) {
	if err := eb.Publish(context.Background(), event); errors.Is(err, ErrBusFull) {
		eb.dropped.Add(1)
		if eb.onDrop != nil {
			eb.onDrop()
		}
	}
}

// Dropped returns how many emitted events did not fit in the queue.
func (eb *EventBus) Dropped() int64 { return eb.dropped.Load() }

// PublishSync runs the matching handlers for event right away and returns
// their errors.
func (eb *EventBus) PublishSync(ctx context.Context, event types.ProgressEvent) []error {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.matching(event)
	if len(handlers) == 0 {
		return []error{ErrNoSubscriber}
	}
	return eb.handle(ctx, handlers, event)
}

// Stop discards queued events and waits for the delivery goroutine to exit.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
	drain:
		for {
			select {
			case <-eb.queue:
			default:
				break drain
			}
		}
		close(eb.queue)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) deliver() {
	defer eb.wg.Done()

	for event := range eb.queue {
		handlers := eb.matching(event)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range eb.handle(context.Background(), handlers, event) {
			eb.onError(event, err)
		}
	}
}

// handle calls handlers one after another so a subscriber never sees two
// events of a run out of order.
func (eb *EventBus) handle(ctx context.Context, handlers []EventHandler, event types.ProgressEvent) []error {
	ctx, cancel := context.WithTimeout(ctx, eb.timeout)
	defer cancel()

	var errs []error
	for _, h := range handlers {
		if err := safeHandle(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func safeHandle(ctx context.Context, h EventHandler, event types.ProgressEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, event)
}

// PanicError reports a handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return "event handler panicked" }

func logHandlerError(event types.ProgressEvent, err error) {
	attrs := []any{
		"status", event.Status,
		"run_id", event.RunID,
		"node_id", event.NodeID,
		"error", err,
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "panic", pe.Value, "stack", string(pe.Stack))
	}
	slog.Error("failed to handle progress event", attrs...)
}
