package events

import (
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/promptflow/types"
)

// Sink receives progress events. Emit must not block the run.
type Sink interface {
	Emit(event types.ProgressEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event types.ProgressEvent)

// Emit implements Sink.
func (f SinkFunc) Emit(event types.ProgressEvent) { f(event) }

// Discard drops every event. A run without subscribers behaves identically.
var Discard Sink = SinkFunc(func(types.ProgressEvent) {})

// Multi emits to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(event types.ProgressEvent) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(event)
			}
		}
	})
}

// Channel is a bounded sink owned by one run: the run is the only producer and
// whoever reads C is the only consumer. Events that do not fit are dropped.
type Channel struct {
	ch      chan types.ProgressEvent
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	onDrop  func()
}

// NewChannel creates a Channel with the given capacity. onDrop, if not nil,
// is called for every dropped event.
func NewChannel(size int, onDrop func()) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{ch: make(chan types.ProgressEvent, size), onDrop: onDrop}
}

// Emit implements Sink with a non-blocking send.
func (c *Channel) Emit(event types.ProgressEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan types.ProgressEvent { return c.ch }

// Dropped returns how many events did not fit.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Close closes the receive side; later emits are ignored.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
