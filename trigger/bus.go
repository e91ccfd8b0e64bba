// Package trigger routes named events to registered handlers and runs
// composite automation workflows. Triggers are ephemeral: they exist only for
// the duration of a dispatch call and are never persisted.
package trigger

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/logging"
)

// Handler processes one dispatched trigger. Handlers run concurrently with
// siblings registered for the same event and must be safe for concurrent use.
type Handler func(ctx context.Context, trg core.Trigger) error

// Outcome records one handler's result for a dispatch. Outcomes feed
// observability only; dispatch control flow never depends on them.
type Outcome struct {
	Event    string
	Handler  string
	Err      error
	Panicked bool
	Duration time.Duration
}

// DefaultHandlerWait bounds each handler's dispatch wait unless an option
// overrides it.
const DefaultHandlerWait = 30 * time.Second

// BusOptions configures a Bus.
type BusOptions struct {
	// HandlerWait bounds how long Dispatch waits for any single handler
	// before abandoning it to finish in the background. Defaults to
	// DefaultHandlerWait; set it to zero to wait without bound.
	HandlerWait time.Duration
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Bus is a named-event registry with concurrent fan-out dispatch. One slow or
// failing handler never delays or fails its siblings.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]namedHandler
	handlerWait time.Duration
	logger      logging.Logger
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewBus creates an empty trigger bus.
func NewBus(optFns ...func(o *BusOptions)) *Bus {
	opts := BusOptions{HandlerWait: DefaultHandlerWait, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{
		handlers:    make(map[string][]namedHandler),
		handlerWait: opts.HandlerWait,
		logger:      opts.Logger,
	}
}

// Register appends a handler to the ordered set for an event name. The name
// identifies the handler in logs and outcomes; it need not be unique.
func (b *Bus) Register(event, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], namedHandler{name: name, fn: h})
}

// HandlerCount returns how many handlers are registered for an event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Dispatch invokes every handler registered for the trigger's event
// concurrently and waits (bounded per handler) for them to finish. A handler
// panic or error is caught and logged; siblings always run. The returned
// outcomes are for observability only.
func (b *Bus) Dispatch(ctx context.Context, trg core.Trigger) []Outcome {
	b.mu.RLock()
	registered := b.handlers[trg.Event]
	b.mu.RUnlock()

	n := len(registered)
	if n == 0 {
		b.logger.Debug("trigger.dispatch.empty", "event", trg.Event)
		return nil
	}

	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup

	for i, h := range registered {
		wg.Add(1)
		go func(idx int, h namedHandler) {
			defer wg.Done()
			outcomes[idx] = b.runHandler(ctx, h, trg)
		}(i, h)
	}

	wg.Wait()

	for _, o := range outcomes {
		switch {
		case o.Panicked:
			b.logger.Error("trigger.handler.panic", "event", o.Event, "handler", o.Handler)
		case o.Err != nil:
			b.logger.Warn("trigger.handler.failed",
				"event", o.Event, "handler", o.Handler,
				"duration_ms", o.Duration.Milliseconds(), "error", o.Err.Error())
		default:
			b.logger.Debug("trigger.handler.done",
				"event", o.Event, "handler", o.Handler,
				"duration_ms", o.Duration.Milliseconds())
		}
	}
	return outcomes
}

// runHandler executes one handler with panic recovery and the bounded wait.
// On timeout the handler keeps running in the background; the outcome records
// the abandonment as an error.
func (b *Bus) runHandler(ctx context.Context, h namedHandler, trg core.Trigger) Outcome {
	start := time.Now()
	done := make(chan Outcome, 1)

	go func() {
		var out Outcome
		func() { // panic safety
			defer func() {
				if r := recover(); r != nil {
					out.Panicked = true
					out.Err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			out.Err = h.fn(ctx, trg)
		}()
		out.Event = trg.Event
		out.Handler = h.name
		out.Duration = time.Since(start)
		done <- out
	}()

	if b.handlerWait <= 0 {
		return <-done
	}

	timer := time.NewTimer(b.handlerWait)
	defer timer.Stop()
	select {
	case out := <-done:
		return out
	case <-timer.C:
		return Outcome{
			Event:    trg.Event,
			Handler:  h.name,
			Err:      fmt.Errorf("handler exceeded wait of %s", b.handlerWait),
			Duration: time.Since(start),
		}
	}
}
