// Package convomesh provides a high-level façade over the conversation
// services (sessions, bot configs, actions, triggers, dialogue and
// scheduling) enabling rapid construction of conversational automation.
// Most applications interact with this package by:
//  1. Creating a ConvoMesh via New() (optionally overriding default in-memory services)
//  2. Registering bot configs and trigger handlers
//  3. Feeding inbound messages through Turn() and starting the scheduler
//
// The façade delegates turn orchestration to dialogue.Engine while keeping
// setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a durable
// session store, a real completion provider and a structured logger.
package convomesh

import (
	"context"

	"github.com/convomesh/convomesh/action"
	"github.com/convomesh/convomesh/botconfig"
	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/dialogue"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/provider"
	"github.com/convomesh/convomesh/scheduler"
	"github.com/convomesh/convomesh/session"
	"github.com/convomesh/convomesh/transport"
	"github.com/convomesh/convomesh/trigger"
)

// Options configures the ConvoMesh instance.
type Options struct {
	// SessionStore defaults to an in-memory implementation.
	SessionStore core.SessionStore
	// RecordStore defaults to an in-memory implementation.
	RecordStore action.RecordStore
	// Provider defaults to the deterministic mock.
	Provider provider.Provider
	// Transport delivers outbound replies. Defaults to the inline transport.
	Transport transport.Transport

	// Dialogue tunes the turn state machine (timeouts, history window,
	// canned messages).
	Dialogue []func(o *dialogue.Options)
	// Scheduler tunes the periodic scans (intervals, thresholds).
	Scheduler []func(o *scheduler.Options)
	// Bus tunes trigger dispatch (per-handler wait bound).
	Bus []func(o *trigger.BusOptions)

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ConvoMesh is the high-level façade aggregating the dialogue engine,
// trigger bus, scheduler and their backing stores.
type ConvoMesh struct {
	opts      Options
	sessions  core.SessionStore
	configs   *botconfig.Store
	resolver  *botconfig.Resolver
	executor  *action.Executor
	bus       *trigger.Bus
	workflows *trigger.WorkflowRunner
	engine    *dialogue.Engine
	scheduler *scheduler.Scheduler
}

// New creates a ConvoMesh instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *ConvoMesh {
	opts := Options{
		SessionStore: session.NewInMemoryStore(),
		RecordStore:  action.NewMemoryRecordStore(),
		Provider:     provider.NewMock(),
		Transport:    transport.NewInline(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	configs := botconfig.NewStore()
	resolver := botconfig.NewResolver(configs)

	busOpts := append([]func(o *trigger.BusOptions){func(o *trigger.BusOptions) {
		o.Logger = opts.Logger
	}}, opts.Bus...)
	bus := trigger.NewBus(busOpts...)

	executor := action.NewExecutor(opts.RecordStore, opts.SessionStore, func(o *action.Options) {
		o.Transport = opts.Transport
		o.Logger = opts.Logger
	})

	engineOpts := append([]func(o *dialogue.Options){func(o *dialogue.Options) {
		o.Bus = bus
		o.Transport = opts.Transport
		o.Logger = opts.Logger
	}}, opts.Dialogue...)
	engine := dialogue.New(opts.SessionStore, resolver, opts.Provider, executor, engineOpts...)

	workflows := trigger.NewWorkflowRunner(bus, func(o *trigger.WorkflowOptions) {
		o.Turns = engine
		o.Logger = opts.Logger
	})

	schedOpts := append([]func(o *scheduler.Options){func(o *scheduler.Options) {
		o.Logger = opts.Logger
	}}, opts.Scheduler...)
	sched := scheduler.New(opts.SessionStore, bus, schedOpts...)

	return &ConvoMesh{
		opts:      opts,
		sessions:  opts.SessionStore,
		configs:   configs,
		resolver:  resolver,
		executor:  executor,
		bus:       bus,
		workflows: workflows,
		engine:    engine,
		scheduler: sched,
	}
}

// Start launches the scheduler and registers the dialogue engine on the bus.
func (m *ConvoMesh) Start(ctx context.Context) error {
	if err := m.engine.Start(ctx); err != nil {
		return err
	}
	return m.scheduler.Start(ctx)
}

// Stop halts the scheduler and stops accepting turns.
func (m *ConvoMesh) Stop() {
	m.scheduler.Stop()
	m.engine.Stop()
}

// Turn processes one inbound message and returns the reply.
func (m *ConvoMesh) Turn(ctx context.Context, subjectID, text, channel string) (*dialogue.Result, error) {
	return m.engine.Turn(ctx, dialogue.Input{SubjectID: subjectID, Text: text, Channel: channel})
}

// RegisterConfig adds a bot config to the store.
func (m *ConvoMesh) RegisterConfig(cfg *botconfig.BotConfig) { m.configs.Put(cfg) }

// SetConfigOverride pins a subject to a specific config.
func (m *ConvoMesh) SetConfigOverride(subjectID, configID string) {
	m.configs.SetOverride(subjectID, configID)
}

// RegisterHandler subscribes a handler to a trigger event.
func (m *ConvoMesh) RegisterHandler(event, name string, h trigger.Handler) {
	m.bus.Register(event, name, h)
}

// Dispatch fires a trigger through the bus.
func (m *ConvoMesh) Dispatch(ctx context.Context, event string, payload map[string]any) []trigger.Outcome {
	return m.bus.Dispatch(ctx, core.NewTrigger(event, payload))
}

// RunWorkflow executes an ordered step list for a subject.
func (m *ConvoMesh) RunWorkflow(ctx context.Context, subjectID string, steps []trigger.Step) ([]trigger.StepResult, error) {
	return m.workflows.Run(ctx, subjectID, steps)
}

// Sessions exposes the underlying session store.
func (m *ConvoMesh) Sessions() core.SessionStore { return m.sessions }

// Configs exposes the underlying config store.
func (m *ConvoMesh) Configs() *botconfig.Store { return m.configs }

// Bus exposes the underlying trigger bus.
func (m *ConvoMesh) Bus() *trigger.Bus { return m.bus }
