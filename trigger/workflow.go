package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/logging"
)

// StepKind is the closed set of workflow step types.
type StepKind string

const (
	// StepAutomation dispatches a named event through the bus.
	StepAutomation StepKind = "automation"
	// StepDialogueTurn feeds a text into the dialogue engine for a subject.
	StepDialogueTurn StepKind = "dialogue_turn"
	// StepDelay pauses the workflow for a duration.
	StepDelay StepKind = "delay"
)

// ErrorPolicy decides whether a failing step aborts the workflow.
type ErrorPolicy string

const (
	// PolicyStop aborts the workflow on step failure.
	PolicyStop ErrorPolicy = "stop"
	// PolicyContinue records the failure and proceeds to the next step.
	PolicyContinue ErrorPolicy = "continue"
)

// Step is one workflow entry. The fields used depend on Kind:
// automation uses Event/Payload, dialogue_turn uses Text/Channel, delay uses
// Delay.
type Step struct {
	Kind    StepKind       `json:"kind"`
	OnError ErrorPolicy    `json:"onError,omitempty"`
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Text    string         `json:"text,omitempty"`
	Channel string         `json:"channel,omitempty"`
	Delay   time.Duration  `json:"delay,omitempty"`
}

// TurnRunner starts one dialogue turn for a subject. The dialogue engine
// satisfies this; workflows depend only on the shape.
type TurnRunner interface {
	RunTurn(ctx context.Context, subjectID, text, channel string) (string, error)
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Index int
	Kind  StepKind
	Err   error
}

// WorkflowRunner executes ordered step lists against a bus and an optional
// dialogue engine.
type WorkflowRunner struct {
	bus    *Bus
	turns  TurnRunner
	logger logging.Logger
	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// WorkflowOptions configures a WorkflowRunner.
type WorkflowOptions struct {
	// Turns handles dialogue_turn steps. Optional; without it those steps
	// fail.
	Turns TurnRunner
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// NewWorkflowRunner creates a runner dispatching automation steps on bus.
func NewWorkflowRunner(bus *Bus, optFns ...func(o *WorkflowOptions)) *WorkflowRunner {
	opts := WorkflowOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &WorkflowRunner{
		bus:    bus,
		turns:  opts.Turns,
		logger: opts.Logger,
		sleep:  sleepCtx,
	}
}

// Run executes the steps in order for a subject. Each step's OnError policy
// (default stop) decides whether a failure aborts the rest. The collected
// results cover every step that ran.
func (r *WorkflowRunner) Run(ctx context.Context, subjectID string, steps []Step) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		err := r.runStep(ctx, subjectID, step)
		results = append(results, StepResult{Index: i, Kind: step.Kind, Err: err})
		if err == nil {
			continue
		}

		r.logger.Warn("workflow.step.failed",
			"subject_id", subjectID, "step", i, "kind", string(step.Kind), "error", err.Error())
		if step.OnError != PolicyContinue {
			return results, fmt.Errorf("step %d (%s): %w", i, step.Kind, err)
		}
	}
	return results, nil
}

func (r *WorkflowRunner) runStep(ctx context.Context, subjectID string, step Step) error {
	switch step.Kind {
	case StepAutomation:
		payload := make(map[string]any, len(step.Payload)+1)
		for k, v := range step.Payload {
			payload[k] = v
		}
		payload["subjectId"] = subjectID
		r.bus.Dispatch(ctx, core.NewTrigger(step.Event, payload))
		return nil
	case StepDialogueTurn:
		if r.turns == nil {
			return fmt.Errorf("no dialogue runner configured")
		}
		_, err := r.turns.RunTurn(ctx, subjectID, step.Text, step.Channel)
		return err
	case StepDelay:
		return r.sleep(ctx, step.Delay)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
