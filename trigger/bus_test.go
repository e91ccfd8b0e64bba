package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
)

func TestDispatchFanOut(t *testing.T) {
	bus := NewBus()

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		bus.Register("no_response", fmt.Sprintf("h%d", i), func(ctx context.Context, trg core.Trigger) error {
			calls.Add(1)
			return nil
		})
	}

	outcomes := bus.Dispatch(context.Background(), core.NewTrigger("no_response", map[string]any{"subjectId": "s-1"}))

	require.Len(t, outcomes, 3)
	assert.Equal(t, int64(3), calls.Load())
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
	}
}

func TestDispatchNoHandlers(t *testing.T) {
	bus := NewBus()
	outcomes := bus.Dispatch(context.Background(), core.NewTrigger("nobody_home", nil))
	assert.Nil(t, outcomes)
}

func TestDispatchIsolatesPanics(t *testing.T) {
	bus := NewBus()

	var survivors atomic.Int64
	bus.Register("boom", "ok-1", func(ctx context.Context, trg core.Trigger) error {
		survivors.Add(1)
		return nil
	})
	bus.Register("boom", "panicker", func(ctx context.Context, trg core.Trigger) error {
		panic("handler exploded")
	})
	bus.Register("boom", "ok-2", func(ctx context.Context, trg core.Trigger) error {
		survivors.Add(1)
		return nil
	})

	outcomes := bus.Dispatch(context.Background(), core.NewTrigger("boom", nil))

	require.Len(t, outcomes, 3)
	assert.Equal(t, int64(2), survivors.Load(), "siblings of a panicking handler must still run")

	var panicked int
	for _, o := range outcomes {
		if o.Panicked {
			panicked++
			assert.Equal(t, "panicker", o.Handler)
		}
	}
	assert.Equal(t, 1, panicked)
}

func TestDispatchErrorsDoNotPropagate(t *testing.T) {
	bus := NewBus()

	sentinel := errors.New("downstream unavailable")
	bus.Register("ev", "failing", func(ctx context.Context, trg core.Trigger) error {
		return sentinel
	})

	outcomes := bus.Dispatch(context.Background(), core.NewTrigger("ev", nil))
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, sentinel)
}

func TestNewBusDefaultsToBoundedWait(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, DefaultHandlerWait, bus.handlerWait)

	unbounded := NewBus(func(o *BusOptions) {
		o.HandlerWait = 0
	})
	assert.Zero(t, unbounded.handlerWait)
}

func TestDispatchBoundedHandlerWait(t *testing.T) {
	bus := NewBus(func(o *BusOptions) {
		o.HandlerWait = 30 * time.Millisecond
	})

	release := make(chan struct{})
	var fastRan atomic.Bool
	bus.Register("ev", "slow", func(ctx context.Context, trg core.Trigger) error {
		<-release
		return nil
	})
	bus.Register("ev", "fast", func(ctx context.Context, trg core.Trigger) error {
		fastRan.Store(true)
		return nil
	})

	start := time.Now()
	outcomes := bus.Dispatch(context.Background(), core.NewTrigger("ev", nil))
	close(release)

	require.Len(t, outcomes, 2)
	assert.True(t, fastRan.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var slowErr error
	for _, o := range outcomes {
		if o.Handler == "slow" {
			slowErr = o.Err
		}
	}
	require.Error(t, slowErr)
	assert.Contains(t, slowErr.Error(), "exceeded wait")
}

type stubRunner struct {
	calls []string
	err   error
}

func (r *stubRunner) RunTurn(_ context.Context, subjectID, text, channel string) (string, error) {
	r.calls = append(r.calls, subjectID+"|"+text+"|"+channel)
	return "ok", r.err
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	bus := NewBus()
	var got atomic.Value
	bus.Register("reactivate", "capture", func(ctx context.Context, trg core.Trigger) error {
		got.Store(trg.Payload)
		return nil
	})

	runner := &stubRunner{}
	wf := NewWorkflowRunner(bus, func(o *WorkflowOptions) {
		o.Turns = runner
	})
	wf.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	results, err := wf.Run(context.Background(), "subj-9", []Step{
		{Kind: StepAutomation, Event: "reactivate", Payload: map[string]any{"campaign": "q3"}},
		{Kind: StepDelay, Delay: time.Hour},
		{Kind: StepDialogueTurn, Text: "are you still interested?", Channel: "sms"},
	})

	require.NoError(t, err)
	require.Len(t, results, 3)

	payload, ok := got.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "subj-9", payload["subjectId"])
	assert.Equal(t, "q3", payload["campaign"])

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "subj-9|are you still interested?|sms", runner.calls[0])
}

func TestWorkflowStopPolicyAborts(t *testing.T) {
	wf := NewWorkflowRunner(NewBus())

	results, err := wf.Run(context.Background(), "subj-1", []Step{
		{Kind: StepDialogueTurn, Text: "hi"}, // no runner configured, default stop
		{Kind: StepAutomation, Event: "never"},
	})

	require.Error(t, err)
	assert.Len(t, results, 1)
}

func TestWorkflowContinuePolicyProceeds(t *testing.T) {
	bus := NewBus()
	var reached atomic.Bool
	bus.Register("after", "mark", func(ctx context.Context, trg core.Trigger) error {
		reached.Store(true)
		return nil
	})

	wf := NewWorkflowRunner(bus)
	results, err := wf.Run(context.Background(), "subj-1", []Step{
		{Kind: StepDialogueTurn, Text: "hi", OnError: PolicyContinue},
		{Kind: StepAutomation, Event: "after"},
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.True(t, reached.Load())
}
