package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/action"
	"github.com/convomesh/convomesh/botconfig"
	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/provider"
	"github.com/convomesh/convomesh/session"
	"github.com/convomesh/convomesh/trigger"
)

type testRig struct {
	engine   *Engine
	sessions *session.InMemoryStore
	configs  *botconfig.Store
	mock     *provider.Mock
	records  *action.MemoryRecordStore
	bus      *trigger.Bus
}

func newTestRig(t *testing.T, optFns ...func(o *Options)) *testRig {
	t.Helper()
	sessions := session.NewInMemoryStore()
	configs := botconfig.NewStore()
	mock := provider.NewMock()
	records := action.NewMemoryRecordStore()
	bus := trigger.NewBus()
	exec := action.NewExecutor(records, sessions)

	opts := append([]func(o *Options){func(o *Options) { o.Bus = bus }}, optFns...)
	engine := New(sessions, botconfig.NewResolver(configs), mock, exec, opts...)
	return &testRig{
		engine:   engine,
		sessions: sessions,
		configs:  configs,
		mock:     mock,
		records:  records,
		bus:      bus,
	}
}

func TestTurnPlainReply(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.AddResponse("hello there", &provider.Response{Content: "Hi! How can I help?"})

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "hello there", Channel: "web"})
	require.NoError(t, err)
	assert.Equal(t, "Hi! How can I help?", res.Reply)
	assert.Equal(t, 1, rig.mock.Calls())

	sess, err := rig.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount())
	assert.Equal(t, core.SessionActive, sess.Status)
}

func TestTurnStopKeywordSkipsProvider(t *testing.T) {
	rig := newTestRig(t)

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "please STOP messaging me", Channel: "sms"})
	require.NoError(t, err)

	assert.Equal(t, DefaultClosingMessage, res.Reply)
	assert.Equal(t, core.SessionCompleted, res.Status)
	assert.Equal(t, 0, rig.mock.Calls(), "stop path must not reach the provider")

	sess, err := rig.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, sess.Status)
}

func TestTurnHandoffKeyword(t *testing.T) {
	rig := newTestRig(t)

	var fired core.Trigger
	var mu sync.Mutex
	rig.bus.Register(core.EventHandoffRequested, "capture", func(ctx context.Context, trg core.Trigger) error {
		mu.Lock()
		defer mu.Unlock()
		fired = trg
		return nil
	})

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "I want to talk to a human", Channel: "web"})
	require.NoError(t, err)

	assert.Equal(t, DefaultHandoffMessage, res.Reply)
	assert.Equal(t, core.SessionHandoff, res.Status)
	assert.Equal(t, 0, rig.mock.Calls())

	sess, err := rig.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionHandoff, sess.Status)

	mu.Lock()
	assert.Equal(t, "subj-1", fired.Payload["subjectId"])
	mu.Unlock()

	var foundTask bool
	for _, task := range rig.records.Tasks() {
		if task.Priority == "high" {
			foundTask = true
		}
	}
	assert.True(t, foundTask, "handoff must create a high-priority task")
}

func TestTurnCapTerminatesWithoutProvider(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.configs.EnsureDefault()
	cfg.Rules.MaxTurns = 2

	rig.mock.AddResponse("first", &provider.Response{Content: "ok"})
	_, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "first", Channel: "web"})
	require.NoError(t, err)
	require.Equal(t, 1, rig.mock.Calls())

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "second", Channel: "web"})
	require.NoError(t, err)

	assert.Equal(t, DefaultBoundaryMessage, res.Reply)
	assert.Equal(t, core.SessionCompleted, res.Status)
	assert.Equal(t, 1, rig.mock.Calls(), "capped turn must not reach the provider")
}

func TestTurnStructuredCallExecutesAction(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.configs.EnsureDefault()
	cfg.Functions = []botconfig.FunctionSpec{{
		Name:       "schedule_followup",
		Parameters: map[string]any{"type": "object"},
		Action:     core.ActionScheduleFollowup,
	}}

	rig.mock.AddResponse("call me in january", &provider.Response{
		Content: "Sure, I scheduled a call for January 1st.",
		StructuredCall: &core.StructuredCall{
			Name:          "schedule_followup",
			ArgumentsJSON: `{"date":"2024-01-01","type":"call"}`,
		},
	})

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "call me in january", Channel: "web"})
	require.NoError(t, err)

	require.NotNil(t, res.Action)
	assert.True(t, res.Action.Success)
	assert.Equal(t, core.ActionScheduleFollowup, res.Action.Kind)

	sess, err := rig.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	log := sess.ActionLog()
	require.Len(t, log, 1)
	assert.Equal(t, core.ActionScheduleFollowup, log[0].Kind)
	assert.True(t, log[0].Success)
}

func TestTurnStructuredCallWithoutContentUsesFollowUp(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.configs.EnsureDefault()
	cfg.Functions = []botconfig.FunctionSpec{{
		Name:   "create_task",
		Action: core.ActionCreateTask,
	}}

	rig.mock.AddResponse("remind me tomorrow", &provider.Response{
		StructuredCall: &core.StructuredCall{
			Name:          "create_task",
			ArgumentsJSON: `{"title":"Reminder"}`,
		},
	})

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "remind me tomorrow", Channel: "web"})
	require.NoError(t, err)

	require.NotNil(t, res.Action)
	assert.True(t, res.Action.Success)
	assert.NotEmpty(t, res.Reply)
	assert.Equal(t, 2, rig.mock.Calls(), "expected one completion plus one follow-up")
}

func TestTurnMalformedArgumentsNonFatal(t *testing.T) {
	rig := newTestRig(t)
	cfg := rig.configs.EnsureDefault()
	cfg.Functions = []botconfig.FunctionSpec{{
		Name:   "create_task",
		Action: core.ActionCreateTask,
	}}

	rig.mock.AddResponse("broken", &provider.Response{
		StructuredCall: &core.StructuredCall{
			Name:          "create_task",
			ArgumentsJSON: `{"title": unquoted}`,
		},
	})

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "broken", Channel: "web"})
	require.NoError(t, err)

	assert.Nil(t, res.Action)
	assert.Equal(t, DefaultFallbackMessage, res.Reply)
	assert.Empty(t, rig.records.Tasks(), "malformed call must skip the action")

	// The turn itself still persists.
	sess, err := rig.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount())
}

func TestTurnProviderFailureIsTurnFatal(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.FailWith(errors.New("rate limited"))

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "hello", Channel: "web"})
	require.NoError(t, err)

	assert.True(t, res.ProviderFailed)
	assert.Equal(t, DefaultRetryLaterMessage, res.Reply)

	// The inbound message persisted but no assistant message did.
	sess, err := rig.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.MessageCount())

	snap := rig.configs.EnsureDefault().Counters.Snapshot()
	assert.Equal(t, int64(1), snap.ProviderFailures)
}

func TestTurnEmptyResponseIsFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.AddResponse("void", &provider.Response{})

	res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "void", Channel: "web"})
	require.NoError(t, err)
	assert.True(t, res.ProviderFailed)
	assert.Equal(t, DefaultRetryLaterMessage, res.Reply)
}

// hookProvider runs a callback before answering, so tests can mutate state
// while the completion call is in flight.
type hookProvider struct {
	hook func()
	resp *provider.Response
}

func (p *hookProvider) Complete(_ context.Context, _ provider.Request) (*provider.Response, error) {
	if p.hook != nil {
		p.hook()
	}
	return p.resp, nil
}

func (p *hookProvider) Info() provider.Info {
	return provider.Info{Name: "hook", Provider: "mock"}
}

func TestTurnDiscardedWhenSessionGoesTerminalMidFlight(t *testing.T) {
	sessions := session.NewInMemoryStore()
	configs := botconfig.NewStore()
	records := action.NewMemoryRecordStore()
	exec := action.NewExecutor(records, sessions)

	sess, err := sessions.GetOrCreate(context.Background(), "subj-1", "web")
	require.NoError(t, err)

	// The session is frozen while the provider call is in flight. The turn
	// must detect this before persisting and discard its result.
	prov := &hookProvider{
		hook: func() {
			require.NoError(t, sessions.MarkTerminal(context.Background(), sess.ID, core.SessionHandoff, "manual"))
		},
		resp: &provider.Response{Content: "hi"},
	}
	engine := New(sessions, botconfig.NewResolver(configs), prov, exec)

	_, err = engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: "hello", Channel: "web"})
	require.Error(t, err, "turn result must be discarded, not revive the session")

	reloaded, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionHandoff, reloaded.Status)
	assert.Equal(t, 1, reloaded.MessageCount(), "only the inbound message persisted")
}

func TestTurnMessageLogMonotonic(t *testing.T) {
	rig := newTestRig(t)

	var prev int
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("message %d", i)
		rig.mock.AddResponse(text, &provider.Response{Content: "ok"})
		res, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: text, Channel: "web"})
		require.NoError(t, err)

		sess, err := rig.sessions.Get(context.Background(), res.SessionID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sess.MessageCount(), prev)
		prev = sess.MessageCount()
	}
}

func TestConcurrentTurnsSameSubjectSerialize(t *testing.T) {
	rig := newTestRig(t)

	const turns = 8
	for i := 0; i < turns; i++ {
		rig.mock.AddResponse(fmt.Sprintf("concurrent %d", i), &provider.Response{Content: "ok"})
	}

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("concurrent %d", i)
			_, err := rig.engine.Turn(context.Background(), Input{SubjectID: "subj-1", Text: text, Channel: "web"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := rig.sessions.GetOrCreate(context.Background(), "subj-1", "web")
	require.NoError(t, err)
	assert.Equal(t, 2*turns, sess.MessageCount())
}

func TestEngineStartRegistersOnBus(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.engine.Start(context.Background()))
	require.Equal(t, 1, rig.bus.HandlerCount(core.EventMessageReceived))

	rig.mock.AddResponse("via bus", &provider.Response{Content: "routed"})
	outcomes := rig.bus.Dispatch(context.Background(), core.NewTrigger(core.EventMessageReceived, map[string]any{
		"subjectId": "subj-7",
		"text":      "via bus",
		"channel":   "web",
	}))
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)

	sess, err := rig.sessions.GetOrCreate(context.Background(), "subj-7", "web")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount())
}

func TestEngineStopRejectsTurns(t *testing.T) {
	rig := newTestRig(t)
	rig.engine.Stop()
	_, err := rig.engine.Turn(context.Background(), Input{SubjectID: "s", Text: "hi", Channel: "web"})
	assert.Error(t, err)
}
