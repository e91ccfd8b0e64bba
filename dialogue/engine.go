// Package dialogue implements the turn state machine that drives one
// conversation exchange: session resolution, rule evaluation, prompt
// assembly, the completion-provider call, structured-call interpretation and
// reply delivery.
package dialogue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/convomesh/convomesh/action"
	"github.com/convomesh/convomesh/botconfig"
	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/provider"
	"github.com/convomesh/convomesh/transport"
	"github.com/convomesh/convomesh/trigger"
)

// Default reply texts. All are overridable through Options.
const (
	DefaultClosingMessage    = "Understood, we will stop contacting you. Reach out any time if you change your mind."
	DefaultBoundaryMessage   = "We have covered a lot in this conversation. A colleague will pick it up from here."
	DefaultHandoffMessage    = "Of course, a member of our team will take over shortly."
	DefaultFallbackMessage   = "Got it, I have taken care of that for you."
	DefaultRetryLaterMessage = "Sorry, something went wrong on our side. Please try again in a moment."
)

// Input is one inbound message to process.
type Input struct {
	SubjectID string
	Text      string
	Channel   string
}

// Result is the observable outcome of one processed turn.
type Result struct {
	SessionID string
	Reply     string
	Status    core.SessionStatus
	// Action is set when the provider requested a structured call that was
	// mapped and executed.
	Action *core.ActionResult
	// ProviderFailed reports a turn-fatal provider error; Reply then carries
	// the retry-later message and no assistant message was persisted.
	ProviderFailed bool
}

// Options configures an Engine.
type Options struct {
	// ProviderTimeout bounds the completion call. Single attempt, no retry.
	ProviderTimeout time.Duration
	// HistoryWindow is the number of trailing log entries sent to the
	// provider.
	HistoryWindow int
	// FollowUp enables one extra completion call to phrase a reply when the
	// provider returned a structured call without content.
	FollowUp bool
	// Transport delivers replies for asynchronous channels. Optional; the
	// reply is always also returned inline.
	Transport transport.Transport
	// Bus receives handoff triggers and, once started, feeds inbound-message
	// events into the engine. Optional.
	Bus *trigger.Bus
	// Logger defaults to NoOp.
	Logger logging.Logger

	ClosingMessage    string
	BoundaryMessage   string
	HandoffMessage    string
	FallbackMessage   string
	RetryLaterMessage string
}

// Engine drives dialogue turns. Concurrent turns for the same
// subject/channel pair are serialized through a keyed lock; turns across
// pairs run independently.
type Engine struct {
	sessions  core.SessionStore
	resolver  *botconfig.Resolver
	provider  provider.Provider
	actions   *action.Executor
	bus       *trigger.Bus
	transport transport.Transport
	logger    logging.Logger
	locks     *keyedLocks
	opts      Options
	closed    atomic.Bool
}

// New constructs an engine over its collaborators.
func New(
	sessions core.SessionStore,
	resolver *botconfig.Resolver,
	prov provider.Provider,
	actions *action.Executor,
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		ProviderTimeout:   30 * time.Second,
		HistoryWindow:     10,
		FollowUp:          true,
		Logger:            logging.NoOpLogger{},
		ClosingMessage:    DefaultClosingMessage,
		BoundaryMessage:   DefaultBoundaryMessage,
		HandoffMessage:    DefaultHandoffMessage,
		FallbackMessage:   DefaultFallbackMessage,
		RetryLaterMessage: DefaultRetryLaterMessage,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		sessions:  sessions,
		resolver:  resolver,
		provider:  prov,
		actions:   actions,
		bus:       opts.Bus,
		transport: opts.Transport,
		logger:    opts.Logger,
		locks:     newKeyedLocks(),
		opts:      opts,
	}
}

// Start registers the engine on the bus for inbound-message events. Safe to
// call without a bus; the engine then only serves direct Turn calls.
func (e *Engine) Start(ctx context.Context) error {
	e.closed.Store(false)
	if e.bus == nil {
		return nil
	}
	e.bus.Register(core.EventMessageReceived, "dialogue-engine", func(ctx context.Context, trg core.Trigger) error {
		subjectID, _ := trg.Payload["subjectId"].(string)
		text, _ := trg.Payload["text"].(string)
		channel, _ := trg.Payload["channel"].(string)
		if subjectID == "" || text == "" {
			return fmt.Errorf("message_received payload missing subjectId or text")
		}
		_, err := e.Turn(ctx, Input{SubjectID: subjectID, Text: text, Channel: channel})
		return err
	})
	return nil
}

// Stop makes the engine reject further turns. In-flight turns finish.
func (e *Engine) Stop() {
	e.closed.Store(true)
}

// RunTurn adapts Turn to the workflow runner's shape.
func (e *Engine) RunTurn(ctx context.Context, subjectID, text, channel string) (string, error) {
	res, err := e.Turn(ctx, Input{SubjectID: subjectID, Text: text, Channel: channel})
	if err != nil {
		return "", err
	}
	return res.Reply, nil
}

// Turn processes one inbound message end to end and returns the reply.
func (e *Engine) Turn(ctx context.Context, in Input) (*Result, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("engine is stopped")
	}
	if in.SubjectID == "" || in.Text == "" {
		return nil, fmt.Errorf("subject id and text are required")
	}

	release := e.locks.acquire(in.SubjectID + "|" + in.Channel)
	defer release()

	sess, err := e.sessions.GetOrCreate(ctx, in.SubjectID, in.Channel)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	cfg := e.resolver.Resolve(botconfig.Event{
		Name:    core.EventMessageReceived,
		Subject: in.SubjectID,
		Text:    in.Text,
		Source:  in.Channel,
	})

	log := e.logger
	if cl, ok := log.(*logging.ConvoLogger); ok {
		log = cl.WithSession(sess.ID, in.SubjectID)
	}

	// Rule evaluation runs before any external call.
	if botconfig.MatchesKeyword(in.Text, cfg.Rules.StopKeywords) {
		return e.closeOut(ctx, sess, cfg, in, log)
	}
	if botconfig.MatchesKeyword(in.Text, cfg.Rules.HandoffKeywords) {
		return e.handOff(ctx, sess, cfg, in, log)
	}
	if cfg.Rules.MaxTurns > 0 && sess.MessageCount() >= cfg.Rules.MaxTurns {
		return e.capOut(ctx, sess, cfg, in, log)
	}

	return e.completeTurn(ctx, sess, cfg, in, log)
}

// closeOut ends the session on a stop keyword. No provider call is made.
func (e *Engine) closeOut(ctx context.Context, sess *core.Session, cfg *botconfig.BotConfig, in Input, log logging.Logger) (*Result, error) {
	if err := e.sessions.MarkTerminal(ctx, sess.ID, core.SessionCompleted, "stop_keyword"); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	log.Info("turn.stopped", "reason", "stop_keyword")
	return e.deliver(ctx, in, &Result{
		SessionID: sess.ID,
		Reply:     e.opts.ClosingMessage,
		Status:    core.SessionCompleted,
	})
}

// handOff freezes the session on a handoff keyword, fires the trigger and
// creates the follow-up task. No provider call is made.
func (e *Engine) handOff(ctx context.Context, sess *core.Session, cfg *botconfig.BotConfig, in Input, log logging.Logger) (*Result, error) {
	res := e.actions.Execute(ctx, action.Request{
		SessionID: sess.ID,
		SubjectID: in.SubjectID,
		Channel:   in.Channel,
		Kind:      core.ActionHandoff,
		Args: map[string]any{
			"reason":  fmt.Sprintf("handoff keyword in message: %q", in.Text),
			"urgency": "high",
		},
	})
	if err := e.sessions.AppendActionResult(ctx, sess.ID, res); err != nil {
		log.Warn("turn.handoff.record_failed", "error", err.Error())
	}

	if e.bus != nil {
		e.bus.Dispatch(ctx, core.NewTrigger(core.EventHandoffRequested, map[string]any{
			"subjectId": in.SubjectID,
			"sessionId": sess.ID,
			"text":      in.Text,
		}))
	}

	log.Info("turn.handoff", "success", res.Success)
	return e.deliver(ctx, in, &Result{
		SessionID: sess.ID,
		Reply:     e.opts.HandoffMessage,
		Status:    core.SessionHandoff,
		Action:    &res,
	})
}

// capOut ends the session once the turn cap is reached. No provider call is
// made.
func (e *Engine) capOut(ctx context.Context, sess *core.Session, cfg *botconfig.BotConfig, in Input, log logging.Logger) (*Result, error) {
	if err := e.sessions.MarkTerminal(ctx, sess.ID, core.SessionCompleted, "turn_cap"); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	log.Info("turn.stopped", "reason", "turn_cap", "messages", sess.MessageCount())
	return e.deliver(ctx, in, &Result{
		SessionID: sess.ID,
		Reply:     e.opts.BoundaryMessage,
		Status:    core.SessionCompleted,
	})
}

// completeTurn is the provider-backed path of the state machine.
func (e *Engine) completeTurn(ctx context.Context, sess *core.Session, cfg *botconfig.BotConfig, in Input, log logging.Logger) (*Result, error) {
	if err := e.sessions.AppendMessage(ctx, sess.ID, core.NewUserMessage(in.Text)); err != nil {
		return nil, fmt.Errorf("append inbound message: %w", err)
	}
	cfg.Counters.AddMessages(1)

	sess, err := e.sessions.Get(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}

	req, err := buildRequest(cfg, sess, e.opts.HistoryWindow)
	if err != nil {
		return nil, err
	}

	resp, err := e.complete(ctx, req)
	if err != nil {
		// Turn-fatal: no assistant message is persisted and there is no
		// retry within the turn.
		cfg.Counters.AddProviderFailures(1)
		log.Error("turn.provider_failed", "model", req.Model, "error", err.Error())
		return e.deliver(ctx, in, &Result{
			SessionID:      sess.ID,
			Reply:          e.opts.RetryLaterMessage,
			Status:         sess.Status,
			ProviderFailed: true,
		})
	}

	result := &Result{SessionID: sess.ID, Status: sess.Status}
	reply := resp.Content
	assistantMsg := core.NewAssistantMessage("")

	if resp.StructuredCall != nil {
		assistantMsg.StructuredCall = resp.StructuredCall
		actionRes, actionErr := e.interpretCall(ctx, sess, cfg, in, resp.StructuredCall, log)
		if actionErr != nil {
			// Malformed arguments or an unmapped function name. Non-fatal:
			// skip the action and fall back to a generic acknowledgement.
			log.Warn("turn.structured_call_skipped", "function", resp.StructuredCall.Name, "error", actionErr.Error())
			if reply == "" {
				reply = e.opts.FallbackMessage
			}
		} else {
			result.Action = actionRes
			if reply == "" {
				reply = e.phraseActionReply(ctx, req, *actionRes, log)
			}
		}
	}

	if reply == "" {
		// Validate guarantees content or a structured call, so this only
		// happens when a call produced no phrasing at all.
		reply = e.opts.FallbackMessage
	}
	assistantMsg.Content = reply

	// The session may have gone terminal while the provider call was in
	// flight (manual handoff, parallel stop). The append fails closed and the
	// turn's result is discarded rather than reviving the session.
	if err := e.sessions.AppendMessage(ctx, sess.ID, assistantMsg); err != nil {
		log.Warn("turn.discarded", "error", err.Error())
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	cfg.Counters.AddMessages(1)

	result.Reply = reply
	return e.deliver(ctx, in, result)
}

// complete makes the single bounded-timeout provider call.
func (e *Engine) complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Complete(callCtx, req)
	dur := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("completion after %s: %w", dur.Round(time.Millisecond), err)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// interpretCall parses the structured call's arguments, maps the function to
// its configured action kind and executes it. The error return covers only
// interpretation failures; execution failures come back inside the result.
func (e *Engine) interpretCall(ctx context.Context, sess *core.Session, cfg *botconfig.BotConfig, in Input, call *core.StructuredCall, log logging.Logger) (*core.ActionResult, error) {
	args, err := call.ParseArguments()
	if err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}

	kind := core.ActionKind(call.Name)
	if spec, ok := cfg.FunctionByName(call.Name); ok {
		kind = spec.Action
	} else if _, err := core.ParseActionKind(call.Name); err != nil {
		return nil, fmt.Errorf("function %q is not configured and is not an action kind", call.Name)
	}

	res := e.actions.Execute(ctx, action.Request{
		SessionID: sess.ID,
		SubjectID: in.SubjectID,
		Channel:   in.Channel,
		Kind:      kind,
		Args:      args,
	})
	if err := e.sessions.AppendActionResult(ctx, sess.ID, res); err != nil {
		log.Warn("turn.action.record_failed", "error", err.Error())
	}

	cfg.Counters.AddIntents(1)
	cfg.Counters.AddActions(1)
	return &res, nil
}

// phraseActionReply issues the optional follow-up completion to phrase a
// user-facing confirmation for an executed action. Failures fall back to a
// canned acknowledgement; the action already happened.
func (e *Engine) phraseActionReply(ctx context.Context, req provider.Request, res core.ActionResult, log logging.Logger) string {
	if !e.opts.FollowUp {
		return e.opts.FallbackMessage
	}

	followUp := req
	followUp.Functions = nil
	followUp.Messages = append(append([]provider.Message{}, req.Messages...), provider.Message{
		Role: core.RoleSystem,
		Content: fmt.Sprintf(
			"The requested action %q finished with success=%t: %s. Confirm the outcome to the user in one short sentence.",
			res.Kind, res.Success, res.Message,
		),
	})

	resp, err := e.complete(ctx, followUp)
	if err != nil || resp.Content == "" {
		if err != nil {
			log.Warn("turn.followup_failed", "error", err.Error())
		}
		return e.opts.FallbackMessage
	}
	return resp.Content
}

// deliver pushes the reply through the transport when one is configured. The
// reply is returned inline either way; a transport failure is logged, not
// surfaced, because the turn itself succeeded.
func (e *Engine) deliver(ctx context.Context, in Input, res *Result) (*Result, error) {
	if e.transport == nil || res.Reply == "" {
		return res, nil
	}
	if _, err := e.transport.Send(ctx, in.Channel, res.Reply); err != nil {
		e.logger.Warn("turn.delivery_failed", "channel", in.Channel, "error", err.Error())
	}
	return res, nil
}
