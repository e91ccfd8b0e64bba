package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/internal/util"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/transport"
)

// Argument contracts per action kind. Schemas are derived from these structs
// so the JSON-schema wire contract toward the provider and the validation at
// the mapping boundary never drift apart.
type createTaskArgs struct {
	Title       string `json:"title" description:"Task title"`
	Description string `json:"description,omitempty" description:"Longer task description"`
	DueDate     string `json:"dueDate,omitempty" description:"Due date (YYYY-MM-DD)"`
	Priority    string `json:"priority,omitempty" description:"low, normal or high"`
}

type scheduleFollowupArgs struct {
	Date  string `json:"date" description:"Follow-up date (YYYY-MM-DD)"`
	Type  string `json:"type" description:"Follow-up type, e.g. call or email"`
	Notes string `json:"notes,omitempty" description:"Free-form notes"`
}

type updateStatusArgs struct {
	NewStatus string `json:"newStatus" description:"Target subject status"`
	Reason    string `json:"reason,omitempty" description:"Why the status changed"`
}

type notifyArgs struct {
	Message string `json:"message" description:"Notification text"`
	Target  string `json:"target,omitempty" description:"Recipient hint"`
}

type sendMessageArgs struct {
	Channel string `json:"channel" description:"Delivery channel"`
	Text    string `json:"text" description:"Message body"`
}

type handoffArgs struct {
	Reason  string `json:"reason" description:"Why a human must take over"`
	Urgency string `json:"urgency,omitempty" description:"low, normal or high"`
}

var kindSchemas = map[core.ActionKind]map[string]any{
	core.ActionCreateTask:       util.CreateSchema(createTaskArgs{}),
	core.ActionScheduleFollowup: util.CreateSchema(scheduleFollowupArgs{}),
	core.ActionUpdateStatus:     util.CreateSchema(updateStatusArgs{}),
	core.ActionNotify:           util.CreateSchema(notifyArgs{}),
	core.ActionSendMessage:      util.CreateSchema(sendMessageArgs{}),
	core.ActionHandoff:          util.CreateSchema(handoffArgs{}),
}

// Schema returns the JSON-schema argument contract for an action kind.
func Schema(kind core.ActionKind) (map[string]any, bool) {
	s, ok := kindSchemas[kind]
	return s, ok
}

// Request identifies one action invocation: the session and subject it acts
// for, the kind to execute and the caller-supplied argument payload.
type Request struct {
	SessionID string
	SubjectID string
	Channel   string
	Kind      core.ActionKind
	Args      map[string]any
}

// Options configures an Executor.
type Options struct {
	// Transport delivers send_message actions. Optional; without it the
	// send_message kind fails locally.
	Transport transport.Transport
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Executor executes the closed set of action kinds against the external
// record store. Every invocation returns an ActionResult; failures are local
// to the action and surface as Success=false, never as an executor error.
type Executor struct {
	records   RecordStore
	sessions  core.SessionStore
	transport transport.Transport
	logger    logging.Logger
}

// NewExecutor constructs an executor over the record store and session store
// collaborators.
func NewExecutor(records RecordStore, sessions core.SessionStore, optFns ...func(o *Options)) *Executor {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{
		records:   records,
		sessions:  sessions,
		transport: opts.Transport,
		logger:    opts.Logger,
	}
}

// Execute validates the request arguments and performs the action's effect.
// The returned result is always usable as reply-phrasing context.
func (e *Executor) Execute(ctx context.Context, req Request) core.ActionResult {
	start := time.Now()

	schema, ok := kindSchemas[req.Kind]
	if !ok {
		err := NewActionError(string(req.Kind), "unknown action kind", "UNKNOWN_KIND")
		e.logger.Warn("action.unknown_kind", "kind", string(req.Kind))
		return core.NewActionResult(req.Kind, false, err.Error(), nil)
	}
	if err := util.ValidateParameters(req.Args, schema); err != nil {
		aerr := &ActionError{Kind: string(req.Kind), Message: err.Error(), Code: "VALIDATION_ERROR", Details: err}
		e.logger.Warn("action.validation_failed", "kind", string(req.Kind), "error", err.Error())
		return core.NewActionResult(req.Kind, false, aerr.Error(), nil)
	}

	var (
		message string
		data    map[string]any
		err     error
	)
	switch req.Kind {
	case core.ActionCreateTask:
		message, data, err = e.createTask(ctx, req)
	case core.ActionScheduleFollowup:
		message, data, err = e.scheduleFollowup(ctx, req)
	case core.ActionUpdateStatus:
		message, data, err = e.updateStatus(ctx, req)
	case core.ActionNotify:
		message, data, err = e.notify(ctx, req)
	case core.ActionSendMessage:
		message, data, err = e.sendMessage(ctx, req)
	case core.ActionHandoff:
		message, data, err = e.handoff(ctx, req)
	}

	dur := time.Since(start)
	if err != nil {
		e.logger.Error("action.executed", "kind", string(req.Kind), "duration_ms", dur.Milliseconds(), "error", err.Error())
		aerr := &ActionError{Kind: string(req.Kind), Message: err.Error(), Code: "EXECUTION_ERROR"}
		return core.NewActionResult(req.Kind, false, aerr.Error(), data)
	}

	e.logger.Info("action.executed", "kind", string(req.Kind), "duration_ms", dur.Milliseconds(), "error", false)
	return core.NewActionResult(req.Kind, true, message, data)
}

func (e *Executor) createTask(ctx context.Context, req Request) (string, map[string]any, error) {
	fields := TaskFields{
		SubjectID:   req.SubjectID,
		Title:       stringArg(req.Args, "title"),
		Description: stringArg(req.Args, "description"),
		DueDate:     stringArg(req.Args, "dueDate"),
		Priority:    stringArg(req.Args, "priority"),
		CreatedAt:   time.Now().UTC(),
	}
	if fields.Priority == "" {
		fields.Priority = "normal"
	}
	id, err := e.records.CreateTask(ctx, fields)
	if err != nil {
		return "", nil, fmt.Errorf("create task: %w", err)
	}
	return fmt.Sprintf("task %q created", fields.Title), map[string]any{"task_id": id}, nil
}

func (e *Executor) scheduleFollowup(ctx context.Context, req Request) (string, map[string]any, error) {
	date := stringArg(req.Args, "date")
	kind := stringArg(req.Args, "type")
	entry := InteractionEntry{
		Type:  "followup_scheduled",
		Notes: stringArg(req.Args, "notes"),
		Data: map[string]any{
			"date": date,
			"type": kind,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := e.records.AppendInteraction(ctx, req.SubjectID, entry); err != nil {
		return "", nil, fmt.Errorf("schedule followup: %w", err)
	}
	return fmt.Sprintf("follow-up %s scheduled for %s", kind, date),
		map[string]any{"date": date, "type": kind}, nil
}

func (e *Executor) updateStatus(ctx context.Context, req Request) (string, map[string]any, error) {
	newStatus := stringArg(req.Args, "newStatus")
	if err := e.records.UpdateStatus(ctx, req.SubjectID, newStatus); err != nil {
		return "", nil, fmt.Errorf("update status: %w", err)
	}
	return fmt.Sprintf("status updated to %q", newStatus),
		map[string]any{"new_status": newStatus, "reason": stringArg(req.Args, "reason")}, nil
}

func (e *Executor) notify(ctx context.Context, req Request) (string, map[string]any, error) {
	entry := InteractionEntry{
		Type:  "notification",
		Notes: stringArg(req.Args, "message"),
		Data: map[string]any{
			"target": stringArg(req.Args, "target"),
		},
		Timestamp: time.Now().UTC(),
	}
	if err := e.records.AppendInteraction(ctx, req.SubjectID, entry); err != nil {
		return "", nil, fmt.Errorf("notify: %w", err)
	}
	return "notification recorded", nil, nil
}

func (e *Executor) sendMessage(ctx context.Context, req Request) (string, map[string]any, error) {
	if e.transport == nil {
		return "", nil, fmt.Errorf("no transport configured")
	}
	channel := stringArg(req.Args, "channel")
	text := stringArg(req.Args, "text")
	delivery, err := e.transport.Send(ctx, channel, text)
	if err != nil {
		return "", nil, fmt.Errorf("send message: %w", err)
	}
	return "message sent", map[string]any{"message_id": delivery.MessageID}, nil
}

// handoff freezes the session in the handoff state and creates a
// high-priority task for a human. A session already terminal is tolerated so
// a manual handoff racing the action does not surface as a failure.
func (e *Executor) handoff(ctx context.Context, req Request) (string, map[string]any, error) {
	reason := stringArg(req.Args, "reason")

	if req.SessionID != "" {
		err := e.sessions.MarkTerminal(ctx, req.SessionID, core.SessionHandoff, reason)
		if err != nil && !errors.Is(err, core.ErrSessionTerminal) {
			return "", nil, fmt.Errorf("freeze session: %w", err)
		}
	}

	taskID, err := e.records.CreateTask(ctx, TaskFields{
		SubjectID:   req.SubjectID,
		Title:       "Handoff requested",
		Description: reason,
		Priority:    "high",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("create handoff task: %w", err)
	}
	return "conversation handed off to a human",
		map[string]any{"task_id": taskID, "urgency": stringArg(req.Args, "urgency")}, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
