package core

import (
	"fmt"
	"time"
)

// ActionKind enumerates the closed set of side-effecting actions a dialogue
// turn may request. Unknown kinds fail at the function→action mapping
// boundary rather than inside an executor.
type ActionKind string

const (
	ActionCreateTask       ActionKind = "create_task"
	ActionScheduleFollowup ActionKind = "schedule_followup"
	ActionUpdateStatus     ActionKind = "update_status"
	ActionNotify           ActionKind = "notify"
	ActionSendMessage      ActionKind = "send_message"
	ActionHandoff          ActionKind = "handoff"
)

// ParseActionKind validates a raw kind string against the closed union.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionCreateTask, ActionScheduleFollowup, ActionUpdateStatus,
		ActionNotify, ActionSendMessage, ActionHandoff:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", s)
	}
}

// ActionResult records the outcome of one executed action. Results are
// appended to the owning session's action log and used by the dialogue
// engine to phrase fallback replies when the provider produced no
// natural-language content.
type ActionResult struct {
	Kind      ActionKind     `json:"kind"`
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewActionResult constructs a timestamped result.
func NewActionResult(kind ActionKind, success bool, message string, data map[string]any) ActionResult {
	return ActionResult{
		Kind:      kind,
		Success:   success,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
