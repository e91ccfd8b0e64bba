// Package action implements the executor for the closed set of
// side-effecting actions a dialogue turn may request. Each kind validates
// its arguments against a schema before performing an effect through the
// external record-store collaborator; failures stay local to the action and
// never abort the enclosing turn.
package action

import (
	"context"
	"fmt"
	"time"
)

// SubjectRecord is the opaque subject view the record store exposes.
type SubjectRecord struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Status string         `json:"status,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TaskFields describes a task to create in the external record store.
type TaskFields struct {
	SubjectID   string    `json:"subject_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DueDate     string    `json:"due_date,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// InteractionEntry is one appended interaction on a subject's timeline.
type InteractionEntry struct {
	Type      string         `json:"type"`
	Notes     string         `json:"notes,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RecordStore is the external record-management collaborator. Its internal
// persistence format is out of scope; the executor only depends on this
// shape.
type RecordStore interface {
	FindSubject(ctx context.Context, id string) (*SubjectRecord, error)
	CreateTask(ctx context.Context, fields TaskFields) (string, error)
	UpdateStatus(ctx context.Context, subjectID, newStatus string) error
	AppendInteraction(ctx context.Context, subjectID string, entry InteractionEntry) error
}

// ActionError represents an action failure with a stable code for
// categorization.
type ActionError struct {
	Kind    string `json:"kind"`              // Action kind that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // "VALIDATION_ERROR", "EXECUTION_ERROR", "UNKNOWN_KIND"
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ActionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("action error [%s] in %s: %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("action error in %s: %s", e.Kind, e.Message)
}

// NewActionError creates a new ActionError with the specified details.
func NewActionError(kind, message, code string) *ActionError {
	return &ActionError{Kind: kind, Message: message, Code: code}
}
