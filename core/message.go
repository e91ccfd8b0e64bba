package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation roles used in session message logs and provider requests.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StructuredCall is a machine-parseable function invocation request returned
// by the completion provider instead of (or alongside) free text. Arguments
// stay serialized until the action mapping boundary validates them.
type StructuredCall struct {
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`
}

// ParseArguments decodes the serialized argument payload. An empty payload
// parses as an empty map; malformed JSON is a per-call failure the caller
// treats as non-fatal.
func (c *StructuredCall) ParseArguments() (map[string]any, error) {
	if c.ArgumentsJSON == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(c.ArgumentsJSON), &args); err != nil {
		return nil, fmt.Errorf("malformed arguments for %q: %w", c.Name, err)
	}
	return args, nil
}

// Message is a single ordered entry in a session's conversation log.
type Message struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	StructuredCall *StructuredCall `json:"structured_call,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and UTC timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserMessage is a convenience wrapper for an inbound user message.
func NewUserMessage(content string) Message { return NewMessage(RoleUser, content) }

// NewAssistantMessage is a convenience wrapper for an assistant reply.
func NewAssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }

// NewID generates a new unique identifier for sessions, messages and triggers.
func NewID() string { return uuid.NewString() }
