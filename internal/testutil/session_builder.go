// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing core model objects. These helpers are
// intentionally minimal and not intended for production usage.
package testutil

import (
	"time"

	"github.com/convomesh/convomesh/core"
)

// SessionBuilder provides a fluent helper for constructing sessions in tests.
// Chain only the parts you need; sensible defaults are applied.
//
//	sess := testutil.NewSessionBuilder().Subject("lead-1").Channel("web").
//	    UserText("hello").Idle(10 * 24 * time.Hour).Build()
type SessionBuilder struct {
	subjectID string
	channel   string
	status    core.SessionStatus
	ttl       time.Duration
	messages  []core.Message
	idle      time.Duration
}

// NewSessionBuilder creates a builder with default subject/channel and an
// active status.
func NewSessionBuilder() *SessionBuilder {
	return &SessionBuilder{subjectID: "subject-1", channel: "web", status: core.SessionActive, ttl: 24 * time.Hour}
}

// Subject sets the subject id (chainable).
func (b *SessionBuilder) Subject(id string) *SessionBuilder { b.subjectID = id; return b }

// Channel sets the channel tag (chainable).
func (b *SessionBuilder) Channel(c string) *SessionBuilder { b.channel = c; return b }

// Status sets the lifecycle status applied after construction (chainable).
func (b *SessionBuilder) Status(s core.SessionStatus) *SessionBuilder { b.status = s; return b }

// TTL sets the expiry horizon (chainable).
func (b *SessionBuilder) TTL(d time.Duration) *SessionBuilder { b.ttl = d; return b }

// UserText appends an inbound user message (chainable).
func (b *SessionBuilder) UserText(text string) *SessionBuilder {
	b.messages = append(b.messages, core.NewUserMessage(text))
	return b
}

// AssistantText appends an assistant reply (chainable).
func (b *SessionBuilder) AssistantText(text string) *SessionBuilder {
	b.messages = append(b.messages, core.NewAssistantMessage(text))
	return b
}

// Idle backdates the session's last activity by d (chainable).
func (b *SessionBuilder) Idle(d time.Duration) *SessionBuilder { b.idle = d; return b }

// Build materializes the session.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.subjectID, b.channel, b.ttl)
	for _, m := range b.messages {
		_ = s.AppendMessage(m)
	}
	if b.status == core.SessionWaiting {
		s.Status = core.SessionWaiting
	} else if b.status.Terminal() {
		_ = s.MarkTerminal(b.status, "")
	}
	if b.idle > 0 {
		s.LastActivity = time.Now().UTC().Add(-b.idle)
	}
	return s
}
