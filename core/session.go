package core

import (
	"sync"
	"time"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionActive accepts further dialogue turns.
	SessionActive SessionStatus = "active"
	// SessionWaiting marks a subject awaiting contact; no turn is in flight.
	SessionWaiting SessionStatus = "waiting"
	// SessionCompleted is terminal: the conversation ended normally.
	SessionCompleted SessionStatus = "completed"
	// SessionAbandoned is terminal: the session idled past its timeout.
	SessionAbandoned SessionStatus = "abandoned"
	// SessionHandoff is terminal: a human must take over.
	SessionHandoff SessionStatus = "handoff"
	// SessionArchived is terminal: the session aged past the retention window.
	SessionArchived SessionStatus = "archived"
)

// Terminal reports whether the status admits no further turns.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionAbandoned, SessionHandoff, SessionArchived:
		return true
	}
	return false
}

// SessionContext is the mutable context blob carried by a session: detected
// intent, extracted entities, model confidence and free-form variables.
type SessionContext struct {
	Intent     string         `json:"intent,omitempty"`
	Entities   map[string]any `json:"entities,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Vars       map[string]any `json:"vars,omitempty"`
}

// SessionMetrics aggregates per-session message counts.
type SessionMetrics struct {
	MessageCount     int `json:"message_count"`
	UserMessageCount int `json:"user_message_count"`
}

// Session is a persisted, bounded-lifetime conversation record for one
// subject/channel pair. It is safe for concurrent access.
//
// Contract:
//   - The message log is append-only and monotonic
//   - AppendMessage fails closed once the session is terminal
//   - MarkTerminal is a one-way transition
//   - A session past ExpiresAt is logically dead even before physical removal
//   - Clone performs deep copies of slices/maps for safe divergence
type Session struct {
	ID           string         `json:"id"`
	SubjectID    string         `json:"subject_id"`
	Channel      string         `json:"channel"`
	Status       SessionStatus  `json:"status"`
	Messages     []Message      `json:"messages"`
	Context      SessionContext `json:"context"`
	Actions      []ActionResult `json:"actions,omitempty"`
	Metrics      SessionMetrics `json:"metrics"`
	LastActivity time.Time      `json:"last_activity"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
	TTL          time.Duration  `json:"-"`
	mu           sync.RWMutex
}

// NewSession creates an active session for the given subject/channel pair.
// The ttl sets the initial expiry horizon, refreshed on every append.
func NewSession(subjectID, channel string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           NewID(),
		SubjectID:    subjectID,
		Channel:      channel,
		Status:       SessionActive,
		Messages:     []Message{},
		Context:      SessionContext{Entities: map[string]any{}, Vars: map[string]any{}},
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		Created:      now,
		Updated:      now,
		TTL:          ttl,
	}
}

// AppendMessage appends to the ordered log, increments metrics and refreshes
// the activity and expiry horizons. It returns ErrSessionTerminal once the
// session has reached a terminal status.
func (s *Session) AppendMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return ErrSessionTerminal
	}
	s.Messages = append(s.Messages, msg)
	s.Metrics.MessageCount++
	if msg.Role == RoleUser {
		s.Metrics.UserMessageCount++
	}
	s.touchLocked()
	return nil
}

// MarkTerminal performs the one-way transition into a terminal status. The
// optional reason is recorded in the context vars so handoff metadata
// survives the transition. Marking an already terminal session fails.
func (s *Session) MarkTerminal(status SessionStatus, reason string) error {
	if !status.Terminal() {
		return ErrNotTerminalStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return ErrSessionTerminal
	}
	s.Status = status
	if reason != "" {
		if s.Context.Vars == nil {
			s.Context.Vars = map[string]any{}
		}
		s.Context.Vars["terminal_reason"] = reason
	}
	s.Updated = time.Now().UTC()
	return nil
}

// AppendActionResult appends an executed-action outcome to the action log.
func (s *Session) AppendActionResult(res ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Actions = append(s.Actions, res)
	s.Updated = time.Now().UTC()
}

// MergeContext merges a key/value delta into the context vars.
func (s *Session) MergeContext(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Context.Vars == nil {
		s.Context.Vars = map[string]any{}
	}
	for k, v := range delta {
		s.Context.Vars[k] = v
	}
	s.Updated = time.Now().UTC()
}

// Touch refreshes the activity timestamp and expiry horizon.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

func (s *Session) touchLocked() {
	now := time.Now().UTC()
	s.LastActivity = now
	s.Updated = now
	if s.TTL > 0 {
		s.ExpiresAt = now.Add(s.TTL)
	}
}

// IsTerminal reports whether the session admits no further turns.
func (s *Session) IsTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status.Terminal()
}

// MessageCount returns the current length of the message log.
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// Window returns a defensive copy of the last k messages (the full log when
// k <= 0 or exceeds the log length). Used to bound provider context.
func (s *Session) Window(k int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.Messages)
	if k <= 0 || k > n {
		k = n
	}
	out := make([]Message, k)
	copy(out, s.Messages[n-k:])
	return out
}

// ActionLog returns a defensive copy of the executed-action results.
func (s *Session) ActionLog() []ActionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActionResult, len(s.Actions))
	copy(out, s.Actions)
	return out
}

// IdleFor returns how long the session has been without activity at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastActivity)
}

// Expired reports whether the session is logically dead at now.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:           s.ID,
		SubjectID:    s.SubjectID,
		Channel:      s.Channel,
		Status:       s.Status,
		Messages:     make([]Message, len(s.Messages)),
		Actions:      make([]ActionResult, len(s.Actions)),
		Metrics:      s.Metrics,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
		Created:      s.Created,
		Updated:      s.Updated,
		TTL:          s.TTL,
	}
	copy(clone.Messages, s.Messages)
	copy(clone.Actions, s.Actions)
	clone.Context = SessionContext{
		Intent:     s.Context.Intent,
		Confidence: s.Context.Confidence,
		Entities:   make(map[string]any, len(s.Context.Entities)),
		Vars:       make(map[string]any, len(s.Context.Vars)),
	}
	for k, v := range s.Context.Entities {
		clone.Context.Entities[k] = v
	}
	for k, v := range s.Context.Vars {
		clone.Context.Vars[k] = v
	}
	return clone
}
