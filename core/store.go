package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound indicates the requested session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal indicates a mutation was attempted on a session that
	// already reached a terminal status.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrNotTerminalStatus indicates MarkTerminal was called with a status
	// that is not terminal.
	ErrNotTerminalStatus = errors.New("status is not terminal")
)

// IdleSubject is a scheduler read-model row: a subject awaiting contact and
// how long it has been idle. Idle is re-derived from current state on every
// query, never cached.
type IdleSubject struct {
	SubjectID    string
	Channel      string
	SessionID    string
	LastActivity time.Time
	Idle         time.Duration
}

// SessionStore persists conversation sessions. All mutation happens through
// this API; callers never mutate a returned session and expect the store to
// observe it.
//
// Implementations must guarantee at most one active session per
// (subject, channel) pair, even under concurrent GetOrCreate callers, and
// must treat sessions past their expiry as invisible to active lookups.
type SessionStore interface {
	// GetOrCreate returns the existing active session for the pair or creates
	// a new one.
	GetOrCreate(ctx context.Context, subjectID, channel string) (*Session, error)

	// Get returns the session by id.
	Get(ctx context.Context, id string) (*Session, error)

	// AppendMessage appends to the session's ordered log, updating metrics
	// and the expiry horizon. Returns ErrSessionTerminal if the session has
	// gone terminal.
	AppendMessage(ctx context.Context, id string, msg Message) error

	// AppendActionResult appends an executed-action outcome.
	AppendActionResult(ctx context.Context, id string, res ActionResult) error

	// MergeContext merges a key/value delta into the session context vars.
	MergeContext(ctx context.Context, id string, delta map[string]any) error

	// MarkTerminal performs the one-way transition into a terminal status.
	MarkTerminal(ctx context.Context, id string, status SessionStatus, reason string) error

	// Archive demotes a session to the archived state regardless of its
	// current status. Used only by the retention sweep.
	Archive(ctx context.Context, id string) error

	// FindActiveIdle returns active, non-expired sessions whose last activity
	// is at least threshold ago.
	FindActiveIdle(ctx context.Context, threshold time.Duration) ([]*Session, error)

	// FindIdleSubjects returns subjects in an awaiting-contact state whose
	// last qualifying interaction is at least window ago.
	FindIdleSubjects(ctx context.Context, window time.Duration) ([]IdleSubject, error)

	// FindOlderThan returns sessions whose last activity predates cutoff,
	// regardless of status. Used by the archival sweep.
	FindOlderThan(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// ExpirySweeper is implemented by durable stores that physically remove
// sessions whose logical expiry already hides them from active lookups.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}
