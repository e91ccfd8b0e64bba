package session

import (
	"context"
	"sync"
	"time"

	"github.com/convomesh/convomesh/core"
)

// DefaultTTL is the expiry horizon applied to new sessions unless overridden.
const DefaultTTL = 24 * time.Hour

// InMemoryStore is a volatile SessionStore implementation storing sessions in
// a process local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo setups. Each returned session is cloned to prevent
// external mutation of internal state.
//
// The single write lock around the active-pair index guarantees at most one
// active session per (subject, channel) pair under concurrent GetOrCreate.
type InMemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*core.Session // by session id
	active   map[string]string        // subject|channel -> active session id
}

// InMemoryOptions configures the in-memory store.
type InMemoryOptions struct {
	// TTL is the expiry horizon for new sessions.
	TTL time.Duration
	// Now overrides the clock, used by scheduler tests.
	Now func() time.Time
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore(optFns ...func(o *InMemoryOptions)) *InMemoryStore {
	opts := InMemoryOptions{TTL: DefaultTTL, Now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{
		ttl:      opts.TTL,
		now:      opts.Now,
		sessions: make(map[string]*core.Session),
		active:   make(map[string]string),
	}
}

func pairKey(subjectID, channel string) string { return subjectID + "|" + channel }

// GetOrCreate returns the existing active session for the pair or creates a
// new one. Expired sessions are invisible to the active lookup even before
// physical removal.
func (s *InMemoryStore) GetOrCreate(ctx context.Context, subjectID, channel string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(subjectID, channel)
	if id, ok := s.active[key]; ok {
		sess := s.sessions[id]
		if sess != nil && sess.Status == core.SessionActive && !sess.Expired(s.now()) {
			return sess.Clone(), nil
		}
		delete(s.active, key)
	}
	sess := core.NewSession(subjectID, channel, s.ttl)
	s.sessions[sess.ID] = sess
	s.active[key] = sess.ID
	return sess.Clone(), nil
}

// Get returns the session by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Seed stores a prebuilt session, overwriting any active index entry for its
// pair. Intended for tests.
func (s *InMemoryStore) Seed(sess *core.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	if sess.Status == core.SessionActive {
		s.active[pairKey(sess.SubjectID, sess.Channel)] = sess.ID
	}
}

// AppendMessage appends to the session's ordered log. Fails closed with
// ErrSessionTerminal once the session reached a terminal status.
func (s *InMemoryStore) AppendMessage(ctx context.Context, id string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	return sess.AppendMessage(msg)
}

// AppendActionResult appends an executed-action outcome to the session's log.
func (s *InMemoryStore) AppendActionResult(ctx context.Context, id string, res core.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	sess.AppendActionResult(res)
	return nil
}

// MergeContext merges a key/value delta into the session context vars.
func (s *InMemoryStore) MergeContext(ctx context.Context, id string, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	sess.MergeContext(delta)
	return nil
}

// MarkTerminal performs the one-way transition into a terminal status and
// releases the active-pair slot.
func (s *InMemoryStore) MarkTerminal(ctx context.Context, id string, status core.SessionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	if err := sess.MarkTerminal(status, reason); err != nil {
		return err
	}
	delete(s.active, pairKey(sess.SubjectID, sess.Channel))
	return nil
}

// Archive demotes a session to archived regardless of its current status.
func (s *InMemoryStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	sess.Status = core.SessionArchived
	sess.Updated = s.now()
	delete(s.active, pairKey(sess.SubjectID, sess.Channel))
	return nil
}

// FindActiveIdle returns active, non-expired sessions idle for at least
// threshold. Results reflect current state, not a cached flag.
func (s *InMemoryStore) FindActiveIdle(ctx context.Context, threshold time.Duration) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*core.Session
	for _, sess := range s.sessions {
		if sess.Status != core.SessionActive || sess.Expired(now) {
			continue
		}
		if sess.IdleFor(now) >= threshold {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// FindIdleSubjects returns subjects awaiting contact whose last qualifying
// interaction is at least window ago.
func (s *InMemoryStore) FindIdleSubjects(ctx context.Context, window time.Duration) ([]core.IdleSubject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []core.IdleSubject
	for _, sess := range s.sessions {
		if sess.Status != core.SessionWaiting {
			continue
		}
		idle := sess.IdleFor(now)
		if idle >= window {
			out = append(out, core.IdleSubject{
				SubjectID:    sess.SubjectID,
				Channel:      sess.Channel,
				SessionID:    sess.ID,
				LastActivity: sess.LastActivity,
				Idle:         idle,
			})
		}
	}
	return out, nil
}

// FindOlderThan returns sessions whose last activity predates cutoff.
func (s *InMemoryStore) FindOlderThan(ctx context.Context, cutoff time.Time) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Session
	for _, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// SweepExpired removes sessions already past their logical expiry.
func (s *InMemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			delete(s.active, pairKey(sess.SubjectID, sess.Channel))
			removed++
		}
	}
	return removed, nil
}
