package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/convomesh/convomesh/core"
)

// SQLiteStore is a durable SessionStore backed by a sqlite database. The full
// session document is stored as a JSON payload alongside indexed columns for
// the lookups the scheduler needs.
//
// Uniqueness of the active session per (subject, channel) pair is enforced
// twice: a singleflight group collapses concurrent GetOrCreate calls in
// process, and a partial unique index catches racing processes, in which case
// the existing row is re-read.
//
// Expiry: active lookups always filter on expires_at, so a session is
// logically dead the moment its horizon passes; SweepExpired later removes
// such rows physically.
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	create singleflight.Group
}

// SQLiteOptions configures the sqlite store.
type SQLiteOptions struct {
	// TTL is the expiry horizon for new sessions.
	TTL time.Duration
	// Now overrides the clock, used in tests.
	Now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	channel       TEXT NOT NULL,
	status        TEXT NOT NULL,
	payload       TEXT NOT NULL,
	last_activity INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_pair
	ON sessions (subject_id, channel) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
	ON sessions (status, last_activity);
`

// NewSQLiteStore opens (or creates) the database at dsn and prepares the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dsn string, optFns ...func(o *SQLiteOptions)) (*SQLiteStore, error) {
	opts := SQLiteOptions{TTL: DefaultTTL, Now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}

	return &SQLiteStore{db: db, ttl: opts.TTL, now: opts.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// GetOrCreate returns the existing active session for the pair or creates one.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, subjectID, channel string) (*core.Session, error) {
	// Concurrent callers collapse onto one flight, so the shared work must
	// not die with whichever caller happened to arrive first.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.create.Do(subjectID+"|"+channel, func() (any, error) {
		return s.getOrCreate(flightCtx, subjectID, channel)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Session), nil
}

func (s *SQLiteStore) getOrCreate(ctx context.Context, subjectID, channel string) (*core.Session, error) {
	if sess, err := s.findActivePair(ctx, subjectID, channel); err == nil {
		return sess, nil
	} else if !errors.Is(err, core.ErrSessionNotFound) {
		return nil, err
	}

	// An expired row can still carry status 'active' and hold the unique
	// active-pair slot until the sweeper runs. Demote it first so the
	// insert below does not collide with a session that is logically dead.
	if err := s.abandonExpiredActive(ctx, subjectID, channel); err != nil {
		return nil, err
	}

	sess := core.NewSession(subjectID, channel, s.ttl)
	if err := s.insert(ctx, sess); err != nil {
		// A racing writer won the unique active-pair index; use its row.
		if isUniqueViolation(err) {
			return s.findActivePair(ctx, subjectID, channel)
		}
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) abandonExpiredActive(ctx context.Context, subjectID, channel string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions
		 WHERE subject_id = ? AND channel = ? AND status = ? AND expires_at <= ?`,
		subjectID, channel, string(core.SessionActive), s.now().Unix())
	if err != nil {
		return fmt.Errorf("find expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, id := range ids {
		err := s.update(ctx, id, func(sess *core.Session) error {
			return sess.MarkTerminal(core.SessionAbandoned, "expired")
		})
		if err != nil && !errors.Is(err, core.ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) findActivePair(ctx context.Context, subjectID, channel string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions
		 WHERE subject_id = ? AND channel = ? AND status = ? AND expires_at > ?`,
		subjectID, channel, string(core.SessionActive), s.now().Unix())
	return s.scanPayload(row)
}

// Get returns the session by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id)
	return s.scanPayload(row)
}

// AppendMessage appends to the session's ordered log inside one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg core.Message) error {
	return s.update(ctx, id, func(sess *core.Session) error {
		return sess.AppendMessage(msg)
	})
}

// AppendActionResult appends an executed-action outcome.
func (s *SQLiteStore) AppendActionResult(ctx context.Context, id string, res core.ActionResult) error {
	return s.update(ctx, id, func(sess *core.Session) error {
		sess.AppendActionResult(res)
		return nil
	})
}

// MergeContext merges a key/value delta into the session context vars.
func (s *SQLiteStore) MergeContext(ctx context.Context, id string, delta map[string]any) error {
	return s.update(ctx, id, func(sess *core.Session) error {
		sess.MergeContext(delta)
		return nil
	})
}

// MarkTerminal performs the one-way transition into a terminal status.
func (s *SQLiteStore) MarkTerminal(ctx context.Context, id string, status core.SessionStatus, reason string) error {
	return s.update(ctx, id, func(sess *core.Session) error {
		return sess.MarkTerminal(status, reason)
	})
}

// Archive demotes a session to archived regardless of its current status.
func (s *SQLiteStore) Archive(ctx context.Context, id string) error {
	return s.update(ctx, id, func(sess *core.Session) error {
		sess.Status = core.SessionArchived
		sess.Updated = s.now()
		return nil
	})
}

// FindActiveIdle returns active, non-expired sessions idle for at least threshold.
func (s *SQLiteStore) FindActiveIdle(ctx context.Context, threshold time.Duration) ([]*core.Session, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM sessions
		 WHERE status = ? AND expires_at > ? AND last_activity <= ?`,
		string(core.SessionActive), now.Unix(), now.Add(-threshold).Unix())
	if err != nil {
		return nil, fmt.Errorf("query active idle: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// FindIdleSubjects returns subjects awaiting contact idle for at least window.
func (s *SQLiteStore) FindIdleSubjects(ctx context.Context, window time.Duration) ([]core.IdleSubject, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM sessions
		 WHERE status = ? AND last_activity <= ?`,
		string(core.SessionWaiting), now.Add(-window).Unix())
	if err != nil {
		return nil, fmt.Errorf("query idle subjects: %w", err)
	}
	defer rows.Close()
	sessions, err := s.collect(rows)
	if err != nil {
		return nil, err
	}
	out := make([]core.IdleSubject, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, core.IdleSubject{
			SubjectID:    sess.SubjectID,
			Channel:      sess.Channel,
			SessionID:    sess.ID,
			LastActivity: sess.LastActivity,
			Idle:         now.Sub(sess.LastActivity),
		})
	}
	return out, nil
}

// FindOlderThan returns sessions whose last activity predates cutoff.
func (s *SQLiteStore) FindOlderThan(ctx context.Context, cutoff time.Time) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM sessions WHERE last_activity < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query older than: %w", err)
	}
	defer rows.Close()
	return s.collect(rows)
}

// SweepExpired physically removes rows whose logical expiry already hides
// them from active lookups.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// update loads, mutates and saves a session inside one transaction so
// read-modify-write cycles from concurrent turns never interleave.
func (s *SQLiteStore) update(ctx context.Context, id string, mutate func(*core.Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id)
	sess, err := s.scanPayload(row)
	if err != nil {
		return err
	}
	if err := mutate(sess); err != nil {
		return err
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, payload = ?, last_activity = ?, expires_at = ? WHERE id = ?`,
		string(sess.Status), string(payload), sess.LastActivity.Unix(), sess.ExpiresAt.Unix(), id); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) insert(ctx context.Context, sess *core.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, channel, status, payload, last_activity, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SubjectID, sess.Channel, string(sess.Status), string(payload),
		sess.LastActivity.Unix(), sess.ExpiresAt.Unix())
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *SQLiteStore) scanPayload(row rowScanner) (*core.Session, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	var sess core.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	sess.TTL = s.ttl
	return &sess, nil
}

func (s *SQLiteStore) collect(rows *sql.Rows) ([]*core.Session, error) {
	var out []*core.Session
	for rows.Next() {
		sess, err := s.scanPayload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
