// Package scheduler runs the periodic scans that drive time-based
// automation: idle-subject detection, abandoned-session cleanup and
// archival. Every scan re-derives its candidates from current store state on
// each tick, so a subject contacted since the last tick simply stops
// qualifying.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/logging"
	"github.com/convomesh/convomesh/trigger"
)

// ErrAlreadyStarted is returned by Start when the scheduler is running.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Options configures a Scheduler.
type Options struct {
	// NoResponseInterval is the tick period of the no-response scan.
	NoResponseInterval time.Duration
	// AbandonedInterval is the tick period of the abandoned-session scan.
	AbandonedInterval time.Duration
	// ArchivalInterval is the tick period of the archival sweep.
	ArchivalInterval time.Duration

	// NoResponseAfter is how long a subject must be without contact before a
	// no_response trigger fires.
	NoResponseAfter time.Duration
	// SessionTimeout is the idle threshold after which an active session is
	// considered abandoned.
	SessionTimeout time.Duration
	// RetentionWindow is the age past which sessions are archived.
	RetentionWindow time.Duration

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Scheduler owns the timer-driven scan tasks. Scans run independently; a
// tick that arrives while the same scan is still running is skipped, since
// two overlapping runs could fire on the same stale record.
type Scheduler struct {
	store  core.SessionStore
	bus    *trigger.Bus
	logger logging.Logger
	opts   Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	noResponseBusy atomic.Bool
	abandonedBusy  atomic.Bool
	archivalBusy   atomic.Bool

	now           func() time.Time
	tickerFactory func(interval time.Duration) ticker
}

// New constructs a scheduler over the session store and trigger bus.
func New(store core.SessionStore, bus *trigger.Bus, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		NoResponseInterval: time.Minute,
		AbandonedInterval:  time.Minute,
		ArchivalInterval:   time.Hour,
		NoResponseAfter:    7 * 24 * time.Hour,
		SessionTimeout:     30 * time.Minute,
		RetentionWindow:    30 * 24 * time.Hour,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scheduler{
		store:  store,
		bus:    bus,
		logger: opts.Logger,
		opts:   opts,
		now: func() time.Time {
			return time.Now().UTC()
		},
		tickerFactory: func(interval time.Duration) ticker {
			return newRealTicker(interval)
		},
	}
}

// Start launches the scan loop. It returns ErrAlreadyStarted when called on
// a running scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.running = true
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	noResponse := s.tickerFactory(s.opts.NoResponseInterval)
	abandoned := s.tickerFactory(s.opts.AbandonedInterval)
	archival := s.tickerFactory(s.opts.ArchivalInterval)

	go s.run(ctx, noResponse, abandoned, archival, stopCh, doneCh)
	return nil
}

// Stop halts the scan loop and waits for it to drain. Safe to call on a
// stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(ctx context.Context, noResponse, abandoned, archival ticker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer noResponse.Stop()
	defer abandoned.Stop()
	defer archival.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-noResponse.Chan():
			s.ScanNoResponse(ctx)
		case <-abandoned.Chan():
			s.ScanAbandoned(ctx)
		case <-archival.Chan():
			s.ScanArchival(ctx)
		}
	}
}

// ScanNoResponse fires a no_response trigger for every subject idle past the
// configured threshold. The idle duration is re-derived from store state, so
// a subject contacted since the last tick fails the threshold and is not
// re-fired.
func (s *Scheduler) ScanNoResponse(ctx context.Context) {
	if !s.noResponseBusy.CompareAndSwap(false, true) {
		s.logger.Debug("scan.skipped", "scan", "no_response", "reason", "already running")
		return
	}
	defer s.noResponseBusy.Store(false)

	start := s.now()
	subjects, err := s.store.FindIdleSubjects(ctx, s.opts.NoResponseAfter)
	if err != nil {
		s.logger.Error("scan.failed", "scan", "no_response", "error", err.Error())
		return
	}

	fired := 0
	for _, sub := range subjects {
		if sub.Idle < s.opts.NoResponseAfter {
			continue
		}
		days := int(sub.Idle.Hours() / 24)
		s.bus.Dispatch(ctx, core.NewTrigger(core.EventNoResponse, map[string]any{
			"subjectId":          sub.SubjectID,
			"daysWithoutContact": days,
		}))
		fired++
	}

	s.logScan("no_response", len(subjects), fired, s.now().Sub(start))
}

// ScanAbandoned transitions active sessions idle past the session timeout to
// abandoned and fires a session_abandoned trigger per session. One bad
// record does not abort the remainder of the scan.
func (s *Scheduler) ScanAbandoned(ctx context.Context) {
	if !s.abandonedBusy.CompareAndSwap(false, true) {
		s.logger.Debug("scan.skipped", "scan", "abandoned", "reason", "already running")
		return
	}
	defer s.abandonedBusy.Store(false)

	start := s.now()
	sessions, err := s.store.FindActiveIdle(ctx, s.opts.SessionTimeout)
	if err != nil {
		s.logger.Error("scan.failed", "scan", "abandoned", "error", err.Error())
		return
	}

	fired := 0
	for _, sess := range sessions {
		if err := s.markAbandoned(ctx, sess); err != nil {
			s.logger.Warn("scan.record_failed", "scan", "abandoned", "session_id", sess.ID, "error", err.Error())
			continue
		}
		s.bus.Dispatch(ctx, core.NewTrigger(core.EventSessionAbandoned, map[string]any{
			"subjectId": sess.SubjectID,
			"sessionId": sess.ID,
			"channel":   sess.Channel,
		}))
		fired++
	}

	s.logScan("abandoned", len(sessions), fired, s.now().Sub(start))
}

func (s *Scheduler) markAbandoned(ctx context.Context, sess *core.Session) error {
	idle := sess.IdleFor(s.now())
	err := s.store.MarkTerminal(ctx, sess.ID, core.SessionAbandoned, fmt.Sprintf("idle for %s", idle.Round(time.Second)))
	if errors.Is(err, core.ErrSessionTerminal) {
		// Lost a race against a concurrent terminal transition; nothing to
		// fire for this session.
		return err
	}
	return err
}

// ScanArchival demotes sessions older than the retention window to archived
// and sweeps physically expired rows when the store supports it.
func (s *Scheduler) ScanArchival(ctx context.Context) {
	if !s.archivalBusy.CompareAndSwap(false, true) {
		s.logger.Debug("scan.skipped", "scan", "archival", "reason", "already running")
		return
	}
	defer s.archivalBusy.Store(false)

	start := s.now()
	cutoff := s.now().Add(-s.opts.RetentionWindow)
	sessions, err := s.store.FindOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("scan.failed", "scan", "archival", "error", err.Error())
		return
	}

	archived := 0
	for _, sess := range sessions {
		if sess.Status == core.SessionArchived {
			continue
		}
		if err := s.store.Archive(ctx, sess.ID); err != nil {
			s.logger.Warn("scan.record_failed", "scan", "archival", "session_id", sess.ID, "error", err.Error())
			continue
		}
		s.bus.Dispatch(ctx, core.NewTrigger(core.EventSessionArchived, map[string]any{
			"subjectId": sess.SubjectID,
			"sessionId": sess.ID,
		}))
		archived++
	}

	if sweeper, ok := s.store.(core.ExpirySweeper); ok {
		removed, err := sweeper.SweepExpired(ctx)
		if err != nil {
			s.logger.Warn("scan.sweep_failed", "scan", "archival", "error", err.Error())
		} else if removed > 0 {
			s.logger.Info("scan.swept", "scan", "archival", "removed", removed)
		}
	}

	s.logScan("archival", len(sessions), archived, s.now().Sub(start))
}

func (s *Scheduler) logScan(scan string, examined, fired int, dur time.Duration) {
	if cl, ok := s.logger.(*logging.ConvoLogger); ok {
		cl.LogScanRun(scan, examined, fired, dur, nil)
		return
	}
	s.logger.Info("scan.done", "scan", scan, "examined", examined, "fired", fired, "duration_ms", dur.Milliseconds())
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
