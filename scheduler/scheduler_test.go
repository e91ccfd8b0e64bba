package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/internal/testutil"
	"github.com/convomesh/convomesh/session"
	"github.com/convomesh/convomesh/trigger"
)

type recordingHandler struct {
	mu       sync.Mutex
	triggers []core.Trigger
}

func (h *recordingHandler) handle(_ context.Context, trg core.Trigger) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggers = append(h.triggers, trg)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.triggers)
}

func (h *recordingHandler) all() []core.Trigger {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.Trigger, len(h.triggers))
	copy(out, h.triggers)
	return out
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) Chan() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()                  {}

func TestScanNoResponseFiresPerIdleSubject(t *testing.T) {
	store := session.NewInMemoryStore()
	store.Seed(testutil.NewSessionBuilder().
		Subject("subj-idle").Channel("sms").
		Status(core.SessionWaiting).
		Idle(10 * 24 * time.Hour).
		Build())
	store.Seed(testutil.NewSessionBuilder().
		Subject("subj-fresh").Channel("sms").
		Status(core.SessionWaiting).
		Idle(2 * 24 * time.Hour).
		Build())

	bus := trigger.NewBus()
	rec := &recordingHandler{}
	bus.Register(core.EventNoResponse, "rec", rec.handle)

	s := New(store, bus, func(o *Options) {
		o.NoResponseAfter = 7 * 24 * time.Hour
	})

	s.ScanNoResponse(context.Background())

	fired := rec.all()
	require.Len(t, fired, 1, "only the subject past the threshold fires")
	assert.Equal(t, "subj-idle", fired[0].Payload["subjectId"])
	assert.Equal(t, 10, fired[0].Payload["daysWithoutContact"])
}

func TestScanNoResponseNotRefiredAfterContact(t *testing.T) {
	store := session.NewInMemoryStore()
	sess := testutil.NewSessionBuilder().
		Subject("subj-1").Channel("sms").
		Status(core.SessionWaiting).
		Idle(10 * 24 * time.Hour).
		Build()
	store.Seed(sess)

	bus := trigger.NewBus()
	rec := &recordingHandler{}
	bus.Register(core.EventNoResponse, "rec", rec.handle)

	s := New(store, bus, func(o *Options) {
		o.NoResponseAfter = 7 * 24 * time.Hour
	})

	s.ScanNoResponse(context.Background())
	require.Equal(t, 1, rec.count())

	// A qualifying interaction resets last-activity; the next tick must not
	// re-fire.
	sess.Touch()
	store.Seed(sess)

	s.ScanNoResponse(context.Background())
	assert.Equal(t, 1, rec.count())
}

func TestScanAbandonedTransitionsAndFires(t *testing.T) {
	store := session.NewInMemoryStore()
	stale := testutil.NewSessionBuilder().
		Subject("subj-1").Channel("web").
		Status(core.SessionActive).
		Idle(2 * time.Hour).
		Build()
	store.Seed(stale)
	store.Seed(testutil.NewSessionBuilder().
		Subject("subj-2").Channel("web").
		Status(core.SessionActive).
		Idle(time.Minute).
		Build())

	bus := trigger.NewBus()
	rec := &recordingHandler{}
	bus.Register(core.EventSessionAbandoned, "rec", rec.handle)

	s := New(store, bus, func(o *Options) {
		o.SessionTimeout = 30 * time.Minute
	})

	s.ScanAbandoned(context.Background())

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "subj-1", rec.all()[0].Payload["subjectId"])

	reloaded, err := store.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionAbandoned, reloaded.Status)

	// Second pass finds nothing: the session is no longer active.
	s.ScanAbandoned(context.Background())
	assert.Equal(t, 1, rec.count())
}

func TestScanArchivalDemotesOldSessions(t *testing.T) {
	store := session.NewInMemoryStore()
	old := testutil.NewSessionBuilder().
		Subject("subj-old").Channel("web").
		Status(core.SessionCompleted).
		Idle(60 * 24 * time.Hour).
		Build()
	store.Seed(old)
	store.Seed(testutil.NewSessionBuilder().
		Subject("subj-recent").Channel("web").
		Status(core.SessionCompleted).
		Idle(24 * time.Hour).
		Build())

	bus := trigger.NewBus()
	rec := &recordingHandler{}
	bus.Register(core.EventSessionArchived, "rec", rec.handle)

	s := New(store, bus, func(o *Options) {
		o.RetentionWindow = 30 * 24 * time.Hour
	})

	s.ScanArchival(context.Background())

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "subj-old", rec.all()[0].Payload["subjectId"])

	reloaded, err := store.Get(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionArchived, reloaded.Status)

	// Already archived sessions are not re-fired.
	s.ScanArchival(context.Background())
	assert.Equal(t, 1, rec.count())
}

func TestScanSkipsWhenAlreadyRunning(t *testing.T) {
	store := session.NewInMemoryStore()
	store.Seed(testutil.NewSessionBuilder().
		Subject("subj-1").Channel("sms").
		Status(core.SessionWaiting).
		Idle(10 * 24 * time.Hour).
		Build())

	bus := trigger.NewBus()
	entered := make(chan struct{})
	release := make(chan struct{})
	bus.Register(core.EventNoResponse, "blocker", func(ctx context.Context, trg core.Trigger) error {
		close(entered)
		<-release
		return nil
	})

	s := New(store, bus, func(o *Options) {
		o.NoResponseAfter = 7 * 24 * time.Hour
	})

	go s.ScanNoResponse(context.Background())
	<-entered

	// The overlapping tick is skipped while the first run holds the guard.
	s.ScanNoResponse(context.Background())
	close(release)
}

func TestSchedulerLifecycle(t *testing.T) {
	store := session.NewInMemoryStore()
	store.Seed(testutil.NewSessionBuilder().
		Subject("subj-1").Channel("sms").
		Status(core.SessionWaiting).
		Idle(10 * 24 * time.Hour).
		Build())

	bus := trigger.NewBus()
	rec := &recordingHandler{}
	bus.Register(core.EventNoResponse, "rec", rec.handle)

	s := New(store, bus)

	noResponse := &manualTicker{ch: make(chan time.Time, 1)}
	idle := &manualTicker{ch: make(chan time.Time)}
	fed := false
	s.tickerFactory = func(time.Duration) ticker {
		if !fed {
			fed = true
			return noResponse
		}
		return idle
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	noResponse.ch <- time.Now()
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent

	// A restarted scheduler keeps working.
	fed = false
	require.NoError(t, s.Start(ctx))
	s.Stop()
}
