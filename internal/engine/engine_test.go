package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c.mueller/offline-sync/internal/clock"
	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/queue"
	"github.com/c.mueller/offline-sync/internal/retry"
	"github.com/c.mueller/offline-sync/internal/syncer"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type remoteCall struct {
	method string
	path   string
	value  any
	at     time.Time
}

type fakeRemote struct {
	mu    sync.Mutex
	clock clock.Clock
	ready bool
	fail  func(path string) error
	calls []remoteCall
}

func (r *fakeRemote) record(method, path string, value any) error {
	r.mu.Lock()
	r.calls = append(r.calls, remoteCall{method, path, value, r.clock.Now()})
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(path)
	}
	return nil
}

func (r *fakeRemote) Set(_ context.Context, path string, value any) error {
	return r.record("set", path, value)
}

func (r *fakeRemote) Update(_ context.Context, path string, fields map[string]any) error {
	return r.record("update", path, fields)
}

func (r *fakeRemote) Delete(_ context.Context, path string) error {
	return r.record("delete", path, nil)
}

func (r *fakeRemote) Ready() bool { return r.ready }

func (r *fakeRemote) Calls() []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remoteCall, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeConn struct {
	mu        sync.Mutex
	online    bool
	callbacks map[int]func()
	next      int
}

func (c *fakeConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) OnOnline(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbacks == nil {
		c.callbacks = map[int]func(){}
	}
	c.next++
	id := c.next
	c.callbacks[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.callbacks, id)
	}
}

func (c *fakeConn) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	var fns []func()
	if online && !was {
		for _, fn := range c.callbacks {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type flakyLocal struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool
	writes  int
}

func (l *flakyLocal) GetItem(key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.data[key]
	return v, ok, nil
}

func (l *flakyLocal) SetItem(key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++
	if l.failing {
		return errors.New("QuotaExceededError")
	}
	if l.data == nil {
		l.data = map[string]string{}
	}
	l.data[key] = value
	return nil
}

func (l *flakyLocal) SetFailing(f bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = f
}

type staticIdentity string

func (s staticIdentity) DeviceID() string { return string(s) }

type harness struct {
	clock  *clock.Fake
	remote *fakeRemote
	conn   *fakeConn
	local  *flakyLocal
	engine *Engine
	events []models.StatusEvent
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewFake(start),
		conn:  &fakeConn{online: true},
		local: &flakyLocal{},
	}
	h.remote = &fakeRemote{clock: h.clock, ready: true}
	h.engine = h.newEngine(t, cfg)
	return h
}

func (h *harness) newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(Deps{
		Remote:       h.remote,
		Local:        h.local,
		Connectivity: h.conn,
		Identity:     staticIdentity("tablet-7"),
		Clock:        h.clock,
	}, cfg)
	require.NoError(t, err)
	e.Subscribe(func(ev models.StatusEvent) { h.events = append(h.events, ev) })
	t.Cleanup(e.Close)
	return e
}

func (h *harness) kinds() []models.EventKind {
	out := make([]models.EventKind, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Kind
	}
	return out
}

func (h *harness) count(kind models.EventKind) int {
	n := 0
	for _, ev := range h.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)

	_, err = New(Deps{Remote: &fakeRemote{}, Local: &flakyLocal{}}, Config{})
	assert.Error(t, err)
}

func TestEngine_OnePassDrainsQueueInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.engine

	paths := []string{"forms/a", "forms/b", "forms/c", "sites"}
	for _, p := range paths {
		_, err := e.Enqueue(models.SetOp{Path: p, Value: "v"})
		require.NoError(t, err)
	}
	require.Equal(t, 4, e.PendingCount())

	res := e.ProcessQueue(context.Background())

	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, 4, res.Synced)
	assert.Equal(t, 4, h.count(models.EventSynced))

	var got []string
	for _, c := range h.remote.Calls() {
		got = append(got, c.path)
	}
	assert.Equal(t, paths, got)

	// The queue on disk is empty too.
	assert.Empty(t, queue.NewStore(h.local, "", nil).Load())
}

func TestEngine_EnqueueGeneratesUniqueIDs(t *testing.T) {
	h := newHarness(t, Config{})

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		item, err := h.engine.Enqueue(models.DeleteOp{Path: "x"})
		require.NoError(t, err)
		assert.False(t, seen[item.ID])
		seen[item.ID] = true
	}
}

func TestEngine_AlwaysFailingItemIsDeadLetteredOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.fail = func(string) error { return errors.New("permission denied") }

	item, err := h.engine.Enqueue(models.UpdateOp{Path: "forms/f1", Fields: map[string]any{"a": 1}})
	require.NoError(t, err)

	h.engine.ProcessQueue(context.Background())
	h.clock.Advance(10 * time.Minute)

	assert.Len(t, h.remote.Calls(), retry.DefaultMaxRetries)
	assert.Equal(t, 0, h.engine.PendingCount())
	require.Equal(t, 1, h.count(models.EventFailed))

	var failed models.StatusEvent
	for _, ev := range h.events {
		if ev.Kind == models.EventFailed {
			failed = ev
		}
	}
	assert.Equal(t, item.ID, failed.Detail.ItemID)
	assert.Equal(t, retry.DefaultMaxRetries, failed.Detail.Attempts)
	assert.Contains(t, failed.Detail.Error, "permission denied")
	assert.Equal(t, "update forms/f1", failed.Detail.Operation)

	// It never comes back.
	h.clock.Advance(time.Hour)
	h.engine.ProcessQueue(context.Background())
	assert.Len(t, h.remote.Calls(), retry.DefaultMaxRetries)
	assert.Equal(t, 1, h.count(models.EventFailed))
}

func TestEngine_BackoffBetweenAttempts(t *testing.T) {
	h := newHarness(t, Config{Retry: retry.Policy{MaxRetries: 7}})
	h.remote.fail = func(string) error { return errors.New("unreachable") }

	_, err := h.engine.Enqueue(models.SetOp{Path: "sites", Value: []string{"A"}})
	require.NoError(t, err)

	h.engine.ProcessQueue(context.Background())
	h.clock.Advance(time.Hour)

	calls := h.remote.Calls()
	require.Len(t, calls, 7)

	var gaps []time.Duration
	for i := 1; i < len(calls); i++ {
		gaps = append(gaps, calls[i].at.Sub(calls[i-1].at))
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 5 * time.Second, 15 * time.Second,
		30 * time.Second, 60 * time.Second, 60 * time.Second,
	}, gaps)
}

func TestEngine_AttemptsArePersisted(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.fail = func(string) error { return errors.New("timeout") }

	_, err := h.engine.Enqueue(models.DeleteOp{Path: "forms/f9"})
	require.NoError(t, err)
	h.engine.ProcessQueue(context.Background())

	stored := queue.NewStore(h.local, "", nil).Load()
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Attempts)
	require.NotNil(t, stored[0].NextAttemptAt)
	assert.Equal(t, start.Add(time.Second).UnixMilli(), stored[0].NextAttemptAt.UnixMilli())
}

func TestEngine_FailuresDoNotBlockLaterItems(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.fail = func(path string) error {
		if path == "forms/bad" {
			return errors.New("rejected")
		}
		return nil
	}

	_, _ = h.engine.Enqueue(models.SetOp{Path: "forms/bad", Value: 1})
	_, _ = h.engine.Enqueue(models.SetOp{Path: "forms/good", Value: 2})

	res := h.engine.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Rescheduled)
	require.Equal(t, 1, h.engine.PendingCount())
	assert.Equal(t, models.SetOp{Path: "forms/bad", Value: 1}, h.engine.Pending()[0].Op)
}

func TestEngine_UnknownTypeIsDeadLetteredImmediately(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.engine.Enqueue(models.LegacyReplace{Collection: "photos", Data: []any{}})
	require.NoError(t, err)

	res := h.engine.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 0, h.engine.PendingCount())
	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, 1, h.count(models.EventFailed))
	// Only the enqueue trigger is pending, no retry timer.
	assert.Len(t, h.clock.Pending(), 1)
}

func TestEngine_OfflineThenOnline(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.SetOnline(false)
	h.engine.Start()

	_, err := h.engine.Enqueue(models.LegacyReplace{
		Collection: models.CollectionForms,
		Data:       []any{map[string]any{"id": "f1", "title": "Pre-start check"}},
	})
	require.NoError(t, err)

	res := h.engine.ProcessQueue(context.Background())
	assert.Equal(t, SkipOffline, res.Skipped)
	assert.Equal(t, 1, h.engine.PendingCount())
	assert.Equal(t, []models.EventKind{models.EventQueued}, h.kinds())

	// Coming back online schedules a pass.
	h.conn.SetOnline(true)
	h.clock.Advance(0)

	assert.Equal(t, 0, h.engine.PendingCount())
	assert.Equal(t, []models.EventKind{models.EventQueued, models.EventSynced}, h.kinds())
	calls := h.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "set", calls[0].method)
	assert.Equal(t, syncer.PathForms, calls[0].path)
}

func TestEngine_RemoteNotConfiguredIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.ready = false

	_, _ = h.engine.Enqueue(models.DeleteOp{Path: "a"})
	res := h.engine.ProcessQueue(context.Background())

	assert.Equal(t, SkipOffline, res.Skipped)
	assert.Equal(t, 1, h.engine.PendingCount())
	assert.Empty(t, h.remote.Calls())
}

func TestEngine_CircuitOpensAfterThreeStorageFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.local.SetFailing(true)

	for i := 0; i < 3; i++ {
		_, err := h.engine.Enqueue(models.SetOp{Path: "forms/x", Value: i})
		require.NoError(t, err, "storage failures are not surfaced to producers")
	}
	require.Equal(t, models.BreakerOpen, h.engine.Breaker().State)
	assert.Equal(t, 1, h.count(models.EventCircuitOpen))

	writes := h.local.writes
	_, err := h.engine.Enqueue(models.SetOp{Path: "forms/y", Value: 4})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, h.engine.PendingCount(), "rejected enqueue must not mutate the queue")
	assert.Equal(t, writes, h.local.writes, "rejected enqueue must not touch storage")

	last := h.events[len(h.events)-1]
	assert.Equal(t, models.EventCircuitOpen, last.Kind)
	assert.Equal(t, models.ReasonEnqueueBlocked, last.Detail.Reason)

	// Flushes are rejected during cooldown, with no remote call.
	res := h.engine.ProcessQueue(context.Background())
	assert.Equal(t, SkipCircuitOpen, res.Skipped)
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.remote.Calls())

	// After the cooldown a pass runs as a half-open trial.
	h.local.SetFailing(false)
	h.clock.Advance(time.Minute)
	res = h.engine.ProcessQueue(context.Background())

	assert.Equal(t, SkipNone, res.Skipped)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 0, h.engine.PendingCount())
	assert.Equal(t, models.BreakerClosed, h.engine.Breaker().State)
}

func TestEngine_HalfOpenTrialFailureReopens(t *testing.T) {
	h := newHarness(t, Config{})
	h.local.SetFailing(true)
	for i := 0; i < 3; i++ {
		_, _ = h.engine.Enqueue(models.SetOp{Path: "forms/x", Value: i})
	}
	require.Equal(t, models.BreakerOpen, h.engine.Breaker().State)

	h.clock.Advance(2 * time.Minute)
	res := h.engine.ProcessQueue(context.Background())

	// The first item synced remotely, but recording that locally failed.
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, SkipCircuitOpen, res.Skipped)
	snap := h.engine.Breaker()
	assert.Equal(t, models.BreakerOpen, snap.State)
	require.NotNil(t, snap.OpenedAt)
	assert.True(t, snap.OpenedAt.Equal(start.Add(2*time.Minute)))
	assert.Equal(t, 2, h.count(models.EventCircuitOpen))
}

func TestEngine_ResetCircuitBreakerUnblocksQueue(t *testing.T) {
	h := newHarness(t, Config{})
	h.local.SetFailing(true)
	for i := 0; i < 3; i++ {
		_, _ = h.engine.Enqueue(models.SetOp{Path: "forms/x", Value: i})
	}
	require.Equal(t, models.BreakerOpen, h.engine.Breaker().State)
	h.local.SetFailing(false)

	h.engine.ResetCircuitBreaker()

	snap := h.engine.Breaker()
	assert.Equal(t, models.BreakerClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveErrors)
	assert.Nil(t, snap.OpenedAt)
	assert.Equal(t, models.EventCircuitReset, h.events[len(h.events)-1].Kind)

	res := h.engine.ProcessQueue(context.Background())
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 0, h.engine.PendingCount())

	// Resetting a closed breaker is fine too.
	h.engine.ResetCircuitBreaker()
	assert.Equal(t, models.BreakerClosed, h.engine.Breaker().State)
}

func TestEngine_RemoteFailuresDoNotOpenCircuit(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.fail = func(string) error { return errors.New("503") }

	for i := 0; i < 5; i++ {
		_, _ = h.engine.Enqueue(models.DeleteOp{Path: "p"})
	}
	h.engine.ProcessQueue(context.Background())
	h.clock.Advance(time.Hour)

	assert.Equal(t, models.BreakerClosed, h.engine.Breaker().State)
	assert.Equal(t, 5, h.count(models.EventFailed))
}

func TestEngine_RetryAllResetsAttempts(t *testing.T) {
	h := newHarness(t, Config{})
	failing := true
	h.remote.fail = func(string) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}

	_, _ = h.engine.Enqueue(models.DeleteOp{Path: "a"})
	h.engine.ProcessQueue(context.Background())
	h.clock.Advance(7 * time.Second)
	require.Equal(t, 3, h.engine.Pending()[0].Attempts)

	failing = false
	require.NoError(t, h.engine.RetryAll())
	item := h.engine.Pending()[0]
	assert.Equal(t, 0, item.Attempts)
	assert.Nil(t, item.NextAttemptAt)

	h.clock.Advance(0)
	assert.Equal(t, 0, h.engine.PendingCount())
	assert.Equal(t, 1, h.count(models.EventSynced))
}

func TestEngine_StartDropsExhaustedItems(t *testing.T) {
	h := newHarness(t, Config{})
	h.local.data = map[string]string{
		queue.DefaultKey: `[
			{"id":"old","type":"sites","data":["A"],"timestamp":1,"attempts":5},
			{"id":"fresh","type":"sites","data":["B"],"timestamp":2,"attempts":1}
		]`,
	}

	e := h.newEngine(t, Config{})
	require.Equal(t, 2, e.PendingCount())
	e.Start()

	require.Equal(t, 1, e.PendingCount())
	assert.Equal(t, "fresh", e.Pending()[0].ID)
	require.Equal(t, 1, h.count(models.EventFailed))
	assert.Equal(t, "old", h.events[0].Detail.ItemID)
}

func TestEngine_ItemResolvedMidCallIsNotCounted(t *testing.T) {
	h := newHarness(t, Config{})
	h.local.data = map[string]string{
		queue.DefaultKey: `[{"id":"old","type":"sites","data":["A"],"timestamp":1,"attempts":5}]`,
	}
	e := h.newEngine(t, Config{})

	// Startup purges the exhausted item while its call is still running.
	h.remote.fail = func(string) error {
		e.Start()
		return errors.New("503 service unavailable")
	}

	res := e.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.Attempted)
	assert.Zero(t, res.Rescheduled)
	assert.Zero(t, res.DeadLettered)
	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, 1, h.count(models.EventFailed), "only the startup purge reports the item")
	for _, d := range h.clock.Pending() {
		assert.Zero(t, d, "no retry is scheduled for a vanished item")
	}
}

func TestEngine_SingleFlightCoalescesTriggers(t *testing.T) {
	h := newHarness(t, Config{})

	var inner PassResult
	reentered := false
	h.remote.fail = func(string) error {
		if !reentered {
			reentered = true
			// A trigger arriving mid-pass must not start a second pass.
			inner = h.engine.ProcessQueue(context.Background())
			_, _ = h.engine.Enqueue(models.SetOp{Path: "late", Value: 1})
		}
		return nil
	}

	_, _ = h.engine.Enqueue(models.SetOp{Path: "early", Value: 1})
	res := h.engine.ProcessQueue(context.Background())

	assert.Equal(t, SkipInFlight, inner.Skipped)
	assert.Equal(t, 2, res.Passes, "the mid-pass trigger runs exactly one follow-up pass")
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 0, h.engine.PendingCount())

	var paths []string
	for _, c := range h.remote.Calls() {
		paths = append(paths, c.path)
	}
	assert.Equal(t, []string{"early", "late"}, paths)
}

func TestEngine_ClosedEngineDoesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	_, _ = h.engine.Enqueue(models.DeleteOp{Path: "a"})

	h.engine.Close()
	res := h.engine.ProcessQueue(context.Background())

	assert.Equal(t, SkipClosed, res.Skipped)
	assert.Equal(t, 1, h.engine.PendingCount())
}
