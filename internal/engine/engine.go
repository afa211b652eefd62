// Package engine is the offline-first sync engine. It accepts writes from
// local producers, keeps them in a durable queue and replays them against
// the remote store when connectivity allows, with per-item exponential
// backoff, dead-lettering and a circuit breaker guarding local storage.
//
// An Engine is built from explicit collaborators (remote store, local
// store, connectivity signal, device identity, clock) so every one of them
// can be replaced in tests. There is no package-level state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c.mueller/offline-sync/internal/breaker"
	"github.com/c.mueller/offline-sync/internal/clock"
	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/queue"
	"github.com/c.mueller/offline-sync/internal/retry"
	"github.com/c.mueller/offline-sync/internal/status"
	"github.com/c.mueller/offline-sync/internal/syncer"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RemoteStore is the remote shared store. Ready reports whether it is
// configured well enough to accept writes.
type RemoteStore interface {
	syncer.Remote
	Ready() bool
}

// Connectivity is the device's online/offline signal.
type Connectivity interface {
	Online() bool
	// OnOnline registers fn to run whenever the device comes back online.
	OnOnline(fn func()) (unsubscribe func())
}

// Identity supplies the stable device identifier stamped on form writes.
type Identity interface {
	DeviceID() string
}

// Deps are the engine's collaborators. Remote, Local and Connectivity are
// required.
type Deps struct {
	Remote       RemoteStore
	Local        queue.LocalStore
	Connectivity Connectivity
	Identity     Identity
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	QueueKey         string
	Retry            retry.Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RemoteTimeout    time.Duration
}

// Engine is the sync engine. All exported methods are safe for concurrent
// use.
type Engine struct {
	store    *queue.Store
	breaker  *breaker.Breaker
	policy   retry.Policy
	executor *syncer.Executor
	remote   RemoteStore
	conn     Connectivity
	identity Identity
	clock    clock.Clock
	bus      *status.Bus
	logger   *slog.Logger

	// mu guards items. It is never held across remote calls or while
	// subscribers run.
	mu    sync.Mutex
	items []models.QueueItem

	flight flightGuard

	ctx         context.Context
	cancel      context.CancelFunc
	startOnce   sync.Once
	closeOnce   sync.Once
	unsubOnline func()
}

// New builds an engine and loads the persisted queue.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if deps.Local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if deps.Connectivity == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Identity == nil {
		deps.Identity = anonymous{}
	}

	policy := cfg.Retry
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = retry.DefaultMaxRetries
	}
	if len(policy.Backoff) == 0 {
		policy.Backoff = retry.DefaultPolicy().Backoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With("component", "engine")

	e := &Engine{
		store:    queue.NewStore(deps.Local, cfg.QueueKey, logger),
		breaker:  breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		policy:   policy,
		executor: syncer.NewExecutor(deps.Remote, cfg.RemoteTimeout),
		remote:   deps.Remote,
		conn:     deps.Connectivity,
		identity: deps.Identity,
		clock:    deps.Clock,
		bus:      status.NewBus(logger),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.items = e.store.Load()

	return e, nil
}

// Start dead-letters loaded items that already exhausted their retries,
// subscribes to the online signal and schedules the first pass.
// Subscribers registered before Start see the resulting events.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.purgeExhausted()
		e.unsubOnline = e.conn.OnOnline(func() {
			e.logger.Info("connectivity restored, scheduling flush")
			e.Trigger()
		})
		e.logger.Info("sync engine started", "pending", e.PendingCount())
		e.Trigger()
	})
}

// Close stops reacting to connectivity changes and cancels in-flight
// remote calls. Timers already scheduled still fire but find the engine
// closed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.unsubOnline != nil {
			e.unsubOnline()
		}
		e.cancel()
	})
}

// Subscribe registers fn for status events and returns its unsubscribe
// function.
func (e *Engine) Subscribe(fn status.Subscriber) func() {
	return e.bus.Subscribe(fn)
}

// Enqueue durably queues op and schedules a flush. The only error is
// ErrCircuitOpen: local persistence failures are absorbed by the circuit
// breaker and the item stays in the in-memory queue.
func (e *Engine) Enqueue(op models.Operation) (models.QueueItem, error) {
	if op == nil {
		return models.QueueItem{}, fmt.Errorf("enqueue: operation cannot be nil")
	}

	now := e.clock.Now()
	if !e.breaker.Allow(now) {
		e.logger.Warn("enqueue rejected, circuit open", "operation", op.Label())
		e.publish(models.EventCircuitOpen, models.EventDetail{
			Operation: op.Label(),
			Reason:    models.ReasonEnqueueBlocked,
			Pending:   e.PendingCount(),
		})
		return models.QueueItem{}, ErrCircuitOpen
	}

	item := models.QueueItem{
		ID:         uuid.NewString(),
		Op:         op,
		EnqueuedAt: now,
	}

	e.mu.Lock()
	e.items = append(e.items, item)
	opened := e.persistLocked()
	pending := len(e.items)
	e.mu.Unlock()

	e.logger.Debug("queued", "id", item.ID, "operation", op.Label(), "pending", pending)
	e.publish(models.EventQueued, models.EventDetail{
		ItemID:    item.ID,
		Operation: op.Label(),
		Pending:   pending,
	})
	if opened {
		e.publishBreakerOpened(pending)
	}

	e.Trigger()
	return item, nil
}

// Trigger schedules a flush pass as soon as possible without blocking the
// caller.
func (e *Engine) Trigger() {
	e.clock.AfterFunc(0, func() {
		e.ProcessQueue(e.ctx)
	})
}

// RetryAll clears every item's attempt counter and backoff and schedules a
// pass.
func (e *Engine) RetryAll() error {
	if !e.breaker.Allow(e.clock.Now()) {
		return ErrCircuitOpen
	}

	e.mu.Lock()
	for i := range e.items {
		e.items[i].Attempts = 0
		e.items[i].NextAttemptAt = nil
	}
	opened := e.persistLocked()
	pending := len(e.items)
	e.mu.Unlock()

	e.logger.Info("retrying all queued items", "pending", pending)
	if opened {
		e.publishBreakerOpened(pending)
	}

	e.Trigger()
	return nil
}

// ResetCircuitBreaker closes the circuit regardless of its state and
// schedules a pass so blocked items can flush.
func (e *Engine) ResetCircuitBreaker() {
	e.breaker.Reset()
	e.logger.Info("circuit breaker reset")
	e.publish(models.EventCircuitReset, models.EventDetail{Pending: e.PendingCount()})
	e.Trigger()
}

// PendingCount returns the number of queued items.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Pending returns a copy of the queue in enqueue order.
func (e *Engine) Pending() []models.QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.QueueItem, len(e.items))
	copy(out, e.items)
	return out
}

// Breaker returns the circuit breaker state.
func (e *Engine) Breaker() models.BreakerSnapshot {
	return e.breaker.Snapshot()
}

// purgeExhausted dead-letters items loaded with attempts >= MaxRetries.
func (e *Engine) purgeExhausted() {
	e.mu.Lock()
	var dropped []models.QueueItem
	kept := e.items[:0]
	for _, item := range e.items {
		if item.Attempts >= e.policy.MaxRetries {
			dropped = append(dropped, item)
			continue
		}
		kept = append(kept, item)
	}
	e.items = kept

	opened := false
	if len(dropped) > 0 {
		opened = e.persistLocked()
	}
	pending := len(e.items)
	e.mu.Unlock()

	for _, item := range dropped {
		e.logger.Warn("dropping exhausted queue item", "id", item.ID, "operation", item.Op.Label(), "attempts", item.Attempts)
		e.publish(models.EventFailed, models.EventDetail{
			ItemID:    item.ID,
			Operation: item.Op.Label(),
			Attempts:  item.Attempts,
			Error:     "retries exhausted before startup",
			Pending:   pending,
		})
	}
	if opened {
		e.publishBreakerOpened(pending)
	}
}

// persistLocked writes the queue and feeds the result to the breaker. It
// reports whether this write opened the circuit. e.mu must be held.
func (e *Engine) persistLocked() (opened bool) {
	if err := e.store.Save(e.items); err != nil {
		e.logger.Warn("failed to persist offline queue", "error", err, "pending", len(e.items))
		return e.breaker.RecordFailure(e.clock.Now())
	}
	e.breaker.RecordSuccess()
	return false
}

func (e *Engine) publishBreakerOpened(pending int) {
	snap := e.breaker.Snapshot()
	e.logger.Error("circuit breaker opened after repeated storage failures",
		"consecutive_errors", snap.ConsecutiveErrors, "cooldown", e.breaker.Cooldown())
	e.publish(models.EventCircuitOpen, models.EventDetail{
		Reason:  models.ReasonStorageFailures,
		Pending: pending,
	})
}

func (e *Engine) publish(kind models.EventKind, detail models.EventDetail) {
	detail.Time = e.clock.Now()
	e.bus.Publish(models.StatusEvent{Kind: kind, Detail: detail})
}

type anonymous struct{}

func (anonymous) DeviceID() string { return "unknown-device" }
