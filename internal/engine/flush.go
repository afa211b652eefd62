package engine

import (
	"context"
	"sync"

	"github.com/c.mueller/offline-sync/internal/models"
)

// SkipReason explains why a pass did not run.
type SkipReason string

// Pass skip reasons
const (
	SkipNone        SkipReason = ""
	SkipInFlight    SkipReason = "in_flight"
	SkipCircuitOpen SkipReason = "circuit_open"
	SkipOffline     SkipReason = "offline"
	SkipClosed      SkipReason = "closed"
)

// PassResult summarizes one ProcessQueue call, including any coalesced
// re-runs it performed.
type PassResult struct {
	Skipped      SkipReason `json:"skipped,omitempty"`
	Passes       int        `json:"passes"`
	Attempted    int        `json:"attempted"`
	Synced       int        `json:"synced"`
	Rescheduled  int        `json:"rescheduled"`
	DeadLettered int        `json:"dead_lettered"`
	NotDue       int        `json:"not_due"`
}

func (r *PassResult) add(o PassResult) {
	r.Skipped = o.Skipped
	r.Passes += o.Passes
	r.Attempted += o.Attempted
	r.Synced += o.Synced
	r.Rescheduled += o.Rescheduled
	r.DeadLettered += o.DeadLettered
	r.NotDue += o.NotDue
}

// flightGuard lets one pass run at a time. A trigger arriving while a pass
// is active is folded into a single follow-up pass.
type flightGuard struct {
	mu      sync.Mutex
	running bool
	rerun   bool
}

// acquire reports whether the caller may run a pass. Otherwise a re-run is
// requested from the active pass.
func (g *flightGuard) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		g.rerun = true
		return false
	}
	g.running = true
	return true
}

// release ends the active pass unless a re-run was requested, in which case
// it consumes the request and reports true.
func (g *flightGuard) release() (again bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rerun {
		g.rerun = false
		return true
	}
	g.running = false
	return false
}

// ProcessQueue runs one pass over the queue: items are attempted one at a
// time in enqueue order, successes are removed and reported as synced and
// failures are handed to the retry policy. Nothing happens while the
// circuit is open (before cooldown), while offline, or while the remote
// store is not configured.
//
// If a pass is already running, ProcessQueue asks it to run once more and
// returns immediately with Skipped == SkipInFlight.
func (e *Engine) ProcessQueue(ctx context.Context) PassResult {
	if !e.flight.acquire() {
		return PassResult{Skipped: SkipInFlight}
	}

	var total PassResult
	for {
		total.add(e.runPass(ctx))
		if !e.flight.release() {
			return total
		}
		e.logger.Debug("running coalesced flush pass")
	}
}

func (e *Engine) runPass(ctx context.Context) PassResult {
	if ctx.Err() != nil || e.ctx.Err() != nil {
		return PassResult{Skipped: SkipClosed}
	}
	if !e.breaker.Allow(e.clock.Now()) {
		return PassResult{Skipped: SkipCircuitOpen}
	}
	if !e.conn.Online() || !e.remote.Ready() {
		return PassResult{Skipped: SkipOffline}
	}

	snapshot := e.Pending()
	res := PassResult{Passes: 1}
	if len(snapshot) == 0 {
		return res
	}

	e.logger.Debug("flush pass started", "pending", len(snapshot))
	for _, item := range snapshot {
		if ctx.Err() != nil || e.ctx.Err() != nil {
			break
		}
		// Storage failures during this pass may have opened the circuit.
		if e.breaker.Snapshot().State == models.BreakerOpen {
			res.Skipped = SkipCircuitOpen
			break
		}
		if !item.Due(e.clock.Now()) {
			res.NotDue++
			continue
		}

		res.Attempted++
		err := e.executor.Execute(ctx, item)
		if err == nil {
			e.complete(item)
			res.Synced++
			continue
		}

		switch e.fail(item, err) {
		case failDeadLettered:
			res.DeadLettered++
		case failRescheduled:
			res.Rescheduled++
		}
	}

	e.logger.Debug("flush pass finished",
		"attempted", res.Attempted, "synced", res.Synced,
		"rescheduled", res.Rescheduled, "dead_lettered", res.DeadLettered)
	return res
}

// complete removes a successfully synced item.
func (e *Engine) complete(item models.QueueItem) {
	e.mu.Lock()
	e.removeLocked(item.ID)
	opened := e.persistLocked()
	pending := len(e.items)
	e.mu.Unlock()

	e.logger.Info("synced", "id", item.ID, "operation", item.Op.Label(), "pending", pending)
	e.publish(models.EventSynced, models.EventDetail{
		ItemID:    item.ID,
		Operation: item.Op.Label(),
		Attempts:  item.Attempts,
		Pending:   pending,
	})
	if opened {
		e.publishBreakerOpened(pending)
	}
}

type failOutcome int

const (
	failRescheduled failOutcome = iota
	failDeadLettered
	// The item left the queue while its remote call was in flight.
	failGone
)

// fail applies the retry policy to a failed item.
func (e *Engine) fail(item models.QueueItem, cause error) failOutcome {
	e.mu.Lock()
	idx := e.indexLocked(item.ID)
	if idx < 0 {
		e.mu.Unlock()
		e.logger.Debug("failed item already resolved", "id", item.ID, "error", cause)
		return failGone
	}

	cur := e.items[idx]
	decision := e.policy.Next(cur.Attempts, cause)
	now := e.clock.Now()

	if decision.DeadLetter {
		e.removeLocked(cur.ID)
	} else {
		next := now.Add(decision.Delay)
		cur.Attempts = decision.Attempts
		cur.NextAttemptAt = &next
		e.items[idx] = cur
	}
	opened := e.persistLocked()
	pending := len(e.items)
	e.mu.Unlock()

	if decision.DeadLetter {
		e.logger.Error("dead-lettered queue item",
			"id", cur.ID, "operation", cur.Op.Label(), "attempts", decision.Attempts, "error", cause)
		e.publish(models.EventFailed, models.EventDetail{
			ItemID:    cur.ID,
			Operation: cur.Op.Label(),
			Attempts:  decision.Attempts,
			Error:     cause.Error(),
			Pending:   pending,
		})
	} else {
		e.logger.Warn("sync failed, will retry",
			"id", cur.ID, "operation", cur.Op.Label(), "attempts", decision.Attempts,
			"retry_in", decision.Delay, "error", cause)
		e.clock.AfterFunc(decision.Delay, func() {
			e.ProcessQueue(e.ctx)
		})
	}
	if opened {
		e.publishBreakerOpened(pending)
	}

	if decision.DeadLetter {
		return failDeadLettered
	}
	return failRescheduled
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.items {
		if e.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) removeLocked(id string) {
	if idx := e.indexLocked(id); idx >= 0 {
		e.items = append(e.items[:idx], e.items[idx+1:]...)
	}
}
