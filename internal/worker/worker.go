package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c.mueller/offline-sync/internal/engine"
)

// DefaultInterval is the sweep period when none is configured
const DefaultInterval = 30 * time.Second

// Flusher is the part of the engine the worker drives
type Flusher interface {
	PendingCount() int
	ProcessQueue(ctx context.Context) engine.PassResult
}

// Worker periodically sweeps the queue. Enqueues, retries and reconnects
// already trigger passes; the sweep catches what they miss, most notably
// the end of a circuit breaker cooldown, which nothing else signals.
type Worker struct {
	flusher    Flusher
	interval   time.Duration
	shutdown   chan struct{}
	done       chan struct{}
	ticker     *time.Ticker
	processing atomic.Bool
	sweeps     sync.WaitGroup
	stopOnce   sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new worker instance
func New(flusher Flusher, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		flusher:  flusher,
		interval: interval,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the worker loop
func (w *Worker) Start() {
	log.Printf("[INFO] Flush worker starting (interval %v)...", w.interval)

	w.ticker = time.NewTicker(w.interval)

	go w.workerLoop()
	log.Printf("[INFO] Flush worker started successfully")
}

// Stop gracefully shuts down the worker and waits for a running sweep.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		log.Printf("[INFO] Flush worker stopping...")
		close(w.shutdown)
		w.cancel()

		if w.ticker != nil {
			w.ticker.Stop()
			<-w.done
		}
		w.sweeps.Wait()

		log.Printf("[INFO] Flush worker stopped")
	})
}

// workerLoop is the main worker loop
func (w *Worker) workerLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ticker.C:
			// Skip the tick if the previous sweep is still running
			if !w.processing.CompareAndSwap(false, true) {
				log.Printf("[DEBUG] Sweep still running, skipping tick")
				continue
			}
			w.sweeps.Add(1)
			go func() {
				defer w.sweeps.Done()
				defer w.processing.Store(false)
				w.sweep()
			}()

		case <-w.shutdown:
			log.Printf("[INFO] Flush worker loop exiting")
			return
		}
	}
}

// sweep runs a pass if anything is pending
func (w *Worker) sweep() {
	pending := w.flusher.PendingCount()
	if pending == 0 {
		return
	}

	res := w.flusher.ProcessQueue(w.ctx)
	switch res.Skipped {
	case engine.SkipNone:
		if res.Attempted > 0 {
			log.Printf("[INFO] Sweep synced %d of %d item(s), %d rescheduled, %d dead-lettered",
				res.Synced, pending, res.Rescheduled, res.DeadLettered)
		}
	case engine.SkipInFlight:
		// A triggered pass is already running and will pick up the rest.
	default:
		log.Printf("[DEBUG] Sweep skipped (%s), %d item(s) pending", res.Skipped, pending)
	}
}
