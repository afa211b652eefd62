// Package status fans sync lifecycle events out to observers such as UI
// banners or the device's SSE stream.
package status

import (
	"io"
	"log/slog"
	"sync"

	"github.com/c.mueller/offline-sync/internal/models"
)

// Subscriber receives status events.
type Subscriber func(models.StatusEvent)

type subscription struct {
	id uint64
	fn Subscriber
}

// Bus delivers every published event to all current subscribers,
// synchronously and in subscription order. A panicking subscriber is
// recovered so the remaining subscribers still receive the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger discards panic reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every subscriber registered at the time of the
// call. Subscribers may subscribe or unsubscribe from inside the callback.
func (b *Bus) Publish(event models.StatusEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

// Len returns the number of current subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(s subscription, event models.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status subscriber panicked", "kind", event.Kind, "panic", r)
		}
	}()
	s.fn(event)
}
