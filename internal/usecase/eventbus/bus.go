// Package eventbus fans federation events out to local listeners. Listeners
// run on their own goroutines so a slow one never blocks the publisher.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"autopilot/internal/domain"
)

// Handler receives one federation event.
type Handler func(ctx context.Context, event domain.FederationEvent)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.FederationEventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  bool // guarded by mu
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.FederationEventType][]subscription),
		logger: logger,
	}
}

// Publish hands event to every matching listener and returns immediately.
// Listeners get a context detached from the caller's cancellation, since the
// caller is usually an HTTP request that ends before they do.
//
// The read lock is held until every listener is counted in the wait group,
// so Close cannot start waiting between the closed check and wg.Add.
func (b *Bus) Publish(ctx context.Context, event domain.FederationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, sub := range b.typed[event.Type] {
		b.dispatch(detached, event, sub)
	}
	for _, sub := range b.allSubs {
		b.dispatch(detached, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.FederationEvent, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("federation listener panicked",
					"event_id", event.ID,
					"type", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.FederationEventType, handler Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = without(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Wait blocks until every listener dispatched so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close stops accepting events and waits for in-flight listeners.
// It is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
