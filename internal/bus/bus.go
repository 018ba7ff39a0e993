// Package bus is the in-process pub/sub fabric connecting the scheduler,
// orchestrator, tool broker and store consumers. Dispatch is synchronous and
// ordered; a failing handler never prevents the remaining handlers from
// running.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one event dispatch. The returned value is collected into
// the dispatch result slice; errors are logged and recorded as nil results.
type Handler func(ctx context.Context, ev Event) (any, error)

// Event is one published occurrence on the bus.
type Event struct {
	Name    string
	Payload any
}

type subscription struct {
	id      string
	handler Handler
}

// Bus routes events to subscribed handlers in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler under (event, id). A duplicate (event, id) pair
// is a no-op. The returned func unsubscribes.
func (b *Bus) Subscribe(event, id string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs[event] {
		if s.id == id {
			return func() { b.Unsubscribe(event, id) }
		}
	}
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})
	return func() { b.Unsubscribe(event, id) }
}

// Unsubscribe removes the handler registered under (event, id).
func (b *Bus) Unsubscribe(event, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[event]
	for i, s := range subs {
		if s.id == id {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Dispatch invokes every handler subscribed to event, in registration order,
// on the calling goroutine. A handler error or panic is logged and its slot in
// the result slice is nil; subsequent handlers still run.
func (b *Bus) Dispatch(ctx context.Context, event string, payload any) []any {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	ev := Event{Name: event, Payload: payload}
	results := make([]any, len(subs))
	for i, s := range subs {
		results[i] = b.invoke(ctx, s, ev)
	}
	return results
}

// Go dispatches on a fresh goroutine for fire-and-forget producers.
func (b *Bus) Go(ctx context.Context, event string, payload any) {
	go b.Dispatch(ctx, event, payload)
}

func (b *Bus) invoke(ctx context.Context, s subscription, ev Event) (result any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler.panic", "event", ev.Name, "handler", s.id, "panic", r)
			result = nil
		}
	}()

	res, err := s.handler(ctx, ev)
	if err != nil {
		slog.Warn("bus.handler.error", "event", ev.Name, "handler", s.id, "error", err)
		return nil
	}
	return res
}

// SubscriberCount reports how many handlers are registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
