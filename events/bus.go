// Package events provides the typed in-process event bus shared by all
// veilcrawl components. Each component publishes a small closed set of
// event kinds; subscribers receive tagged events and must not block.
//
// The dispatcher subscribes once and relays events to connected clients
// as server-push frames, so no component needs to know about transports.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a tagged notification emitted by a component.
type Event struct {
	// Kind identifies the event, e.g. "window-acquired", "proxy:blacklisted",
	// "rate-limit-delay", "verification-failed".
	Kind string `json:"type"`
	// Source names the emitting component: "pool", "pages", "proxy",
	// "cookies", "recorder", "evidence".
	Source string `json:"source,omitempty"`
	// Time is the emission timestamp.
	Time time.Time `json:"timestamp"`
	// Data carries kind-specific payload fields.
	Data map[string]any `json:"data,omitempty"`
}

// Handler consumes an event. Handlers run on the publisher's goroutine
// when the subscriber buffer is full, so they must be fast.
type Handler func(Event)

// Bus fans events out to subscribers. Subscriptions are buffered; a slow
// subscriber drops events rather than blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]chan Event),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers an event to all subscribers. Never blocks: events to a
// full subscriber buffer are dropped and counted in the log.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("events: dropped event for slow subscriber",
				"kind", ev.Kind, "subscriber", id)
		}
	}
}

// Emit is a convenience for Publish with inline fields.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Kind: kind, Source: source, Time: time.Now(), Data: data})
}

// Subscribe registers a handler and returns an unsubscribe function.
// The handler runs on a dedicated goroutine fed by a buffered channel.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 256)
	b.subs[id] = ch
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range ch {
			h(ev)
		}
	}()

	return func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
}

// Close tears down all subscriptions and waits for handlers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
