package telemetry

import (
	"context"
	"errors"
	"sync"

	"flexcore.dev/flex/event"
)

type (
	// Bus fans out run lifecycle events to subscribers synchronously,
	// stopping at the first subscriber error. It is the in-process pub/sub
	// spine of the telemetry service: the coordinator, engine, and HITL
	// service emit through a Sink obtained from the bus, and observers
	// (metric aggregators, SSE bridges, test recorders) register for the
	// event types they care about.
	Bus interface {
		Publish(ctx context.Context, e event.FlexEvent) error
		// Register subscribes sub to the given lifecycle event types; with no
		// types, sub receives every event.
		Register(sub Subscriber, types ...event.Type) (Subscription, error)
		// Sink adapts the bus to event.Sink: every Send is published to the
		// bus and then forwarded to next (when non-nil). This is how the live
		// emit paths feed subscribers without knowing about them.
		Sink(next event.Sink) event.Sink
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		HandleEvent(ctx context.Context, e event.FlexEvent) error
	}

	// Subscription is an active registration; Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]subscriberEntry
	}

	subscriberEntry struct {
		sub   Subscriber
		types map[event.Type]bool // nil means every type
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}

	busSink struct {
		bus  *bus
		next event.Sink
	}
)

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]subscriberEntry)}
}

func (b *bus) Publish(ctx context.Context, e event.FlexEvent) error {
	b.mu.RLock()
	entries := make([]subscriberEntry, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		entries = append(entries, entry)
	}
	b.mu.RUnlock()
	for _, entry := range entries {
		if entry.types != nil && !entry.types[e.Type] {
			continue
		}
		if err := entry.sub.HandleEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber, types ...event.Type) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("telemetry: subscriber is required")
	}
	entry := subscriberEntry{sub: sub}
	if len(types) > 0 {
		entry.types = make(map[event.Type]bool, len(types))
		for _, t := range types {
			entry.types[t] = true
		}
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = entry
	b.mu.Unlock()
	return s, nil
}

func (b *bus) Sink(next event.Sink) event.Sink {
	return &busSink{bus: b, next: next}
}

// Send publishes e to the bus before forwarding it, so subscribers observe
// events in the same total order the wire does. A subscriber error never
// blocks delivery to the primary sink.
func (s *busSink) Send(e event.FlexEvent) error {
	_ = s.bus.Publish(context.Background(), e)
	if s.next != nil {
		return s.next.Send(e)
	}
	return nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, e event.FlexEvent) error

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, e event.FlexEvent) error { return f(ctx, e) }
