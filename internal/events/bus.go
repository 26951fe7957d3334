package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscriber receives published events. Errors and panics are contained by the Bus.
type Subscriber interface {
	Handle(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, e Event) error

// Handle calls f(ctx, e).
func (f SubscriberFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Publisher is the publishing side of the Bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Subscription identifies a registered subscriber.
type Subscription uint64

type registration struct {
	id    Subscription
	sub   Subscriber
	names map[Name]bool // nil means all events
}

// Bus is a synchronous in-process publish/subscribe bus. Subscribers run on
// the publisher's goroutine in subscription order, so delivery order equals
// publish order for any single publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    []registration
	nextID  atomic.Uint64
	logger  *slog.Logger
	metrics *Metrics
}

// NewBus creates a Bus. metrics may be nil.
func NewBus(logger *slog.Logger, metrics *Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, metrics: metrics}
}

// Subscribe registers sub for the given event names, or for every event when
// no names are given.
func (b *Bus) Subscribe(sub Subscriber, names ...Name) Subscription {
	reg := registration{
		id:  Subscription(b.nextID.Add(1)),
		sub: sub,
	}
	if len(names) > 0 {
		reg.names = make(map[Name]bool, len(names))
		for _, n := range names {
			reg.names[n] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, reg)
	b.mu.Unlock()
	return reg.id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, reg := range b.subs {
		if reg.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every matching subscriber before returning. A failing
// subscriber is logged and does not affect delivery to the others.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	targets := make([]registration, 0, len(b.subs))
	for _, reg := range b.subs {
		if reg.names == nil || reg.names[e.EventName()] {
			targets = append(targets, reg)
		}
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.IncPublished(e.EventName())
	}

	for _, reg := range targets {
		if err := b.deliver(ctx, reg.sub, e); err != nil {
			b.logger.Error("event subscriber failed",
				slog.String("event", string(e.EventName())),
				slog.String("identity", e.Identity()),
				slog.Uint64("subscription", uint64(reg.id)),
				slog.String("error", err.Error()))
			if b.metrics != nil {
				b.metrics.IncSubscriberFailure(e.EventName())
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub Subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.Handle(ctx, e)
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
