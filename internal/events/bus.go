// Package events fans core lifecycle and settlement events out to
// subscribers. Observers get bounded channels that drop when full; the
// handoffs between lifecycle stages get lossless ones.
//
// Delivery order: a subscriber sees events in the order Emit was called by
// a single emitter. The intent manager emits under its own lock and the
// settlement engine emits per-intent terminal events before the tab event,
// so those orderings reach every subscriber intact. No ordering is promised
// between different traders' tabs.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// defaultBuffer is used when Subscribe is called with a non-positive size.
const defaultBuffer = 256

// Subscription is one consumer's view of the bus. Bounded subscriptions
// drop on overflow; lossless ones queue without limit.
type Subscription struct {
	name    string
	kinds   map[domain.EventKind]bool
	ch      chan domain.Event
	dropped atomic.Int64
	closed  bool
	backlog *backlog
}

// C returns the receive side of the subscription. It is closed when the
// subscription is removed or the bus is closed.
func (s *Subscription) C() <-chan domain.Event {
	return s.ch
}

// Name returns the label given at Subscribe time.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Pending reports how many events a lossless subscription has queued but
// not yet handed to its consumer. It is always 0 for bounded ones.
func (s *Subscription) Pending() int {
	if s.backlog == nil {
		return 0
	}
	return s.backlog.len()
}

func (s *Subscription) wants(kind domain.EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// shut closes the consumer side. The caller holds the bus write lock.
func (s *Subscription) shut() {
	if s.closed {
		return
	}
	s.closed = true
	if s.backlog != nil {
		close(s.backlog.done)
		return
	}
	close(s.ch)
}

// backlog is the unbounded queue behind a lossless subscription. A single
// forwarder goroutine moves events from items to the subscription channel.
type backlog struct {
	mu    sync.Mutex
	items []domain.Event
	ready chan struct{}
	done  chan struct{}
}

func (q *backlog) push(ev domain.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *backlog) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *backlog) forward(out chan<- domain.Event) {
	defer close(out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.ready:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = domain.Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case out <- ev:
		case <-q.done:
			return
		}
	}
}

// Bus implements domain.EventSink by copying every event to each matching
// subscription. Emit never blocks: a full bounded subscriber loses the event
// and a warning is logged, a lossless subscriber queues it.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	now    func() time.Time
	logger *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		now:    time.Now,
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// Subscribe registers a consumer for the given kinds (all kinds when none
// are listed) with a channel of the given capacity.
func (b *Bus) Subscribe(name string, buffer int, kinds ...domain.EventKind) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{
		name:  name,
		kinds: make(map[domain.EventKind]bool, len(kinds)),
		ch:    make(chan domain.Event, buffer),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.add(sub)
	return sub
}

// SubscribeLossless registers a consumer that never misses an event. Use it
// for handoffs that move intents between lifecycle stages; the queue grows
// while the consumer is behind.
func (b *Bus) SubscribeLossless(name string, kinds ...domain.EventKind) *Subscription {
	sub := &Subscription{
		name:  name,
		kinds: make(map[domain.EventKind]bool, len(kinds)),
		ch:    make(chan domain.Event),
		backlog: &backlog{
			ready: make(chan struct{}, 1),
			done:  make(chan struct{}),
		},
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	go sub.backlog.forward(sub.ch)
	b.add(sub)
	return sub
}

func (b *Bus) add(sub *Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Unsubscribe removes sub and closes its channel. Unknown or already
// removed subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			s.shut()
			return
		}
	}
}

// Emit delivers ev to every matching subscription.
func (b *Bus) Emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed || !s.wants(ev.Kind) {
			continue
		}
		if s.backlog != nil {
			s.backlog.push(ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.logger.WarnContext(ctx, "dropping event for slow subscriber",
				slog.String("subscriber", s.name),
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
}

// Close removes every subscription, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.shut()
	}
	b.subs = nil
}

// Consume calls fn for every event on sub until ctx is cancelled or the
// subscription is closed.
func Consume(ctx context.Context, sub *Subscription, fn func(context.Context, domain.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			fn(ctx, ev)
		}
	}
}

// ConsumeByKey is Consume with one lane per key: events with the same key
// are handled one at a time in arrival order, events with different keys run
// concurrently. A slow key never holds up the others. It returns after every
// started handler finished.
func ConsumeByKey(ctx context.Context, sub *Subscription, key func(domain.Event) string, fn func(context.Context, domain.Event)) error {
	var (
		mu    sync.Mutex
		lanes = make(map[string][]domain.Event)
		wg    sync.WaitGroup
	)
	drain := func(k string) {
		defer wg.Done()
		for {
			mu.Lock()
			q := lanes[k]
			if len(q) == 0 {
				delete(lanes, k)
				mu.Unlock()
				return
			}
			ev := q[0]
			lanes[k] = q[1:]
			mu.Unlock()
			if ctx.Err() != nil {
				continue
			}
			fn(ctx, ev)
		}
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			k := key(ev)
			mu.Lock()
			q, running := lanes[k]
			lanes[k] = append(q, ev)
			mu.Unlock()
			if !running {
				wg.Add(1)
				go drain(k)
			}
		}
	}
}

// Compile-time interface check.
var _ domain.EventSink = (*Bus)(nil)
