package events

import (
	"context"
	"sync"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Recorder keeps the most recent events in memory. It backs the
// recent-events API and doubles as a sink in tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
	limit  int
}

// NewRecorder keeps up to limit events; limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Emit appends ev, evicting the oldest entry when full.
func (r *Recorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order, optionally restricted to the
// given kinds.
func (r *Recorder) Kinds(only ...domain.EventKind) []domain.EventKind {
	want := make(map[domain.EventKind]bool, len(only))
	for _, k := range only {
		want[k] = true
	}
	var out []domain.EventKind
	for _, ev := range r.Events() {
		if len(want) == 0 || want[ev.Kind] {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// OfKind returns the recorded events with the given kind.
func (r *Recorder) OfKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Compile-time interface check.
var _ domain.EventSink = (*Recorder)(nil)
