package mock

import (
	"context"
	"sync"

	"funding_arb/internal/core"
)

// EventRecorder is an event sink that keeps everything it receives
type EventRecorder struct {
	mu     sync.Mutex
	events []*core.Event
}

func (r *EventRecorder) Publish(ctx context.Context, ev *core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *EventRecorder) Events() []*core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t in arrival order
func (r *EventRecorder) OfType(t core.EventType) []*core.Event {
	var out []*core.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
