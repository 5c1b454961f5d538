package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Publisher is what handlers depend on; *Bus is the production implementation.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

var _ Publisher = (*Bus)(nil)

// Emit publishes best-effort: a nil publisher is skipped and failures are
// logged, never returned to the caller.
func Emit(ctx context.Context, pub Publisher, log *zap.Logger, event Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, event); err != nil && log != nil {
		log.Warn("failed to publish event",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Types returns the recorded event types in publish order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
