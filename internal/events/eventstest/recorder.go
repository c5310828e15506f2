// Package eventstest provides an in-memory sink for tests that assert on
// published events.
package eventstest

import (
	"context"
	"sync"

	"AgentResonance/internal/events"
)

// Recorder keeps every event in memory, in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Sink = (*Recorder)(nil)

// Name implements events.Sink.
func (r *Recorder) Name() string { return "recorder" }

// Handle implements events.Sink.
func (r *Recorder) Handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns the recorded events, optionally restricted to one session.
func (r *Recorder) Events(sessionID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, 0, len(r.events))
	for _, ev := range r.events {
		if sessionID == "" || ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event types of one session in publish order.
func (r *Recorder) Types(sessionID string) []events.Type {
	evs := r.Events(sessionID)
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
