package eventstest

import (
	"context"
	"testing"

	"AgentResonance/internal/events"
)

func TestRecorderFiltersBySession(t *testing.T) {
	rec := &Recorder{}
	bus := events.NewBus(events.WithSink(rec))
	ctx := context.Background()
	bus.Publish(ctx, "s1", "", events.FormulationReady, nil)
	bus.Publish(ctx, "s2", "", events.FormulationReady, nil)
	bus.Publish(ctx, "s1", "", events.PlanReady, nil)

	if got := rec.Types("s1"); len(got) != 2 || got[1] != events.PlanReady {
		t.Fatalf("unexpected s1 types %v", got)
	}
	if got := rec.Events(""); len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
}
