package events

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	rec := &countingSink{}
	bus := NewBus(WithSink(rec))
	sub := bus.Subscribe("s1", 0)
	defer sub.Close()

	ctx := context.Background()
	bus.Publish(ctx, "s1", "", FormulationReady, FormulationReadyPayload{FormulatedText: "x"})
	bus.Publish(ctx, "s2", "", FormulationReady, nil)
	bus.Publish(ctx, "s1", "", BarrierComplete, BarrierCompletePayload{})

	first := <-sub.C()
	second := <-sub.C()
	if first.Type != FormulationReady || second.Type != BarrierComplete {
		t.Fatalf("unexpected order %s, %s", first.Type, second.Type)
	}
	if first.Seq >= second.Seq {
		t.Fatalf("sequence not increasing: %d %d", first.Seq, second.Seq)
	}
	if got := rec.n.Load(); got != 3 {
		t.Fatalf("sink should see every event, got %d", got)
	}
}

func TestSubscribeReplaysHistoryAfterSeq(t *testing.T) {
	bus := NewBus(WithHistorySize(2))
	ctx := context.Background()
	e1 := bus.Publish(ctx, "s", "", FormulationReady, nil)
	bus.Publish(ctx, "s", "", ResonanceActivated, nil)
	bus.Publish(ctx, "s", "", OfferReceived, nil)

	if h := bus.History("s"); len(h) != 2 || h[0].Type != ResonanceActivated {
		t.Fatalf("history not bounded: %+v", h)
	}

	sub := bus.Subscribe("s", e1.Seq+1)
	defer sub.Close()
	select {
	case ev := <-sub.C():
		if ev.Type != OfferReceived {
			t.Fatalf("unexpected replay %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("replay missing")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(WithSubscriberBuffer(1))
	sub := bus.Subscribe("", 0)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), "s", "", OfferReceived, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a full subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatalf("expected dropped deliveries")
	}
}

func TestOverflowClosesSubscription(t *testing.T) {
	bus := NewBus(WithSubscriberBuffer(1))
	sub := bus.Subscribe("s", 0)
	defer sub.Close()

	ctx := context.Background()
	bus.Publish(ctx, "s", "", OfferReceived, nil)
	bus.Publish(ctx, "s", "", OfferReceived, nil)
	last := bus.Publish(ctx, "s", "", PlanReady, nil)

	first, ok := <-sub.C()
	if !ok || first.Seq != 1 {
		t.Fatalf("buffered event should still be delivered, got %+v ok=%v", first, ok)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("channel should be closed after overflow")
	}
	if !sub.Lagged() {
		t.Fatalf("subscription should report lag")
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected one cut-off subscription, got %d", bus.Dropped())
	}

	again := bus.Subscribe("s", first.Seq)
	defer again.Close()
	var got []int64
	for len(got) < 2 {
		select {
		case ev := <-again.C():
			got = append(got, ev.Seq)
		case <-time.After(time.Second):
			t.Fatalf("resubscribe did not replay missed events, got %v", got)
		}
	}
	if got[1] != last.Seq {
		t.Fatalf("expected replay to end at %d, got %v", last.Seq, got)
	}
}

func TestCloseEndsSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 0)
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatalf("channel should be closed")
	}
}

type countingSink struct {
	n   atomic.Int32
	err error
}

func (c *countingSink) Name() string { return "counting" }
func (c *countingSink) Handle(context.Context, Event) error {
	c.n.Add(1)
	return c.err
}

func TestPublishAfterAsyncSinkCloseDoesNotPanic(t *testing.T) {
	inner := &countingSink{}
	async := NewAsyncSink(inner, 4, time.Second)
	bus := NewBus(WithSink(async))
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	bus.Publish(context.Background(), "s", "", NegotiationFailed, nil)
	if err := async.Handle(context.Background(), Event{}); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
	if err := async.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if inner.n.Load() != 0 {
		t.Fatalf("closed sink must not deliver, got %d", inner.n.Load())
	}
}

func TestAsyncSinkDrainsOnClose(t *testing.T) {
	inner := &countingSink{err: errors.New("ignored")}
	async := NewAsyncSink(inner, 16, time.Second)
	bus := NewBus(WithSink(async))
	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), "s", "", OfferReceived, nil)
	}
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if inner.n.Load() != 5 {
		t.Fatalf("expected 5 deliveries, got %d", inner.n.Load())
	}
}

func TestEventMarshalIsSingleLine(t *testing.T) {
	ev := NewBus().Publish(context.Background(), "s", "", OfferReceived, OfferReceivedPayload{Content: "a\nb\r\nc"})
	raw, err := ev.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.ContainsAny(string(raw), "\r\n") {
		t.Fatalf("marshalled event contains a raw line break: %s", raw)
	}
}
