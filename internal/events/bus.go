package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"AgentResonance/pkg/logger"
)

// Sink receives every published event in publish order. Handle runs while
// the bus holds its publish lock, so sinks doing I/O should be wrapped with
// NewAsyncSink.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize bounds the per-session replay history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// WithSubscriberBuffer sets the channel buffer of live subscriptions.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subBuffer = n
		}
	}
}

// WithSink registers a sink.
func WithSink(s Sink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
}

// Bus is the in-memory event bus.
type Bus struct {
	mu          sync.Mutex
	seq         int64
	nextSubID   int64
	subs        map[int64]*Subscription
	history     map[string][]Event
	historySize int
	subBuffer   int
	sinks       []Sink
	dropped     atomic.Int64
	now         func() time.Time
	log         *slog.Logger
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[int64]*Subscription),
		history:     make(map[string][]Event),
		historySize: 256,
		subBuffer:   64,
		now:         time.Now,
		log:         logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// AddSink registers a sink after construction.
func (b *Bus) AddSink(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish assigns the next sequence number to an event and delivers it.
// A subscriber whose buffer is full is disconnected: its channel is closed
// after the events already buffered and Lagged reports true. The missed
// events stay available through History and Subscribe.
func (b *Bus) Publish(ctx context.Context, sessionID, parentID string, typ Type, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		ID:        uuid.NewString(),
		Seq:       b.seq,
		Type:      typ,
		SessionID: sessionID,
		ParentID:  parentID,
		Timestamp: b.now().UTC(),
		Payload:   payload,
	}

	hist := append(b.history[sessionID], ev)
	if len(hist) > b.historySize {
		hist = hist[len(hist)-b.historySize:]
	}
	b.history[sessionID] = hist

	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			sub.lagged.Store(true)
			delete(b.subs, sub.id)
			close(sub.ch)
			b.log.Warn("订阅者缓冲已满，订阅已断开",
				slog.String("negotiation_id", sessionID),
				slog.String("event_type", string(typ)),
				slog.Int64("subscription", sub.id))
		}
	}

	for _, sink := range b.sinks {
		if err := sink.Handle(ctx, ev); err != nil {
			b.log.Warn("事件投递失败",
				slog.String("sink", sink.Name()),
				slog.String("event_type", string(typ)),
				slog.Any("error", err))
		}
	}
	return ev
}

// Subscribe opens a live subscription. A non-empty sessionID restricts the
// subscription to one session and first replays its retained events with a
// sequence number greater than afterSeq.
func (b *Bus) Subscribe(sessionID string, afterSeq int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	if sessionID != "" {
		for _, ev := range b.history[sessionID] {
			if ev.Seq > afterSeq {
				replay = append(replay, ev)
			}
		}
	}

	b.nextSubID++
	sub := &Subscription{
		id:        b.nextSubID,
		sessionID: sessionID,
		ch:        make(chan Event, b.subBuffer+len(replay)),
		bus:       b,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	b.subs[sub.id] = sub
	return sub
}

// History returns a copy of the retained events of one session.
func (b *Bus) History(sessionID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history[sessionID]...)
}

// Forget drops the retained history of a session.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	delete(b.history, sessionID)
	b.mu.Unlock()
}

// Dropped reports how many subscriptions were cut off because of full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscription is a live event feed.
type Subscription struct {
	id        int64
	sessionID string
	ch        chan Event
	bus       *Bus
	once      sync.Once
	lagged    atomic.Bool
}

// C returns the delivery channel. It is closed by Close, or by the bus when
// the subscriber falls behind.
func (s *Subscription) C() <-chan Event { return s.ch }

// Lagged reports whether the bus closed the subscription because its buffer
// overflowed. Resubscribe after the last received Seq to catch up.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

func (s *Subscription) matches(ev Event) bool {
	return s.sessionID == "" || s.sessionID == ev.SessionID
}
