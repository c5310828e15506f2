package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"AgentResonance/pkg/logger"
)

// LogSink writes each event to the structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink on logger.Named("events").
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Named("events")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink.
func (s *LogSink) Handle(ctx context.Context, ev Event) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, "协商事件",
		slog.String("negotiation_id", ev.SessionID),
		slog.String("parent_id", ev.ParentID),
		slog.String("event_type", string(ev.Type)),
		slog.Int64("seq", ev.Seq))
	return nil
}

// ErrSinkClosed is returned by AsyncSink.Handle after Close.
var ErrSinkClosed = errors.New("sink 已关闭")

// AsyncSink moves delivery to a background goroutine with a bounded queue.
type AsyncSink struct {
	inner   Sink
	queue   chan Event
	timeout time.Duration
	wg      sync.WaitGroup
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts a background deliverer for inner.
func NewAsyncSink(inner Sink, buffer int, timeout time.Duration) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	s := &AsyncSink{
		inner:   inner,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		log:     logger.Named("events"),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Name implements Sink.
func (s *AsyncSink) Name() string { return "async:" + s.inner.Name() }

// Handle enqueues ev without blocking the publisher.
func (s *AsyncSink) Handle(_ context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return fmt.Errorf("sink %s 队列已满", s.inner.Name())
	}
}

func (s *AsyncSink) loop() {
	defer s.wg.Done()
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.inner.Handle(ctx, ev); err != nil {
			s.log.Warn("外部事件投递失败", slog.String("sink", s.inner.Name()), slog.Any("error", err))
		}
		cancel()
	}
}

// Close drains pending events and stops the goroutine.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// RedisSinkConfig configures RedisSink.
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 redis 失败: %w", err)
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "resonance.events"
	}
	return &RedisSink{client: client, channel: channel}, nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Handle implements Sink.
func (s *RedisSink) Handle(ctx context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Close releases the client.
func (s *RedisSink) Close() error { return s.client.Close() }

// NATSSink publishes events on "<prefix>.<event type>" subjects.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to a NATS server.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("resonanced"))
	if err != nil {
		return nil, fmt.Errorf("连接 nats 失败: %w", err)
	}
	if prefix == "" {
		prefix = "resonance.events"
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

// Handle implements Sink.
func (s *NATSSink) Handle(_ context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(ev.Type), payload)
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*AsyncSink)(nil)
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*NATSSink)(nil)
)
