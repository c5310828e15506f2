package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"AgentResonance/internal/events"
	"AgentResonance/pkg/sse"
)

// lastEventID 解析断线重连时客户端带回的序号。
func lastEventID(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// feed 是一个会话的事件订阅。订阅因缓冲溢出被总线断开时，
// 从最后送出的序号重新订阅，丢失的事件由总线历史补齐。
type feed struct {
	bus  *events.Bus
	id   string
	sub  *events.Subscription
	last int64
}

func newFeed(bus *events.Bus, id string, after int64) *feed {
	return &feed{bus: bus, id: id, sub: bus.Subscribe(id, after), last: after}
}

// resync 在订阅落后时重新订阅，返回 false 表示订阅是被正常关闭的。
func (f *feed) resync() bool {
	if !f.sub.Lagged() {
		return false
	}
	f.sub.Close()
	f.sub = f.bus.Subscribe(f.id, f.last)
	return true
}

func (f *feed) Close() {
	f.sub.Close()
}

// subscribe 打开一个会话的事件订阅。done 为 true 表示会话已处于终态，
// 订阅只需回放已缓存的事件。
func (s *Server) subscribe(ctx context.Context, id string, after int64) (*feed, bool, error) {
	view, err := s.service.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return newFeed(s.service.Bus(), id, after), view.Terminal(), nil
}

// pump 把订阅中的事件交给 emit，直到终态事件、ctx 结束或 emit 出错。
// tick 非空时在空闲期间回调 idle。
func pump(ctx context.Context, f *feed, done bool, tick <-chan time.Time, emit func(events.Event) error, idle func() error) error {
	send := func(ev events.Event) error {
		if ev.Seq <= f.last {
			return nil
		}
		if err := emit(ev); err != nil {
			return err
		}
		f.last = ev.Seq
		return nil
	}
	if done {
		for {
			select {
			case ev, ok := <-f.sub.C():
				if !ok {
					if f.resync() {
						continue
					}
					return nil
				}
				if err := send(ev); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-f.sub.C():
			if !ok {
				if f.resync() {
					continue
				}
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
			if ev.Type.Terminal() {
				return nil
			}
		case <-tick:
			if idle != nil {
				if err := idle(); err != nil {
					return err
				}
			}
		}
	}
}

// handleEvents 以 SSE 推送会话事件，支持 Last-Event-ID 断点续传。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := chi.URLParam(r, "id")
	sub, done, err := s.subscribe(r.Context(), id, lastEventID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	emit := func(ev events.Event) error {
		data, err := ev.Marshal()
		if err != nil {
			return err
		}
		if err := sse.Write(w, sse.Frame{
			ID:    strconv.FormatInt(ev.Seq, 10),
			Event: string(ev.Type),
			Data:  string(data),
		}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	idle := func() error {
		if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := pump(r.Context(), sub, done, ticker.C, emit, idle); err != nil && r.Context().Err() == nil {
		s.log.Debug("SSE 推送中断", slog.String("negotiation_id", id), slog.Any("error", err))
	}
}

// handleWebSocket 先回放历史事件，再推送实时事件。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	sub, done, err := s.subscribe(r.Context(), id, after)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.allowedOrigins),
	})
	if err != nil {
		s.log.Warn("WebSocket 握手失败", slog.String("negotiation_id", id), slog.Any("error", err))
		return
	}
	defer ws.CloseNow()

	// 客户端不发送数据，CloseRead 负责处理控制帧并在对端关闭时取消 ctx。
	ctx := ws.CloseRead(r.Context())

	emit := func(ev events.Event) error {
		data, err := ev.Marshal()
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return ws.Write(writeCtx, websocket.MessageText, data)
	}
	if err := pump(ctx, sub, done, nil, emit, nil); err != nil {
		s.log.Debug("WebSocket 推送中断", slog.String("negotiation_id", id), slog.Any("error", err))
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "negotiation finished")
}

// originPatterns 把允许的来源转换为 WebSocket 的 host 模式。
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
