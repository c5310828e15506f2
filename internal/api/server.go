package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"AgentResonance/internal/directory"
	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/negotiation"
	"AgentResonance/internal/observability/metrics"
	"AgentResonance/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露协商与目录的 REST 接口以及事件推送。
type Server struct {
	addr              string
	service           *negotiation.Service
	dir               *directory.Directory
	allowedOrigins    []string
	readHeaderTimeout time.Duration
	metricsPath       string
	keepAlive         time.Duration
	log               *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithAllowedOrigins 设置 CORS 与 WebSocket 允许的来源。
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithReadHeaderTimeout 设置读取请求头的超时。
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readHeaderTimeout = d
		}
	}
}

// WithMetricsPath 设置指标暴露路径，空字符串表示不暴露。
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		s.metricsPath = path
	}
}

// WithKeepAlive 设置 SSE 心跳间隔。
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *negotiation.Service, dir *directory.Directory, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		service:           svc,
		dir:               dir,
		allowedOrigins:    []string{"*"},
		readHeaderTimeout: 5 * time.Second,
		metricsPath:       "/metrics",
		keepAlive:         15 * time.Second,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors(s.allowedOrigins))
	r.Use(instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/negotiate", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/confirm", s.handleConfirm)
			r.Get("/{id}/events", s.handleEvents)
			r.Get("/{id}/ws", s.handleWebSocket)
		})
		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.handleRegisterAgent)
			r.Get("/", s.handleListAgents)
		})
	})
	if s.metricsPath != "" {
		r.Handle(s.metricsPath, metrics.Handler())
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 事件流是长连接，不设置 WriteTimeout。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.String("code", string(body.Code)))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// decodeBody 解析 JSON 请求体。allowEmpty 为 true 时空请求体视为零值。
func decodeBody(r *http.Request, w http.ResponseWriter, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
