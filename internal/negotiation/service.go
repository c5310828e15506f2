package negotiation

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"AgentResonance/internal/directory"
	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/events"
	"AgentResonance/pkg/logger"
)

// Archive 持久化终态协商的视图。
type Archive interface {
	Save(ctx context.Context, view View) error
	Get(ctx context.Context, id string) (*View, error)
}

// Enqueuer 把待驱动的协商投递给 worker。
type Enqueuer interface {
	Publish(ctx context.Context, negotiationID string) error
}

// SubmitRequest 是提交协商的参数。
type SubmitRequest struct {
	Intent string `json:"intent"`
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithArchive 设置终态协商的归档。
func WithArchive(a Archive) ServiceOption {
	return func(s *Service) {
		s.archive = a
	}
}

// WithQueue 设置投递队列，未设置时提交后直接在后台驱动。
func WithQueue(q Enqueuer) ServiceOption {
	return func(s *Service) {
		s.queue = q
	}
}

// WithRetention 设置内存中保留的终态协商数量。
func WithRetention(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithBaseContext 设置后台驱动协商使用的上下文。
func WithBaseContext(ctx context.Context) ServiceOption {
	return func(s *Service) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// Service 维护进行中的协商并对外提供提交、查询与确认。
type Service struct {
	driver    *Driver
	dir       *directory.Directory
	bus       *events.Bus
	archive   Archive
	queue     Enqueuer
	retention int
	baseCtx   context.Context

	mu       sync.RWMutex
	sessions map[string]*Session
	finished []string

	// background 跟踪检查点等待与无队列时的后台驱动。
	background sync.WaitGroup
}

// NewService 创建协商服务。
func NewService(driver *Driver, dir *directory.Directory, bus *events.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		driver:    driver,
		dir:       dir,
		bus:       bus,
		retention: 1024,
		baseCtx:   context.Background(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	driver.onChild = s.track
	return s
}

// Bus 返回事件总线。
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Submit 捕获目录快照并创建协商，随后交给队列或后台驱动。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (View, error) {
	intent := strings.TrimSpace(req.Intent)
	userID := strings.TrimSpace(req.UserID)
	if intent == "" {
		return View{}, xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	if userID == "" {
		return View{}, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = directory.ScopeAll
	}

	snapshot := s.dir.Snapshot(scope)
	session := newSession(uuid.NewString(), Demand{RawIntent: intent, UserID: userID}, scope, snapshot, s.driver.now())
	s.track(session)

	logger.Audit().Info("协商已提交",
		slog.String("negotiation_id", session.ID()),
		slog.String("user_id", userID),
		slog.String("scope", scope),
		slog.Int("agent_count", snapshot.Len()),
		slog.Int("snapshot_version", snapshot.Version()),
	)

	if s.queue == nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			_ = s.Run(s.baseCtx, session.ID())
		}()
		return session.View(), nil
	}
	if err := s.queue.Publish(ctx, session.ID()); err != nil {
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
		return View{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "协商投递失败")
	}
	return session.View(), nil
}

// Get 返回协商视图，内存中不存在时查询归档。
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	if session, ok := s.Session(id); ok {
		return session.View(), nil
	}
	if s.archive != nil {
		view, err := s.archive.Get(ctx, id)
		if err == nil && view != nil {
			return *view, nil
		}
		if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return View{}, err
		}
	}
	return View{}, ErrSessionNotFound
}

// Confirm 确认 FORMULATED 检查点，editedText 非空时替换表述文本。
func (s *Service) Confirm(_ context.Context, id, editedText string) (View, error) {
	session, ok := s.Session(id)
	if !ok {
		return View{}, ErrSessionNotFound
	}
	if err := session.confirm(editedText); err != nil {
		return View{}, err
	}
	logger.Audit().Info("协商表述已确认",
		slog.String("negotiation_id", id),
		slog.Bool("edited", strings.TrimSpace(editedText) != ""),
	)
	return session.View(), nil
}

// Session 返回内存中的会话。
func (s *Service) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Run 驱动一个已提交的协商。新协商推进到 FORMULATED 检查点：需要等待用户时，
// 等待在调用方之外进行，确认或超时后协商会被重新投递，再次调用 Run 完成剩余阶段。
// 重复投递的协商会被跳过。协商本身的失败记录在会话中，不作为返回值，以免队列重复投递。
func (s *Service) Run(ctx context.Context, id string) error {
	session, ok := s.Session(id)
	if !ok {
		return ErrSessionNotFound
	}
	switch {
	case session.State() == StateCreated:
		return s.begin(ctx, session)
	case session.AwaitingResume():
		return s.resume(ctx, session)
	default:
		return ErrAlreadyStarted
	}
}

// Wait 等待所有后台等待与驱动结束，调用前应先取消 WithBaseContext 的上下文。
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) begin(ctx context.Context, session *Session) error {
	err := s.driver.Begin(ctx, session)
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return err
	}
	if err != nil {
		s.conclude(ctx, session)
		return nil
	}
	if s.driver.ConfirmsImmediately(session) {
		if err := s.driver.Confirmation(ctx, session); err != nil {
			s.conclude(ctx, session)
			return nil
		}
		return s.resume(ctx, session)
	}
	s.background.Add(1)
	go s.awaitConfirmation(session)
	return nil
}

// awaitConfirmation 在检查点等待确认，不占用队列 worker。
func (s *Service) awaitConfirmation(session *Session) {
	defer s.background.Done()
	ctx := s.baseCtx
	if err := s.driver.Confirmation(ctx, session); err != nil {
		s.conclude(ctx, session)
		return
	}
	if s.queue == nil {
		_ = s.resume(ctx, session)
		return
	}
	if err := s.queue.Publish(ctx, session.ID()); err != nil {
		_ = s.driver.Abandon(ctx, session, xerrors.Wrap(xerrors.CodeQueueFailure, err, "协商续跑投递失败"))
		s.conclude(ctx, session)
	}
}

func (s *Service) resume(ctx context.Context, session *Session) error {
	err := s.driver.Resume(ctx, session)
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return err
	}
	s.conclude(ctx, session)
	return nil
}

// conclude 记录审计日志、归档并按保留策略淘汰。
func (s *Service) conclude(ctx context.Context, session *Session) {
	view := session.View()
	logger.Audit().Info("协商结束",
		slog.String("negotiation_id", view.NegotiationID),
		slog.String("state", string(view.State)),
		slog.Int("participants", len(view.Participants)),
		slog.Int("center_rounds", view.CenterRounds),
		slog.Duration("elapsed", session.elapsed()),
	)
	s.persist(ctx, session)
	s.retire(view.NegotiationID)
}

func (s *Service) persist(ctx context.Context, session *Session) {
	if s.archive == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	ids := append([]string{session.ID()}, session.SubNegotiations()...)
	for _, id := range ids {
		sess, ok := s.Session(id)
		if !ok {
			continue
		}
		if err := s.archive.Save(ctx, sess.View()); err != nil {
			logger.Named("negotiation").Error("归档协商失败", slog.String("negotiation_id", id), slog.Any("error", err))
		}
	}
}

// track 登记会话，子协商通过驱动器回调登记。
func (s *Service) track(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = session
}

// retire 把顶层协商记为已结束，超过保留数量时淘汰最早的协商及其子协商。
func (s *Service) retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, id)
	for len(s.finished) > s.retention {
		oldest := s.finished[0]
		s.finished = s.finished[1:]
		if session, ok := s.sessions[oldest]; ok {
			for _, child := range session.SubNegotiations() {
				delete(s.sessions, child)
				s.bus.Forget(child)
			}
		}
		delete(s.sessions, oldest)
		s.bus.Forget(oldest)
	}
}
