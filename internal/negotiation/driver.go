package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentResonance/internal/embedding"
	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/events"
	"AgentResonance/internal/llm"
	"AgentResonance/internal/observability/alerting"
	"AgentResonance/internal/observability/metrics"
	"AgentResonance/internal/profile"
	"AgentResonance/pkg/logger"
)

// ConfirmImmediately 作为 Timeouts.Confirm 时跳过确认等待，表述完成后立即自动确认。
const ConfirmImmediately time.Duration = -1

// Timeouts 是协商各阶段的超时。单个报价超时 < 屏障超时 < 会话超时。
// 为 0 的字段取 DefaultTimeouts 中的值；Confirm 为负数时不等待确认。
type Timeouts struct {
	Confirm     time.Duration
	Formulation time.Duration
	Encode      time.Duration
	Offer       time.Duration
	Barrier     time.Duration
	Synthesis   time.Duration
	Session     time.Duration
}

// DefaultTimeouts 返回默认超时配置。
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Confirm:     300 * time.Second,
		Formulation: 30 * time.Second,
		Encode:      15 * time.Second,
		Offer:       30 * time.Second,
		Barrier:     90 * time.Second,
		Synthesis:   60 * time.Second,
		Session:     15 * time.Minute,
	}
}

func (t Timeouts) normalize() Timeouts {
	def := DefaultTimeouts()
	if t.Confirm == 0 {
		t.Confirm = def.Confirm
	}
	if t.Formulation <= 0 {
		t.Formulation = def.Formulation
	}
	if t.Encode <= 0 {
		t.Encode = def.Encode
	}
	if t.Offer <= 0 {
		t.Offer = def.Offer
	}
	if t.Barrier <= t.Offer {
		t.Barrier = t.Offer * 3
	}
	if t.Synthesis <= 0 {
		t.Synthesis = def.Synthesis
	}
	if t.Session <= t.Barrier {
		t.Session = def.Session
		if t.Session <= t.Barrier {
			t.Session = t.Barrier * 10
		}
	}
	return t
}

// ActivationPolicy 决定共振阶段激活多少个 agent：
// k = clamp(ceil(n*Ratio), Min, Max)，Max 为 0 表示不设上限，再按 MinScore 过滤，
// MinScore 为 0 表示不过滤。
type ActivationPolicy struct {
	Ratio    float64
	Min      int
	Max      int
	MinScore float64
}

// DefaultActivationPolicy 返回默认的激活策略。
func DefaultActivationPolicy() ActivationPolicy {
	return ActivationPolicy{Ratio: 0.7, Min: 3}
}

// K 返回在 n 个候选中激活的数量。
func (p ActivationPolicy) K(n int) int {
	if n <= 0 {
		return 0
	}
	ratio := p.Ratio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	k := int(math.Ceil(float64(n) * ratio))
	if k < p.Min {
		k = p.Min
	}
	if p.Max > 0 && k > p.Max {
		k = p.Max
	}
	if k > n {
		k = n
	}
	return k
}

// Option 定义 Driver 的可选配置。
type Option func(*Driver)

// WithTimeouts 设置阶段超时。
func WithTimeouts(t Timeouts) Option {
	return func(d *Driver) {
		d.timeouts = t
	}
}

// WithActivationPolicy 设置激活策略。
func WithActivationPolicy(p ActivationPolicy) Option {
	return func(d *Driver) {
		d.policy = p
	}
}

// WithMaxCenterRounds 设置综合阶段的最大推理轮数。
func WithMaxCenterRounds(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxRounds = n
		}
	}
}

// WithGapRecursion 控制是否为缺口启动子协商。
func WithGapRecursion(enabled bool) Option {
	return func(d *Driver) {
		d.gapRecursion = enabled
	}
}

// WithAlerter 设置失败告警的分发器。
func WithAlerter(a alerting.Dispatcher) Option {
	return func(d *Driver) {
		d.alerter = a
	}
}

// WithIDGenerator 替换子协商 ID 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(d *Driver) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// Driver 按状态机推进单个协商会话。
type Driver struct {
	profiles     profile.Source
	similarity   *embedding.Service
	reasoner     llm.Reasoner
	bus          *events.Bus
	timeouts     Timeouts
	policy       ActivationPolicy
	maxRounds    int
	gapRecursion bool
	alerter      alerting.Dispatcher
	tracer       trace.Tracer
	newID        func() string
	now          func() time.Time
	onChild      func(*Session)
}

// NewDriver 创建协商驱动器。
func NewDriver(profiles profile.Source, similarity *embedding.Service, reasoner llm.Reasoner, bus *events.Bus, opts ...Option) *Driver {
	d := &Driver{
		profiles:     profiles,
		similarity:   similarity,
		reasoner:     reasoner,
		bus:          bus,
		timeouts:     DefaultTimeouts(),
		policy:       DefaultActivationPolicy(),
		maxRounds:    2,
		gapRecursion: true,
		tracer:       otel.Tracer("AgentResonance/negotiation"),
		newID:        uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.timeouts = d.timeouts.normalize()
	return d
}

// Run 驱动会话直到终态。会话级超时覆盖整个流程；非法状态转移会中止会话并冻结状态。
// 确认等待发生在调用方的 goroutine 上，需要在检查点释放调用方时改用 Begin、Confirmation 与 Resume。
func (d *Driver) Run(ctx context.Context, s *Session) error {
	if !s.claim() {
		return ErrAlreadyStarted
	}
	s.claimResume()
	s.startClock(d.timeouts.Session)
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "negotiation.run", trace.WithAttributes(
		attribute.String("negotiation.id", s.ID()),
		attribute.Int("negotiation.depth", s.Depth()),
	))
	defer span.End()

	err := d.run(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d.conclude(ctx, s, err)
}

func (d *Driver) run(ctx context.Context, s *Session) error {
	if err := d.Formulate(ctx, s); err != nil {
		return err
	}
	if err := d.AwaitConfirmation(ctx, s); err != nil {
		return err
	}
	return d.resume(ctx, s)
}

// Begin 把会话推进到 FORMULATED 检查点后返回。返回错误时会话已进入终态。
// 会话级超时从 Begin 开始计算，覆盖之后的 Confirmation 与 Resume。
func (d *Driver) Begin(ctx context.Context, s *Session) error {
	if !s.claim() {
		return ErrAlreadyStarted
	}
	s.startClock(d.timeouts.Session)
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := d.Formulate(ctx, s); err != nil {
		return d.conclude(ctx, s, err)
	}
	return nil
}

// ConfirmsImmediately 报告会话在检查点是否无需等待用户。
func (d *Driver) ConfirmsImmediately(s *Session) bool {
	return s.Depth() >= 1 || d.timeouts.Confirm < 0
}

// Confirmation 在检查点等待确认或自动确认。返回错误时会话已进入终态。
func (d *Driver) Confirmation(ctx context.Context, s *Session) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if err := d.AwaitConfirmation(ctx, s); err != nil {
		return d.conclude(ctx, s, err)
	}
	return nil
}

// Resume 在确认之后完成共振、报价与综合。
func (d *Driver) Resume(ctx context.Context, s *Session) error {
	if !s.claimResume() {
		return ErrAlreadyStarted
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return d.conclude(ctx, s, d.resume(ctx, s))
}

// Abandon 以 err 结束一个已开始但无法继续推进的会话。
func (d *Driver) Abandon(ctx context.Context, s *Session, err error) error {
	return d.conclude(ctx, s, err)
}

func (d *Driver) resume(ctx context.Context, s *Session) error {
	if err := d.Resonate(ctx, s); err != nil {
		return err
	}
	if s.State() == StateOffering {
		if err := d.Offer(ctx, s); err != nil {
			return err
		}
	}
	return d.Synthesize(ctx, s)
}

// conclude 记录会话结果并关闭 Done。
func (d *Driver) conclude(ctx context.Context, s *Session, err error) error {
	defer s.finish()
	metrics.ObservePhase("session", outcomeOf(err), s.elapsed())
	if err != nil {
		d.fail(ctx, s, err)
		metrics.IncNegotiation(string(s.State()))
		return err
	}
	metrics.IncNegotiation(string(StateCompleted))
	return nil
}

// fail 记录失败。非法转移只冻结状态，其余错误进入 ERROR 终态。
func (d *Driver) fail(ctx context.Context, s *Session, err error) {
	log := logger.ForSession("negotiation", s.ID(), s.ParentID())
	code := xerrors.CodeOf(err)
	if code == CodeInvalidTransition {
		s.abort(err)
		f := s.Failure()
		if f == nil {
			return
		}
		log.Error("协商被中止", slog.String("code", string(code)), slog.String("error", err.Error()))
		d.publish(ctx, s, events.NegotiationFailed, events.NegotiationFailedPayload{
			State:     string(f.State),
			ErrorCode: string(code),
			Message:   f.Message,
		})
		d.alert(ctx, s, code, err.Error(), f.State)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeSessionTimeout
	}
	prev, ok := s.markError(code, err.Error())
	if !ok {
		return
	}
	log.Error("协商失败", slog.String("code", string(code)), slog.String("state", string(prev)), slog.String("error", err.Error()))
	d.publish(ctx, s, events.NegotiationFailed, events.NegotiationFailedPayload{
		State:     string(prev),
		ErrorCode: string(code),
		Message:   err.Error(),
	})
	d.alert(ctx, s, code, err.Error(), prev)
}

func (d *Driver) alert(ctx context.Context, s *Session, code xerrors.Code, msg string, state State) {
	attr := xerrors.AttributesOf(code)
	if d.alerter == nil || !attr.Alert {
		return
	}
	event := alerting.Event{
		Code:          code,
		Message:       msg,
		Severity:      attr.Severity,
		NegotiationID: s.ID(),
		ParentID:      s.ParentID(),
		State:         string(state),
		OccurredAt:    d.now(),
	}
	if err := d.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.ForSession("negotiation", s.ID(), s.ParentID()).Warn("告警发送失败", slog.Any("error", err))
	}
}

func (d *Driver) publish(ctx context.Context, s *Session, typ events.Type, payload any) {
	d.bus.Publish(context.WithoutCancel(ctx), s.ID(), s.ParentID(), typ, payload)
}

// phase 为一个阶段开启 span 并在结束时记录耗时。
func (d *Driver) phase(ctx context.Context, s *Session, name string) (context.Context, func(*error)) {
	ctx, span := d.tracer.Start(ctx, "negotiation."+name, trace.WithAttributes(
		attribute.String("negotiation.id", s.ID()),
	))
	start := time.Now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObservePhase(name, outcomeOf(err), time.Since(start))
		span.End()
	}
}

// ctxFailure 将会话上下文的结束转换为会话级错误。
func ctxFailure(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(CodeSessionTimeout, err, "negotiation timed out")
	default:
		return xerrors.Wrap(xerrors.CodeCanceled, err, "negotiation canceled")
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
