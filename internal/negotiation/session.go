package negotiation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"AgentResonance/internal/directory"
	xerrors "AgentResonance/internal/errors"
)

// MaxDepth 是子协商允许的最大深度。
const MaxDepth = 1

// State 是协商会话的状态。
type State string

const (
	StateCreated        State = "CREATED"
	StateFormulating    State = "FORMULATING"
	StateFormulated     State = "FORMULATED"
	StateEncoding       State = "ENCODING"
	StateOffering       State = "OFFERING"
	StateBarrierWaiting State = "BARRIER_WAITING"
	StateSynthesizing   State = "SYNTHESIZING"
	StateCompleted      State = "COMPLETED"
	StateError          State = "ERROR"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// DegradedReason 描述需求表述降级的原因。
type DegradedReason string

const (
	ReasonTokenExpired       DegradedReason = "token_expired"
	ReasonAdapterError       DegradedReason = "adapter_error"
	ReasonFormulationTimeout DegradedReason = "formulation_timeout"
	ReasonFormulationError   DegradedReason = "formulation_error"
)

// Demand 是用户提交的需求以及表述后的文本。
type Demand struct {
	RawIntent      string         `json:"raw_intent"`
	UserID         string         `json:"user_id"`
	FormulatedText string         `json:"formulated_text"`
	Degraded       bool           `json:"degraded"`
	DegradedReason DegradedReason `json:"degraded_reason,omitempty"`
}

// Text 返回用于后续阶段的需求文本，表述为空时回退到原始意图。
func (d Demand) Text() string {
	if t := strings.TrimSpace(d.FormulatedText); t != "" {
		return t
	}
	return d.RawIntent
}

// ParticipantState 是参与者在报价阶段的状态。
type ParticipantState string

const (
	ParticipantActivated ParticipantState = "ACTIVATED"
	ParticipantReplied   ParticipantState = "REPLIED"
	ParticipantExited    ParticipantState = "EXITED"
)

// 参与者退出原因。
const (
	ExitTimeout        = "timeout"
	ExitAdapterError   = "adapter_error"
	ExitBarrierTimeout = "barrier_timeout"
)

// Participant 是被激活的 agent 在一次协商中的记录。
type Participant struct {
	AgentID        string           `json:"agent_id"`
	DisplayName    string           `json:"display_name"`
	ResonanceScore float64          `json:"resonance_score"`
	State          ParticipantState `json:"state"`
	OfferContent   string           `json:"offer_content,omitempty"`
	ExitReason     string           `json:"exit_reason,omitempty"`
}

// Failure 记录导致协商失败的错误。
type Failure struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
	State   State        `json:"state"`
}

// Session 是一次协商的聚合根。所有可变字段都由 mu 保护，
// 每个参与者的记录只由负责该 agent 的报价 goroutine 在 mu 下结算一次。
type Session struct {
	id        string
	parentID  string
	depth     int
	scope     string
	snapshot  *directory.Snapshot
	createdAt time.Time

	mu              sync.RWMutex
	state           State
	demand          Demand
	order           []string
	participants    map[string]*Participant
	resonanceError  string
	planText        string
	plan            *Plan
	planDigest      string
	centerRounds    int
	subNegotiations []string
	declinedGaps    []string
	failure         *Failure
	aborted         bool
	barrierClosed   bool
	confirmed       bool
	confirmedText   string
	updatedAt       time.Time

	// emitMu 串行化报价结算与屏障释放，保证 offer.received 不会晚于 barrier.complete。
	emitMu sync.Mutex

	started     atomic.Bool
	resumed     atomic.Bool
	passed      atomic.Bool
	startedAt   time.Time
	deadline    time.Time
	confirmCh   chan struct{}
	confirmOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

func newSession(id string, demand Demand, scope string, snapshot *directory.Snapshot, now time.Time) *Session {
	return &Session{
		id:           id,
		scope:        scope,
		snapshot:     snapshot,
		createdAt:    now,
		updatedAt:    now,
		state:        StateCreated,
		demand:       demand,
		participants: make(map[string]*Participant),
		confirmCh:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// newChildSession 为缺口创建子协商，沿用父协商的目录快照与提交者。
func newChildSession(parent *Session, id, intent string, now time.Time) (*Session, error) {
	if parent.depth+1 > MaxDepth {
		return nil, xerrors.Wrap(CodeRecursionDepthExceeded, ErrRecursionDepthExceeded, "",
			xerrors.WithMetadata("parent_id", parent.id))
	}
	demand := Demand{RawIntent: intent, UserID: parent.Demand().UserID}
	child := newSession(id, demand, parent.scope, parent.snapshot, now)
	child.parentID = parent.id
	child.depth = parent.depth + 1
	return child, nil
}

// ID 返回协商标识。
func (s *Session) ID() string { return s.id }

// ParentID 返回父协商标识，顶层协商为空。
func (s *Session) ParentID() string { return s.parentID }

// Depth 返回递归深度。
func (s *Session) Depth() int { return s.depth }

// Scope 返回目录范围。
func (s *Session) Scope() string { return s.scope }

// Snapshot 返回创建时捕获的目录快照。
func (s *Session) Snapshot() *directory.Snapshot { return s.snapshot }

// Done 在协商进入终态或被中止后关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// claim 确保一个会话只被驱动一次。
func (s *Session) claim() bool {
	return s.started.CompareAndSwap(false, true)
}

// pass 标记检查点已通过，确认文本已生效。
func (s *Session) pass() {
	s.passed.Store(true)
}

// claimResume 确保确认之后的阶段只被驱动一次。
func (s *Session) claimResume() bool {
	return s.resumed.CompareAndSwap(false, true)
}

// startClock 记录开始时间与会话截止时间。
func (s *Session) startClock(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = time.Now()
	s.deadline = s.startedAt.Add(timeout)
}

func (s *Session) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.RLock()
	deadline := s.deadline
	s.mu.RUnlock()
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func (s *Session) elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// AwaitingResume 报告会话是否已在检查点确认、等待继续驱动。
func (s *Session) AwaitingResume() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateFormulated && s.passed.Load() && !s.aborted && !s.resumed.Load()
}

// State 返回当前状态。
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Demand 返回需求的副本。
func (s *Session) Demand() Demand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.demand
}

// Failure 返回失败信息，未失败时为 nil。
func (s *Session) Failure() *Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure == nil {
		return nil
	}
	f := *s.failure
	return &f
}

// Aborted 判断会话是否因非法状态转移被中止。
func (s *Session) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// Participants 按激活顺序返回参与者副本。
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.participants[id])
	}
	return out
}

// Participant 返回单个参与者的副本。
func (s *Session) Participant(agentID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[agentID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// repliedOffers 按 agent id 排序返回已报价的参与者，综合结果与报价到达顺序无关。
func (s *Session) repliedOffers() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.order))
	for _, p := range s.participants {
		if p.State == ParticipantReplied {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Plan 返回最终方案的副本。
func (s *Session) Plan() *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.Clone()
}

// CenterRounds 返回综合阶段的推理轮数。
func (s *Session) CenterRounds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.centerRounds
}

// SubNegotiations 返回子协商标识。
func (s *Session) SubNegotiations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subNegotiations...)
}

func (s *Session) touch() {
	s.updatedAt = time.Now().UTC()
}

func (s *Session) setFormulation(text string, reason DegradedReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand.FormulatedText = text
	s.demand.Degraded = reason != ""
	s.demand.DegradedReason = reason
	s.touch()
}

// applyConfirmation 在确认时覆盖用户编辑后的表述。
func (s *Session) applyConfirmation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := strings.TrimSpace(s.confirmedText); t != "" {
		s.demand.FormulatedText = t
		s.touch()
	}
}

// confirm 只在 FORMULATED 检查点有效。
func (s *Session) confirm(editedText string) error {
	s.mu.Lock()
	if s.state != StateFormulated || s.aborted || s.confirmed {
		state := s.state
		s.mu.Unlock()
		return xerrors.Wrap(xerrors.CodeConflict, ErrNotConfirmable, ErrNotConfirmable.Message(),
			xerrors.WithMetadata("state", string(state)))
	}
	s.confirmed = true
	if strings.TrimSpace(editedText) != "" {
		s.confirmedText = editedText
	}
	s.mu.Unlock()
	s.confirmOnce.Do(func() { close(s.confirmCh) })
	return nil
}

// autoConfirm 关闭检查点，之后的确认请求返回冲突。
func (s *Session) autoConfirm() {
	s.mu.Lock()
	s.confirmed = true
	s.mu.Unlock()
	s.confirmOnce.Do(func() { close(s.confirmCh) })
	s.applyConfirmation()
}

func (s *Session) activate(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.participants[p.AgentID]; exists {
		return
	}
	p.State = ParticipantActivated
	s.participants[p.AgentID] = &p
	s.order = append(s.order, p.AgentID)
}

func (s *Session) setResonanceError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resonanceError = msg
}

// settle 将参与者从 ACTIVATED 结算为 REPLIED 或 EXITED，同一参与者只会成功一次。
// 屏障释放之后到达的结果被忽略。
func (s *Session) settle(agentID string, state ParticipantState, content, reason string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[agentID]
	if !ok || s.barrierClosed || p.State != ParticipantActivated {
		return Participant{}, false
	}
	p.State = state
	if state == ParticipantReplied {
		p.OfferContent = content
	} else {
		p.ExitReason = reason
	}
	s.touch()
	return *p, true
}

// closeBarrier 关闭屏障，将仍处于 ACTIVATED 的参与者强制标记为 EXITED。
func (s *Session) closeBarrier() (replied, exited, forced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barrierClosed = true
	for _, id := range s.order {
		p := s.participants[id]
		if p.State == ParticipantActivated {
			p.State = ParticipantExited
			p.ExitReason = ExitBarrierTimeout
			forced++
		}
		switch p.State {
		case ParticipantReplied:
			replied++
		case ParticipantExited:
			exited++
		}
	}
	s.touch()
	return replied, exited, forced
}

func (s *Session) incCenterRounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centerRounds++
	return s.centerRounds
}

func (s *Session) addSubNegotiation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subNegotiations = append(s.subNegotiations, id)
}

func (s *Session) declineGap(desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declinedGaps = append(s.declinedGaps, desc)
}

func (s *Session) gaps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.declinedGaps...)
}

func (s *Session) setPlan(text string, plan *Plan, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planText = text
	s.plan = plan
	s.planDigest = digest
	s.touch()
}

// View 是协商对外呈现的只读视图。
type View struct {
	NegotiationID    string         `json:"negotiation_id"`
	ParentID         string         `json:"parent_id,omitempty"`
	Depth            int            `json:"depth"`
	State            State          `json:"state"`
	Aborted          bool           `json:"aborted,omitempty"`
	Scope            string         `json:"scope"`
	AgentCount       int            `json:"agent_count"`
	SnapshotVersion  int            `json:"snapshot_version"`
	UserID           string         `json:"user_id"`
	DemandRaw        string         `json:"demand_raw"`
	DemandFormulated string         `json:"demand_formulated"`
	Degraded         bool           `json:"degraded"`
	DegradedReason   DegradedReason `json:"degraded_reason,omitempty"`
	Participants     []Participant  `json:"participants"`
	ResonanceError   string         `json:"resonance_error,omitempty"`
	PlanOutput       string         `json:"plan_output,omitempty"`
	PlanJSON         *Plan          `json:"plan_json,omitempty"`
	PlanDigest       string         `json:"plan_digest,omitempty"`
	CenterRounds     int            `json:"center_rounds"`
	SubNegotiations  []string       `json:"sub_negotiations,omitempty"`
	Error            *Failure       `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// View 返回当前状态的深拷贝视图。
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participants := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		participants = append(participants, *s.participants[id])
	}
	v := View{
		NegotiationID:    s.id,
		ParentID:         s.parentID,
		Depth:            s.depth,
		State:            s.state,
		Aborted:          s.aborted,
		Scope:            s.scope,
		UserID:           s.demand.UserID,
		DemandRaw:        s.demand.RawIntent,
		DemandFormulated: s.demand.FormulatedText,
		Degraded:         s.demand.Degraded,
		DegradedReason:   s.demand.DegradedReason,
		Participants:     participants,
		ResonanceError:   s.resonanceError,
		PlanOutput:       s.planText,
		PlanJSON:         s.plan.Clone(),
		PlanDigest:       s.planDigest,
		CenterRounds:     s.centerRounds,
		SubNegotiations:  append([]string(nil), s.subNegotiations...),
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
	if s.snapshot != nil {
		v.AgentCount = s.snapshot.Len()
		v.SnapshotVersion = s.snapshot.Version()
	}
	if s.failure != nil {
		f := *s.failure
		v.Error = &f
	}
	return v
}

// Terminal 判断视图是否处于终态。
func (v View) Terminal() bool {
	return v.State.Terminal() || v.Aborted
}
