package negotiation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"AgentResonance/internal/directory"
	"AgentResonance/internal/embedding"
	"AgentResonance/internal/events"
	"AgentResonance/internal/events/eventstest"
	"AgentResonance/internal/llm"
	"AgentResonance/internal/profile"
)

const testUser = "user-1"

// fixedEncoder 对任何文本返回同一个查询向量。
type fixedEncoder struct {
	query []float32
	err   error
}

func (e *fixedEncoder) Encode(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return append([]float32(nil), e.query...), nil
}

func (e *fixedEncoder) Dimension() int { return len(e.query) }

type chatFunc func(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string) (string, error)

// fakeSource 是可编排的画像来源。
type fakeSource struct {
	mu         sync.Mutex
	profiles   map[string]profile.Profile
	profileErr error
	chat       chatFunc
	prompts    map[string][]string
}

func newFakeSource(chat chatFunc) *fakeSource {
	return &fakeSource{
		profiles: map[string]profile.Profile{
			testUser: {AgentID: testUser, DisplayName: "提交者", Summary: "产品经理"},
		},
		chat:    chat,
		prompts: make(map[string][]string),
	}
}

func (f *fakeSource) GetProfile(_ context.Context, agentID string) (profile.Profile, error) {
	if f.profileErr != nil {
		return profile.Profile{}, f.profileErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[agentID]
	if !ok {
		return profile.Profile{}, profile.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeSource) Chat(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string) (string, error) {
	f.mu.Lock()
	f.prompts[agentID] = append(f.prompts[agentID], systemPrompt)
	f.mu.Unlock()
	if f.chat != nil {
		return f.chat(ctx, agentID, messages, systemPrompt)
	}
	return defaultChat(ctx, agentID, messages, systemPrompt)
}

func (f *fakeSource) promptsFor(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[agentID]...)
}

func defaultChat(_ context.Context, agentID string, _ []llm.Message, _ string) (string, error) {
	if agentID == testUser {
		return "需要一名移动开发者，48 小时内完成原型", nil
	}
	return "来自 " + agentID + " 的报价", nil
}

// planReasoner 总是调用 output_plan，方案引用 agentID。
func planReasoner(agentID string) llm.Reasoner {
	return llm.ReasonerFunc(func(context.Context, []llm.Message, []llm.Tool) (*llm.Result, error) {
		return &llm.Result{
			ToolName: ToolOutputPlan,
			ToolArgs: []byte(fmt.Sprintf(`{"summary":"组队完成原型","participants":[{"agent_id":%q,"role":"开发"}],"tasks":[{"id":"t1","title":"开发原型","assignee_id":%q}]}`, agentID, agentID)),
		}, nil
	})
}

// seedAgents 注册 n 个 agent，分数随编号递减，并把提交者也注册进目录。
func seedAgents(t *testing.T, dir *directory.Directory, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := dir.Register(ctx, directory.Agent{ID: testUser, DisplayName: "提交者", Vector: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatalf("register submitter: %v", err)
	}
	for i := 1; i <= n; i++ {
		agent := directory.Agent{
			ID:           fmt.Sprintf("agent-%02d", i),
			DisplayName:  fmt.Sprintf("Agent %02d", i),
			Summary:      fmt.Sprintf("第 %d 号开发者", i),
			Capabilities: []string{fmt.Sprintf("cap-%02d", i)},
			Vector:       []float32{1, float32(i) / 20, 0, 0},
		}
		if _, err := dir.Register(ctx, agent); err != nil {
			t.Fatalf("register %s: %v", agent.ID, err)
		}
	}
}

func testTimeouts() Timeouts {
	return Timeouts{
		Confirm:     ConfirmImmediately,
		Formulation: 300 * time.Millisecond,
		Encode:      300 * time.Millisecond,
		Offer:       150 * time.Millisecond,
		Barrier:     600 * time.Millisecond,
		Synthesis:   300 * time.Millisecond,
		Session:     5 * time.Second,
	}
}

type harness struct {
	dir      *directory.Directory
	source   *fakeSource
	bus      *events.Bus
	recorder *eventstest.Recorder
	driver   *Driver
}

func newHarness(t *testing.T, agents int, source *fakeSource, reasoner llm.Reasoner, opts ...Option) *harness {
	t.Helper()
	encoder := &fixedEncoder{query: []float32{1, 0, 0, 0}}
	dir := directory.New(encoder)
	if agents > 0 {
		seedAgents(t, dir, agents)
	}
	recorder := &eventstest.Recorder{}
	bus := events.NewBus(events.WithSink(recorder))
	base := []Option{WithTimeouts(testTimeouts())}
	driver := NewDriver(source, embedding.NewService(encoder), reasoner, bus, append(base, opts...)...)
	return &harness{dir: dir, source: source, bus: bus, recorder: recorder, driver: driver}
}

func (h *harness) newSession(id, intent string) *Session {
	return newSession(id, Demand{RawIntent: intent, UserID: testUser}, directory.ScopeAll, h.dir.Snapshot(directory.ScopeAll), time.Now().UTC())
}

func (h *harness) run(t *testing.T, id, intent string) *Session {
	t.Helper()
	s := h.newSession(id, intent)
	if err := h.driver.Run(context.Background(), s); err != nil {
		t.Fatalf("run %s: %v", id, err)
	}
	return s
}

func indexOf(types []events.Type, typ events.Type) int {
	for i, t := range types {
		if t == typ {
			return i
		}
	}
	return -1
}

func lastIndexOf(types []events.Type, typ events.Type) int {
	for i := len(types) - 1; i >= 0; i-- {
		if types[i] == typ {
			return i
		}
	}
	return -1
}

func eventsOf(rec *eventstest.Recorder, sessionID string, typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range rec.Events(sessionID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func hasMarker(messages []llm.Message, marker string) bool {
	for _, m := range messages {
		if strings.Contains(m.Content, marker) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
