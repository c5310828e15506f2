package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"AgentResonance/internal/directory"
	"AgentResonance/internal/embedding"
	"AgentResonance/internal/events"
	"AgentResonance/internal/llm"
	"AgentResonance/internal/negotiation"
	"AgentResonance/internal/profile"
	"AgentResonance/pkg/sse"
)

type fixture struct {
	server  *httptest.Server
	service *negotiation.Service
}

// scriptedReasoner 对话时返回固定文本，综合阶段直接输出包含 agent-a 的方案。
func scriptedReasoner() llm.Reasoner {
	return llm.ReasonerFunc(func(_ context.Context, _ []llm.Message, tools []llm.Tool) (*llm.Result, error) {
		if len(tools) == 0 {
			return &llm.Result{Text: "可以在两天内交付原型"}, nil
		}
		return &llm.Result{
			ToolName: negotiation.ToolOutputPlan,
			ToolArgs: json.RawMessage(`{"summary":"原型交付","participants":["agent-a"],"tasks":[{"title":"开发原型","assignee_id":"agent-a"}]}`),
		}, nil
	})
}

func newFixture(t *testing.T, confirm time.Duration) *fixture {
	t.Helper()
	encoder := embedding.NewHashEncoder(32)
	dir := directory.New(encoder)
	reasoner := scriptedReasoner()
	bus := events.NewBus()
	driver := negotiation.NewDriver(profile.NewStaticSource(dir, reasoner), embedding.NewService(encoder), reasoner, bus,
		negotiation.WithTimeouts(negotiation.Timeouts{
			Confirm:     confirm,
			Formulation: time.Second,
			Encode:      time.Second,
			Offer:       time.Second,
			Barrier:     2 * time.Second,
			Synthesis:   time.Second,
			Session:     10 * time.Second,
		}))
	svc := negotiation.NewService(driver, dir, bus)
	srv := httptest.NewServer(NewServer(":0", svc, dir, WithKeepAlive(50*time.Millisecond)).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, service: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(encoded)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (f *fixture) registerAgents(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		resp, body := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
			"agent_id":        id,
			"display_name":    strings.ToUpper(id),
			"profile_summary": "移动开发 " + id,
			"scopes":          []string{"mobile"},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: %d %s", id, resp.StatusCode, body)
		}
	}
}

func (f *fixture) submit(t *testing.T) negotiation.View {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/negotiate", map[string]string{
		"intent":  "需要一名移动开发者",
		"user_id": "user-1",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	var view negotiation.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.NegotiationID == "" {
		t.Fatalf("missing negotiation id: %s", body)
	}
	return view
}

func (f *fixture) get(t *testing.T, id string) negotiation.View {
	t.Helper()
	resp, body := f.do(t, http.MethodGet, "/api/v1/negotiate/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}
	var view negotiation.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func (f *fixture) waitFinished(t *testing.T, id string) {
	t.Helper()
	session, ok := f.service.Session(id)
	if !ok {
		t.Fatalf("session %s not tracked", id)
	}
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("negotiation %s did not finish", id)
	}
}

func TestNegotiationLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.registerAgents(t, "agent-a", "agent-b", "agent-c")
	view := f.submit(t)

	deadline := time.Now().Add(3 * time.Second)
	for f.get(t, view.NegotiationID).State != negotiation.StateFormulated {
		if time.Now().After(deadline) {
			t.Fatalf("negotiation never reached FORMULATED")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/negotiate/"+view.NegotiationID+"/confirm",
		map[string]string{"formulated_text": "需要一名 Flutter 开发者"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/api/v1/negotiate/"+view.NegotiationID+"/confirm", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second confirm should conflict, got %d %s", resp.StatusCode, body)
	}

	// SSE 从头回放，并在 plan.ready 后结束。
	streamResp, err := f.server.Client().Get(f.server.URL + "/api/v1/negotiate/" + view.NegotiationID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := sse.NewReader(streamResp.Body)
	var seen []string
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		seen = append(seen, frame.Event)
		var ev events.Event
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			t.Fatalf("frame data is not an event: %v", err)
		}
		if frame.ID != fmt.Sprint(ev.Seq) {
			t.Fatalf("frame id %s does not match seq %d", frame.ID, ev.Seq)
		}
	}
	if len(seen) == 0 || seen[0] != string(events.FormulationReady) || seen[len(seen)-1] != string(events.PlanReady) {
		t.Fatalf("unexpected event order: %v", seen)
	}

	final := f.get(t, view.NegotiationID)
	if final.State != negotiation.StateCompleted || final.PlanJSON == nil || final.DemandFormulated != "需要一名 Flutter 开发者" {
		t.Fatalf("unexpected final view: %+v", final)
	}
}

func TestSSEResumesAfterLastEventID(t *testing.T) {
	f := newFixture(t, negotiation.ConfirmImmediately)
	f.registerAgents(t, "agent-a", "agent-b")
	view := f.submit(t)
	f.waitFinished(t, view.NegotiationID)

	history := f.service.Bus().History(view.NegotiationID)
	if len(history) < 2 {
		t.Fatalf("expected history, got %d events", len(history))
	}
	cut := history[len(history)-2].Seq

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/negotiate/"+view.NegotiationID+"/events", nil)
	req.Header.Set("Last-Event-ID", fmt.Sprint(cut))
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := sse.NewReader(resp.Body)
	var ids []string
	for {
		frame, err := reader.Next()
		if err != nil {
			break
		}
		ids = append(ids, frame.ID)
	}
	if len(ids) != 1 || ids[0] != fmt.Sprint(history[len(history)-1].Seq) {
		t.Fatalf("expected only the last event, got %v", ids)
	}
}

func TestWebSocketReplaysHistory(t *testing.T) {
	f := newFixture(t, negotiation.ConfirmImmediately)
	f.registerAgents(t, "agent-a", "agent-b", "agent-c")
	view := f.submit(t)
	f.waitFinished(t, view.NegotiationID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/negotiate/" + view.NegotiationID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var types []events.Type
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("unexpected close: %v", err)
			}
			break
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		types = append(types, ev.Type)
	}
	want := len(f.service.Bus().History(view.NegotiationID))
	if len(types) != want || types[len(types)-1] != events.PlanReady {
		t.Fatalf("expected %d events ending with plan.ready, got %v", want, types)
	}
}

func TestErrorResponses(t *testing.T) {
	f := newFixture(t, negotiation.ConfirmImmediately)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/api/v1/negotiate", "{", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing intent", http.MethodPost, "/api/v1/negotiate", map[string]string{"user_id": "u"}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown negotiation", http.MethodGet, "/api/v1/negotiate/missing", nil, http.StatusNotFound, "NOT_FOUND"},
		{"confirm unknown", http.MethodPost, "/api/v1/negotiate/missing/confirm", "", http.StatusNotFound, "NOT_FOUND"},
		{"events unknown", http.MethodGet, "/api/v1/negotiate/missing/events", nil, http.StatusNotFound, "NOT_FOUND"},
		{"agent without profile", http.MethodPost, "/api/v1/agents", map[string]string{"agent_id": "x"}, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, resp.StatusCode, body)
			}
			var payload struct {
				Error errorBody `json:"error"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if string(payload.Error.Code) != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, payload.Error)
			}
		})
	}
}

func TestAgentListingAndOperationalEndpoints(t *testing.T) {
	f := newFixture(t, negotiation.ConfirmImmediately)
	f.registerAgents(t, "agent-b", "agent-a")
	resp, _ := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":        "agent-z",
		"profile_summary": "后端",
		"scopes":          []string{"backend"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register agent-z: %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/agents?scope=mobile", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list agents: %d", resp.StatusCode)
	}
	var list agentList
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Version != 3 || len(list.Agents) != 2 || list.Agents[0].ID != "agent-a" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	resp, _ = f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `resonance_http_requests_total{handler="/api/v1/agents`) {
		t.Fatalf("metrics missing request counter: %s", body)
	}
}
