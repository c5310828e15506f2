package negotiation

import (
	"testing"

	"AgentResonance/internal/llm"
)

func TestDecodeDecision(t *testing.T) {
	cases := []struct {
		name string
		res  *llm.Result
		want Decision
		ok   bool
	}{
		{"text", &llm.Result{Text: "方案"}, PlanDecision{Text: "方案"}, true},
		{"ask", &llm.Result{ToolName: ToolAskAgent, ToolArgs: []byte(`{"agent_id":"a1","question":"多久？"}`)}, QuestionDecision{AgentID: "a1", Question: "多久？"}, true},
		{"gap", &llm.Result{ToolName: ToolDeclareGap, ToolArgs: []byte(`{"description":"缺律师"}`)}, GapDecision{Description: "缺律师"}, true},
		{"discovery", &llm.Result{ToolName: ToolStartDiscovery, ToolArgs: []byte(`{"agent_a":"a1","agent_b":"b2","topic":"分工"}`)}, SubDialogueDecision{AgentA: "a1", AgentB: "b2", Topic: "分工"}, true},
		{"ask missing question", &llm.Result{ToolName: ToolAskAgent, ToolArgs: []byte(`{"agent_id":"a1"}`), Text: "t"}, PlanDecision{Text: "t"}, false},
		{"discovery same agent", &llm.Result{ToolName: ToolStartDiscovery, ToolArgs: []byte(`{"agent_a":"a1","agent_b":"a1"}`)}, PlanDecision{}, false},
		{"unknown tool", &llm.Result{ToolName: "launch_rocket", Text: "t"}, PlanDecision{Text: "t"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := decodeDecision(tc.res)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if pd, isPlan := got.(PlanDecision); isPlan {
				want, wantPlan := tc.want.(PlanDecision)
				if !wantPlan || pd.Text != want.Text {
					t.Fatalf("got %#v, want %#v", got, tc.want)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	cases := []struct {
		name  string
		dec   Decision
		depth int
		gaps  bool
		last  bool
		want  stepKind
	}{
		{"plan", PlanDecision{}, 0, true, false, stepFinalize},
		{"ask", QuestionDecision{AgentID: "a"}, 0, true, false, stepAsk},
		{"gap at root", GapDecision{Description: "x"}, 0, true, false, stepGap},
		{"gap at depth one", GapDecision{Description: "x"}, 1, true, false, stepGapDeclined},
		{"gap disabled", GapDecision{Description: "x"}, 0, false, false, stepGapDeclined},
		{"discovery", SubDialogueDecision{}, 0, true, false, stepSubDialogue},
		{"last round forces plan", QuestionDecision{AgentID: "a"}, 0, true, true, stepFinalize},
	}
	for _, tc := range cases {
		if got := dispatch(tc.dec, tc.depth, tc.gaps, tc.last); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestSynthesisToolsFinalRound(t *testing.T) {
	tools := synthesisTools(true, true)
	if len(tools) != 1 || tools[0].Name != ToolOutputPlan {
		t.Fatalf("final round must only offer output_plan, got %v", tools)
	}
	if got := len(synthesisTools(false, true)); got != 4 {
		t.Fatalf("expected 4 tools, got %d", got)
	}
	if got := len(synthesisTools(false, false)); got != 3 {
		t.Fatalf("expected 3 tools without gap recursion, got %d", got)
	}
}
