package negotiation

import (
	"encoding/json"
	"strings"

	"AgentResonance/internal/llm"
)

// 综合阶段可用的工具名。
const (
	ToolOutputPlan     = "output_plan"
	ToolAskAgent       = "ask_agent"
	ToolDeclareGap     = "declare_gap"
	ToolStartDiscovery = "start_discovery"
)

// Decision 是一轮综合推理的结果，取值为 PlanDecision、QuestionDecision、
// GapDecision 或 SubDialogueDecision 之一。
type Decision interface {
	isDecision()
}

// PlanDecision 给出最终方案。Args 为空表示推理只返回了文本。
type PlanDecision struct {
	Args json.RawMessage
	Text string
}

// QuestionDecision 向某个参与者追问。
type QuestionDecision struct {
	AgentID  string
	Question string
}

// GapDecision 声明一个当前参与者无法覆盖的缺口。
type GapDecision struct {
	Description string
}

// SubDialogueDecision 让两个参与者围绕一个话题对话。
type SubDialogueDecision struct {
	AgentA string
	AgentB string
	Topic  string
}

func (PlanDecision) isDecision()        {}
func (QuestionDecision) isDecision()    {}
func (GapDecision) isDecision()         {}
func (SubDialogueDecision) isDecision() {}

// decodeDecision 将推理结果转换为决策。参数缺失或工具未知时退化为只带文本的
// PlanDecision，并返回 false 表示发生了解析失败。
func decodeDecision(res *llm.Result) (Decision, bool) {
	if res == nil {
		return PlanDecision{}, false
	}
	if !res.HasToolCall() {
		return PlanDecision{Text: res.Text}, true
	}
	switch res.ToolName {
	case ToolOutputPlan:
		return PlanDecision{Args: res.ToolArgs, Text: res.Text}, true
	case ToolAskAgent:
		var args struct {
			AgentID  string `json:"agent_id"`
			Question string `json:"question"`
		}
		if json.Unmarshal(res.ToolArgs, &args) == nil &&
			strings.TrimSpace(args.AgentID) != "" && strings.TrimSpace(args.Question) != "" {
			return QuestionDecision{AgentID: strings.TrimSpace(args.AgentID), Question: strings.TrimSpace(args.Question)}, true
		}
	case ToolDeclareGap:
		var args struct {
			Description string `json:"description"`
		}
		if json.Unmarshal(res.ToolArgs, &args) == nil && strings.TrimSpace(args.Description) != "" {
			return GapDecision{Description: strings.TrimSpace(args.Description)}, true
		}
	case ToolStartDiscovery:
		var args struct {
			AgentA string `json:"agent_a"`
			AgentB string `json:"agent_b"`
			Topic  string `json:"topic"`
		}
		if json.Unmarshal(res.ToolArgs, &args) == nil &&
			args.AgentA != "" && args.AgentB != "" && args.AgentA != args.AgentB {
			return SubDialogueDecision{AgentA: args.AgentA, AgentB: args.AgentB, Topic: strings.TrimSpace(args.Topic)}, true
		}
	}
	return PlanDecision{Text: res.Text}, false
}

// stepKind 是调度器为一个决策选出的动作。
type stepKind int

const (
	stepFinalize stepKind = iota
	stepAsk
	stepGap
	stepGapDeclined
	stepSubDialogue
)

// dispatch 是纯函数：根据决策、递归深度与轮次决定下一步动作，不产生副作用。
// 最后一轮只接受方案，其余决策一律进入最终化。
func dispatch(dec Decision, depth int, gapRecursion, lastRound bool) stepKind {
	if lastRound {
		return stepFinalize
	}
	switch dec.(type) {
	case QuestionDecision:
		return stepAsk
	case GapDecision:
		if !gapRecursion || depth >= MaxDepth {
			return stepGapDeclined
		}
		return stepGap
	case SubDialogueDecision:
		return stepSubDialogue
	default:
		return stepFinalize
	}
}
