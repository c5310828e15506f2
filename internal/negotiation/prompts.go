package negotiation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"AgentResonance/internal/directory"
	"AgentResonance/internal/llm"
	"AgentResonance/internal/profile"
)

func formulationSystemPrompt(p profile.Profile) string {
	var b strings.Builder
	b.WriteString("你代表提交需求的用户，请根据其画像把原始意图改写为一段清晰、可执行的需求描述。\n")
	b.WriteString("规则：\n1. 只补充画像中能确认的背景与约束，不编造事实。\n")
	b.WriteString("2. 保留原始意图中的所有要求。\n3. 直接输出改写后的需求文本，不要解释。\n")
	if p.AgentID != "" {
		b.WriteString("\n# 用户画像\n")
		writeProfile(&b, p.DisplayName, p.Summary, p.Capabilities, p.Fields)
	}
	return b.String()
}

func formulationMessages(raw string) []llm.Message {
	return []llm.Message{llm.User("# 原始意图\n" + raw)}
}

// parseFormulation 兼容推理服务返回 {"formulated_text": ...} 的写法。
func parseFormulation(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "{") {
		var obj struct {
			FormulatedText string `json:"formulated_text"`
			Demand         string `json:"demand"`
		}
		if json.Unmarshal([]byte(reply), &obj) == nil {
			return firstNonEmpty(obj.FormulatedText, obj.Demand)
		}
	}
	return reply
}

// offerSystemPrompt 只包含该 agent 自己的画像。
func offerSystemPrompt(a directory.Agent) string {
	var b strings.Builder
	b.WriteString("你是下面这个 agent，只能以自己的身份和能力回应需求。\n")
	b.WriteString("规则：\n1. 只承诺画像中具备的能力。\n2. 说明你能贡献什么、需要什么条件。\n3. 无法贡献时直接说明。\n\n# 你的画像\n")
	writeProfile(&b, a.Name(), a.Summary, a.Capabilities, a.Fields)
	return b.String()
}

func offerMessages(demand string) []llm.Message {
	return []llm.Message{llm.User("# 需求\n" + demand + "\n\n请给出你的报价。")}
}

func questionMessages(demand, question string) []llm.Message {
	return []llm.Message{llm.User("# 需求\n" + demand + "\n\n# 协调者的追问\n" + question)}
}

func writeProfile(b *strings.Builder, name, summary string, capabilities []string, fields map[string]string) {
	fmt.Fprintf(b, "名称: %s\n简介: %s\n", name, summary)
	if len(capabilities) > 0 {
		fmt.Fprintf(b, "能力: %s\n", strings.Join(capabilities, ", "))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %s\n", k, fields[k])
	}
}

const synthesisRules = `你是协商中心，负责把参与者的报价综合成一个协作方案。
规则：
1. 方案中的参与者和任务只能来自下面列出的报价，不得虚构 agent。
2. 每个任务指定一个负责人 (assignee_id)，依赖 (depends_on) 只能引用方案内的任务 id。
3. 信息足够时立即调用 output_plan。
4. 信息不足时可以调用 ask_agent 追问某个参与者，或 start_discovery 让两个参与者对话。
5. 存在任何参与者都无法覆盖的需求时调用 declare_gap 描述缺口。
6. 每轮只调用一个工具。`

const finalRoundRule = "\n7. 这是最后一轮，必须调用 output_plan。"

func synthesisMessages(demand string, offers []Participant, notes []string, round int, last bool) []llm.Message {
	rules := synthesisRules
	if last {
		rules += finalRoundRule
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# 需求\n%s\n\n# 报价 (第 %d 轮)\n", demand, round)
	if len(offers) == 0 {
		b.WriteString("(没有参与者报价)\n")
	}
	for _, o := range offers {
		fmt.Fprintf(&b, "## %s (agent_id=%s)\n%s\n\n", o.DisplayName, o.AgentID, o.OfferContent)
	}
	if len(notes) > 0 {
		b.WriteString("# 补充信息\n")
		for _, n := range notes {
			b.WriteString(n)
			b.WriteString("\n\n")
		}
	}
	return []llm.Message{llm.System(rules), llm.User(strings.TrimSpace(b.String()))}
}

var (
	outputPlanTool = llm.Tool{
		Name:        ToolOutputPlan,
		Description: "输出最终协作方案",
		Parameters: json.RawMessage(`{"type":"object","properties":{
"plan_text":{"type":"string"},
"summary":{"type":"string"},
"participants":{"type":"array","items":{"type":"object","properties":{"agent_id":{"type":"string"},"role":{"type":"string"}},"required":["agent_id"]}},
"tasks":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"title":{"type":"string"},"description":{"type":"string"},"assignee_id":{"type":"string"},"depends_on":{"type":"array","items":{"type":"string"}}},"required":["title"]}}
},"required":["summary","participants","tasks"]}`),
	}
	askAgentTool = llm.Tool{
		Name:        ToolAskAgent,
		Description: "向一个参与者追问",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string"},"question":{"type":"string"}},"required":["agent_id","question"]}`),
	}
	declareGapTool = llm.Tool{
		Name:        ToolDeclareGap,
		Description: "声明当前参与者无法覆盖的缺口",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"description":{"type":"string"}},"required":["description"]}`),
	}
	startDiscoveryTool = llm.Tool{
		Name:        ToolStartDiscovery,
		Description: "让两个参与者围绕一个话题对话",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"agent_a":{"type":"string"},"agent_b":{"type":"string"},"topic":{"type":"string"}},"required":["agent_a","agent_b","topic"]}`),
	}
)

// synthesisTools 返回本轮可用的工具，最后一轮只保留 output_plan。
func synthesisTools(last, gapRecursion bool) []llm.Tool {
	if last {
		return []llm.Tool{outputPlanTool}
	}
	tools := []llm.Tool{outputPlanTool, askAgentTool}
	if gapRecursion {
		tools = append(tools, declareGapTool)
	}
	return append(tools, startDiscoveryTool)
}

// childIntent 组合缺口描述与父需求作为子协商的意图。
func childIntent(gap, parentDemand string) string {
	return gap + "\n\n# 背景 (上级需求)\n" + parentDemand
}
