package negotiation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/crypto"
)

// PlanSource 标记方案来自哪一层保障。
type PlanSource string

const (
	// PlanFromTool 来自 output_plan 工具参数。
	PlanFromTool PlanSource = "tool"
	// PlanFromText 从推理文本中抽取。
	PlanFromText PlanSource = "extracted"
	// PlanConstructed 由已报价的参与者机械构造。
	PlanConstructed PlanSource = "constructed"
)

// Plan 是协商的最终结构化方案。
type Plan struct {
	Summary      string            `json:"summary"`
	Participants []PlanParticipant `json:"participants"`
	Tasks        []PlanTask        `json:"tasks"`
	Gaps         []string          `json:"gaps,omitempty"`
	Source       PlanSource        `json:"source"`
}

// PlanParticipant 是方案中的一个参与者。
type PlanParticipant struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

// PlanTask 是方案中的一个任务，DependsOn 引用同一方案内的任务 ID。
type PlanTask struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Clone 返回方案的深拷贝。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Participants = append([]PlanParticipant{}, p.Participants...)
	out.Tasks = make([]PlanTask, len(p.Tasks))
	for i, t := range p.Tasks {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		out.Tasks[i] = t
	}
	out.Gaps = append([]string(nil), p.Gaps...)
	return &out
}

// AgentIDs 返回方案中的参与者标识。
func (p *Plan) AgentIDs() []string {
	if p == nil {
		return []string{}
	}
	ids := make([]string, 0, len(p.Participants))
	for _, pp := range p.Participants {
		ids = append(ids, pp.AgentID)
	}
	return ids
}

// Digest 返回方案规范 JSON 的 Keccak-256 摘要。
func (p *Plan) Digest() string {
	if p == nil {
		return ""
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return crypto.Keccak256Hash(encoded).Hex()
}

// Render 将方案渲染为可读文本。
func (p *Plan) Render() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.Summary)
	names := make(map[string]string, len(p.Participants))
	for _, pp := range p.Participants {
		names[pp.AgentID] = pp.DisplayName
	}
	for _, t := range p.Tasks {
		b.WriteString("\n- ")
		b.WriteString(t.Title)
		if name := names[t.AssigneeID]; name != "" {
			fmt.Fprintf(&b, " (%s)", name)
		}
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(t.DependsOn, ", "))
		}
	}
	for _, g := range p.Gaps {
		b.WriteString("\n! ")
		b.WriteString(g)
	}
	return strings.TrimSpace(b.String())
}

// planArgs 兼容推理模型常见的字段写法。
type planArgs struct {
	PlanText     string            `json:"plan_text"`
	Summary      string            `json:"summary"`
	Participants []json.RawMessage `json:"participants"`
	Tasks        []taskArgs        `json:"tasks"`
	Plan         *planArgs         `json:"plan"`
}

type taskArgs struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	AssigneeID  string   `json:"assignee_id"`
	Assignee    string   `json:"assignee"`
	AgentID     string   `json:"agent_id"`
	DependsOn   []string `json:"depends_on"`
}

type participantArgs struct {
	AgentID string `json:"agent_id"`
	ID      string `json:"id"`
	Role    string `json:"role"`
}

// parsePlanArgs 解析结构化方案并按参与者名册校验。
// roster 为已报价参与者；至少一个任务与一个参与者才视为有效。
func parsePlanArgs(raw []byte, roster []Participant, fallbackSummary string) (*Plan, string, bool) {
	var args planArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, "", false
	}
	if args.Plan != nil && len(args.Tasks) == 0 {
		inner := *args.Plan
		if inner.PlanText == "" {
			inner.PlanText = args.PlanText
		}
		args = inner
	}

	known := make(map[string]Participant, len(roster))
	for _, p := range roster {
		known[p.AgentID] = p
	}

	plan := &Plan{Summary: strings.TrimSpace(args.Summary), Participants: []PlanParticipant{}, Tasks: []PlanTask{}}
	seen := make(map[string]bool)
	for _, rawP := range args.Participants {
		id, role := decodeParticipant(rawP)
		p, ok := known[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		plan.Participants = append(plan.Participants, PlanParticipant{AgentID: id, DisplayName: p.DisplayName, Role: role})
	}

	taskIDs := make(map[string]bool)
	for i, t := range args.Tasks {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = strings.TrimSpace(t.Name)
		}
		if title == "" {
			continue
		}
		id := strings.TrimSpace(t.ID)
		if id == "" || taskIDs[id] {
			id = fmt.Sprintf("t%d", i+1)
		}
		taskIDs[id] = true
		assignee := firstNonEmpty(t.AssigneeID, t.AgentID, t.Assignee)
		if _, ok := known[assignee]; !ok {
			assignee = ""
		} else if !seen[assignee] {
			seen[assignee] = true
			plan.Participants = append(plan.Participants, PlanParticipant{AgentID: assignee, DisplayName: known[assignee].DisplayName})
		}
		plan.Tasks = append(plan.Tasks, PlanTask{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(t.Description),
			AssigneeID:  assignee,
			DependsOn:   t.DependsOn,
		})
	}
	for i := range plan.Tasks {
		deps := make([]string, 0, len(plan.Tasks[i].DependsOn))
		for _, dep := range plan.Tasks[i].DependsOn {
			if taskIDs[dep] && dep != plan.Tasks[i].ID {
				deps = append(deps, dep)
			}
		}
		if len(deps) == 0 {
			deps = nil
		}
		plan.Tasks[i].DependsOn = deps
	}

	if len(plan.Tasks) == 0 || len(plan.Participants) == 0 {
		return nil, "", false
	}
	if plan.Summary == "" {
		plan.Summary = fallbackSummary
	}
	return plan, strings.TrimSpace(args.PlanText), true
}

func decodeParticipant(raw json.RawMessage) (id, role string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), ""
	}
	var p participantArgs
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ""
	}
	return strings.TrimSpace(firstNonEmpty(p.AgentID, p.ID)), strings.TrimSpace(p.Role)
}

// extractJSONBlocks 按优先级返回文本中可能的 JSON 对象：先 ```json 代码块，
// 再普通代码块，最后是第一个括号平衡的 {...}。
func extractJSONBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		block := body[:end]
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			lang := strings.TrimSpace(block[:nl])
			if lang == "" || strings.EqualFold(lang, "json") {
				block = block[nl+1:]
			}
		}
		if b := strings.TrimSpace(block); strings.HasPrefix(b, "{") {
			blocks = append(blocks, b)
		}
		rest = body[end+3:]
	}
	if obj, ok := firstBalancedObject(text); ok {
		blocks = append(blocks, obj)
	}
	return blocks
}

// firstBalancedObject 扫描第一个括号平衡的对象，忽略字符串内的括号。
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// constructPlan 是最后一层保障：每个已报价参与者一个任务，不依赖推理输出。
func constructPlan(roster []Participant, summary string) *Plan {
	plan := &Plan{
		Summary:      summary,
		Participants: make([]PlanParticipant, 0, len(roster)),
		Tasks:        make([]PlanTask, 0, len(roster)),
		Source:       PlanConstructed,
	}
	for i, p := range roster {
		plan.Participants = append(plan.Participants, PlanParticipant{AgentID: p.AgentID, DisplayName: p.DisplayName})
		plan.Tasks = append(plan.Tasks, PlanTask{
			ID:          fmt.Sprintf("t%d", i+1),
			Title:       p.DisplayName + " 的贡献",
			Description: truncate(p.OfferContent, 280),
			AssigneeID:  p.AgentID,
		})
	}
	return plan
}

// finalizePlan 依次尝试三层保障，总能返回一个方案及其文本。
// gaps 为未能递归处理的缺口，写入方案供上层查看。
func finalizePlan(args []byte, text string, roster []Participant, summary string, gaps []string) (*Plan, string) {
	if len(args) > 0 {
		if plan, planText, ok := parsePlanArgs(args, roster, summary); ok {
			plan.Source = PlanFromTool
			plan.Gaps = gaps
			return plan, firstNonEmpty(planText, text, plan.Render())
		}
	}
	for _, block := range extractJSONBlocks(text) {
		if plan, planText, ok := parsePlanArgs([]byte(block), roster, summary); ok {
			plan.Source = PlanFromText
			plan.Gaps = gaps
			return plan, firstNonEmpty(planText, plan.Render())
		}
	}
	plan := constructPlan(roster, summary)
	plan.Gaps = gaps
	return plan, firstNonEmpty(text, plan.Render())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
