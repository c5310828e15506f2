package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"AgentResonance/internal/directory"
	"AgentResonance/internal/events"
	"AgentResonance/internal/llm"
	"AgentResonance/pkg/logger"
)

// recurse 为缺口同步运行一个子协商，并把结果整理为下一轮综合的补充信息。
// 子协商失败不影响父协商，缺口会写入父方案。
func (d *Driver) recurse(ctx context.Context, parent *Session, gap, demand string) string {
	log := logger.ForSession("negotiation", parent.ID(), parent.ParentID())
	child, err := newChildSession(parent, d.newID(), childIntent(gap, demand), d.now())
	if err != nil {
		parent.declineGap(gap)
		log.Info("缺口未递归", slog.String("code", string(CodeRecursionDepthExceeded)))
		return fmt.Sprintf("## 缺口已记录，不再发起子协商\n%s", gap)
	}
	if d.onChild != nil {
		d.onChild(child)
	}
	parent.addSubNegotiation(child.ID())
	d.publish(ctx, parent, events.SubNegotiationStarted, events.SubNegotiationStartedPayload{
		SubNegotiationID: child.ID(),
		GapDescription:   gap,
	})
	log.Info("启动子协商", slog.String("sub_negotiation_id", child.ID()))

	runErr := d.Run(ctx, child)
	view := child.View()
	if runErr != nil || view.State != StateCompleted {
		parent.declineGap(gap)
		reason := "unknown"
		if view.Error != nil {
			reason = view.Error.Message
		}
		return fmt.Sprintf("## 子协商未完成 (缺口: %s)\n原因: %s", gap, reason)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## 子协商结果 (缺口: %s)\n%s", gap, view.PlanOutput)
	if view.PlanJSON != nil {
		for _, g := range view.PlanJSON.Gaps {
			parent.declineGap(g)
			fmt.Fprintf(&b, "\n未解决: %s", g)
		}
	}
	return b.String()
}

// converse 以参与者自己的画像进行一次追问，超时与报价单元相同。只有已回复报价的参与者会被追问。
func (d *Driver) converse(ctx context.Context, s *Session, agentID string, messages []llm.Message) (string, error) {
	p, ok := s.Participant(agentID)
	if !ok {
		return "", fmt.Errorf("%s 不是本次协商的参与者", agentID)
	}
	if p.State != ParticipantReplied {
		return "", fmt.Errorf("%s 未提交报价，已退出协商(%s)", agentID, p.ExitReason)
	}
	agent, ok := s.Snapshot().Get(agentID)
	if !ok {
		agent = directory.Agent{ID: p.AgentID, DisplayName: p.DisplayName}
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeouts.Offer)
	defer cancel()
	reply, err := d.profiles.Chat(cctx, agentID, messages, offerSystemPrompt(agent))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
