package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"AgentResonance/internal/events"
	"AgentResonance/pkg/logger"
)

// Synthesize 通过至多 maxRounds 轮工具调用把报价综合成方案。
// 报价按 agent id 排序后再交给推理服务；最后一轮只提供 output_plan。
// 推理失败或输出不可用时依次退化到文本抽取和机械构造，COMPLETED 的会话总有方案。
func (d *Driver) Synthesize(ctx context.Context, s *Session) (err error) {
	if err := s.expect(StateSynthesizing); err != nil {
		return err
	}
	ctx, end := d.phase(ctx, s, "synthesize")
	defer func() { end(&err) }()

	log := logger.ForSession("negotiation", s.ID(), s.ParentID())
	demand := s.Demand().Text()
	offers := s.repliedOffers()

	var (
		final PlanDecision
		notes []string
	)
rounds:
	for round := 1; round <= d.maxRounds; round++ {
		last := round == d.maxRounds
		rctx, cancel := context.WithTimeout(ctx, d.timeouts.Synthesis)
		res, callErr := d.reasoner.Call(rctx, synthesisMessages(demand, offers, notes, round, last), synthesisTools(last, d.gapRecursion))
		cancel()
		s.incCenterRounds()
		if callErr != nil {
			if err := ctxFailure(ctx); err != nil {
				return err
			}
			log.Warn("综合推理失败，使用兜底方案",
				slog.String("code", string(CodeSynthesisParseFailure)),
				slog.Int("round", round),
				slog.Any("error", callErr))
			break
		}

		if res.HasToolCall() {
			args := res.ToolArgs
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			d.publish(ctx, s, events.CenterToolCall, events.CenterToolCallPayload{
				ToolName:    res.ToolName,
				ToolArgs:    args,
				RoundNumber: round,
			})
		}

		dec, ok := decodeDecision(res)
		if !ok {
			log.Info("无法解析工具调用", slog.String("code", string(CodeSynthesisParseFailure)), slog.String("tool", res.ToolName))
		}

		switch dispatch(dec, s.Depth(), d.gapRecursion, last) {
		case stepAsk:
			notes = append(notes, d.ask(ctx, s, dec.(QuestionDecision), demand))
			continue
		case stepSubDialogue:
			notes = append(notes, d.discover(ctx, s, dec.(SubDialogueDecision), demand))
			continue
		case stepGap:
			notes = append(notes, d.recurse(ctx, s, dec.(GapDecision).Description, demand))
			continue
		case stepGapDeclined:
			gap := dec.(GapDecision).Description
			s.declineGap(gap)
			log.Info("缺口未递归", slog.String("code", string(CodeRecursionDepthExceeded)), slog.Int("depth", s.Depth()))
			notes = append(notes, fmt.Sprintf("## 缺口已记录，不再发起子协商\n%s", gap))
			continue
		}

		switch v := dec.(type) {
		case PlanDecision:
			final = v
		case GapDecision:
			s.declineGap(v.Description)
			final = PlanDecision{Text: res.Text}
		default:
			final = PlanDecision{Text: res.Text}
		}
		break rounds
	}

	if err := ctxFailure(ctx); err != nil {
		return err
	}

	plan, text := finalizePlan(final.Args, final.Text, offers, demand, s.gaps())
	if plan.Source == PlanConstructed {
		log.Info("使用机械构造的方案", slog.Int("participants", len(plan.Participants)))
	}
	digest := plan.Digest()
	s.setPlan(text, plan, digest)
	if err := s.transition(StateSynthesizing, StateCompleted); err != nil {
		return err
	}

	d.publish(ctx, s, events.PlanReady, events.PlanReadyPayload{
		PlanText:            text,
		PlanJSON:            plan.Clone(),
		CenterRounds:        s.CenterRounds(),
		ParticipatingAgents: plan.AgentIDs(),
		PlanDigest:          digest,
	})
	return nil
}

// ask 向单个参与者追问，只提供该 agent 自己的画像。
func (d *Driver) ask(ctx context.Context, s *Session, q QuestionDecision, demand string) string {
	answer, err := d.converse(ctx, s, q.AgentID, questionMessages(demand, q.Question))
	if err != nil {
		return fmt.Sprintf("## 追问 %s 未得到回复\n问: %s\n原因: %v", q.AgentID, q.Question, err)
	}
	return fmt.Sprintf("## 追问 %s\n问: %s\n答: %s", q.AgentID, q.Question, answer)
}

// discover 让 A 先就话题发言，B 再回应 A。
func (d *Driver) discover(ctx context.Context, s *Session, sd SubDialogueDecision, demand string) string {
	topic := sd.Topic
	if topic == "" {
		topic = demand
	}
	first, err := d.converse(ctx, s, sd.AgentA, questionMessages(demand, "话题: "+topic))
	if err != nil {
		return fmt.Sprintf("## %s 与 %s 的对话未能进行\n原因: %v", sd.AgentA, sd.AgentB, err)
	}
	second, err := d.converse(ctx, s, sd.AgentB, questionMessages(demand, fmt.Sprintf("话题: %s\n%s 的观点: %s\n请回应。", topic, sd.AgentA, first)))
	if err != nil {
		second = fmt.Sprintf("(未回复: %v)", err)
	}
	return fmt.Sprintf("## %s 与 %s 的对话\n话题: %s\n%s: %s\n%s: %s", sd.AgentA, sd.AgentB, topic, sd.AgentA, first, sd.AgentB, second)
}
