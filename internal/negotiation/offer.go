package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"AgentResonance/internal/directory"
	"AgentResonance/internal/events"
	"AgentResonance/internal/observability/metrics"
	"AgentResonance/pkg/logger"
)

// Offer 为每个参与者启动一个独立的报价单元，并在屏障上等待全部完成或屏障超时。
// 每个单元只拿到该 agent 自己的画像和需求文本。屏障超时后仍未结算的参与者被标记为 EXITED，
// 其调用通过取消上下文结束，迟到的结果被忽略。
func (d *Driver) Offer(ctx context.Context, s *Session) (err error) {
	if err := s.expect(StateOffering); err != nil {
		return err
	}
	ctx, end := d.phase(ctx, s, "offer")
	defer func() { end(&err) }()

	participants := s.Participants()
	demand := s.Demand().Text()
	snapshot := s.Snapshot()

	bctx, cancel := context.WithTimeout(ctx, d.timeouts.Barrier)
	defer cancel()

	b := newBarrier(len(participants))
	for _, p := range participants {
		agent, ok := snapshot.Get(p.AgentID)
		if !ok {
			agent = directory.Agent{ID: p.AgentID, DisplayName: p.DisplayName}
		}
		go d.runOffer(bctx, s, agent, demand, b)
	}
	if err := s.transition(StateOffering, StateBarrierWaiting); err != nil {
		return err
	}

	complete := b.Wait(bctx)
	cancel()

	s.emitMu.Lock()
	replied, exited, forced := s.closeBarrier()
	if sessionErr := ctxFailure(ctx); sessionErr != nil {
		s.emitMu.Unlock()
		return sessionErr
	}
	d.publish(ctx, s, events.BarrierComplete, events.BarrierCompletePayload{
		TotalParticipants: len(participants),
		OffersReceived:    replied,
		ExitedCount:       exited,
		TimedOut:          !complete,
	})
	s.emitMu.Unlock()

	if forced > 0 {
		logger.ForSession("negotiation", s.ID(), s.ParentID()).Warn("屏障超时，强制结束未回复的参与者",
			slog.String("code", string(CodeBarrierTimeout)),
			slog.Int("forced", forced),
			slog.Int("arrived", b.Completed()))
		for i := 0; i < forced; i++ {
			metrics.IncOffer(ExitBarrierTimeout)
		}
	}
	return s.transition(StateBarrierWaiting, StateSynthesizing)
}

func (d *Driver) runOffer(ctx context.Context, s *Session, agent directory.Agent, demand string, b *barrier) {
	defer b.Arrive()
	log := logger.ForSession("negotiation", s.ID(), s.ParentID()).With(slog.String("agent_id", agent.ID))

	state, content, reason := d.requestOffer(ctx, agent, demand, log)

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	p, ok := s.settle(agent.ID, state, content, reason)
	if !ok {
		log.Debug("屏障已释放，忽略迟到的报价")
		return
	}
	if state == ParticipantExited {
		metrics.IncOffer(reason)
		return
	}
	metrics.IncOffer("replied")
	d.publish(ctx, s, events.OfferReceived, events.OfferReceivedPayload{
		AgentID:     p.AgentID,
		DisplayName: p.DisplayName,
		Content:     p.OfferContent,
	})
}

// requestOffer 调用 agent 的对话能力，任何错误或 panic 都转为 EXITED。
func (d *Driver) requestOffer(ctx context.Context, agent directory.Agent, demand string, log *slog.Logger) (state ParticipantState, content, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("报价单元异常退出", slog.String("code", string(CodeOfferAdapterError)), slog.String("panic", fmt.Sprint(r)))
			state, content, reason = ParticipantExited, "", ExitAdapterError
		}
	}()

	octx, cancel := context.WithTimeout(ctx, d.timeouts.Offer)
	defer cancel()

	reply, err := d.profiles.Chat(octx, agent.ID, offerMessages(demand), offerSystemPrompt(agent))
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || octx.Err() != nil):
		log.Info("报价超时", slog.String("code", string(CodeOfferTimeout)))
		return ParticipantExited, "", ExitTimeout
	case err != nil:
		log.Warn("报价失败", slog.String("code", string(CodeOfferAdapterError)), slog.Any("error", err))
		return ParticipantExited, "", ExitAdapterError
	case strings.TrimSpace(reply) == "":
		log.Warn("报价内容为空", slog.String("code", string(CodeOfferAdapterError)))
		return ParticipantExited, "", ExitAdapterError
	}
	return ParticipantReplied, strings.TrimSpace(reply), ""
}
