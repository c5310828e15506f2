package negotiation

import (
	"context"
	"log/slog"

	"AgentResonance/internal/embedding"
	"AgentResonance/internal/events"
	"AgentResonance/pkg/logger"
)

// Resonate 在会话快照中按相似度选出参与者。提交者本人不会被激活。
// 没有参与者时直接进入 SYNTHESIZING，并发布计数为零的 barrier.complete。
func (d *Driver) Resonate(ctx context.Context, s *Session) (err error) {
	if err := s.transition(StateFormulated, StateEncoding); err != nil {
		return err
	}
	ctx, end := d.phase(ctx, s, "resonate")
	defer func() { end(&err) }()

	demand := s.Demand()
	snapshot := s.Snapshot()
	var candidates []embedding.Candidate
	for _, c := range snapshot.Candidates() {
		if c.ID != demand.UserID {
			candidates = append(candidates, c)
		}
	}

	var ranked []embedding.Score
	if len(candidates) > 0 {
		ectx, cancel := context.WithTimeout(ctx, d.timeouts.Encode)
		query, encErr := d.similarity.Encode(ectx, demand.Text())
		cancel()
		if encErr != nil {
			if err := ctxFailure(ctx); err != nil {
				return err
			}
			s.setResonanceError(encErr.Error())
			logger.ForSession("negotiation", s.ID(), s.ParentID()).Warn("需求向量化失败，不激活任何 agent",
				slog.Any("error", encErr))
		} else {
			ranked = embedding.RankVector(query, candidates)
		}
	}

	selected := selectActivated(ranked, d.policy.K(len(ranked)), d.policy.MinScore)
	payload := events.ResonanceActivatedPayload{Agents: make([]events.ActivatedAgent, 0, len(selected))}
	for _, sc := range selected {
		name := sc.ID
		if agent, ok := snapshot.Get(sc.ID); ok {
			name = agent.Name()
		}
		s.activate(Participant{AgentID: sc.ID, DisplayName: name, ResonanceScore: sc.Score})
		payload.Agents = append(payload.Agents, events.ActivatedAgent{
			AgentID:        sc.ID,
			DisplayName:    name,
			ResonanceScore: sc.Score,
		})
	}
	d.publish(ctx, s, events.ResonanceActivated, payload)

	if len(selected) == 0 {
		if err := s.transition(StateEncoding, StateSynthesizing); err != nil {
			return err
		}
		d.publish(ctx, s, events.BarrierComplete, events.BarrierCompletePayload{})
		return nil
	}
	return s.transition(StateEncoding, StateOffering)
}

// selectActivated 取排名前 k 个，再去掉低于 minScore 的候选。minScore 不大于 0 时不过滤。
func selectActivated(ranked []embedding.Score, k int, minScore float64) []embedding.Score {
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]embedding.Score, 0, k)
	for _, sc := range ranked[:k] {
		if minScore <= 0 || sc.Score >= minScore {
			out = append(out, sc)
		}
	}
	return out
}
