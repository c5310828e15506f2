package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/events"
	"AgentResonance/internal/profile"
	"AgentResonance/pkg/logger"
)

// Formulate 借助提交者自己的画像把原始意图改写为需求文本。
// 任何失败都降级为原始意图并标记原因，协商继续进行。
func (d *Driver) Formulate(ctx context.Context, s *Session) (err error) {
	if err := s.transition(StateCreated, StateFormulating); err != nil {
		return err
	}
	ctx, end := d.phase(ctx, s, "formulate")
	defer func() { end(&err) }()

	demand := s.Demand()
	text, reason := d.formulate(ctx, demand)
	if err := ctxFailure(ctx); err != nil {
		return err
	}
	if reason != "" {
		text = demand.RawIntent
		logger.ForSession("negotiation", s.ID(), s.ParentID()).Warn("需求表述降级",
			slog.String("code", string(CodeFormulationDegraded)),
			slog.String("reason", string(reason)))
	}
	s.setFormulation(text, reason)
	if err := s.transition(StateFormulating, StateFormulated); err != nil {
		return err
	}

	d.publish(ctx, s, events.FormulationReady, events.FormulationReadyPayload{
		FormulatedText: text,
		Degraded:       reason != "",
		DegradedReason: string(reason),
	})
	return nil
}

func (d *Driver) formulate(ctx context.Context, demand Demand) (string, DegradedReason) {
	fctx, cancel := context.WithTimeout(ctx, d.timeouts.Formulation)
	defer cancel()

	prof, err := d.profiles.GetProfile(fctx, demand.UserID)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return "", degradeReason(fctx, err)
		}
		prof = profile.Profile{}
	}

	reply, err := d.profiles.Chat(fctx, demand.UserID, formulationMessages(demand.RawIntent), formulationSystemPrompt(prof))
	if err != nil {
		return "", degradeReason(fctx, err)
	}
	text := parseFormulation(reply)
	if text == "" {
		return "", ReasonFormulationError
	}
	return text, ""
}

func degradeReason(ctx context.Context, err error) DegradedReason {
	switch {
	case profile.IsTokenExpired(err):
		return ReasonTokenExpired
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonFormulationTimeout
	default:
		return ReasonAdapterError
	}
}

// AwaitConfirmation 在 FORMULATED 检查点等待用户确认，超时后自动确认。
// 子协商不等待。确认超时为负数时立即通过。
func (d *Driver) AwaitConfirmation(ctx context.Context, s *Session) error {
	if err := s.expect(StateFormulated); err != nil {
		return err
	}
	log := logger.ForSession("negotiation", s.ID(), s.ParentID())
	if d.ConfirmsImmediately(s) {
		s.autoConfirm()
		s.pass()
		return nil
	}

	timer := time.NewTimer(d.timeouts.Confirm)
	defer timer.Stop()
	select {
	case <-s.confirmCh:
		s.applyConfirmation()
		log.Info("需求已确认")
	case <-timer.C:
		s.autoConfirm()
		log.Info("确认超时，自动确认", slog.Duration("timeout", d.timeouts.Confirm))
	case <-ctx.Done():
		return ctxFailure(ctx)
	}
	s.pass()
	return nil
}
