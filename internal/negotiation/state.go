package negotiation

import (
	xerrors "AgentResonance/internal/errors"
)

// transitions 列出合法的前向状态转移。ENCODING 可以在没有参与者时直接进入 SYNTHESIZING。
var transitions = map[State][]State{
	StateCreated:        {StateFormulating},
	StateFormulating:    {StateFormulated},
	StateFormulated:     {StateEncoding},
	StateEncoding:       {StateOffering, StateSynthesizing},
	StateOffering:       {StateBarrierWaiting},
	StateBarrierWaiting: {StateSynthesizing},
	StateSynthesizing:   {StateCompleted},
}

// CanTransition 判断 from 到 to 是否合法。任何非终态都可以进入 ERROR。
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func invalidTransition(from, to State) error {
	return xerrors.New(CodeInvalidTransition, "invalid state transition "+string(from)+" -> "+string(to),
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)))
}

// transition 在 from 与当前状态一致且转移合法时推进状态。
// 顺序错误的调用会中止会话并冻结当前状态。
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.state != from || !CanTransition(from, to) ||
		(from == StateEncoding && to == StateSynthesizing && len(s.order) > 0) {
		err := invalidTransition(s.state, to)
		s.abortLocked(err)
		return err
	}
	s.state = to
	s.touch()
	return nil
}

// expect 校验会话处于某状态但不推进。
func (s *Session) expect(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.state != state {
		err := invalidTransition(s.state, state)
		s.abortLocked(err)
		return err
	}
	return nil
}

// abort 记录非法转移并冻结状态，会话不再推进。
func (s *Session) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(err)
}

func (s *Session) abortLocked(err error) {
	if s.aborted || s.state.Terminal() {
		return
	}
	s.aborted = true
	s.failure = &Failure{Code: xerrors.CodeOf(err), Message: err.Error(), State: s.state}
	s.touch()
}

// markError 将会话置为 ERROR 终态，返回失败前的状态。
func (s *Session) markError(code xerrors.Code, msg string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.aborted {
		return s.state, false
	}
	prev := s.state
	s.state = StateError
	s.failure = &Failure{Code: code, Message: msg, State: prev}
	s.touch()
	return prev, true
}
