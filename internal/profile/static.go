package profile

import (
	"context"
	"strings"

	"AgentResonance/internal/directory"
	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/llm"
)

// StaticSource 从本地 agent 目录读取画像，并通过推理服务以 agent 身份对话。
type StaticSource struct {
	dir      *directory.Directory
	reasoner llm.Reasoner
}

// NewStaticSource 创建基于目录的画像来源。
func NewStaticSource(dir *directory.Directory, reasoner llm.Reasoner) *StaticSource {
	return &StaticSource{dir: dir, reasoner: reasoner}
}

// GetProfile 返回目录中该 agent 的最新画像。
func (s *StaticSource) GetProfile(_ context.Context, agentID string) (Profile, error) {
	agent, ok := s.dir.Get(agentID)
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return FromAgent(agent), nil
}

// Chat 以 systemPrompt 作为 agent 身份设定调用推理服务。
func (s *StaticSource) Chat(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string) (string, error) {
	msgs := make([]llm.Message, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, llm.System(systemPrompt))
	}
	msgs = append(msgs, messages...)

	res, err := s.reasoner.Call(ctx, msgs, nil)
	if err != nil {
		return "", classify(err, agentID)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "推理服务返回空内容",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return text, nil
}

// FromAgent 将目录记录转换为画像字段。
func FromAgent(a directory.Agent) Profile {
	c := a.Clone()
	return Profile{
		AgentID:      c.ID,
		DisplayName:  c.Name(),
		Summary:      c.Summary,
		Capabilities: c.Capabilities,
		Fields:       c.Fields,
	}
}

var _ Source = (*StaticSource)(nil)
