package profile

import (
	"context"
	"errors"
	"net/http"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/llm"
)

var (
	// ErrTokenExpired 表示画像来源的凭证已失效，需要用户重新授权。
	ErrTokenExpired = xerrors.New(xerrors.CodeCredentialExpired, "画像来源凭证已过期")
	// ErrProfileNotFound 表示画像来源中不存在该 agent。
	ErrProfileNotFound = xerrors.New(xerrors.CodeNotFound, "画像不存在")
)

// Profile 是画像来源返回的字段集合。
type Profile struct {
	AgentID      string            `json:"agent_id"`
	DisplayName  string            `json:"display_name"`
	Summary      string            `json:"summary"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// Source 是 agent 画像与对话能力的统一接口。
// 凭证失效时必须返回可被 errors.Is(err, ErrTokenExpired) 识别的错误。
type Source interface {
	GetProfile(ctx context.Context, agentID string) (Profile, error)
	Chat(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string) (string, error)
}

// Streamer 是可选的流式对话能力，onChunk 按到达顺序接收增量文本。
type Streamer interface {
	ChatStream(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string, onChunk func(string) error) (string, error)
}

// IsTokenExpired 判断错误是否为凭证失效。
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// classify 将底层错误统一为带错误码的错误，context 错误保持可识别。
func classify(err error, agentID string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		switch status.HTTPStatus() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return xerrors.Wrap(xerrors.CodeCredentialExpired, err, "画像来源凭证已过期",
				xerrors.WithMetadata("agent_id", agentID))
		case http.StatusNotFound:
			return xerrors.Wrap(xerrors.CodeNotFound, err, "画像不存在",
				xerrors.WithMetadata("agent_id", agentID))
		}
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "画像来源调用失败",
		xerrors.WithMetadata("agent_id", agentID))
}
