package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/llm"
	"AgentResonance/pkg/sse"
)

// HTTPConfig 描述远端画像服务。
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPSource 通过 HTTP 访问远端画像服务：
//
//	GET  {base}/agents/{id}/profile
//	POST {base}/agents/{id}/chat         {"messages":[...],"system_prompt":"..."} -> {"text":"..."}
//	POST {base}/agents/{id}/chat/stream  同上，返回 text/event-stream，data 为 {"delta":"..."}，以 [DONE] 结束
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPSource 创建远端画像来源。
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("画像服务地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("画像服务返回错误状态 %d: %s", e.status, e.body)
}

func (e *statusError) HTTPStatus() int { return e.status }

type chatRequest struct {
	Messages     []llm.Message `json:"messages"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
}

// GetProfile 读取远端画像。
func (s *HTTPSource) GetProfile(ctx context.Context, agentID string) (Profile, error) {
	resp, err := s.do(ctx, http.MethodGet, s.agentURL(agentID, "profile"), nil)
	if err != nil {
		return Profile{}, classify(err, agentID)
	}
	defer resp.Body.Close()

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, classify(fmt.Errorf("解析画像失败: %w", err), agentID)
	}
	if p.AgentID == "" {
		p.AgentID = agentID
	}
	return p, nil
}

// Chat 以 agent 身份完成一次对话。
func (s *HTTPSource) Chat(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string) (string, error) {
	resp, err := s.do(ctx, http.MethodPost, s.agentURL(agentID, "chat"), chatRequest{Messages: messages, SystemPrompt: systemPrompt})
	if err != nil {
		return "", classify(err, agentID)
	}
	defer resp.Body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", classify(fmt.Errorf("解析对话响应失败: %w", err), agentID)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "画像服务返回空内容", xerrors.WithMetadata("agent_id", agentID))
	}
	return text, nil
}

// ChatStream 以 SSE 方式读取增量文本并返回拼接后的完整内容。
func (s *HTTPSource) ChatStream(ctx context.Context, agentID string, messages []llm.Message, systemPrompt string, onChunk func(string) error) (string, error) {
	resp, err := s.do(ctx, http.MethodPost, s.agentURL(agentID, "chat/stream"), chatRequest{Messages: messages, SystemPrompt: systemPrompt})
	if err != nil {
		return "", classify(err, agentID)
	}
	defer resp.Body.Close()

	var full strings.Builder
	reader := sse.NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), classify(fmt.Errorf("读取流式响应失败: %w", err), agentID)
		}
		if frame.Data == "[DONE]" {
			break
		}
		if frame.Event == "error" {
			return full.String(), classify(errors.New(frame.Data), agentID)
		}
		var chunk struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			return full.String(), classify(fmt.Errorf("解析流式片段失败: %w", err), agentID)
		}
		if chunk.Delta == "" {
			continue
		}
		full.WriteString(chunk.Delta)
		if onChunk != nil {
			if err := onChunk(chunk.Delta); err != nil {
				return full.String(), err
			}
		}
	}
	return strings.TrimSpace(full.String()), nil
}

func (s *HTTPSource) agentURL(agentID, suffix string) string {
	return s.baseURL + "/agents/" + url.PathEscape(agentID) + "/" + suffix
}

func (s *HTTPSource) do(ctx context.Context, method, endpoint string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求画像服务失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

var (
	_ Source   = (*HTTPSource)(nil)
	_ Streamer = (*HTTPSource)(nil)
)
