package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Role 标识一条对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给推理服务的一条消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool 描述推理服务可以调用的一个工具，Parameters 为 JSON Schema。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Result 是一次推理调用的输出：自由文本、工具调用，或二者兼有。
type Result struct {
	Text     string          `json:"text,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
}

// HasToolCall 判断结果中是否包含工具调用。
func (r *Result) HasToolCall() bool {
	return r != nil && strings.TrimSpace(r.ToolName) != ""
}

// Reasoner 定义了调用推理服务的统一接口。
type Reasoner interface {
	Call(ctx context.Context, messages []Message, tools []Tool) (*Result, error)
}

// ReasonerFunc 让普通函数满足 Reasoner 接口，便于测试替身。
type ReasonerFunc func(ctx context.Context, messages []Message, tools []Tool) (*Result, error)

// Call 实现 Reasoner。
func (f ReasonerFunc) Call(ctx context.Context, messages []Message, tools []Tool) (*Result, error) {
	return f(ctx, messages, tools)
}

// System 与 User 是构造消息的便捷函数。
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User 构造一条用户消息。
func User(content string) Message { return Message{Role: RoleUser, Content: content} }
