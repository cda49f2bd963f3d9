// Package llms provides chat-completion providers behind a single Provider
// interface, with tool calling and token streaming.
package llms

import "context"

// Message roles follow the OpenAI chat convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName link a tool-role message back to the call it
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Response is a complete, non-streamed model turn.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Tokens    int
}

// StreamChunk is one unit of a streamed model turn. Type is one of "text",
// "tool_call", "done", "error".
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Error    error
}

// Provider is a chat-completion backend.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	ModelName() string
	Close() error
}
