// Package llm is the model-provider abstraction behind the generative and
// agentic tiers. Providers register adapters on a shared client; callers
// build Requests and read structured Responses without touching provider
// SDKs.
package llm

import (
	"encoding/json"
	"strconv"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types within a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one unit of message content. Type selects which fields
// are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ToolID    string          `json:"toolId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	ToolResult string `json:"toolResult,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultBlock builds the reply to a tool_use block.
func ToolResultBlock(toolID, result string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolID: toolID, ToolResult: result, IsError: isError}
}

// Message is one turn of the conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText builds a single-text-block user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
}

// Validate rejects requests no adapter could serve.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &ConfigurationError{Message: "message " + strconv.Itoa(i) + " has unknown role"}
		}
		if len(m.Content) == 0 {
			return &ConfigurationError{Message: "message " + strconv.Itoa(i) + " has no content"}
		}
	}
	return nil
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is a provider-neutral completion result.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stopReason"`
	Model      string         `json:"model,omitempty"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the response's tool_use blocks.
func (r Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
