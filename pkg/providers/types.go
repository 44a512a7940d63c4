package providers

import (
	"context"
	"encoding/json"
)

// Roles used in canonical messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Media is an attachment on a message: inline Data or a remote URL.
type Media struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Message is one turn of the canonical conversation.
//
// An assistant turn that requested tools carries ToolCalls. Results come
// back either as one RoleTool message per result (ToolCallID set) or as a
// single user message carrying ToolResults, depending on the family that
// produced the round.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Media       []Media      `json:"media,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	// Thinking holds the signed reasoning blocks of an assistant turn.
	Thinking []ThinkingBlock `json:"thinking,omitempty"`
	// IsError marks a failed result on a RoleTool message.
	IsError bool `json:"is_error,omitempty"`
}

// ThinkingBlock is one reasoning block as the provider returned it.
// Anthropic rejects a tool continuation whose assistant turn lacks them.
type ThinkingBlock struct {
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	// Redacted carries the opaque data of a redacted_thinking block.
	Redacted string `json:"redacted,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments as a JSON object, never null.
func (tc ToolCall) ArgumentsJSON() json.RawMessage {
	if len(tc.Arguments) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool offered to the model. Parameters is a
// JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the canonical result of one provider call.
type Response struct {
	Text           string
	Thinking       string
	ThinkingBlocks []ThinkingBlock
	ToolCalls      []ToolCall
	FinishReason   string
	Usage          *Usage
}

// Request is the working copy of a chat request. The tool loop appends to
// Messages and refreshes APIKey before every round.
type Request struct {
	Messages  []Message
	Model     string
	Provider  string
	BaseURL   string
	APIKey    string
	Tools     []ToolDefinition
	MaxTokens int
}

// ModelContext is the gateway's configured model, resolved from
// configuration and the vault.
type ModelContext struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// Sink receives incremental output from adapters that stream.
type Sink interface {
	Text(delta string) error
	ThinkingStart() error
	ThinkingDelta(delta string) error
	ThinkingEnd() error
}

// Adapter translates canonical requests to one provider family.
type Adapter interface {
	Family() Family

	// Streams reports whether Call delivers text through the Sink as it
	// arrives. When false the caller forwards Response.Text itself.
	Streams() bool

	Call(ctx context.Context, req *Request, sink Sink) (*Response, error)

	// AppendRound appends the tool round of resp to msgs in this family's
	// shape.
	AppendRound(msgs []Message, resp *Response, results []ToolResult) []Message
}

// NopSink discards streamed output.
type NopSink struct{}

func (NopSink) Text(string) error          { return nil }
func (NopSink) ThinkingStart() error       { return nil }
func (NopSink) ThinkingDelta(string) error { return nil }
func (NopSink) ThinkingEnd() error         { return nil }
