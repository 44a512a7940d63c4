package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/picogate/pkg/logger"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultMaxTokens        = 8192
)

// AnthropicAdapter speaks the Messages API and streams text and thinking
// deltas through the Sink as they arrive.
type AnthropicAdapter struct {
	opts AdapterOptions
}

func NewAnthropicAdapter(opts AdapterOptions) *AnthropicAdapter {
	return &AnthropicAdapter{opts: opts.withDefaults()}
}

func (a *AnthropicAdapter) Family() Family { return FamilyAnthropic }
func (a *AnthropicAdapter) Streams() bool  { return true }

func (a *AnthropicAdapter) Call(ctx context.Context, req *Request, sink Sink) (*Response, error) {
	if sink == nil {
		sink = NopSink{}
	}
	params := a.buildParams(req)

	reqOpts := []option.RequestOption{
		option.WithBaseURL(normalizeAnthropicBaseURL(req.BaseURL)),
		option.WithMaxRetries(0),
	}
	if a.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(a.opts.HTTPClient))
	}
	if req.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(req.APIKey))
	}
	client := anthropic.NewClient(reqOpts...)

	emitted := false
	resp, err := DoWithRetry(ctx, a.opts.Retry, func() bool { return emitted }, func(ctx context.Context) (*Response, error) {
		r, err := a.stream(ctx, &client, params, sink, &emitted)
		return r, wrapSDKError(req.Provider, err)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *AnthropicAdapter) stream(
	ctx context.Context,
	client *anthropic.Client,
	params anthropic.MessageNewParams,
	sink Sink,
	emitted *bool,
) (*Response, error) {
	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		accumulated anthropic.Message
		inThinking  bool
	)
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event: %w", err)
		}

		var sinkErr error
		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if _, ok := e.ContentBlock.AsAny().(anthropic.ThinkingBlock); ok {
				inThinking = true
				*emitted = true
				sinkErr = sink.ThinkingStart()
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := e.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					*emitted = true
					sinkErr = sink.Text(d.Text)
				}
			case anthropic.ThinkingDelta:
				if d.Thinking != "" {
					*emitted = true
					sinkErr = sink.ThinkingDelta(d.Thinking)
				}
			}
		case anthropic.ContentBlockStopEvent:
			if inThinking {
				inThinking = false
				sinkErr = sink.ThinkingEnd()
			}
		}
		if sinkErr != nil {
			return nil, sinkErr
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return parseAnthropicMessage(&accumulated), nil
}

func (a *AnthropicAdapter) buildParams(req *Request) anthropic.MessageNewParams {
	system, msgs := buildAnthropicMessages(prepareHistory(req.Messages))

	maxTokens := int64(a.opts.MaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if budget := a.opts.ThinkingBudget; budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		if params.MaxTokens <= int64(budget) {
			params.MaxTokens = int64(budget) + defaultMaxTokens
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}
	return params
}

// buildAnthropicMessages lifts system turns into the top-level system field
// and merges consecutive tool results into one user message, since the API
// wants every tool_result of a turn in the message right after it.
func buildAnthropicMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var (
		system []anthropic.TextBlockParam
		out    []anthropic.MessageParam
	)
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		switch {
		case msg.Role == RoleSystem:
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
		case msg.Role == RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(msgs) && msgs[i].Role == RoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(msgs[i].ToolCallID, msgs[i].Content, msgs[i].IsError))
				i++
			}
			i--
			out = append(out, anthropic.NewUserMessage(blocks...))
		case msg.Role == RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, tb := range msg.Thinking {
				switch {
				case tb.Redacted != "":
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(tb.Redacted))
				case tb.Signature != "":
					blocks = append(blocks, anthropic.NewThinkingBlock(tb.Signature, tb.Thinking))
				}
			}
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ID, r.Output, r.IsError))
			}
			for _, m := range msg.Media {
				if b, ok := anthropicImage(m); ok {
					blocks = append(blocks, b)
				}
			}
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return system, out
}

func anthropicImage(m Media) (anthropic.ContentBlockParamUnion, bool) {
	if len(m.Data) == 0 || !strings.HasPrefix(m.MimeType, "image/") {
		return anthropic.ContentBlockParamUnion{}, false
	}
	return anthropic.NewImageBlockBase64(m.MimeType, base64.StdEncoding.EncodeToString(m.Data)), true
}

func anthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		tool.InputSchema.Required = requiredFields(t.Parameters)
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func parseAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{}
	var text, thinking strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "thinking":
			tb := block.AsThinking()
			thinking.WriteString(tb.Thinking)
			resp.ThinkingBlocks = append(resp.ThinkingBlocks, ThinkingBlock{Thinking: tb.Thinking, Signature: tb.Signature})
		case "redacted_thinking":
			resp.ThinkingBlocks = append(resp.ThinkingBlocks, ThinkingBlock{Redacted: block.AsRedactedThinking().Data})
		case "tool_use":
			tu := block.AsToolUse()
			args := map[string]any{}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					logger.WarnCF("provider", "Failed to decode tool input", map[string]any{"tool": tu.Name, "error": err.Error()})
					args = map[string]any{"raw": string(tu.Input)}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}
	resp.Text = text.String()
	resp.Thinking = thinking.String()

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = FinishLength
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence, "":
		resp.FinishReason = FinishStop
	default:
		resp.FinishReason = string(msg.StopReason)
	}

	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		resp.Usage = &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
	}
	return resp
}

// AppendRound appends an assistant turn with its thinking and tool_use
// blocks followed by one user turn carrying every tool_result.
func (a *AnthropicAdapter) AppendRound(msgs []Message, resp *Response, results []ToolResult) []Message {
	return appendGroupedRound(msgs, resp, results)
}

func appendGroupedRound(msgs []Message, resp *Response, results []ToolResult) []Message {
	msgs = append(msgs, Message{
		Role:      RoleAssistant,
		Content:   strings.TrimSpace(resp.Text),
		ToolCalls: append([]ToolCall(nil), resp.ToolCalls...),
		Thinking:  append([]ThinkingBlock(nil), resp.ThinkingBlocks...),
	})
	return append(msgs, Message{
		Role:        RoleUser,
		ToolResults: append([]ToolResult(nil), results...),
	})
}

func normalizeAnthropicBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultAnthropicBaseURL
	}
	return base
}
