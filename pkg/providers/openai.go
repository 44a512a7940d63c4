package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIAdapter speaks chat completions. It serves OpenAI itself and every
// compatible endpoint in the catalogue (xAI, OpenRouter, Copilot, local
// servers).
type OpenAIAdapter struct {
	opts AdapterOptions
}

func NewOpenAIAdapter(opts AdapterOptions) *OpenAIAdapter {
	return &OpenAIAdapter{opts: opts.withDefaults()}
}

func (a *OpenAIAdapter) Family() Family { return FamilyOpenAI }
func (a *OpenAIAdapter) Streams() bool  { return false }

func (a *OpenAIAdapter) Call(ctx context.Context, req *Request, _ Sink) (*Response, error) {
	if strings.TrimSpace(req.BaseURL) == "" {
		return nil, fmt.Errorf("API base not configured")
	}

	msgs := prepareHistory(req.Messages)
	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(req.BaseURL, "/")),
		option.WithMaxRetries(0),
	}
	if a.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(a.opts.HTTPClient))
	}
	if req.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(req.APIKey))
	}
	if NeedsCopilotSession(req.Provider) {
		for k, v := range CopilotHeaders(msgs) {
			reqOpts = append(reqOpts, option.WithHeader(k, v))
		}
	}
	client := openai.NewClient(reqOpts...)

	params := openai.ChatCompletionNewParams{
		Model:    normalizeOpenAIModel(req.Provider, req.Model),
		Messages: buildOpenAIMessages(msgs),
	}
	if len(req.Tools) > 0 {
		params.Tools = openAITools(req.Tools)
		params.ToolChoice.OfAuto = openai.String(string(openai.ChatCompletionToolChoiceOptionAutoAuto))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := DoWithRetry(ctx, a.opts.Retry, nil, func(ctx context.Context) (*openai.ChatCompletion, error) {
		c, err := client.Chat.Completions.New(ctx, params)
		return c, wrapSDKError(req.Provider, err)
	})
	if err != nil {
		return nil, err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s API returned no choices", req.Provider)
	}

	choice := completion.Choices[0]
	resp := &Response{
		Text:         choice.Message.Content,
		ToolCalls:    parseOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolCalls
	}
	if resp.FinishReason == "" {
		resp.FinishReason = FinishStop
	}
	if u := completion.Usage; u.TotalTokens > 0 || u.PromptTokens > 0 {
		resp.Usage = &Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		}
	}
	return resp, nil
}

// normalizeOpenAIModel strips an "openai/" prefix for OpenAI itself.
// OpenRouter model names keep their vendor prefix.
func normalizeOpenAIModel(provider, model string) string {
	trimmed := strings.TrimSpace(model)
	if provider == "openai" && strings.HasPrefix(strings.ToLower(trimmed), "openai/") {
		return trimmed[len("openai/"):]
	}
	return trimmed
}

func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openAIAssistant(msg))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			// Grouped results from another family become one tool message each.
			for _, r := range msg.ToolResults {
				out = append(out, openai.ToolMessage(r.Output, r.ID))
			}
			if msg.Content == "" && len(msg.Media) == 0 {
				continue
			}
			out = append(out, openAIUser(msg))
		}
	}
	return out
}

func openAIUser(msg Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.Media) == 0 {
		return openai.UserMessage(msg.Content)
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Media)+1)
	if msg.Content != "" {
		parts = append(parts, openai.TextContentPart(msg.Content))
	}
	for _, m := range msg.Media {
		url := m.URL
		if url == "" {
			if len(m.Data) == 0 || !strings.HasPrefix(m.MimeType, "image/") {
				continue
			}
			url = "data:" + m.MimeType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
	}
	return openai.UserMessage(parts)
}

func openAIAssistant(msg Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Name == "" {
			continue
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.ArgumentsJSON()),
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func openAITools(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseOpenAIToolCalls(calls []openai.ChatCompletionMessageToolCallUnion) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		switch v := call.AsAny().(type) {
		case openai.ChatCompletionMessageFunctionToolCall:
			out = append(out, ToolCall{
				ID:        v.ID,
				Name:      v.Function.Name,
				Arguments: parseArguments(v.Function.Arguments),
			})
		}
	}
	return out
}

// AppendRound appends an assistant turn with tool_calls followed by one
// tool message per result.
func (a *OpenAIAdapter) AppendRound(msgs []Message, resp *Response, results []ToolResult) []Message {
	msgs = append(msgs, Message{
		Role:      RoleAssistant,
		Content:   strings.TrimSpace(resp.Text),
		ToolCalls: append([]ToolCall(nil), resp.ToolCalls...),
	})
	for _, r := range results {
		msgs = append(msgs, Message{Role: RoleTool, ToolCallID: r.ID, Content: r.Output, IsError: r.IsError})
	}
	return msgs
}
