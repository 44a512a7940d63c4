package providers

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"google.golang.org/genai"
)

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com"

var apiVersionPattern = regexp.MustCompile(`^v[0-9]+(?:(?:alpha|beta)[0-9]*)?$`)

// GoogleAdapter speaks the Gemini generateContent API.
type GoogleAdapter struct {
	opts AdapterOptions
}

func NewGoogleAdapter(opts AdapterOptions) *GoogleAdapter {
	return &GoogleAdapter{opts: opts.withDefaults()}
}

func (a *GoogleAdapter) Family() Family { return FamilyGoogle }
func (a *GoogleAdapter) Streams() bool  { return false }

func (a *GoogleAdapter) Call(ctx context.Context, req *Request, _ Sink) (*Response, error) {
	baseURL, apiVersion := splitAPIVersion(req.BaseURL)
	cfg := &genai.ClientConfig{
		APIKey:      req.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.opts.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL, APIVersion: apiVersion},
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
	}

	contents, system := buildGoogleContents(prepareHistory(req.Messages))
	config := &genai.GenerateContentConfig{}
	if system != nil {
		config.SystemInstruction = system
	}
	if tools := googleTools(req.Tools); len(tools) > 0 {
		config.Tools = tools
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	model := normalizeGoogleModel(req.Model)
	out, err := DoWithRetry(ctx, a.opts.Retry, nil, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		r, err := client.Models.GenerateContent(ctx, model, contents, config)
		return r, wrapSDKError(req.Provider, err)
	})
	if err != nil {
		return nil, err
	}
	return parseGoogleResponse(out), nil
}

// splitAPIVersion separates a trailing API version ("v1beta") from the base
// URL, since genai takes them separately.
func splitAPIVersion(apiBase string) (string, string) {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		return defaultGoogleBaseURL, ""
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return base, ""
	}
	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return base, ""
	}
	parts := strings.Split(path, "/")
	version := parts[len(parts)-1]
	if !apiVersionPattern.MatchString(version) {
		return base, ""
	}
	parts = parts[:len(parts)-1]
	if len(parts) == 0 {
		parsed.Path = ""
	} else {
		parsed.Path = "/" + strings.Join(parts, "/")
	}
	return strings.TrimRight(parsed.String(), "/"), version
}

func normalizeGoogleModel(model string) string {
	trimmed := strings.TrimSpace(model)
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"models/", "gemini/", "google/"} {
		if strings.HasPrefix(lower, prefix) {
			return trimmed[len(prefix):]
		}
	}
	return trimmed
}

func buildGoogleContents(msgs []Message) ([]*genai.Content, *genai.Content) {
	names := toolNameByID(msgs)
	var (
		contents    []*genai.Content
		systemTexts []string
	)
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		switch msg.Role {
		case RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemTexts = append(systemTexts, msg.Content)
			}
		case RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if strings.TrimSpace(msg.Content) != "" {
				c.Parts = append(c.Parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				c.Parts = append(c.Parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		case RoleTool:
			c := &genai.Content{Role: genai.RoleUser}
			for i < len(msgs) && msgs[i].Role == RoleTool {
				name := names[msgs[i].ToolCallID]
				if name == "" {
					name = msgs[i].ToolCallID
				}
				c.Parts = append(c.Parts, functionResponse(name, msgs[i].Content, false))
				i++
			}
			i--
			contents = append(contents, c)
		default:
			c := &genai.Content{Role: genai.RoleUser}
			for _, r := range msg.ToolResults {
				name := r.Name
				if name == "" {
					name = names[r.ID]
				}
				c.Parts = append(c.Parts, functionResponse(name, r.Output, r.IsError))
			}
			for _, m := range msg.Media {
				switch {
				case len(m.Data) > 0:
					c.Parts = append(c.Parts, genai.NewPartFromBytes(m.Data, m.MimeType))
				case m.URL != "":
					c.Parts = append(c.Parts, genai.NewPartFromURI(m.URL, m.MimeType))
				}
			}
			if strings.TrimSpace(msg.Content) != "" {
				c.Parts = append(c.Parts, genai.NewPartFromText(msg.Content))
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		}
	}

	var system *genai.Content
	if len(systemTexts) > 0 {
		system = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(strings.Join(systemTexts, "\n\n"))}}
	}
	return contents, system
}

func functionResponse(name, output string, isError bool) *genai.Part {
	return genai.NewPartFromFunctionResponse(name, map[string]any{
		"content":  output,
		"is_error": isError,
	})
}

func googleTools(tools []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			decl.ParametersJsonSchema = sanitizeSchemaForGemini(t.Parameters)
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func parseGoogleResponse(out *genai.GenerateContentResponse) *Response {
	resp := &Response{FinishReason: FinishStop}
	if out == nil {
		return resp
	}
	if u := out.UsageMetadata; u != nil && u.TotalTokenCount > 0 {
		resp.Usage = &Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if len(out.Candidates) == 0 || out.Candidates[0] == nil {
		return resp
	}

	cand := out.Candidates[0]
	var text, thinking strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				if part.Thought {
					thinking.WriteString(part.Text)
				} else {
					text.WriteString(part.Text)
				}
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = fmt.Sprintf("google_call_%d", len(resp.ToolCalls))
				}
				args := fc.Args
				if args == nil {
					args = map[string]any{}
				}
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
			}
		}
	}
	resp.Text = text.String()
	resp.Thinking = thinking.String()

	switch {
	case len(resp.ToolCalls) > 0:
		resp.FinishReason = FinishToolCalls
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		resp.FinishReason = FinishLength
	case cand.FinishReason == "" || cand.FinishReason == genai.FinishReasonStop:
		resp.FinishReason = FinishStop
	default:
		resp.FinishReason = strings.ToLower(string(cand.FinishReason))
	}
	return resp
}

// AppendRound appends a model turn with functionCall parts followed by one
// user turn carrying every functionResponse.
func (a *GoogleAdapter) AppendRound(msgs []Message, resp *Response, results []ToolResult) []Message {
	return appendGroupedRound(msgs, resp, results)
}

var geminiUnsupportedKeywords = map[string]bool{
	"patternProperties":    true,
	"additionalProperties": true,
	"$schema":              true,
	"$id":                  true,
	"$ref":                 true,
	"$defs":                true,
	"definitions":          true,
	"examples":             true,
	"minLength":            true,
	"maxLength":            true,
	"minimum":              true,
	"maximum":              true,
	"multipleOf":           true,
	"pattern":              true,
	"format":               true,
	"minItems":             true,
	"maxItems":             true,
	"uniqueItems":          true,
	"minProperties":        true,
	"maxProperties":        true,
}

// sanitizeSchemaForGemini strips JSON schema keywords Gemini rejects.
func sanitizeSchemaForGemini(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	result := make(map[string]any, len(schema))
	for k, v := range schema {
		if geminiUnsupportedKeywords[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			result[k] = sanitizeSchemaForGemini(val)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					items[i] = sanitizeSchemaForGemini(m)
				} else {
					items[i] = item
				}
			}
			result[k] = items
		default:
			result[k] = v
		}
	}
	if _, ok := result["properties"]; ok {
		if _, hasType := result["type"]; !hasType {
			result["type"] = "object"
		}
	}
	return result
}
