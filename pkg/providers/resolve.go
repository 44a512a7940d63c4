package providers

import (
	"errors"
	"os"
	"strings"
)

// SecretLookup fetches a secret by name. It returns ok=false when the
// secret does not exist or cannot be read.
type SecretLookup func(name string) (value string, ok bool)

// ResolveModelContext builds the gateway's model context from the
// configured provider, model and base URL. It returns nil when no provider
// or model is configured. The key comes from the vault secret named in the
// catalogue, falling back to the environment variable of the same name.
func ResolveModelContext(provider, model, baseURL string, lookup SecretLookup) *ModelContext {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return nil
	}

	mc := &ModelContext{
		Provider: provider,
		Model:    model,
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	def, known := Lookup(provider)
	if known {
		mc.Provider = def.ID
		if mc.BaseURL == "" {
			mc.BaseURL = def.BaseURL
		}
	}

	if key := SecretKeyFor(mc.Provider); key != "" {
		if lookup != nil {
			if v, ok := lookup(key); ok && v != "" {
				mc.APIKey = v
			}
		}
		if mc.APIKey == "" {
			mc.APIKey = os.Getenv(key)
		}
	}
	return mc
}

// Merge fills fields that the client left empty from mc. Fields set by
// the client always win. The base URL and key are only inherited when the
// request targets mc's provider.
func (r *Request) Merge(mc *ModelContext) error {
	if r.Provider == "" && mc != nil {
		r.Provider = mc.Provider
	}
	if r.Provider == "" {
		return errors.New("No provider specified and gateway has no model configured")
	}
	if r.Model == "" && mc != nil {
		r.Model = mc.Model
	}
	if r.Model == "" {
		return errors.New("No model specified and gateway has no model configured")
	}
	same := mc != nil && strings.EqualFold(mc.Provider, r.Provider)
	if r.BaseURL == "" && same {
		r.BaseURL = mc.BaseURL
	}
	if r.BaseURL == "" {
		if def, ok := Lookup(r.Provider); ok {
			r.BaseURL = def.BaseURL
		}
	}
	if r.BaseURL == "" {
		return errors.New("No base_url specified and gateway has no model configured")
	}
	// A key configured for one provider is never sent to another.
	if r.APIKey == "" && same {
		r.APIKey = mc.APIKey
	}
	return nil
}

// Clone returns a copy of r with its own message slice.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	c.Tools = append([]ToolDefinition(nil), r.Tools...)
	return &c
}
