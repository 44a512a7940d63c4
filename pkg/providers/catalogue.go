package providers

import "strings"

// Family selects the wire protocol spoken to a provider.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
)

// Def is one catalogue entry.
type Def struct {
	ID      string
	Display string
	Family  Family
	// SecretKey names the vault secret (and environment variable) holding
	// the API key. Empty means the provider needs no credentials.
	SecretKey string
	BaseURL   string
	Aliases   []string
	// Copilot providers exchange their OAuth token for a session token
	// before every call.
	Copilot bool
}

var catalogue = []Def{
	{ID: "anthropic", Display: "Anthropic (Claude)", Family: FamilyAnthropic, SecretKey: "ANTHROPIC_API_KEY", BaseURL: "https://api.anthropic.com", Aliases: []string{"claude"}},
	{ID: "openai", Display: "OpenAI (GPT / o-series)", Family: FamilyOpenAI, SecretKey: "OPENAI_API_KEY", BaseURL: "https://api.openai.com/v1", Aliases: []string{"gpt"}},
	{ID: "google", Display: "Google (Gemini)", Family: FamilyGoogle, SecretKey: "GEMINI_API_KEY", BaseURL: "https://generativelanguage.googleapis.com/v1beta", Aliases: []string{"gemini"}},
	{ID: "xai", Display: "xAI (Grok)", Family: FamilyOpenAI, SecretKey: "XAI_API_KEY", BaseURL: "https://api.x.ai/v1", Aliases: []string{"grok"}},
	{ID: "openrouter", Display: "OpenRouter", Family: FamilyOpenAI, SecretKey: "OPENROUTER_API_KEY", BaseURL: "https://openrouter.ai/api/v1"},
	{ID: "github-copilot", Display: "GitHub Copilot", Family: FamilyOpenAI, SecretKey: "GITHUB_COPILOT_TOKEN", BaseURL: "https://api.githubcopilot.com", Aliases: []string{"copilot"}, Copilot: true},
	{ID: "copilot-proxy", Display: "Copilot Proxy", Family: FamilyOpenAI, SecretKey: "COPILOT_PROXY_TOKEN", Copilot: true},
	{ID: "ollama", Display: "Ollama (local)", Family: FamilyOpenAI, BaseURL: "http://localhost:11434/v1"},
	{ID: "lmstudio", Display: "LM Studio (local)", Family: FamilyOpenAI, BaseURL: "http://localhost:1234/v1"},
	{ID: "exo", Display: "exo cluster (local)", Family: FamilyOpenAI, BaseURL: "http://localhost:52415/v1"},
	{ID: "custom", Display: "Custom / OpenAI-compatible endpoint", Family: FamilyOpenAI, SecretKey: "CUSTOM_API_KEY"},
}

var catalogueByName = func() map[string]*Def {
	m := make(map[string]*Def, len(catalogue)*2)
	for i := range catalogue {
		d := &catalogue[i]
		m[d.ID] = d
		for _, a := range d.Aliases {
			m[a] = d
		}
	}
	return m
}()

// Lookup finds a catalogue entry by id or alias.
func Lookup(provider string) (Def, bool) {
	d, ok := catalogueByName[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return Def{}, false
	}
	return *d, true
}

// Catalogue returns every known provider in display order.
func Catalogue() []Def {
	out := make([]Def, len(catalogue))
	copy(out, catalogue)
	return out
}

// FamilyFor returns the wire family of provider. Unknown providers are
// assumed to be OpenAI-compatible.
func FamilyFor(provider string) Family {
	if d, ok := Lookup(provider); ok {
		return d.Family
	}
	return FamilyOpenAI
}

// DisplayName returns the human name of provider, or provider itself.
func DisplayName(provider string) string {
	if d, ok := Lookup(provider); ok {
		return d.Display
	}
	return provider
}

// SecretKeyFor returns the secret name holding provider's key.
func SecretKeyFor(provider string) string {
	if d, ok := Lookup(provider); ok {
		return d.SecretKey
	}
	return ""
}

// NeedsCopilotSession reports whether provider uses a Copilot session token.
func NeedsCopilotSession(provider string) bool {
	d, ok := Lookup(provider)
	return ok && d.Copilot
}
