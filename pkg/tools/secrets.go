package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/vault"
)

// Names of the tools backed by the vault.
const (
	SecretsList  = "secrets_list"
	SecretsGet   = "secrets_get"
	SecretsStore = "secrets_store"
)

// IsSecretsTool reports whether name is served by Secrets.
func IsSecretsTool(name string) bool {
	return name == SecretsList || name == SecretsGet || name == SecretsStore
}

// SecretsDefinitions describes the vault tools to the model.
func SecretsDefinitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Name: SecretsList,
			Description: "List the names (keys) stored in the encrypted secrets vault. " +
				"Returns only key names, never values. Use secrets_get to retrieve a specific value.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prefix": map[string]any{"type": "string", "description": "Optional prefix to filter key names."},
				},
			},
		},
		{
			Name: SecretsGet,
			Description: "Retrieve a secret value from the encrypted vault by key name. " +
				"The value is returned as a string. Prefer injecting it directly into environment variables or config rather than echoing it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key": map[string]any{"type": "string", "description": "The name of the secret to retrieve."},
				},
				"required": []string{"key"},
			},
		},
		{
			Name: SecretsStore,
			Description: "Store or update a key/value pair in the encrypted secrets vault. " +
				"The value is encrypted at rest. Use for API keys, tokens, and other sensitive material.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string", "description": "The name under which to store the secret."},
					"value": map[string]any{"type": "string", "description": "The secret value to encrypt and store."},
				},
				"required": []string{"key", "value"},
			},
		},
	}
}

// Secrets runs the vault tools on behalf of the model.
type Secrets struct {
	Vault vault.Vault
}

// Execute runs a secrets tool. For secrets_get the credential policy is
// checked against ac; an error wrapping vault.ErrApprovalRequired means
// the caller may ask the user and retry with ac.UserApproved set.
func (s Secrets) Execute(name string, args map[string]any, ac vault.AccessContext) (string, error) {
	if s.Vault == nil {
		return "", errors.New("No vault is configured.")
	}
	if s.Vault.IsLocked() {
		return "", errors.New("Vault is locked. Ask the user to unlock it first.")
	}

	switch name {
	case SecretsList:
		entries, err := s.Vault.ListEntries()
		if err != nil {
			return "", fmt.Errorf("Failed to list secrets: %w", err)
		}
		prefix, _ := stringArg(args, "prefix")
		var sb strings.Builder
		for _, e := range entries {
			if !strings.HasPrefix(e.Name, prefix) || e.Disabled {
				continue
			}
			fmt.Fprintf(&sb, "%s (%s, policy: %s)\n", e.Name, e.Kind, e.Policy)
		}
		if sb.Len() == 0 {
			return "No secrets stored.", nil
		}
		return sb.String(), nil

	case SecretsGet:
		key, ok := stringArg(args, "key")
		if !ok || key == "" {
			return "", errors.New("Missing required parameter: key")
		}
		value, err := s.Vault.GetSecret(key, ac)
		if errors.Is(err, vault.ErrNotFound) {
			return "", fmt.Errorf("Secret '%s' not found.", key)
		}
		if err != nil {
			return "", err
		}
		return value, nil

	case SecretsStore:
		key, ok := stringArg(args, "key")
		if !ok || key == "" {
			return "", errors.New("Missing required parameter: key")
		}
		value, ok := stringArg(args, "value")
		if !ok {
			return "", errors.New("Missing required parameter: value")
		}
		if err := s.Vault.StoreSecret(key, value); err != nil {
			return "", fmt.Errorf("Failed to store secret: %w", err)
		}
		return fmt.Sprintf("Secret '%s' stored.", key), nil
	}
	return "", fmt.Errorf("Unknown tool: %s", name)
}
