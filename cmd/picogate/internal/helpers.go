package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/providers"
	"github.com/sipeed/picogate/pkg/vault"
)

const Logo = "🦞"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// GetConfigPath returns path when set, otherwise the config file under
// the settings dir.
func GetConfigPath(path string) string {
	if path = strings.TrimSpace(path); path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	}
	return config.ResolveRuntimePaths().ConfigPath
}

func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// OpenVault returns the configured file vault, still locked.
func OpenVault(cfg *config.Config) *vault.FileVault {
	return vault.NewFileVault(cfg.Vault.Path, vault.Options{
		AgentAccess: cfg.Vault.AgentAccess,
		Labeler:     ProviderKeyLabel,
	})
}

// ProviderKeyLabel names provider API keys stored as bare secrets.
func ProviderKeyLabel(key string) (string, string, bool) {
	for _, def := range providers.Catalogue() {
		if def.SecretKey != "" && def.SecretKey == key {
			return def.Display + " API key", vault.KindAPIKey, true
		}
	}
	return "", "", false
}

// PromptSecret reads one line from the terminal without echoing it.
func PromptSecret(label string) (string, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:     label + ": ",
		EnableMask: true,
		MaskRune:   '*',
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	})
	if err != nil {
		return "", err
	}
	defer rl.Close()
	line, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
