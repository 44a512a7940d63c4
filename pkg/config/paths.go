package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvPicoGateConfig = "PICOGATE_CONFIG"
	EnvPicoGateHome   = "PICOGATE_HOME"
)

// configNames are tried in order when no config path is given.
var configNames = []string{"config.toml", "config.json"}

// RuntimePaths are the files the gateway keeps under its settings dir.
type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
	EnvPath    string
	VaultPath  string
	AuditPath  string
	SkillsDir  string
	Workspace  string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvPicoGateConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvPicoGateHome)))
	if homeDir == "" {
		homeDir = defaultPicoGateHome()
	}

	return buildRuntimePaths(homeDir, ResolveConfigPath(homeDir))
}

// ResolveConfigPath returns the first existing config file in homeDir, or
// config.json when there is none.
func ResolveConfigPath(homeDir string) string {
	for _, name := range configNames {
		p := filepath.Join(homeDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(homeDir, "config.json")
}

func defaultPicoGateHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".picogate"
	}
	return filepath.Join(home, ".picogate")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		EnvPath:    filepath.Join(homeDir, ".env"),
		VaultPath:  filepath.Join(homeDir, "vault.json"),
		AuditPath:  filepath.Join(homeDir, "audit.db"),
		SkillsDir:  filepath.Join(homeDir, "skills"),
		Workspace:  filepath.Join(homeDir, "workspace"),
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
