package internal

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/vault"
)

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv(config.EnvPicoGateConfig, "")
	t.Setenv(config.EnvPicoGateHome, "/tmp/pg-home")

	got := GetConfigPath("")
	want := filepath.Join("/tmp/pg-home", "config.json")

	if got != want {
		t.Fatalf("GetConfigPath() = %q, want %q", got, want)
	}
}

func TestGetConfigPath_Explicit(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "gateway.toml")

	if got := GetConfigPath(want); got != want {
		t.Fatalf("GetConfigPath(%q) = %q", want, got)
	}
}

func TestLoadConfig_UsesSettingsDir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.SettingsDir != dir {
		t.Errorf("SettingsDir = %q, want %q", cfg.SettingsDir, dir)
	}
}

func TestProviderKeyLabel(t *testing.T) {
	label, kind, ok := ProviderKeyLabel("ANTHROPIC_API_KEY")
	if !ok {
		t.Fatal("expected ANTHROPIC_API_KEY to be labeled")
	}
	if label != "Anthropic (Claude) API key" || kind != vault.KindAPIKey {
		t.Errorf("got (%q, %q)", label, kind)
	}

	if _, _, ok := ProviderKeyLabel("MY_TOKEN"); ok {
		t.Error("unknown keys should not be labeled")
	}
}

func TestFormatVersion_NoGitCommit(t *testing.T) {
	oldVersion, oldGit := version, gitCommit

	t.Cleanup(func() {
		version, gitCommit = oldVersion, oldGit
	})

	version = "1.2.3"
	gitCommit = ""

	if got := FormatVersion(); got != "1.2.3" {
		t.Fatalf("FormatVersion() = %q, want %q", got, "1.2.3")
	}
}

func TestFormatVersion_WithGitCommit(t *testing.T) {
	oldVersion, oldGit := version, gitCommit

	t.Cleanup(func() {
		version, gitCommit = oldVersion, oldGit
	})

	version = "1.2.3"
	gitCommit = "abc123"

	got := FormatVersion()
	want := "1.2.3 (git: abc123)"

	if got != want {
		t.Fatalf("FormatVersion() = %q, want %q", got, want)
	}
}

func TestFormatBuildInfo_EmptyGoVersion_FallsBackToRuntimeVersion(t *testing.T) {
	oldBuildTime, oldGoVersion := buildTime, goVersion

	t.Cleanup(func() {
		buildTime, goVersion = oldBuildTime, oldGoVersion
	})

	buildTime = "x"
	goVersion = ""

	build, goVer := FormatBuildInfo()
	if build != "x" {
		t.Fatalf("FormatBuildInfo().build = %q, want %q", build, "x")
	}

	if goVer != runtime.Version() {
		t.Fatalf("FormatBuildInfo().goVer = %q, want runtime.Version()=%q", goVer, runtime.Version())
	}
}
