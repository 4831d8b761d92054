package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	stateDir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, StateDir: stateDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.TailLines() != defaultTailLines {
		t.Fatalf("expected tail lines %d, got %d", defaultTailLines, c.TailLines())
	}
	if c.LogLevel() != "info" {
		t.Fatalf("expected info log level, got %q", c.LogLevel())
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	stateDir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
defaults:
  max_iterations: 15
  completion_promise: "  ALL   TESTS PASS "
history:
  tail_lines: 5
log:
  level: DEBUG
bridge:
  enabled: false
  port: 9100
`)
	if err := os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, StateDir: stateDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Defaults.MaxIterations != 15 {
		t.Fatalf("expected max iterations 15, got %d", c.Project.Defaults.MaxIterations)
	}
	if c.Project.Defaults.CompletionPromise != "ALL TESTS PASS" {
		t.Fatalf("expected normalized promise, got %q", c.Project.Defaults.CompletionPromise)
	}
	if c.TailLines() != 5 {
		t.Fatalf("expected tail lines 5, got %d", c.TailLines())
	}
	if c.LogLevel() != "debug" {
		t.Fatalf("expected lowercased level, got %q", c.LogLevel())
	}
	if c.Project.Bridge.Enabled == nil || *c.Project.Bridge.Enabled {
		t.Fatalf("expected bridge disabled")
	}
	if c.Project.Bridge.Host != defaultHost {
		t.Fatalf("expected default host, got %q", c.Project.Bridge.Host)
	}
}

func TestLoadProjectConfigRejectsNegativeMax(t *testing.T) {
	projectDir := t.TempDir()
	stateDir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte("defaults:\n  max_iterations: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, StateDir: stateDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err == nil {
		t.Fatalf("expected validation error for negative max_iterations")
	}
}

func TestInitDirWritesDefaultConfigOnce(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	path := filepath.Join(projectDir, Dir, "config.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nhistory:\n  tail_lines: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("second InitDir: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.TailLines() != 3 {
		t.Fatalf("expected existing config to survive init, got tail %d", cfg.TailLines())
	}
	for _, dir := range []string{"logs", "state", "sessions"} {
		if info, err := os.Stat(filepath.Join(projectDir, Dir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory to exist", dir)
		}
	}
}

func TestDefaultConfigTemplateParses(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Project.Bridge.Port != defaultPort {
		t.Fatalf("expected port %d, got %d", defaultPort, cfg.Project.Bridge.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOALLOOP_MAX_ITERATIONS", "7")
	t.Setenv("GOALLOOP_LOG_LEVEL", "warn")
	t.Setenv("GOALLOOP_BRIDGE_PORT", "9200")
	cfg, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Project.Defaults.MaxIterations != 7 {
		t.Fatalf("expected max iterations 7, got %d", cfg.Project.Defaults.MaxIterations)
	}
	if cfg.LogLevel() != "warn" {
		t.Fatalf("expected warn level, got %q", cfg.LogLevel())
	}
	if cfg.Project.Bridge.Port != 9200 {
		t.Fatalf("expected port 9200, got %d", cfg.Project.Bridge.Port)
	}
}

func TestEnvOverrideRejectsBadMax(t *testing.T) {
	t.Setenv("GOALLOOP_MAX_ITERATIONS", "many")
	if _, err := NewConfig(t.TempDir()); err == nil {
		t.Fatalf("expected error for non-numeric GOALLOOP_MAX_ITERATIONS")
	}
}

func TestResolveProjectDirPrecedence(t *testing.T) {
	explicit := t.TempDir()
	fromEnv := t.TempDir()
	fallback := t.TempDir()
	t.Setenv(ProjectDirEnv, fromEnv)

	got, err := ResolveProjectDir(explicit, fallback)
	if err != nil || got != explicit {
		t.Fatalf("expected explicit dir %q, got %q (%v)", explicit, got, err)
	}
	got, err = ResolveProjectDir("", fallback)
	if err != nil || got != fromEnv {
		t.Fatalf("expected env dir %q, got %q (%v)", fromEnv, got, err)
	}
	t.Setenv(ProjectDirEnv, "")
	got, err = ResolveProjectDir("", fallback)
	if err != nil || got != fallback {
		t.Fatalf("expected fallback dir %q, got %q (%v)", fallback, got, err)
	}
}

func TestBridgeConfigEnabledAndAddress(t *testing.T) {
	var bridge BridgeConfig
	if !bridge.IsEnabled() {
		t.Fatalf("unset enabled flag should mean enabled")
	}
	if got := bridge.Address(); got != "127.0.0.1:0" {
		t.Fatalf("expected default host with port 0, got %s", got)
	}
	disabled := false
	bridge = BridgeConfig{Enabled: &disabled, Host: " ::1 ", Port: 9001}
	if bridge.IsEnabled() {
		t.Fatalf("explicit false should disable the bridge")
	}
	if got := bridge.Address(); got != "[::1]:9001" {
		t.Fatalf("unexpected address %s", got)
	}
}
