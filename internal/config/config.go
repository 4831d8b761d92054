// internal/config/config.go
//
// This package handles configuration and the .goalloop directory structure.
// Every project that runs a goal loop gets a .goalloop/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each project
	Dir = ".goalloop"

	// ProjectDirEnv is exported by the assistant host when it runs hooks.
	ProjectDirEnv = "CLAUDE_PROJECT_DIR"

	defaultTailLines = 20
	defaultLogLevel  = "info"
	defaultHost      = "127.0.0.1"
	defaultPort      = 8766
)

const defaultProjectConfigYAML = `# goalloop project configuration
version: 1

# Applied by "goalloop start" when the flags are omitted.
# max_iterations: 0 means the loop runs until the promise is met or it is cancelled.
defaults:
  max_iterations: 0
  completion_promise: ""

history:
  tail_lines: 20

log:
  level: info

# Loopback HTTP bridge used by "goalloop serve".
bridge:
  enabled: true
  host: 127.0.0.1
  port: 8766
`

// Defaults holds the values applied to new sessions.
type Defaults struct {
	MaxIterations     int    `yaml:"max_iterations"`
	CompletionPromise string `yaml:"completion_promise"`
}

// HistoryConfig controls how much of a session logbook is surfaced.
type HistoryConfig struct {
	TailLines int `yaml:"tail_lines"`
}

// LogConfig selects the diagnostic log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// BridgeConfig captures optional HTTP bridge overrides.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// IsEnabled reports whether the bridge may start; an unset flag means enabled.
func (b BridgeConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Address returns the bridge bind address in host:port form. Port 0 asks the
// kernel for a free port.
func (b BridgeConfig) Address() string {
	host := strings.TrimSpace(b.Host)
	if host == "" {
		host = defaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(b.Port))
}

// ProjectConfig models .goalloop/config.yaml.
type ProjectConfig struct {
	Version  int           `yaml:"version"`
	Defaults Defaults      `yaml:"defaults"`
	History  HistoryConfig `yaml:"history"`
	Log      LogConfig     `yaml:"log"`
	Bridge   BridgeConfig  `yaml:"bridge"`
}

// Config holds the runtime configuration for goalloop.
type Config struct {
	// ProjectDir is the directory the loop is bound to
	ProjectDir string

	// StateDir is ProjectDir/.goalloop
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .goalloop directory structure in the given project directory.
//
// Structure created:
// .goalloop/
// ├── config.yaml
// ├── logs/
// ├── state/      <- pointer to the active session
// └── sessions/   <- one directory per session
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
		filepath.Join(root, "sessions"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// ResolveProjectDir picks the project directory in precedence order:
// explicit value, CLAUDE_PROJECT_DIR, fallback (usually the hook cwd), working dir.
func ResolveProjectDir(explicit, fallback string) (string, error) {
	candidates := []string{explicit, os.Getenv(ProjectDirEnv), fallback}
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return filepath.Abs(trimmed)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("config: determine working directory: %w", err)
	}
	return cwd, nil
}

// NewConfig creates a new Config populated with project settings and env overrides.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, Dir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Project.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LogPath returns the structured diagnostic log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "goalloop.log")
}

// SessionsDir returns the directory holding one folder per session
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StateDir, "sessions")
}

// ActivePointerPath returns the file naming the session the stop hook drives.
func (c *Config) ActivePointerPath() string {
	return filepath.Join(c.StateDir, "state", "active")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// TailLines returns how many history lines status views show.
func (c *Config) TailLines() int {
	return c.Project.History.TailLines
}

// LogLevel returns the configured diagnostic log level name.
func (c *Config) LogLevel() string {
	return c.Project.Log.Level
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		History: HistoryConfig{TailLines: defaultTailLines},
		Log:     LogConfig{Level: defaultLogLevel},
		Bridge:  BridgeConfig{Host: defaultHost, Port: defaultPort},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.History.TailLines <= 0 {
		pc.History.TailLines = defaultTailLines
	}
	if strings.TrimSpace(pc.Log.Level) == "" {
		pc.Log.Level = defaultLogLevel
	}
	if strings.TrimSpace(pc.Bridge.Host) == "" {
		pc.Bridge.Host = defaultHost
	}
	if pc.Bridge.Port == 0 {
		pc.Bridge.Port = defaultPort
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Defaults.CompletionPromise = strings.Join(strings.Fields(pc.Defaults.CompletionPromise), " ")
	pc.Log.Level = strings.ToLower(strings.TrimSpace(pc.Log.Level))
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Defaults.MaxIterations < 0 {
		return fmt.Errorf("defaults.max_iterations must be >= 0")
	}
	switch pc.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be between 0 and 65535")
	}
	return nil
}

func (pc *ProjectConfig) applyEnvOverrides() error {
	if value := strings.TrimSpace(os.Getenv("GOALLOOP_MAX_ITERATIONS")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return fmt.Errorf("GOALLOOP_MAX_ITERATIONS must be a non-negative integer, got %q", value)
		}
		pc.Defaults.MaxIterations = parsed
	}
	if value := strings.TrimSpace(os.Getenv("GOALLOOP_LOG_LEVEL")); value != "" {
		pc.Log.Level = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv("GOALLOOP_BRIDGE_ENABLED")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			pc.Bridge.Enabled = &enabled
		}
	}
	if host := strings.TrimSpace(os.Getenv("GOALLOOP_BRIDGE_HOST")); host != "" {
		pc.Bridge.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("GOALLOOP_BRIDGE_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 && parsed <= 65535 {
			pc.Bridge.Port = parsed
		}
	}
	return pc.validate()
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
