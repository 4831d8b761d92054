package bridge

import (
	"time"

	"github.com/kingrea/goal-loop/internal/config"
)

const (
	// DefaultMaxBodyBytes limits request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultTimeout bounds reads and writes; idle connections get four times as long.
	DefaultTimeout = 15 * time.Second

	defaultTailLines = 20
)

// Settings is the project bridge config plus the limits the server enforces.
type Settings struct {
	config.BridgeConfig
	MaxBodyBytes int64
	Timeout      time.Duration
	TailLines    int
}

// SettingsFromConfig builds Settings from the project config. Environment
// overrides were already folded in by config.NewConfig.
func SettingsFromConfig(cfg *config.Config) Settings {
	var settings Settings
	if cfg != nil {
		settings.BridgeConfig = cfg.Project.Bridge
		settings.TailLines = cfg.TailLines()
	}
	return settings.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.TailLines <= 0 {
		s.TailLines = defaultTailLines
	}
	return s
}

// URL returns the HTTP base URL for the configured address.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
