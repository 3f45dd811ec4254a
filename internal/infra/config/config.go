// Package config loads the deck's YAML configuration, layering file
// contents and AGENTDECK_* environment overrides on top of defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Bridge     BridgeConfig     `yaml:"bridge"`
}

// WorkspacesConfig holds workspace and worker lifecycle settings.
type WorkspacesConfig struct {
	// RootDir anchors workspace folders given as relative paths.
	RootDir string `yaml:"root_dir"`
	// ConfigDir is shared with every worker via AGENTDECK_CONFIG_DIR.
	ConfigDir     string         `yaml:"config_dir"`
	DefaultBinary BinaryConfig   `yaml:"default_binary"`
	Binaries      []BinaryConfig `yaml:"binaries,omitempty"`
	LaunchTimeout time.Duration  `yaml:"launch_timeout"`
	StopGrace     time.Duration  `yaml:"stop_grace"`
	// EnvironmentVariables are user preferences merged into every
	// worker's environment.
	EnvironmentVariables map[string]string `yaml:"environment_variables,omitempty"`
}

// BinaryConfig identifies one launchable worker executable.
type BinaryConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// GatewayConfig holds the HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BridgeConfig holds worker event-stream consumer settings.
type BridgeConfig struct {
	// ReconnectRate limits reconnect attempts per worker, per second.
	ReconnectRate float64 `yaml:"reconnect_rate"`
	// ReconnectBurst is the reconnect token bucket size.
	ReconnectBurst int `yaml:"reconnect_burst"`
	// BreakerFailures trips the connect breaker after this many
	// consecutive failures.
	BreakerFailures int `yaml:"breaker_failures"`
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config"
	}
	return filepath.Join(home, ".agentdeck")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	configDir := defaultConfigDir()
	return &Config{
		Workspaces: WorkspacesConfig{
			RootDir:   filepath.Join(configDir, "workspaces"),
			ConfigDir: configDir,
			DefaultBinary: BinaryConfig{
				ID:    "default",
				Label: "Agent worker",
				Path:  "agent-worker",
			},
			LaunchTimeout: 30 * time.Second,
			StopGrace:     5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8390",
		},
		Bridge: BridgeConfig{
			ReconnectRate:   1,
			ReconnectBurst:  3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTDECK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTDECK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTDECK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTDECK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTDECK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTDECK_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTDECK_GATEWAY_ENABLED"); v == "false" {
		cfg.Gateway.Enabled = false
	}
	if v := os.Getenv("AGENTDECK_WORKSPACES_ROOT_DIR"); v != "" {
		cfg.Workspaces.RootDir = v
	}
	if v := os.Getenv("AGENTDECK_WORKSPACES_CONFIG_DIR"); v != "" {
		cfg.Workspaces.ConfigDir = v
	}
	if v := os.Getenv("AGENTDECK_WORKSPACES_BINARY"); v != "" {
		cfg.Workspaces.DefaultBinary.Path = v
	}
	if v := os.Getenv("AGENTDECK_WORKSPACES_LAUNCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Workspaces.LaunchTimeout = d
		}
	}
	if v := os.Getenv("AGENTDECK_WORKSPACES_STOP_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Workspaces.StopGrace = d
		}
	}
	if v := os.Getenv("AGENTDECK_BRIDGE_RECONNECT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Bridge.ReconnectRate = f
		}
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface later as confusing runtime failures.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("logger.level: unknown level %q", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		return fmt.Errorf("logger.format: must be text or json, got %q", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			return fmt.Errorf("tracer.exporter: unsupported exporter %q", cfg.Tracer.Exporter)
		}
	}
	if cfg.Workspaces.DefaultBinary.Path == "" {
		return fmt.Errorf("workspaces.default_binary.path is required")
	}
	seen := map[string]bool{}
	for _, b := range cfg.Workspaces.Binaries {
		if b.ID == "" {
			return fmt.Errorf("workspaces.binaries: every entry needs an id")
		}
		if b.Path == "" {
			return fmt.Errorf("workspaces.binaries[%s]: path is required", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("workspaces.binaries: duplicate id %q", b.ID)
		}
		seen[b.ID] = true
	}
	if cfg.Gateway.Enabled && cfg.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required when the gateway is enabled")
	}
	if cfg.Workspaces.LaunchTimeout < 0 || cfg.Workspaces.StopGrace < 0 {
		return fmt.Errorf("workspaces timeouts must not be negative")
	}
	return nil
}
