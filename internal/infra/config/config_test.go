package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "text", cfg.Logger.Format)
	assert.False(t, cfg.Tracer.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Workspaces.LaunchTimeout)
	assert.Equal(t, 5*time.Second, cfg.Workspaces.StopGrace)
	assert.NotEmpty(t, cfg.Workspaces.DefaultBinary.Path)
	assert.True(t, cfg.Gateway.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Gateway.Addr, cfg.Gateway.Addr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
logger:
  level: debug
  format: json
gateway:
  enabled: true
  addr: "127.0.0.1:9000"
workspaces:
  config_dir: /tmp/deck
  default_binary:
    id: oc
    label: opencode
    path: /usr/local/bin/opencode
  environment_variables:
    EDITOR: vim
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "127.0.0.1:9000", cfg.Gateway.Addr)
	assert.Equal(t, "/usr/local/bin/opencode", cfg.Workspaces.DefaultBinary.Path)
	assert.Equal(t, "vim", cfg.Workspaces.EnvironmentVariables["EDITOR"])
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Workspaces.LaunchTimeout)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AGENTDECK_LOGGER_LEVEL", "warn")
	t.Setenv("AGENTDECK_TRACER_ENABLED", "true")
	t.Setenv("AGENTDECK_TRACER_EXPORTER", "stdout")
	t.Setenv("AGENTDECK_WORKSPACES_BINARY", "/opt/worker")
	t.Setenv("AGENTDECK_WORKSPACES_LAUNCH_TIMEOUT", "90s")
	t.Setenv("AGENTDECK_GATEWAY_ENABLED", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "stdout", cfg.Tracer.Exporter)
	assert.Equal(t, "/opt/worker", cfg.Workspaces.DefaultBinary.Path)
	assert.Equal(t, 90*time.Second, cfg.Workspaces.LaunchTimeout)
	assert.False(t, cfg.Gateway.Enabled)
}

func TestEnvOverrideIgnoresBadDuration(t *testing.T) {
	t.Setenv("AGENTDECK_WORKSPACES_LAUNCH_TIMEOUT", "soon")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 30*time.Second, cfg.Workspaces.LaunchTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "jaeger"
		}, "tracer.exporter"},
		{"missing default binary", func(c *Config) { c.Workspaces.DefaultBinary.Path = "" }, "default_binary"},
		{"binary without id", func(c *Config) {
			c.Workspaces.Binaries = []BinaryConfig{{Path: "/bin/x"}}
		}, "needs an id"},
		{"duplicate binary id", func(c *Config) {
			c.Workspaces.Binaries = []BinaryConfig{
				{ID: "a", Path: "/bin/x"},
				{ID: "a", Path: "/bin/y"},
			}
		}, "duplicate id"},
		{"gateway without addr", func(c *Config) { c.Gateway.Addr = "" }, "gateway.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: shouty\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
