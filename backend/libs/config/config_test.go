package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Level string
	Limit int `env:"APP_LIMIT_OVERRIDE"`
}

type sample struct {
	Name     string        `yaml:"name" toml:"name"`
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Window   time.Duration `yaml:"window" toml:"window"`
	Pins     []int         `yaml:"pins" toml:"pins"`
	Ratio    float64       `yaml:"ratio" toml:"ratio"`
	Skipped  string        `yaml:"skipped" toml:"skipped" env:"-"`
	Logging  nested        `yaml:"logging" toml:"logging"`
	Internal string        `yaml:"-" toml:"-" env:"SAMPLE_INTERNAL"`
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "c.yaml")
	tomlPath := filepath.Join(dir, "c.toml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("name: yaml\npins: [1, 2]\nwindow: 30s\n"), 0o600))
	require.NoError(t, os.WriteFile(tomlPath, []byte("name = \"toml\"\npins = [3]\n"), 0o600))

	var fromYAML sample
	require.NoError(t, LoadFile(yamlPath, &fromYAML))
	assert.Equal(t, "yaml", fromYAML.Name)
	assert.Equal(t, []int{1, 2}, fromYAML.Pins)
	assert.Equal(t, 30*time.Second, fromYAML.Window)

	var fromTOML sample
	require.NoError(t, LoadFile(tomlPath, &fromTOML))
	assert.Equal(t, "toml", fromTOML.Name)
	assert.Equal(t, []int{3}, fromTOML.Pins)

	assert.Error(t, LoadFile(filepath.Join(dir, "missing.yaml"), &fromYAML))
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\nenabled: false\nskipped: keep\n"), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RATIO=0.25\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("NAME", "env")
	t.Setenv("ENABLED", "true")
	t.Setenv("WINDOW", "1m")
	t.Setenv("PINS", "12, 13,,14")
	t.Setenv("SKIPPED", "ignored")
	t.Setenv("LOGGING_LEVEL", "debug")
	t.Setenv("APP_LIMIT_OVERRIDE", "7")
	t.Setenv("SAMPLE_INTERNAL", "secret")
	t.Cleanup(func() { os.Unsetenv("RATIO") })

	var cfg sample
	require.NoError(t, LoadConfig(&cfg))
	assert.Equal(t, "env", cfg.Name)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, []int{12, 13, 14}, cfg.Pins)
	assert.Equal(t, 0.25, cfg.Ratio)
	assert.Equal(t, "keep", cfg.Skipped)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Logging.Limit)
	assert.Equal(t, "secret", cfg.Internal)
}

func TestLoadConfigRejectsBadTargets(t *testing.T) {
	assert.Error(t, LoadConfig(nil))
	var s sample
	assert.Error(t, LoadConfig(s))
}

func TestLoadConfigParseError(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ENV_FILE", "")
	t.Setenv("ENABLED", "sometimes")

	var cfg sample
	err := LoadConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENABLED")
}
