package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesTemplateWithDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "engine.toml"))
	assert.NoError(t, statErr)

	assert.Equal(t, 60*time.Second, cfg.Engine.LoopInterval)
	assert.Equal(t, 3.5, cfg.Consensus.OutlierThreshold)
	assert.Equal(t, 0.05, cfg.Sizing.BaseAllocationPct)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 50.0, cfg.Risk.HourlyLossLimit)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Timeout)
	assert.Equal(t, "cancel", cfg.Timeout.Action)
	assert.Equal(t, filepath.Join(dir, "state", "engine.json"), cfg.Recovery.Path)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[risk]
max_consecutive_losses = 5
hourly_loss_limit = 120.0

[timeout]
timeout = "45s"
action = "expire"

[consensus.source_weights]
primary = 2.0
backup = 0.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.toml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 120.0, cfg.Risk.HourlyLossLimit)
	assert.Equal(t, 45*time.Second, cfg.Timeout.Timeout)
	assert.Equal(t, "expire", cfg.Timeout.Action)
	assert.Equal(t, 2.0, cfg.Consensus.SourceWeights["primary"])
	// untouched keys keep defaults
	assert.Equal(t, 0.25, cfg.Risk.PeakDrawdownPct)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADECORE_ENGINE_INITIAL_CAPITAL", "2500")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, cfg.Engine.InitialCapital)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-positive capital", func(c *Config) { c.Engine.InitialCapital = 0 }},
		{"bad outlier threshold", func(c *Config) { c.Consensus.OutlierThreshold = 0 }},
		{"max below base allocation", func(c *Config) { c.Sizing.MaxAllocationPct = 0.01 }},
		{"zero consecutive losses", func(c *Config) { c.Risk.MaxConsecutiveLosses = 0 }},
		{"win rate above one", func(c *Config) { c.Risk.MinWinRate = 1.5 }},
		{"unknown timeout action", func(c *Config) { c.Timeout.Action = "ignore" }},
		{"slippage floor above ceiling", func(c *Config) { c.Execution.MinSlippageBps = 100 }},
		{"bad location", func(c *Config) { c.Risk.Location = "Mars/Olympus" }},
		{"negative source weight", func(c *Config) { c.Consensus.SourceWeights = map[string]float64{"x": -1} }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
