package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "percent", cfg.Settings.Fees.Mode)
	assert.Equal(t, 0.25, cfg.Settings.Fees.Percent)
	assert.Equal(t, 0.0005, cfg.Settings.Slippage.K)
	assert.Equal(t, 0.94, cfg.Settings.Analytics.Lambda)
}

func TestLoadSettingsFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fees:
  mode: mixed
  percent: 0.5
  flat: 1
slippage:
  mode: sqrtImpact
  k: 0.01
audit:
  interval: 10m
  workers: 2
market:
  open: "09:00"
  close: "17:00"
`), 0o600))
	t.Setenv("SETTINGS_FILE", path)
	t.Setenv("FEE_PERCENT", "0.75")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mixed", cfg.Settings.Fees.Mode)
	assert.Equal(t, 0.75, cfg.Settings.Fees.Percent)
	assert.Equal(t, 1.0, cfg.Settings.Fees.Flat)
	assert.Equal(t, "sqrtImpact", cfg.Settings.Slippage.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Settings.Audit.Interval)
	assert.Equal(t, 2, cfg.Settings.Audit.Workers)
	assert.Equal(t, "09:00", cfg.Settings.Market.Open)
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cases := map[string]string{
		"FEE_MODE":      "tiered",
		"SLIPPAGE_MODE": "quadratic",
		"DB_DRIVER":     "mysql",
		"MARKET_OPEN":   "09:00",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
