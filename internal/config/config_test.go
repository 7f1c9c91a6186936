package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perpsim/internal/sim"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "perpsim", cfg.Backend)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Sim.Symbols)
	assert.True(t, cfg.Sim.MaxLeverage.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, sim.FundingZero, cfg.Sim.FundingMode)
	assert.True(t, cfg.Sim.TickSizeFor("DOGE-USD").Equal(decimal.RequireFromString("0.00001")))
	assert.True(t, cfg.Sim.TickSizeFor("UNKNOWN-USD").Equal(cfg.Sim.TickSize))
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("SIM_SYMBOLS", " BTC-USD, SOL-USD ,")
	t.Setenv("SIM_FUNDING_MODE", "B")
	t.Setenv("SIM_FEE_BPS", "3.5")
	t.Setenv("RECONCILE_INTERVAL", "30")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"BTC-USD", "SOL-USD"}, cfg.Sim.Symbols)
	assert.Equal(t, sim.FundingHeuristic, cfg.Sim.FundingMode)
	assert.True(t, cfg.Sim.FeeBps.Equal(decimal.RequireFromString("3.5")))
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perpsim.yaml")
	yaml := `
port: "7000"
reconcile_interval: 2m
queue_size: 64
sim:
  im: 0.1
  mm: 0.05
  max_leverage: 10
  funding_mode: external
  symbols: [ETH-USD]
  tick_sizes:
    ETH-USD: 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "7001", cfg.Port, "env overrides file")
	assert.Equal(t, 2*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.True(t, cfg.Sim.InitialMargin.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, cfg.Sim.MaxLeverage.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, sim.FundingExternal, cfg.Sim.FundingMode)
	assert.Equal(t, []string{"ETH-USD"}, cfg.Sim.Symbols)
	assert.True(t, cfg.Sim.TickSizeFor("ETH-USD").Equal(decimal.RequireFromString("0.05")))
	assert.True(t, cfg.Sim.TickSizeFor("BTC-USD").Equal(decimal.RequireFromString("0.5")), "defaults kept")
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad decimal", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", "")
		t.Setenv("SIM_IM", "five percent")
		_, err := Load()
		assert.ErrorContains(t, err, "SIM_IM")
	})
	t.Run("bad funding mode", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", "")
		t.Setenv("SIM_FUNDING_MODE", "z")
		_, err := Load()
		assert.ErrorContains(t, err, "SIM_FUNDING_MODE")
	})
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load()
		assert.ErrorContains(t, err, "read config file")
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Sim.InitialMargin = decimal.RequireFromString("0.02")
	cfg.Sim.Symbols = nil
	cfg.Backend = "ftx"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "initial margin must exceed maintenance margin")
	assert.ErrorContains(t, err, "at least one symbol")
	assert.ErrorContains(t, err, `unknown trading backend "ftx"`)
}
