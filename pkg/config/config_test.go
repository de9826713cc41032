package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/wadray"
)

const minimal = `
hub:
  id: " main "
  assets:
    - symbol: " DAI "
      decimals: 18
      fee_receiver: s1
      liquidity_fee: "0.1"
      optimal_usage_ratio: "0.8"
      variable_rate_slope1: "0.04"
      variable_rate_slope2: "0.6"
    - symbol: USDC
      decimals: 6
spokes:
  - id: s1
    reserves:
      - asset: DAI
        price: "1"
        borrowable: true
        collateral_factor: "0.8"
        liquidation_bonus: "1.05"
      - asset: USDC
        price: "0.9995"
        supply_cap: "1000.5"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Hub.ID)
	assert.Equal(t, "DAI", cfg.Hub.Assets[0].Symbol)
	assert.Equal(t, "DAI/USD", cfg.Spokes[0].Reserves[0].PriceSource)
	assert.Equal(t, 10_000, cfg.Engine.QueueLen)
	assert.Equal(t, time.Second, cfg.Engine.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Liquidation.ScanInterval)
	assert.True(t, cfg.Liquidation.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Store.DSN)
}

func TestLoadSampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "simulation.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Hub.Assets, 3)
	require.Len(t, cfg.Spokes, 1)
	assert.Len(t, cfg.Spokes[0].Reserves, 3)
	assert.Equal(t, 6*time.Hour, cfg.Simulation.TickPeriod)
	assert.Equal(t, 200*time.Millisecond, cfg.Liquidation.ScanInterval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("hub: [oops"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Parse([]byte(minimal))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing hub id", func(c *Config) { c.Hub.ID = "" }},
		{"no assets", func(c *Config) { c.Hub.Assets = nil }},
		{"duplicate asset", func(c *Config) { c.Hub.Assets[1].Symbol = "DAI" }},
		{"too many decimals", func(c *Config) { c.Hub.Assets[0].Decimals = 19 }},
		{"bad rate", func(c *Config) { c.Hub.Assets[0].VariableRateSlope1 = "abc" }},
		{"negative fee", func(c *Config) { c.Hub.Assets[0].LiquidityFee = "-0.1" }},
		{"no spokes", func(c *Config) { c.Spokes = nil }},
		{"duplicate spoke", func(c *Config) { c.Spokes = append(c.Spokes, c.Spokes[0]) }},
		{"unknown asset", func(c *Config) { c.Spokes[0].Reserves[0].Asset = "WBTC" }},
		{"reserve listed twice", func(c *Config) { c.Spokes[0].Reserves[1].Asset = "DAI" }},
		{"missing price", func(c *Config) { c.Spokes[0].Reserves[0].Price = "" }},
		{"cap below unit", func(c *Config) { c.Spokes[0].Reserves[1].SupplyCap = "0.0000001" }},
		{"bps precision", func(c *Config) { c.Spokes[0].Reserves[0].CollateralFactor = "0.80001" }},
		{"target below one", func(c *Config) { c.Spokes[0].TargetHealthFactor = "0.99" }},
		{"queue len", func(c *Config) { c.Engine.QueueLen = 0 }},
		{"keeper funds", func(c *Config) { c.Liquidation.KeeperFunds = "x" }},
		{"price shock", func(c *Config) { c.Simulation.PriceShock = "big" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimal))
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestConversions(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	dai, ok := cfg.Asset("DAI")
	require.True(t, ok)
	_, ok = cfg.Asset("WBTC")
	assert.False(t, ok)

	rate, err := dai.RateData()
	require.NoError(t, err)
	assert.Equal(t, uint32(8_000), rate.OptimalUsageRatio)
	assert.Equal(t, uint32(0), rate.BaseVariableBorrowRate)
	assert.Equal(t, uint32(400), rate.VariableRateSlope1)
	assert.Equal(t, uint32(6_000), rate.VariableRateSlope2)

	hc, err := dai.HubConfig()
	require.NoError(t, err)
	assert.Equal(t, uint32(1_000), hc.LiquidityFee)
	assert.EqualValues(t, "s1", hc.FeeReceiver)
	assert.True(t, hc.Active)

	r := cfg.Spokes[0].Reserves[0]
	static, err := r.Static()
	require.NoError(t, err)
	assert.Equal(t, spoke.ReserveConfig{Borrowable: true}, static)

	dyn, err := r.Dynamic()
	require.NoError(t, err)
	assert.Equal(t, spoke.DynamicReserveConfig{CollateralFactor: 8_000, LiquidationBonus: 10_500}, dyn)

	caps, err := cfg.Spokes[0].Reserves[1].Caps(6)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(1_000_500_000), &caps.SupplyCap)
	assert.True(t, caps.DrawCap.IsZero())
	assert.True(t, caps.Active)
}

func TestSpokeLiquidationConfig(t *testing.T) {
	lc, err := SpokeConfig{}.LiquidationConfig()
	require.NoError(t, err)
	assert.Equal(t, spoke.DefaultLiquidationConfig(), lc)

	lc, err = SpokeConfig{
		TargetHealthFactor:      "1.1",
		HealthFactorForMaxBonus: "0.9",
		LiquidationBonusFactor:  "0.5",
	}.LiquidationConfig()
	require.NoError(t, err)
	want, _ := ParseWad("1.1")
	assert.Equal(t, want, &lc.TargetHealthFactor)
	assert.Equal(t, uint32(5_000), lc.LiquidationBonusFactor)

	_, err = SpokeConfig{HealthFactorForMaxBonus: "1"}.LiquidationConfig()
	assert.ErrorIs(t, err, spoke.ErrInvalidMaxBonusHealthFactor)
	_, err = SpokeConfig{LiquidationBonusFactor: "1.5"}.LiquidationConfig()
	assert.ErrorIs(t, err, spoke.ErrInvalidLiquidationBonusFactor)
}

func TestParseBps(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"0.8", 8_000, false},
		{" 1 ", 10_000, false},
		{"1.05", 10_500, false},
		{"0.0001", 1, false},
		{"0.00015", 0, true},
		{"-0.1", 0, true},
		{"abc", 0, true},
		{"500000", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBps(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidConfig, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("", 18)
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	v, err = ParseAmount("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(1_500_000), v)

	v, err = ParseWad("1")
	require.NoError(t, err)
	assert.Equal(t, wadray.WAD(), v)

	_, err = ParseAmount("0.1234567", 6)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseAmount("-1", 6)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseAmount("1e80", 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
