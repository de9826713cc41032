// 文件: pkg/config/config.go
// YAML 配置
//
// 比例、价格、上限都写成十进制字符串 ("0.80"、"2000.5"、"1000000")，
// 加载时用 decimal 精确转换成 bps / wad / 资产最小单位，精度不够直接报错。

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/oracle"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/wadray"
)

// ErrInvalidConfig 配置错误
var ErrInvalidConfig = errors.New("config: invalid")

// Config 完整配置
type Config struct {
	NodeID      int64             `yaml:"node_id"` // 雪花算法节点
	Log         logger.Config     `yaml:"log"`
	Hub         HubConfig         `yaml:"hub"`
	Spokes      []SpokeConfig     `yaml:"spokes"`
	Engine      EngineConfig      `yaml:"engine"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Store       StoreConfig       `yaml:"store"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Nats        NatsConfig        `yaml:"nats"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Simulation  SimulationConfig  `yaml:"simulation"`
}

// HubConfig Hub 与上架资产
type HubConfig struct {
	ID     string        `yaml:"id"`
	Assets []AssetConfig `yaml:"assets"`
}

// AssetConfig 资产，比例为小数 ("0.9")
type AssetConfig struct {
	Symbol       string `yaml:"symbol"`
	Decimals     uint8  `yaml:"decimals"`
	FeeReceiver  string `yaml:"fee_receiver"`
	LiquidityFee string `yaml:"liquidity_fee"`

	OptimalUsageRatio      string `yaml:"optimal_usage_ratio"`
	BaseVariableBorrowRate string `yaml:"base_variable_borrow_rate"`
	VariableRateSlope1     string `yaml:"variable_rate_slope1"`
	VariableRateSlope2     string `yaml:"variable_rate_slope2"`
}

// SpokeConfig Spoke 与储备
type SpokeConfig struct {
	ID       string `yaml:"id"`
	Treasury int64  `yaml:"treasury"`

	TargetHealthFactor      string `yaml:"target_health_factor"`
	HealthFactorForMaxBonus string `yaml:"health_factor_for_max_bonus"`
	LiquidationBonusFactor  string `yaml:"liquidation_bonus_factor"`

	Reserves []ReserveConfig `yaml:"reserves"`
}

// ReserveConfig 储备，Asset 引用 hub.assets[].symbol
type ReserveConfig struct {
	Asset       string `yaml:"asset"`
	PriceSource string `yaml:"price_source"`
	Price       string `yaml:"price"` // 初始价格 (基础货币)

	Borrowable     bool   `yaml:"borrowable"`
	Paused         bool   `yaml:"paused"`
	Frozen         bool   `yaml:"frozen"`
	CollateralRisk string `yaml:"collateral_risk"`

	CollateralFactor string `yaml:"collateral_factor"`
	LiquidationBonus string `yaml:"liquidation_bonus"` // "1.05" 表示 5% 奖励
	LiquidationFee   string `yaml:"liquidation_fee"`

	SupplyCap string `yaml:"supply_cap"` // 资产单位，空或 0 不限
	DrawCap   string `yaml:"draw_cap"`
}

// EngineConfig 定序引擎
type EngineConfig struct {
	QueueLen           int           `yaml:"queue_len"`
	Timeout            time.Duration `yaml:"timeout"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// LiquidationConfig 清算监控与 Keeper
type LiquidationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	NumShards    int           `yaml:"num_shards"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	KeeperUser   int64         `yaml:"keeper_user"`
	KeeperFunds  string        `yaml:"keeper_funds"` // 每个债务资产预充值，资产单位
}

// StoreConfig MySQL 检查点，DSN 为空不落盘
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// KafkaConfig 事件投递，brokers 为空不启用
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"` // 非空时启动消费者回读事件
}

// NatsConfig 事件投递，url 为空不启用
type NatsConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig 价格源，addr 为空用内存价格
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig Prometheus 指标，listen 为空不暴露
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// SimulationConfig 模拟参数
type SimulationConfig struct {
	Seed       int64         `yaml:"seed"`
	Users      int           `yaml:"users"`
	Ticks      int           `yaml:"ticks"`
	TickPeriod time.Duration `yaml:"tick_period"` // 每个 tick 推进的模拟时间
	TickDelay  time.Duration `yaml:"tick_delay"`  // 每个 tick 之间的真实等待
	PriceShock string        `yaml:"price_shock"` // 中途抵押品价格变动比例，如 "-0.2"
}

// =============================================================================
// 加载
// =============================================================================

// Default 只有运行参数的默认值，资产和 Spoke 必须显式配置
func Default() Config {
	return Config{
		Log: logger.Config{Level: "info", Format: "text", Output: "stdout"},
		Engine: EngineConfig{
			QueueLen: 10_000,
			Timeout:  time.Second,
		},
		Liquidation: LiquidationConfig{
			Enabled:      true,
			ScanInterval: 5 * time.Second,
			NumShards:    4,
			Workers:      4,
			QueueSize:    100,
			KeeperUser:   1_000_000,
			KeeperFunds:  "1000000",
		},
		Simulation: SimulationConfig{
			Seed:       1,
			Users:      50,
			Ticks:      100,
			TickPeriod: time.Hour,
			TickDelay:  10 * time.Millisecond,
			PriceShock: "-0.2",
		},
	}
}

// Load 读取 YAML 文件
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("%w: config path required", ErrInvalidConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse 在默认值上解码并校验
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Hub.ID = strings.TrimSpace(c.Hub.ID)
	for i := range c.Hub.Assets {
		c.Hub.Assets[i].Symbol = strings.TrimSpace(c.Hub.Assets[i].Symbol)
	}
	for i := range c.Spokes {
		c.Spokes[i].ID = strings.TrimSpace(c.Spokes[i].ID)
		for j := range c.Spokes[i].Reserves {
			r := &c.Spokes[i].Reserves[j]
			r.Asset = strings.TrimSpace(r.Asset)
			if r.PriceSource == "" {
				r.PriceSource = r.Asset + "/USD"
			}
		}
	}
}

// Validate 检查引用和数值格式；业务约束 (CF × bonus 等) 由 hub / spoke 上架时校验
func (c *Config) Validate() error {
	if c.Hub.ID == "" {
		return fmt.Errorf("%w: hub.id required", ErrInvalidConfig)
	}
	if len(c.Hub.Assets) == 0 {
		return fmt.Errorf("%w: hub.assets empty", ErrInvalidConfig)
	}
	symbols := make(map[string]bool, len(c.Hub.Assets))
	for _, a := range c.Hub.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("%w: asset symbol required", ErrInvalidConfig)
		}
		if symbols[a.Symbol] {
			return fmt.Errorf("%w: duplicate asset %s", ErrInvalidConfig, a.Symbol)
		}
		symbols[a.Symbol] = true
		if a.Decimals > hub.MaxDecimals {
			return fmt.Errorf("%w: asset %s decimals %d", ErrInvalidConfig, a.Symbol, a.Decimals)
		}
		if _, err := a.RateData(); err != nil {
			return fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
		if _, err := a.HubConfig(); err != nil {
			return fmt.Errorf("asset %s: %w", a.Symbol, err)
		}
	}

	if len(c.Spokes) == 0 {
		return fmt.Errorf("%w: spokes empty", ErrInvalidConfig)
	}
	ids := make(map[string]bool, len(c.Spokes))
	for _, s := range c.Spokes {
		if s.ID == "" {
			return fmt.Errorf("%w: spoke id required", ErrInvalidConfig)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate spoke %s", ErrInvalidConfig, s.ID)
		}
		ids[s.ID] = true
		if _, err := s.LiquidationConfig(); err != nil {
			return fmt.Errorf("spoke %s: %w", s.ID, err)
		}
		used := make(map[string]bool, len(s.Reserves))
		for _, r := range s.Reserves {
			asset, ok := c.Asset(r.Asset)
			if !ok {
				return fmt.Errorf("%w: spoke %s reserve references unknown asset %q", ErrInvalidConfig, s.ID, r.Asset)
			}
			if used[r.Asset] {
				return fmt.Errorf("%w: spoke %s lists %s twice", ErrInvalidConfig, s.ID, r.Asset)
			}
			used[r.Asset] = true
			if err := r.validate(asset.Decimals); err != nil {
				return fmt.Errorf("spoke %s reserve %s: %w", s.ID, r.Asset, err)
			}
		}
	}

	if c.Engine.QueueLen <= 0 || c.Engine.Timeout <= 0 {
		return fmt.Errorf("%w: engine.queue_len and engine.timeout must be positive", ErrInvalidConfig)
	}
	if _, err := ParseAmount(c.Liquidation.KeeperFunds, hub.MaxDecimals); err != nil {
		return fmt.Errorf("liquidation.keeper_funds: %w", err)
	}
	if _, err := ParseRatio(c.Simulation.PriceShock); err != nil {
		return fmt.Errorf("simulation.price_shock: %w", err)
	}
	return nil
}

// Asset 按 symbol 查资产
func (c *Config) Asset(symbol string) (AssetConfig, bool) {
	for _, a := range c.Hub.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return AssetConfig{}, false
}

// =============================================================================
// 转换
// =============================================================================

// RateData 利率参数
func (a AssetConfig) RateData() (irm.InterestRateData, error) {
	var (
		d   irm.InterestRateData
		err error
	)
	if d.OptimalUsageRatio, err = ParseBps(a.OptimalUsageRatio); err != nil {
		return d, fmt.Errorf("optimal_usage_ratio: %w", err)
	}
	if d.BaseVariableBorrowRate, err = ParseBps(a.BaseVariableBorrowRate); err != nil {
		return d, fmt.Errorf("base_variable_borrow_rate: %w", err)
	}
	if d.VariableRateSlope1, err = ParseBps(a.VariableRateSlope1); err != nil {
		return d, fmt.Errorf("variable_rate_slope1: %w", err)
	}
	if d.VariableRateSlope2, err = ParseBps(a.VariableRateSlope2); err != nil {
		return d, fmt.Errorf("variable_rate_slope2: %w", err)
	}
	return d, nil
}

// HubConfig 资产配置，默认启用
func (a AssetConfig) HubConfig() (hub.AssetConfig, error) {
	fee, err := ParseBps(a.LiquidityFee)
	if err != nil {
		return hub.AssetConfig{}, fmt.Errorf("liquidity_fee: %w", err)
	}
	return hub.AssetConfig{
		FeeReceiver:  hub.SpokeID(a.FeeReceiver),
		LiquidityFee: fee,
		Active:       true,
	}, nil
}

// LiquidationConfig 清算参数，未填的取 spoke 默认值
func (s SpokeConfig) LiquidationConfig() (spoke.LiquidationConfig, error) {
	lc := spoke.DefaultLiquidationConfig()
	if s.TargetHealthFactor != "" {
		v, err := ParseWad(s.TargetHealthFactor)
		if err != nil {
			return lc, fmt.Errorf("target_health_factor: %w", err)
		}
		lc.TargetHealthFactor.Set(v)
	}
	if s.HealthFactorForMaxBonus != "" {
		v, err := ParseWad(s.HealthFactorForMaxBonus)
		if err != nil {
			return lc, fmt.Errorf("health_factor_for_max_bonus: %w", err)
		}
		lc.HealthFactorForMaxBonus.Set(v)
	}
	if s.LiquidationBonusFactor != "" {
		v, err := ParseBps(s.LiquidationBonusFactor)
		if err != nil {
			return lc, fmt.Errorf("liquidation_bonus_factor: %w", err)
		}
		lc.LiquidationBonusFactor = v
	}
	if err := lc.Validate(); err != nil {
		return lc, err
	}
	return lc, nil
}

func (r ReserveConfig) validate(decimals uint8) error {
	if _, err := r.Static(); err != nil {
		return err
	}
	if _, err := r.Dynamic(); err != nil {
		return err
	}
	if _, err := r.Caps(decimals); err != nil {
		return err
	}
	if _, err := oracle.ParsePrice(r.Price); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	return nil
}

// Static 静态配置
func (r ReserveConfig) Static() (spoke.ReserveConfig, error) {
	risk, err := ParseBps(r.CollateralRisk)
	if err != nil {
		return spoke.ReserveConfig{}, fmt.Errorf("collateral_risk: %w", err)
	}
	return spoke.ReserveConfig{
		Paused:         r.Paused,
		Frozen:         r.Frozen,
		Borrowable:     r.Borrowable,
		CollateralRisk: risk,
	}, nil
}

// Dynamic 初始动态配置
func (r ReserveConfig) Dynamic() (spoke.DynamicReserveConfig, error) {
	var (
		d   spoke.DynamicReserveConfig
		err error
	)
	if d.CollateralFactor, err = ParseBps(r.CollateralFactor); err != nil {
		return d, fmt.Errorf("collateral_factor: %w", err)
	}
	if d.LiquidationBonus, err = ParseBps(r.LiquidationBonus); err != nil {
		return d, fmt.Errorf("liquidation_bonus: %w", err)
	}
	if d.LiquidationFee, err = ParseBps(r.LiquidationFee); err != nil {
		return d, fmt.Errorf("liquidation_fee: %w", err)
	}
	return d, nil
}

// Caps Spoke 在资产池内的上限 (资产最小单位)
func (r ReserveConfig) Caps(decimals uint8) (hub.SpokeConfig, error) {
	sc := hub.DefaultSpokeConfig()
	supply, err := ParseAmount(r.SupplyCap, decimals)
	if err != nil {
		return sc, fmt.Errorf("supply_cap: %w", err)
	}
	draw, err := ParseAmount(r.DrawCap, decimals)
	if err != nil {
		return sc, fmt.Errorf("draw_cap: %w", err)
	}
	sc.SupplyCap.Set(supply)
	sc.DrawCap.Set(draw)
	return sc, nil
}

// =============================================================================
// 十进制解析
// =============================================================================

var bpsScale = decimal.NewFromInt(wadray.PercentageFactor)

// ParseRatio 解析十进制比例，空串为 0
func ParseRatio(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidConfig, s)
	}
	return d, nil
}

// ParseBps "0.8" -> 8000，不允许负数和超过 bps 精度的小数
func ParseBps(s string) (uint32, error) {
	d, err := ParseRatio(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(bpsScale)
	if d.IsNegative() || !scaled.Equal(scaled.Truncate(0)) || scaled.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		return 0, fmt.Errorf("%w: %q is not a bps ratio", ErrInvalidConfig, s)
	}
	return uint32(scaled.IntPart()), nil
}

// ParseWad "1.05" -> 1.05e18
func ParseWad(s string) (*uint256.Int, error) {
	return ParseAmount(s, 18)
}

// ParseAmount 十进制数量 -> 最小单位整数，空串为 0
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	d, err := ParseRatio(s)
	if err != nil {
		return nil, err
	}
	scaled := d.Shift(int32(decimals))
	if d.IsNegative() || !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrInvalidConfig, s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q overflows", ErrInvalidConfig, s)
	}
	return v, nil
}
