// 文件: pkg/store/model.go
// 持久化模块 - 表结构
//
// 大数 (份额、指数、上限) 一律存十进制字符串 varchar(80)，
// uint256 最大值 78 位，MySQL 的 DECIMAL(65) 放不下。

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// ErrCorruptRecord 库里的数值无法解析
var ErrCorruptRecord = errors.New("store: corrupt record")

// =============================================================================
// Hub
// =============================================================================

// AssetRecord 资产记录 + 利率参数
type AssetRecord struct {
	AssetID    uint32 `gorm:"column:asset_id;primaryKey;autoIncrement:false"`
	Underlying string `gorm:"column:underlying;type:varchar(64);not null"`
	Decimals   uint8  `gorm:"column:decimals;not null"`

	SuppliedShares string `gorm:"column:supplied_shares;type:varchar(80);not null"`
	DrawnShares    string `gorm:"column:drawn_shares;type:varchar(80);not null"`
	DrawnIndex     string `gorm:"column:drawn_index;type:varchar(80);not null"`
	DrawnRate      string `gorm:"column:drawn_rate;type:varchar(80);not null"`
	Liquidity      string `gorm:"column:liquidity;type:varchar(80);not null"`
	LastUpdate     int64  `gorm:"column:last_update;not null"`

	FeeReceiver  string `gorm:"column:fee_receiver;type:varchar(64)"`
	LiquidityFee uint32 `gorm:"column:liquidity_fee"`
	Active       bool   `gorm:"column:active"`
	Paused       bool   `gorm:"column:paused"`
	Frozen       bool   `gorm:"column:frozen"`

	OptimalUsageRatio      uint32 `gorm:"column:optimal_usage_ratio"`
	BaseVariableBorrowRate uint32 `gorm:"column:base_variable_borrow_rate"`
	VariableRateSlope1     uint32 `gorm:"column:variable_rate_slope1"`
	VariableRateSlope2     uint32 `gorm:"column:variable_rate_slope2"`

	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (AssetRecord) TableName() string { return "hub_assets" }

// SpokeAssetRecord Spoke 在资产池内的份额
type SpokeAssetRecord struct {
	AssetID uint32 `gorm:"column:asset_id;primaryKey;autoIncrement:false"`
	SpokeID string `gorm:"column:spoke_id;primaryKey;type:varchar(64)"`
	Seq     int    `gorm:"column:seq;not null"` // 上架顺序

	SuppliedShares string `gorm:"column:supplied_shares;type:varchar(80);not null"`
	DrawnShares    string `gorm:"column:drawn_shares;type:varchar(80);not null"`
	Active         bool   `gorm:"column:active"`
	Paused         bool   `gorm:"column:paused"`
	SupplyCap      string `gorm:"column:supply_cap;type:varchar(80);not null"`
	DrawCap        string `gorm:"column:draw_cap;type:varchar(80);not null"`

	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (SpokeAssetRecord) TableName() string { return "hub_spoke_assets" }

// =============================================================================
// Spoke
// =============================================================================

// ReserveRecord 储备
type ReserveRecord struct {
	SpokeID   string `gorm:"column:spoke_id;primaryKey;type:varchar(64)"`
	ReserveID uint32 `gorm:"column:reserve_id;primaryKey;autoIncrement:false"`
	AssetID   uint32 `gorm:"column:asset_id;not null"`

	PriceSource    string `gorm:"column:price_source;type:varchar(64)"`
	Decimals       uint8  `gorm:"column:decimals;not null"`
	Paused         bool   `gorm:"column:paused"`
	Frozen         bool   `gorm:"column:frozen"`
	Borrowable     bool   `gorm:"column:borrowable"`
	CollateralRisk uint32 `gorm:"column:collateral_risk"`

	DynamicConfigKey uint32    `gorm:"column:dynamic_config_key"`
	PremiumValueSum  string    `gorm:"column:premium_value_sum;type:varchar(80);not null"`
	PremiumWeightSum string    `gorm:"column:premium_weight_sum;type:varchar(80);not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (ReserveRecord) TableName() string { return "spoke_reserves" }

// DynamicConfigRecord 版本化配置，一个 key 一行
type DynamicConfigRecord struct {
	SpokeID   string `gorm:"column:spoke_id;primaryKey;type:varchar(64)"`
	ReserveID uint32 `gorm:"column:reserve_id;primaryKey;autoIncrement:false"`
	ConfigKey uint32 `gorm:"column:config_key;primaryKey;autoIncrement:false"`

	CollateralFactor uint32 `gorm:"column:collateral_factor"`
	LiquidationBonus uint32 `gorm:"column:liquidation_bonus"`
	LiquidationFee   uint32 `gorm:"column:liquidation_fee"`
}

func (DynamicConfigRecord) TableName() string { return "spoke_dynamic_configs" }

// AccountRecord 用户账户
type AccountRecord struct {
	SpokeID     string `gorm:"column:spoke_id;primaryKey;type:varchar(64)"`
	UserID      int64  `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	RiskPremium uint32 `gorm:"column:risk_premium"`
}

func (AccountRecord) TableName() string { return "spoke_accounts" }

// PositionRecord 用户仓位
type PositionRecord struct {
	SpokeID   string `gorm:"column:spoke_id;primaryKey;type:varchar(64)"`
	UserID    int64  `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	ReserveID uint32 `gorm:"column:reserve_id;primaryKey;autoIncrement:false"`

	SuppliedShares     string `gorm:"column:supplied_shares;type:varchar(80);not null"`
	UsingAsCollateral  bool   `gorm:"column:using_as_collateral"`
	DrawnShares        string `gorm:"column:drawn_shares;type:varchar(80);not null"`
	PremiumDrawnShares string `gorm:"column:premium_drawn_shares;type:varchar(80);not null"`
	PremiumOffset      string `gorm:"column:premium_offset;type:varchar(80);not null"`
	RealizedPremium    string `gorm:"column:realized_premium;type:varchar(80);not null"`
	RiskPremium        uint32 `gorm:"column:risk_premium"`
	DynamicConfigKey   uint32 `gorm:"column:dynamic_config_key"`
}

func (PositionRecord) TableName() string { return "spoke_positions" }

// LiquidationConfigRecord 每个 Spoke 一行，兼作 Spoke 是否已落盘的标记
type LiquidationConfigRecord struct {
	SpokeID                 string    `gorm:"column:spoke_id;primaryKey;type:varchar(64)"`
	TargetHealthFactor      string    `gorm:"column:target_health_factor;type:varchar(80);not null"`
	HealthFactorForMaxBonus string    `gorm:"column:health_factor_for_max_bonus;type:varchar(80);not null"`
	LiquidationBonusFactor  uint32    `gorm:"column:liquidation_bonus_factor"`
	Treasury                int64     `gorm:"column:treasury"`
	UpdatedAt               time.Time `gorm:"column:updated_at"`
}

func (LiquidationConfigRecord) TableName() string { return "spoke_liquidation_configs" }

// allModels AutoMigrate 用
func allModels() []any {
	return []any{
		&AssetRecord{},
		&SpokeAssetRecord{},
		&ReserveRecord{},
		&DynamicConfigRecord{},
		&AccountRecord{},
		&PositionRecord{},
		&LiquidationConfigRecord{},
	}
}

// =============================================================================
// 数值编解码
// =============================================================================

func dec(x *uint256.Int) string { return x.Dec() }

// parse 写入 dst，字段名进错误信息
func parse(dst *uint256.Int, field, s string) error {
	if err := dst.SetFromDecimal(s); err != nil {
		return fmt.Errorf("%w: %s=%q", ErrCorruptRecord, field, s)
	}
	return nil
}
