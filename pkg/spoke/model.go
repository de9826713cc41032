// 文件: pkg/spoke/model.go
// Spoke 数据模型
//
// Reserve 包装一个 Hub 资产。动态配置 (抵押率、清算奖励、清算费) 只追加不修改，
// 下标就是 key；仓位记录创建时的 key，显式迁移前一直按那一版配置估值。

package spoke

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/token"
	"hubspoke.com/pkg/wadray"
)

// ReserveID 储备编号，从 0 开始
type ReserveID = uint32

// UserID 用户编号
type UserID int64

// MaxCollateralRisk 抵押风险上限 1000.00%
const MaxCollateralRisk = 100_000

// UserAddress 用户在转账账本上的地址
func UserAddress(u UserID) token.Address {
	return token.Address(fmt.Sprintf("user:%d", u))
}

// =============================================================================
// Reserve
// =============================================================================

// ReserveConfig 静态配置
type ReserveConfig struct {
	Paused         bool   `json:"paused" yaml:"paused"`
	Frozen         bool   `json:"frozen" yaml:"frozen"`
	Borrowable     bool   `json:"borrowable" yaml:"borrowable"`
	CollateralRisk uint32 `json:"collateral_risk" yaml:"collateral_risk"` // bps，风险溢价的来源
}

// Validate 校验静态配置
func (c ReserveConfig) Validate() error {
	if c.CollateralRisk > MaxCollateralRisk {
		return fmt.Errorf("%w: %d", ErrInvalidCollateralRisk, c.CollateralRisk)
	}
	return nil
}

// DynamicReserveConfig 版本化配置
type DynamicReserveConfig struct {
	CollateralFactor uint32 `json:"collateral_factor" yaml:"collateral_factor"` // bps
	LiquidationBonus uint32 `json:"liquidation_bonus" yaml:"liquidation_bonus"` // bps，>= 100%
	LiquidationFee   uint32 `json:"liquidation_fee" yaml:"liquidation_fee"`     // bps，奖励部分中归协议的比例
}

// Validate 校验动态配置
//
// CF × bonus 必须小于 100%，否则清算会让健康因子继续下降
func (c DynamicReserveConfig) Validate() error {
	if c.CollateralFactor >= wadray.PercentageFactor {
		return fmt.Errorf("%w: %d", ErrInvalidCollateralFactor, c.CollateralFactor)
	}
	if c.LiquidationBonus < wadray.PercentageFactor {
		return fmt.Errorf("%w: %d", ErrInvalidLiquidationBonus, c.LiquidationBonus)
	}
	if uint64(c.CollateralFactor)*uint64(c.LiquidationBonus) >= wadray.PercentageFactor*wadray.PercentageFactor {
		return fmt.Errorf("%w: collateral factor %d x bonus %d", ErrInvalidLiquidationBonus, c.CollateralFactor, c.LiquidationBonus)
	}
	if c.LiquidationFee > wadray.PercentageFactor {
		return fmt.Errorf("%w: %d", ErrInvalidLiquidationFee, c.LiquidationFee)
	}
	return nil
}

// Reserve 储备
type Reserve struct {
	ID          ReserveID
	AssetID     hub.AssetID
	PriceSource string
	Decimals    uint8
	Config      ReserveConfig

	DynamicConfigKey uint32
	DynamicConfigs   []DynamicReserveConfig

	// 借款人风险溢价按债务份额加权
	PremiumAverage wadray.WeightedAverage
}

// Dynamic 按 key 取动态配置
func (r *Reserve) Dynamic(key uint32) (DynamicReserveConfig, error) {
	if int(key) >= len(r.DynamicConfigs) {
		return DynamicReserveConfig{}, fmt.Errorf("%w: reserve %d key %d", ErrInvalidDynamicConfigKey, r.ID, key)
	}
	return r.DynamicConfigs[key], nil
}

// Current 当前动态配置
func (r *Reserve) Current() DynamicReserveConfig {
	return r.DynamicConfigs[r.DynamicConfigKey]
}

func (r *Reserve) clone() *Reserve {
	c := *r
	c.DynamicConfigs = append([]DynamicReserveConfig(nil), r.DynamicConfigs...)
	return &c
}

// =============================================================================
// 清算配置
// =============================================================================

// LiquidationConfig 清算参数
type LiquidationConfig struct {
	TargetHealthFactor      uint256.Int // wad，清算把健康因子拉回的目标，>= 1.0
	HealthFactorForMaxBonus uint256.Int // wad，低于该值奖励取最大，< 1.0
	LiquidationBonusFactor  uint32      // bps，最小奖励 = 100% + (最大奖励-100%) × factor
}

// DefaultLiquidationConfig 目标 1.05，0.95 以下奖励最大，最小奖励取 20%
func DefaultLiquidationConfig() LiquidationConfig {
	var c LiquidationConfig
	c.TargetHealthFactor.SetUint64(1_050_000_000_000_000_000)
	c.HealthFactorForMaxBonus.SetUint64(950_000_000_000_000_000)
	c.LiquidationBonusFactor = 2_000
	return c
}

// Validate 校验清算参数
func (c LiquidationConfig) Validate() error {
	if c.TargetHealthFactor.Lt(wadray.WAD()) {
		return fmt.Errorf("%w: %s", ErrInvalidTargetHealthFactor, c.TargetHealthFactor.Dec())
	}
	if !c.HealthFactorForMaxBonus.Lt(wadray.WAD()) {
		return fmt.Errorf("%w: %s", ErrInvalidMaxBonusHealthFactor, c.HealthFactorForMaxBonus.Dec())
	}
	if c.LiquidationBonusFactor > wadray.PercentageFactor {
		return fmt.Errorf("%w: %d", ErrInvalidLiquidationBonusFactor, c.LiquidationBonusFactor)
	}
	return nil
}

// =============================================================================
// 用户仓位
// =============================================================================

// UserPosition 用户在某储备上的仓位
type UserPosition struct {
	SuppliedShares    uint256.Int
	UsingAsCollateral bool

	DrawnShares        uint256.Int // 基础债务份额 (Hub 指数驱动)
	PremiumDrawnShares uint256.Int // DrawnShares × RiskPremium (向上)
	PremiumOffset      uint256.Int // 上次结算溢价时的基础债务
	RealizedPremium    uint256.Int // 已结算未偿还的溢价
	RiskPremium        uint32      // 上次结算后生效的溢价率 (bps)

	DynamicConfigKey uint32
}

// HasDebt 是否有基础或溢价债务
func (p *UserPosition) HasDebt() bool {
	return !p.DrawnShares.IsZero() || !p.RealizedPremium.IsZero()
}

// Account 用户账户
type Account struct {
	UserID      UserID
	RiskPremium uint32 // bps，抵押品价值加权的抵押风险
	Positions   map[ReserveID]*UserPosition
}

func newAccount(u UserID) *Account {
	return &Account{UserID: u, Positions: make(map[ReserveID]*UserPosition)}
}

func (a *Account) clone() *Account {
	c := &Account{
		UserID:      a.UserID,
		RiskPremium: a.RiskPremium,
		Positions:   make(map[ReserveID]*UserPosition, len(a.Positions)),
	}
	for id, p := range a.Positions {
		pos := *p
		c.Positions[id] = &pos
	}
	return c
}

// ReserveIDs 按编号排序的仓位列表
func (a *Account) ReserveIDs() []ReserveID {
	ids := make([]ReserveID, 0, len(a.Positions))
	for id := range a.Positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// 账户汇总
// =============================================================================

// AccountData 账户汇总 (价值单位: 基础货币 wad)
type AccountData struct {
	TotalCollateralValue    *uint256.Int
	WeightedCollateralValue *uint256.Int // Σ 抵押价值 × 抵押率
	TotalDebtValue          *uint256.Int
	HealthFactor            *uint256.Int // wad，无债务为 MaxUint256
	RiskPremium             uint32
	ActiveCollateralCount   int
	BorrowedCount           int
}

// =============================================================================
// 状态导出
// =============================================================================

// State Spoke 全量状态快照
type State struct {
	Reserves          []Reserve
	Accounts          []Account
	LiquidationConfig LiquidationConfig
	Treasury          UserID
}
