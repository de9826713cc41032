// 文件: pkg/liquidation/model.go
// 清算监控数据模型

package liquidation

import (
	"math"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/wadray"
)

// =============================================================================
// 风险等级定义
// =============================================================================

// RiskLevel 风险等级枚举
//
// 按健康因子把借款人分入不同等级：
// - 安全区：不需要特别关注
// - 预警区：定期检查
// - 危险区：更频繁检查
// - 临界区：随时可能被清算，价格变动时立即检查
// - 清算区：立即执行清算
type RiskLevel int

const (
	// RiskLevelSafe 安全区: HF >= 1.5
	// 不进入任何监控索引
	RiskLevelSafe RiskLevel = iota

	// RiskLevelWarning 预警区: 1.25 <= HF < 1.5
	// 每 5 秒检查一次
	RiskLevelWarning

	// RiskLevelDanger 危险区: 1.1 <= HF < 1.25
	// 每 2 秒检查一次
	RiskLevelDanger

	// RiskLevelCritical 临界区: 1.0 <= HF < 1.1
	// 持有的储备价格变动时立即检查
	RiskLevelCritical

	// RiskLevelLiquidate 清算区: HF < 1.0
	// 进入清算执行队列
	RiskLevelLiquidate
)

// String 返回风险等级的字符串表示（用于日志打印）
func (l RiskLevel) String() string {
	switch l {
	case RiskLevelSafe:
		return "SAFE"
	case RiskLevelWarning:
		return "WARNING"
	case RiskLevelDanger:
		return "DANGER"
	case RiskLevelCritical:
		return "CRITICAL"
	case RiskLevelLiquidate:
		return "LIQUIDATE"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 健康因子阈值
// =============================================================================

const (
	// ThresholdWarning 低于该值进入预警区
	ThresholdWarning = 1.5

	// ThresholdDanger 低于该值进入危险区
	ThresholdDanger = 1.25

	// ThresholdCritical 低于该值进入临界区
	ThresholdCritical = 1.1

	// ThresholdLiquidate 低于该值可以清算
	ThresholdLiquidate = 1.0
)

// CalculateRiskLevel 根据健康因子计算风险等级
func CalculateRiskLevel(healthFactor float64) RiskLevel {
	switch {
	case healthFactor < ThresholdLiquidate:
		return RiskLevelLiquidate
	case healthFactor < ThresholdCritical:
		return RiskLevelCritical
	case healthFactor < ThresholdDanger:
		return RiskLevelDanger
	case healthFactor < ThresholdWarning:
		return RiskLevelWarning
	default:
		return RiskLevelSafe
	}
}

// WadToFloat wad -> float64，MaxUint256 (无债务) 记为 +Inf
//
// 只用于分级和日志，清算本身仍以链上精度的 uint256 判断
func WadToFloat(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	if wadray.IsMax(x) {
		return math.Inf(1)
	}
	return decimal.NewFromBigInt(x.ToBig(), -18).InexactFloat64()
}

// =============================================================================
// 用户风险数据
// =============================================================================

// Key 账户标识: 同一用户在不同 Spoke 上是独立账户
type Key struct {
	Spoke hub.SpokeID
	User  spoke.UserID
}

// ReserveKey 储备标识
type ReserveKey struct {
	Spoke   hub.SpokeID
	Reserve spoke.ReserveID
}

// UserRiskData 用户风险数据
//
// 存储在各级索引中，使用值类型，切片字段只读
type UserRiskData struct {
	Key

	// HealthFactor 健康因子，无债务为 +Inf
	HealthFactor float64

	// CollateralValue 抵押品总价值 (基础货币)
	CollateralValue float64

	// DebtValue 债务总价值 (基础货币)
	DebtValue float64

	// Level 当前所处的风险等级
	Level RiskLevel

	// UpdatedAt 最后更新时间（Unix 纳秒时间戳）
	UpdatedAt int64

	// Reserves 账户涉及的储备 (抵押或债务)，价格变动时据此找到受影响的用户
	Reserves []spoke.ReserveID
}

// NewUserRiskData 创建新的用户风险数据
func NewUserRiskData(sp hub.SpokeID, user spoke.UserID) UserRiskData {
	return UserRiskData{
		Key:          Key{Spoke: sp, User: user},
		HealthFactor: math.Inf(1),
		Reserves:     make([]spoke.ReserveID, 0),
		UpdatedAt:    time.Now().UnixNano(),
	}
}

// FromSnapshot 账户快照 -> 风险数据
func FromSnapshot(snap *engine.AccountSnapshot, scanTime int64) UserRiskData {
	hf := WadToFloat(snap.Data.HealthFactor)
	reserves := make([]spoke.ReserveID, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		if p.UsingAsCollateral || !p.DebtValue.IsZero() {
			reserves = append(reserves, p.ReserveID)
		}
	}
	return UserRiskData{
		Key:             Key{Spoke: snap.Spoke, User: snap.UserID},
		HealthFactor:    hf,
		CollateralValue: WadToFloat(snap.Data.TotalCollateralValue),
		DebtValue:       WadToFloat(snap.Data.TotalDebtValue),
		Level:           CalculateRiskLevel(hf),
		UpdatedAt:       scanTime,
		Reserves:        reserves,
	}
}

// =============================================================================
// 清算执行相关
// =============================================================================

// LiquidationTask 清算任务
//
// 用户进入清算区时创建，放入队列由 Worker Pool 处理
type LiquidationTask struct {
	Key

	// HealthFactor 触发时的健康因子
	HealthFactor float64

	// Trigger 触发来源: scan / checker / price
	Trigger string

	// CreatedAt 任务创建时间
	CreatedAt time.Time

	// Priority 优先级（债务价值越大越优先）
	Priority float64
}

// LiquidationResult 清算执行结果
type LiquidationResult struct {
	Key

	// Success 是否成功
	Success bool

	// Error 错误信息（如果失败）
	Error error

	// ExecutedAt 执行时间
	ExecutedAt time.Time

	// Details 详细信息
	Details LiquidationDetails
}

// LiquidationDetails 清算详情
type LiquidationDetails struct {
	CollateralReserve spoke.ReserveID
	DebtReserve       spoke.ReserveID
	DebtRepaid        *uint256.Int
	CollateralSeized  *uint256.Int
	LiquidationBonus  uint32

	// HealthFactorAfter 清算后的健康因子
	HealthFactorAfter float64
}
