// 文件: pkg/hub/model.go
// Hub 数据模型
//
// 资产记录按 AssetID 存放在切片里 (arena)，Spoke 记录按 (AssetID, SpokeID) 寻址。
// 所有数额字段都是 uint256.Int 值类型，整条记录可以直接拷贝，
// 事务里改的是拷贝，提交时整体写回。

package hub

import (
	"sync"
	"time"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/token"
	"hubspoke.com/pkg/wadray"
)

// AssetID 资产编号，从 0 开始按上架顺序递增
type AssetID = uint32

// SpokeID Spoke 标识
type SpokeID string

// Address 外部付款方/收款方
type Address = token.Address

// MaxDecimals 支持的最大精度
const MaxDecimals = 18

// =============================================================================
// 资产
// =============================================================================

// AssetConfig 资产配置
type AssetConfig struct {
	FeeReceiver  SpokeID `json:"fee_receiver" yaml:"fee_receiver"`
	LiquidityFee uint32  `json:"liquidity_fee" yaml:"liquidity_fee"` // bps，利息增量中划给协议的部分
	Active       bool    `json:"active" yaml:"active"`
	Paused       bool    `json:"paused" yaml:"paused"`
	Frozen       bool    `json:"frozen" yaml:"frozen"`
}

// Asset 资产记录
type Asset struct {
	ID         AssetID
	Underlying string
	Decimals   uint8

	SuppliedShares uint256.Int
	DrawnShares    uint256.Int
	DrawnIndex     uint256.Int // ray，上架时为 1.0，只增不减
	DrawnRate      uint256.Int // ray，年化，缓存到下次计息
	Liquidity      uint256.Int // 池内可用资金
	LastUpdate     int64       // unix 秒

	Config AssetConfig
}

// TotalDrawn 基础债务总额 (向上取整)
func (a *Asset) TotalDrawn() (*uint256.Int, error) {
	return wadray.RayMulUp(&a.DrawnShares, &a.DrawnIndex)
}

// TotalSupplied 存款总额 = 可用资金 + 基础债务
func (a *Asset) TotalSupplied() (*uint256.Int, error) {
	drawn, err := a.TotalDrawn()
	if err != nil {
		return nil, err
	}
	return wadray.Add(&a.Liquidity, drawn)
}

// =============================================================================
// Spoke
// =============================================================================

// SpokeConfig Spoke 在某资产池内的配置
//
// 上限按资产最小单位计，0 表示不限
type SpokeConfig struct {
	Active    bool        `json:"active" yaml:"active"`
	Paused    bool        `json:"paused" yaml:"paused"`
	SupplyCap uint256.Int `json:"supply_cap" yaml:"-"`
	DrawCap   uint256.Int `json:"draw_cap" yaml:"-"`
}

// DefaultSpokeConfig 启用、不限额
func DefaultSpokeConfig() SpokeConfig {
	return SpokeConfig{Active: true}
}

// SpokeData Spoke 在某资产池内的份额
type SpokeData struct {
	SuppliedShares uint256.Int
	DrawnShares    uint256.Int
	Config         SpokeConfig
}

// =============================================================================
// 状态导出
// =============================================================================

// SpokeEntry 导出用的 Spoke 记录
type SpokeEntry struct {
	AssetID AssetID
	Spoke   SpokeID
	Data    SpokeData
}

// State Hub 全量状态快照
type State struct {
	Assets []Asset
	Spokes []SpokeEntry
	Rates  []irm.InterestRateData // 按 AssetID 对齐
}

// =============================================================================
// 时钟
// =============================================================================

// Clock 时间来源，计息只依赖它
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时间
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock 手动推进的时钟，用于测试和模拟
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 前进 d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set 直接设置时间
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
