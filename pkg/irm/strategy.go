// 文件: pkg/irm/strategy.go
// 利率策略 - 双斜率 (拐点) 模型
//
// 利用率 u = debt / (availableLiquidity + debt)
//
//	u <= optimal: rate = base + slope1 * u / optimal
//	u >  optimal: rate = base + slope1 + slope2 * (u - optimal) / (1 - optimal)
//
// 参数按资产 ID 存储，一个策略实例可服务多个资产。
// 只有绑定的 Hub 可以修改参数。

package irm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/wadray"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrOnlyHub                  = errors.New("irm: caller is not the hub")
	ErrAssetNotListed           = errors.New("irm: no interest rate data for asset")
	ErrInvalidOptimalUsageRatio = errors.New("irm: optimal usage ratio out of bounds")
	ErrSlope2BelowSlope1        = errors.New("irm: slope2 must not be lower than slope1")
	ErrInvalidMaxRate           = errors.New("irm: base + slope1 + slope2 exceeds max borrow rate")
)

// =============================================================================
// 常量
// =============================================================================

const (
	// MinOptimalRatio 拐点下限 1%
	MinOptimalRatio = 100
	// MaxOptimalRatio 拐点上限 99%
	MaxOptimalRatio = 9_900
	// MaxBorrowRate 全局最高利率 1000%
	MaxBorrowRate = 100_000
)

// InterestRateData 单资产利率参数 (全部为 bps)
type InterestRateData struct {
	OptimalUsageRatio      uint32 `json:"optimal_usage_ratio" yaml:"optimal_usage_ratio"`
	BaseVariableBorrowRate uint32 `json:"base_variable_borrow_rate" yaml:"base_variable_borrow_rate"`
	VariableRateSlope1     uint32 `json:"variable_rate_slope1" yaml:"variable_rate_slope1"`
	VariableRateSlope2     uint32 `json:"variable_rate_slope2" yaml:"variable_rate_slope2"`
}

// MaxRate base + slope1 + slope2 (bps)
func (d InterestRateData) MaxRate() uint64 {
	return uint64(d.BaseVariableBorrowRate) + uint64(d.VariableRateSlope1) + uint64(d.VariableRateSlope2)
}

// Validate 参数校验
func (d InterestRateData) Validate() error {
	if d.OptimalUsageRatio < MinOptimalRatio || d.OptimalUsageRatio > MaxOptimalRatio {
		return fmt.Errorf("%w: %d", ErrInvalidOptimalUsageRatio, d.OptimalUsageRatio)
	}
	if d.VariableRateSlope2 < d.VariableRateSlope1 {
		return ErrSlope2BelowSlope1
	}
	if d.MaxRate() > MaxBorrowRate {
		return fmt.Errorf("%w: %d bps", ErrInvalidMaxRate, d.MaxRate())
	}
	return nil
}

// DefaultInterestRateData 默认参数: 拐点 80%，base 0，slope1 4%，slope2 75%
func DefaultInterestRateData() InterestRateData {
	return InterestRateData{
		OptimalUsageRatio:      8_000,
		BaseVariableBorrowRate: 0,
		VariableRateSlope1:     400,
		VariableRateSlope2:     7_500,
	}
}

// =============================================================================
// Strategy
// =============================================================================

// Strategy 双斜率利率策略
type Strategy struct {
	hub  string
	mu   sync.RWMutex
	data map[uint32]InterestRateData
}

// NewStrategy 创建绑定到 hub 的策略
func NewStrategy(hub string) *Strategy {
	return &Strategy{
		hub:  hub,
		data: make(map[uint32]InterestRateData),
	}
}

// Hub 返回绑定的 hub 标识
func (s *Strategy) Hub() string { return s.hub }

// SetInterestRateData 设置资产利率参数 (仅 hub)
func (s *Strategy) SetInterestRateData(caller string, assetID uint32, data InterestRateData) error {
	if caller != s.hub {
		return ErrOnlyHub
	}
	if err := data.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data[assetID] = data
	s.mu.Unlock()
	return nil
}

// GetInterestRateData 读取资产利率参数
func (s *Strategy) GetInterestRateData(assetID uint32) (InterestRateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[assetID]
	if !ok {
		return InterestRateData{}, ErrAssetNotListed
	}
	return d, nil
}

// MaxVariableBorrowRate 资产的最高利率 (ray)
func (s *Strategy) MaxVariableBorrowRate(assetID uint32) (*uint256.Int, error) {
	d, err := s.GetInterestRateData(assetID)
	if err != nil {
		return nil, err
	}
	return wadray.BpsToRay(d.MaxRate()), nil
}

// CalculateInterestRate 根据利用率计算年化借款利率 (ray)
func (s *Strategy) CalculateInterestRate(assetID uint32, liquidity, baseDebt, premiumDebt *uint256.Int) (*uint256.Int, error) {
	d, err := s.GetInterestRateData(assetID)
	if err != nil {
		return nil, err
	}

	rate := wadray.BpsToRay(uint64(d.BaseVariableBorrowRate))

	debt, err := wadray.Add(baseDebt, premiumDebt)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return rate, nil
	}
	total, err := wadray.Add(debt, liquidity)
	if err != nil {
		return nil, err
	}
	usage, err := wadray.RayDivUp(debt, total)
	if err != nil {
		return nil, err
	}

	optimal := wadray.BpsToRay(uint64(d.OptimalUsageRatio))
	slope1 := wadray.BpsToRay(uint64(d.VariableRateSlope1))

	if !usage.Gt(optimal) {
		part, err := wadray.MulDivUp(slope1, usage, optimal)
		if err != nil {
			return nil, err
		}
		return rate.Add(rate, part), nil
	}

	slope2 := wadray.BpsToRay(uint64(d.VariableRateSlope2))
	excess := new(uint256.Int).Sub(usage, optimal)
	span := new(uint256.Int).Sub(wadray.RAY(), optimal)
	part, err := wadray.MulDivUp(slope2, excess, span)
	if err != nil {
		return nil, err
	}
	rate.Add(rate, slope1)
	return rate.Add(rate, part), nil
}
