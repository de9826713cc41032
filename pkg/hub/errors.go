// 文件: pkg/hub/errors.go
// Hub 错误定义与分类
//
// 所有失败都是整笔调用失败，调用方用 Classify 判断错误大类

package hub

import (
	"errors"

	"hubspoke.com/pkg/irm"
	"hubspoke.com/pkg/token"
	"hubspoke.com/pkg/wadray"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ===== 配置 =====
	ErrInvalidDecimals     = errors.New("hub: invalid decimals")
	ErrInvalidLiquidityFee = errors.New("hub: liquidity fee exceeds 100%")
	ErrInvalidFeeReceiver  = errors.New("hub: invalid fee receiver")
	ErrInvalidSpoke        = errors.New("hub: invalid spoke id")
	ErrSpokeAlreadyListed  = errors.New("hub: spoke already listed for asset")
	ErrInvalidAmount       = errors.New("hub: invalid amount")
	ErrInvalidShares       = errors.New("hub: amount converts to zero shares")

	// ===== 容量 =====
	ErrSupplyCapExceeded     = errors.New("hub: supply cap exceeded")
	ErrDrawCapExceeded       = errors.New("hub: draw cap exceeded")
	ErrInsufficientLiquidity = errors.New("hub: insufficient available liquidity")
	ErrInsufficientSupply    = errors.New("hub: insufficient supplied balance")
	ErrSurplusRestore        = errors.New("hub: restore exceeds outstanding base debt")

	// ===== 资格 =====
	ErrAssetNotListed = errors.New("hub: asset not listed")
	ErrAssetNotActive = errors.New("hub: asset not active")
	ErrAssetPaused    = errors.New("hub: asset paused")
	ErrAssetFrozen    = errors.New("hub: asset frozen")
	ErrSpokeNotListed = errors.New("hub: spoke not listed for asset")
	ErrSpokeNotActive = errors.New("hub: spoke not active")
	ErrSpokePaused    = errors.New("hub: spoke paused")

	// ===== 一致性 =====
	ErrInvariantViolation = errors.New("hub: invariant violated")
)

// =============================================================================
// 错误分类
// =============================================================================

// ErrorClass 错误大类
type ErrorClass uint8

const (
	ClassUnknown ErrorClass = iota
	ClassConfiguration
	ClassCapacity
	ClassEligibility
	ClassSolvency
	ClassArithmetic
	ClassTransfer
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "CONFIGURATION"
	case ClassCapacity:
		return "CAPACITY"
	case ClassEligibility:
		return "ELIGIBILITY"
	case ClassSolvency:
		return "SOLVENCY"
	case ClassArithmetic:
		return "ARITHMETIC"
	case ClassTransfer:
		return "TRANSFER"
	default:
		return "UNKNOWN"
	}
}

var errorClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrInvalidDecimals, ClassConfiguration},
	{ErrInvalidLiquidityFee, ClassConfiguration},
	{ErrInvalidFeeReceiver, ClassConfiguration},
	{ErrInvalidSpoke, ClassConfiguration},
	{ErrSpokeAlreadyListed, ClassConfiguration},
	{ErrInvalidAmount, ClassConfiguration},
	{ErrInvalidShares, ClassConfiguration},
	{irm.ErrInvalidOptimalUsageRatio, ClassConfiguration},
	{irm.ErrSlope2BelowSlope1, ClassConfiguration},
	{irm.ErrInvalidMaxRate, ClassConfiguration},
	{irm.ErrOnlyHub, ClassConfiguration},
	{irm.ErrAssetNotListed, ClassConfiguration},

	{ErrSupplyCapExceeded, ClassCapacity},
	{ErrDrawCapExceeded, ClassCapacity},
	{ErrInsufficientLiquidity, ClassCapacity},
	{ErrInsufficientSupply, ClassCapacity},
	{ErrSurplusRestore, ClassCapacity},

	{ErrAssetNotListed, ClassEligibility},
	{ErrAssetNotActive, ClassEligibility},
	{ErrAssetPaused, ClassEligibility},
	{ErrAssetFrozen, ClassEligibility},
	{ErrSpokeNotListed, ClassEligibility},
	{ErrSpokeNotActive, ClassEligibility},
	{ErrSpokePaused, ClassEligibility},

	{ErrInvariantViolation, ClassArithmetic},
	{wadray.ErrMulOverflow, ClassArithmetic},
	{wadray.ErrAddOverflow, ClassArithmetic},
	{wadray.ErrDivisionByZero, ClassArithmetic},
	{wadray.ErrWeightedAverageUnderflow, ClassArithmetic},

	{token.ErrInsufficientBalance, ClassTransfer},
	{token.ErrInvalidAmount, ClassTransfer},
	{token.ErrBalanceOverflow, ClassTransfer},
}

// Classify 返回错误所属大类
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassUnknown
}
