// 文件: pkg/spoke/errors.go
// Spoke 错误定义

package spoke

import (
	"errors"

	"hubspoke.com/pkg/hub"
)

var (
	// ===== 配置 =====
	ErrInvalidCollateralFactor       = errors.New("spoke: invalid collateral factor")
	ErrInvalidLiquidationBonus       = errors.New("spoke: invalid liquidation bonus")
	ErrInvalidLiquidationFee         = errors.New("spoke: invalid liquidation fee")
	ErrInvalidCollateralRisk         = errors.New("spoke: invalid collateral risk")
	ErrInvalidTargetHealthFactor     = errors.New("spoke: invalid target health factor")
	ErrInvalidMaxBonusHealthFactor   = errors.New("spoke: invalid health factor for max bonus")
	ErrInvalidLiquidationBonusFactor = errors.New("spoke: invalid liquidation bonus factor")
	ErrInvalidDynamicConfigKey       = errors.New("spoke: invalid dynamic config key")
	ErrReserveAlreadyListed          = errors.New("spoke: asset already has a reserve")
	ErrInvalidAmount                 = errors.New("spoke: invalid amount")

	// ===== 资格 =====
	ErrReserveNotListed     = errors.New("spoke: reserve not listed")
	ErrReservePaused        = errors.New("spoke: reserve paused")
	ErrReserveFrozen        = errors.New("spoke: reserve frozen")
	ErrReserveNotBorrowable = errors.New("spoke: reserve not borrowable")
	ErrReserveNotCollateral = errors.New("spoke: reserve cannot be used as collateral")
	ErrCollateralNotEnabled = errors.New("spoke: reserve not enabled as collateral")
	ErrSelfLiquidation      = errors.New("spoke: liquidator cannot be the borrower")

	// ===== 容量 =====
	ErrInsufficientSupply = errors.New("spoke: insufficient supplied balance")
	ErrNoDebt             = errors.New("spoke: no debt in reserve")

	// ===== 偿付 =====
	ErrHealthFactorBelowThreshold = errors.New("spoke: health factor below threshold")
	ErrHealthyPosition            = errors.New("spoke: position is healthy")

	// ===== 算术 =====
	ErrZeroPrice = errors.New("spoke: zero price")
)

var errorClasses = []struct {
	err   error
	class hub.ErrorClass
}{
	{ErrInvalidCollateralFactor, hub.ClassConfiguration},
	{ErrInvalidLiquidationBonus, hub.ClassConfiguration},
	{ErrInvalidLiquidationFee, hub.ClassConfiguration},
	{ErrInvalidCollateralRisk, hub.ClassConfiguration},
	{ErrInvalidTargetHealthFactor, hub.ClassConfiguration},
	{ErrInvalidMaxBonusHealthFactor, hub.ClassConfiguration},
	{ErrInvalidLiquidationBonusFactor, hub.ClassConfiguration},
	{ErrInvalidDynamicConfigKey, hub.ClassConfiguration},
	{ErrReserveAlreadyListed, hub.ClassConfiguration},
	{ErrInvalidAmount, hub.ClassConfiguration},

	{ErrReserveNotListed, hub.ClassEligibility},
	{ErrReservePaused, hub.ClassEligibility},
	{ErrReserveFrozen, hub.ClassEligibility},
	{ErrReserveNotBorrowable, hub.ClassEligibility},
	{ErrReserveNotCollateral, hub.ClassEligibility},
	{ErrCollateralNotEnabled, hub.ClassEligibility},
	{ErrSelfLiquidation, hub.ClassEligibility},

	{ErrInsufficientSupply, hub.ClassCapacity},
	{ErrNoDebt, hub.ClassCapacity},

	{ErrHealthFactorBelowThreshold, hub.ClassSolvency},
	{ErrHealthyPosition, hub.ClassSolvency},

	{ErrZeroPrice, hub.ClassArithmetic},
}

// Classify 错误大类，Hub 透传上来的错误按 Hub 的分类
func Classify(err error) hub.ErrorClass {
	if err == nil {
		return hub.ClassUnknown
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return hub.Classify(err)
}
