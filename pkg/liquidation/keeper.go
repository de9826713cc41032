// 文件: pkg/liquidation/keeper.go
// 基于引擎的清算执行器
//
// 选债务价值最大的储备作为清算债务，抵押价值最大的储备作为扣押对象，
// 请求全部可清算额，由 Spoke 截断到目标健康因子。

package liquidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/idgen"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/wadray"
)

var (
	ErrNotLiquidatable = errors.New("account is no longer liquidatable")
	ErrNoCollateral    = errors.New("account has no priced collateral")
	ErrNoDebtPosition  = errors.New("account has no debt position")
)

// Liquidator 清算入口，*engine.Engine 满足该接口
type Liquidator interface {
	Account(ctx context.Context, sp hub.SpokeID, user spoke.UserID) (*engine.AccountSnapshot, error)
	Liquidate(ctx context.Context, cmdID string, sp hub.SpokeID, coll, debt spoke.ReserveID, user spoke.UserID, amount *uint256.Int, liquidator spoke.UserID) (spoke.LiquidationResult, error)
}

// Keeper 清算执行器
type Keeper struct {
	liq        Liquidator
	liquidator spoke.UserID
	maxRepay   *uint256.Int
}

// NewKeeper liquidator 是付款并接收抵押份额的账户
func NewKeeper(liq Liquidator, liquidator spoke.UserID) *Keeper {
	return &Keeper{liq: liq, liquidator: liquidator, maxRepay: wadray.MaxUint256()}
}

// SetMaxRepay 单次最多偿还的债务数量 (债务资产单位)
func (k *Keeper) SetMaxRepay(amount *uint256.Int) {
	if amount != nil && !amount.IsZero() {
		k.maxRepay = new(uint256.Int).Set(amount)
	}
}

// SelectReserves 抵押价值最大的抵押品和债务价值最大的债务，价值相同取编号小的
func SelectReserves(positions []spoke.PositionView) (coll, debt spoke.ReserveID, err error) {
	var maxColl, maxDebt *uint256.Int
	for _, p := range positions {
		if p.UsingAsCollateral && !p.CollateralValue.IsZero() && (maxColl == nil || p.CollateralValue.Gt(maxColl)) {
			maxColl, coll = p.CollateralValue, p.ReserveID
		}
		if !p.DebtValue.IsZero() && (maxDebt == nil || p.DebtValue.Gt(maxDebt)) {
			maxDebt, debt = p.DebtValue, p.ReserveID
		}
	}
	if maxColl == nil {
		return 0, 0, ErrNoCollateral
	}
	if maxDebt == nil {
		return 0, 0, ErrNoDebtPosition
	}
	return coll, debt, nil
}

// Execute 重新估值后执行清算
func (k *Keeper) Execute(ctx context.Context, task LiquidationTask) LiquidationResult {
	res := LiquidationResult{Key: task.Key, ExecutedAt: time.Now()}

	snap, err := k.liq.Account(ctx, task.Spoke, task.User)
	if err != nil {
		res.Error = fmt.Errorf("load account: %w", err)
		return res
	}
	if !snap.Data.HealthFactor.Lt(wadray.WAD()) {
		res.Error = fmt.Errorf("%w: health factor %s", ErrNotLiquidatable, snap.Data.HealthFactor.Dec())
		return res
	}
	coll, debt, err := SelectReserves(snap.Positions)
	if err != nil {
		res.Error = err
		return res
	}

	cmdID := idgen.CmdID("liq")
	out, err := k.liq.Liquidate(ctx, cmdID, task.Spoke, coll, debt, task.User, k.maxRepay, k.liquidator)
	res.Details.CollateralReserve = coll
	res.Details.DebtReserve = debt
	if err != nil {
		res.Error = err
		return res
	}

	res.Success = true
	res.Details.DebtRepaid = out.DebtRepaid
	res.Details.CollateralSeized = out.CollateralSeized
	res.Details.LiquidationBonus = out.LiquidationBonus
	res.Details.HealthFactorAfter = WadToFloat(out.HealthFactor)
	return res
}
