// 文件: pkg/spoke/liquidate.go
// 清算
//
// 流程:
// 1. 结算溢价，健康因子 < 1.0 才能清算
// 2. 按健康因子在 [HFForMaxBonus, 1.0] 区间线性插值清算奖励
// 3. 最多还到目标健康因子所需的债务，且不超过该储备的全部债务
// 4. 扣押抵押品 = 还款价值 × 奖励，不超过用户抵押品
// 5. 奖励部分按清算费比例记给金库，其余以存款份额记给清算人
// 6. 清算人通过 Hub 归还债务，先还溢价

package spoke

import (
	"fmt"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/wadray"
)

// LiquidationResult 清算结果
type LiquidationResult struct {
	DebtRepaid        *uint256.Int // 债务资产数量 (溢价 + 基础)
	PremiumRepaid     *uint256.Int
	CollateralSeized  *uint256.Int // 抵押资产数量
	SharesSeized      *uint256.Int
	LiquidatorShares  *uint256.Int
	ProtocolFeeShares *uint256.Int
	LiquidationBonus  uint32 // bps
	HealthFactor      *uint256.Int
}

// liquidationBonus 按健康因子插值
//
//	minBonus = 100% + (maxBonus - 100%) × factor
//	hf <= hfMax        -> maxBonus
//	hfMax < hf < 1.0   -> minBonus + (maxBonus - minBonus) × (1 - hf) / (1 - hfMax)
func liquidationBonus(maxBonus, factor uint32, hf, hfMax *uint256.Int) (uint32, error) {
	if !hf.Gt(hfMax) {
		return maxBonus, nil
	}
	extra, err := wadray.PercentMulDown(uint256.NewInt(uint64(maxBonus-wadray.PercentageFactor)), uint64(factor))
	if err != nil {
		return 0, err
	}
	minBonus := uint64(wadray.PercentageFactor) + extra.Uint64()
	if hf.Cmp(wadray.WAD()) >= 0 {
		return uint32(minBonus), nil
	}
	dist := new(uint256.Int).Sub(wadray.WAD(), hf)
	span := new(uint256.Int).Sub(wadray.WAD(), hfMax)
	scaled, err := wadray.MulDivDown(uint256.NewInt(uint64(maxBonus)-minBonus), dist, span)
	if err != nil {
		return 0, err
	}
	return uint32(minBonus + scaled.Uint64()), nil
}

// Liquidate 清算 user 的 debtReserve 债务，扣押 collateralReserve 抵押品
//
// debtToCover 为清算人愿意偿还的上限 (债务资产数量)，MaxUint256 表示尽量多
func (s *Spoke) Liquidate(collateralReserve, debtReserve ReserveID, user UserID, debtToCover *uint256.Int, liquidator UserID) (LiquidationResult, error) {
	if err := validAmount(debtToCover); err != nil {
		return LiquidationResult{}, err
	}
	if user == liquidator {
		return LiquidationResult{}, ErrSelfLiquidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	coll, err := t.reserve(collateralReserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	debt, err := t.reserve(debtReserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	if coll.Config.Paused {
		return LiquidationResult{}, fmt.Errorf("%w: %d", ErrReservePaused, collateralReserve)
	}
	if debt.Config.Paused {
		return LiquidationResult{}, fmt.Errorf("%w: %d", ErrReservePaused, debtReserve)
	}

	acc := t.account(user)
	if err := t.touch(acc); err != nil {
		return LiquidationResult{}, err
	}
	data, err := t.evaluate(acc)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !data.HealthFactor.Lt(wadray.WAD()) {
		return LiquidationResult{}, fmt.Errorf("%w: health factor %s", ErrHealthyPosition, data.HealthFactor.Dec())
	}

	collPos, ok := acc.Positions[collateralReserve]
	if !ok || !collPos.UsingAsCollateral || collPos.SuppliedShares.IsZero() {
		return LiquidationResult{}, fmt.Errorf("%w: reserve %d user %d", ErrCollateralNotEnabled, collateralReserve, user)
	}
	debtPos, ok := acc.Positions[debtReserve]
	if !ok || !debtPos.HasDebt() {
		return LiquidationResult{}, fmt.Errorf("%w: reserve %d user %d", ErrNoDebt, debtReserve, user)
	}

	debtPrice, err := t.price(debtReserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	collPrice, err := t.price(collateralReserve)
	if err != nil {
		return LiquidationResult{}, err
	}
	if debtPrice.IsZero() || collPrice.IsZero() {
		return LiquidationResult{}, ErrZeroPrice
	}

	dyn, err := coll.Dynamic(collPos.DynamicConfigKey)
	if err != nil {
		return LiquidationResult{}, err
	}
	cfg := s.liqConfig
	bonus, err := liquidationBonus(dyn.LiquidationBonus, cfg.LiquidationBonusFactor, data.HealthFactor, &cfg.HealthFactorForMaxBonus)
	if err != nil {
		return LiquidationResult{}, err
	}

	// ===== 还款上限 =====
	base, premium, err := t.debtOf(debt, debtPos)
	if err != nil {
		return LiquidationResult{}, err
	}
	reserveDebt := new(uint256.Int).Add(base, premium)
	maxRepay, err := t.maxRepay(data, cfg, reserveDebt, debtPrice, debt.Decimals, bonus, dyn.CollateralFactor)
	if err != nil {
		return LiquidationResult{}, err
	}
	repay := wadray.Min(debtToCover, maxRepay)
	if repay.IsZero() {
		return LiquidationResult{}, ErrInvalidAmount
	}

	// ===== 扣押数量 =====
	// debt -> collateral: repay × pDebt × 10^collDec / (pColl × 10^debtDec)
	debtToColl, err := wadray.Mul(debtPrice, wadray.Pow10(coll.Decimals))
	if err != nil {
		return LiquidationResult{}, err
	}
	collToDebt, err := wadray.Mul(collPrice, wadray.Pow10(debt.Decimals))
	if err != nil {
		return LiquidationResult{}, err
	}
	repaidInColl, err := wadray.MulDivDown(repay, debtToColl, collToDebt)
	if err != nil {
		return LiquidationResult{}, err
	}
	seized, err := wadray.PercentMulDown(repaidInColl, uint64(bonus))
	if err != nil {
		return LiquidationResult{}, err
	}

	userColl, err := s.hub.ConvertToSuppliedAssets(coll.AssetID, &collPos.SuppliedShares, wadray.Floor)
	if err != nil {
		return LiquidationResult{}, err
	}
	if seized.Gt(userColl) {
		// 抵押品不够: 全部扣押，按扣押量倒推还款额
		seized = userColl
		baseColl, err := wadray.PercentDivUp(seized, uint64(bonus))
		if err != nil {
			return LiquidationResult{}, err
		}
		capped, err := wadray.MulDivUp(baseColl, collToDebt, debtToColl)
		if err != nil {
			return LiquidationResult{}, err
		}
		repay = wadray.Min(repay, capped)
	}

	seizedShares, err := s.hub.ConvertToSuppliedShares(coll.AssetID, seized, wadray.Ceil)
	if err != nil {
		return LiquidationResult{}, err
	}
	seizedShares = wadray.Min(seizedShares, &collPos.SuppliedShares)

	// ===== 清算费 =====
	principal, err := wadray.PercentDivDown(seized, uint64(bonus))
	if err != nil {
		return LiquidationResult{}, err
	}
	fee, err := wadray.PercentMulDown(wadray.SubFloor(seized, principal), uint64(dyn.LiquidationFee))
	if err != nil {
		return LiquidationResult{}, err
	}
	feeShares, err := s.hub.ConvertToSuppliedShares(coll.AssetID, fee, wadray.Floor)
	if err != nil {
		return LiquidationResult{}, err
	}
	feeShares = wadray.Min(feeShares, seizedShares)
	liquidatorShares := new(uint256.Int).Sub(seizedShares, feeShares)

	// ===== 改仓位 =====
	collPos.SuppliedShares.Sub(&collPos.SuppliedShares, seizedShares)

	liqAcc := t.account(liquidator)
	if err := t.touch(liqAcc); err != nil {
		return LiquidationResult{}, err
	}
	liqPos := t.position(liqAcc, coll)
	if err := addShares(&liqPos.SuppliedShares, liquidatorShares); err != nil {
		return LiquidationResult{}, err
	}
	if !feeShares.IsZero() {
		treasury := t.account(s.treasury)
		if err := t.touch(treasury); err != nil {
			return LiquidationResult{}, err
		}
		if err := addShares(&t.position(treasury, coll).SuppliedShares, feeShares); err != nil {
			return LiquidationResult{}, err
		}
	}

	debtBefore := new(uint256.Int).Set(&debtPos.DrawnShares)
	premiumPaid, basePaid, burnExpected, err := t.applyRepay(debt, debtPos, repay)
	if err != nil {
		return LiquidationResult{}, err
	}
	after, err := t.refreshRiskPremium(acc)
	if err != nil {
		return LiquidationResult{}, err
	}
	// 收到份额的账户如果已把该储备作抵押，风险溢价跟着变
	for _, a := range []*Account{liqAcc, t.accounts[s.treasury]} {
		if a == nil || a.UserID == user {
			continue
		}
		if p := a.Positions[collateralReserve]; p != nil && p.UsingAsCollateral {
			if _, err := t.refreshRiskPremium(a); err != nil {
				return LiquidationResult{}, err
			}
		}
	}

	burned, err := s.hub.Restore(debt.AssetID, s.id, basePaid, premiumPaid, UserAddress(liquidator))
	if err != nil {
		return LiquidationResult{}, err
	}
	if !burned.Eq(burnExpected) {
		s.reconcile("liquidate", burnExpected, burned)
		if err := t.settleBurn(debt, debtPos, debtBefore, burned); err != nil {
			s.log.WithError(err).Error("[Spoke] liquidate reconcile failed")
		}
	}

	res := LiquidationResult{
		DebtRepaid:        new(uint256.Int).Add(premiumPaid, basePaid),
		PremiumRepaid:     premiumPaid,
		CollateralSeized:  seized,
		SharesSeized:      seizedShares,
		LiquidatorShares:  liquidatorShares,
		ProtocolFeeShares: feeShares,
		LiquidationBonus:  bonus,
		HealthFactor:      after.HealthFactor,
	}

	s.log.WithFields(logger.Fields{
		"user":       user,
		"liquidator": liquidator,
		"collateral": collateralReserve,
		"debt":       debtReserve,
		"repaid":     res.DebtRepaid.Dec(),
		"seized":     seized.Dec(),
		"bonus":      bonus,
		"hf_before":  data.HealthFactor.Dec(),
		"hf_after":   after.HealthFactor.Dec(),
	}).Info("[Spoke] position liquidated")

	e := s.userEvent(event.TypeLiquidate, debt, liquidator, user, res.DebtRepaid, burned)
	t.emit(e.
		With("collateral_reserve", fmt.Sprintf("%d", collateralReserve)).
		With("collateral_seized", seized.Dec()).
		With("liquidator_shares", liquidatorShares.Dec()).
		With("protocol_fee_shares", feeShares.Dec()).
		With("liquidation_bonus", fmt.Sprintf("%d", bonus)).
		With("health_factor_before", data.HealthFactor.Dec()).
		With("health_factor_after", after.HealthFactor.Dec()))
	t.commit()
	return res, nil
}

// maxRepay 单次清算最多偿还的债务数量
//
// 还款价值 r 使健康因子回到目标 T:
//
//	(C - r × bonus × CF) / (D - r) = T  =>  r = (T×D - C) / (T - bonus×CF)
//
// T <= bonus×CF 时无法回到目标，可还清该储备全部债务
func (t *stx) maxRepay(data AccountData, cfg LiquidationConfig, reserveDebt, price *uint256.Int, decimals uint8, bonus, cf uint32) (*uint256.Int, error) {
	target := &cfg.TargetHealthFactor
	// bps × bps = 1e8 -> wad 乘 1e10
	bonusCF := new(uint256.Int).Mul(uint256.NewInt(uint64(bonus)*uint64(cf)), uint256.NewInt(10_000_000_000))
	if !target.Gt(bonusCF) {
		return new(uint256.Int).Set(reserveDebt), nil
	}

	td, err := wadray.WadMulUp(target, data.TotalDebtValue)
	if err != nil {
		return nil, err
	}
	numerator := wadray.SubFloor(td, data.WeightedCollateralValue)
	value, err := wadray.MulDivUp(numerator, wadray.WAD(), new(uint256.Int).Sub(target, bonusCF))
	if err != nil {
		return nil, err
	}
	amount, err := fromValue(value, price, decimals, wadray.Ceil)
	if err != nil {
		return nil, err
	}
	return wadray.Min(amount, reserveDebt), nil
}

func addShares(dst, v *uint256.Int) error {
	sum, err := wadray.Add(dst, v)
	if err != nil {
		return err
	}
	dst.Set(sum)
	return nil
}
