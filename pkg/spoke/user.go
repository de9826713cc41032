// 文件: pkg/spoke/user.go
// 用户操作: Supply / Withdraw / SetUsingAsCollateral / Borrow / Repay
//
// caller 付款或收款，onBehalfOf 是仓位所有人。授权由外层负责。

package spoke

import (
	"fmt"

	"github.com/holiman/uint256"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/wadray"
)

func errHealthFactor(hf *uint256.Int) error {
	return fmt.Errorf("%w: %s", ErrHealthFactorBelowThreshold, hf.Dec())
}

func validAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

func (s *Spoke) userEvent(typ event.Type, r *Reserve, caller, onBehalfOf UserID, amount, shares *uint256.Int) event.Event {
	e := s.newEvent(typ, r)
	e.User = int64(caller)
	e.OnBehalfOf = int64(onBehalfOf)
	e.Counterparty = string(UserAddress(caller))
	if amount != nil {
		e.Amount = amount.Dec()
	}
	if shares != nil {
		e.Shares = shares.Dec()
	}
	return e
}

// reconcile Hub 实际返回的份额和预演不一致时记日志
func (s *Spoke) reconcile(op string, expected, actual *uint256.Int) {
	if !expected.Eq(actual) {
		s.log.WithFields(logger.Fields{
			"op":       op,
			"expected": expected.Dec(),
			"actual":   actual.Dec(),
		}).Warn("[Spoke] hub shares differ from preview")
	}
}

// =============================================================================
// Supply
// =============================================================================

// Supply 存入，返回记入仓位的份额
func (s *Spoke) Supply(caller UserID, id ReserveID, amount *uint256.Int, onBehalfOf UserID) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return nil, err
	}
	if r.Config.Paused {
		return nil, fmt.Errorf("%w: %d", ErrReservePaused, id)
	}
	if r.Config.Frozen {
		return nil, fmt.Errorf("%w: %d", ErrReserveFrozen, id)
	}

	acc := t.account(onBehalfOf)
	if err := t.touch(acc); err != nil {
		return nil, err
	}
	pos := t.position(acc, r)
	before := new(uint256.Int).Set(&pos.SuppliedShares)

	expected, err := s.hub.ConvertToSuppliedShares(r.AssetID, amount, wadray.Floor)
	if err != nil {
		return nil, err
	}
	projected, err := wadray.Add(before, expected)
	if err != nil {
		return nil, err
	}
	pos.SuppliedShares.Set(projected)
	if pos.UsingAsCollateral {
		if _, err := t.refreshRiskPremium(acc); err != nil {
			return nil, err
		}
	}

	minted, err := s.hub.Add(r.AssetID, s.id, amount, UserAddress(caller))
	if err != nil {
		return nil, err
	}
	s.reconcile("supply", expected, minted)
	pos.SuppliedShares.Add(before, minted)

	t.emit(s.userEvent(event.TypeSupply, r, caller, onBehalfOf, amount, minted))
	t.commit()
	return minted, nil
}

// =============================================================================
// Withdraw
// =============================================================================

// Withdraw 取出，amount = MaxUint256 表示全部取出，返回实际取出数量
func (s *Spoke) Withdraw(caller UserID, id ReserveID, amount *uint256.Int, onBehalfOf UserID) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return nil, err
	}
	if r.Config.Paused {
		return nil, fmt.Errorf("%w: %d", ErrReservePaused, id)
	}

	acc := t.account(onBehalfOf)
	pos, ok := acc.Positions[id]
	if !ok || pos.SuppliedShares.IsZero() {
		return nil, fmt.Errorf("%w: reserve %d user %d", ErrInsufficientSupply, id, onBehalfOf)
	}
	if err := t.touch(acc); err != nil {
		return nil, err
	}

	available, err := s.hub.ConvertToSuppliedAssets(r.AssetID, &pos.SuppliedShares, wadray.Floor)
	if err != nil {
		return nil, err
	}
	if wadray.IsMax(amount) {
		amount = available
	}
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if amount.Gt(available) {
		return nil, fmt.Errorf("%w: has %s, wants %s", ErrInsufficientSupply, available.Dec(), amount.Dec())
	}

	expected, err := s.hub.ConvertToSuppliedShares(r.AssetID, amount, wadray.Ceil)
	if err != nil {
		return nil, err
	}
	before := new(uint256.Int).Set(&pos.SuppliedShares)
	pos.SuppliedShares.Set(wadray.SubFloor(before, expected))

	// 提款可能降低健康因子: 迁移到当前配置后再检查
	if _, err := t.refreshDynamicConfig(acc); err != nil {
		return nil, err
	}
	data, err := t.refreshRiskPremium(acc)
	if err != nil {
		return nil, err
	}
	if data.HealthFactor.Lt(wadray.WAD()) {
		return nil, errHealthFactor(data.HealthFactor)
	}

	burned, err := s.hub.Remove(r.AssetID, s.id, amount, UserAddress(caller))
	if err != nil {
		return nil, err
	}
	s.reconcile("withdraw", expected, burned)
	pos.SuppliedShares.Set(wadray.SubFloor(before, burned))

	t.emit(s.userEvent(event.TypeWithdraw, r, caller, onBehalfOf, amount, burned))
	t.commit()
	return new(uint256.Int).Set(amount), nil
}

// =============================================================================
// SetUsingAsCollateral
// =============================================================================

// SetUsingAsCollateral 开关抵押，关闭时检查健康因子
func (s *Spoke) SetUsingAsCollateral(caller UserID, id ReserveID, enabled bool, onBehalfOf UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return err
	}
	if r.Config.Paused {
		return fmt.Errorf("%w: %d", ErrReservePaused, id)
	}

	acc := t.account(onBehalfOf)
	pos := t.position(acc, r)
	if pos.UsingAsCollateral == enabled {
		return nil
	}
	if err := t.touch(acc); err != nil {
		return err
	}

	if enabled {
		if r.Config.Frozen {
			return fmt.Errorf("%w: %d", ErrReserveFrozen, id)
		}
		if r.Current().CollateralFactor == 0 {
			return fmt.Errorf("%w: %d", ErrReserveNotCollateral, id)
		}
		pos.DynamicConfigKey = r.DynamicConfigKey
	} else {
		if _, err := t.refreshDynamicConfig(acc); err != nil {
			return err
		}
	}
	pos.UsingAsCollateral = enabled

	data, err := t.refreshRiskPremium(acc)
	if err != nil {
		return err
	}
	if !enabled && data.HealthFactor.Lt(wadray.WAD()) {
		return errHealthFactor(data.HealthFactor)
	}

	e := s.userEvent(event.TypeSetUsingAsCollateral, r, caller, onBehalfOf, nil, nil)
	t.emit(e.With("enabled", fmt.Sprintf("%t", enabled)))
	t.commit()
	return nil
}

// =============================================================================
// Borrow
// =============================================================================

// Borrow 借款，返回新增的债务份额
//
// 健康因子在调用 Hub 之前按预演的债务份额检查
func (s *Spoke) Borrow(caller UserID, id ReserveID, amount *uint256.Int, onBehalfOf UserID) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return nil, err
	}
	switch {
	case r.Config.Paused:
		return nil, fmt.Errorf("%w: %d", ErrReservePaused, id)
	case r.Config.Frozen:
		return nil, fmt.Errorf("%w: %d", ErrReserveFrozen, id)
	case !r.Config.Borrowable:
		return nil, fmt.Errorf("%w: %d", ErrReserveNotBorrowable, id)
	}
	price, err := t.price(id)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: reserve %d", ErrZeroPrice, id)
	}

	acc := t.account(onBehalfOf)
	if err := t.touch(acc); err != nil {
		return nil, err
	}
	pos := t.position(acc, r)

	idx, err := t.index(r.AssetID)
	if err != nil {
		return nil, err
	}
	expected, err := wadray.RayDivUp(amount, idx)
	if err != nil {
		return nil, err
	}
	before := new(uint256.Int).Set(&pos.DrawnShares)
	projected, err := wadray.Add(before, expected)
	if err != nil {
		return nil, err
	}
	if err := t.setDebt(r, pos, projected, pos.RiskPremium); err != nil {
		return nil, err
	}

	if _, err := t.refreshDynamicConfig(acc); err != nil {
		return nil, err
	}
	data, err := t.refreshRiskPremium(acc)
	if err != nil {
		return nil, err
	}
	if data.HealthFactor.Lt(wadray.WAD()) {
		return nil, errHealthFactor(data.HealthFactor)
	}

	minted, err := s.hub.Draw(r.AssetID, s.id, amount, UserAddress(caller))
	if err != nil {
		return nil, err
	}
	if !minted.Eq(expected) {
		s.reconcile("borrow", expected, minted)
		if err := t.setDebt(r, pos, new(uint256.Int).Add(before, minted), pos.RiskPremium); err != nil {
			s.log.WithError(err).Error("[Spoke] borrow reconcile failed")
		}
	}

	e := s.userEvent(event.TypeBorrow, r, caller, onBehalfOf, amount, minted)
	t.emit(e.With("health_factor", data.HealthFactor.Dec()))
	t.commit()
	return minted, nil
}

// =============================================================================
// Repay
// =============================================================================

// Repay 还款，先还溢价再还基础债务，超出部分截断；返回实际还款额
func (s *Spoke) Repay(caller UserID, id ReserveID, amount *uint256.Int, onBehalfOf UserID) (*uint256.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	r, err := t.reserve(id)
	if err != nil {
		return nil, err
	}
	if r.Config.Paused {
		return nil, fmt.Errorf("%w: %d", ErrReservePaused, id)
	}

	acc := t.account(onBehalfOf)
	pos, ok := acc.Positions[id]
	if !ok || !pos.HasDebt() {
		return nil, fmt.Errorf("%w: reserve %d user %d", ErrNoDebt, id, onBehalfOf)
	}
	if err := t.touch(acc); err != nil {
		return nil, err
	}

	before := new(uint256.Int).Set(&pos.DrawnShares)
	premiumPaid, basePaid, burnExpected, err := t.applyRepay(r, pos, amount)
	if err != nil {
		return nil, err
	}

	burned, err := s.hub.Restore(r.AssetID, s.id, basePaid, premiumPaid, UserAddress(caller))
	if err != nil {
		return nil, err
	}
	if !burned.Eq(burnExpected) {
		s.reconcile("repay", burnExpected, burned)
		if err := t.settleBurn(r, pos, before, burned); err != nil {
			s.log.WithError(err).Error("[Spoke] repay reconcile failed")
		}
	}

	paid := new(uint256.Int).Add(premiumPaid, basePaid)
	e := s.userEvent(event.TypeRepay, r, caller, onBehalfOf, paid, burned)
	t.emit(e.With("premium", premiumPaid.Dec()).With("base", basePaid.Dec()))
	t.commit()
	return paid, nil
}

// settleBurn 按 Hub 实际销毁的份额重置剩余债务份额
func (t *stx) settleBurn(r *Reserve, pos *UserPosition, before, burned *uint256.Int) error {
	return t.setDebt(r, pos, wadray.SubFloor(before, burned), pos.RiskPremium)
}

// applyRepay 在仓位拷贝上扣减债务，返回 (溢价部分, 基础部分, 预计销毁份额)
//
// 调用前仓位已 touch，RealizedPremium 就是全部溢价
func (t *stx) applyRepay(r *Reserve, pos *UserPosition, amount *uint256.Int) (premiumPaid, basePaid, burn *uint256.Int, err error) {
	base, premium, err := t.debtOf(r, pos)
	if err != nil {
		return nil, nil, nil, err
	}
	total, err := wadray.Add(base, premium)
	if err != nil {
		return nil, nil, nil, err
	}
	if total.IsZero() {
		return nil, nil, nil, ErrNoDebt
	}
	pay := wadray.Min(amount, total)

	premiumPaid = wadray.Min(pay, premium)
	basePaid = new(uint256.Int).Sub(pay, premiumPaid)

	idx, err := t.index(r.AssetID)
	if err != nil {
		return nil, nil, nil, err
	}
	burn, err = wadray.RayDivDown(basePaid, idx)
	if err != nil {
		return nil, nil, nil, err
	}
	if burn.Gt(&pos.DrawnShares) {
		burn.Set(&pos.DrawnShares)
	}

	pos.RealizedPremium.Sub(&pos.RealizedPremium, premiumPaid)
	remaining := new(uint256.Int).Sub(&pos.DrawnShares, burn)
	if err := t.setDebt(r, pos, remaining, pos.RiskPremium); err != nil {
		return nil, nil, nil, err
	}
	return premiumPaid, basePaid, burn, nil
}

// =============================================================================
// 风险溢价与配置迁移
// =============================================================================

// UpdateUserRiskPremium 按当前抵押品重算用户风险溢价
func (s *Spoke) UpdateUserRiskPremium(user UserID) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	acc := t.account(user)
	if err := t.touch(acc); err != nil {
		return 0, err
	}
	data, err := t.refreshRiskPremium(acc)
	if err != nil {
		return 0, err
	}
	t.commit()
	return data.RiskPremium, nil
}

// UpdateUserDynamicConfig 把用户所有仓位迁移到当前动态配置，迁移后必须仍然健康
func (s *Spoke) UpdateUserDynamicConfig(user UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	acc := t.account(user)
	if err := t.touch(acc); err != nil {
		return err
	}
	changed, err := t.refreshDynamicConfig(acc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	data, err := t.refreshRiskPremium(acc)
	if err != nil {
		return err
	}
	if data.HealthFactor.Lt(wadray.WAD()) {
		return errHealthFactor(data.HealthFactor)
	}

	e := event.New(event.TypeUserDynamicConfigRefreshed, "spoke:"+string(s.id))
	e.Spoke = string(s.id)
	e.User = int64(user)
	e.OnBehalfOf = int64(user)
	t.emit(e.With("health_factor", data.HealthFactor.Dec()))
	t.commit()
	return nil
}
